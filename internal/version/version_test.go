package version

import (
	"runtime/debug"
	"testing"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	prev := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = prev })
}

func TestResolveFallsBackToBuildInfo(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	info := Resolve()
	if info.Version != "v0.3.1" || info.Commit != "0123456789abcdef0123" || info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("info = %+v", info)
	}
	if got := String(); got != "v0.3.1 (0123456789ab-dirty)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestResolveDev(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if got := String(); got != "dev" {
		t.Fatalf("String() = %q", got)
	}
}

func TestLinkerStampWins(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}})
	prevV, prevC := Version, Commit
	Version, Commit = "v1.0.0", "fedcba"
	t.Cleanup(func() { Version, Commit = prevV, prevC })
	if got := String(); got != "v1.0.0 (fedcba)" {
		t.Fatalf("String() = %q", got)
	}
}
