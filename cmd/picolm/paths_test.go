package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func withTTY(t *testing.T, tty bool) {
	prev := stdinIsTTY
	stdinIsTTY = func() bool { return tty }
	t.Cleanup(func() { stdinIsTTY = prev })
}

func TestDiscoverModelsSorted(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "b.gguf", "a.GGUF", "notes.txt")
	got, err := discoverModels(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a.GGUF"), filepath.Join(dir, "b.gguf")}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestResolveModelPath(t *testing.T) {
	t.Run("model flag wins", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		got, err := resolveModelPath("/tmp/x/../model.gguf", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatal(err)
		}
		if got != filepath.Clean("/tmp/model.gguf") {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		if _, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("single model from env", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "only.gguf")
		t.Setenv(envModelsDir, dir)
		withTTY(t, false)
		got, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatal(err)
		}
		if got != filepath.Join(dir, "only.gguf") {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("several models need a tty", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "a.gguf", "b.gguf")
		withTTY(t, false)
		if _, err := resolveModelPath("", dir, bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("interactive selection", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "b.gguf", "a.gguf")
		withTTY(t, true)
		got, err := resolveModelPath("", dir, bytes.NewBufferString("9\n2\n"), io.Discard)
		if err != nil {
			t.Fatal(err)
		}
		if got != filepath.Join(dir, "b.gguf") {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("selection exhausted", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "a.gguf", "b.gguf")
		withTTY(t, true)
		if _, err := resolveModelPath("", dir, bytes.NewBufferString("nope"), io.Discard); err == nil {
			t.Fatal("expected error")
		}
	})
}
