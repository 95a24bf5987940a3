package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	if cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err != nil || cfg.Threads != nil {
		t.Fatalf("missing file: %+v, %v", cfg, err)
	}

	path := filepath.Join(dir, "config.yaml")
	body := "models_dir: /models\nthreads: 2\ntemperature: 0\ntop_k: 40\nstream_mode: quiet\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelsDir != "/models" || cfg.Threads == nil || *cfg.Threads != 2 || cfg.StreamMode != "quiet" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Fatal("explicit zero temperature lost")
	}
	if cfg.TopP != nil {
		t.Fatal("unset top_p decoded as set")
	}

	if err := os.WriteFile(path, []byte("threads: [1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "toy.gguf")
	cache := filepath.Join(dir, "prompt.kv")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("temperature: 0\nmax_tokens: 4\nstream_mode: quiet\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	steps := [][]string{
		{"picolm", "--config", cfgPath, "--log-level", "error", "toy", "--out", model, "--kind", "q8_0", "--hidden", "32", "--heads", "4", "--kv-heads", "2", "--ffn", "64"},
		{"picolm", "--config", cfgPath, "--log-level", "error", "inspect", "-m", model, "--json", "--verify"},
		{"picolm", "--config", cfgPath, "--log-level", "error", "tokenize", "-m", model, "hello world"},
		{"picolm", "--config", cfgPath, "--log-level", "error", "run", "-m", model, "--save-cache", cache, "-p", "hello"},
		{"picolm", "--config", cfgPath, "--log-level", "error", "run", "-m", model, "--load-cache", cache, "-p", "hello world"},
	}
	for _, args := range steps {
		if err := newApp().Run(ctx, args); err != nil {
			t.Fatalf("%v: %v", args[5:], err)
		}
	}
	if st, err := os.Stat(cache); err != nil || st.Size() == 0 {
		t.Fatalf("cache snapshot missing: %v", err)
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1,2", "3 4"})
	if err != nil || len(ids) != 4 || ids[3] != 4 {
		t.Fatalf("ids %v err %v", ids, err)
	}
	if _, err := parseIDs([]string{"x"}); err == nil {
		t.Fatal("bad id accepted")
	}
}

func TestParseKind(t *testing.T) {
	if k, err := parseKind("q4_0"); err != nil || k.String() != "Q4_0" {
		t.Fatalf("kind %v err %v", k, err)
	}
	if _, err := parseKind("q9_9"); err == nil {
		t.Fatal("unknown kind accepted")
	}
}
