package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const envModelsDir = "PICOLM_MODELS_DIR"

// stdinIsTTY is a seam for tests.
var stdinIsTTY = isTTY

// resolveModelPath returns the explicit --model path, or picks a .gguf file
// from the models directory: the only one, or one chosen on stdin.
func resolveModelPath(modelFlag, modelsDir string, stdin io.Reader, stderr io.Writer) (string, error) {
	if m := strings.TrimSpace(modelFlag); m != "" {
		return filepath.Clean(m), nil
	}
	dir := strings.TrimSpace(modelsDir)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envModelsDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s is set", envModelsDir)
	}

	models, err := discoverModels(dir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no .gguf models found in %s", dir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "using model %s\n", models[0])
		return models[0], nil
	}
	if !stdinIsTTY() {
		return "", fmt.Errorf("%d models found in %s but stdin is not interactive; set --model", len(models), dir)
	}
	return selectModel(dir, models, stdin, stderr)
}

func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var models []string
	for _, e := range ents {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
			models = append(models, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(models)
	return models, nil
}

func selectModel(dir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	_, _ = fmt.Fprintf(stderr, "select a model from %s\n", dir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, filepath.Base(m))
	}
	r := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "selection [1-%d]: ", len(models))
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if idx, convErr := strconv.Atoi(line); convErr == nil && idx >= 1 && idx <= len(models) {
			return models[idx-1], nil
		}
		if errors.Is(err, io.EOF) {
			return "", errors.New("no valid selection on stdin; set --model")
		}
		if line != "" {
			_, _ = fmt.Fprintf(stderr, "invalid selection %q\n", line)
		}
	}
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
