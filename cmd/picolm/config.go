package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/picolm/internal/inference"
	"github.com/samcharles93/picolm/internal/logger"
	"github.com/samcharles93/picolm/internal/metrics"
	"github.com/samcharles93/picolm/internal/quant"
	"github.com/samcharles93/picolm/internal/tensorstore"
)

// Config represents the picolm configuration file
// (~/.config/picolm/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`

	// Engine
	Threads       *int64 `yaml:"threads"`
	MaxContext    *int64 `yaml:"max_context"`
	Advice        string `yaml:"advice"`
	NoMmap        *bool  `yaml:"no_mmap"`
	ReleaseLayers *bool  `yaml:"release_layers"`

	// Sampling defaults
	Seed          *uint64  `yaml:"seed"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int64   `yaml:"repeat_last_n"`
	MaxTokens     *int64   `yaml:"max_tokens"`

	// Output
	StreamMode  string `yaml:"stream_mode"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsFile string `yaml:"metrics_file"`
}

// fileConfig is loaded once by setup.
var fileConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "picolm", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// override copies v into dst when v is set and the flag was not given.
func override[T any](c *cli.Command, flag string, dst *T, v *T) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}

func overrideString(c *cli.Command, flag string, dst *string, v string) {
	if v != "" && !c.IsSet(flag) {
		*dst = v
	}
}

// applyModelConfig applies config file defaults to the model flags.
func applyModelConfig(c *cli.Command, cfg Config) {
	overrideString(c, "models-path", &modelsPath, cfg.ModelsDir)
	override(c, "threads", &threads, cfg.Threads)
	override(c, "max-context", &maxContext, cfg.MaxContext)
	overrideString(c, "advice", &advice, cfg.Advice)
	override(c, "no-mmap", &noMmap, cfg.NoMmap)
	override(c, "release-layers", &releaseLayers, cfg.ReleaseLayers)
}

// applySamplingConfig applies config file defaults to sampling flags.
func applySamplingConfig(c *cli.Command, cfg Config, s *sampling) {
	override(c, "seed", &s.seed, cfg.Seed)
	override(c, "temp", &s.temperature, cfg.Temperature)
	override(c, "top-k", &s.topK, cfg.TopK)
	override(c, "top-p", &s.topP, cfg.TopP)
	override(c, "min-p", &s.minP, cfg.MinP)
	override(c, "repeat-penalty", &s.repeatPenalty, cfg.RepeatPenalty)
	override(c, "repeat-last-n", &s.repeatLastN, cfg.RepeatLastN)
	override(c, "max-tokens", &s.maxTokens, cfg.MaxTokens)
}

// setup loads the config file and installs the logger in the context.
func setup(ctx context.Context, c *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = configPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	overrideString(c, "log-level", &logLevel, cfg.LogLevel)
	overrideString(c, "log-format", &logFormat, cfg.LogFormat)
	overrideString(c, "metrics-file", &metricsFile, cfg.MetricsFile)
	if debug {
		logLevel = "debug"
	}
	quant.SetScalar(scalar)
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, err
	}
	log, err := logger.New(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

func writeMetrics(ctx context.Context, c *cli.Command) error {
	if metricsFile == "" {
		return nil
	}
	if err := metrics.WriteTextfile(metricsFile); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	logger.FromContext(ctx).Debug("metrics written", "path", metricsFile)
	return nil
}

// engineConfig builds the engine configuration from the model flags.
func engineConfig(ctx context.Context) (inference.Config, error) {
	adv, err := tensorstore.ParseAdvice(advice)
	if err != nil {
		return inference.Config{}, err
	}
	cfg := inference.Config{
		Threads:       int(threads),
		MaxContext:    int(maxContext),
		Advice:        adv,
		NoMmap:        noMmap,
		ReleaseLayers: releaseLayers,
		VerifyWeights: verify,
		Logger:        logger.FromContext(ctx),
	}
	return cfg, nil
}
