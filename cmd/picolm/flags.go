package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/picolm/internal/inference"
)

var (
	configFile  string
	logLevel    string
	logFormat   string
	debug       bool
	metricsFile string
	scalar      bool

	modelPath     string
	modelsPath    string
	threads       int64
	maxContext    int64
	advice        string
	noMmap        bool
	releaseLayers bool
	verify        bool
)

func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir/picolm/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "write Prometheus metrics to this textfile on exit",
			Destination: &metricsFile,
		},
		&cli.BoolFlag{
			Name:        "scalar",
			Usage:       "force the scalar kernels (output is identical, only slower)",
			Sources:     cli.EnvVars("PICOLM_SCALAR"),
			Destination: &scalar,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .gguf file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory of .gguf models to choose from",
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "worker threads (0 = default, -1 = one per CPU)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"max-ctx", "ctx", "c"},
			Usage:       "max context length (-1 = model's own)",
			Value:       inference.DefaultMaxContext,
			Destination: &maxContext,
		},
		&cli.StringFlag{
			Name:        "advice",
			Usage:       "page access hint for the mapping (sequential, random, normal)",
			Value:       "sequential",
			Destination: &advice,
		},
		&cli.BoolFlag{
			Name:        "no-mmap",
			Usage:       "read the model into memory instead of mapping it",
			Destination: &noMmap,
		},
		&cli.BoolFlag{
			Name:        "release-layers",
			Usage:       "drop each layer's pages after use to bound resident memory",
			Destination: &releaseLayers,
		},
		&cli.BoolFlag{
			Name:        "verify",
			Usage:       "decode every weight at load and fail on corrupt blocks",
			Destination: &verify,
		},
	}
}

type sampling struct {
	seed          uint64
	temperature   float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	maxTokens     int64
	json          bool
}

func (s *sampling) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Destination: &s.seed,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       inference.DefaultTemperature,
			Destination: &s.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling parameter (0 = disabled)",
			Destination: &s.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus sampling threshold",
			Value:       inference.DefaultTopP,
			Destination: &s.topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Usage:       "min-p sampling threshold (0 = disabled)",
			Destination: &s.minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1,
			Destination: &s.repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &s.repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens to generate",
			Value:       inference.DefaultMaxTokens,
			Destination: &s.maxTokens,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "constrain output to a single JSON document",
			Destination: &s.json,
		},
	}
}

func (s *sampling) params() inference.SampleParams {
	return inference.SampleParams{
		Seed:          s.seed,
		Temperature:   float32(s.temperature),
		TopK:          int(s.topK),
		TopP:          float32(s.topP),
		MinP:          float32(s.minP),
		RepeatPenalty: float32(s.repeatPenalty),
		RepeatLastN:   int(s.repeatLastN),
		MaxTokens:     int(s.maxTokens),
		JSON:          s.json,
	}
}
