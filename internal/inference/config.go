package inference

import (
	"github.com/samcharles93/picolm/internal/logger"
	"github.com/samcharles93/picolm/internal/logits"
	"github.com/samcharles93/picolm/internal/tensorstore"
)

const (
	DefaultThreads     = 4
	DefaultMaxContext  = 2048
	DefaultMaxTokens   = 256
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
)

// Config controls how a model is loaded and shared by its sessions.
type Config struct {
	// Threads sizes the worker pool: 0 means DefaultThreads, negative
	// means GOMAXPROCS.
	Threads int
	// MaxContext caps the context window: 0 means DefaultMaxContext,
	// negative keeps the model's own. It never exceeds the model's.
	MaxContext int
	Advice     tensorstore.Advice
	// NoMmap reads the file into memory instead of mapping it.
	NoMmap bool
	// ReleaseLayers drops each layer's pages once it has run.
	ReleaseLayers bool
	// VerifyWeights decodes every weight at load time so corrupt blocks
	// fail the load rather than a later generation.
	VerifyWeights bool
	Logger        logger.Logger
}

func (c Config) withDefaults() Config {
	switch {
	case c.Threads == 0:
		c.Threads = DefaultThreads
	case c.Threads < 0:
		c.Threads = 0
	}
	switch {
	case c.MaxContext == 0:
		c.MaxContext = DefaultMaxContext
	case c.MaxContext < 0:
		c.MaxContext = 0
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	return c
}

// SampleParams controls one generation.
type SampleParams struct {
	Seed        uint64
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
	// RepeatPenalty of 0 or 1 disables the penalty.
	RepeatPenalty float32
	RepeatLastN   int
	// MaxTokens bounds the sampled tokens; 0 means DefaultMaxTokens.
	MaxTokens int
	// Stop lists ids that end generation in addition to the vocabulary's
	// end-of-generation tokens.
	Stop []int32
	// JSON constrains the output to one JSON document.
	JSON bool
}

// DefaultSampleParams returns the parameters used when a caller has no
// preference.
func DefaultSampleParams() SampleParams {
	return SampleParams{
		Temperature:   DefaultTemperature,
		TopP:          DefaultTopP,
		RepeatPenalty: 1,
		MaxTokens:     DefaultMaxTokens,
	}
}

func (p SampleParams) samplerConfig() logits.Config {
	return logits.Config{
		Seed:          p.Seed,
		Temperature:   p.Temperature,
		TopK:          p.TopK,
		TopP:          p.TopP,
		MinP:          p.MinP,
		RepeatPenalty: p.RepeatPenalty,
		RepeatLastN:   p.RepeatLastN,
	}
}

// State is a session's position in its lifecycle.
type State int32

const (
	Uninitialized State = iota
	Loaded
	Generating
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loaded:
		return "loaded"
	case Generating:
		return "generating"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}
