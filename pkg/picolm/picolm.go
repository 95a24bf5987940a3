// Package picolm runs quantized llama-style GGUF models in-process.
//
//	f, err := picolm.LoadModel("model.gguf", picolm.Config{})
//	if err != nil { ... }
//	defer f.Close()
//	s, _ := f.NewSession()
//	defer s.Close()
//	ids, _ := f.Tokenizer().Encode("Hello")
//	for step, err := range s.Generate(ids, picolm.DefaultSampleParams()) { ... }
//
// Load errors are returned before any session exists. An error during
// generation aborts only the session that hit it. Every error can be
// matched against the sentinels below with errors.Is; errors.As with
// *Error exposes the tensor, offset and shapes involved.
package picolm

import (
	"io"
	"log/slog"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/inference"
	"github.com/samcharles93/picolm/internal/logger"
	"github.com/samcharles93/picolm/internal/tensorstore"
	"github.com/samcharles93/picolm/internal/tokenizer"
)

type (
	Factory      = inference.Factory
	Session      = inference.Session
	Config       = inference.Config
	SampleParams = inference.SampleParams
	Step         = inference.Step
	State        = inference.State
	Stats        = inference.Stats
	Result       = inference.Result
	StreamFunc   = inference.StreamFunc
	Tokenizer    = tokenizer.Tokenizer
	Logger       = logger.Logger
	Advice       = tensorstore.Advice
	Error        = errs.Error
)

const (
	Uninitialized = inference.Uninitialized
	Loaded        = inference.Loaded
	Generating    = inference.Generating
	Completed     = inference.Completed
	Aborted       = inference.Aborted
)

const (
	AdviceNormal     = tensorstore.AdviceNormal
	AdviceSequential = tensorstore.AdviceSequential
	AdviceRandom     = tensorstore.AdviceRandom
)

var (
	ErrFormat                = errs.ErrFormat
	ErrUnsupportedTensorType = errs.ErrUnsupportedTensorType
	ErrShapeMismatch         = errs.ErrShapeMismatch
	ErrDataIntegrity         = errs.ErrDataIntegrity
	ErrContextOverflow       = errs.ErrContextOverflow
	ErrCacheValidation       = errs.ErrCacheValidation
	ErrCancelled             = errs.ErrCancelled

	ErrSessionUsed   = inference.ErrSessionUsed
	ErrSessionClosed = inference.ErrSessionClosed
	ErrFactoryClosed = inference.ErrFactoryClosed
)

// LoadModel maps the GGUF file at path and prepares it for sessions.
func LoadModel(path string, cfg Config) (*Factory, error) {
	return inference.LoadModel(path, cfg)
}

// LoadBytes is LoadModel over a file image already in memory.
func LoadBytes(data []byte, cfg Config) (*Factory, error) {
	return inference.LoadBytes(data, cfg)
}

// DefaultConfig returns the engine defaults with sequential read-ahead
// for the mapping.
func DefaultConfig() Config {
	return Config{
		Threads:    inference.DefaultThreads,
		MaxContext: inference.DefaultMaxContext,
		Advice:     AdviceSequential,
	}
}

func DefaultSampleParams() SampleParams { return inference.DefaultSampleParams() }

// NewLogger builds a Logger writing format ("text", "json" or "pretty")
// to w.
func NewLogger(w io.Writer, format string, level slog.Level) (Logger, error) {
	return logger.New(w, format, level)
}
