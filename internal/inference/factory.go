// Package inference owns generation: a Factory holds one loaded model with
// its tokenizer and worker pool, and hands out Sessions that each run one
// sequence against it.
package inference

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/grammar"
	"github.com/samcharles93/picolm/internal/kvcache"
	"github.com/samcharles93/picolm/internal/logger"
	"github.com/samcharles93/picolm/internal/metrics"
	"github.com/samcharles93/picolm/internal/model"
	"github.com/samcharles93/picolm/internal/tensorstore"
	"github.com/samcharles93/picolm/internal/tokenizer"
	"github.com/samcharles93/picolm/internal/workpool"
)

// ErrFactoryClosed is returned by NewSession after Close.
var ErrFactoryClosed = errors.New("session factory closed")

// Factory is safe for concurrent use. The model and pool stay alive until
// the factory and every session created from it are closed.
type Factory struct {
	cfg   Config
	log   logger.Logger
	model *model.Model
	pool  *workpool.Pool
	tok   tokenizer.Tokenizer
	size  int64

	jsonOnce sync.Once
	json     *grammar.JSON

	refs   atomic.Int64
	closed atomic.Bool
}

// LoadModel opens, validates and binds the model at path. Every load error
// is returned here; no session can observe a partially loaded model.
func LoadModel(path string, cfg Config) (*Factory, error) {
	cfg = cfg.withDefaults()
	start := time.Now()
	m, err := model.Load(path, cfg.modelOptions())
	if err != nil {
		return nil, err
	}
	f, err := newFactory(m, cfg, start)
	if err != nil {
		_ = m.Release()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return f, nil
}

// LoadBytes is LoadModel over an in-memory file image.
func LoadBytes(data []byte, cfg Config) (*Factory, error) {
	cfg = cfg.withDefaults()
	start := time.Now()
	store, err := tensorstore.FromBytes(data)
	if err != nil {
		return nil, err
	}
	m, err := model.FromStore(store, cfg.modelOptions())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	f, err := newFactory(m, cfg, start)
	if err != nil {
		_ = m.Release()
		return nil, err
	}
	return f, nil
}

func (c Config) modelOptions() model.Options {
	return model.Options{
		Advice:        c.Advice,
		NoMmap:        c.NoMmap,
		MaxContext:    c.MaxContext,
		ReleaseLayers: c.ReleaseLayers,
		Logger:        c.Logger,
	}
}

func newFactory(m *model.Model, cfg Config, start time.Time) (*Factory, error) {
	tok, err := tokenizer.FromMetadata(m.Store().File().KV)
	if err != nil {
		return nil, err
	}
	if n := tok.Vocab().Size(); n > m.Config.Vocab {
		return nil, errs.Shape("tokenizer.ggml.tokens", []uint64{uint64(m.Config.Vocab)}, []uint64{uint64(n)})
	}
	pool := workpool.New(cfg.Threads)
	if cfg.VerifyWeights {
		vstart := time.Now()
		if err := m.Verify(pool); err != nil {
			pool.Close()
			return nil, err
		}
		cfg.Logger.Debug("weights verified", "elapsed", time.Since(vstart))
	}
	f := &Factory{
		cfg:   cfg,
		log:   cfg.Logger,
		model: m,
		pool:  pool,
		tok:   tok,
		size:  m.Store().Size(),
	}
	f.refs.Store(1)
	metrics.ModelsLoaded.WithLabelValues(m.Config.Arch).Inc()
	metrics.LoadDuration.Observe(time.Since(start).Seconds())
	metrics.MappedBytes.Add(float64(f.size))
	f.log.Info("session factory ready",
		"model", m.Store().File().Fingerprint()[:12],
		"threads", pool.Size(),
		"context", m.Config.MaxContext,
		"tokenizer", tok.Vocab().Model,
		"elapsed", time.Since(start),
	)
	return f, nil
}

func (f *Factory) Model() *model.Model { return f.model }

func (f *Factory) Tokenizer() tokenizer.Tokenizer { return f.tok }

// Threads is the worker pool size.
func (f *Factory) Threads() int { return f.pool.Size() }

// JSONGrammar returns the JSON automaton over this vocabulary, building it
// on first use. Its masks are shared by every session.
func (f *Factory) JSONGrammar() *grammar.JSON {
	f.jsonOnce.Do(func() {
		v := f.tok.Vocab()
		tokens := make([][]byte, f.model.Config.Vocab)
		for id := range v.Size() {
			if !v.IsControl(int32(id)) {
				tokens[id] = f.tok.TokenBytes(int32(id))
			}
		}
		stop := BuildStopTokens(v, nil)
		eos := make([]int32, 0, len(stop))
		for id := range stop {
			eos = append(eos, id)
		}
		slices.Sort(eos)
		f.json = grammar.NewJSON(tokens, eos)
	})
	return f.json
}

// NewSession returns an idle session with its own KV cache.
func (f *Factory) NewSession() (*Session, error) {
	if f.closed.Load() {
		return nil, ErrFactoryClosed
	}
	if err := f.acquire(); err != nil {
		return nil, err
	}
	cache := kvcache.New(f.model.CacheGeometry())
	id := uuid.NewString()
	s := &Session{
		id:     id,
		f:      f,
		log:    f.log.With("session", id),
		cache:  cache,
		runner: f.model.NewRunner(f.pool, cache),
	}
	s.state.Store(int32(Loaded))
	metrics.SessionsActive.Inc()
	s.log.Debug("session created")
	return s, nil
}

// Close drops the factory's reference. Sessions already created keep
// working until they are closed.
func (f *Factory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return f.release()
}

func (f *Factory) acquire() error {
	if err := f.model.Acquire(); err != nil {
		return ErrFactoryClosed
	}
	f.refs.Add(1)
	return nil
}

func (f *Factory) release() error {
	if f.refs.Add(-1) == 0 {
		f.pool.Close()
		metrics.MappedBytes.Sub(float64(f.size))
		f.log.Debug("session factory released")
	}
	return f.model.Release()
}
