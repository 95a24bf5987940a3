// Package model implements the llama-style decoder: weight binding, rotary
// embeddings, grouped-query attention, the gated feed-forward block and the
// per-token forward pass.
package model

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/logger"
	"github.com/samcharles93/picolm/internal/tensor"
	"github.com/samcharles93/picolm/internal/tensorstore"
	"github.com/samcharles93/picolm/internal/workpool"
)

// ErrClosed is returned when acquiring a model whose last reference is gone.
var ErrClosed = errors.New("model closed")

type Options struct {
	Advice tensorstore.Advice
	NoMmap bool
	// MaxContext caps the model's context length; 0 keeps the model's own.
	MaxContext int
	// ReleaseLayers drops each layer's pages after use so resident memory
	// stays near one layer's worth of weights.
	ReleaseLayers bool
	Logger        logger.Logger
}

// Model is the read-only, reference-counted result of loading a file. It
// is shared by every session created from it.
type Model struct {
	Config  Config
	Weights Weights
	Unused  []string

	store         *tensorstore.Store
	rope          *RopeTable
	releaseLayers bool
	refs          atomic.Int64
	closeOnce     sync.Once
	closeErr      error

	identOnce sync.Once
	identity  string
}

// Load opens and validates a model file. The returned model holds one
// reference owned by the caller.
func Load(path string, opts Options) (*Model, error) {
	store, err := tensorstore.Open(path, tensorstore.Options{Advice: opts.Advice, NoMmap: opts.NoMmap})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	m, err := FromStore(store, opts)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return m, nil
}

// FromStore builds a model over an open store and takes ownership of it.
func FromStore(store *tensorstore.Store, opts Options) (*Model, error) {
	cfg, err := ConfigFromFile(store.File())
	if err != nil {
		return nil, err
	}
	if opts.MaxContext > 0 && opts.MaxContext < cfg.MaxContext {
		cfg.MaxContext = opts.MaxContext
	}
	w, unused, err := bindWeights(store, cfg)
	if err != nil {
		return nil, err
	}
	m := &Model{
		Config:        cfg,
		Weights:       w,
		Unused:        unused,
		store:         store,
		rope:          acquireRope(cfg.HeadDim, cfg.MaxContext, cfg.RopeBase, cfg.RopeScale),
		releaseLayers: opts.ReleaseLayers && store.Mapped(),
	}
	m.refs.Store(1)
	if opts.Logger != nil {
		opts.Logger.Info("model loaded",
			"arch", cfg.Arch,
			"layers", cfg.Layers,
			"hidden", cfg.Hidden,
			"heads", cfg.Heads,
			"kv_heads", cfg.KVHeads,
			"vocab", cfg.Vocab,
			"context", cfg.MaxContext,
			"tensors", len(store.File().Tensors),
			"mapped", store.Mapped(),
		)
		if len(unused) > 0 {
			opts.Logger.Debug("tensors not used by the forward pass", "names", unused)
		}
	}
	return m, nil
}

// Identity fingerprints the model: the header and tensor index hash followed
// by a digest of the weights. The weight digest is computed on first use.
func (m *Model) Identity() string {
	m.identOnce.Do(func() {
		m.identity = fmt.Sprintf("%s-%016x", m.store.File().Fingerprint(), m.store.Digest())
	})
	return m.identity
}

// Store exposes the underlying tensor store.
func (m *Model) Store() *tensorstore.Store { return m.store }

// Acquire adds a reference. It fails once the model has been closed.
func (m *Model) Acquire() error {
	for {
		n := m.refs.Load()
		if n <= 0 {
			return ErrClosed
		}
		if m.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference and unmaps the file when it was the last one.
func (m *Model) Release() error {
	n := m.refs.Add(-1)
	if n < 0 {
		panic("model: Release without matching reference")
	}
	if n == 0 {
		m.closeOnce.Do(func() {
			releaseRope(m.rope)
			m.closeErr = m.store.Close()
		})
		return m.closeErr
	}
	return nil
}

// Refs returns the current reference count.
func (m *Model) Refs() int64 { return m.refs.Load() }

// Verify decodes every row of every bound matrix and reports the first
// corrupt block.
func (m *Model) Verify(pool *workpool.Pool) error {
	mats := []*tensor.Mat{m.Weights.Embed}
	if m.Weights.Output != m.Weights.Embed {
		mats = append(mats, m.Weights.Output)
	}
	for i := range m.Weights.Layers {
		l := &m.Weights.Layers[i]
		mats = append(mats, l.Wq, l.Wk, l.Wv, l.Wo, l.Gate, l.Up, l.Down)
	}
	for _, w := range mats {
		if err := pool.Run(w.Rows, &verifyJob{w: w}); err != nil {
			return err
		}
	}
	return nil
}

type verifyJob struct {
	w *tensor.Mat
}

func (j *verifyJob) RunRange(lo, hi int) error {
	row := make([]float32, j.w.Cols)
	for r := lo; r < hi; r++ {
		if err := j.w.RowTo(row, r); err != nil {
			return err
		}
		if !tensor.AllFinite(row) {
			return errs.Integrity(j.w.Name, errs.NoOffset, "row %d decodes to non-finite values", r)
		}
	}
	return nil
}
