package model

import (
	"fmt"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/kvcache"
	"github.com/samcharles93/picolm/internal/tensor"
	"github.com/samcharles93/picolm/internal/workpool"
)

// Runner owns the activation buffers for one sequence. It is not safe for
// concurrent use; each session has its own.
type Runner struct {
	m     *Model
	cache *kvcache.Cache
	exec  *tensor.Exec
	attn  attnJob

	x, xb, xb2 []float32
	q, k, v    []float32
	att        []float32
	kb, vb     []float32
	hb, hb2    []float32
	logits     []float32
}

// CacheGeometry is the KV cache shape a Runner for this model needs.
func (m *Model) CacheGeometry() kvcache.Geometry {
	c := m.Config
	return kvcache.Geometry{Layers: c.Layers, MaxContext: c.MaxContext, KVHeads: c.KVHeads, HeadDim: c.HeadDim}
}

// NewRunner allocates the buffers for one sequence. cache must have the
// model's CacheGeometry.
func (m *Model) NewRunner(pool *workpool.Pool, cache *kvcache.Cache) *Runner {
	c := m.Config
	qDim := c.Heads * c.HeadDim
	return &Runner{
		m:      m,
		cache:  cache,
		exec:   tensor.NewExec(pool),
		x:      make([]float32, c.Hidden),
		xb:     make([]float32, c.Hidden),
		xb2:    make([]float32, c.Hidden),
		q:      make([]float32, qDim),
		k:      make([]float32, c.KVDim()),
		v:      make([]float32, c.KVDim()),
		att:    make([]float32, qDim),
		kb:     make([]float32, qDim),
		vb:     make([]float32, qDim),
		hb:     make([]float32, c.FFN),
		hb2:    make([]float32, c.FFN),
		logits: make([]float32, c.Vocab),
	}
}

func (r *Runner) Cache() *kvcache.Cache { return r.cache }

// Forward runs one token at position pos through the network, appends its
// keys and values to the cache and returns the vocabulary logits. The
// returned slice is reused by the next call.
func (r *Runner) Forward(token int32, pos int) ([]float32, error) {
	cfg := &r.m.Config
	w := &r.m.Weights
	if pos >= cfg.MaxContext {
		return nil, errs.ContextOverflow(pos, cfg.MaxContext)
	}
	if n := r.cache.Len(); pos != n {
		return nil, fmt.Errorf("forward at position %d, cache holds %d positions", pos, n)
	}
	if token < 0 || int(token) >= cfg.Vocab {
		return nil, &errs.Error{Kind: errs.ErrShapeMismatch, Tensor: w.Embed.Name, Offset: errs.NoOffset,
			Msg: fmt.Sprintf("token id %d outside vocabulary of %d", token, cfg.Vocab)}
	}
	if err := w.Embed.RowTo(r.x, int(token)); err != nil {
		return nil, err
	}

	store := r.m.store
	if r.m.releaseLayers && len(w.Layers) > 0 {
		store.WillNeed(w.Layers[0].refs...)
	}
	for l := range w.Layers {
		layer := &w.Layers[l]
		if r.m.releaseLayers && l+1 < len(w.Layers) {
			store.WillNeed(w.Layers[l+1].refs...)
		}
		if err := r.attention(l, layer, pos); err != nil {
			return nil, err
		}
		if err := r.feedForward(layer); err != nil {
			return nil, err
		}
		if r.m.releaseLayers {
			store.DontNeed(layer.refs...)
		}
	}

	tensor.RMSNorm(r.x, r.x, w.OutNorm, cfg.RMSEps)
	if err := r.exec.MatVec(r.logits, w.Output, r.x); err != nil {
		return nil, err
	}
	if !tensor.AllFinite(r.logits) {
		return nil, errs.Integrity(w.Output.Name, errs.NoOffset, "non-finite logits at position %d", pos)
	}
	return r.logits, nil
}
