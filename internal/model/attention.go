package model

import (
	"math"

	"github.com/samcharles93/picolm/internal/kvcache"
	"github.com/samcharles93/picolm/internal/simd"
	"github.com/samcharles93/picolm/internal/tensor"
)

// attnJob computes scaled dot-product attention for a range of query heads
// against the cached keys and values of one layer. Query head h reads
// key/value head h/group.
type attnJob struct {
	q, out     []float32
	kb, vb     []float32 // per-head decode scratch, Heads*HeadDim each
	keys, vals []uint16
	n          int // cached positions to attend over
	headDim    int
	kvStride   int
	group      int
	scale      float32
}

func (j *attnJob) RunRange(h0, h1 int) error {
	hd := j.headDim
	for h := h0; h < h1; h++ {
		kvOff := (h / j.group) * hd
		streamHead(
			j.out[h*hd:(h+1)*hd], j.q[h*hd:(h+1)*hd],
			j.keys, j.vals, kvOff, j.kvStride, j.n, j.scale,
			j.kb[h*hd:(h+1)*hd], j.vb[h*hd:(h+1)*hd],
		)
	}
	return nil
}

// streamHead folds positions in one at a time keeping a running maximum m,
// a running denominator s and the unnormalized weighted sum in out, so no
// score buffer proportional to the sequence length is needed.
func streamHead(out, q []float32, keys, vals []uint16, off, stride, n int, scale float32, kb, vb []float32) {
	clear(out)
	m := float32(math.Inf(-1))
	var s float32
	hd := len(q)
	for t := 0; t < n; t++ {
		base := t*stride + off
		kvcache.Decode(kb, keys[base:base+hd])
		score := tensor.Dot(q, kb) * scale
		kvcache.Decode(vb, vals[base:base+hd])
		if score > m {
			c := float32(math.Exp(float64(m - score)))
			s = s*c + 1
			simd.Scale(out, c)
			tensor.Add(out, vb)
			m = score
			continue
		}
		w := float32(math.Exp(float64(score - m)))
		s += w
		simd.Axpy(out, w, vb)
	}
	if s > 0 {
		simd.Scale(out, 1/s)
	}
}

func (r *Runner) attention(l int, layer *Layer, pos int) error {
	cfg := &r.m.Config
	tensor.RMSNorm(r.xb, r.x, layer.AttnNorm, cfg.RMSEps)
	if err := r.exec.MatVec(r.q, layer.Wq, r.xb); err != nil {
		return err
	}
	if err := r.exec.MatVec(r.k, layer.Wk, r.xb); err != nil {
		return err
	}
	if err := r.exec.MatVec(r.v, layer.Wv, r.xb); err != nil {
		return err
	}
	r.m.rope.Apply(r.q, cfg.Heads, pos)
	r.m.rope.Apply(r.k, cfg.KVHeads, pos)
	if err := r.cache.Append(l, pos, r.k, r.v); err != nil {
		return err
	}
	keys, vals := r.cache.Window(l)
	r.attn = attnJob{
		q: r.q, out: r.att, kb: r.kb, vb: r.vb,
		keys: keys, vals: vals,
		n:        pos + 1,
		headDim:  cfg.HeadDim,
		kvStride: cfg.KVDim(),
		group:    cfg.Group(),
		scale:    float32(1 / math.Sqrt(float64(cfg.HeadDim))),
	}
	err := r.exec.Pool().Run(cfg.Heads, &r.attn)
	r.attn = attnJob{}
	if err != nil {
		return err
	}
	if err := r.exec.MatVec(r.xb2, layer.Wo, r.att); err != nil {
		return err
	}
	tensor.Add(r.x, r.xb2)
	return nil
}
