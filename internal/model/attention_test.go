package model

import (
	"math"
	"testing"

	"github.com/samcharles93/picolm/internal/kvcache"
	"github.com/samcharles93/picolm/internal/toy"
)

// fillGroupedCache appends n positions whose keys are zero and whose values
// identify the key/value head: head g at position p holds 10*(g+1)+p.
func fillGroupedCache(t *testing.T, kvHeads, headDim, n int) *kvcache.Cache {
	t.Helper()
	c := kvcache.New(kvcache.Geometry{Layers: 1, MaxContext: 16, KVHeads: kvHeads, HeadDim: headDim})
	k := make([]float32, kvHeads*headDim)
	v := make([]float32, kvHeads*headDim)
	for p := range n {
		for g := range kvHeads {
			for i := range headDim {
				v[g*headDim+i] = float32(10*(g+1) + p)
			}
		}
		if err := c.Append(0, p, k, v); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func TestGroupedQueryHeadsShareKVHead(t *testing.T) {
	t.Parallel()
	const heads, kvHeads, hd, n = 8, 2, 4, 3
	c := fillGroupedCache(t, kvHeads, hd, n)
	keys, vals := c.Window(0)
	q := make([]float32, heads*hd)
	for i := range q {
		q[i] = float32(i%5) - 2
	}
	j := &attnJob{
		q: q, out: make([]float32, heads*hd),
		kb: make([]float32, heads*hd), vb: make([]float32, heads*hd),
		keys: keys, vals: vals,
		n: n, headDim: hd, kvStride: kvHeads * hd, group: heads / kvHeads,
		scale: 0.5,
	}
	if err := j.RunRange(0, heads); err != nil {
		t.Fatal(err)
	}
	// Zero keys give uniform weights, so each head returns the mean of its
	// kv head's values: 10*(g+1) + 1.
	for h := range heads {
		want := float32(10*(h/4+1) + 1)
		for i := range hd {
			if got := j.out[h*hd+i]; math.Abs(float64(got-want)) > 1e-5 {
				t.Fatalf("head %d[%d] = %v, want %v", h, i, got, want)
			}
		}
	}
}

func TestStreamHeadMatchesSoftmax(t *testing.T) {
	t.Parallel()
	const hd, n = 4, 6
	c := kvcache.New(kvcache.Geometry{Layers: 1, MaxContext: n, KVHeads: 1, HeadDim: hd})
	var ks, vs [][]float32
	for p := range n {
		k := []float32{float32(p) * 0.25, -float32(p) * 0.5, 1, float32(p%3) - 1}
		v := []float32{float32(p), float32(p * p), -1, 0.5 * float32(p)}
		ks, vs = append(ks, k), append(vs, v)
		if err := c.Append(0, p, k, v); err != nil {
			t.Fatal(err)
		}
	}
	q := []float32{0.5, 1, -0.25, 2}
	const scale = 0.5

	scores := make([]float64, n)
	maxS := math.Inf(-1)
	for p := range n {
		var s float64
		for i := range hd {
			s += float64(q[i]) * float64(ks[p][i])
		}
		scores[p] = s * scale
		maxS = math.Max(maxS, scores[p])
	}
	var den float64
	want := make([]float64, hd)
	for p := range n {
		w := math.Exp(scores[p] - maxS)
		den += w
		for i := range hd {
			want[i] += w * float64(vs[p][i])
		}
	}

	keys, vals := c.Window(0)
	out := make([]float32, hd)
	streamHead(out, q, keys, vals, 0, hd, n, scale, make([]float32, hd), make([]float32, hd))
	for i := range hd {
		if math.Abs(float64(out[i])-want[i]/den) > 1e-4 {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], want[i]/den)
		}
	}
}

func TestGroupedQueryAttentionEndToEnd(t *testing.T) {
	t.Parallel()
	// With 8 query heads over 2 kv heads the forward pass must still run
	// and stay finite for several positions.
	s := toy.Small()
	s.Hidden, s.Heads, s.KVHeads = 32, 8, 2
	m := loadToy(t, s)
	r := newRunner(t, m, newPool(t, 3))
	for pos := range 5 {
		if _, err := r.Forward(int32(pos+1), pos); err != nil {
			t.Fatalf("pos %d: %v", pos, err)
		}
	}
	keys, _ := r.Cache().Window(0)
	if len(keys) != 5*m.Config.KVDim() {
		t.Fatalf("cache entries %d, want %d", len(keys), 5*m.Config.KVDim())
	}
}
