// Package kvcache stores the key and value projections of every processed
// position, per layer, in IEEE half precision.
//
// Half precision halves the cache footprint at the cost of roughly three
// significant decimal digits per entry.
package kvcache

import (
	"fmt"
	"slices"

	"github.com/x448/float16"

	"github.com/samcharles93/picolm/internal/errs"
)

// Geometry fixes the shape of a cache.
type Geometry struct {
	Layers     int `json:"layers"`
	MaxContext int `json:"max_context"`
	KVHeads    int `json:"kv_heads"`
	HeadDim    int `json:"head_dim"`
}

// Stride is the number of entries one position occupies per layer.
func (g Geometry) Stride() int { return g.KVHeads * g.HeadDim }

// Cache holds [max_context, kv_heads, head_dim] keys and values per layer.
// Buffers grow with the sequence rather than being reserved up front.
type Cache struct {
	geo    Geometry
	k, v   [][]uint16
	filled []int
}

func New(g Geometry) *Cache {
	return &Cache{
		geo:    g,
		k:      make([][]uint16, g.Layers),
		v:      make([][]uint16, g.Layers),
		filled: make([]int, g.Layers),
	}
}

func (c *Cache) Geometry() Geometry { return c.geo }

// Len is the number of positions present in every layer.
func (c *Cache) Len() int {
	if len(c.filled) == 0 {
		return 0
	}
	return slices.Min(c.filled)
}

// Released reports whether Release has been called.
func (c *Cache) Released() bool { return c.filled == nil }

// Append stores one position's key and value for layer. Positions must be
// appended in order.
func (c *Cache) Append(layer, pos int, k, v []float32) error {
	if c.Released() {
		return fmt.Errorf("kv cache released")
	}
	if pos >= c.geo.MaxContext {
		return errs.ContextOverflow(pos, c.geo.MaxContext)
	}
	if pos != c.filled[layer] {
		return fmt.Errorf("kv cache layer %d: append at position %d, expected %d", layer, pos, c.filled[layer])
	}
	stride := c.geo.Stride()
	if len(k) != stride || len(v) != stride {
		return errs.Shape(fmt.Sprintf("kv cache layer %d", layer), []uint64{uint64(stride)}, []uint64{uint64(len(k)), uint64(len(v))})
	}
	c.k[layer] = appendHalf(c.k[layer], k, c.geo.MaxContext*stride)
	c.v[layer] = appendHalf(c.v[layer], v, c.geo.MaxContext*stride)
	c.filled[layer]++
	return nil
}

func appendHalf(dst []uint16, src []float32, limit int) []uint16 {
	if cap(dst)-len(dst) < len(src) {
		grown := min(max(2*cap(dst), len(dst)+len(src), 64*len(src)), limit)
		dst = slices.Grow(dst, grown-len(dst))
	}
	for _, f := range src {
		dst = append(dst, float16.Fromfloat32(f).Bits())
	}
	return dst
}

// Window returns the valid prefix of layer's keys and values.
func (c *Cache) Window(layer int) (k, v []uint16) {
	n := c.filled[layer] * c.geo.Stride()
	return c.k[layer][:n:n], c.v[layer][:n:n]
}

// Truncate discards every position at or beyond n.
func (c *Cache) Truncate(n int) {
	if c.Released() {
		return
	}
	stride := c.geo.Stride()
	for l := range c.filled {
		if c.filled[l] > n {
			c.filled[l] = n
			c.k[l] = c.k[l][:n*stride]
			c.v[l] = c.v[l][:n*stride]
		}
	}
}

// Reset empties the cache, keeping its buffers.
func (c *Cache) Reset() { c.Truncate(0) }

// Release drops the buffers. The cache cannot be used afterwards.
func (c *Cache) Release() {
	c.k, c.v, c.filled = nil, nil, nil
}

// Bytes reports the memory currently held by the buffers.
func (c *Cache) Bytes() int {
	var n int
	for l := range c.k {
		n += 2 * (cap(c.k[l]) + cap(c.v[l]))
	}
	return n
}

// Decode expands half-precision entries into dst.
func Decode(dst []float32, src []uint16) {
	for i, h := range src {
		dst[i] = float16.Frombits(h).Float32()
	}
}
