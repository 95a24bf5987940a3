package model

import (
	"math"
	"sync"
)

// RopeTable holds precomputed rotation factors indexed by position and
// frequency pair.
type RopeTable struct {
	HeadDim int
	MaxCtx  int
	Base    float64
	Scale   float64
	cos     []float32
	sin     []float32
}

type ropeKey struct {
	headDim, maxCtx int
	base, scale     float64
}

type ropeEntry struct {
	table *RopeTable
	refs  int
}

// Models with the same geometry share one table; the last Release drops it.
var (
	ropeMu     sync.Mutex
	ropeTables = map[ropeKey]*ropeEntry{}
)

// NewRopeTable computes the rotation factors for the given geometry.
// Positions are divided by scale (linear scaling).
func NewRopeTable(headDim, maxCtx int, base, scale float64) *RopeTable {
	half := headDim / 2
	t := &RopeTable{
		HeadDim: headDim,
		MaxCtx:  maxCtx,
		Base:    base,
		Scale:   scale,
		cos:     make([]float32, maxCtx*half),
		sin:     make([]float32, maxCtx*half),
	}
	for i := range half {
		freq := math.Pow(base, -float64(2*i)/float64(headDim))
		for p := range maxCtx {
			angle := float64(p) / scale * freq
			t.cos[p*half+i] = float32(math.Cos(angle))
			t.sin[p*half+i] = float32(math.Sin(angle))
		}
	}
	return t
}

func (t *RopeTable) key() ropeKey { return ropeKey{t.HeadDim, t.MaxCtx, t.Base, t.Scale} }

// acquireRope returns the shared table for the geometry and takes a
// reference on it.
func acquireRope(headDim, maxCtx int, base, scale float64) *RopeTable {
	key := ropeKey{headDim, maxCtx, base, scale}
	ropeMu.Lock()
	defer ropeMu.Unlock()
	e, ok := ropeTables[key]
	if !ok {
		e = &ropeEntry{table: NewRopeTable(headDim, maxCtx, base, scale)}
		ropeTables[key] = e
	}
	e.refs++
	return e.table
}

// releaseRope drops a reference taken by acquireRope.
func releaseRope(t *RopeTable) {
	key := t.key()
	ropeMu.Lock()
	defer ropeMu.Unlock()
	e, ok := ropeTables[key]
	if !ok || e.table != t {
		return
	}
	if e.refs--; e.refs == 0 {
		delete(ropeTables, key)
	}
}

// Apply rotates each adjacent pair (2i, 2i+1) of every head in vec by the
// angle for pos.
func (t *RopeTable) Apply(vec []float32, nHeads, pos int) {
	half := t.HeadDim / 2
	cos := t.cos[pos*half : (pos+1)*half]
	sin := t.sin[pos*half : (pos+1)*half]
	for h := range nHeads {
		v := vec[h*t.HeadDim : (h+1)*t.HeadDim]
		for i := range half {
			a, b := v[2*i], v[2*i+1]
			v[2*i] = a*cos[i] - b*sin[i]
			v[2*i+1] = a*sin[i] + b*cos[i]
		}
	}
}
