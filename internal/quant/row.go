package quant

import (
	"fmt"
	"sync/atomic"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/simd"
)

var scalarOnly atomic.Bool

// SetScalar forces every kernel onto the scalar path. Results are identical
// either way; the switch exists for debugging and benchmarking.
func SetScalar(v bool) { scalarOnly.Store(v) }

// ScalarOnly reports whether the scalar path is forced.
func ScalarOnly() bool { return scalarOnly.Load() }

// RowBytes returns the encoded size of n elements of kind k.
func RowBytes(k Kind, n int) int {
	return n / k.BlockElems() * k.BlockBytes()
}

// unit is the element count decoded per call: one block for the quantized
// kinds, a fixed chunk for the float kinds.
func unit(k Kind) int {
	if be := k.BlockElems(); be > 1 {
		return be
	}
	return QKK
}

func lookup(k Kind, n int, src []byte) (codec, error) {
	c, ok := codecs[k]
	if !ok {
		return codec{}, errs.Unsupported("", k.String())
	}
	if be := k.BlockElems(); n%be != 0 {
		return codec{}, fmt.Errorf("%s: row of %d elements is not a multiple of block size %d", k, n, be)
	}
	if need := RowBytes(k, n); len(src) < need {
		return codec{}, fmt.Errorf("%s: row of %d elements needs %d bytes, have %d", k, n, need, len(src))
	}
	return c, nil
}

// Dequantize decodes len(dst) elements of kind k from src.
func Dequantize(k Kind, src []byte, dst []float32) error {
	if scalarOnly.Load() {
		return DequantizeScalar(k, src, dst)
	}
	return dequantize(k, src, dst, false)
}

// DequantizeScalar is Dequantize restricted to the scalar kernels.
func DequantizeScalar(k Kind, src []byte, dst []float32) error {
	return dequantize(k, src, dst, true)
}

func dequantize(k Kind, src []byte, dst []float32, scalar bool) error {
	c, err := lookup(k, len(dst), src)
	if err != nil {
		return err
	}
	fn := c.lanes
	if scalar {
		fn = c.scalar
	}
	u, bb := unit(k), RowBytes(k, unit(k))
	for i, off := 0, 0; i < len(dst); i, off = i+u, off+bb {
		m := min(u, len(dst)-i)
		if err := fn(src[off:off+RowBytes(k, m)], dst[i:i+m]); err != nil {
			return errs.At(err, "", int64(off))
		}
	}
	return nil
}

// DotRow returns the dot product of an encoded row with x without
// materialising the decoded row: each block is expanded into a stack buffer
// and folded into a lane accumulator.
func DotRow(k Kind, row []byte, x []float32) (float32, error) {
	if scalarOnly.Load() {
		return DotRowScalar(k, row, x)
	}
	c, err := lookup(k, len(x), row)
	if err != nil {
		return 0, err
	}
	var buf [QKK]float32
	var acc simd.F32x8
	var tail float32
	u, bb := unit(k), RowBytes(k, unit(k))
	for i, off := 0, 0; i < len(x); i, off = i+u, off+bb {
		m := min(u, len(x)-i)
		blk := buf[:m]
		if err := c.lanes(row[off:off+RowBytes(k, m)], blk); err != nil {
			return 0, errs.At(err, "", int64(off))
		}
		xs := x[i : i+m]
		j := 0
		for ; j+simd.Width <= m; j += simd.Width {
			acc = simd.Load(blk[j:]).MulAdd(simd.Load(xs[j:]), acc)
		}
		for ; j < m; j++ {
			tail += float32(blk[j] * xs[j])
		}
	}
	return acc.ReduceSum() + tail, nil
}

// DotRowScalar computes DotRow with the scalar kernels and the same
// accumulation order.
func DotRowScalar(k Kind, row []byte, x []float32) (float32, error) {
	c, err := lookup(k, len(x), row)
	if err != nil {
		return 0, err
	}
	var buf [QKK]float32
	var acc [simd.Width]float32
	var tail float32
	u, bb := unit(k), RowBytes(k, unit(k))
	for i, off := 0, 0; i < len(x); i, off = i+u, off+bb {
		m := min(u, len(x)-i)
		blk := buf[:m]
		if err := c.scalar(row[off:off+RowBytes(k, m)], blk); err != nil {
			return 0, errs.At(err, "", int64(off))
		}
		xs := x[i : i+m]
		j := 0
		for ; j+simd.Width <= m; j += simd.Width {
			for l := range simd.Width {
				acc[l] = float32(blk[j+l]*xs[j+l]) + acc[l]
			}
		}
		for ; j < m; j++ {
			tail += float32(blk[j] * xs[j])
		}
	}
	return simd.ReduceScalar(&acc) + tail, nil
}
