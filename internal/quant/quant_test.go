package quant

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/x448/float16"

	"github.com/samcharles93/picolm/internal/errs"
)

func randomValues(r *rand.Rand, n int, spread float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (r.Float32()*2 - 1) * spread
	}
	return out
}

func absMax(x []float32) float32 {
	var m float32
	for _, v := range x {
		m = max(m, float32(math.Abs(float64(v))))
	}
	return m
}

// errorBound returns the documented reconstruction bound for one block.
func errorBound(k Kind, x []float32) func(i int) float32 {
	switch k {
	case F32:
		return func(int) float32 { return 0 }
	case F16:
		return func(i int) float32 { return float32(math.Abs(float64(x[i]))) * (1.0 / 2048) }
	case BF16:
		return func(i int) float32 { return float32(math.Abs(float64(x[i]))) * (1.0 / 256) }
	case Q8_0:
		a := absMax(x)
		return func(int) float32 { return a / 127 }
	case Q4_0:
		a := absMax(x)
		return func(int) float32 { return a / 8 * 1.01 }
	case Q5_0:
		a := absMax(x)
		return func(int) float32 { return a / 16 * 1.01 }
	case Q4_1:
		lo, hi := minMax(x)
		return func(int) float32 { return (hi - lo) / 15 }
	case Q5_1:
		lo, hi := minMax(x)
		return func(int) float32 { return (hi - lo) / 31 }
	case Q4_K:
		lo, hi := minMax(x)
		return func(int) float32 { return (hi - min(lo, 0)) / 15 }
	case Q6_K:
		a := absMax(x)
		return func(int) float32 { return a / 31 }
	}
	return nil
}

func TestRoundTripWithinBound(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(42))
	for _, k := range Kinds() {
		t.Run(k.String(), func(t *testing.T) {
			n := 4 * QKK
			src := randomValues(r, n, 3)
			enc, err := Quantize(k, src)
			if err != nil {
				t.Fatalf("quantize: %v", err)
			}
			if len(enc) != RowBytes(k, n) {
				t.Fatalf("encoded %d bytes, want %d", len(enc), RowBytes(k, n))
			}
			dst := make([]float32, n)
			if err := Dequantize(k, enc, dst); err != nil {
				t.Fatalf("dequantize: %v", err)
			}
			span := max(k.BlockElems(), 1)
			for b := 0; b < n; b += span {
				bound := errorBound(k, src[b:b+span])
				for i := 0; i < span; i++ {
					diff := float32(math.Abs(float64(dst[b+i] - src[b+i])))
					if diff > bound(i) {
						t.Fatalf("element %d: got %v want %v (diff %v > %v)", b+i, dst[b+i], src[b+i], diff, bound(i))
					}
				}
			}
		})
	}
}

func TestRoundTripConstantAndZeroBlocks(t *testing.T) {
	t.Parallel()
	for _, k := range Kinds() {
		for _, fill := range []float32{0, 1.5, -0.25} {
			src := make([]float32, QKK)
			for i := range src {
				src[i] = fill
			}
			enc, err := Quantize(k, src)
			if err != nil {
				t.Fatalf("%s: %v", k, err)
			}
			dst := make([]float32, QKK)
			if err := Dequantize(k, enc, dst); err != nil {
				t.Fatalf("%s: %v", k, err)
			}
			for i := range dst {
				if diff := math.Abs(float64(dst[i] - fill)); diff > math.Abs(float64(fill))/7 {
					t.Fatalf("%s fill %v: element %d = %v", k, fill, i, dst[i])
				}
			}
		}
	}
}

// scaleOffsets lists the byte offsets of fp16 scale fields inside a block.
var scaleOffsets = map[Kind][]int{
	Q4_0: {0},
	Q4_1: {0, 2},
	Q5_0: {0},
	Q5_1: {0, 2},
	Q8_0: {0},
	Q4_K: {0, 2},
	Q6_K: {208},
}

// randomBlocks fills whole blocks with noise and then writes finite scales.
func randomBlocks(r *rand.Rand, k Kind, n int) []byte {
	buf := make([]byte, RowBytes(k, n))
	r.Read(buf)
	switch k {
	case F16:
		for i := 0; i < len(buf); i += 2 {
			binary.LittleEndian.PutUint16(buf[i:], float16.Fromfloat32(r.Float32()-0.5).Bits())
		}
	case F32:
		for i := 0; i < len(buf); i += 4 {
			binary.LittleEndian.PutUint32(buf[i:], math.Float32bits(r.Float32()-0.5))
		}
	case BF16:
		for i := 0; i < len(buf); i += 2 {
			binary.LittleEndian.PutUint16(buf[i:], toBF16(r.Float32()-0.5))
		}
	}
	for b := 0; b < len(buf); b += k.BlockBytes() {
		for _, off := range scaleOffsets[k] {
			h := float16.Fromfloat32(r.Float32()*0.1 + 0.001)
			binary.LittleEndian.PutUint16(buf[b+off:], h.Bits())
		}
	}
	return buf
}

func TestLanesMatchScalarBitwise(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(9))
	for _, k := range Kinds() {
		t.Run(k.String(), func(t *testing.T) {
			for _, n := range []int{QKK, 3 * QKK} {
				enc := randomBlocks(r, k, n)
				lanes := make([]float32, n)
				scalar := make([]float32, n)
				if err := Dequantize(k, enc, lanes); err != nil {
					t.Fatal(err)
				}
				if err := DequantizeScalar(k, enc, scalar); err != nil {
					t.Fatal(err)
				}
				for i := range lanes {
					if math.Float32bits(lanes[i]) != math.Float32bits(scalar[i]) {
						t.Fatalf("dequant element %d: lanes %v scalar %v", i, lanes[i], scalar[i])
					}
				}
				x := randomValues(r, n, 1)
				a, err := DotRow(k, enc, x)
				if err != nil {
					t.Fatal(err)
				}
				b, err := DotRowScalar(k, enc, x)
				if err != nil {
					t.Fatal(err)
				}
				if math.Float32bits(a) != math.Float32bits(b) {
					t.Fatalf("dot: lanes %v scalar %v", a, b)
				}
			}
		})
	}
}

func TestFloatRowTail(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(3))
	for _, k := range []Kind{F32, F16, BF16} {
		n := 13
		enc := randomBlocks(r, k, n)
		x := randomValues(r, n, 1)
		a, _ := DotRow(k, enc, x)
		b, _ := DotRowScalar(k, enc, x)
		if math.Float32bits(a) != math.Float32bits(b) {
			t.Fatalf("%s: lanes %v scalar %v", k, a, b)
		}
	}
}

func TestDotRowMatchesDequantizedDot(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(5))
	for _, k := range Kinds() {
		n := 2 * QKK
		enc := randomBlocks(r, k, n)
		x := randomValues(r, n, 1)
		dq := make([]float32, n)
		if err := Dequantize(k, enc, dq); err != nil {
			t.Fatal(err)
		}
		var want float64
		for i := range dq {
			want += float64(dq[i]) * float64(x[i])
		}
		got, err := DotRow(k, enc, x)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(float64(got)-want) > 1e-3*(1+math.Abs(want)) {
			t.Fatalf("%s: got %v want %v", k, got, want)
		}
	}
}

func TestQ8_0KnownBlock(t *testing.T) {
	t.Parallel()
	blk := make([]byte, 34)
	binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(0.5).Bits())
	for j := range 32 {
		blk[2+j] = uint8(int8(j - 16))
	}
	out := make([]float32, 32)
	if err := Dequantize(Q8_0, blk, out); err != nil {
		t.Fatal(err)
	}
	for j, v := range out {
		if want := float32(j-16) * 0.5; v != want {
			t.Fatalf("element %d: got %v want %v", j, v, want)
		}
	}
}

func TestQ4_0NibbleOrder(t *testing.T) {
	t.Parallel()
	blk := make([]byte, 18)
	binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(1).Bits())
	blk[2] = 0xF0 // element 0 -> 0-8, element 16 -> 15-8
	for j := 1; j < 16; j++ {
		blk[2+j] = 0x88
	}
	out := make([]float32, 32)
	if err := Dequantize(Q4_0, blk, out); err != nil {
		t.Fatal(err)
	}
	if out[0] != -8 || out[16] != 7 || out[1] != 0 {
		t.Fatalf("unexpected decode: %v", out)
	}
}

func TestNonFiniteScaleIsIntegrityError(t *testing.T) {
	t.Parallel()
	for k, offs := range scaleOffsets {
		enc := randomBlocks(rand.New(rand.NewSource(1)), k, 2*QKK)
		second := RowBytes(k, k.BlockElems())
		bad := second + offs[len(offs)-1]
		binary.LittleEndian.PutUint16(enc[bad:], 0x7E00) // fp16 NaN
		dst := make([]float32, 2*QKK)
		err := Dequantize(k, enc, dst)
		if !errors.Is(err, errs.ErrDataIntegrity) {
			t.Fatalf("%s: expected data integrity error, got %v", k, err)
		}
		var e *errs.Error
		if !errors.As(err, &e) || e.Offset != int64(bad) {
			t.Fatalf("%s: offset %v, want %d", k, err, bad)
		}
		if _, err := DotRowScalar(k, enc, make([]float32, 2*QKK)); !errors.Is(err, errs.ErrDataIntegrity) {
			t.Fatalf("%s: scalar dot accepted NaN scale: %v", k, err)
		}
		binary.LittleEndian.PutUint16(enc[bad:], 0x7C00) // +Inf
		if err := DequantizeScalar(k, enc, dst); !errors.Is(err, errs.ErrDataIntegrity) {
			t.Fatalf("%s: expected integrity error for Inf, got %v", k, err)
		}
	}
}

func TestUnsupportedKinds(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{Q2_K, Q3_K, Q5_K, Q8_K, Kind(99)} {
		err := Dequantize(k, make([]byte, 512), make([]float32, QKK))
		if !errors.Is(err, errs.ErrUnsupportedTensorType) {
			t.Fatalf("%s: got %v", k, err)
		}
		if _, err := Quantize(k, make([]float32, QKK)); !errors.Is(err, errs.ErrUnsupportedTensorType) {
			t.Fatalf("%s: quantize got %v", k, err)
		}
	}
}

func TestByteSize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		k    Kind
		n    uint64
		want uint64
	}{
		{F32, 10, 40},
		{F16, 10, 20},
		{Q4_0, 64, 36},
		{Q8_0, 32, 34},
		{Q4_K, 512, 288},
		{Q6_K, 256, 210},
		{Q5_K, 256, 176},
	}
	for _, c := range cases {
		got, err := ByteSize(c.k, c.n)
		if err != nil || got != c.want {
			t.Fatalf("%s x %d: got %d, %v want %d", c.k, c.n, got, err, c.want)
		}
	}
	if _, err := ByteSize(Q4_0, 33); err == nil {
		t.Fatal("expected error for partial block")
	}
	if _, err := ByteSize(Kind(77), 32); !errors.Is(err, errs.ErrUnsupportedTensorType) {
		t.Fatalf("unknown kind: %v", err)
	}
}

func TestScalarSwitch(t *testing.T) {
	// Not parallel: toggles package state.
	r := rand.New(rand.NewSource(11))
	enc := randomBlocks(r, Q4_K, QKK)
	x := randomValues(r, QKK, 1)
	a, _ := DotRow(Q4_K, enc, x)
	SetScalar(true)
	defer SetScalar(false)
	if !ScalarOnly() {
		t.Fatal("switch not set")
	}
	b, _ := DotRow(Q4_K, enc, x)
	if math.Float32bits(a) != math.Float32bits(b) {
		t.Fatalf("lanes %v scalar %v", a, b)
	}
}
