package simd

import (
	"math"
	"math/rand"
	"testing"
)

func randVec(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out
}

func TestDotMatchesScalarBitwise(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(7))
	for _, n := range []int{0, 1, 7, 8, 9, 31, 64, 257} {
		a, b := randVec(r, n), randVec(r, n)
		got, want := Dot(a, b), DotScalar(a, b)
		if math.Float32bits(got) != math.Float32bits(want) {
			t.Fatalf("n=%d: lanes %v scalar %v", n, got, want)
		}
	}
}

func TestDotValue(t *testing.T) {
	t.Parallel()
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	b := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	if got := Dot(a, b); got != 55 {
		t.Fatalf("got %v want 55", got)
	}
}

func TestMulSubRounding(t *testing.T) {
	t.Parallel()
	a := Broadcast(3)
	got := a.MulSub(Broadcast(0.5), Broadcast(1))
	for _, v := range got {
		if v != 0.5 {
			t.Fatalf("got %v", got)
		}
	}
}

func TestAxpyAndScale(t *testing.T) {
	t.Parallel()
	dst := make([]float32, 11)
	x := make([]float32, 11)
	for i := range x {
		x[i] = float32(i)
	}
	Axpy(dst, 2, x)
	Scale(dst, 0.5)
	for i, v := range dst {
		if v != float32(i) {
			t.Fatalf("dst[%d]=%v", i, v)
		}
	}
}

func TestReduceMax(t *testing.T) {
	t.Parallel()
	v := F32x8{-1, 4, 2, 9, 0, -3, 8, 1}
	if v.ReduceMax() != 9 {
		t.Fatalf("got %v", v.ReduceMax())
	}
}
