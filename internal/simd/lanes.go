// Package simd provides an eight-lane float32 vector type used by the
// quantization kernels.
//
// Every lane operation rounds exactly like the equivalent scalar statement
// (products are rounded to float32 before they are added), so code written
// against F32x8 and its scalar twin produce bit-identical results. Horizontal
// reductions always use the same pairwise tree.
package simd

// Width is the number of float32 lanes in a vector.
const Width = 8

// F32x8 holds eight float32 lanes.
type F32x8 [Width]float32

// Load reads the first eight elements of s.
func Load(s []float32) F32x8 {
	_ = s[7]
	return F32x8{s[0], s[1], s[2], s[3], s[4], s[5], s[6], s[7]}
}

// Broadcast returns a vector with every lane set to v.
func Broadcast(v float32) F32x8 {
	return F32x8{v, v, v, v, v, v, v, v}
}

// Store writes the lanes into the first eight elements of dst.
func (a F32x8) Store(dst []float32) {
	_ = dst[7]
	dst[0], dst[1], dst[2], dst[3] = a[0], a[1], a[2], a[3]
	dst[4], dst[5], dst[6], dst[7] = a[4], a[5], a[6], a[7]
}

func (a F32x8) Add(b F32x8) F32x8 {
	for i := range a {
		a[i] += b[i]
	}
	return a
}

func (a F32x8) Sub(b F32x8) F32x8 {
	for i := range a {
		a[i] -= b[i]
	}
	return a
}

func (a F32x8) Mul(b F32x8) F32x8 {
	for i := range a {
		a[i] *= b[i]
	}
	return a
}

// MulAdd returns a*b + c with the product rounded before the addition.
func (a F32x8) MulAdd(b, c F32x8) F32x8 {
	for i := range a {
		a[i] = float32(a[i]*b[i]) + c[i]
	}
	return a
}

// MulSub returns a*b - c with the product rounded before the subtraction.
func (a F32x8) MulSub(b, c F32x8) F32x8 {
	for i := range a {
		a[i] = float32(a[i]*b[i]) - c[i]
	}
	return a
}

// ReduceSum adds the lanes pairwise: ((0+4)+(2+6)) + ((1+5)+(3+7)).
func (a F32x8) ReduceSum() float32 {
	s0 := a[0] + a[4]
	s1 := a[1] + a[5]
	s2 := a[2] + a[6]
	s3 := a[3] + a[7]
	return (s0 + s2) + (s1 + s3)
}

// ReduceMax returns the largest lane.
func (a F32x8) ReduceMax() float32 {
	m := a[0]
	for _, v := range a[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// FromInt8 widens eight signed bytes.
func FromInt8(q []int8) F32x8 {
	_ = q[7]
	return F32x8{
		float32(q[0]), float32(q[1]), float32(q[2]), float32(q[3]),
		float32(q[4]), float32(q[5]), float32(q[6]), float32(q[7]),
	}
}

// FromInt32 converts eight small integers.
func FromInt32(q *[Width]int32) F32x8 {
	return F32x8{
		float32(q[0]), float32(q[1]), float32(q[2]), float32(q[3]),
		float32(q[4]), float32(q[5]), float32(q[6]), float32(q[7]),
	}
}

// Dot returns the dot product of a and b. Full eight-element chunks are
// accumulated lane-wise and reduced; the remainder is summed afterwards.
func Dot(a, b []float32) float32 {
	n := min(len(a), len(b))
	var acc F32x8
	i := 0
	for ; i+Width <= n; i += Width {
		acc = Load(a[i:]).MulAdd(Load(b[i:]), acc)
	}
	sum := acc.ReduceSum()
	var tail float32
	for ; i < n; i++ {
		tail += float32(a[i] * b[i])
	}
	return sum + tail
}

// DotScalar computes exactly what Dot computes without the vector type.
func DotScalar(a, b []float32) float32 {
	n := min(len(a), len(b))
	var acc [Width]float32
	i := 0
	for ; i+Width <= n; i += Width {
		for l := range Width {
			acc[l] = float32(a[i+l]*b[i+l]) + acc[l]
		}
	}
	sum := ReduceScalar(&acc)
	var tail float32
	for ; i < n; i++ {
		tail += float32(a[i] * b[i])
	}
	return sum + tail
}

// ReduceScalar applies the ReduceSum tree to a plain array.
func ReduceScalar(acc *[Width]float32) float32 {
	s0 := acc[0] + acc[4]
	s1 := acc[1] + acc[5]
	s2 := acc[2] + acc[6]
	s3 := acc[3] + acc[7]
	return (s0 + s2) + (s1 + s3)
}

// Axpy computes dst[i] += alpha*x[i].
func Axpy(dst []float32, alpha float32, x []float32) {
	n := min(len(dst), len(x))
	av := Broadcast(alpha)
	i := 0
	for ; i+Width <= n; i += Width {
		av.MulAdd(Load(x[i:]), Load(dst[i:])).Store(dst[i:])
	}
	for ; i < n; i++ {
		dst[i] = float32(alpha*x[i]) + dst[i]
	}
}

// Scale multiplies every element of dst by s.
func Scale(dst []float32, s float32) {
	sv := Broadcast(s)
	i := 0
	for ; i+Width <= len(dst); i += Width {
		Load(dst[i:]).Mul(sv).Store(dst[i:])
	}
	for ; i < len(dst); i++ {
		dst[i] *= s
	}
}
