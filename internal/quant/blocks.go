package quant

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/simd"
)

// decodeFn expands one block (or, for float kinds, len(y) elements) of src into y.
type decodeFn func(src []byte, y []float32) error

type codec struct {
	lanes  decodeFn
	scalar decodeFn
}

var codecs = map[Kind]codec{
	F32:  {f32Lanes, f32Scalar},
	F16:  {f16Lanes, f16Scalar},
	BF16: {bf16Lanes, bf16Scalar},
	Q4_0: {q40Lanes, q40Scalar},
	Q4_1: {q41Lanes, q41Scalar},
	Q5_0: {q50Lanes, q50Scalar},
	Q5_1: {q51Lanes, q51Scalar},
	Q8_0: {q80Lanes, q80Scalar},
	Q4_K: {q4kLanes, q4kScalar},
	Q6_K: {q6kLanes, q6kScalar},
}

func half(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

func bf16(b []byte) float32 {
	return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
}

// finite rejects scale fields that decode to NaN or Inf.
func finite(v float32, off int, field string) error {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errs.Integrity("", int64(off), "block %s is %v", field, v)
	}
	return nil
}

func f32Lanes(src []byte, y []float32) error {
	i := 0
	for ; i+simd.Width <= len(y); i += simd.Width {
		var v simd.F32x8
		for l := range v {
			v[l] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*(i+l):]))
		}
		v.Store(y[i:])
	}
	return f32Scalar(src[4*i:], y[i:])
}

func f32Scalar(src []byte, y []float32) error {
	for i := range y {
		y[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
	return nil
}

func f16Lanes(src []byte, y []float32) error {
	i := 0
	for ; i+simd.Width <= len(y); i += simd.Width {
		var v simd.F32x8
		for l := range v {
			v[l] = half(src[2*(i+l):])
		}
		v.Store(y[i:])
	}
	return f16Scalar(src[2*i:], y[i:])
}

func f16Scalar(src []byte, y []float32) error {
	for i := range y {
		y[i] = half(src[2*i:])
	}
	return nil
}

func bf16Lanes(src []byte, y []float32) error {
	i := 0
	for ; i+simd.Width <= len(y); i += simd.Width {
		var v simd.F32x8
		for l := range v {
			v[l] = bf16(src[2*(i+l):])
		}
		v.Store(y[i:])
	}
	return bf16Scalar(src[2*i:], y[i:])
}

func bf16Scalar(src []byte, y []float32) error {
	for i := range y {
		y[i] = bf16(src[2*i:])
	}
	return nil
}

// Q4_0: d:f16, qs[16]. Element j is the low nibble of qs[j], element j+16
// the high nibble; value = (q-8)*d.
func q40Lanes(b []byte, y []float32) error {
	d := half(b)
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	qs := b[2:18]
	dv := simd.Broadcast(d)
	var lo, hi [simd.Width]int32
	for c := 0; c < 2; c++ {
		for l := range simd.Width {
			q := qs[8*c+l]
			lo[l] = int32(q&0x0F) - 8
			hi[l] = int32(q>>4) - 8
		}
		simd.FromInt32(&lo).Mul(dv).Store(y[8*c:])
		simd.FromInt32(&hi).Mul(dv).Store(y[16+8*c:])
	}
	return nil
}

func q40Scalar(b []byte, y []float32) error {
	d := half(b)
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	for j := 0; j < 16; j++ {
		q := b[2+j]
		y[j] = float32(int32(q&0x0F)-8) * d
		y[j+16] = float32(int32(q>>4)-8) * d
	}
	return nil
}

// Q4_1: d:f16, m:f16, qs[16]; value = q*d + m.
func q41Lanes(b []byte, y []float32) error {
	d, m := half(b), half(b[2:])
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	if err := finite(m, 2, "m"); err != nil {
		return err
	}
	qs := b[4:20]
	dv, mv := simd.Broadcast(d), simd.Broadcast(m)
	var lo, hi [simd.Width]int32
	for c := 0; c < 2; c++ {
		for l := range simd.Width {
			q := qs[8*c+l]
			lo[l] = int32(q & 0x0F)
			hi[l] = int32(q >> 4)
		}
		simd.FromInt32(&lo).MulAdd(dv, mv).Store(y[8*c:])
		simd.FromInt32(&hi).MulAdd(dv, mv).Store(y[16+8*c:])
	}
	return nil
}

func q41Scalar(b []byte, y []float32) error {
	d, m := half(b), half(b[2:])
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	if err := finite(m, 2, "m"); err != nil {
		return err
	}
	for j := 0; j < 16; j++ {
		q := b[4+j]
		y[j] = float32(float32(q&0x0F)*d) + m
		y[j+16] = float32(float32(q>>4)*d) + m
	}
	return nil
}

// Q5_0: d:f16, qh:u32, qs[16]. Bit j of qh is the fifth bit of element j,
// bit j+16 that of element j+16; value = (q-16)*d.
func q5Bits(qh uint32, qs []byte, j int) (int32, int32) {
	xh0 := ((qh >> uint(j)) << 4) & 0x10
	xh1 := (qh >> uint(j+12)) & 0x10
	return int32(uint32(qs[j]&0x0F) | xh0), int32(uint32(qs[j]>>4) | xh1)
}

func q50Lanes(b []byte, y []float32) error {
	d := half(b)
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	qh := binary.LittleEndian.Uint32(b[2:6])
	qs := b[6:22]
	dv := simd.Broadcast(d)
	var lo, hi [simd.Width]int32
	for c := 0; c < 2; c++ {
		for l := range simd.Width {
			x0, x1 := q5Bits(qh, qs, 8*c+l)
			lo[l], hi[l] = x0-16, x1-16
		}
		simd.FromInt32(&lo).Mul(dv).Store(y[8*c:])
		simd.FromInt32(&hi).Mul(dv).Store(y[16+8*c:])
	}
	return nil
}

func q50Scalar(b []byte, y []float32) error {
	d := half(b)
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	qh := binary.LittleEndian.Uint32(b[2:6])
	qs := b[6:22]
	for j := 0; j < 16; j++ {
		x0, x1 := q5Bits(qh, qs, j)
		y[j] = float32(x0-16) * d
		y[j+16] = float32(x1-16) * d
	}
	return nil
}

// Q5_1: d:f16, m:f16, qh:u32, qs[16]; value = q*d + m.
func q51Lanes(b []byte, y []float32) error {
	d, m := half(b), half(b[2:])
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	if err := finite(m, 2, "m"); err != nil {
		return err
	}
	qh := binary.LittleEndian.Uint32(b[4:8])
	qs := b[8:24]
	dv, mv := simd.Broadcast(d), simd.Broadcast(m)
	var lo, hi [simd.Width]int32
	for c := 0; c < 2; c++ {
		for l := range simd.Width {
			lo[l], hi[l] = q5Bits(qh, qs, 8*c+l)
		}
		simd.FromInt32(&lo).MulAdd(dv, mv).Store(y[8*c:])
		simd.FromInt32(&hi).MulAdd(dv, mv).Store(y[16+8*c:])
	}
	return nil
}

func q51Scalar(b []byte, y []float32) error {
	d, m := half(b), half(b[2:])
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	if err := finite(m, 2, "m"); err != nil {
		return err
	}
	qh := binary.LittleEndian.Uint32(b[4:8])
	qs := b[8:24]
	for j := 0; j < 16; j++ {
		x0, x1 := q5Bits(qh, qs, j)
		y[j] = float32(float32(x0)*d) + m
		y[j+16] = float32(float32(x1)*d) + m
	}
	return nil
}

// Q8_0: d:f16, qs[32] int8; value = q*d.
func q80Lanes(b []byte, y []float32) error {
	d := half(b)
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	qs := b[2:34]
	dv := simd.Broadcast(d)
	var q [simd.Width]int32
	for c := 0; c < QK/simd.Width; c++ {
		for l := range simd.Width {
			q[l] = int32(int8(qs[8*c+l]))
		}
		simd.FromInt32(&q).Mul(dv).Store(y[8*c:])
	}
	return nil
}

func q80Scalar(b []byte, y []float32) error {
	d := half(b)
	if err := finite(d, 0, "d"); err != nil {
		return err
	}
	for j := 0; j < QK; j++ {
		y[j] = float32(int8(b[2+j])) * d
	}
	return nil
}

// scaleMinK4 unpacks the 6-bit scale and min of sub-block j.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc := (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// Q4_K: d:f16, dmin:f16, scales[12], qs[128]. Eight sub-blocks of 32 with
// 6-bit scales and mins; value = d*sc*q - dmin*m.
func q4kHeader(b []byte) (float32, float32, error) {
	d, dmin := half(b), half(b[2:])
	if err := finite(d, 0, "d"); err != nil {
		return 0, 0, err
	}
	if err := finite(dmin, 2, "dmin"); err != nil {
		return 0, 0, err
	}
	return d, dmin, nil
}

func q4kLanes(b []byte, y []float32) error {
	d, dmin, err := q4kHeader(b)
	if err != nil {
		return err
	}
	scales := b[4:16]
	q := b[16:144]
	var lo, hi [simd.Width]int32
	for j, is := 0, 0; j < QKK; j, is = j+64, is+2 {
		s1, m1 := scaleMinK4(is, scales)
		s2, m2 := scaleMinK4(is+1, scales)
		d1, mm1 := simd.Broadcast(d*float32(s1)), simd.Broadcast(dmin*float32(m1))
		d2, mm2 := simd.Broadcast(d*float32(s2)), simd.Broadcast(dmin*float32(m2))
		for l := 0; l < 32; l += simd.Width {
			for k := range simd.Width {
				lo[k] = int32(q[l+k] & 0x0F)
				hi[k] = int32(q[l+k] >> 4)
			}
			simd.FromInt32(&lo).MulSub(d1, mm1).Store(y[j+l:])
			simd.FromInt32(&hi).MulSub(d2, mm2).Store(y[j+32+l:])
		}
		q = q[32:]
	}
	return nil
}

func q4kScalar(b []byte, y []float32) error {
	d, dmin, err := q4kHeader(b)
	if err != nil {
		return err
	}
	scales := b[4:16]
	q := b[16:144]
	for j, is := 0, 0; j < QKK; j, is = j+64, is+2 {
		s1, m1 := scaleMinK4(is, scales)
		s2, m2 := scaleMinK4(is+1, scales)
		d1, mm1 := d*float32(s1), dmin*float32(m1)
		d2, mm2 := d*float32(s2), dmin*float32(m2)
		for l := 0; l < 32; l++ {
			y[j+l] = float32(d1*float32(q[l]&0x0F)) - mm1
			y[j+32+l] = float32(d2*float32(q[l]>>4)) - mm2
		}
		q = q[32:]
	}
	return nil
}

// Q6_K: ql[128], qh[64], scales[16] int8, d:f16 (last). Sixteen groups of
// 16 elements; value = d*sc*(q-32).
func q6kQuads(ql, qh []byte, l int) (int32, int32, int32, int32) {
	q1 := int32((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
	q2 := int32((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
	q3 := int32((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
	q4 := int32((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
	return q1, q2, q3, q4
}

func q6kLanes(b []byte, y []float32) error {
	d := half(b[208:])
	if err := finite(d, 208, "d"); err != nil {
		return err
	}
	var a1, a2, a3, a4 [simd.Width]int32
	for n := 0; n < 2; n++ {
		ql, qh, sc, yo := b[64*n:128], b[128+32*n:192], b[192+8*n:208], y[128*n:]
		for l := 0; l < 32; l += simd.Width {
			is := l / 16
			for k := range simd.Width {
				a1[k], a2[k], a3[k], a4[k] = q6kQuads(ql, qh, l+k)
			}
			simd.FromInt32(&a1).Mul(simd.Broadcast(d * float32(int8(sc[is])))).Store(yo[l:])
			simd.FromInt32(&a2).Mul(simd.Broadcast(d * float32(int8(sc[is+2])))).Store(yo[l+32:])
			simd.FromInt32(&a3).Mul(simd.Broadcast(d * float32(int8(sc[is+4])))).Store(yo[l+64:])
			simd.FromInt32(&a4).Mul(simd.Broadcast(d * float32(int8(sc[is+6])))).Store(yo[l+96:])
		}
	}
	return nil
}

func q6kScalar(b []byte, y []float32) error {
	d := half(b[208:])
	if err := finite(d, 208, "d"); err != nil {
		return err
	}
	for n := 0; n < 2; n++ {
		ql, qh, sc, yo := b[64*n:128], b[128+32*n:192], b[192+8*n:208], y[128*n:]
		for l := 0; l < 32; l++ {
			is := l / 16
			q1, q2, q3, q4 := q6kQuads(ql, qh, l)
			yo[l] = float32(q1) * (d * float32(int8(sc[is])))
			yo[l+32] = float32(q2) * (d * float32(int8(sc[is+2])))
			yo[l+64] = float32(q3) * (d * float32(int8(sc[is+4])))
			yo[l+96] = float32(q4) * (d * float32(int8(sc[is+6])))
		}
	}
	return nil
}
