package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/picolm/internal/errs"
)

// Quantize encodes src as kind k. len(src) must be a multiple of the block
// size. Scales are rounded to their stored precision before the weights are
// quantized against them, so decoding reproduces src within:
//
//	F32          exact
//	F16          relative 2^-11
//	BF16         relative 2^-8
//	Q8_0         amax/127 per block
//	Q4_0         amax/8 per block
//	Q5_0         amax/16 per block
//	Q4_1         (max-min)/15 per block
//	Q5_1         (max-min)/31 per block
//	Q4_K         (max-min(min,0))/15 per super-block
//	Q6_K         amax/31 per super-block
func Quantize(k Kind, src []float32) ([]byte, error) {
	if !k.Supported() {
		return nil, errs.Unsupported("", k.String())
	}
	be := k.BlockElems()
	if len(src)%be != 0 {
		return nil, fmt.Errorf("%s: %d values is not a multiple of block size %d", k, len(src), be)
	}
	out := make([]byte, RowBytes(k, len(src)))
	bb := k.BlockBytes()
	for i, off := 0, 0; i < len(src); i, off = i+be, off+bb {
		x, b := src[i:i+be], out[off:off+bb]
		switch k {
		case F32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(x[0]))
		case F16:
			binary.LittleEndian.PutUint16(b, float16.Fromfloat32(x[0]).Bits())
		case BF16:
			binary.LittleEndian.PutUint16(b, toBF16(x[0]))
		case Q4_0:
			quantizeQ40(x, b)
		case Q4_1:
			quantizeQ41(x, b)
		case Q5_0:
			quantizeQ50(x, b)
		case Q5_1:
			quantizeQ51(x, b)
		case Q8_0:
			quantizeQ80(x, b)
		case Q4_K:
			quantizeQ4K(x, b)
		case Q6_K:
			quantizeQ6K(x, b)
		}
	}
	return out, nil
}

func toBF16(v float32) uint16 {
	u := math.Float32bits(v)
	if v != v {
		return uint16(u>>16) | 0x40
	}
	u += 0x7FFF + (u>>16)&1
	return uint16(u >> 16)
}

// putHalf stores v as fp16 and returns the value that will be decoded.
func putHalf(b []byte, v float32) float32 {
	h := float16.Fromfloat32(v)
	binary.LittleEndian.PutUint16(b, h.Bits())
	return h.Float32()
}

func inv(d float32) float32 {
	if d == 0 {
		return 0
	}
	return 1 / d
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func roundInt(v float32) int {
	return int(math.Round(float64(v)))
}

// signedMax returns the element of largest magnitude, keeping its sign.
func signedMax(x []float32) float32 {
	var amax, m float32
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax, m = a, v
		}
	}
	return m
}

func minMax(x []float32) (float32, float32) {
	lo, hi := x[0], x[0]
	for _, v := range x[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	return lo, hi
}

func quantizeQ40(x []float32, b []byte) {
	d := putHalf(b, signedMax(x)/-8)
	id := inv(d)
	qs := b[2:18]
	for j := 0; j < 16; j++ {
		x0 := clampInt(roundInt(x[j]*id)+8, 0, 15)
		x1 := clampInt(roundInt(x[j+16]*id)+8, 0, 15)
		qs[j] = uint8(x0) | uint8(x1)<<4
	}
}

func quantizeQ41(x []float32, b []byte) {
	lo, hi := minMax(x)
	d := putHalf(b, (hi-lo)/15)
	m := putHalf(b[2:], lo)
	id := inv(d)
	qs := b[4:20]
	for j := 0; j < 16; j++ {
		x0 := clampInt(roundInt((x[j]-m)*id), 0, 15)
		x1 := clampInt(roundInt((x[j+16]-m)*id), 0, 15)
		qs[j] = uint8(x0) | uint8(x1)<<4
	}
}

func packQ5(x []float32, qs []byte, q func(v float32) int) uint32 {
	var qh uint32
	for j := 0; j < 16; j++ {
		x0, x1 := q(x[j]), q(x[j+16])
		qs[j] = uint8(x0&0x0F) | uint8(x1&0x0F)<<4
		qh |= uint32((x0&0x10)>>4) << uint(j)
		qh |= uint32((x1&0x10)>>4) << uint(j+16)
	}
	return qh
}

func quantizeQ50(x []float32, b []byte) {
	d := putHalf(b, signedMax(x)/-16)
	id := inv(d)
	qh := packQ5(x, b[6:22], func(v float32) int {
		return clampInt(roundInt(v*id)+16, 0, 31)
	})
	binary.LittleEndian.PutUint32(b[2:6], qh)
}

func quantizeQ51(x []float32, b []byte) {
	lo, hi := minMax(x)
	d := putHalf(b, (hi-lo)/31)
	m := putHalf(b[2:], lo)
	id := inv(d)
	qh := packQ5(x, b[8:24], func(v float32) int {
		return clampInt(roundInt((v-m)*id), 0, 31)
	})
	binary.LittleEndian.PutUint32(b[4:8], qh)
}

func quantizeQ80(x []float32, b []byte) {
	var amax float32
	for _, v := range x {
		amax = max(amax, float32(math.Abs(float64(v))))
	}
	d := putHalf(b, amax/127)
	id := inv(d)
	for j, v := range x {
		b[2+j] = uint8(int8(clampInt(roundInt(v*id), -127, 127)))
	}
}

// kScale picks a super-block scale so that every sub-block scale fits in
// its integer range after fp16 rounding.
func kScale(b []byte, maxScale float32, levels float32) float32 {
	return putHalf(b, maxScale/levels*1.002)
}

func quantizeQ4K(x []float32, b []byte) {
	var scales, mins [8]float32
	for s := range 8 {
		lo, hi := minMax(x[32*s : 32*s+32])
		lo = min(lo, 0)
		scales[s] = (hi - lo) / 15
		mins[s] = -lo
	}
	var maxScale, maxMin float32
	for s := range 8 {
		maxScale, maxMin = max(maxScale, scales[s]), max(maxMin, mins[s])
	}
	d := kScale(b[0:], maxScale, 63)
	dmin := kScale(b[2:], maxMin, 63)
	var sc, m [8]uint8
	var ds, dm [8]float32
	for s := range 8 {
		sc[s] = uint8(clampInt(int(math.Ceil(float64(scales[s]*inv(d)))), 0, 63))
		m[s] = uint8(clampInt(int(math.Ceil(float64(mins[s]*inv(dmin)))), 0, 63))
		ds[s], dm[s] = d*float32(sc[s]), dmin*float32(m[s])
	}
	packed := b[4:16]
	for j := range 4 {
		packed[j] = sc[j] | (sc[j+4]>>4)<<6
		packed[j+4] = m[j] | (m[j+4]>>4)<<6
		packed[j+8] = (sc[j+4] & 0x0F) | (m[j+4]&0x0F)<<4
	}
	q := func(i int) uint8 {
		s := i / 32
		return uint8(clampInt(roundInt((x[i]+dm[s])*inv(ds[s])), 0, 15))
	}
	qs := b[16:144]
	for c := range 4 {
		for l := range 32 {
			qs[32*c+l] = q(64*c+l) | q(64*c+32+l)<<4
		}
	}
}

func quantizeQ6K(x []float32, b []byte) {
	var scales [16]float32
	var maxScale float32
	for g := range 16 {
		var amax float32
		for _, v := range x[16*g : 16*g+16] {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		scales[g] = amax / 31
		maxScale = max(maxScale, scales[g])
	}
	d := kScale(b[208:], maxScale, 127)
	var ds [16]float32
	for g := range 16 {
		sc := int8(clampInt(int(math.Ceil(float64(scales[g]*inv(d)))), 0, 127))
		b[192+g] = uint8(sc)
		ds[g] = d * float32(sc)
	}
	q := func(i int) uint8 {
		return uint8(clampInt(roundInt(x[i]*inv(ds[i/16])), -32, 31) + 32)
	}
	for n := range 2 {
		ql, qh, base := b[64*n:], b[128+32*n:], 128*n
		for l := range 32 {
			q1, q2, q3, q4 := q(base+l), q(base+l+32), q(base+l+64), q(base+l+96)
			ql[l] = q1&0x0F | (q3&0x0F)<<4
			ql[l+32] = q2&0x0F | (q4&0x0F)<<4
			qh[l] = q1>>4 | (q2>>4)<<2 | (q3>>4)<<4 | (q4>>4)<<6
		}
	}
}
