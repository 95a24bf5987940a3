// Package quant implements the block quantization formats used by GGUF
// tensors: decoding, fused decode+dot kernels and reference quantizers.
package quant

import (
	"fmt"
	"math/bits"

	"github.com/samcharles93/picolm/internal/errs"
)

// Kind is a ggml tensor type id as stored in the GGUF tensor index.
type Kind uint32

const (
	F32  Kind = 0
	F16  Kind = 1
	Q4_0 Kind = 2
	Q4_1 Kind = 3
	Q5_0 Kind = 6
	Q5_1 Kind = 7
	Q8_0 Kind = 8
	Q8_1 Kind = 9
	Q2_K Kind = 10
	Q3_K Kind = 11
	Q4_K Kind = 12
	Q5_K Kind = 13
	Q6_K Kind = 14
	Q8_K Kind = 15
	I8   Kind = 16
	I16  Kind = 17
	I32  Kind = 18
	I64  Kind = 19
	F64  Kind = 20
	BF16 Kind = 30
)

// QK is the element count of the 32-wide block formats; QKK is the
// super-block size of the k-quants.
const (
	QK  = 32
	QKK = 256
)

type traits struct {
	name       string
	blockElems int
	blockBytes int
	kernels    bool
}

var kinds = map[Kind]traits{
	F32:  {"F32", 1, 4, true},
	F16:  {"F16", 1, 2, true},
	BF16: {"BF16", 1, 2, true},
	Q4_0: {"Q4_0", QK, 18, true},
	Q4_1: {"Q4_1", QK, 20, true},
	Q5_0: {"Q5_0", QK, 22, true},
	Q5_1: {"Q5_1", QK, 24, true},
	Q8_0: {"Q8_0", QK, 34, true},
	Q8_1: {"Q8_1", QK, 36, false},
	Q2_K: {"Q2_K", QKK, 84, false},
	Q3_K: {"Q3_K", QKK, 110, false},
	Q4_K: {"Q4_K", QKK, 144, true},
	Q5_K: {"Q5_K", QKK, 176, false},
	Q6_K: {"Q6_K", QKK, 210, true},
	Q8_K: {"Q8_K", QKK, 292, false},
	I8:   {"I8", 1, 1, false},
	I16:  {"I16", 1, 2, false},
	I32:  {"I32", 1, 4, false},
	I64:  {"I64", 1, 8, false},
	F64:  {"F64", 1, 8, false},
}

func (k Kind) String() string {
	if t, ok := kinds[k]; ok {
		return t.name
	}
	return fmt.Sprintf("type(%d)", uint32(k))
}

// Known reports whether k is a ggml type whose storage size is known.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// Supported reports whether the engine has kernels for k.
func (k Kind) Supported() bool {
	return kinds[k].kernels
}

// BlockElems is the number of elements sharing one block.
func (k Kind) BlockElems() int { return kinds[k].blockElems }

// BlockBytes is the encoded size of one block.
func (k Kind) BlockBytes() int { return kinds[k].blockBytes }

// ByteSize returns the storage size of n elements of kind k.
func ByteSize(k Kind, n uint64) (uint64, error) {
	t, ok := kinds[k]
	if !ok {
		return 0, errs.Unsupported("", k.String())
	}
	be := uint64(t.blockElems)
	if n%be != 0 {
		return 0, fmt.Errorf("%s: %d elements is not a multiple of block size %d", t.name, n, be)
	}
	hi, size := bits.Mul64(n/be, uint64(t.blockBytes))
	if hi != 0 {
		return 0, fmt.Errorf("%s: %d elements overflow the byte size", t.name, n)
	}
	return size, nil
}

// Kinds lists every kind with kernels, in id order.
func Kinds() []Kind {
	return []Kind{F32, F16, Q4_0, Q4_1, Q5_0, Q5_1, Q8_0, Q4_K, Q6_K, BF16}
}
