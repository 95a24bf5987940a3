// Package gguf reads and writes the GGUF model container: a little-endian
// header, typed metadata, a tensor index and an aligned tensor data section.
package gguf

import (
	"cmp"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"slices"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/quant"
)

const (
	Magic            = "GGUF"
	DefaultAlignment = 32
	maxDims          = 4
)

// Versions accepted by Parse. Version 1 used 32-bit counts and is rejected.
var supportedVersions = []uint32{2, 3}

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

var valueTypeNames = map[ValueType]string{
	TypeUint8: "u8", TypeInt8: "i8", TypeUint16: "u16", TypeInt16: "i16",
	TypeUint32: "u32", TypeInt32: "i32", TypeUint64: "u64", TypeInt64: "i64",
	TypeFloat32: "f32", TypeFloat64: "f64", TypeBool: "bool",
	TypeString: "string", TypeArray: "array",
}

func (t ValueType) String() string {
	if s, ok := valueTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// minSize is the smallest encoding of one value of type t.
func (t ValueType) minSize() int {
	switch t {
	case TypeUint8, TypeInt8, TypeBool:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeArray:
		return 12
	default:
		return 8
	}
}

type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

type Value struct {
	Type  ValueType
	Value any
}

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// TensorInfo is one tensor index entry. Dims are in GGUF order, fastest
// varying first, so a matrix is [cols, rows].
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Kind   quant.Kind
	Offset uint64 // relative to the data section
	Size   uint64
}

// Elements returns the product of the dimensions. Parse rejects indexes
// whose product does not fit in a uint64.
func (t TensorInfo) Elements() uint64 {
	n, _ := elements(t.Dims)
	return n
}

func elements(dims []uint64) (uint64, bool) {
	n := uint64(1)
	for _, d := range dims {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

type File struct {
	Header     Header
	KV         Metadata
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64
	FileSize   uint64

	byName      map[string]int
	fingerprint string
}

// Parse validates a complete GGUF image. Tensor bytes are not retained; the
// returned offsets index into the same image.
func Parse(data []byte) (*File, error) {
	c := &cursor{buf: data}
	magic, err := c.take(4, "magic")
	if err != nil {
		return nil, err
	}
	if string(magic) != Magic {
		return nil, errs.Format(0, "invalid magic %q", magic)
	}
	version, err := c.u32("version")
	if err != nil {
		return nil, err
	}
	if !slices.Contains(supportedVersions, version) {
		return nil, errs.Format(4, "unsupported version %d", version)
	}
	tensorCount, err := c.u64("tensor count")
	if err != nil {
		return nil, err
	}
	kvCount, err := c.u64("metadata count")
	if err != nil {
		return nil, err
	}
	// Smallest possible entries: key (8+1) + type (4) + u8; name (8+1) + ndims + type + offset.
	if kvCount > uint64(c.remaining())/14 {
		return nil, errs.Format(16, "metadata count %d exceeds file size", kvCount)
	}
	if tensorCount > uint64(c.remaining())/25 {
		return nil, errs.Format(8, "tensor count %d exceeds file size", tensorCount)
	}

	kv := make(Metadata, kvCount)
	for range kvCount {
		key, err := c.str("metadata key")
		if err != nil {
			return nil, err
		}
		vt, err := c.u32("value type of " + key)
		if err != nil {
			return nil, err
		}
		v, err := c.value(ValueType(vt), 0)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", key, err)
		}
		kv[key] = Value{Type: ValueType(vt), Value: v}
	}

	alignment := uint64(DefaultAlignment)
	if v, ok := kv["general.alignment"]; ok {
		a, ok := asUint64(v.Value)
		if !ok || a == 0 || a&(a-1) != 0 {
			return nil, errs.Format(errs.NoOffset, "general.alignment %v is not a power of two", v.Value)
		}
		alignment = a
	}

	tensors := make([]TensorInfo, 0, tensorCount)
	byName := make(map[string]int, tensorCount)
	for range tensorCount {
		ti, err := readTensorInfo(c)
		if err != nil {
			return nil, err
		}
		if _, dup := byName[ti.Name]; dup {
			return nil, errs.Format(int64(c.off), "duplicate tensor %q", ti.Name)
		}
		byName[ti.Name] = len(tensors)
		tensors = append(tensors, ti)
	}

	indexEnd := uint64(c.off)
	dataOffset := align(indexEnd, alignment)
	f := &File{
		Header:     Header{Version: version, TensorCount: tensorCount, KVCount: kvCount},
		KV:         kv,
		Tensors:    tensors,
		Alignment:  alignment,
		DataOffset: dataOffset,
		FileSize:   uint64(len(data)),
		byName:     byName,
	}
	if err := f.checkDataSection(); err != nil {
		return nil, err
	}
	sum := sha256.New()
	sum.Write(data[:indexEnd])
	_ = binary.Write(sum, binary.LittleEndian, uint64(len(data)))
	f.fingerprint = hex.EncodeToString(sum.Sum(nil))
	return f, nil
}

func readTensorInfo(c *cursor) (TensorInfo, error) {
	name, err := c.str("tensor name")
	if err != nil {
		return TensorInfo{}, err
	}
	nd, err := c.u32("dimension count of " + name)
	if err != nil {
		return TensorInfo{}, err
	}
	if nd == 0 || nd > maxDims {
		return TensorInfo{}, errs.Format(int64(c.off-4), "tensor %q has %d dimensions", name, nd)
	}
	dims := make([]uint64, nd)
	for i := range dims {
		if dims[i], err = c.u64("dimension of " + name); err != nil {
			return TensorInfo{}, err
		}
		if dims[i] == 0 || dims[i] > 1<<40 {
			return TensorInfo{}, errs.Format(int64(c.off-8), "tensor %q dimension %d is %d", name, i, dims[i])
		}
	}
	kt, err := c.u32("type of " + name)
	if err != nil {
		return TensorInfo{}, err
	}
	kind := quant.Kind(kt)
	if !kind.Known() {
		return TensorInfo{}, errs.Unsupported(name, kind.String())
	}
	off, err := c.u64("offset of " + name)
	if err != nil {
		return TensorInfo{}, err
	}
	ti := TensorInfo{Name: name, Dims: dims, Kind: kind, Offset: off}
	if dims[0]%uint64(kind.BlockElems()) != 0 {
		return TensorInfo{}, errs.Format(errs.NoOffset, "tensor %q row length %d is not a multiple of the %s block size", name, dims[0], kind)
	}
	n, ok := elements(dims)
	if !ok {
		return TensorInfo{}, errs.Format(errs.NoOffset, "tensor %q element count overflows", name)
	}
	size, err := quant.ByteSize(kind, n)
	if err != nil {
		return TensorInfo{}, errs.Format(errs.NoOffset, "tensor %q: %v", name, err)
	}
	ti.Size = size
	return ti, nil
}

// checkDataSection requires every tensor to lie inside the data section, at
// an aligned offset, without overlap, and the data section to end where the
// last tensor (optionally padded) ends.
func (f *File) checkDataSection() error {
	var dataLen uint64
	if f.FileSize > f.DataOffset {
		dataLen = f.FileSize - f.DataOffset
	}
	order := make([]int, len(f.Tensors))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		return cmp.Compare(f.Tensors[a].Offset, f.Tensors[b].Offset)
	})
	var end uint64
	for _, i := range order {
		t := f.Tensors[i]
		if t.Offset%f.Alignment != 0 {
			return &errs.Error{Kind: errs.ErrFormat, Tensor: t.Name, Offset: int64(f.DataOffset + t.Offset), Msg: fmt.Sprintf("offset not aligned to %d", f.Alignment)}
		}
		if t.Offset < end {
			return &errs.Error{Kind: errs.ErrFormat, Tensor: t.Name, Offset: int64(f.DataOffset + t.Offset), Msg: "overlaps previous tensor"}
		}
		if t.Offset > dataLen || t.Size > dataLen-t.Offset {
			return &errs.Error{Kind: errs.ErrFormat, Tensor: t.Name, Offset: errs.NoOffset,
				Msg: fmt.Sprintf("data section truncated: tensor at %d needs %d bytes, %d available", t.Offset, t.Size, dataLen)}
		}
		end = t.Offset + t.Size
	}
	if len(f.Tensors) == 0 && f.FileSize <= f.DataOffset {
		return nil
	}
	if dataLen != end && dataLen != align(end, f.Alignment) {
		return errs.Format(int64(f.DataOffset), "data section is %d bytes, index describes %d", dataLen, end)
	}
	return nil
}

// Tensor returns the index entry for name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	i, ok := f.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// Fingerprint identifies the model: a hash of the header and tensor index
// together with the file size.
func (f *File) Fingerprint() string { return f.fingerprint }

func align(offset, alignment uint64) uint64 {
	if rem := offset % alignment; rem != 0 {
		return offset + alignment - rem
	}
	return offset
}
