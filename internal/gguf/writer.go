package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/samcharles93/picolm/internal/quant"
)

// Writer assembles a version 3 GGUF image. Metadata keys and tensors are
// written in insertion order; tensor data is aligned and the data section is
// padded to the alignment.
type Writer struct {
	alignment uint64
	keys      []string
	kv        map[string]Value
	tensors   []pendingTensor
}

type pendingTensor struct {
	info TensorInfo
	data []byte
}

func NewWriter() *Writer {
	return &Writer{alignment: DefaultAlignment, kv: map[string]Value{}}
}

// SetAlignment changes the data alignment and records general.alignment.
func (w *Writer) SetAlignment(a uint32) {
	w.alignment = uint64(a)
	w.Set("general.alignment", a)
}

// Set records a metadata value. Go values map onto GGUF types by their
// static type; slices become arrays.
func (w *Writer) Set(key string, v any) {
	val, err := toValue(v)
	if err != nil {
		panic(fmt.Sprintf("gguf: metadata %s: %v", key, err))
	}
	if _, ok := w.kv[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.kv[key] = val
}

// AddTensor appends a tensor. data must hold exactly the encoded tensor.
func (w *Writer) AddTensor(name string, kind quant.Kind, dims []uint64, data []byte) error {
	ti := TensorInfo{Name: name, Dims: dims, Kind: kind}
	size, err := quant.ByteSize(kind, ti.Elements())
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if uint64(len(data)) != size {
		return fmt.Errorf("tensor %s: %d bytes, want %d", name, len(data), size)
	}
	ti.Size = size
	w.tensors = append(w.tensors, pendingTensor{info: ti, data: data})
	return nil
}

// Bytes returns the encoded image.
func (w *Writer) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = w.WriteTo(&buf)
	return buf.Bytes()
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	var b bytes.Buffer
	b.WriteString(Magic)
	le := binary.LittleEndian
	_ = binary.Write(&b, le, uint32(3))
	_ = binary.Write(&b, le, uint64(len(w.tensors)))
	_ = binary.Write(&b, le, uint64(len(w.keys)))
	for _, k := range w.keys {
		writeString(&b, k)
		v := w.kv[k]
		_ = binary.Write(&b, le, uint32(v.Type))
		writeValue(&b, v)
	}
	var off uint64
	for i := range w.tensors {
		t := &w.tensors[i]
		off = align(off, w.alignment)
		t.info.Offset = off
		off += t.info.Size
		writeString(&b, t.info.Name)
		_ = binary.Write(&b, le, uint32(len(t.info.Dims)))
		for _, d := range t.info.Dims {
			_ = binary.Write(&b, le, d)
		}
		_ = binary.Write(&b, le, uint32(t.info.Kind))
		_ = binary.Write(&b, le, t.info.Offset)
	}
	pad(&b, align(uint64(b.Len()), w.alignment))
	base := uint64(b.Len())
	for _, t := range w.tensors {
		pad(&b, base+t.info.Offset)
		b.Write(t.data)
	}
	if len(w.tensors) > 0 {
		pad(&b, base+align(off, w.alignment))
	}
	return b.WriteTo(out)
}

func pad(b *bytes.Buffer, to uint64) {
	for uint64(b.Len()) < to {
		b.WriteByte(0)
	}
}

func writeString(b *bytes.Buffer, s string) {
	_ = binary.Write(b, binary.LittleEndian, uint64(len(s)))
	b.WriteString(s)
}

func writeValue(b *bytes.Buffer, v Value) {
	le := binary.LittleEndian
	switch v.Type {
	case TypeString:
		writeString(b, v.Value.(string))
	case TypeBool:
		if v.Value.(bool) {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
	case TypeFloat32:
		_ = binary.Write(b, le, math.Float32bits(v.Value.(float32)))
	case TypeFloat64:
		_ = binary.Write(b, le, math.Float64bits(v.Value.(float64)))
	case TypeArray:
		arr := v.Value.(ArrayValue)
		_ = binary.Write(b, le, uint32(arr.ElemType))
		_ = binary.Write(b, le, uint64(len(arr.Values)))
		for _, e := range arr.Values {
			writeValue(b, Value{Type: arr.ElemType, Value: e})
		}
	default:
		_ = binary.Write(b, le, v.Value)
	}
}

func toValue(v any) (Value, error) {
	switch t := v.(type) {
	case uint8:
		return Value{TypeUint8, t}, nil
	case int8:
		return Value{TypeInt8, t}, nil
	case uint16:
		return Value{TypeUint16, t}, nil
	case int16:
		return Value{TypeInt16, t}, nil
	case uint32:
		return Value{TypeUint32, t}, nil
	case int32:
		return Value{TypeInt32, t}, nil
	case uint64:
		return Value{TypeUint64, t}, nil
	case int64:
		return Value{TypeInt64, t}, nil
	case float32:
		return Value{TypeFloat32, t}, nil
	case float64:
		return Value{TypeFloat64, t}, nil
	case bool:
		return Value{TypeBool, t}, nil
	case string:
		return Value{TypeString, t}, nil
	case []string:
		return array(TypeString, t), nil
	case []float32:
		return array(TypeFloat32, t), nil
	case []int32:
		return array(TypeInt32, t), nil
	case []uint32:
		return array(TypeUint32, t), nil
	case ArrayValue:
		return Value{TypeArray, t}, nil
	}
	return Value{}, fmt.Errorf("unsupported Go type %T", v)
}

func array[T any](et ValueType, vals []T) Value {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return Value{TypeArray, ArrayValue{ElemType: et, Values: out}}
}
