package gguf

import (
	"encoding/binary"
	"math"

	"github.com/samcharles93/picolm/internal/errs"
)

// cursor walks the header region of a GGUF image held in memory.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int { return len(c.buf) - c.off }

func (c *cursor) take(n int, what string) ([]byte, error) {
	if n < 0 || n > c.remaining() {
		return nil, errs.Format(int64(c.off), "unexpected EOF reading %s (%d bytes needed, %d left)", what, n, max(c.remaining(), 0))
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8(what string) (uint8, error) {
	b, err := c.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16(what string) (uint16, error) {
	b, err := c.take(2, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32(what string) (uint32, error) {
	b, err := c.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64(what string) (uint64, error) {
	b, err := c.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) str(what string) (string, error) {
	start := c.off
	n, err := c.u64(what + " length")
	if err != nil {
		return "", err
	}
	if n > uint64(c.remaining()) {
		return "", errs.Format(int64(start), "%s length %d exceeds file size", what, n)
	}
	b, _ := c.take(int(n), what)
	return string(b), nil
}

// maxArrayDepth bounds nested arrays so a hostile file cannot recurse forever.
const maxArrayDepth = 8

func (c *cursor) value(t ValueType, depth int) (any, error) {
	switch t {
	case TypeUint8:
		return c.u8("u8")
	case TypeInt8:
		v, err := c.u8("i8")
		return int8(v), err
	case TypeUint16:
		return c.u16("u16")
	case TypeInt16:
		v, err := c.u16("i16")
		return int16(v), err
	case TypeUint32:
		return c.u32("u32")
	case TypeInt32:
		v, err := c.u32("i32")
		return int32(v), err
	case TypeUint64:
		return c.u64("u64")
	case TypeInt64:
		v, err := c.u64("i64")
		return int64(v), err
	case TypeFloat32:
		v, err := c.u32("f32")
		return math.Float32frombits(v), err
	case TypeFloat64:
		v, err := c.u64("f64")
		return math.Float64frombits(v), err
	case TypeBool:
		v, err := c.u8("bool")
		return v != 0, err
	case TypeString:
		return c.str("string")
	case TypeArray:
		if depth >= maxArrayDepth {
			return nil, errs.Format(int64(c.off), "arrays nested deeper than %d", maxArrayDepth)
		}
		et, err := c.u32("array element type")
		if err != nil {
			return nil, err
		}
		start := c.off
		n, err := c.u64("array length")
		if err != nil {
			return nil, err
		}
		elem := ValueType(et)
		if n > uint64(c.remaining())/uint64(elem.minSize()) {
			return nil, errs.Format(int64(start), "array of %d %s exceeds file size", n, elem)
		}
		vals := make([]any, 0, n)
		for range n {
			v, err := c.value(elem, depth+1)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return ArrayValue{ElemType: elem, Values: vals}, nil
	default:
		return nil, errs.Format(int64(c.off), "unknown metadata value type %d", uint32(t))
	}
}
