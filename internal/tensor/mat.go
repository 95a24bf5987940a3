// Package tensor provides the numeric building blocks of the forward pass:
// quantized matrix-vector products and the vector ops around them.
package tensor

import (
	"fmt"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/quant"
	"github.com/samcharles93/picolm/internal/tensorstore"
)

// Mat is a row-major matrix whose rows stay in their encoded form. Raw
// usually aliases the model mapping.
type Mat struct {
	Name       string
	Rows, Cols int
	Kind       quant.Kind
	Raw        []byte
	// Offset is the absolute file offset of Raw, for error reports.
	Offset   int64
	rowBytes int
}

// NewMat wraps raw as a rows x cols matrix of kind.
func NewMat(name string, kind quant.Kind, rows, cols int, raw []byte) (*Mat, error) {
	if !kind.Supported() {
		return nil, errs.Unsupported(name, kind.String())
	}
	if rows <= 0 || cols <= 0 || cols%kind.BlockElems() != 0 {
		return nil, fmt.Errorf("tensor %s: invalid %s matrix %dx%d", name, kind, rows, cols)
	}
	rb := quant.RowBytes(kind, cols)
	if len(raw) != rows*rb {
		return nil, &errs.Error{Kind: errs.ErrFormat, Tensor: name, Offset: errs.NoOffset,
			Msg: fmt.Sprintf("%d bytes for %dx%d %s, want %d", len(raw), rows, cols, kind, rows*rb)}
	}
	return &Mat{Name: name, Rows: rows, Cols: cols, Kind: kind, Raw: raw, Offset: errs.NoOffset, rowBytes: rb}, nil
}

// FromRef returns a matrix view of a stored tensor. Vectors become a single row.
func FromRef(s *tensorstore.Store, ref tensorstore.TensorRef) (*Mat, error) {
	m, err := NewMat(ref.Name, ref.Kind, ref.Rows(), ref.Cols(), s.Bytes(ref))
	if err != nil {
		return nil, err
	}
	m.Offset = ref.FileOffset
	return m, nil
}

// Row returns the encoded bytes of row i.
func (m *Mat) Row(i int) []byte {
	return m.Raw[i*m.rowBytes : (i+1)*m.rowBytes]
}

// RowTo decodes row i into dst.
func (m *Mat) RowTo(dst []float32, i int) error {
	if i < 0 || i >= m.Rows {
		return fmt.Errorf("tensor %s: row %d out of range [0,%d)", m.Name, i, m.Rows)
	}
	if err := quant.Dequantize(m.Kind, m.Row(i), dst[:m.Cols]); err != nil {
		return errs.At(err, m.Name, m.rowOffset(i))
	}
	return nil
}

func (m *Mat) rowOffset(i int) int64 {
	if m.Offset < 0 {
		return int64(i * m.rowBytes)
	}
	return m.Offset + int64(i*m.rowBytes)
}

// Shape returns the matrix dimensions in GGUF order.
func (m *Mat) Shape() []uint64 {
	return []uint64{uint64(m.Cols), uint64(m.Rows)}
}
