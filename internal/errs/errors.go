// Package errs defines the error taxonomy shared by every engine component.
//
// Each failure class is a sentinel; detailed failures are reported as *Error
// values that unwrap to their sentinel so callers can use errors.Is.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFormat                = errors.New("format error")
	ErrUnsupportedTensorType = errors.New("unsupported tensor type")
	ErrShapeMismatch         = errors.New("shape mismatch")
	ErrDataIntegrity         = errors.New("data integrity error")
	ErrContextOverflow       = errors.New("context overflow")
	ErrCacheValidation       = errors.New("cache validation error")
	ErrCancelled             = errors.New("generation cancelled")
)

// NoOffset marks an Error that does not refer to a byte position.
const NoOffset int64 = -1

// Error carries the context of a classified failure.
type Error struct {
	Kind     error
	Tensor   string
	Offset   int64
	Expected []uint64
	Actual   []uint64
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Tensor != "" {
		fmt.Fprintf(&b, ": tensor %q", e.Tensor)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Expected != nil || e.Actual != nil {
		fmt.Fprintf(&b, " (expected %v, got %v)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Format reports a malformed or truncated container.
func Format(offset int64, format string, args ...any) error {
	return &Error{Kind: ErrFormat, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Unsupported reports a tensor type the kernels cannot decode.
func Unsupported(tensor string, typeName string) error {
	return &Error{Kind: ErrUnsupportedTensorType, Tensor: tensor, Offset: NoOffset, Msg: typeName}
}

// Shape reports a tensor whose dimensions disagree with the model config.
func Shape(tensor string, expected, actual []uint64) error {
	return &Error{Kind: ErrShapeMismatch, Tensor: tensor, Offset: NoOffset, Expected: expected, Actual: actual}
}

// Integrity reports corrupt tensor data found during decoding.
func Integrity(tensor string, offset int64, format string, args ...any) error {
	return &Error{Kind: ErrDataIntegrity, Tensor: tensor, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// ContextOverflow reports a decode step past the configured context length.
func ContextOverflow(pos, maxContext int) error {
	return &Error{Kind: ErrContextOverflow, Offset: NoOffset, Msg: fmt.Sprintf("position %d reaches max context %d", pos, maxContext)}
}

// CacheValidation reports a persisted cache that does not match the model or prompt.
func CacheValidation(format string, args ...any) error {
	return &Error{Kind: ErrCacheValidation, Offset: NoOffset, Msg: fmt.Sprintf(format, args...)}
}

// At returns err annotated with a tensor name and with its offset shifted by
// base, when err is an *Error that does not already name a tensor.
func At(err error, tensor string, base int64) error {
	var e *Error
	if errors.As(err, &e) && e.Tensor == "" {
		cp := *e
		cp.Tensor = tensor
		if cp.Offset >= 0 {
			cp.Offset += base
		}
		return &cp
	}
	return err
}

// Classify reports whether err belongs to one of the engine's failure classes and
// returns that class.
func Classify(err error) (error, bool) {
	for _, k := range []error{
		ErrFormat, ErrUnsupportedTensorType, ErrShapeMismatch, ErrDataIntegrity,
		ErrContextOverflow, ErrCacheValidation, ErrCancelled,
	} {
		if errors.Is(err, k) {
			return k, true
		}
	}
	return nil, false
}
