package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorUnwrapsToSentinel(t *testing.T) {
	t.Parallel()
	err := Shape("blk.0.attn_q.weight", []uint64{8, 8}, []uint64{8, 4})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "blk.0.attn_q.weight") || !strings.Contains(msg, "[8 4]") {
		t.Fatalf("message missing detail: %s", msg)
	}
}

func TestWrappedCauseStillMatches(t *testing.T) {
	t.Parallel()
	cause := errors.New("short read")
	err := fmt.Errorf("load: %w", &Error{Kind: ErrFormat, Offset: 12, Err: cause})
	if !errors.Is(err, ErrFormat) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinel and cause to match: %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Offset != 12 {
		t.Fatalf("errors.As failed: %v", err)
	}
}

func TestAtRebasesOffset(t *testing.T) {
	t.Parallel()
	err := At(Integrity("", 64, "scale is NaN"), "output.weight", 1000)
	if !strings.Contains(err.Error(), `"output.weight"`) || !strings.Contains(err.Error(), "offset 1064") {
		t.Fatalf("tensor not attached: %v", err)
	}
	plain := errors.New("x")
	if At(plain, "a", 5) != plain {
		t.Fatal("non-engine errors must pass through")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	k, ok := Classify(fmt.Errorf("step: %w", ContextOverflow(16, 16)))
	if !ok || k != ErrContextOverflow {
		t.Fatalf("got %v %v", k, ok)
	}
	if _, ok := Classify(errors.New("other")); ok {
		t.Fatal("unexpected classification")
	}
}
