package tensorstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/gguf"
	"github.com/samcharles93/picolm/internal/quant"
)

func writeModel(t *testing.T) (string, []byte) {
	t.Helper()
	w := gguf.NewWriter()
	w.Set("general.architecture", "llama")
	vec := make([]byte, 4*16)
	for i := range 16 {
		binary.LittleEndian.PutUint32(vec[4*i:], math.Float32bits(float32(i)))
	}
	if err := w.AddTensor("output_norm.weight", quant.F32, []uint64{16}, vec); err != nil {
		t.Fatal(err)
	}
	q, _ := quant.Quantize(quant.Q4_0, make([]float32, 32*4))
	if err := w.AddTensor("output.weight", quant.Q4_0, []uint64{32, 4}, q); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.gguf")
	data := w.Bytes()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, vec
}

func TestOpenMapsAndSlices(t *testing.T) {
	t.Parallel()
	for _, noMmap := range []bool{false, true} {
		path, vec := writeModel(t)
		s, err := Open(path, Options{Advice: AdviceSequential, NoMmap: noMmap})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if want := !noMmap && runtime.GOOS != "windows"; s.Mapped() != want {
			t.Fatalf("mapped=%v want %v", s.Mapped(), want)
		}
		norm, ok := s.Ref("output_norm.weight")
		if !ok || norm.Cols() != 16 || norm.Rows() != 1 {
			t.Fatalf("ref %+v", norm)
		}
		if !bytes.Equal(s.Bytes(norm), vec) {
			t.Fatal("tensor bytes differ")
		}
		f, ok := s.Float32s(norm)
		if !ok || len(f) != 16 || f[15] != 15 {
			t.Fatalf("float view %v %v", f, ok)
		}
		out, _ := s.Ref("output.weight")
		if out.Rows() != 4 || out.Cols() != 32 || out.Length != 4*18 {
			t.Fatalf("ref %+v", out)
		}
		if _, ok := s.Float32s(out); ok {
			t.Fatal("float view of quantized tensor")
		}
		s.WillNeed(norm, out)
		s.DontNeed(norm, out)
		if !bytes.Equal(s.Bytes(norm), vec) {
			t.Fatal("bytes changed after DontNeed")
		}
		if len(s.Refs()) != 2 || s.Refs()[0].Name != "output_norm.weight" {
			t.Fatalf("refs %v", s.Refs())
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
		if err := s.Close(); err != nil {
			t.Fatal("second close failed")
		}
	}
}

func TestOpenTruncated(t *testing.T) {
	t.Parallel()
	path, _ := writeModel(t)
	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, data[:len(data)-50], 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path, Options{})
	if !errors.Is(err, errs.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestOpenEmptyAndMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.gguf")
	_ = os.WriteFile(empty, nil, 0o644)
	if _, err := Open(empty, Options{}); !errors.Is(err, errs.ErrFormat) {
		t.Fatalf("empty file: %v", err)
	}
	if _, err := Open(filepath.Join(dir, "missing.gguf"), Options{}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: %v", err)
	}
}

func TestParseAdvice(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Advice{"": AdviceSequential, "sequential": AdviceSequential, "random": AdviceRandom, "normal": AdviceNormal} {
		got, err := ParseAdvice(in)
		if err != nil || got != want {
			t.Fatalf("%q: %v %v", in, got, err)
		}
	}
	if _, err := ParseAdvice("bogus"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDigestTracksTensorBytes(t *testing.T) {
	t.Parallel()
	_, vec := writeModel(t)
	w := gguf.NewWriter()
	w.Set("general.architecture", "llama")
	if err := w.AddTensor("output_norm.weight", quant.F32, []uint64{16}, vec); err != nil {
		t.Fatal(err)
	}
	a, err := FromBytes(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	changed := bytes.Clone(vec)
	changed[0] ^= 1
	w = gguf.NewWriter()
	w.Set("general.architecture", "llama")
	if err := w.AddTensor("output_norm.weight", quant.F32, []uint64{16}, changed); err != nil {
		t.Fatal(err)
	}
	b, err := FromBytes(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if a.File().Fingerprint() != b.File().Fingerprint() {
		t.Fatal("index fingerprint should not see tensor bytes")
	}
	if a.Digest() == b.Digest() {
		t.Fatal("digest ignores tensor bytes")
	}
	if d := a.Digest(); d != a.Digest() {
		t.Fatal("digest not stable")
	}
}
