// Package tensorstore maps a GGUF file into memory and hands out zero-copy
// views of its tensors.
package tensorstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/gguf"
	"github.com/samcharles93/picolm/internal/quant"
)

// Advice is an access-pattern hint passed to the kernel.
type Advice int

const (
	AdviceNormal Advice = iota
	AdviceSequential
	AdviceRandom
	AdviceWillNeed
	AdviceDontNeed
)

// ParseAdvice maps a config string onto an Advice.
func ParseAdvice(s string) (Advice, error) {
	switch s {
	case "", "sequential":
		return AdviceSequential, nil
	case "random":
		return AdviceRandom, nil
	case "normal":
		return AdviceNormal, nil
	}
	return 0, fmt.Errorf("unknown access advice %q", s)
}

type Options struct {
	// Advice applies to the whole mapping after it is established.
	Advice Advice
	// NoMmap reads the file into memory instead of mapping it.
	NoMmap bool
}

// TensorRef is a non-owning view of one tensor. It is valid while the
// Store that produced it is open.
type TensorRef struct {
	Name       string
	Kind       quant.Kind
	Shape      []uint64
	Offset     uint64 // within the data section
	Length     uint64
	FileOffset int64
}

// Rows returns the number of rows of a matrix (ne1), or 1 for vectors.
func (r TensorRef) Rows() int {
	if len(r.Shape) < 2 {
		return 1
	}
	return int(r.Shape[1])
}

// Cols returns the row length (ne0).
func (r TensorRef) Cols() int { return int(r.Shape[0]) }

// Store owns the file image and the parsed index.
type Store struct {
	path   string
	data   []byte
	mapped bool
	file   *gguf.File
	refs   map[string]TensorRef

	digestOnce sync.Once
	digest     uint64
}

// Open maps path read-only and parses its index. When mmap is unavailable it
// falls back to ReadAt-based loading.
func Open(path string, opts Options) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, errs.Format(0, "file size %d cannot be addressed", size)
	}
	if size == 0 {
		return nil, errs.Format(0, "empty file")
	}

	var data []byte
	mapped := false
	if !opts.NoMmap {
		if data, err = mapFile(f, int(size)); err == nil {
			mapped = true
		}
	}
	if !mapped {
		data = make([]byte, size)
		if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	s, err := newStore(path, data, mapped)
	if err != nil {
		if mapped {
			_ = unmap(data)
		}
		return nil, err
	}
	if mapped {
		_ = advise(data, opts.Advice)
	}
	return s, nil
}

// FromBytes wraps an in-memory image.
func FromBytes(data []byte) (*Store, error) {
	return newStore("", data, false)
}

func newStore(path string, data []byte, mapped bool) (*Store, error) {
	gf, err := gguf.Parse(data)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]TensorRef, len(gf.Tensors))
	for _, t := range gf.Tensors {
		refs[t.Name] = TensorRef{
			Name:       t.Name,
			Kind:       t.Kind,
			Shape:      t.Dims,
			Offset:     t.Offset,
			Length:     t.Size,
			FileOffset: int64(gf.DataOffset + t.Offset),
		}
	}
	return &Store{path: path, data: data, mapped: mapped, file: gf, refs: refs}, nil
}

func (s *Store) Path() string     { return s.path }
func (s *Store) Mapped() bool     { return s.mapped }
func (s *Store) File() *gguf.File { return s.file }
func (s *Store) Size() int64      { return int64(len(s.data)) }

// Ref looks up a tensor by name.
func (s *Store) Ref(name string) (TensorRef, bool) {
	r, ok := s.refs[name]
	return r, ok
}

// Refs returns every tensor in index order.
func (s *Store) Refs() []TensorRef {
	out := make([]TensorRef, 0, len(s.file.Tensors))
	for _, t := range s.file.Tensors {
		out = append(out, s.refs[t.Name])
	}
	return out
}

// Bytes returns the encoded tensor without copying.
func (s *Store) Bytes(r TensorRef) []byte {
	start := r.FileOffset
	return s.data[start : start+int64(r.Length) : start+int64(r.Length)]
}

// Digest hashes the tensor bytes in index order. The first call reads the
// whole data section; later calls return the cached value.
func (s *Store) Digest() uint64 {
	s.digestOnce.Do(func() {
		d := xxhash.New()
		for _, t := range s.file.Tensors {
			_, _ = d.Write(s.Bytes(s.refs[t.Name]))
		}
		s.digest = d.Sum64()
	})
	return s.digest
}

// Float32s reinterprets an F32 tensor in place when the host is little
// endian and the data is suitably aligned.
func (s *Store) Float32s(r TensorRef) ([]float32, bool) {
	if r.Kind != quant.F32 || r.Length == 0 || !littleEndian {
		return nil, false
	}
	b := s.Bytes(r)
	if uintptr(unsafe.Pointer(&b[0]))%unsafe.Alignof(float32(0)) != 0 {
		return nil, false
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4), true
}

// WillNeed asks the kernel to page the tensors in ahead of use.
func (s *Store) WillNeed(refs ...TensorRef) {
	s.adviseRefs(AdviceWillNeed, refs)
}

// DontNeed lets the kernel drop the tensors' pages. They are re-read from
// the file on next access.
func (s *Store) DontNeed(refs ...TensorRef) {
	s.adviseRefs(AdviceDontNeed, refs)
}

func (s *Store) adviseRefs(a Advice, refs []TensorRef) {
	if !s.mapped {
		return
	}
	ps := int64(pageSize())
	for _, r := range refs {
		if r.Length == 0 {
			continue
		}
		start := r.FileOffset / ps * ps
		end := min(r.FileOffset+int64(r.Length), int64(len(s.data)))
		_ = advise(s.data[start:end], a)
	}
}

// Close releases the mapping. Views obtained from the store must not be
// used afterwards.
func (s *Store) Close() error {
	if s == nil || s.data == nil {
		return nil
	}
	var err error
	if s.mapped {
		err = unmap(s.data)
	}
	s.data = nil
	s.refs = nil
	s.mapped = false
	return err
}

var littleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1
