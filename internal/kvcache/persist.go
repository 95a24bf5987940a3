package kvcache

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/samcharles93/picolm/internal/errs"
)

const (
	snapshotMagic   = "PLKV"
	snapshotVersion = 1
	maxManifest     = 64 << 20
)

// PrefixHash keys a snapshot by the model identity and the token prefix it
// was computed from.
func PrefixHash(model string, tokens []int32) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	var b [4]byte
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(b[:], uint32(t))
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

type manifest struct {
	Version    int      `json:"version"`
	Model      string   `json:"model"`
	PrefixHash string   `json:"prefix_hash"`
	Tokens     []int32  `json:"tokens"`
	Geometry   Geometry `json:"geometry"`
	Payload    string   `json:"payload_sha256"`
}

// Save writes the cache contents for tokens, which must be the sequence the
// cache was computed from.
//
// Layout: "PLKV", u32 manifest length, JSON manifest, then per layer the
// keys followed by the values of every position as little-endian fp16.
func (c *Cache) Save(w io.Writer, model string, tokens []int32) error {
	if c.Released() {
		return fmt.Errorf("kv cache released")
	}
	n := c.Len()
	if len(tokens) != n {
		return fmt.Errorf("kv cache holds %d positions, %d tokens given", n, len(tokens))
	}
	sum := sha256.New()
	c.writePayload(sum, n)
	m := manifest{
		Version:    snapshotVersion,
		Model:      model,
		PrefixHash: PrefixHash(model, tokens),
		Tokens:     tokens,
		Geometry:   c.geo,
		Payload:    hex.EncodeToString(sum.Sum(nil)),
	}
	head, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode kv manifest: %w", err)
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(snapshotMagic)
	_ = binary.Write(bw, binary.LittleEndian, uint32(len(head)))
	bw.Write(head)
	c.writePayload(bw, n)
	return bw.Flush()
}

func (c *Cache) writePayload(w io.Writer, n int) {
	buf := make([]byte, 2*c.geo.Stride())
	for l := range c.geo.Layers {
		k, v := c.Window(l)
		for _, src := range [][]uint16{k[:n*c.geo.Stride()], v[:n*c.geo.Stride()]} {
			for p := 0; p < n; p++ {
				row := src[p*c.geo.Stride() : (p+1)*c.geo.Stride()]
				for i, h := range row {
					binary.LittleEndian.PutUint16(buf[2*i:], h)
				}
				w.Write(buf)
			}
		}
	}
}

// Load replaces the cache contents with a snapshot written by Save for the
// same model and returns the token prefix it covers. Any mismatch leaves
// the cache empty and returns a cache validation error.
func (c *Cache) Load(r io.Reader, model string) ([]int32, error) {
	if c.Released() {
		return nil, fmt.Errorf("kv cache released")
	}
	c.Reset()
	tokens, err := c.load(bufio.NewReader(r), model)
	if err != nil {
		c.Reset()
		if !errors.Is(err, errs.ErrCacheValidation) {
			err = &errs.Error{Kind: errs.ErrCacheValidation, Offset: errs.NoOffset, Err: err}
		}
		return nil, err
	}
	return tokens, nil
}

func (c *Cache) load(r io.Reader, model string) ([]int32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	if string(hdr[:4]) != snapshotMagic {
		return nil, errs.CacheValidation("bad snapshot magic %q", hdr[:4])
	}
	size := binary.LittleEndian.Uint32(hdr[4:])
	if size > maxManifest {
		return nil, errs.CacheValidation("manifest of %d bytes", size)
	}
	head := make([]byte, size)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(head, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	switch {
	case m.Version != snapshotVersion:
		return nil, errs.CacheValidation("snapshot version %d", m.Version)
	case m.Model != model:
		return nil, errs.CacheValidation("snapshot belongs to model %.12s, loaded model is %.12s", m.Model, model)
	case m.PrefixHash != PrefixHash(model, m.Tokens):
		return nil, errs.CacheValidation("prefix hash mismatch")
	case m.Geometry != c.geo:
		return nil, errs.CacheValidation("snapshot geometry %+v, cache geometry %+v", m.Geometry, c.geo)
	case len(m.Tokens) > c.geo.MaxContext:
		return nil, errs.CacheValidation("snapshot holds %d positions, context is %d", len(m.Tokens), c.geo.MaxContext)
	}

	n, stride := len(m.Tokens), c.geo.Stride()
	sum := sha256.New()
	row := make([]byte, 2*stride)
	keys := make([][]uint16, c.geo.Layers)
	vals := make([][]uint16, c.geo.Layers)
	for l := range c.geo.Layers {
		keys[l] = make([]uint16, n*stride)
		vals[l] = make([]uint16, n*stride)
		for _, dst := range [][]uint16{keys[l], vals[l]} {
			for p := 0; p < n; p++ {
				if _, err := io.ReadFull(r, row); err != nil {
					return nil, fmt.Errorf("read payload: %w", err)
				}
				sum.Write(row)
				for i := range stride {
					dst[p*stride+i] = binary.LittleEndian.Uint16(row[2*i:])
				}
			}
		}
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != m.Payload {
		return nil, errs.CacheValidation("payload checksum mismatch")
	}
	for l := range c.geo.Layers {
		c.k[l], c.v[l], c.filled[l] = keys[l], vals[l], n
	}
	return m.Tokens, nil
}
