// Package toy builds small synthetic llama-architecture GGUF models with
// seeded random weights. They exercise the whole loading and forward path
// in tests, benchmarks and the CLI without a real model file.
package toy

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/samcharles93/picolm/internal/gguf"
	"github.com/samcharles93/picolm/internal/quant"
)

// Spec describes the model to synthesize.
type Spec struct {
	Name    string
	Layers  int
	Hidden  int
	Heads   int
	KVHeads int
	FFN     int
	Vocab   int
	Context int
	// Kind encodes the projection matrices. Matrices whose rows do not
	// divide into Kind's blocks are stored as F32.
	Kind     quant.Kind
	Tied     bool
	Seed     uint64
	RopeBase float32
	// Override replaces the generated values of the named tensors. Values
	// are in GGUF order, row-major with the fastest dimension first.
	Override map[string][]float32
}

// Small is the two-layer, hidden 8, vocabulary 16 model used across tests.
func Small() Spec {
	return Spec{
		Name:    "toy-small",
		Layers:  2,
		Hidden:  8,
		Heads:   2,
		KVHeads: 1,
		FFN:     16,
		Vocab:   16,
		Context: 64,
		Kind:    quant.F32,
		Seed:    1,
	}
}

func (s Spec) validate() error {
	switch {
	case s.Layers <= 0, s.Hidden <= 0, s.Heads <= 0, s.FFN <= 0, s.Context <= 0:
		return fmt.Errorf("toy: non-positive dimension in %+v", s)
	case s.Vocab < 3:
		return fmt.Errorf("toy: vocabulary of %d cannot hold the special tokens", s.Vocab)
	case s.KVHeads <= 0 || s.Heads%s.KVHeads != 0:
		return fmt.Errorf("toy: %d heads over %d kv heads", s.Heads, s.KVHeads)
	case s.Hidden%s.Heads != 0 || (s.Hidden/s.Heads)%2 != 0:
		return fmt.Errorf("toy: hidden %d does not split into even heads of %d", s.Hidden, s.Heads)
	}
	return nil
}

// Build assembles the model in a gguf.Writer.
func Build(s Spec) (*gguf.Writer, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.RopeBase == 0 {
		s.RopeBase = 10000
	}
	if s.Name == "" {
		s.Name = "toy"
	}
	w := gguf.NewWriter()
	w.Set("general.architecture", "llama")
	w.Set("general.name", s.Name)
	w.Set("general.file_type", uint32(s.Kind))
	w.Set("llama.block_count", uint32(s.Layers))
	w.Set("llama.context_length", uint32(s.Context))
	w.Set("llama.embedding_length", uint32(s.Hidden))
	w.Set("llama.feed_forward_length", uint32(s.FFN))
	w.Set("llama.attention.head_count", uint32(s.Heads))
	w.Set("llama.attention.head_count_kv", uint32(s.KVHeads))
	w.Set("llama.attention.layer_norm_rms_epsilon", float32(1e-5))
	w.Set("llama.rope.freq_base", s.RopeBase)

	tokens, scores, types := Vocabulary(s.Vocab)
	w.Set("tokenizer.ggml.model", "llama")
	w.Set("tokenizer.ggml.tokens", tokens)
	w.Set("tokenizer.ggml.scores", scores)
	w.Set("tokenizer.ggml.token_type", types)
	w.Set("tokenizer.ggml.unknown_token_id", uint32(0))
	w.Set("tokenizer.ggml.bos_token_id", uint32(1))
	w.Set("tokenizer.ggml.eos_token_id", uint32(2))
	w.Set("tokenizer.ggml.add_bos_token", true)

	b := builder{w: w, spec: s, rng: rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))}
	headDim := s.Hidden / s.Heads
	qDim, kvDim := s.Heads*headDim, s.KVHeads*headDim
	b.matrix("token_embd.weight", s.Hidden, s.Vocab)
	b.norm("output_norm.weight", s.Hidden)
	if !s.Tied {
		b.matrix("output.weight", s.Hidden, s.Vocab)
	}
	for l := range s.Layers {
		name := func(t string) string { return fmt.Sprintf("blk.%d.%s.weight", l, t) }
		b.norm(name("attn_norm"), s.Hidden)
		b.matrix(name("attn_q"), s.Hidden, qDim)
		b.matrix(name("attn_k"), s.Hidden, kvDim)
		b.matrix(name("attn_v"), s.Hidden, kvDim)
		b.matrix(name("attn_output"), qDim, s.Hidden)
		b.norm(name("ffn_norm"), s.Hidden)
		b.matrix(name("ffn_gate"), s.Hidden, s.FFN)
		b.matrix(name("ffn_up"), s.Hidden, s.FFN)
		b.matrix(name("ffn_down"), s.FFN, s.Hidden)
	}
	if b.err != nil {
		return nil, b.err
	}
	return w, nil
}

// Encode returns the model as a GGUF image.
func Encode(s Spec) ([]byte, error) {
	w, err := Build(s)
	if err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// WriteFile writes the model to path.
func WriteFile(path string, s Spec) error {
	w, err := Build(s)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

type builder struct {
	w    *gguf.Writer
	spec Spec
	rng  *rand.Rand
	err  error
}

func (b *builder) values(name string, n int, gen func() float32) []float32 {
	if v, ok := b.spec.Override[name]; ok {
		if len(v) != n && b.err == nil {
			b.err = fmt.Errorf("toy: override %s has %d values, want %d", name, len(v), n)
		}
		return v
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = gen()
	}
	return out
}

func (b *builder) add(name string, kind quant.Kind, vals []float32, dims ...uint64) {
	if b.err != nil {
		return
	}
	data, err := quant.Quantize(kind, vals)
	if err == nil {
		err = b.w.AddTensor(name, kind, dims, data)
	}
	if err != nil {
		b.err = fmt.Errorf("toy: %s: %w", name, err)
	}
}

func (b *builder) matrix(name string, cols, rows int) {
	bound := float32(1 / math.Sqrt(float64(cols)))
	vals := b.values(name, cols*rows, func() float32 { return (b.rng.Float32()*2 - 1) * bound })
	kind := b.spec.Kind
	if cols%kind.BlockElems() != 0 {
		kind = quant.F32
	}
	b.add(name, kind, vals, uint64(cols), uint64(rows))
}

func (b *builder) norm(name string, n int) {
	vals := b.values(name, n, func() float32 { return 1 + (b.rng.Float32()-0.5)*0.2 })
	b.add(name, quant.F32, vals, uint64(n))
}

// Token types as stored in tokenizer.ggml.token_type.
const (
	TypeNormal  int32 = 1
	TypeUnknown int32 = 2
	TypeControl int32 = 3
	TypeByte    int32 = 6
)

var commonPieces = []string{
	"▁", "e", "t", "a", "o", "n", "i", "s", "r", "h", "l", "d",
	"▁t", "he", "▁the", "in", "er", "an", "▁a", "on", "re", "▁s",
	"at", "en", "▁o", "is", "▁w", "ll", "▁he", "▁hell", "▁hello", "or",
	"▁wor", "▁worl", "▁world", "{", "}",
	"\"", ":", ",", "[", "]", "▁{", "▁\"", "0", "1", "true", "null",
}

// Vocabulary returns an n-entry sentencepiece-style vocabulary: the three
// specials, common pieces, then byte tokens <0x00>.. while room remains,
// then filler words. Earlier pieces carry higher scores.
func Vocabulary(n int) (tokens []string, scores []float32, types []int32) {
	add := func(piece string, typ int32) {
		if len(tokens) < n {
			tokens = append(tokens, piece)
			scores = append(scores, -float32(len(tokens)))
			types = append(types, typ)
		}
	}
	add("<unk>", TypeUnknown)
	add("<s>", TypeControl)
	add("</s>", TypeControl)
	for _, p := range commonPieces {
		add(p, TypeNormal)
	}
	for c := range 256 {
		add(fmt.Sprintf("<0x%02X>", c), TypeByte)
	}
	for i := 0; len(tokens) < n; i++ {
		add(fmt.Sprintf("▁w%d", i), TypeNormal)
	}
	for i := range min(3, len(scores)) {
		scores[i] = 0
	}
	return tokens, scores, types
}
