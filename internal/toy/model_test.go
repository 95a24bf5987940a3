package toy

import (
	"testing"

	"github.com/samcharles93/picolm/internal/gguf"
	"github.com/samcharles93/picolm/internal/quant"
)

func TestSmallParses(t *testing.T) {
	t.Parallel()
	data, err := Encode(Small())
	if err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 3 global tensors plus 9 per layer.
	if got, want := len(f.Tensors), 3+2*9; got != want {
		t.Fatalf("tensors = %d, want %d", got, want)
	}
	if n := f.KV.Len("tokenizer.ggml.tokens"); n != 16 {
		t.Fatalf("vocabulary = %d, want 16", n)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()
	a, err := Encode(Small())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(Small())
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatal("same spec produced different images")
	}
	s := Small()
	s.Seed = 2
	c, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(c) {
		t.Fatal("different seeds produced identical images")
	}
}

func TestQuantizedKindFallsBackForNarrowRows(t *testing.T) {
	t.Parallel()
	s := Small()
	s.Hidden, s.FFN, s.Heads, s.KVHeads = 32, 64, 4, 2
	s.Kind = quant.Q8_0
	data, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	f, err := gguf.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	q, _ := f.Tensor("blk.0.attn_q.weight")
	if q.Kind != quant.Q8_0 {
		t.Fatalf("attn_q kind = %v, want Q8_0", q.Kind)
	}
	n, _ := f.Tensor("output_norm.weight")
	if n.Kind != quant.F32 {
		t.Fatalf("norm kind = %v, want F32", n.Kind)
	}
}

func TestOverrideLength(t *testing.T) {
	t.Parallel()
	s := Small()
	s.Override = map[string][]float32{"output_norm.weight": {1, 2}}
	if _, err := Encode(s); err == nil {
		t.Fatal("short override accepted")
	}
}

func TestVocabularyLayout(t *testing.T) {
	t.Parallel()
	tokens, scores, types := Vocabulary(3 + len(commonPieces) + 256 + 2)
	if tokens[1] != "<s>" || types[2] != TypeControl {
		t.Fatalf("specials = %q", tokens[:3])
	}
	b := 3 + len(commonPieces)
	if tokens[b] != "<0x00>" || tokens[b+255] != "<0xFF>" || types[b] != TypeByte {
		t.Fatalf("byte tokens at %d = %q..%q", b, tokens[b], tokens[b+255])
	}
	if tokens[len(tokens)-1] != "▁w1" {
		t.Fatalf("last filler = %q", tokens[len(tokens)-1])
	}
	if scores[3] <= scores[4] {
		t.Fatal("earlier pieces should score higher")
	}
}
