package tokenizer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/picolm/internal/gguf"
)

// TokenType mirrors tokenizer.ggml.token_type.
type TokenType int32

const (
	TypeUndefined   TokenType = 0
	TypeNormal      TokenType = 1
	TypeUnknown     TokenType = 2
	TypeControl     TokenType = 3
	TypeUserDefined TokenType = 4
	TypeUnused      TokenType = 5
	TypeByte        TokenType = 6
)

// NoToken marks an absent special token id.
const NoToken int32 = -1

// Vocab is the immutable id/piece table read from model metadata.
type Vocab struct {
	Model  string
	Pre    string
	Pieces []string
	Scores []float32
	Types  []TokenType
	Merges []string

	BOS, EOS, UNK, PAD int32
	// EOT lists additional ids that end generation, such as <|eot_id|>.
	EOT            []int32
	AddBOS         bool
	AddEOS         bool
	AddSpacePrefix bool

	index    map[string]int32
	specials []string // control and user-defined pieces, longest first
}

// NewVocab indexes pieces. scores and types may be nil.
func NewVocab(model string, pieces []string, scores []float32, types []TokenType) (*Vocab, error) {
	if len(pieces) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}
	if scores != nil && len(scores) != len(pieces) {
		return nil, fmt.Errorf("tokenizer: %d scores for %d pieces", len(scores), len(pieces))
	}
	if types != nil && len(types) != len(pieces) {
		return nil, fmt.Errorf("tokenizer: %d token types for %d pieces", len(types), len(pieces))
	}
	v := &Vocab{
		Model:  model,
		Pieces: pieces,
		Scores: scores,
		Types:  types,
		BOS:    NoToken, EOS: NoToken, UNK: NoToken, PAD: NoToken,
		index: make(map[string]int32, len(pieces)),
	}
	for i, p := range pieces {
		if _, dup := v.index[p]; !dup {
			v.index[p] = int32(i)
		}
		if t := v.Type(int32(i)); t == TypeControl || t == TypeUserDefined {
			if p != "" {
				v.specials = append(v.specials, p)
			}
		}
	}
	slices.SortStableFunc(v.specials, func(a, b string) int { return len(b) - len(a) })
	return v, nil
}

// VocabFromMetadata reads the tokenizer.ggml.* keys.
func VocabFromMetadata(kv gguf.Metadata) (*Vocab, error) {
	pieces, ok := gguf.Array[string](kv, "tokenizer.ggml.tokens")
	if !ok {
		return nil, fmt.Errorf("tokenizer: missing tokenizer.ggml.tokens")
	}
	model, _ := kv.Str("tokenizer.ggml.model")
	scores, _ := gguf.Array[float32](kv, "tokenizer.ggml.scores")
	var types []TokenType
	if raw, ok := gguf.Array[int32](kv, "tokenizer.ggml.token_type"); ok {
		types = make([]TokenType, len(raw))
		for i, t := range raw {
			types[i] = TokenType(t)
		}
	}
	v, err := NewVocab(model, pieces, scores, types)
	if err != nil {
		return nil, err
	}
	v.Pre, _ = kv.Str("tokenizer.ggml.pre")
	v.Merges, _ = gguf.Array[string](kv, "tokenizer.ggml.merges")
	id := func(key string) int32 {
		if n, ok := kv.Uint(key); ok && n < uint64(len(pieces)) {
			return int32(n)
		}
		return NoToken
	}
	v.BOS = id("tokenizer.ggml.bos_token_id")
	v.EOS = id("tokenizer.ggml.eos_token_id")
	v.UNK = id("tokenizer.ggml.unknown_token_id")
	v.PAD = id("tokenizer.ggml.padding_token_id")
	if e := id("tokenizer.ggml.eot_token_id"); e != NoToken {
		v.EOT = append(v.EOT, e)
	}
	for _, p := range []string{"<|eot_id|>", "<|im_end|>", "<|end|>", "<end_of_turn>"} {
		if e, ok := v.ID(p); ok && !slices.Contains(v.EOT, e) {
			v.EOT = append(v.EOT, e)
		}
	}
	if v.UNK == NoToken {
		if u, ok := v.ID("<unk>"); ok {
			v.UNK = u
		}
	}
	v.AddBOS = v.BOS != NoToken
	if b, ok := kv.Bool("tokenizer.ggml.add_bos_token"); ok {
		v.AddBOS = b && v.BOS != NoToken
	}
	if b, ok := kv.Bool("tokenizer.ggml.add_eos_token"); ok {
		v.AddEOS = b && v.EOS != NoToken
	}
	v.AddSpacePrefix = model != "gpt2"
	if b, ok := kv.Bool("tokenizer.ggml.add_space_prefix"); ok {
		v.AddSpacePrefix = b
	}
	return v, nil
}

func (v *Vocab) Size() int { return len(v.Pieces) }

func (v *Vocab) ID(piece string) (int32, bool) {
	id, ok := v.index[piece]
	return id, ok
}

func (v *Vocab) Piece(id int32) string {
	if id < 0 || int(id) >= len(v.Pieces) {
		return ""
	}
	return v.Pieces[id]
}

func (v *Vocab) Score(id int32) float32 {
	if v.Scores == nil || id < 0 || int(id) >= len(v.Scores) {
		return 0
	}
	return v.Scores[id]
}

func (v *Vocab) Type(id int32) TokenType {
	if v.Types == nil || id < 0 || int(id) >= len(v.Types) {
		return TypeNormal
	}
	return v.Types[id]
}

// IsControl reports whether id renders as no text.
func (v *Vocab) IsControl(id int32) bool {
	switch v.Type(id) {
	case TypeControl, TypeUnused:
		return true
	}
	return id == v.BOS || id == v.EOS
}

// EndOfGeneration reports whether sampling id should stop generation.
func (v *Vocab) EndOfGeneration(id int32) bool {
	return id != NoToken && (id == v.EOS || slices.Contains(v.EOT, id))
}

type textPart struct {
	text    string
	special bool
}

// splitSpecials cuts text around literal occurrences of control and
// user-defined pieces, preferring the longest match at each position.
func (v *Vocab) splitSpecials(text string) []textPart {
	if len(v.specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range v.specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if start < i {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, special: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}
