// Package tokenizer converts between text and token ids using the
// vocabulary embedded in a GGUF file. Two schemes are supported: the
// sentencepiece-style scored merges of llama vocabularies and the
// byte-level BPE of gpt2-style vocabularies.
//
// Both are lossless for arbitrary byte strings when the vocabulary carries
// byte pieces: anything the vocabulary cannot spell is escaped as one
// <0xNN> token per byte (or the byte-mapped rune for BPE), and decoding
// writes those bytes back verbatim.
package tokenizer

import (
	"fmt"

	"github.com/samcharles93/picolm/internal/gguf"
)

type Tokenizer interface {
	// Encode treats text literally; control pieces appearing in it are
	// spelled out like any other text.
	Encode(text string) ([]int32, error)
	// EncodeSpecial maps literal control and user-defined pieces in text
	// onto their ids.
	EncodeSpecial(text string) ([]int32, error)
	Decode(ids []int32) (string, error)
	// TokenBytes is the raw byte rendering of one token; control tokens
	// render as nothing. Streaming callers concatenate these.
	TokenBytes(id int32) []byte
	Vocab() *Vocab
}

// New picks the scheme named by the vocabulary's model.
func New(v *Vocab) (Tokenizer, error) {
	switch v.Model {
	case "llama", "":
		return NewSPM(v), nil
	case "gpt2":
		return NewBPE(v)
	}
	return nil, fmt.Errorf("tokenizer: unsupported model %q", v.Model)
}

// FromMetadata builds the tokenizer described by a file's metadata.
func FromMetadata(kv gguf.Metadata) (Tokenizer, error) {
	v, err := VocabFromMetadata(kv)
	if err != nil {
		return nil, err
	}
	return New(v)
}

func checkID(v *Vocab, id int32) error {
	if id < 0 || int(id) >= v.Size() {
		return fmt.Errorf("tokenizer: id %d outside vocabulary of %d", id, v.Size())
	}
	return nil
}

func unknown(v *Vocab, what string) (int32, error) {
	if v.UNK != NoToken {
		return v.UNK, nil
	}
	return 0, fmt.Errorf("tokenizer: cannot encode %q and the vocabulary has no unknown token", what)
}
