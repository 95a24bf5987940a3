package inference

import (
	"strings"

	"github.com/samcharles93/picolm/internal/tokenizer"
)

// chatTerminators are turn-end pieces some vocabularies carry without
// listing them as end-of-text tokens.
var chatTerminators = []string{"<|im_end|>", "<|eot_id|>", "<|end|>", "<end_of_turn>"}

// BuildStopTokens returns the ids that end generation: the vocabulary's
// end-of-generation tokens, known chat terminators it contains, and extra.
func BuildStopTokens(v *tokenizer.Vocab, extra []int32) map[int32]bool {
	stop := make(map[int32]bool, 4+len(extra))
	if v.EOS != tokenizer.NoToken {
		stop[v.EOS] = true
	}
	for _, id := range v.EOT {
		stop[id] = true
	}
	for _, piece := range chatTerminators {
		if id, ok := v.ID(piece); ok && v.Type(id) != tokenizer.TypeNormal {
			stop[id] = true
		}
	}
	// Older llama vocabularies put </s> at 2 without naming it.
	if v.EOS == tokenizer.NoToken && v.Size() > 2 && strings.EqualFold(strings.TrimSpace(v.Piece(2)), "</s>") {
		stop[2] = true
	}
	for _, id := range extra {
		stop[id] = true
	}
	return stop
}
