package tokenizer

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"
)

type pair struct{ a, b string }

// BPE is gpt2-style byte-level BPE: text is split by a pre-tokenizer
// pattern, each chunk's bytes are mapped onto printable runes and adjacent
// symbols merge by rank from tokenizer.ggml.merges.
type BPE struct {
	v            *Vocab
	ranks        map[pair]int
	enc          [256]string
	dec          map[rune]byte
	pattern      *regexp.Regexp
	ignoreMerges bool

	mu    sync.Mutex
	cache map[string][]int32
}

const bpeCacheLimit = 1 << 14

// Go's regexp has no lookahead, so the trailing-whitespace branch of the
// reference patterns collapses into a plain \s+.
var (
	gpt2Pattern   = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	llama3Pattern = regexp.MustCompile(`(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`)
)

var llama3Pres = []string{"llama3", "llama-v3", "llama-bpe", "falcon3", "pixtral", "smaug-bpe"}

func NewBPE(v *Vocab) (*BPE, error) {
	if len(v.Merges) == 0 {
		return nil, fmt.Errorf("tokenizer: gpt2 vocabulary without merges")
	}
	t := &BPE{
		v:       v,
		ranks:   make(map[pair]int, len(v.Merges)),
		dec:     make(map[rune]byte, 256),
		pattern: gpt2Pattern,
		cache:   map[string][]int32{},
	}
	for _, m := range v.Merges {
		a, b, ok := strings.Cut(m, " ")
		if !ok || a == "" || b == "" {
			continue
		}
		if _, dup := t.ranks[pair{a, b}]; !dup {
			t.ranks[pair{a, b}] = len(t.ranks)
		}
	}
	if slices.Contains(llama3Pres, v.Pre) {
		t.pattern = llama3Pattern
		t.ignoreMerges = true
	}
	for b, r := range byteRunes() {
		t.enc[b] = string(r)
		t.dec[r] = byte(b)
	}
	return t, nil
}

// byteRunes maps every byte to a printable rune: printable Latin-1 bytes
// map to themselves and the rest to U+0100 onwards, in byte order.
func byteRunes() [256]rune {
	var out [256]rune
	n := 0
	for b := range 256 {
		switch {
		case b >= '!' && b <= '~', b >= 0xA1 && b <= 0xAC, b >= 0xAE && b <= 0xFF:
			out[b] = rune(b)
		default:
			out[b] = rune(256 + n)
			n++
		}
	}
	return out
}

func (t *BPE) Vocab() *Vocab { return t.v }

func (t *BPE) Encode(text string) ([]int32, error) {
	return t.encode([]textPart{{text: text}})
}

func (t *BPE) EncodeSpecial(text string) ([]int32, error) {
	return t.encode(t.v.splitSpecials(text))
}

func (t *BPE) encode(parts []textPart) ([]int32, error) {
	var ids []int32
	if t.v.AddBOS {
		ids = append(ids, t.v.BOS)
	}
	for _, p := range parts {
		if p.special {
			id, _ := t.v.ID(p.text)
			ids = append(ids, id)
			continue
		}
		for _, chunk := range t.pattern.FindAllString(p.text, -1) {
			var err error
			if ids, err = t.encodeChunk(chunk, ids); err != nil {
				return nil, err
			}
		}
	}
	if t.v.AddEOS {
		ids = append(ids, t.v.EOS)
	}
	return ids, nil
}

func (t *BPE) encodeChunk(chunk string, ids []int32) ([]int32, error) {
	t.mu.Lock()
	cached, ok := t.cache[chunk]
	t.mu.Unlock()
	if ok {
		return append(ids, cached...), nil
	}

	var mapped strings.Builder
	for _, b := range []byte(chunk) {
		mapped.WriteString(t.enc[b])
	}
	var out []int32
	for _, sym := range t.merge(mapped.String()) {
		if id, ok := t.v.ID(sym); ok {
			out = append(out, id)
			continue
		}
		for _, r := range sym {
			id, ok := t.v.ID(string(r))
			if !ok {
				var err error
				if id, err = unknown(t.v, chunk); err != nil {
					return nil, err
				}
			}
			out = append(out, id)
		}
	}

	t.mu.Lock()
	if len(t.cache) >= bpeCacheLimit {
		clear(t.cache)
	}
	t.cache[chunk] = out
	t.mu.Unlock()
	return append(ids, out...), nil
}

// merge repeatedly joins the adjacent pair with the lowest rank.
func (t *BPE) merge(word string) []string {
	if t.ignoreMerges {
		if _, ok := t.v.ID(word); ok {
			return []string{word}
		}
	}
	syms := make([]string, 0, utf8.RuneCountInString(word))
	for _, r := range word {
		syms = append(syms, string(r))
	}
	for len(syms) > 1 {
		best, at := -1, -1
		for i := 0; i+1 < len(syms); i++ {
			if r, ok := t.ranks[pair{syms[i], syms[i+1]}]; ok && (best < 0 || r < best) {
				best, at = r, i
			}
		}
		if at < 0 {
			break
		}
		p := pair{syms[at], syms[at+1]}
		out := syms[:0:0]
		for i := 0; i < len(syms); i++ {
			if i+1 < len(syms) && syms[i] == p.a && syms[i+1] == p.b {
				out = append(out, p.a+p.b)
				i++
				continue
			}
			out = append(out, syms[i])
		}
		syms = out
	}
	return syms
}

func (t *BPE) TokenBytes(id int32) []byte {
	if checkID(t.v, id) != nil || t.v.IsControl(id) {
		return nil
	}
	piece := t.v.Piece(id)
	if t.v.Type(id) == TypeUserDefined {
		return []byte(piece)
	}
	out := make([]byte, 0, len(piece))
	for _, r := range piece {
		if b, ok := t.dec[r]; ok {
			out = append(out, b)
		} else {
			out = utf8.AppendRune(out, r)
		}
	}
	return out
}

func (t *BPE) Decode(ids []int32) (string, error) {
	var out []byte
	for _, id := range ids {
		if err := checkID(t.v, id); err != nil {
			return "", err
		}
		out = append(out, t.TokenBytes(id)...)
	}
	return string(out), nil
}
