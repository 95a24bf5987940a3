package tokenizer

import (
	"container/heap"
	"fmt"
	"strings"
	"unicode/utf8"
)

const spaceMarker = "▁"

// SPM merges adjacent symbols greedily by vocabulary score. Spaces are
// written as ▁ and, when the vocabulary asks for it, a space is prefixed to
// the text so the first word encodes like every other.
type SPM struct {
	v     *Vocab
	bytes [256]int32
}

func NewSPM(v *Vocab) *SPM {
	t := &SPM{v: v}
	for b := range t.bytes {
		t.bytes[b] = NoToken
		if id, ok := v.ID(fmt.Sprintf("<0x%02X>", b)); ok {
			t.bytes[b] = id
		}
	}
	return t
}

func (t *SPM) Vocab() *Vocab { return t.v }

func (t *SPM) Encode(text string) ([]int32, error) {
	return t.encode([]textPart{{text: text}})
}

func (t *SPM) EncodeSpecial(text string) ([]int32, error) {
	return t.encode(t.v.splitSpecials(text))
}

func (t *SPM) encode(parts []textPart) ([]int32, error) {
	var ids []int32
	if t.v.AddBOS {
		ids = append(ids, t.v.BOS)
	}
	for i, p := range parts {
		if p.special {
			id, _ := t.v.ID(p.text)
			ids = append(ids, id)
			continue
		}
		text := p.text
		if i == 0 && t.v.AddSpacePrefix && text != "" {
			text = " " + text
		}
		var err error
		if ids, err = t.encodeText(strings.ReplaceAll(text, " ", spaceMarker), ids); err != nil {
			return nil, err
		}
	}
	if t.v.AddEOS {
		ids = append(ids, t.v.EOS)
	}
	return ids, nil
}

type symbol struct {
	start, end int
	prev, next int
}

type bigram struct {
	left, right int
	score       float32
	size        int
}

type bigramQueue []bigram

func (q bigramQueue) Len() int { return len(q) }
func (q bigramQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	return q[i].left < q[j].left
}
func (q bigramQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *bigramQueue) Push(x any)   { *q = append(*q, x.(bigram)) }
func (q *bigramQueue) Pop() any {
	old := *q
	b := old[len(old)-1]
	*q = old[:len(old)-1]
	return b
}

func (t *SPM) encodeText(s string, ids []int32) ([]int32, error) {
	if s == "" {
		return ids, nil
	}
	// Invalid UTF-8 decodes one byte at a time and ends up byte-escaped.
	var syms []symbol
	for i := 0; i < len(s); {
		_, n := utf8.DecodeRuneInString(s[i:])
		syms = append(syms, symbol{start: i, end: i + n, prev: len(syms) - 1, next: len(syms) + 1})
		i += n
	}
	syms[len(syms)-1].next = -1

	q := &bigramQueue{}
	try := func(l, r int) {
		if l < 0 || r < 0 {
			return
		}
		piece := s[syms[l].start:syms[r].end]
		if id, ok := t.v.ID(piece); ok {
			heap.Push(q, bigram{left: l, right: r, score: t.v.Score(id), size: len(piece)})
		}
	}
	for i := 1; i < len(syms); i++ {
		try(i-1, i)
	}
	for q.Len() > 0 {
		b := heap.Pop(q).(bigram)
		l, r := &syms[b.left], &syms[b.right]
		ln, rn := l.end-l.start, r.end-r.start
		if ln == 0 || rn == 0 || ln+rn != b.size {
			continue
		}
		l.end = r.end
		r.start = r.end
		l.next = r.next
		if r.next >= 0 {
			syms[r.next].prev = b.left
		}
		try(l.prev, b.left)
		try(b.left, l.next)
	}

	for i := 0; i >= 0; i = syms[i].next {
		piece := s[syms[i].start:syms[i].end]
		if id, ok := t.v.ID(piece); ok {
			ids = append(ids, id)
			continue
		}
		raw := piece
		if raw == spaceMarker {
			raw = " "
		}
		for _, c := range []byte(raw) {
			id := t.bytes[c]
			if id == NoToken {
				var err error
				if id, err = unknown(t.v, piece); err != nil {
					return nil, err
				}
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *SPM) TokenBytes(id int32) []byte {
	if checkID(t.v, id) != nil || t.v.IsControl(id) {
		return nil
	}
	piece := t.v.Piece(id)
	if t.v.Type(id) == TypeByte {
		if b, ok := parseByte(piece); ok {
			return []byte{b}
		}
	}
	return []byte(strings.ReplaceAll(piece, spaceMarker, " "))
}

// Decode concatenates token bytes, dropping the space the encoder prefixed.
func (t *SPM) Decode(ids []int32) (string, error) {
	var out []byte
	first := true
	for _, id := range ids {
		if err := checkID(t.v, id); err != nil {
			return "", err
		}
		b := t.TokenBytes(id)
		if len(b) == 0 {
			continue
		}
		if first && t.v.AddSpacePrefix && b[0] == ' ' {
			b = b[1:]
		}
		first = false
		out = append(out, b...)
	}
	return string(out), nil
}

// parseByte reads a <0xNN> piece.
func parseByte(p string) (byte, bool) {
	if len(p) != 6 || !strings.HasPrefix(p, "<0x") || p[5] != '>' {
		return 0, false
	}
	var b byte
	for _, c := range p[3:5] {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = byte(c - '0')
		case c >= 'A' && c <= 'F':
			d = byte(c-'A') + 10
		case c >= 'a' && c <= 'f':
			d = byte(c-'a') + 10
		default:
			return 0, false
		}
		b = b<<4 | d
	}
	return b, true
}
