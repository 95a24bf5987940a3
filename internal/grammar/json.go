// Package grammar constrains sampling so generated text stays inside a
// language. JSON is the supported language: a byte-level pushdown automaton
// for RFC 8259 documents whose per-state token masks are computed once and
// memoized.
package grammar

import (
	"fmt"
	"math"
	"slices"
	"sync"
)

// MaxDepth bounds container nesting.
const MaxDepth = 128

// Numbers are limited to MaxIntDigits integer digits, MaxFracDigits
// fraction digits and MaxExpDigits exponent digits so every accepted number
// parses as a finite float64.
const (
	MaxIntDigits  = 18
	MaxFracDigits = 64
	MaxExpDigits  = 2
)

type mode uint8

const (
	mValue       mode = iota // a value must start
	mArrayFirst              // after '[': a value or ']'
	mObjectFirst             // after '{': a key or '}'
	mKey                     // after ',' in an object
	mColon                   // after a key
	mAfter                   // after a value
	mString
	mEscape
	mHex
	mLiteral
	mMinus
	mZero
	mInt
	mDot
	mFrac
	mExp
	mExpSign
	mExpDigits
)

type frame uint8

const (
	frameNone frame = iota
	frameObject
	frameArray
)

// lex is the lexical position. n counts pending UTF-8 continuation bytes
// in strings, remaining hex digits in \u escapes, the next byte index in
// literals and the digits seen so far in number parts.
type lex struct {
	mode mode
	key  bool
	n    uint8
	lit  uint8
}

var literals = [...]string{"true", "false", "null"}

type verdict uint8

const (
	accept verdict = iota
	reject
	// deep means the bytes need the frame below the known top.
	deep
)

func isWS(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isHex(b byte) bool {
	return isDigit(b) || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// step advances over one byte. parentUnknown marks that frames exist below
// st which the caller cannot see.
func step(l lex, st []frame, b byte, parentUnknown bool, limit int) (lex, []frame, verdict) {
	switch l.mode {
	case mString:
		if l.n > 0 {
			if b&0xC0 != 0x80 {
				return l, st, reject
			}
			l.n--
			return l, st, accept
		}
		switch {
		case b == '"':
			if l.key {
				return lex{mode: mColon}, st, accept
			}
			return lex{mode: mAfter}, st, accept
		case b == '\\':
			l.mode = mEscape
		case b < 0x20:
			return l, st, reject
		case b < 0x80:
		case b >= 0xC2 && b <= 0xDF:
			l.n = 1
		case b >= 0xE0 && b <= 0xEF:
			l.n = 2
		case b >= 0xF0 && b <= 0xF4:
			l.n = 3
		default:
			return l, st, reject
		}
		return l, st, accept

	case mEscape:
		switch b {
		case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
			l.mode = mString
		case 'u':
			l.mode, l.n = mHex, 4
		default:
			return l, st, reject
		}
		return l, st, accept

	case mHex:
		if !isHex(b) {
			return l, st, reject
		}
		if l.n--; l.n == 0 {
			l.mode = mString
		}
		return l, st, accept

	case mLiteral:
		lit := literals[l.lit]
		if b != lit[l.n] {
			return l, st, reject
		}
		if l.n++; int(l.n) == len(lit) {
			return lex{mode: mAfter}, st, accept
		}
		return l, st, accept

	case mValue, mArrayFirst:
		if isWS(b) {
			return l, st, accept
		}
		if l.mode == mArrayFirst && b == ']' {
			return lex{mode: mAfter}, st[:len(st)-1], accept
		}
		return startValue(st, b, limit)

	case mObjectFirst, mKey:
		switch {
		case isWS(b):
			return l, st, accept
		case b == '"':
			return lex{mode: mString, key: true}, st, accept
		case b == '}' && l.mode == mObjectFirst:
			return lex{mode: mAfter}, st[:len(st)-1], accept
		}
		return l, st, reject

	case mColon:
		switch {
		case isWS(b):
			return l, st, accept
		case b == ':':
			return lex{mode: mValue}, st, accept
		}
		return l, st, reject

	case mAfter:
		if isWS(b) {
			return l, st, accept
		}
		if len(st) == 0 {
			if parentUnknown {
				return l, st, deep
			}
			return l, st, reject
		}
		top := st[len(st)-1]
		switch {
		case b == ',' && top == frameObject:
			return lex{mode: mKey}, st, accept
		case b == ',':
			return lex{mode: mValue}, st, accept
		case b == '}' && top == frameObject, b == ']' && top == frameArray:
			return lex{mode: mAfter}, st[:len(st)-1], accept
		}
		return l, st, reject
	}
	return number(l, st, b, parentUnknown, limit)
}

func startValue(st []frame, b byte, limit int) (lex, []frame, verdict) {
	switch {
	case b == '{' || b == '[':
		if len(st) >= limit {
			return lex{}, st, reject
		}
		if b == '{' {
			return lex{mode: mObjectFirst}, append(st, frameObject), accept
		}
		return lex{mode: mArrayFirst}, append(st, frameArray), accept
	case b == '"':
		return lex{mode: mString}, st, accept
	case b == '-':
		return lex{mode: mMinus}, st, accept
	case b == '0':
		return lex{mode: mZero}, st, accept
	case b >= '1' && b <= '9':
		return lex{mode: mInt, n: 1}, st, accept
	}
	for i, lit := range literals {
		if b == lit[0] {
			return lex{mode: mLiteral, lit: uint8(i), n: 1}, st, accept
		}
	}
	return lex{}, st, reject
}

// number handles the number modes. A byte that cannot extend a finished
// number ends it and is reprocessed after the value.
func number(l lex, st []frame, b byte, parentUnknown bool, limit int) (lex, []frame, verdict) {
	next := func(m mode) (lex, []frame, verdict) { return lex{mode: m}, st, accept }
	digit := func(m mode, n uint8, most int) (lex, []frame, verdict) {
		if int(n) >= most {
			return l, st, reject
		}
		return lex{mode: m, n: n + 1}, st, accept
	}
	switch l.mode {
	case mMinus:
		switch {
		case b == '0':
			return next(mZero)
		case isDigit(b):
			return digit(mInt, 0, MaxIntDigits)
		}
		return l, st, reject
	case mZero, mInt:
		switch {
		case isDigit(b) && l.mode == mInt:
			return digit(mInt, l.n, MaxIntDigits)
		case b == '.':
			return next(mDot)
		case b == 'e' || b == 'E':
			return next(mExp)
		}
	case mDot:
		if isDigit(b) {
			return digit(mFrac, 0, MaxFracDigits)
		}
		return l, st, reject
	case mFrac:
		switch {
		case isDigit(b):
			return digit(mFrac, l.n, MaxFracDigits)
		case b == 'e' || b == 'E':
			return next(mExp)
		}
	case mExp:
		switch {
		case b == '+' || b == '-':
			return next(mExpSign)
		case isDigit(b):
			return digit(mExpDigits, 0, MaxExpDigits)
		}
		return l, st, reject
	case mExpSign:
		if isDigit(b) {
			return digit(mExpDigits, 0, MaxExpDigits)
		}
		return l, st, reject
	case mExpDigits:
		if isDigit(b) {
			return digit(mExpDigits, l.n, MaxExpDigits)
		}
	default:
		return l, st, reject
	}
	return step(lex{mode: mAfter}, st, b, parentUnknown, limit)
}

// finished reports whether l may end the value it is in.
func (l lex) finished() bool {
	switch l.mode {
	case mAfter, mZero, mInt, mFrac, mExpDigits:
		return true
	}
	return false
}

// tag is the memoization key: the lexical state and the frame enclosing
// it, plus whether further frames lie below that one.
type tag struct {
	lex    lex
	top    frame
	parent bool
}

type mask struct {
	allow []uint64
	deep  []int32
}

// JSON is the compiled grammar for one vocabulary. It is safe for
// concurrent use; each generation uses its own Matcher.
type JSON struct {
	tokens [][]byte
	eos    map[int32]bool
	maxLen int

	mu    sync.Mutex
	masks map[tag]*mask
}

// NewJSON compiles the grammar over tokens, the byte rendering of every
// vocabulary id. Ids in eos end generation and are eligible only once a
// complete document has been produced; other empty tokens are never
// eligible.
func NewJSON(tokens [][]byte, eos []int32) *JSON {
	g := &JSON{tokens: tokens, eos: map[int32]bool{}, masks: map[tag]*mask{}}
	for _, id := range eos {
		g.eos[id] = true
	}
	for _, t := range tokens {
		g.maxLen = max(g.maxLen, len(t))
	}
	return g
}

// Size is the vocabulary size the grammar was compiled for.
func (g *JSON) Size() int { return len(g.tokens) }

// Memoized reports how many tagged states have a computed mask.
func (g *JSON) Memoized() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.masks)
}

func (g *JSON) mask(t tag) *mask {
	g.mu.Lock()
	m, ok := g.masks[t]
	g.mu.Unlock()
	if ok {
		return m
	}
	m = &mask{allow: make([]uint64, (len(g.tokens)+63)/64)}
	var base []frame
	if t.top != frameNone {
		base = []frame{t.top}
	}
	stack := make([]frame, 0, 8)
	for id, b := range g.tokens {
		if len(b) == 0 || g.eos[int32(id)] {
			continue
		}
		switch run(t.lex, append(stack[:0], base...), b, t.parent, math.MaxInt) {
		case accept:
			m.allow[id>>6] |= 1 << (id & 63)
		case deep:
			m.deep = append(m.deep, int32(id))
		}
	}
	g.mu.Lock()
	if prev, ok := g.masks[t]; ok {
		m = prev
	} else {
		g.masks[t] = m
	}
	g.mu.Unlock()
	return m
}

func run(l lex, st []frame, b []byte, parentUnknown bool, limit int) verdict {
	for _, c := range b {
		var v verdict
		if l, st, v = step(l, st, c, parentUnknown, limit); v != accept {
			return v
		}
	}
	return accept
}

// Matcher tracks one generation's position in the grammar.
type Matcher struct {
	g     *JSON
	lex   lex
	stack []frame
	done  bool
	allow []uint64
	// stop holds caller ids that end generation like the grammar's eos.
	stop []int32
}

// NewMatcher starts a document. Ids in stop end generation and, like the
// grammar's eos ids, are eligible only once the document is complete; ids
// outside the vocabulary are ignored.
func (g *JSON) NewMatcher(stop ...int32) *Matcher {
	m := &Matcher{g: g, lex: lex{mode: mValue}}
	for _, id := range stop {
		if id >= 0 && int(id) < len(g.tokens) && !g.eos[id] && !slices.Contains(m.stop, id) {
			m.stop = append(m.stop, id)
		}
	}
	return m
}

func (m *Matcher) ends(id int32) bool {
	return m.g.eos[id] || slices.Contains(m.stop, id)
}

// Complete reports whether the bytes accepted so far form one whole
// document.
func (m *Matcher) Complete() bool { return len(m.stack) == 0 && m.lex.finished() }

// Done reports whether an end-of-generation token has been accepted.
func (m *Matcher) Done() bool { return m.done }

func (m *Matcher) tag() tag {
	t := tag{lex: m.lex}
	if n := len(m.stack); n > 0 {
		t.top = m.stack[n-1]
		t.parent = n > 1
	}
	return t
}

// allows runs token id against the full stack without changing m.
func (m *Matcher) allows(id int32) bool {
	b := m.g.tokens[id]
	if len(b) == 0 {
		return false
	}
	st := append(make([]frame, 0, len(m.stack)+4), m.stack...)
	return run(m.lex, st, b, false, MaxDepth) == accept
}

// Apply sets the logits of every token the grammar rejects to -Inf.
func (m *Matcher) Apply(logits []float32) error {
	if len(logits) != len(m.g.tokens) {
		return fmt.Errorf("grammar: %d logits for a vocabulary of %d", len(logits), len(m.g.tokens))
	}
	if m.done {
		return fmt.Errorf("grammar: generation already ended")
	}
	words := (len(logits) + 63) / 64
	if cap(m.allow) < words {
		m.allow = make([]uint64, words)
	}
	allow := m.allow[:words]
	if len(m.stack)+m.g.maxLen >= MaxDepth {
		// Close to the nesting limit the memoized masks may admit tokens
		// that overflow it, so every token is checked against the stack.
		clear(allow)
		for id := range m.g.tokens {
			if !m.g.eos[int32(id)] && m.allows(int32(id)) {
				allow[id>>6] |= 1 << (id & 63)
			}
		}
	} else {
		ms := m.g.mask(m.tag())
		copy(allow, ms.allow)
		for _, id := range ms.deep {
			if m.allows(id) {
				allow[id>>6] |= 1 << (id & 63)
			}
		}
	}
	complete := m.Complete()
	mark := func(id int32) {
		if complete {
			allow[id>>6] |= 1 << (id & 63)
		} else {
			allow[id>>6] &^= 1 << (id & 63)
		}
	}
	for id := range m.g.eos {
		mark(id)
	}
	for _, id := range m.stop {
		mark(id)
	}
	for i := range logits {
		if allow[i>>6]&(1<<(i&63)) == 0 {
			logits[i] = float32(math.Inf(-1))
		}
	}
	return nil
}

// Accept advances over token id.
func (m *Matcher) Accept(id int32) error {
	if id < 0 || int(id) >= len(m.g.tokens) {
		return fmt.Errorf("grammar: token %d outside vocabulary", id)
	}
	if m.done {
		return fmt.Errorf("grammar: token %d after end of generation", id)
	}
	if m.ends(id) {
		if !m.Complete() {
			return fmt.Errorf("grammar: end of generation inside an incomplete document")
		}
		m.done = true
		return nil
	}
	b := m.g.tokens[id]
	if len(b) == 0 {
		return fmt.Errorf("grammar: token %d has no text", id)
	}
	return m.AcceptBytes(b)
}

// AcceptBytes advances over raw bytes. On error m is unchanged.
func (m *Matcher) AcceptBytes(b []byte) error {
	l := m.lex
	st := append(make([]frame, 0, len(m.stack)+4), m.stack...)
	for i, c := range b {
		var v verdict
		if l, st, v = step(l, st, c, false, MaxDepth); v != accept {
			return fmt.Errorf("grammar: byte %q at %d of %q not valid JSON here", c, i, b)
		}
	}
	m.lex, m.stack = l, st
	return nil
}
