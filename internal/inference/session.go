package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/grammar"
	"github.com/samcharles93/picolm/internal/kvcache"
	"github.com/samcharles93/picolm/internal/logger"
	"github.com/samcharles93/picolm/internal/logits"
	"github.com/samcharles93/picolm/internal/metrics"
	"github.com/samcharles93/picolm/internal/model"
)

var (
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionUsed is returned by a second Generate on one session.
	ErrSessionUsed = errors.New("session already generated")
)

// errAbandoned ends a generation whose consumer stopped iterating.
var errAbandoned = &errs.Error{Kind: errs.ErrCancelled, Offset: errs.NoOffset, Msg: "caller stopped iterating"}

// Step is one sampled token and the logits it was drawn from. Logits is a
// copy owned by the caller.
type Step struct {
	TokenID int32
	Logits  []float32
}

type Stats struct {
	PromptTokens    int
	ReusedTokens    int
	TokensGenerated int
	PrefillDuration time.Duration
	Duration        time.Duration
	TPS             float64
}

// StreamFunc receives the bytes of each generated token as text. A
// multi-byte character may be split across calls.
type StreamFunc func(piece string)

type Result struct {
	Text   string
	Tokens []int32
	State  State
	Stats  Stats
}

// Session runs one token sequence. Generate may be called once; Cancel is
// safe from any goroutine. Other methods must not run concurrently with
// an active generation.
type Session struct {
	id     string
	f      *Factory
	log    logger.Logger
	cache  *kvcache.Cache
	runner *model.Runner

	state     atomic.Int32
	cancelled atomic.Bool

	mu             sync.Mutex
	closed         bool
	closeRequested bool
	// tokens is the sequence whose keys and values the cache holds.
	tokens  []int32
	err     error
	stats   Stats
	kvBytes int
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the error that aborted the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Tokens returns the sequence currently held in the KV cache.
func (s *Session) Tokens() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tokens)
}

// Cancel stops generation before the next token. A session cancelled
// before Generate aborts as soon as it starts.
func (s *Session) Cancel() { s.cancelled.Store(true) }

// Generate runs prompt through the model and yields sampled tokens until a
// stop token, MaxTokens, an error or cancellation. Errors are yielded once
// as the final element. Breaking out of the loop cancels the session.
//
// A prefix of prompt already in the cache (from LoadCache) is reused; at
// least the last prompt token is always recomputed so the first sample
// has fresh logits.
func (s *Session) Generate(prompt []int32, p SampleParams) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		if err := s.begin(); err != nil {
			yield(Step{}, err)
			return
		}
		reason, err := s.run(prompt, p, yield)
		s.finish(reason, err)
		if err != nil && !errors.Is(err, errAbandoned) {
			yield(Step{}, err)
		}
	}
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if st := s.State(); st != Loaded {
		return fmt.Errorf("%w: state is %s", ErrSessionUsed, st)
	}
	s.state.Store(int32(Generating))
	return nil
}

func (p SampleParams) withDefaults() SampleParams {
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	return p
}

func cancelled(pos int) error {
	return &errs.Error{Kind: errs.ErrCancelled, Offset: errs.NoOffset, Msg: fmt.Sprintf("at position %d", pos)}
}

// run returns why generation ended.
func (s *Session) run(prompt []int32, p SampleParams, yield func(Step, error) bool) (string, error) {
	if len(prompt) == 0 {
		return "", errors.New("empty prompt")
	}
	p = p.withDefaults()
	start := time.Now()

	reuse := commonPrefix(s.tokens, prompt)
	reuse = min(reuse, len(prompt)-1)
	s.cache.Truncate(reuse)
	s.tokens = s.tokens[:reuse]
	if reuse > 0 {
		metrics.CacheRestores.WithLabelValues("reused").Inc()
		s.log.Debug("reusing cached prefix", "tokens", reuse)
	}

	var out []float32
	for pos := reuse; pos < len(prompt); pos++ {
		if s.cancelled.Load() {
			return "", cancelled(pos)
		}
		t0 := time.Now()
		var err error
		if out, err = s.runner.Forward(prompt[pos], pos); err != nil {
			return "", err
		}
		s.tokens = append(s.tokens, prompt[pos])
		metrics.Tokens.WithLabelValues("prompt").Inc()
		metrics.TokenLatency.WithLabelValues("prompt").Observe(time.Since(t0).Seconds())
	}
	s.setStats(func(st *Stats) {
		st.PromptTokens = len(prompt)
		st.ReusedTokens = reuse
		st.PrefillDuration = time.Since(start)
	})

	sampler := logits.New(p.samplerConfig())
	var (
		constraint logits.Constraint
		matcher    *grammar.Matcher
	)
	if p.JSON {
		matcher = s.f.JSONGrammar().NewMatcher(p.Stop...)
		constraint = matcher
	}
	stop := BuildStopTokens(s.f.tok.Vocab(), p.Stop)

	genStart := time.Now()
	defer func() {
		s.setStats(func(st *Stats) {
			st.Duration = time.Since(genStart)
			if secs := st.Duration.Seconds(); secs > 0 {
				st.TPS = float64(st.TokensGenerated) / secs
			}
		})
	}()
	pos := len(prompt)
	for n := 0; n < p.MaxTokens; n++ {
		if s.cancelled.Load() {
			return "", cancelled(pos)
		}
		t0 := time.Now()
		id, err := sampler.Sample(out, s.tokens, constraint)
		if err != nil {
			return "", fmt.Errorf("sample at position %d: %w", pos, err)
		}
		if matcher != nil {
			if err := matcher.Accept(id); err != nil {
				return "", err
			}
		}
		s.setStats(func(st *Stats) { st.TokensGenerated++ })
		metrics.Tokens.WithLabelValues("generate").Inc()
		if !yield(Step{TokenID: id, Logits: slices.Clone(out)}, nil) {
			return "", errAbandoned
		}
		if stop[id] {
			return "stop", nil
		}
		if n+1 == p.MaxTokens {
			break
		}
		if out, err = s.runner.Forward(id, pos); err != nil {
			return "", err
		}
		s.tokens = append(s.tokens, id)
		pos++
		metrics.TokenLatency.WithLabelValues("generate").Observe(time.Since(t0).Seconds())
	}
	return "max_tokens", nil
}

func commonPrefix(a, b []int32) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, errAbandoned):
		return "abandoned"
	case errors.Is(err, errs.ErrCancelled):
		return "cancelled"
	case errors.Is(err, errs.ErrContextOverflow):
		return "context_overflow"
	case errors.Is(err, errs.ErrDataIntegrity):
		return "data_integrity"
	case errors.Is(err, errs.ErrShapeMismatch):
		return "shape_mismatch"
	}
	return "error"
}

// finish records the final state. Every abort except a context overflow
// discards the cache; an overflowed cache is kept for inspection.
func (s *Session) finish(reason string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := Completed
	if err != nil {
		state = Aborted
		reason = abortReason(err)
		s.err = err
		if !errors.Is(err, errs.ErrContextOverflow) {
			s.cache.Release()
			s.tokens = nil
		}
	}
	s.state.Store(int32(state))
	s.trackKV()
	metrics.SessionsFinished.WithLabelValues(state.String(), reason).Inc()
	if err != nil {
		s.log.Warn("generation aborted", "reason", reason, "error", err, "positions", len(s.tokens))
	} else {
		s.log.Debug("generation completed", "reason", reason, "tokens", s.stats.TokensGenerated, "tps", s.stats.TPS)
	}
	if s.closeRequested {
		if err := s.closeLocked(); err != nil {
			s.log.Error("close session", "error", err)
		}
	}
}

func (s *Session) setStats(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Session) trackKV() {
	n := s.cache.Bytes()
	metrics.KVBytes.Add(float64(n - s.kvBytes))
	s.kvBytes = n
}

// GenerateText encodes prompt, generates, and returns the decoded output.
// Cancelling ctx cancels the session. stream may be nil.
func (s *Session) GenerateText(ctx context.Context, prompt string, p SampleParams, stream StreamFunc) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tok := s.f.tok
	ids, err := tok.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	stopWatch := context.AfterFunc(ctx, s.Cancel)
	defer stopWatch()

	res := &Result{}
	var text strings.Builder
	for st, err := range s.Generate(ids, p) {
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && errors.Is(err, errs.ErrCancelled) {
				err = fmt.Errorf("%w: %w", err, cause)
			}
			res.Text, res.State, res.Stats = text.String(), s.State(), s.Stats()
			return res, err
		}
		res.Tokens = append(res.Tokens, st.TokenID)
		piece := tok.TokenBytes(st.TokenID)
		text.Write(piece)
		if stream != nil && len(piece) > 0 {
			stream(string(piece))
		}
	}
	res.Text, res.State, res.Stats = text.String(), s.State(), s.Stats()
	return res, nil
}

// SaveCache writes the cached keys and values with the token prefix they
// cover.
func (s *Session) SaveCache(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.State() == Generating:
		return errors.New("save cache: session is generating")
	case s.cache.Released():
		return fmt.Errorf("save cache: cache discarded after %s", s.State())
	}
	if err := s.cache.Save(w, s.f.model.Identity(), s.tokens); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	s.log.Debug("kv cache saved", "tokens", len(s.tokens))
	return nil
}

// LoadCache restores a snapshot written by SaveCache for the same model
// and returns the prefix it covers. It is only valid before Generate. A
// snapshot that fails validation leaves the cache empty.
func (s *Session) LoadCache(r io.Reader) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if st := s.State(); st != Loaded {
		return nil, fmt.Errorf("load cache: session is %s", st)
	}
	tokens, err := s.cache.Load(r, s.f.model.Identity())
	if err != nil {
		s.tokens = nil
		metrics.CacheRestores.WithLabelValues("invalid").Inc()
		s.log.Warn("kv cache rejected", "error", err)
		return nil, err
	}
	s.tokens = tokens
	s.trackKV()
	metrics.CacheRestores.WithLabelValues("hit").Inc()
	s.log.Debug("kv cache restored", "tokens", len(tokens))
	return slices.Clone(tokens), nil
}

// Close releases the cache and the session's model reference. Closing an
// active generation cancels it; the release happens when it stops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.closeRequested {
		return nil
	}
	if s.State() == Generating {
		s.closeRequested = true
		s.cancelled.Store(true)
		return nil
	}
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	s.closed = true
	s.cache.Release()
	s.tokens = nil
	s.trackKV()
	metrics.SessionsActive.Dec()
	s.log.Debug("session closed")
	return s.f.release()
}
