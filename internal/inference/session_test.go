package inference

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/picolm/internal/errs"
	"github.com/samcharles93/picolm/internal/toy"
)

func loadFactory(t *testing.T, s toy.Spec, cfg Config) *Factory {
	t.Helper()
	data, err := toy.Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	f, err := LoadBytes(data, cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func newSession(t *testing.T, f *Factory) *Session {
	t.Helper()
	s, err := f.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type run struct {
	tokens []int32
	logits [][]float32
	err    error
}

func collect(s *Session, prompt []int32, p SampleParams) run {
	var r run
	for st, err := range s.Generate(prompt, p) {
		if err != nil {
			r.err = err
			break
		}
		r.tokens = append(r.tokens, st.TokenID)
		r.logits = append(r.logits, st.Logits)
	}
	return r
}

func sameRun(t *testing.T, a, b run) {
	t.Helper()
	if !slices.Equal(a.tokens, b.tokens) {
		t.Fatalf("tokens differ: %v vs %v", a.tokens, b.tokens)
	}
	for i := range a.logits {
		if !slices.Equal(a.logits[i], b.logits[i]) {
			t.Fatalf("logits differ at step %d", i)
		}
	}
}

// silent returns a model whose logits are all zero, so greedy decoding
// always picks id 0, which is not a stop token.
func silent(s toy.Spec) toy.Spec {
	s.Override = map[string][]float32{"output.weight": make([]float32, s.Vocab*s.Hidden)}
	return s
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.Threads != DefaultThreads || c.MaxContext != DefaultMaxContext || c.Logger == nil {
		t.Fatalf("defaults = %+v", c)
	}
	c = Config{Threads: -1, MaxContext: -1}.withDefaults()
	if c.Threads != 0 || c.MaxContext != 0 {
		t.Fatalf("negative values = %+v", c)
	}
	p := DefaultSampleParams()
	if p.Temperature != 0.7 || p.TopP != 0.9 || p.MaxTokens != 256 {
		t.Fatalf("sample defaults = %+v", p)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{Threads: 2})
	p := SampleParams{Seed: 7, Temperature: 0.9, TopP: 0.95, MaxTokens: 12}
	prompt := []int32{1, 5, 6, 7}

	a := collect(newSession(t, f), prompt, p)
	b := collect(newSession(t, f), prompt, p)
	if a.err != nil || b.err != nil {
		t.Fatalf("errors: %v, %v", a.err, b.err)
	}
	if len(a.tokens) == 0 {
		t.Fatal("no tokens generated")
	}
	sameRun(t, a, b)
	for _, l := range a.logits {
		if len(l) != 16 {
			t.Fatalf("logits length %d", len(l))
		}
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{})
	s := newSession(t, f)
	if s.State() != Loaded {
		t.Fatalf("new session is %s", s.State())
	}
	if s.ID() == "" {
		t.Fatal("empty session id")
	}
	for _, err := range s.Generate([]int32{1, 4}, SampleParams{MaxTokens: 2}) {
		if err != nil {
			t.Fatal(err)
		}
		if s.State() != Generating {
			t.Fatalf("state during generation is %s", s.State())
		}
	}
	if s.State() != Completed {
		t.Fatalf("final state %s (err %v)", s.State(), s.Err())
	}
	r := collect(s, []int32{1, 4}, SampleParams{})
	if !errors.Is(r.err, ErrSessionUsed) {
		t.Fatalf("second generate err = %v", r.err)
	}
	if len(r.tokens) != 0 {
		t.Fatal("second generate yielded tokens")
	}
}

func TestMaxTokensAndCacheContents(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, silent(toy.Small()), Config{})
	s := newSession(t, f)
	prompt := []int32{1, 5, 6}
	r := collect(s, prompt, SampleParams{MaxTokens: 4})
	if r.err != nil {
		t.Fatal(r.err)
	}
	if !slices.Equal(r.tokens, []int32{0, 0, 0, 0}) {
		t.Fatalf("tokens = %v", r.tokens)
	}
	// The last sampled token is never run through the model.
	want := append(slices.Clone(prompt), r.tokens[:3]...)
	if got := s.Tokens(); !slices.Equal(got, want) {
		t.Fatalf("cached tokens = %v, want %v", got, want)
	}
	st := s.Stats()
	if st.PromptTokens != 3 || st.TokensGenerated != 4 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStopToken(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, silent(toy.Small()), Config{})
	s := newSession(t, f)
	r := collect(s, []int32{1, 5}, SampleParams{MaxTokens: 10, Stop: []int32{0}})
	if r.err != nil {
		t.Fatal(r.err)
	}
	if !slices.Equal(r.tokens, []int32{0}) || s.State() != Completed {
		t.Fatalf("tokens %v state %s", r.tokens, s.State())
	}
}

func TestContextOverflowKeepsCache(t *testing.T) {
	t.Parallel()
	spec := silent(toy.Small())
	spec.Context = 8
	f := loadFactory(t, spec, Config{})
	s := newSession(t, f)
	r := collect(s, []int32{1, 3, 4}, SampleParams{MaxTokens: 20})
	if !errors.Is(r.err, errs.ErrContextOverflow) {
		t.Fatalf("err = %v", r.err)
	}
	if len(r.tokens) != 6 {
		t.Fatalf("yielded %d tokens before overflow, want 6", len(r.tokens))
	}
	if s.State() != Aborted {
		t.Fatalf("state %s", s.State())
	}
	if got := s.Tokens(); len(got) != 8 {
		t.Fatalf("cache holds %d tokens, want 8", len(got))
	}
	var buf bytes.Buffer
	if err := s.SaveCache(&buf); err != nil {
		t.Fatalf("overflowed cache not inspectable: %v", err)
	}
}

func TestPromptLongerThanContext(t *testing.T) {
	t.Parallel()
	spec := toy.Small()
	spec.Context = 4
	f := loadFactory(t, spec, Config{})
	s := newSession(t, f)
	r := collect(s, []int32{1, 3, 4, 5, 6}, SampleParams{})
	if !errors.Is(r.err, errs.ErrContextOverflow) || len(r.tokens) != 0 {
		t.Fatalf("err %v tokens %v", r.err, r.tokens)
	}
	if got := s.Tokens(); !slices.Equal(got, []int32{1, 3, 4, 5}) {
		t.Fatalf("cached tokens %v", got)
	}
}

func TestSavedCacheContinuation(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{Threads: 3})
	first := newSession(t, f)
	if r := collect(first, []int32{1, 5, 6, 7}, SampleParams{MaxTokens: 4}); r.err != nil {
		t.Fatal(r.err)
	}
	var snap bytes.Buffer
	if err := first.SaveCache(&snap); err != nil {
		t.Fatal(err)
	}
	prefix := first.Tokens()
	prompt := append(slices.Clone(prefix), 9, 10)
	p := SampleParams{Seed: 3, Temperature: 0.8, MaxTokens: 5}

	restored := newSession(t, f)
	got, err := restored.LoadCache(bytes.NewReader(snap.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, prefix) {
		t.Fatalf("restored prefix %v, want %v", got, prefix)
	}
	warm := collect(restored, prompt, p)
	cold := collect(newSession(t, f), prompt, p)
	if warm.err != nil || cold.err != nil {
		t.Fatalf("errors: %v, %v", warm.err, cold.err)
	}
	sameRun(t, warm, cold)
	if n := restored.Stats().ReusedTokens; n != len(prefix) {
		t.Fatalf("reused %d tokens, want %d", n, len(prefix))
	}
}

func TestRestoredPrefixRecomputesLastToken(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{})
	first := newSession(t, f)
	collect(first, []int32{1, 5, 6}, SampleParams{MaxTokens: 1})
	var snap bytes.Buffer
	if err := first.SaveCache(&snap); err != nil {
		t.Fatal(err)
	}
	s := newSession(t, f)
	if _, err := s.LoadCache(&snap); err != nil {
		t.Fatal(err)
	}
	r := collect(s, []int32{1, 5, 6}, SampleParams{MaxTokens: 1})
	if r.err != nil || len(r.tokens) != 1 {
		t.Fatalf("err %v tokens %v", r.err, r.tokens)
	}
	if n := s.Stats().ReusedTokens; n != 2 {
		t.Fatalf("reused %d tokens, want 2", n)
	}
}

func TestLoadCacheRejectsOtherModel(t *testing.T) {
	t.Parallel()
	a := loadFactory(t, toy.Small(), Config{})
	other := toy.Small()
	other.Seed = 2
	b := loadFactory(t, other, Config{})

	src := newSession(t, a)
	collect(src, []int32{1, 5}, SampleParams{MaxTokens: 2})
	var snap bytes.Buffer
	if err := src.SaveCache(&snap); err != nil {
		t.Fatal(err)
	}
	dst := newSession(t, b)
	if _, err := dst.LoadCache(&snap); !errors.Is(err, errs.ErrCacheValidation) {
		t.Fatalf("err = %v", err)
	}
	if len(dst.Tokens()) != 0 || dst.State() != Loaded {
		t.Fatal("rejected snapshot left state behind")
	}
	if r := collect(dst, []int32{1, 5}, SampleParams{MaxTokens: 1}); r.err != nil {
		t.Fatalf("session unusable after rejected snapshot: %v", r.err)
	}
}

func TestCancelBeforeGenerate(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{})
	s := newSession(t, f)
	s.Cancel()
	r := collect(s, []int32{1, 5}, SampleParams{})
	if !errors.Is(r.err, errs.ErrCancelled) || len(r.tokens) != 0 {
		t.Fatalf("err %v tokens %v", r.err, r.tokens)
	}
	if s.State() != Aborted {
		t.Fatalf("state %s", s.State())
	}
	if err := s.SaveCache(&bytes.Buffer{}); err == nil {
		t.Fatal("cancelled session kept its cache")
	}
}

func TestCancelMidGeneration(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, silent(toy.Small()), Config{})
	s := newSession(t, f)
	var n int
	var last error
	for _, err := range s.Generate([]int32{1, 5}, SampleParams{MaxTokens: 50}) {
		if err != nil {
			last = err
			break
		}
		n++
		if n == 3 {
			s.Cancel()
		}
	}
	if n != 3 || !errors.Is(last, errs.ErrCancelled) {
		t.Fatalf("tokens %d err %v", n, last)
	}
	if s.State() != Aborted || !errors.Is(s.Err(), errs.ErrCancelled) {
		t.Fatalf("state %s err %v", s.State(), s.Err())
	}
}

func TestBreakAbandonsSession(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, silent(toy.Small()), Config{})
	s := newSession(t, f)
	for _, err := range s.Generate([]int32{1, 5}, SampleParams{MaxTokens: 50}) {
		if err != nil {
			t.Fatal(err)
		}
		break
	}
	if s.State() != Aborted || !errors.Is(s.Err(), errs.ErrCancelled) {
		t.Fatalf("state %s err %v", s.State(), s.Err())
	}
}

func TestEmptyPrompt(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{})
	s := newSession(t, f)
	if r := collect(s, nil, SampleParams{}); r.err == nil || s.State() != Aborted {
		t.Fatalf("err %v state %s", r.err, s.State())
	}
}

func TestGenerateText(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{})
	s := newSession(t, f)
	var streamed bytes.Buffer
	res, err := s.GenerateText(context.Background(), "hello world", SampleParams{MaxTokens: 6},
		func(piece string) { streamed.WriteString(piece) })
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tokens) == 0 || res.State != Completed {
		t.Fatalf("result %+v", res)
	}
	var want bytes.Buffer
	for _, id := range res.Tokens {
		want.Write(f.Tokenizer().TokenBytes(id))
	}
	if res.Text != want.String() || streamed.String() != want.String() {
		t.Fatalf("text %q streamed %q want %q", res.Text, streamed.String(), want.String())
	}
	ids, _ := f.Tokenizer().Encode("hello world")
	if res.Stats.PromptTokens != len(ids) {
		t.Fatalf("prompt tokens %d, want %d", res.Stats.PromptTokens, len(ids))
	}
}

func TestGenerateTextContextCancel(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, silent(toy.Small()), Config{})
	s := newSession(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var n int
	res, err := s.GenerateText(ctx, "hello", SampleParams{MaxTokens: 50}, func(string) {
		if n++; n == 2 {
			cancel()
		}
	})
	if !errors.Is(err, errs.ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if res == nil || res.State != Aborted {
		t.Fatalf("result %+v", res)
	}
}

func TestJSONMode(t *testing.T) {
	t.Parallel()
	spec := toy.Small()
	spec.Vocab = 320
	f := loadFactory(t, spec, Config{})
	for seed := range uint64(4) {
		s := newSession(t, f)
		var text []byte
		var stopped bool
		for st, err := range s.Generate([]int32{1, 40}, SampleParams{Seed: seed, Temperature: 1, MaxTokens: 60, JSON: true}) {
			if err != nil {
				t.Fatal(err)
			}
			if st.TokenID == 2 {
				stopped = true
				continue
			}
			text = append(text, f.Tokenizer().TokenBytes(st.TokenID)...)
		}
		m := f.JSONGrammar().NewMatcher()
		if err := m.AcceptBytes(text); err != nil {
			t.Fatalf("seed %d: output %q is not a JSON prefix: %v", seed, text, err)
		}
		if stopped && !json.Valid(text) {
			t.Fatalf("seed %d: ended with invalid document %q", seed, text)
		}
	}
}

func TestJSONModeStopTokenEndsOnlyCompleteDocuments(t *testing.T) {
	t.Parallel()
	spec := toy.Small()
	spec.Vocab = 320
	f := loadFactory(t, spec, Config{})
	digit := int32(-1)
	for id := range int32(f.Tokenizer().Vocab().Size()) {
		if string(f.Tokenizer().TokenBytes(id)) == "1" {
			digit = id
			break
		}
	}
	if digit < 0 {
		t.Fatal("vocabulary has no \"1\" token")
	}
	for seed := range uint64(6) {
		s := newSession(t, f)
		var text []byte
		last := int32(-1)
		for st, err := range s.Generate([]int32{1, 40}, SampleParams{Seed: seed, Temperature: 1, MaxTokens: 60, JSON: true, Stop: []int32{digit}}) {
			if err != nil {
				t.Fatal(err)
			}
			last = st.TokenID
			if st.TokenID != digit && st.TokenID != 2 {
				text = append(text, f.Tokenizer().TokenBytes(st.TokenID)...)
			}
		}
		if last == digit && !json.Valid(text) {
			t.Fatalf("seed %d: stop token ended incomplete document %q", seed, text)
		}
	}
}

func TestConcurrentSessions(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{Threads: 4})
	p := SampleParams{Seed: 11, Temperature: 0.7, TopK: 8, MaxTokens: 10}
	runs := make([]run, 6)
	var g errgroup.Group
	for i := range runs {
		g.Go(func() error {
			s, err := f.NewSession()
			if err != nil {
				return err
			}
			defer s.Close()
			runs[i] = collect(s, []int32{1, 8, 9}, p)
			return runs[i].err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(runs); i++ {
		sameRun(t, runs[0], runs[i])
	}
}

func TestFactoryLifetime(t *testing.T) {
	t.Parallel()
	data, err := toy.Encode(toy.Small())
	if err != nil {
		t.Fatal(err)
	}
	f, err := LoadBytes(data, Config{})
	if err != nil {
		t.Fatal(err)
	}
	s, err := f.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.NewSession(); !errors.Is(err, ErrFactoryClosed) {
		t.Fatalf("NewSession after close: %v", err)
	}
	if r := collect(s, []int32{1, 5}, SampleParams{MaxTokens: 2}); r.err != nil {
		t.Fatalf("session outlived factory badly: %v", r.err)
	}
	if f.Model().Refs() != 1 {
		t.Fatalf("refs = %d", f.Model().Refs())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if f.Model().Refs() != 0 {
		t.Fatalf("refs after last close = %d", f.Model().Refs())
	}
	if r := collect(s, []int32{1}, SampleParams{}); !errors.Is(r.err, ErrSessionClosed) {
		t.Fatalf("closed session err = %v", r.err)
	}
}

func TestVerifyWeightsAtLoad(t *testing.T) {
	t.Parallel()
	f := loadFactory(t, toy.Small(), Config{VerifyWeights: true, Threads: 2})
	if f.Threads() != 2 {
		t.Fatalf("threads = %d", f.Threads())
	}
}
