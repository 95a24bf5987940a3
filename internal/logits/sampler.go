// Package logits turns a vocabulary logits vector into the next token id.
package logits

import (
	"cmp"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// ErrNoCandidates is returned when masking leaves no finite logit.
var ErrNoCandidates = errors.New("no eligible token")

type Config struct {
	Seed uint64
	// Temperature <= 0 selects greedy decoding.
	Temperature float32
	// TopK keeps the k most likely tokens; 0 disables it.
	TopK int
	// TopP keeps the smallest prefix whose probability reaches TopP; 0 or
	// >= 1 disables it.
	TopP float32
	// MinP drops tokens less likely than MinP times the most likely one.
	MinP float32
	// RepeatPenalty > 1 down-weights tokens among the last RepeatLastN.
	RepeatPenalty float32
	RepeatLastN   int
}

// Constraint restricts the eligible tokens by setting the logits of
// ineligible ones to -Inf.
type Constraint interface {
	Apply(logits []float32) error
}

type candidate struct {
	id    int32
	logit float32
	p     float64
}

type Sampler struct {
	cfg  Config
	rng  *rand.Rand
	work []float32
	cand []candidate

	seen      []uint32
	seenEpoch uint32
}

func New(cfg Config) *Sampler {
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d))}
}

func (s *Sampler) Config() Config { return s.cfg }

// Greedy reports whether the sampler always takes the argmax.
func (s *Sampler) Greedy() bool { return s.cfg.Temperature <= 0 }

// Sample picks the next token from logits, which it does not modify.
// recent is the token history used by the repeat penalty; c may be nil.
// Steps run in order: constraint mask, repeat penalty, temperature, top-k,
// min-p, top-p, seeded draw.
func (s *Sampler) Sample(logits []float32, recent []int32, c Constraint) (int32, error) {
	s.work = append(s.work[:0], logits...)
	x := s.work
	if c != nil {
		if err := c.Apply(x); err != nil {
			return 0, err
		}
	}
	s.penalize(x, recent)

	if s.Greedy() {
		best := Argmax(x)
		if best < 0 {
			return 0, ErrNoCandidates
		}
		return int32(best), nil
	}

	inv := 1 / s.cfg.Temperature
	cand := s.cand[:0]
	for i, v := range x {
		if !math.IsInf(float64(v), -1) && !math.IsNaN(float64(v)) {
			cand = append(cand, candidate{id: int32(i), logit: v * inv})
		}
	}
	s.cand = cand
	if len(cand) == 0 {
		return 0, ErrNoCandidates
	}
	slices.SortFunc(cand, func(a, b candidate) int {
		if a.logit != b.logit {
			return cmp.Compare(b.logit, a.logit)
		}
		return cmp.Compare(a.id, b.id)
	})
	if k := s.cfg.TopK; k > 0 && k < len(cand) {
		cand = cand[:k]
	}

	maxv := float64(cand[0].logit)
	var sum float64
	for i := range cand {
		cand[i].p = math.Exp(float64(cand[i].logit) - maxv)
		sum += cand[i].p
	}
	for i := range cand {
		cand[i].p /= sum
	}
	if s.cfg.MinP > 0 {
		floor := cand[0].p * float64(s.cfg.MinP)
		n := 1
		for n < len(cand) && cand[n].p >= floor {
			n++
		}
		cand = cand[:n]
	}
	if s.cfg.TopP < 1 {
		var cum float64
		for i := range cand {
			cum += cand[i].p
			if cum >= float64(s.cfg.TopP) {
				cand = cand[:i+1]
				break
			}
		}
	}

	var total float64
	for _, c := range cand {
		total += c.p
	}
	r := s.rng.Float64() * total
	var cum float64
	for _, c := range cand {
		cum += c.p
		if r < cum {
			return c.id, nil
		}
	}
	return cand[len(cand)-1].id, nil
}

// penalize divides positive logits (multiplies negative ones) of every
// distinct token among the last RepeatLastN of recent.
func (s *Sampler) penalize(x []float32, recent []int32) {
	pen := s.cfg.RepeatPenalty
	if pen <= 1 || len(recent) == 0 {
		return
	}
	if len(s.seen) < len(x) {
		s.seen = make([]uint32, len(x))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seen)
		s.seenEpoch = 1
	}
	for _, id := range recent[max(len(recent)-s.cfg.RepeatLastN, 0):] {
		if id < 0 || int(id) >= len(x) || s.seen[id] == s.seenEpoch {
			continue
		}
		s.seen[id] = s.seenEpoch
		if x[id] > 0 {
			x[id] /= pen
		} else {
			x[id] *= pen
		}
	}
}

// Argmax returns the index of the largest finite or +Inf value, preferring
// the lowest index on ties, or -1 when every value is -Inf or NaN.
func Argmax(x []float32) int {
	best := -1
	for i, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), -1) {
			continue
		}
		if best < 0 || v > x[best] {
			best = i
		}
	}
	return best
}
