// Package workpool runs range-partitioned jobs on a fixed set of goroutines.
package workpool

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/samcharles93/picolm/internal/errs"
)

// Job processes the half-open index range [lo, hi). Ranges handed to one Job
// never overlap, so implementations may write disjoint output slices
// without locking.
type Job interface {
	RunRange(lo, hi int) error
}

// JobFunc adapts a function to Job.
type JobFunc func(lo, hi int) error

func (f JobFunc) RunRange(lo, hi int) error { return f(lo, hi) }

type task struct {
	job    Job
	lo, hi int
	done   chan result
}

type result struct {
	lo  int
	err error
}

// Pool is a fixed-size worker pool. Its size never changes after New.
type Pool struct {
	size      int
	tasks     chan task
	doneSlots chan chan result

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts workers goroutines; workers <= 0 means GOMAXPROCS.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		size:      workers,
		tasks:     make(chan task, workers*2),
		doneSlots: make(chan chan result, workers),
	}
	for range workers {
		p.doneSlots <- make(chan result, workers)
	}
	p.wg.Add(workers)
	for range workers {
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				t.done <- result{lo: t.lo, err: runSafe(t.job, t.lo, t.hi)}
			}
		}()
	}
	return p
}

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

// Run splits [0, n) into at most Size contiguous ranges, runs them in
// parallel and waits for all of them. The returned error is the one from
// the lowest failing range. A panicking range is reported as a data
// integrity error.
func (p *Pool) Run(n int, job Job) error {
	if n <= 0 {
		return nil
	}
	workers := min(p.size, n)
	p.mu.RLock()
	if workers <= 1 || p.closed {
		p.mu.RUnlock()
		return runSafe(job, 0, n)
	}
	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots
	active := 0
	for lo := 0; lo < n; lo += chunk {
		p.tasks <- task{job: job, lo: lo, hi: min(lo+chunk, n), done: done}
		active++
	}
	p.mu.RUnlock()

	var first result
	first.lo = n
	for range active {
		r := <-done
		if r.err != nil && r.lo < first.lo {
			first = r
		}
	}
	p.doneSlots <- done
	return first.err
}

// Close stops the workers after queued work drains. Run falls back to the
// calling goroutine afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func runSafe(job Job, lo, hi int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errs.Error{
				Kind:   errs.ErrDataIntegrity,
				Offset: errs.NoOffset,
				Msg:    fmt.Sprintf("worker panic in range [%d,%d): %v\n%s", lo, hi, r, debug.Stack()),
			}
		}
	}()
	return job.RunRange(lo, hi)
}
