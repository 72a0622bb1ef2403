// Package compactor implements the Compactor (spec.md §4.5): it turns
// a producer of small thunks into a lazily-pulled sequence of grouped
// thunks sized so each group is worth the scheduling overhead of
// handing it to a worker.
//
// A [Compactor] never schedules anything itself — [Next] just decides
// how many steps to fold into the next group and returns that group's
// accumulated result. The caller (typically the root package's
// [Fork]) is the one that turns a group into a task.
package compactor

import (
	"sync"
	"time"
)

// Producer pulls one step from state, returning the step's value, the
// state to use for the next pull, and false once exhausted — the Go
// shape of spec.md's `f_id → option<(step, f_id')>`.
type Producer[S, T any] func(state S) (step T, next S, ok bool)

// Mode selects between a fixed group size and a demand-adjusted one.
type Mode int

const (
	// Static always consumes exactly Size steps per group (fewer only
	// at the tail, when the producer is exhausted first).
	Static Mode = iota
	// Dynamic adjusts group size toward a target elapsed time per
	// group, using the shared racy estimate described in spec.md §4.5.
	Dynamic
)

type config struct {
	mode      Mode
	size      int
	target    time.Duration
	foldRight bool
	scaleDown int
	scaleUp   int
	priming   *primingConfig
}

type primingConfig struct {
	limit int
}

// Option configures a [Compactor].
type Option func(*config)

// WithStaticSize selects [Static] mode with the given fixed group size.
// Panics if size <= 0.
func WithStaticSize(size int) Option {
	if size <= 0 {
		panic("compactor: WithStaticSize requires size > 0")
	}
	return func(c *config) {
		c.mode = Static
		c.size = size
	}
}

// WithDynamicTarget selects [Dynamic] mode targeting elapsed per group.
// Panics if target <= 0.
func WithDynamicTarget(target time.Duration, seedSize int) Option {
	if target <= 0 {
		panic("compactor: WithDynamicTarget requires target > 0")
	}
	if seedSize <= 0 {
		seedSize = 1
	}
	return func(c *config) {
		c.mode = Dynamic
		c.target = target
		c.size = seedSize
	}
}

// WithFoldRight threads the accumulator right-to-left
// (f1 ∘ ... ∘ fn(id)) instead of the default left fold.
func WithFoldRight() Option {
	return func(c *config) { c.foldRight = true }
}

// WithScaling overrides the default /2, *2 scale factors used by the
// suggested-size formula in dynamic mode. Panics if either is < 1 (a
// factor of 1 is valid and simply disables scaling in that direction).
func WithScaling(scaleDown, scaleUp int) Option {
	if scaleDown < 1 || scaleUp < 1 {
		panic("compactor: WithScaling requires factors >= 1")
	}
	return func(c *config) {
		c.scaleDown = scaleDown
		c.scaleUp = scaleUp
	}
}

// WithPriming runs up to limit groups sequentially under a stricter
// acceptance rule before handing control to the normal dynamic update
// rule, declaring the estimate "stable" once the suggested size repeats
// twice in a row (spec.md §4.5 "Priming").
func WithPriming(limit int) Option {
	return func(c *config) {
		c.priming = &primingConfig{limit: limit}
	}
}

// Compactor is the stateful lazy grouping sequence. Construct one with
// [New] and pull groups with [Next] until ok is false.
type Compactor[S, T, A any] struct {
	producer Producer[S, T]
	zero     A
	combine  func(A, T) A
	cfg      config

	est *estimate

	// mu guards everything below: the priming bookkeeping is plain
	// counters, not the lock-free estimate, so concurrent PlanSize/
	// Record callers (the Parallel Tree dispatches several batches in
	// parallel, each reporting its own timing back) need it serialized
	// even though Next's own single-goroutine callers never contend on
	// it.
	mu           sync.Mutex
	primeCount   int
	lastPrimed   int
	stableStreak int
	frozen       bool
	frozenSize   int
}

// New creates a Compactor over producer, accumulating steps with
// combine starting from zero.
func New[S, T, A any](producer Producer[S, T], zero A, combine func(A, T) A, opts ...Option) *Compactor[S, T, A] {
	cfg := config{mode: Static, size: 1, scaleDown: 2, scaleUp: 2}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Compactor[S, T, A]{
		producer: producer,
		zero:     zero,
		combine:  combine,
		cfg:      cfg,
	}
	if cfg.mode == Dynamic {
		c.est = newEstimate(cfg.target, cfg.size)
	}
	return c
}

// Next pulls and folds the next group, returning its accumulated
// result, the number of steps actually consumed, the state to resume
// from, and false once the producer is exhausted with nothing left to
// fold (an empty tail contributes no group).
func (c *Compactor[S, T, A]) Next(state S) (result A, size int, next S, ok bool) {
	n := c.groupSize()

	steps := make([]T, 0, n)
	for len(steps) < n {
		step, nextState, more := c.producer(state)
		if !more {
			break
		}
		steps = append(steps, step)
		state = nextState
	}
	if len(steps) == 0 {
		return c.zero, 0, state, false
	}

	start := time.Now()
	result = c.fold(steps)
	elapsed := time.Since(start)

	if c.cfg.mode == Dynamic {
		c.observe(len(steps), elapsed)
	}

	return result, len(steps), state, true
}

func (c *Compactor[S, T, A]) fold(steps []T) A {
	acc := c.zero
	if c.cfg.foldRight {
		for i := len(steps) - 1; i >= 0; i-- {
			acc = c.combine(acc, steps[i])
		}
		return acc
	}
	for _, s := range steps {
		acc = c.combine(acc, s)
	}
	return acc
}

func (c *Compactor[S, T, A]) groupSize() int {
	c.mu.Lock()
	frozen, frozenSize := c.frozen, c.frozenSize
	c.mu.Unlock()
	if frozen {
		return frozenSize
	}
	if c.cfg.mode == Static {
		return c.cfg.size
	}
	return suggestedSize(c.est.load(), c.cfg.target, c.cfg.scaleDown, c.cfg.scaleUp)
}

func (c *Compactor[S, T, A]) observe(n int, elapsed time.Duration) {
	stamp := c.est.nextStamp()

	c.mu.Lock()
	priming := c.cfg.priming != nil && c.primeCount < c.cfg.priming.limit
	if priming {
		c.primeCount++
	}
	c.mu.Unlock()

	if priming {
		c.observePriming(n, elapsed)
		return
	}
	c.est.tryUpdate(c.cfg.target, stamp, n, elapsed)
}

// observePriming applies the stricter priming acceptance rule (spec.md
// §4.5 "also accepts improvements when totals are below 5 ms, or when n
// moved in the right direction without a change in total") and tracks
// the stabilization streak.
func (c *Compactor[S, T, A]) observePriming(n int, elapsed time.Duration) {
	rec := c.est.load()
	improve := elapsed < 5*time.Millisecond ||
		(n != rec.n && elapsed == rec.total)
	if improve || absDuration(elapsed-rec.total) > rec.total/10 {
		c.est.tryUpdate(c.cfg.target, c.est.stamp.Load(), n, elapsed)
	}

	suggested := suggestedSize(c.est.load(), c.cfg.target, c.cfg.scaleDown, c.cfg.scaleUp)

	c.mu.Lock()
	defer c.mu.Unlock()
	if suggested == c.lastPrimed {
		c.stableStreak++
	} else {
		c.stableStreak = 0
	}
	c.lastPrimed = suggested

	// "repeats twice in a row" means this sample matches the one right
	// before it — the second of the two matching occurrences is the
	// stabilization point, not a third confirming sample.
	if c.stableStreak >= 1 {
		c.frozen = true
		c.frozenSize = suggested
	}
}

// PlanSize returns the group size Next would currently use, without
// pulling or folding anything. The Parallel Tree uses this to decide
// how many node-children belong in a batch before dispatching that
// batch's actual recursive work to a worker, so the expensive part
// (forcing the thunks) happens on the worker while the cheap part
// (deciding the split) happens on the caller (spec.md §4.6 step 3-4).
func (c *Compactor[S, T, A]) PlanSize() int {
	return c.groupSize()
}

// Record feeds a size/elapsed observation measured elsewhere (e.g.
// inside the worker that actually ran a planned batch) into this
// Compactor's dynamic estimate, as if Next itself had measured it.
// Safe to call concurrently with other Record/PlanSize calls on the
// same Compactor — the Parallel Tree dispatches several batches in
// parallel and each reports its own timing back once it finishes.
func (c *Compactor[S, T, A]) Record(n int, elapsed time.Duration) {
	if c.cfg.mode == Dynamic {
		c.observe(n, elapsed)
	}
}

// Stable reports whether priming has declared the estimate stable,
// freezing the group size (spec.md §4.5 "Priming", freeze = true case).
func (c *Compactor[S, T, A]) Stable() (size int, frozen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozenSize, c.frozen
}
