package parafuture

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// workerPollInterval bounds how long a parked worker waits before
// re-checking for a pending retirement request (see [taskQueue.DequeueWait]).
const workerPollInterval = 200 * time.Millisecond

// Scheduler owns the task queue and the elastic worker pool that drains
// it (spec.md §4.4 "Scheduler & Worker Pool"). Construct one with
// [NewScheduler]; every [Fork], [Join], [Map], and friends take a
// *Scheduler explicitly, since Go methods cannot add type parameters
// beyond the receiver's — the package exposes those as free generic
// functions instead of methods.
type Scheduler struct {
	queue *taskQueue
	arena *groupArena
	root  *Group
	cfg   config
	log   hclog.Logger
	id    string

	mu       sync.Mutex
	current  int   // workers actually running
	desired  int   // workers the resize loop wants running
	trend    int   // hysteresis counter over successive ticks
	retire   chan struct{}
	deferred map[int64]*Group // groups whose cancel swept a still-running task (spec.md §4.4 step 4, §9)

	wg         sync.WaitGroup
	tickerDone chan struct{}
	closed     atomic.Bool
}

// NewScheduler starts the elastic worker pool and its resize loop. The
// pool begins at runtime.GOMAXPROCS workers unless [WithWorkerBounds]
// says otherwise.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	start := runtime.GOMAXPROCS(0)
	if start < cfg.minWorkers {
		start = cfg.minWorkers
	}
	if cfg.maxWorkers > 0 && start > cfg.maxWorkers {
		start = cfg.maxWorkers
	}

	arena := newGroupArena()
	s := &Scheduler{
		queue:      newTaskQueue(),
		arena:      arena,
		root:       arena.newGroup(nil),
		cfg:        cfg,
		log:        cfg.logger,
		id:         uuid.NewString(),
		desired:    start,
		retire:     make(chan struct{}, 1<<20),
		deferred:   make(map[int64]*Group),
		tickerDone: make(chan struct{}),
	}

	s.log.Debug("scheduler starting", "scheduler_id", s.id, "workers", start)
	for i := 0; i < start; i++ {
		s.spawnWorker()
	}
	go s.resizeLoop()
	return s
}

// RootGroup returns the scheduler's top-level group. Every group passed
// to [Fork]/[ForkIn] should descend from this one (via [NewGroup]) or
// from a group that already does.
func (s *Scheduler) RootGroup() *Group { return s.root }

// Logger returns the hclog.Logger configured via [WithLogger].
func (s *Scheduler) Logger() hclog.Logger { return s.log }

func (s *Scheduler) spawnWorker() {
	s.current++
	s.wg.Add(1)
	go s.runWorker()
}

func (s *Scheduler) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.retire:
			s.mu.Lock()
			s.current--
			s.mu.Unlock()
			return
		default:
		}

		te, ok := s.queue.DequeueWait(workerPollInterval)
		if !ok {
			if s.queue.IsClosedAndEmpty() {
				s.mu.Lock()
				s.current--
				s.mu.Unlock()
				return
			}
			continue
		}
		s.execute(te)
	}
}

// execute runs every body queued for te (more than one only after an
// [Extend]-based fast-path Map) and always reaches Finish exactly once.
// Each body is responsible for recovering its own panics via
// [runRecovered] so it can still resolve its future's cell; execute
// itself only guards against a body that doesn't, so a stray panic
// can't take down the worker goroutine.
func (s *Scheduler) execute(te *taskEntry) {
	for _, body := range te.bodies {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("unrecovered task panic", "task_id", te.id, "group_id", te.group.id, "value", r)
					te.group.Fail(newPanicError(r))
				}
			}()
			body()
		}()
	}
	s.queue.Finish(te.id)
}

// runRecovered runs fn, converting a panic into a *PanicError error
// result that callers handle like any other task failure (group is
// used only for logging), so a panicking task body still resolves its
// future's cell instead of leaving a Join on it blocked forever
// (spec.md §5 "a panicking task body must still release its dependents
// and its group's ref count").
func runRecovered[T any](s *Scheduler, group *Group, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("task panicked", "group_id", group.id, "value", r)
			err = newPanicError(r)
		}
	}()
	return fn()
}

// resizeLoop reevaluates desired worker count on a fixed tick using a
// hysteresis counter over queue depth, matching spec.md §5's "the
// scheduler does not thrash on every sample; it accumulates a trend and
// acts only once the trend crosses a threshold."
func (s *Scheduler) resizeLoop() {
	ticker := time.NewTicker(s.cfg.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.tickerDone:
			return
		}
	}
}

func (s *Scheduler) tick() {
	s.drainDeferredCancellations()

	st := s.queue.Status()
	load := st.Ready + st.Pending

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case load > s.current:
		s.trend++
	case load < s.current:
		s.trend--
	default:
		s.trend = 0
	}

	switch {
	case s.trend >= s.cfg.trendThreshold:
		s.growLocked()
		s.trend = 0
	case s.trend <= -s.cfg.trendThreshold:
		s.shrinkLocked()
		s.trend = 0
	}
}

// drainDeferredCancellations retries cancelLocked for every group whose
// cancellation previously found a still-running task (spec.md §4.4 step 4
// "process the deferred cancellation list... retry immediate cancellation;
// survivors remain deferred", §9 "Deferred cancellation list": a set keyed
// by group id). A group drops out of the set once a retry sweeps the queue
// and finds nothing of its still running.
func (s *Scheduler) drainDeferredCancellations() {
	s.mu.Lock()
	if len(s.deferred) == 0 {
		s.mu.Unlock()
		return
	}
	pending := make([]*Group, 0, len(s.deferred))
	for _, g := range s.deferred {
		pending = append(pending, g)
	}
	s.mu.Unlock()

	for _, g := range pending {
		s.queue.mu.Lock()
		stillRunning := s.queue.cancelLocked(g, g.Reason())
		s.queue.mu.Unlock()

		s.mu.Lock()
		if stillRunning {
			s.deferred[g.id] = g
		} else {
			delete(s.deferred, g.id)
		}
		s.mu.Unlock()
	}
}

// deferCancellation adds g to the deferred-cancellation set, retried on
// every subsequent tick until a sweep no longer finds a running task.
func (s *Scheduler) deferCancellation(g *Group) {
	s.mu.Lock()
	s.deferred[g.id] = g
	s.mu.Unlock()
}

func (s *Scheduler) growLocked() {
	if s.cfg.maxWorkers > 0 && s.current >= s.cfg.maxWorkers {
		return
	}
	s.desired++
	s.current++
	s.wg.Add(1)
	go s.runWorker()
	s.log.Debug("scheduler grew pool", "scheduler_id", s.id, "workers", s.current)
}

func (s *Scheduler) shrinkLocked() {
	if s.current <= s.cfg.minWorkers {
		return
	}
	s.desired--
	select {
	case s.retire <- struct{}{}:
	default:
	}
	s.log.Debug("scheduler requested shrink", "scheduler_id", s.id, "desired", s.desired)
}

// Stats is a point-in-time snapshot of scheduler and queue activity
// (spec.md §4.4 "status() exposes worker count and queue depth for
// observability").
type Stats struct {
	Workers int
	Queue   QueueStatus
	Groups  int
}

// Stats returns a snapshot of current scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	workers := s.current
	s.mu.Unlock()
	return Stats{
		Workers: workers,
		Queue:   s.queue.Status(),
		Groups:  s.arena.size(),
	}
}

// Shutdown closes the queue (ready work already queued still runs),
// waits for every worker to exit, and stops the resize loop. It does not cancel outstanding
// groups — callers that want queued-but-not-started work abandoned
// should [CancelGroup] the root group first.
func (s *Scheduler) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.tickerDone)
	s.queue.Close()
	s.wg.Wait()
	s.log.Debug("scheduler stopped", "scheduler_id", s.id)
}

type workerHandleCtxKey struct{}

var workerHandleKey = workerHandleCtxKey{}

// workerHandle is stashed in a task's context so [Join] can tell it is
// running inside one of this scheduler's workers and switch to the
// work-stealing path instead of blocking (spec.md §4.4 "a worker
// blocked on join should make itself useful").
type workerHandle struct {
	sched *Scheduler
}

// NewGroup creates a new cancellation scope as a child of parent.
func NewGroup(s *Scheduler, parent *Group) *Group {
	if parent == nil {
		parent = s.root
	}
	return s.arena.newGroup(parent)
}

// CancelGroup cancels g and every descendant, discarding queued-but-
// unstarted work belonging to the subtree. It returns whether any
// currently running task belongs to the cancelled subtree (those notice
// cancellation cooperatively via ctx.Done(), not synchronously).
//
// Unlike [Group.Fail] and [CancelAll], it holds the queue's lock across both
// the group-level flag flip and the queue sweep — see the comment on
// [Group.Cancel] and [taskQueue.cancelLocked].
func CancelGroup(s *Scheduler, g *Group, reason error) (anyRunningAffected bool) {
	s.queue.mu.Lock()
	g.Cancel(reason)
	anyRunningAffected = s.queue.cancelLocked(g, reason)
	s.queue.mu.Unlock()

	if anyRunningAffected {
		s.deferCancellation(g)
	}
	return anyRunningAffected
}

// CancelAll cancels every alive group that owns a task in s's queue
// (and, through them, their descendants) and returns those groups.
// Groups that own no queued task are left as they are.
func CancelAll(s *Scheduler, reason error) []*Group {
	return s.queue.CancelAll(reason)
}

// Value wraps an already-known value in a finished Future, for mixing
// eager results into the same [Join]-based API as forked work (spec.md
// §3 "a distinguished dummy id for already-resolved values").
func Value[T any](group *Group, v T) *Future[T] {
	cell := NewAssignable[Outcome[T]]("value")
	_ = cell.Assign(Outcome[T]{Value: v})
	return &Future[T]{taskID: dummyTaskID, group: group, cell: cell}
}

// Fork schedules f to run on s's worker pool under group, with the
// given priority (higher runs first among otherwise-ready tasks), and
// returns a handle to its eventual result. f observes group
// cancellation via ctx.Done().
//
// If group is already cancelled, Fork still returns a Future — one
// already resolved with an [*InterruptedError] — rather than failing
// the call, so callers can treat "cancelled before it started" and
// "cancelled while running" uniformly through [Join].
func Fork[T any](s *Scheduler, group *Group, priority int, f func(ctx context.Context) (T, error)) *Future[T] {
	return ForkDeps(s, group, priority, nil, f)
}

// ForkIn is Fork using the scheduler's root group.
func ForkIn[T any](s *Scheduler, priority int, f func(ctx context.Context) (T, error)) *Future[T] {
	return Fork(s, s.root, priority, f)
}

// ForkDeps is Fork with explicit task-id dependencies: the task only
// becomes ready once every id in deps has finished. Ids that no longer
// exist (already finished) are treated as already satisfied, matching
// spec.md §4.3's "a dependency on a task id the queue no longer knows
// about is vacuously satisfied."
func ForkDeps[T any](s *Scheduler, group *Group, priority int, deps []int64, f func(ctx context.Context) (T, error)) *Future[T] {
	cell := NewAssignable[Outcome[T]]("fork")
	fut := &Future[T]{group: group, cell: cell}

	body := func() {
		ctx := context.WithValue(group.Context(), workerHandleKey, &workerHandle{sched: s})
		v, err := runRecovered(s, group, func() (T, error) { return f(ctx) })
		if err != nil {
			_ = cell.Assign(Outcome[T]{Value: v, Err: &UserFailure{Cause: err}})
			group.Fail(err)
			return
		}
		_ = cell.Assign(Outcome[T]{Value: v})
	}
	onCancel := func(reason error) {
		_ = cell.Assign(Outcome[T]{Err: reason})
	}

	id, _, accepted := s.queue.Enqueue(group, deps, priority, body, onCancel)
	if !accepted {
		_ = cell.Assign(Outcome[T]{Err: &InterruptedError{GroupID: group.id, Reason: group.Reason()}})
		return fut
	}
	fut.taskID = id
	return fut
}

// Promise creates an unresolved, passively-queued future that only
// [Fulfill] can resolve (spec.md §4.2/§4.4 "promise(): a future with no
// producer task; the caller must fulfill it externally").
func Promise[T any](s *Scheduler, group *Group) *Future[T] {
	cell := NewAssignable[Outcome[T]]("promise")
	id := s.queue.EnqueuePassive(group)
	return &Future[T]{taskID: id, group: group, promised: true, cell: cell}
}

// Fulfill resolves a promised future created by [Promise]. It is a
// misuse error — delivered via panic, per spec.md §7's taxonomy — to
// fulfill a future that was not created by Promise, or to fulfill the
// same promise twice.
func Fulfill[T any](s *Scheduler, f *Future[T], v T, err error) {
	if !f.promised {
		misuse("Fulfill", "future was not created by Promise")
	}
	if assignErr := f.cell.Assign(Outcome[T]{Value: v, Err: err}); assignErr != nil {
		misuse("Fulfill", "promise already fulfilled")
	}
	if err != nil {
		f.group.Fail(err)
	}
	s.queue.Finish(f.taskID)
}

// Map builds a new future that applies g to f's value once f finishes.
// When f's underlying task has not started running yet, Map takes the
// fast path of appending a continuation body directly onto that task
// (via the queue's Extend) instead of scheduling a new dependent task,
// matching spec.md §4.4's "map is not merely sugar for fork+join; when
// the source task has not started, the transform rides along in the
// same task." If f has already resolved, g is applied synchronously
// with no new task. Otherwise, if the fast path is unavailable (task
// already running or passive), Map falls back to an ordinary dependent
// fork.
func Map[T, U any](s *Scheduler, f *Future[T], g func(T) (U, error)) *Future[U] {
	cell := NewAssignable[Outcome[U]]("map")
	out := &Future[U]{group: f.group, cell: cell}

	if f.taskID != dummyTaskID {
		extended := s.queue.Extend(f.taskID, func() {
			outcome, _ := f.cell.Peek()
			var res Outcome[U]
			if outcome.Err != nil {
				res = Outcome[U]{Err: outcome.Err}
			} else {
				v, err := runRecovered(s, f.group, func() (U, error) { return g(outcome.Value) })
				if err != nil {
					res = Outcome[U]{Value: v, Err: &UserFailure{Cause: err}}
					f.group.Fail(err)
				} else {
					res = Outcome[U]{Value: v}
				}
			}
			_ = cell.Assign(res)
		})
		if extended {
			out.taskID = f.taskID
			return out
		}
	}

	if outcome, ok := f.cell.Peek(); ok {
		// Already resolved (dummyTaskID, finished, or passive-but-
		// fulfilled): apply synchronously, no new task needed.
		var res Outcome[U]
		if outcome.Err != nil {
			res = Outcome[U]{Err: outcome.Err}
		} else {
			v, err := g(outcome.Value)
			res = Outcome[U]{Value: v}
			if err != nil {
				res.Err = &UserFailure{Cause: err}
			}
		}
		_ = cell.Assign(res)
		return out
	}

	return ForkDeps(s, f.group, 0, []int64{f.taskID}, func(ctx context.Context) (U, error) {
		outcome := f.cell.Await()
		if outcome.Err != nil {
			var zero U
			return zero, outcome.Err
		}
		return g(outcome.Value)
	})
}

// Join blocks until f finishes and returns its value and error. If f's
// outcome is a bare [*InterruptedError] (nil Reason) and its group's
// subtree recorded failure causes, Join returns those causes instead,
// so callers see the root cause rather than the propagation mechanism:
// the cause itself when there is one, an [*AggregateError] over them
// when there are several. An [*InterruptedError] that carries a Reason
// is returned as-is.
//
// When ctx identifies the calling goroutine as one of s's own workers
// (stashed via context.WithValue in the task body [ForkDeps] builds), Join does not
// simply block: it repeatedly asks the queue for other ready work on
// f's dependency path and runs it inline, only falling back to a
// blocking wait once no such work remains (spec.md §4.4 "a worker
// blocked in join should steal work toward the value it is waiting
// for, not idle").
func Join[T any](ctx context.Context, f *Future[T]) (T, error) {
	if h, ok := ctx.Value(workerHandleKey).(*workerHandle); ok {
		for {
			if outcome, ok := f.cell.Peek(); ok {
				return finishOutcome(f, outcome)
			}
			te, ok := h.sched.queue.DequeueTowards([]int64{f.taskID})
			if !ok {
				break
			}
			h.sched.execute(te)
		}
	}
	outcome := f.cell.Await()
	return finishOutcome(f, outcome)
}

func finishOutcome[T any](f *Future[T], outcome Outcome[T]) (T, error) {
	if outcome.Err == nil {
		return outcome.Value, nil
	}
	if ie, interrupted := outcome.Err.(*InterruptedError); interrupted && ie.Reason == nil {
		if causes := f.group.Failures(); len(causes) > 0 {
			return outcome.Value, aggregateOrSingle(f.group.id, causes)
		}
	}
	return outcome.Value, outcome.Err
}

func aggregateOrSingle(groupID int64, causes []error) error {
	if len(causes) == 1 {
		return causes[0]
	}
	return newAggregateError(groupID, causes)
}

// JoinResults joins every future in fs, in order, and returns their
// values and the first error encountered, preserving input order even
// though the underlying tasks may finish out of order (spec.md §4.4
// "par_list semantics: results are positional, not completion-order").
func JoinResults[T any](ctx context.Context, fs []*Future[T]) ([]T, error) {
	results := make([]T, len(fs))
	var firstErr error
	for i, f := range fs {
		v, err := Join(ctx, f)
		results[i] = v
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}
