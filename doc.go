// Package parafuture provides a future-value scheduler with a bounded
// worker pool, write-once result cells, and cooperative group
// cancellation.
//
// The runtime is value-oriented: callers submit pure closures via [Fork]
// and friends, receive a [Future] immediately, and retrieve the result
// with [Join]. Results become available through single-assignment cells
// ([Assignable]); groups of tasks ([Group]) share a cancellation fate.
//
// # Forking and joining
//
//	s := parafuture.NewScheduler()
//	defer s.Shutdown()
//
//	f := parafuture.ForkIn(s, 0, func(ctx context.Context) (int, error) {
//	    return expensiveCalc(ctx)
//	})
//	v, err := parafuture.Join(context.Background(), f)
//
// [Fork] attaches a task to an explicit [Group] and priority instead of
// the scheduler's root group; [ForkDeps] additionally takes a
// dependency set. [Value] wraps an already-known value in a finished
// future. [Map] rewrites a pending future's task in place when possible,
// avoiding an extra scheduling hop (the fast-path map of the runtime's
// design).
//
// # Groups and cancellation
//
// Every future belongs to a [Group], a node in a cancellation tree.
// [CancelGroup] cancels a group and every descendant atomically; queued
// tasks in a cancelled group are resolved with an [*InterruptedError]
// without running their bodies, and running tasks observe the
// cancellation cooperatively, at their next suspension point. A new
// group created under an already-cancelled parent is born cancelled.
//
// Cancellation here is always explicit: a child group never
// auto-cancels merely because the task that created it returned (see
// DESIGN.md for the rationale).
//
// # Promises
//
// [Promise] creates a future with no body, resolved later by an
// external call to [Fulfill]. A second [Fulfill] on the same future, or
// a [Fulfill] on a future not created by [Promise], is a fatal misuse
// and panics with a [*MisuseError]. These are the only misuse cases the
// package detects: a second [Assignable.Assign] returns
// [ErrAlreadyAssigned] instead of panicking, [Join] called while holding
// a [Cell]'s guarded-access section is not detected, and forking after
// [Scheduler.Shutdown] is not rejected.
//
// # Low-level cells
//
// [Cell] is a standalone synchronized, transactionally-updated cell
// ([GuardedAccess], [Change], [TimedAccess]); the scheduler and task
// queue use their own mutexes rather than Cell.
// [Assignable] is the write-once counterpart futures use for their
// result.
//
// # Batching and trees
//
// The sibling packages [github.com/elyase/parafuture/compactor] and
// [github.com/elyase/parafuture/ptree] sit on top of this package: the
// Compactor batches many small thunks into groups sized to hit a target
// runtime, and the Parallel Tree drives the Compactor and this scheduler
// from a node-expansion function to produce a lazy, parallel-in-breadth
// traversal.
//
// # Observability
//
// [Scheduler.Stats] reports ready/pending/running/passive task counts
// and current worker count. [WithLogger] wires an hclog logger
// (github.com/hashicorp/go-hclog) for scheduler tracing; behavior never
// depends on whether one is set.
package parafuture
