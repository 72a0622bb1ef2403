// Package ptree implements the Parallel Tree (spec.md §4.6): given a
// root state and a function that expands a state into leaves and
// child states, it produces the flat sequence of leaves, expanding
// sibling subtrees in parallel through the scheduler but expanding
// depth only as far as something actually demands.
package ptree

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elyase/parafuture"
	"github.com/elyase/parafuture/compactor"
)

// Child is either an immediate leaf value or a child state to expand
// further. Build one with [Leaf] or [Node].
type Child[S, T any] struct {
	isLeaf bool
	leaf   T
	node   S
}

// Leaf wraps a value the expansion function yields directly.
func Leaf[S, T any](v T) Child[S, T] {
	return Child[S, T]{isLeaf: true, leaf: v}
}

// Node wraps a state that still needs expanding.
func Node[S, T any](s S) Child[S, T] {
	return Child[S, T]{node: s}
}

// IsLeaf reports whether this child is a leaf value rather than a
// state to expand further.
func (c Child[S, T]) IsLeaf() bool { return c.isLeaf }

// LeafValue returns the leaf value. Only meaningful when [Child.IsLeaf]
// is true.
func (c Child[S, T]) LeafValue() T { return c.leaf }

// NodeState returns the state to expand further. Only meaningful when
// [Child.IsLeaf] is false.
func (c Child[S, T]) NodeState() S { return c.node }

// Expand produces a state's immediate children. A non-nil error
// cancels the walk's group and, in [Ordered] mode, terminates the leaf
// sequence at the position this node would have contributed (spec.md
// §4.6 "Failure"); in [Unordered] mode leaves from batches already
// running may still follow the error.
type Expand[S, T any] func(state S) ([]Child[S, T], error)

// Order controls how leaves from sibling subtrees are interleaved.
type Order int

const (
	// Ordered concatenates each child's yields in position order,
	// regardless of which finishes first.
	Ordered Order = iota
	// Unordered emits whichever child's subtree finishes first.
	Unordered
)

type config struct {
	order      Order
	coarseness int
	nodeLimit  int
	noGroups   int
	compact    []compactor.Option
}

// Option configures a [Walker].
type Option func(*config)

// WithOrder selects Ordered (the default) or Unordered emission
// (spec.md §6 set_order_matters).
func WithOrder(o Order) Option {
	return func(c *config) { c.order = o }
}

// WithCoarseness composes the expansion function with itself k times
// before a node is handed to the Compactor, collapsing k levels of
// tight recursion into fewer, larger subtasks (spec.md §4.6
// "Coarsening"). k <= 1 is a no-op.
func WithCoarseness(k int) Option {
	return func(c *config) { c.coarseness = k }
}

// WithBatching passes through Compactor options controlling how many
// sibling Node children are grouped into a single forked task (spec.md
// §6 set_compactor). The default is a static group size of 1 (every
// Node child gets its own task).
func WithBatching(opts ...compactor.Option) Option {
	return func(c *config) { c.compact = opts }
}

// WithNodeLimit bounds how many of a node's Node-children batches may
// be forked and buffered ahead of what the caller has actually
// consumed (spec.md §6 set_node_limit). This is the knob that keeps
// expansion lazy-in-depth (spec.md §4.6 "expanding depth lazily", §8
// "at most a configurable constant of subtrees beyond the p-th leaf
// are forced"): at every node a walk dispatches the next batch only
// once an earlier one has been pulled off the per-node dispatch
// channel, so a node with a thousand children never has more than n+1
// of them forked ahead of what its drain has received (n buffered, plus
// one whose send is blocked). The default is 2.
// Panics if n < 1.
func WithNodeLimit(n int) Option {
	if n < 1 {
		panic("ptree: WithNodeLimit requires n >= 1")
	}
	return func(c *config) { c.nodeLimit = n }
}

// WithNoGroups spreads a walk's dispatched batches round-robin across n
// independent child groups instead of the single group the caller
// passed to [Walker.Walk] (spec.md §6 set_no_groups). A batch task that
// itself fails (a panicking expansion) cancels only its own group. An
// expansion that returns an error cancels the group passed to Walk,
// which is the parent of all n groups, so every batch in the walk is
// cancelled. n <= 1, the default,
// keeps every dispatched task under the caller's own group.
func WithNoGroups(n int) Option {
	return func(c *config) { c.noGroups = n }
}

// WithEstimator seeds the per-dispatch Compactor with a dynamic-target
// estimator instead of the default static size-1 grouping (spec.md §6
// set_estimator); sugar for WithBatching(compactor.WithDynamicTarget(...)).
func WithEstimator(target time.Duration, seedSize int) Option {
	return WithBatching(compactor.WithDynamicTarget(target, seedSize))
}

// Result is one leaf (or, on failure, a terminal error) from a walk.
type Result[T any] struct {
	Value T
	Err   error
}

// Walker drives repeated expansions of one Expand function through a
// scheduler. Construct with [New]; run with [Walk].
type Walker[S, T any] struct {
	sched  *parafuture.Scheduler
	expand Expand[S, T]
	cfg    config
}

// New creates a Walker. sched provides the worker pool that expands
// sibling subtrees in parallel.
func New[S, T any](sched *parafuture.Scheduler, expand Expand[S, T], opts ...Option) *Walker[S, T] {
	cfg := config{
		order:      Ordered,
		coarseness: 1,
		nodeLimit:  2,
		compact:    []compactor.Option{compactor.WithStaticSize(1)},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Walker[S, T]{sched: sched, expand: expand, cfg: cfg}
}

// walk carries the per-invocation state a [Walker.Walk] call threads
// through its recursion: the fan-out groups [WithNoGroups] asked for,
// round-robin-assigned to dispatched batches at every level of the
// walk, not recreated per node.
type walk[S, T any] struct {
	w      *Walker[S, T]
	groups []*parafuture.Group
	next   atomic.Int64
}

func (wk *walk[S, T]) dispatchGroup(fallback *parafuture.Group) *parafuture.Group {
	if len(wk.groups) == 0 {
		return fallback
	}
	i := wk.next.Add(1) - 1
	return wk.groups[i%int64(len(wk.groups))]
}

// Walk expands root under group and returns a channel of every leaf in
// the configured order, closed once the walk finishes (successfully or
// not). In [Ordered] mode a failed expansion anywhere sends one final
// Result carrying the error before the channel closes; in [Unordered]
// mode an error Result may be followed by leaves from batches that
// were already running.
func (w *Walker[S, T]) Walk(ctx context.Context, group *parafuture.Group, root S) <-chan Result[T] {
	out := make(chan Result[T])
	wk := &walk[S, T]{w: w}
	if w.cfg.noGroups > 1 {
		wk.groups = make([]*parafuture.Group, w.cfg.noGroups)
		for i := range wk.groups {
			wk.groups[i] = parafuture.NewGroup(w.sched, group)
		}
	}
	go func() {
		defer close(out)
		wk.walkInto(ctx, group, root, out)
	}()
	return out
}

// walkInto expands state one level and forwards every leaf it (and its
// descendants) yields onto out, in the configured order. It returns
// true once a terminal error has been sent, signalling callers
// composing several walkInto calls in sequence to stop early.
func (wk *walk[S, T]) walkInto(ctx context.Context, group *parafuture.Group, state S, out chan<- Result[T]) bool {
	expand := wk.w.expand
	if wk.w.cfg.coarseness > 1 {
		expand = coarsen(wk.w.expand, wk.w.cfg.coarseness)
	}

	children, err := expand(state)
	if err != nil {
		group.Fail(err)
		out <- Result[T]{Err: err}
		return true
	}
	return wk.emitChildren(ctx, group, children, out)
}

func (wk *walk[S, T]) emitChildren(ctx context.Context, group *parafuture.Group, children []Child[S, T], out chan<- Result[T]) bool {
	var nodeIdx []int
	for i, c := range children {
		if !c.isLeaf {
			nodeIdx = append(nodeIdx, i)
		}
	}
	if len(nodeIdx) == 0 {
		for _, c := range children {
			out <- Result[T]{Value: c.leaf}
		}
		return false
	}

	batches := wk.dispatch(group, children, nodeIdx)
	if wk.w.cfg.order == Unordered {
		return wk.drainUnordered(ctx, group, children, batches, out)
	}
	return wk.drainOrdered(ctx, group, children, batches, out)
}

// posChildren is one node-child's one-level expansion result, tagged
// with its position among its siblings.
type posChildren[S, T any] struct {
	pos      int
	children []Child[S, T]
	err      error
}

type nodeBatch[S, T any] struct {
	positions []int
	fut       *parafuture.Future[[]posChildren[S, T]]
}

// dispatch partitions nodeIdx into batches sized by a fresh Compactor
// (spec.md §4.6 steps 3-4: "feed each Node to the Compactor... wrap the
// compacted groups as parallel futures"), forking one task per batch
// that performs exactly one level of expansion for every position in
// it (deeper levels are dispatched only when a caller recurses into
// that position's result, never up front).
//
// Batches are forked and sent on the returned channel as they are
// planned, but the channel's buffer is capped at [WithNodeLimit]'s
// value: once that many forked-but-unreceived batches are sitting in
// it, this goroutine plans and forks one more and then blocks on its
// send, so a node with far more children than the limit never has
// more than limit+1 of them forked ahead of the drain at once.
func (wk *walk[S, T]) dispatch(group *parafuture.Group, children []Child[S, T], nodeIdx []int) <-chan nodeBatch[S, T] {
	limit := wk.w.cfg.nodeLimit
	if limit < 1 {
		limit = 1
	}
	out := make(chan nodeBatch[S, T], limit)
	go func() {
		defer close(out)
		comp := compactor.New(
			func(i int) (int, int, bool) {
				if i >= len(nodeIdx) {
					return 0, i, false
				}
				return nodeIdx[i], i + 1, true
			},
			0, func(acc int, _ int) int { return acc + 1 },
			wk.w.cfg.compact...,
		)

		expand := wk.w.expand
		if wk.w.cfg.coarseness > 1 {
			expand = coarsen(wk.w.expand, wk.w.cfg.coarseness)
		}

		i := 0
		for i < len(nodeIdx) {
			n := comp.PlanSize()
			if n > len(nodeIdx)-i {
				n = len(nodeIdx) - i
			}
			if n < 1 {
				n = 1
			}
			positions := append([]int{}, nodeIdx[i:i+n]...)
			i += n

			dg := wk.dispatchGroup(group)
			fut := parafuture.Fork(wk.w.sched, dg, 0, func(ctx context.Context) ([]posChildren[S, T], error) {
				start := time.Now()
				res := make([]posChildren[S, T], 0, len(positions))
				for _, pos := range positions {
					kids, err := expand(children[pos].node)
					res = append(res, posChildren[S, T]{pos: pos, children: kids, err: err})
				}
				comp.Record(len(positions), time.Since(start))
				return res, nil
			})
			out <- nodeBatch[S, T]{positions: positions, fut: fut}
		}
	}()
	return out
}

// drainOrdered pulls batches off the dispatch channel one at a time,
// interleaving leaves found directly among children with each batch's
// recursively-expanded Node contributions, all in position order.
func (wk *walk[S, T]) drainOrdered(ctx context.Context, group *parafuture.Group, children []Child[S, T], batches <-chan nodeBatch[S, T], out chan<- Result[T]) bool {
	pos := 0
	emitLeavesUpTo := func(limit int) {
		for pos < limit {
			out <- Result[T]{Value: children[pos].leaf}
			pos++
		}
	}

	for batch := range batches {
		emitLeavesUpTo(batch.positions[0])

		resolved, err := parafuture.Join(ctx, batch.fut)
		if err != nil {
			out <- Result[T]{Err: err}
			return true
		}
		byPos := make(map[int]posChildren[S, T], len(resolved))
		for _, r := range resolved {
			byPos[r.pos] = r
		}

		for _, bp := range batch.positions {
			emitLeavesUpTo(bp)
			r := byPos[bp]
			if r.err != nil {
				group.Fail(r.err)
				out <- Result[T]{Err: r.err}
				return true
			}
			if stop := wk.emitChildren(ctx, group, r.children, out); stop {
				return true
			}
			pos = bp + 1
		}
	}
	emitLeavesUpTo(len(children))
	return false
}

// drainUnordered fans every dispatched batch's recursive expansion out
// concurrently, bounded to [WithNodeLimit] many at once, and forwards
// whichever finishes first.
func (wk *walk[S, T]) drainUnordered(ctx context.Context, group *parafuture.Group, children []Child[S, T], batches <-chan nodeBatch[S, T], out chan<- Result[T]) bool {
	for _, c := range children {
		if c.isLeaf {
			out <- Result[T]{Value: c.leaf}
		}
	}

	limit := wk.w.cfg.nodeLimit
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	failed := make(chan error, 1)
	reportErr := func(err error) {
		select {
		case failed <- err:
			out <- Result[T]{Err: err}
		default:
		}
	}

	var wg sync.WaitGroup
	for batch := range batches {
		batch := batch
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			resolved, err := parafuture.Join(ctx, batch.fut)
			if err != nil {
				reportErr(err)
				return
			}
			for _, r := range resolved {
				if r.err != nil {
					group.Fail(r.err)
					reportErr(r.err)
					continue
				}
				wk.emitChildren(ctx, group, r.children, out)
			}
		}()
	}
	wg.Wait()

	select {
	case <-failed:
		return true
	default:
		return false
	}
}

// coarsen composes expand with itself k-1 additional times, so a
// single dispatched batch performs k levels of expansion before the
// next round of Node children is handed back to the Compactor.
func coarsen[S, T any](expand Expand[S, T], k int) Expand[S, T] {
	return func(state S) ([]Child[S, T], error) {
		children, err := expand(state)
		if err != nil {
			return nil, err
		}
		return coarsenChildren(expand, children, k-1)
	}
}

func coarsenChildren[S, T any](expand Expand[S, T], children []Child[S, T], depth int) ([]Child[S, T], error) {
	if depth <= 0 {
		return children, nil
	}
	out := make([]Child[S, T], 0, len(children))
	for _, c := range children {
		if c.isLeaf {
			out = append(out, c)
			continue
		}
		grandchildren, err := expand(c.node)
		if err != nil {
			return nil, err
		}
		expanded, err := coarsenChildren(expand, grandchildren, depth-1)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}
