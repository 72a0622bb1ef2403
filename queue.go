package parafuture

import (
	"container/heap"
	"sync"
	"time"
)

// taskState is the state of a queued task (spec.md §3 "Queue entries").
// Finished tasks are removed from the queue entirely rather than kept
// in a fourth state.
type taskState int

const (
	taskPending taskState = iota
	taskReady
	taskRunning
	taskPassive
)

// taskEntry is one row of the task queue. bodies holds one or more
// closures to run, in order, the next time the task is dequeued — more
// than one only when [taskQueue.Extend] appended a continuation (the
// fast-path [Map]).
type taskEntry struct {
	id         int64
	group      *Group
	priority   int
	seq        int64
	deps       map[int64]struct{}
	dependents map[int64]struct{}
	bodies     []func()
	onCancel   func(reason error)
	state      taskState
	heapIdx    int
}

// QueueStatus is a point-in-time snapshot of task counts by state
// (spec.md §4.3 "status()").
type QueueStatus struct {
	Ready, Pending, Running, Passive int
}

// taskQueue is the priority+dependency queue of C3. A single mutex
// guards every mutator, matching spec.md §5's "the task queue is
// protected by a single mutex; every mutator acquires it."
type taskQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	tasks     map[int64]*taskEntry
	ready     readyHeap
	nextSeq   int64
	peakReady int
	statusCnt [4]int // indexed by taskState
	closed    bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{tasks: make(map[int64]*taskEntry)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a runnable task with the given dependency set and
// priority. If group is already cancelled, the task is never added and
// accepted is false — the caller is responsible for resolving the
// future's cell itself (spec.md §4.3 "Failure semantics").
// wasFirstReady reports whether this task became the only ready task in
// an otherwise idle queue (used by the scheduler to decide whether to
// wake an idle worker immediately rather than wait for the next tick).
func (q *taskQueue) Enqueue(group *Group, deps []int64, priority int, body func(), onCancel func(error)) (id int64, wasFirstReady bool, accepted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !group.IsAlive() {
		return 0, false, false
	}

	q.nextSeq++
	te := &taskEntry{
		id:         q.nextSeq, // task ids are the queue's own monotonic sequence (spec.md §3 "Task identity")
		priority:   priority,
		seq:        q.nextSeq,
		deps:       make(map[int64]struct{}, len(deps)),
		dependents: make(map[int64]struct{}),
		bodies:     []func(){body},
		onCancel:   onCancel,
		group:      group,
	}
	q.tasks[te.id] = te

	for _, d := range deps {
		if dep, ok := q.tasks[d]; ok {
			te.deps[d] = struct{}{}
			dep.dependents[te.id] = struct{}{}
		}
	}

	group.retain()

	if len(te.deps) == 0 {
		te.state = taskReady
		wasFirstReady = len(q.ready) == 0
		heap.Push(&q.ready, te)
		q.statusCnt[taskReady]++
		if len(q.ready) > q.peakReady {
			q.peakReady = len(q.ready)
		}
		q.cond.Broadcast()
		return te.id, wasFirstReady, true
	}
	te.state = taskPending
	q.statusCnt[taskPending]++
	return te.id, false, true
}

// EnqueuePassive adds a passive (promise) task with no body and no
// dependencies; it is resolved only by an external Fulfill.
func (q *taskQueue) EnqueuePassive(group *Group) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	te := &taskEntry{
		id:         q.nextSeq,
		seq:        q.nextSeq,
		deps:       map[int64]struct{}{},
		dependents: map[int64]struct{}{},
		state:      taskPassive,
		group:      group,
	}
	q.tasks[te.id] = te
	group.retain()
	q.statusCnt[taskPassive]++
	return te.id
}

// Extend appends a continuation body to an already-queued, not-yet-
// started task, returning false (and doing nothing) if the task has
// already started running, is passive, or no longer exists.
func (q *taskQueue) Extend(id int64, body func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	te, ok := q.tasks[id]
	if !ok || te.state == taskRunning || te.state == taskPassive {
		return false
	}
	te.bodies = append(te.bodies, body)
	return true
}

// Dequeue pops the highest-priority ready task, marking it running.
func (q *taskQueue) Dequeue() (*taskEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *taskQueue) dequeueLocked() (*taskEntry, bool) {
	for len(q.ready) > 0 {
		te := heap.Pop(&q.ready).(*taskEntry)
		q.statusCnt[taskReady]--
		if !te.group.IsAlive() {
			// Should have been swept by cancelLocked already, but a
			// defensive drop keeps the invariant "a ready task whose
			// group is cancelled is silently dropped" (spec.md §4.3)
			// true under any ordering.
			delete(q.tasks, te.id)
			q.resolveCancelledLocked(te, &InterruptedError{GroupID: te.group.id})
			continue
		}
		te.state = taskRunning
		q.statusCnt[taskRunning]++
		return te, true
	}
	return nil, false
}

// DequeueWait behaves like Dequeue but, when no task is ready, parks the
// calling worker for up to pollInterval before giving up for this call
// (using the same [time.AfterFunc] wake trick as [waitUntil]). A worker
// loop calls this in a loop so it periodically gets a chance to notice
// a pending retirement request even while the queue stays empty.
func (q *taskQueue) DequeueWait(pollInterval time.Duration) (*taskEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if te, ok := q.dequeueLocked(); ok {
		return te, true
	}
	if q.closed {
		return nil, false
	}
	waitUntil(q.cond, time.Now().Add(pollInterval))
	return q.dequeueLocked()
}

// IsClosedAndEmpty reports whether the queue has been closed and has no
// ready task left to hand out. Pending and running tasks are not
// counted.
func (q *taskQueue) IsClosedAndEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.ready) == 0
}

// Close marks the queue closed and wakes every blocked worker; already
// queued work still drains normally, DequeueWait just stops waiting
// once it runs out.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// DequeueTowards picks a ready task that is a transitive dependency of
// targets, approximating "prefer those on the critical path" with a
// breadth-first search from targets (nearest dependency first). Used by
// Join's work-stealing loop.
func (q *taskQueue) DequeueTowards(targets []int64) (*taskEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	visited := make(map[int64]bool)
	frontier := append([]int64{}, targets...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		te, ok := q.tasks[id]
		if !ok {
			continue // already finished
		}
		if te.state == taskReady {
			q.removeReadyLocked(te)
			te.state = taskRunning
			q.statusCnt[taskRunning]++
			return te, true
		}
		for dep := range te.deps {
			frontier = append(frontier, dep)
		}
	}
	return nil, false
}

func (q *taskQueue) removeReadyLocked(te *taskEntry) {
	q.statusCnt[taskReady]--
	heap.Remove(&q.ready, te.heapIdx)
}

// Finish removes a task and its outgoing edges, promoting any
// dependent whose last dependency just cleared into the ready heap.
// wasMaximal reports whether the ready heap was at its recent
// high-water mark immediately before this removal — a heuristic signal
// the scheduler uses to decide whether shrinking demand justifies
// retiring a worker (spec.md §4.3 "used to decide wakeups"; this
// runtime has no fixed queue capacity to report against, so "capacity"
// is interpreted as the queue's own observed peak).
func (q *taskQueue) Finish(id int64) (wasMaximal bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishLocked(id)
}

func (q *taskQueue) finishLocked(id int64) bool {
	te, ok := q.tasks[id]
	if !ok {
		return false
	}
	wasMaximal := len(q.ready) == q.peakReady && q.peakReady > 0

	switch te.state {
	case taskReady:
		q.statusCnt[taskReady]--
	case taskRunning:
		q.statusCnt[taskRunning]--
	case taskPending:
		q.statusCnt[taskPending]--
	case taskPassive:
		q.statusCnt[taskPassive]--
	}

	delete(q.tasks, id)
	te.group.release()

	for depID := range te.dependents {
		dep, ok := q.tasks[depID]
		if !ok {
			continue
		}
		delete(dep.deps, id)
		if len(dep.deps) == 0 && dep.state == taskPending {
			dep.state = taskReady
			q.statusCnt[taskPending]--
			q.statusCnt[taskReady]++
			heap.Push(&q.ready, dep)
			if len(q.ready) > q.peakReady {
				q.peakReady = len(q.ready)
			}
		}
	}
	q.cond.Broadcast()
	return wasMaximal
}

// Depend inserts dependency edges for a join-initiated wait: the
// in-progress caller of Join records that it is interested in deps so
// that DequeueTowards can find useful work on its behalf. It is a
// best-effort annotation, not a hard scheduling constraint — it never
// moves a ready task back to pending.
func (q *taskQueue) Depend(id int64, deps []int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	te, ok := q.tasks[id]
	if !ok {
		return
	}
	for _, d := range deps {
		if dep, ok := q.tasks[d]; ok {
			te.deps[d] = struct{}{}
			dep.dependents[id] = struct{}{}
		}
	}
}

// cancelLocked resolves every non-running, non-finished task belonging
// to group or a descendant as interrupted, removing it from the queue.
// It must be called while the caller already holds q.mu (via
// Scheduler.CancelGroup) and after group.Cancel has already flipped the
// cancelled flags, so the "observed cancelled before any new job is
// accepted" ordering (spec.md §3) holds against concurrent Enqueue
// calls, which also take q.mu. It returns whether any currently running
// task belongs to the cancelled subtree (those are left to notice
// cancellation cooperatively).
func (q *taskQueue) cancelLocked(group *Group, reason error) (anyRunningAffected bool) {
	affected := map[int64]bool{group.id: true}
	var collect func(g *Group)
	collect = func(g *Group) {
		g.mu.Lock()
		kids := g.snapshotChildrenLocked()
		g.mu.Unlock()
		for _, c := range kids {
			affected[c.id] = true
			collect(c)
		}
	}
	collect(group)

	for id, te := range q.tasks {
		if !affected[te.group.id] {
			continue
		}
		switch te.state {
		case taskRunning:
			anyRunningAffected = true
		case taskReady:
			q.removeReadyLocked(te)
			q.resolveCancelledLocked(te, &InterruptedError{GroupID: te.group.id, Reason: reason})
			delete(q.tasks, id)
		case taskPending, taskPassive:
			q.statusCnt[te.state]--
			q.resolveCancelledLocked(te, &InterruptedError{GroupID: te.group.id, Reason: reason})
			delete(q.tasks, id)
		}
	}
	q.cond.Broadcast()
	return anyRunningAffected
}

func (q *taskQueue) resolveCancelledLocked(te *taskEntry, outcome error) {
	te.group.release()
	if te.onCancel != nil {
		te.onCancel(outcome)
	}
}

// CancelAll cancels every currently-alive group that owns a task in the
// queue and returns those groups (spec.md §4.3 "cancel_all() → list<group>
// returns the groups that were alive").
func (q *taskQueue) CancelAll(reason error) []*Group {
	q.mu.Lock()
	seen := make(map[int64]*Group)
	for _, te := range q.tasks {
		if te.group.IsAlive() {
			seen[te.group.id] = te.group
		}
	}
	q.mu.Unlock()

	groups := make([]*Group, 0, len(seen))
	for _, g := range seen {
		groups = append(groups, g)
	}
	for _, g := range groups {
		g.Cancel(reason)
		q.mu.Lock()
		q.cancelLocked(g, reason)
		q.mu.Unlock()
	}
	return groups
}

// Status returns a snapshot of task counts by state.
func (q *taskQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		Ready:   q.statusCnt[taskReady],
		Pending: q.statusCnt[taskPending],
		Running: q.statusCnt[taskRunning],
		Passive: q.statusCnt[taskPassive],
	}
}

// AllPassive reports whether every remaining queued task is passive
// (spec.md §3 "quiescent" condition, minus the "no worker executing"
// half which the scheduler tracks itself).
func (q *taskQueue) AllPassive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusCnt[taskReady] == 0 && q.statusCnt[taskPending] == 0 && q.statusCnt[taskRunning] == 0
}

// readyHeap orders ready tasks by priority (descending), then by
// insertion sequence (ascending, i.e. FIFO) — spec.md §4.3's ordering
// policy — using the same container/heap idiom as the teacher's
// indexedResultHeap in stream.go.
type readyHeap []*taskEntry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *readyHeap) Push(x any) {
	te := x.(*taskEntry)
	te.heapIdx = len(*h)
	*h = append(*h, te)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	te := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return te
}
