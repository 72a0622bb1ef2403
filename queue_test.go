package parafuture

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup() *Group {
	return newGroupArena().newGroup(nil)
}

func TestEnqueueWithNoDepsIsImmediatelyReady(t *testing.T) {
	q := newTaskQueue()
	g := newTestGroup()

	id, wasFirst, accepted := q.Enqueue(g, nil, 0, func() {}, nil)
	require.True(t, accepted)
	assert.True(t, wasFirst)
	assert.Equal(t, QueueStatus{Ready: 1}, q.Status())

	te, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, id, te.id)
}

func TestEnqueueOntoCancelledGroupIsRejected(t *testing.T) {
	q := newTaskQueue()
	g := newTestGroup()
	g.Cancel(errors.New("dead"))

	_, _, accepted := q.Enqueue(g, nil, 0, func() {}, nil)
	assert.False(t, accepted)
}

func TestDependentBecomesReadyOnlyAfterAllDepsFinish(t *testing.T) {
	q := newTaskQueue()
	g := newTestGroup()

	dep1, _, _ := q.Enqueue(g, nil, 0, func() {}, nil)
	dep2, _, _ := q.Enqueue(g, nil, 0, func() {}, nil)
	_, _, _ = q.Enqueue(g, []int64{dep1, dep2}, 0, func() {}, nil)

	assert.Equal(t, 1, q.Status().Pending)
	assert.Equal(t, 2, q.Status().Ready)

	te1, _ := q.Dequeue()
	q.Finish(te1.id)
	assert.Equal(t, 1, q.Status().Pending, "still waiting on the other dep")

	te2, _ := q.Dequeue()
	q.Finish(te2.id)
	assert.Equal(t, 0, q.Status().Pending)
	assert.Equal(t, 1, q.Status().Ready)
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := newTaskQueue()
	g := newTestGroup()

	idLow, _, _ := q.Enqueue(g, nil, 0, func() {}, nil)
	idHigh, _, _ := q.Enqueue(g, nil, 5, func() {}, nil)
	idLow2, _, _ := q.Enqueue(g, nil, 0, func() {}, nil)

	te, _ := q.Dequeue()
	assert.Equal(t, idHigh, te.id)

	te, _ = q.Dequeue()
	assert.Equal(t, idLow, te.id)

	te, _ = q.Dequeue()
	assert.Equal(t, idLow2, te.id)
}

func TestCancelLockedDropsPendingAndReadyTasks(t *testing.T) {
	q := newTaskQueue()
	g := newTestGroup()

	var cancelled bool
	readyID, _, _ := q.Enqueue(g, nil, 0, func() {}, func(error) { cancelled = true })
	_, _, _ = q.Enqueue(g, []int64{readyID}, 0, func() {}, nil)

	g.Cancel(errors.New("stop"))
	q.mu.Lock()
	q.cancelLocked(g, errors.New("stop"))
	q.mu.Unlock()

	assert.True(t, cancelled)
	assert.Equal(t, QueueStatus{}, q.Status())
}

func TestExtendAppendsBodyToNotYetStartedTask(t *testing.T) {
	q := newTaskQueue()
	g := newTestGroup()

	var ran []int
	id, _, _ := q.Enqueue(g, nil, 0, func() { ran = append(ran, 1) }, nil)
	ok := q.Extend(id, func() { ran = append(ran, 2) })
	require.True(t, ok)

	te, _ := q.Dequeue()
	for _, b := range te.bodies {
		b()
	}
	assert.Equal(t, []int{1, 2}, ran)
}

func TestExtendFailsOnceTaskIsRunning(t *testing.T) {
	q := newTaskQueue()
	g := newTestGroup()

	id, _, _ := q.Enqueue(g, nil, 0, func() {}, nil)
	_, _ = q.Dequeue() // marks running

	ok := q.Extend(id, func() {})
	assert.False(t, ok)
}

func TestCancelAllCancelsOnlyAliveGroupsWithQueuedWork(t *testing.T) {
	q := newTaskQueue()
	arena := newGroupArena()
	g1 := arena.newGroup(nil)
	g2 := arena.newGroup(nil)

	q.Enqueue(g1, nil, 0, func() {}, nil)
	q.Enqueue(g2, nil, 0, func() {}, nil)

	groups := q.CancelAll(errors.New("shutdown"))
	assert.Len(t, groups, 2)
	assert.False(t, g1.IsAlive())
	assert.False(t, g2.IsAlive())
}

func TestAllPassiveReportsTrueWhenOnlyPassiveTasksRemain(t *testing.T) {
	q := newTaskQueue()
	g := newTestGroup()

	q.EnqueuePassive(g)
	assert.True(t, q.AllPassive())

	q.Enqueue(g, nil, 0, func() {}, nil)
	assert.False(t, q.AllPassive())
}
