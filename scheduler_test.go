package parafuture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForkJoinReturnsValue(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(2, 4))
	defer s.Shutdown()

	f := ForkIn(s, 0, func(ctx context.Context) (int, error) {
		return 21 * 2, nil
	})
	v, err := Join(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestForkPropagatesUserError(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(2, 4))
	defer s.Shutdown()

	wantErr := errors.New("broke")
	f := ForkIn(s, 0, func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	_, err := Join(context.Background(), f)
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestForkOnCancelledGroupReturnsInterrupted(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 2))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	CancelGroup(s, g, errors.New("cancelled up front"))

	f := Fork(s, g, 0, func(ctx context.Context) (int, error) {
		t.Fatal("body should never run")
		return 0, nil
	})
	_, err := Join(context.Background(), f)
	assert.True(t, IsInterrupted(err))
}

func TestForkDepsWaitsForDependencies(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(2, 4))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	var order []int32
	var counter int32

	first := Fork(s, g, 0, func(ctx context.Context) (int, error) {
		time.Sleep(10 * time.Millisecond)
		order = append(order, atomic.AddInt32(&counter, 1))
		return 1, nil
	})
	second := ForkDeps(s, g, 0, []int64{first.TaskID()}, func(ctx context.Context) (int, error) {
		order = append(order, atomic.AddInt32(&counter, 1))
		return 2, nil
	})

	v1, err1 := Join(context.Background(), first)
	v2, err2 := Join(context.Background(), second)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.Equal(t, []int32{1, 2}, order)
}

func TestMapFastPathAppliesBeforeJoin(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	f := ForkIn(s, 0, func(ctx context.Context) (int, error) {
		return 10, nil
	})
	mapped := Map(s, f, func(v int) (int, error) {
		return v * 3, nil
	})

	v, err := Join(context.Background(), mapped)
	require.NoError(t, err)
	assert.Equal(t, 30, v)
}

func TestMapPropagatesSourceError(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	wantErr := errors.New("source broke")
	f := ForkIn(s, 0, func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	mapped := Map(s, f, func(v int) (int, error) {
		t.Fatal("transform should not run when source failed")
		return v, nil
	})

	_, err := Join(context.Background(), mapped)
	assert.ErrorIs(t, err, wantErr)
}

func TestMapOnAlreadyResolvedValueAppliesSynchronously(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	f := Value(g, 5)
	mapped := Map(s, f, func(v int) (int, error) { return v + 1, nil })

	v, err := Join(context.Background(), mapped)
	require.NoError(t, err)
	assert.Equal(t, 6, v)
}

func TestPromiseAndFulfill(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	p := Promise[string](s, g)

	go func() {
		time.Sleep(5 * time.Millisecond)
		Fulfill(s, p, "done", nil)
	}()

	v, err := Join(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestFulfillTwicePanics(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	p := Promise[int](s, g)
	Fulfill(s, p, 1, nil)

	assert.Panics(t, func() {
		Fulfill(s, p, 2, nil)
	})
}

func TestFulfillOnNonPromiseFuturePanics(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	f := ForkIn(s, 0, func(ctx context.Context) (int, error) { return 1, nil })
	Join(context.Background(), f)

	assert.Panics(t, func() {
		Fulfill(s, f, 2, nil)
	})
}

func TestJoinResultsPreservesOrderAndFirstError(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(2, 4))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	wantErr := errors.New("item 1 failed")
	futs := make([]*Future[int], 3)
	// futs[1]'s failure cancels g, so it waits for futs[2] to finish
	// first; otherwise futs[2] could be dropped as interrupted.
	done2 := make(chan struct{})
	futs[0] = Fork(s, g, 0, func(ctx context.Context) (int, error) { return 0, nil })
	futs[1] = Fork(s, g, 0, func(ctx context.Context) (int, error) {
		<-done2
		return 0, wantErr
	})
	futs[2] = Fork(s, g, 0, func(ctx context.Context) (int, error) {
		defer close(done2)
		return 2, nil
	})

	results, err := JoinResults(context.Background(), futs)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 2, results[2])
}

func TestJoinInsideWorkerStealsTowardDependency(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	outer := ForkIn(s, 0, func(ctx context.Context) (int, error) {
		inner := Fork(s, g, 0, func(ctx context.Context) (int, error) {
			return 99, nil
		})
		return Join(ctx, inner)
	})

	v, err := Join(context.Background(), outer)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestCancelGroupInterruptsQueuedWork(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	blocker := make(chan struct{})
	Fork(s, g, 0, func(ctx context.Context) (int, error) {
		<-blocker
		return 0, nil
	})
	queued := Fork(s, g, 0, func(ctx context.Context) (int, error) {
		t.Fatal("should never run after cancellation")
		return 0, nil
	})

	CancelGroup(s, g, errors.New("abort"))
	close(blocker)

	_, err := Join(context.Background(), queued)
	assert.True(t, IsInterrupted(err))
}

func TestSchedulerStatsReportsWorkerCount(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(3, 3))
	defer s.Shutdown()

	st := s.Stats()
	assert.Equal(t, 3, st.Workers)
}

func TestPanicInTaskBodyFailsGroupWithPanicError(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(1, 1))
	defer s.Shutdown()

	g := NewGroup(s, nil)
	f := Fork(s, g, 0, func(ctx context.Context) (int, error) {
		panic("kaboom")
	})

	_, err := Join(context.Background(), f)
	require.Error(t, err)
	var pe *PanicError
	assert.ErrorAs(t, err, &pe)
}
