package parafuture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardedAccessWaitsForCondition(t *testing.T) {
	c := NewCell(0)

	done := make(chan int, 1)
	go func() {
		v := GuardedAccess(c, func(cur int) (int, int, bool) {
			if cur < 5 {
				return 0, cur, false
			}
			return cur, cur, true
		})
		done <- v
	}()

	for i := 1; i <= 5; i++ {
		Change(c, func(cur int) int { return cur + 1 })
	}

	select {
	case v := <-done:
		assert.Equal(t, 5, v)
	case <-time.After(time.Second):
		t.Fatal("GuardedAccess never woke up")
	}
}

func TestChangeBroadcastsToAllWaiters(t *testing.T) {
	c := NewCell(false)
	var wg sync.WaitGroup
	results := make([]bool, 4)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = GuardedAccess(c, func(cur bool) (bool, bool, bool) {
				return cur, cur, cur
			})
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	Change(c, func(bool) bool { return true })

	wg.Wait()
	for _, r := range results {
		assert.True(t, r)
	}
}

func TestTimedAccessReturnsUnavailableOnDeadline(t *testing.T) {
	c := NewCell(0)
	_, err := TimedAccess(c, time.Now().Add(20*time.Millisecond), func(cur int) (int, int, bool) {
		return 0, cur, false
	})
	require_Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestTimedAccessSucceedsBeforeDeadline(t *testing.T) {
	c := NewCell(1)
	v, err := TimedAccess(c, time.Now().Add(time.Second), func(cur int) (int, int, bool) {
		return cur * 2, cur + 1, true
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, c.Value())
}

func require_Error(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected non-nil error")
	}
}
