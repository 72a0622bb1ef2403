package parafuture

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParForEachRunsOverEveryItem(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(2, 4))
	defer s.Shutdown()

	items := []int{1, 2, 3, 4, 5}
	seen := make(chan int, len(items))
	err := ParForEach(context.Background(), s, items, func(ctx context.Context, item int) error {
		seen <- item
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, len(items))
}

func TestParForEachReturnsFirstError(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(2, 4))
	defer s.Shutdown()

	wantErr := errors.New("item 3 is bad")
	err := ParForEach(context.Background(), s, []int{1, 2, 3}, func(ctx context.Context, item int) error {
		if item == 3 {
			return wantErr
		}
		return nil
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestParMapPreservesOrder(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(2, 4))
	defer s.Shutdown()

	items := []int{1, 2, 3, 4}
	out, err := ParMap(context.Background(), s, items, func(ctx context.Context, item int) (int, error) {
		return item * item, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9, 16}, out)
}

func TestParMapReturnsNilOnError(t *testing.T) {
	s := NewScheduler(WithWorkerBounds(2, 4))
	defer s.Shutdown()

	wantErr := errors.New("boom")
	out, err := ParMap(context.Background(), s, []int{1, 2, 3}, func(ctx context.Context, item int) (int, error) {
		if item == 2 {
			return 0, wantErr
		}
		return item, nil
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Nil(t, out)
}
