package parafuture

import "context"

// ParForEach runs fn over every item concurrently under a fresh group
// and waits for all of them, returning the first error encountered
// (spec.md §4.6 "par_list semantics" adapted to a side-effecting body).
// It is sugar over [Fork]/[JoinResults], grounded on the
// teacher's ForEach helper over Scope.Go.
func ParForEach[T any](ctx context.Context, s *Scheduler, items []T, fn func(ctx context.Context, item T) error) error {
	group := NewGroup(s, nil)
	futs := make([]*Future[struct{}], len(items))
	for i, item := range items {
		item := item
		futs[i] = Fork(s, group, 0, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx, item)
		})
	}
	_, err := JoinResults(ctx, futs)
	return err
}

// ParMap runs fn over every item concurrently under a fresh group and
// collects results in input order. On the first error it cancels the
// group (abandoning any not-yet-started items) and returns that error
// with a nil result slice.
func ParMap[T, R any](ctx context.Context, s *Scheduler, items []T, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	group := NewGroup(s, nil)
	futs := make([]*Future[R], len(items))
	for i, item := range items {
		item := item
		futs[i] = Fork(s, group, 0, func(ctx context.Context) (R, error) {
			return fn(ctx, item)
		})
	}
	results, err := JoinResults(ctx, futs)
	if err != nil {
		CancelGroup(s, group, err)
		return nil, err
	}
	return results, nil
}
