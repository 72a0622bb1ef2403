// Command parafuture-demo forks a handful of tasks, lets one of them
// fail, and prints the joined result, then runs a small map/join chain.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/elyase/parafuture"
)

func slow(d time.Duration, v int) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		select {
		case <-time.After(d):
			return v, nil
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		}
	}
}

func failing(ctx context.Context) (int, error) {
	return 0, errors.New("w3 failed")
}

func main() {
	sched := parafuture.NewScheduler(
		parafuture.WithLogger(hclog.New(&hclog.LoggerOptions{Name: "parafuture-demo", Level: hclog.Info})),
	)
	defer sched.Shutdown()

	group := parafuture.NewGroup(sched, nil)
	ctx := context.Background()

	start := time.Now()
	futs := []*parafuture.Future[int]{
		parafuture.Fork(sched, group, 0, failing),
		parafuture.Fork(sched, group, 0, slow(200*time.Millisecond, 1)),
		parafuture.Fork(sched, group, 0, slow(200*time.Millisecond, 2)),
	}

	results, err := parafuture.JoinResults(ctx, futs)
	fmt.Printf("results=%v err=%v elapsed=%s\n", results, err, time.Since(start))

	doubled := parafuture.Map(sched, futs[1], func(v int) (int, error) { return v * 2, nil })
	v, _ := parafuture.Join(ctx, doubled)
	fmt.Printf("doubled=%d\n", v)
}
