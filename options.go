package parafuture

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// defaultTick is the scheduler's worker-count reevaluation period
// (spec.md §5 "Worker count is reevaluated on a fixed tick, not on
// every enqueue/dequeue").
const defaultTick = 50 * time.Millisecond

// defaultTrendThreshold is the hysteresis bound on the queue-depth
// trend counter before the scheduler considers resizing the pool
// (spec.md §5 "a trend counter with hysteresis, not an instantaneous
// sample, drives resizing decisions").
const defaultTrendThreshold = 50

type config struct {
	minWorkers     int
	maxWorkers     int
	tick           time.Duration
	trendThreshold int
	logger         hclog.Logger
}

func defaultConfig() config {
	return config{
		minWorkers:     1,
		maxWorkers:     0, // 0 means "unbounded, derive from GOMAXPROCS at NewScheduler time"
		tick:           defaultTick,
		trendThreshold: defaultTrendThreshold,
		logger:         hclog.NewNullLogger(),
	}
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*config)

// WithWorkerBounds sets the elastic pool's floor and ceiling. A max of
// zero means the pool is sized from runtime.GOMAXPROCS when the
// scheduler starts. Panics if min is negative or max is positive and
// less than min.
func WithWorkerBounds(min, max int) SchedulerOption {
	if min < 0 {
		panic("parafuture: WithWorkerBounds requires non-negative min")
	}
	if max > 0 && max < min {
		panic("parafuture: WithWorkerBounds requires max >= min")
	}
	return func(c *config) {
		c.minWorkers = min
		c.maxWorkers = max
	}
}

// WithTick overrides the scheduler's resize-evaluation period. Panics
// if d <= 0.
func WithTick(d time.Duration) SchedulerOption {
	if d <= 0 {
		panic("parafuture: WithTick requires d > 0")
	}
	return func(c *config) {
		c.tick = d
	}
}

// WithTrendThreshold overrides the hysteresis bound on the queue-depth
// trend counter. Panics if n <= 0.
func WithTrendThreshold(n int) SchedulerOption {
	if n <= 0 {
		panic("parafuture: WithTrendThreshold requires n > 0")
	}
	return func(c *config) {
		c.trendThreshold = n
	}
}

// WithLogger attaches an hclog.Logger the scheduler uses for worker
// lifecycle and cancellation tracing. The default is a null logger.
func WithLogger(l hclog.Logger) SchedulerOption {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
