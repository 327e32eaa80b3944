// Package workq implements the asynchronous completion mechanism the core
// uses instead of ever blocking a calling thread (spec.md §5): a caller
// allocates a node carrying a continuation, and Post delivers it on a
// worker goroutine, the same "post a worklet to the work queue" idiom the
// teacher's runtime uses for completions, generalized from the teacher's
// per-CPU queues to a bounded worker pool sized the way
// internal/sandbox/uffd/prefetch sizes its fetch/copy worker pools.
package workq

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Worklet is a single-shot unit of completion work.
type Worklet func()

// Queue posts worklets to a bounded pool of worker goroutines. Post never
// blocks its caller: each worklet gets its own goroutine, which waits for
// a semaphore slot before running.
type Queue struct {
	sem *semaphore.Weighted
}

// New returns a Queue that runs at most maxInFlight worklets concurrently.
func New(maxInFlight int64) *Queue {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Queue{sem: semaphore.NewWeighted(maxInFlight)}
}

// Post schedules w to run on a worker goroutine. Completion order across
// distinct Post calls is not guaranteed; ordering guarantees required by
// spec.md §5 are the responsibility of the caller (e.g. ManagedSpace's
// FIFO queues), not of Queue itself.
func (q *Queue) Post(w Worklet) {
	go func() {
		ctx := context.Background()
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer q.sem.Release(1)
		w()
	}()
}

// PostSync runs w immediately on the calling goroutine without going
// through the worker pool, used by components that have already
// determined a result is synchronously available (spec.md §4.A: "fetch
// returns true if the page is already present").
func PostSync(w Worklet) {
	w()
}
