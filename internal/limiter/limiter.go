// Package limiter bounds the number of simultaneously in-flight transfers.
package limiter

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter is a counting admission gate with FIFO wake-up. It is the sole
// mechanism bounding parallelism; holders must pair every Acquire with a
// Release.
type Limiter struct {
	sem *semaphore.Weighted
	cap int
}

// New creates a limiter with n permits. n must be at least 1.
func New(n int) *Limiter {
	if n < 1 {
		n = 1
	}

	return &Limiter{
		sem: semaphore.NewWeighted(int64(n)),
		cap: n,
	}
}

// Acquire blocks until a permit is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire grabs a permit without blocking.
func (l *Limiter) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release returns a permit and wakes the longest-waiting caller.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Cap returns the configured permit count.
func (l *Limiter) Cap() int {
	return l.cap
}
