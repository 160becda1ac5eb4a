// Package retry runs operations under an exponential backoff policy driven
// by error classification.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/icastillejo/vimeoarc/internal/classify"
)

const jitterFraction = 0.1

// Policy configures how an operation is retried. The operation runs at most
// MaxRetries+1 times. An operation must be safe to invoke repeatedly; the
// transfer layer satisfies this through resume semantics.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// OnRetry fires before every re-attempt with the 1-based retry number
	// and the error that triggered it.
	OnRetry func(attempt int, err error)
}

// Delay computes the wait before re-attempting after the given 0-based
// attempt. A server retry-after hint overrides the exponential schedule.
func (p Policy) Delay(attempt int, cerr *classify.ClassifiedError) time.Duration {
	if cerr != nil && cerr.RetryAfter > 0 {
		return cerr.RetryAfter
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := time.Duration(float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Float64() * jitterFraction * float64(delay))
	}

	return delay
}

// Do executes op until it succeeds, fails with a non-retryable error, or the
// attempt budget is exhausted. The last error is returned to the caller.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		cerr := classify.FromError("operation", lastErr)
		if !cerr.Retryable() {
			return lastErr
		}

		if attempt == p.MaxRetries {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt, cerr)):
		}
	}

	return lastErr
}
