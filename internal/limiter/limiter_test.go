package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundNeverExceeded(t *testing.T) {
	const (
		permits = 3
		jobs    = 50
	)

	l := New(permits)

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		wg       sync.WaitGroup
	)

	for i := 0; i < jobs; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			require.NoError(t, l.Acquire(context.Background()))
			defer l.Release()

			n := inFlight.Add(1)
			defer inFlight.Add(-1)

			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}

			time.Sleep(time.Millisecond)
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(permits))
	assert.Zero(t, inFlight.Load())
}

func TestLimiter_AcquireRespectsContext(t *testing.T) {
	l := New(1)

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Release()
	require.NoError(t, l.Acquire(context.Background()))
}

func TestLimiter_TryAcquire(t *testing.T) {
	l := New(1)

	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())

	l.Release()
	assert.True(t, l.TryAcquire())
}

func TestNew_ClampsToOne(t *testing.T) {
	l := New(0)

	assert.Equal(t, 1, l.Cap())
}
