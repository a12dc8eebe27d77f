package resilience

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	lim := NewLimiter(2)
	var current, max int32

	run := func() {
		_ = lim.Do(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt32(&current, 1)
			for {
				old := atomic.LoadInt32(&max)
				if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		})
	}

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() { run(); done <- struct{}{} }()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	assert.LessOrEqual(t, int(atomic.LoadInt32(&max)), 2)
}

func TestLimiter_AcquireRespectsContext(t *testing.T) {
	lim := NewLimiter(1)
	require.NoError(t, lim.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := lim.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
