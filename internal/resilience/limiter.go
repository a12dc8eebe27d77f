package resilience

import "context"

// Limiter bounds the number of concurrently in-flight upstream calls across
// the whole process, independent of how many threads or validation calls
// are trying to run at once. Grounded on the reference framework's
// SmartExecutor semaphore, generalized to a standalone type so every
// ModelClient call (main, validation, fusion, summary) shares one budget.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter creates a limiter admitting at most capacity concurrent
// holders. A non-positive capacity is treated as 1.
func NewLimiter(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives back a slot acquired with Acquire.
func (l *Limiter) Release() {
	<-l.slots
}

// Do runs fn while holding a slot, releasing it regardless of outcome.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}
