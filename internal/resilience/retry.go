// Package resilience provides the retry, circuit-breaker and concurrency
// limiting primitives the model client wraps upstream calls with. Grounded
// on the reference framework's resilience package, trimmed to the policies
// this gateway actually needs.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls exponential backoff retry of a single operation.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig mirrors the 3-attempt, 2s/4s/8s backoff spec.md
// prescribes for ModelClient calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// RetryableFunc is an operation that classifies its own errors as
// retryable by returning a *RetryableError; any other error is treated as
// permanent and short-circuits the retry loop.
type RetryableFunc func(ctx context.Context) error

// RetryableError marks err as eligible for another attempt.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so Retry will attempt it again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func isRetryable(err error) bool {
	_, ok := err.(*RetryableError)
	return ok
}

func unwrapRetryable(err error) error {
	if re, ok := err.(*RetryableError); ok {
		return re.Err
	}
	return err
}

// Retry runs fn with exponential backoff, stopping early on a non-retryable
// error, context cancellation, or after cfg.MaxAttempts tries. It returns
// the unwrapped last error on exhaustion.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return unwrapRetryable(err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.JitterEnabled {
			wait += time.Duration(rand.Int63n(int64(delay) / 2))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return unwrapRetryable(lastErr)
}

// RetryWithBreaker composes Retry with a CircuitBreaker: each attempt goes
// through the breaker, and an open breaker short-circuits the whole retry
// loop without waiting out the backoff.
func RetryWithBreaker(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, fn RetryableFunc) error {
	return Retry(ctx, cfg, func(ctx context.Context) error {
		return cb.Execute(ctx, fn)
	})
}
