package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker is
// open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls when a breaker trips and how it recovers.
// Trimmed from the reference framework's much larger configuration surface
// (no metrics collector, no error classifier plugin) down to the knobs
// this gateway's model client actually exercises.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SleepWindow      time.Duration
	HalfOpenRequests int
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// CircuitBreaker is a closed/open/half-open state machine guarding calls to
// a single upstream dependency.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

// Execute runs fn if the breaker allows it, recording the outcome.
// Cancellation and deadline errors don't count as breaker failures: they
// reflect the caller giving up, not the upstream being unhealthy.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return fmt.Errorf("resilience: %s: %w", cb.cfg.Name, ErrCircuitOpen)
	}

	err := fn(ctx)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cb.release()
		return err
	}

	if err == nil {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Since(cb.openedAt) >= cb.cfg.SleepWindow {
			cb.state = HalfOpen
			cb.halfOpenInFlight = 0
		} else {
			return false
		}
		fallthrough
	case HalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenRequests {
			return false
		}
		cb.halfOpenInFlight++
		return true
	}
	return false
}

// release gives back a half-open slot consumed by a call that was
// cancelled rather than resolved, so cancellation can't itself starve
// recovery probes.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == HalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.state = Closed
		cb.consecutiveFails = 0
		cb.halfOpenInFlight = 0
	case Closed:
		cb.consecutiveFails = 0
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.state = Open
		cb.openedAt = time.Now()
		cb.halfOpenInFlight = 0
	case Closed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.cfg.FailureThreshold {
			cb.state = Open
			cb.openedAt = time.Now()
		}
	}
}

// GetState reports the breaker's current state, for diagnostics and tests.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.consecutiveFails = 0
	cb.halfOpenInFlight = 0
}
