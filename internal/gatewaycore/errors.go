package gatewaycore

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is(). These name the error
// kinds enumerated in spec.md §7.
var (
	ErrUpstreamUnavailable = errors.New("upstream model unavailable")
	ErrThreadFailed        = errors.New("thinking thread failed to produce a step")
	ErrAllThreadsFailed    = errors.New("all thinking threads failed")
	ErrFusionFailed        = errors.New("fusion failed")
	ErrDeadlineExceeded    = errors.New("request deadline exceeded")
	ErrBadRequest          = errors.New("malformed or out-of-range request")
)

// GatewayError adds operation/kind context to a sentinel error, following
// the same Op/Kind/Err shape the rest of the ambient stack uses for
// structured logging and errors.Is/As support.
type GatewayError struct {
	Op  string
	Kind string
	Err error
}

func (e *GatewayError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError wraps err with operation and kind context.
func NewGatewayError(op, kind string, err error) *GatewayError {
	return &GatewayError{Op: op, Kind: kind, Err: err}
}
