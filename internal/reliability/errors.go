package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned while the circuit breaker refuses calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrMaxRetriesExceeded is matched by every *RetryError
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
	return fmt.Sprintf("circuit breaker %s %s: call blocked (failures=%d, retry in %v)",
		e.Name, e.State, e.Failures, retryIn)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError represents a retried operation that never succeeded
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts over %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}
