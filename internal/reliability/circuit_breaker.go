package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency for a while.
//
// After failureThreshold consecutive failures the circuit opens and every call
// fails fast with a *CircuitBreakerError. Once the open timeout has passed a
// single probe call is let through; its result closes or reopens the circuit.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	now       func() time.Time
	isFailure func(error) bool

	name             string
	failureThreshold int
	timeout          time.Duration
	logger           *slog.Logger
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithName sets the circuit breaker name for logs and errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailurePredicate decides which errors count as failures.
// By default every non-nil error does.
func WithFailurePredicate(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		timeout:          30 * time.Second,
		name:             "default",
		now:              time.Now,
		isFailure:        func(err error) bool { return err != nil },
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		nextRetry := cb.openedAt.Add(cb.timeout)
		if cb.now().Before(nextRetry) {
			return cb.rejection(nextRetry)
		}
		cb.transition(StateHalfOpen, "timeout expired")
		cb.probing = true
		return nil

	case StateHalfOpen:
		if cb.probing {
			return cb.rejection(cb.now().Add(cb.timeout))
		}
		cb.probing = true
		return nil
	}

	return nil
}

// release gives back a probe slot that was never used
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false

	if !cb.isFailure(err) {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.transition(StateClosed, "probe succeeded")
		}
		return
	}

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen, "probe failed")
	case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
		cb.transition(StateOpen, "failure threshold reached")
	}
}

func (cb *CircuitBreaker) rejection(nextRetry time.Time) error {
	return &CircuitBreakerError{
		Name:      cb.name,
		State:     cb.state,
		Failures:  cb.failures,
		NextRetry: nextRetry,
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
		cb.probing = false
	}
	if from != to {
		cb.logger.Warn("circuit breaker state changed",
			"name", cb.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	}
}
