package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPattern is returned for empty patterns or patterns with empty segments
	ErrInvalidPattern = errors.New("messaging: invalid routing pattern")

	// ErrNilHandler is returned when registering a nil handler
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrCallTimeout is returned when a synchronous call gets no response before its deadline
	ErrCallTimeout = errors.New("messaging: synchronous call timed out")

	// ErrNoPublisher is returned when sending without a configured publisher
	ErrNoPublisher = errors.New("messaging: no publisher configured")

	// ErrNoEventPump is returned when a call made from a handler cannot drive the consumer
	ErrNoEventPump = errors.New("messaging: no event pump to drive the consumer")

	// ErrDuplicatePattern is matched by every *DuplicatePatternError
	ErrDuplicatePattern = errors.New("messaging: pattern already registered")

	// ErrNoReplyAddress is returned when a synchronous call has nowhere to receive its response
	ErrNoReplyAddress = errors.New("messaging: reply-to address is required")
)

// DuplicatePatternError is returned when a pattern is registered twice
type DuplicatePatternError struct {
	Pattern string
}

func (e *DuplicatePatternError) Error() string {
	return fmt.Sprintf("messaging: pattern %q is already registered", e.Pattern)
}

func (e *DuplicatePatternError) Is(target error) bool {
	return target == ErrDuplicatePattern
}

// HandlerError wraps a failure raised by a handler during dispatch
type HandlerError struct {
	RoutingKey string
	Pattern    string
	Handler    string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("messaging: handler %s for %s (pattern %s) failed: %v",
		e.Handler, e.RoutingKey, e.Pattern, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// CallError describes a synchronous call that did not complete
type CallError struct {
	RoutingKey    string
	CorrelationID string
	Err           error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("messaging: call to %s (correlationId=%s) failed: %v",
		e.RoutingKey, e.CorrelationID, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsDuplicatePattern reports whether err is a DuplicatePatternError
func IsDuplicatePattern(err error) bool {
	var dup *DuplicatePatternError
	return errors.As(err, &dup)
}
