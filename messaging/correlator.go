package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPollInterval is the pause between two pumps of the consumer while waiting
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultRequestTimeout bounds a synchronous call when the caller sets no deadline
	DefaultRequestTimeout = 30 * time.Second
)

// Correlator emulates a blocking request/response call over the dispatcher.
//
// Only one call is outstanding at a time per correlator; concurrent callers
// queue up. While a call is outstanding the dispatcher rejects unrelated
// deliveries back to the queue, so routed event processing stalls until the
// response arrives or the call times out.
type Correlator struct {
	dispatcher   *Dispatcher
	replyTo      string
	pollInterval time.Duration
	timeout      time.Duration
	newID        func() string
	logger       *slog.Logger

	// single-flight slot
	slot chan struct{}

	mu   sync.RWMutex
	pump EventPump
}

// CorrelatorOption configures the Correlator
type CorrelatorOption func(*Correlator)

// WithPollInterval sets the pause between consumer pumps while waiting
func WithPollInterval(interval time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		c.pollInterval = interval
	}
}

// WithRequestTimeout sets the default deadline of a call. Zero disables it.
func WithRequestTimeout(timeout time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		c.timeout = timeout
	}
}

// WithEventPump sets the pump used when a call is made from inside a handler
func WithEventPump(pump EventPump) CorrelatorOption {
	return func(c *Correlator) {
		c.pump = pump
	}
}

// WithCorrelationIDGenerator replaces the uuid based correlation ID generator
func WithCorrelationIDGenerator(fn func() string) CorrelatorOption {
	return func(c *Correlator) {
		c.newID = fn
	}
}

// WithCorrelatorLogger sets the logger
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// NewCorrelator creates a correlator whose responses are addressed to replyTo
func NewCorrelator(dispatcher *Dispatcher, replyTo string, options ...CorrelatorOption) *Correlator {
	c := &Correlator{
		dispatcher:   dispatcher,
		replyTo:      replyTo,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultRequestTimeout,
		newID:        uuid.NewString,
		logger:       slog.Default(),
		slot:         make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}

	return c
}

// SetEventPump sets the pump once the consumer is running
func (c *Correlator) SetEventPump(pump EventPump) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pump = pump
}

func (c *Correlator) eventPump() EventPump {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pump
}

// Call publishes payload to routingKey and blocks until the response arrives.
//
// Each call uses a fresh correlation ID and asks for the reply on the
// correlator's reply address. When ctx has no deadline the configured request
// timeout applies; on expiry the error wraps ErrCallTimeout.
//
// A call made from inside a handler runs on the consumer loop, so it pumps
// the consumer itself until its response shows up.
func (c *Correlator) Call(ctx context.Context, routingKey string, payload []byte) ([]byte, error) {
	if c.replyTo == "" {
		return nil, ErrNoReplyAddress
	}

	if c.timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}

	pumping := InDispatch(ctx)

	if err := c.acquire(ctx, pumping); err != nil {
		return nil, &CallError{RoutingKey: routingKey, Err: err}
	}
	defer c.release()

	correlationID := c.newID()
	call := c.dispatcher.beginCall(correlationID)
	defer c.dispatcher.endCall(correlationID)

	err := c.dispatcher.publish(ctx, routingKey, Publishing{
		ContentType:   "text/plain",
		CorrelationID: correlationID,
		ReplyTo:       c.replyTo,
		Body:          payload,
	})
	if err != nil {
		return nil, &CallError{RoutingKey: routingKey, CorrelationID: correlationID, Err: err}
	}

	c.logger.Info("waiting for response",
		"routingKey", routingKey,
		"replyTo", c.replyTo,
		"correlationId", correlationID,
	)

	body, err := c.wait(ctx, call, pumping)
	if err != nil {
		c.logger.Warn("synchronous call failed",
			"routingKey", routingKey,
			"correlationId", correlationID,
			"error", err,
		)
		return nil, &CallError{RoutingKey: routingKey, CorrelationID: correlationID, Err: err}
	}

	return body, nil
}

// wait blocks until the response of call is captured by the dispatcher
func (c *Correlator) wait(ctx context.Context, call *pendingCall, pumping bool) ([]byte, error) {
	var tick <-chan time.Time
	if pumping {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if pumping {
			if err := c.pumpOnce(ctx); err != nil {
				return nil, err
			}
		}

		select {
		case body := <-call.response:
			return body, nil
		case <-ctx.Done():
			return nil, contextError(ctx)
		case <-tick:
		}
	}
}

// acquire takes the single-flight slot. A handler waiting for the slot keeps
// pumping so the outstanding call can still receive its response.
func (c *Correlator) acquire(ctx context.Context, pumping bool) error {
	if !pumping {
		select {
		case c.slot <- struct{}{}:
			return nil
		case <-ctx.Done():
			return contextError(ctx)
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case c.slot <- struct{}{}:
			return nil
		default:
		}

		if err := c.pumpOnce(ctx); err != nil {
			return err
		}

		select {
		case c.slot <- struct{}{}:
			return nil
		case <-ctx.Done():
			return contextError(ctx)
		case <-ticker.C:
		}
	}
}

func (c *Correlator) release() {
	<-c.slot
}

func (c *Correlator) pumpOnce(ctx context.Context) error {
	pump := c.eventPump()
	if pump == nil {
		return ErrNoEventPump
	}
	if err := pump.ProcessEventsOnce(ctx); err != nil {
		return fmt.Errorf("failed to process events: %w", err)
	}
	return nil
}

// contextError maps an expired deadline to ErrCallTimeout
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCallTimeout, err)
	}
	return err
}
