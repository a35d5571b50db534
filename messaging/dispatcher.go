package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Outcome describes what the dispatcher did with a delivery
type Outcome int

const (
	// OutcomeRouted means the delivery was acknowledged and handed to its handlers
	OutcomeRouted Outcome = iota
	// OutcomeUnrouted means no pattern matched and the delivery was left unsettled
	OutcomeUnrouted
	// OutcomeResponse means the delivery answered the outstanding synchronous call
	OutcomeResponse
	// OutcomeRequeued means the delivery was rejected back to the queue during a synchronous call
	OutcomeRequeued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRouted:
		return "routed"
	case OutcomeUnrouted:
		return "unrouted"
	case OutcomeResponse:
		return "response"
	case OutcomeRequeued:
		return "requeued"
	default:
		return "unknown"
	}
}

// DispatchStats contains dispatcher counters
type DispatchStats struct {
	Routed          int64
	Unrouted        int64
	Responses       int64
	Requeued        int64
	HandlerFailures int64
}

// pendingCall is the correlation state of one synchronous call
type pendingCall struct {
	correlationID string
	response      chan []byte
}

// Dispatcher routes inbound deliveries to registered handlers and settles them.
//
// While a synchronous call is outstanding the dispatcher is in sync mode: the
// response carrying the awaited correlation ID is captured and every other
// delivery is rejected with requeue, so nothing is routed until the call ends.
//
// OnMessage must not be called concurrently for two deliveries. Nested calls
// from a handler's own synchronous call are expected.
type Dispatcher struct {
	registry  *Registry
	publisher Publisher
	exchange  string
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall

	routed    atomic.Int64
	unrouted  atomic.Int64
	responses atomic.Int64
	requeued  atomic.Int64
	failures  atomic.Int64
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPublisher sets the publisher and the exchange outbound messages go to
func WithPublisher(publisher Publisher, exchange string) DispatcherOption {
	return func(d *Dispatcher) {
		d.publisher = publisher
		d.exchange = exchange
	}
}

// NewDispatcher creates a dispatcher over registry
func NewDispatcher(registry *Registry, options ...DispatcherOption) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}

	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
		pending:  make(map[string]*pendingCall),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Registry returns the registry the dispatcher routes with
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// OnMessage handles one delivery from the broker.
// The returned error is a transport error from settling the delivery;
// handler failures are logged and never returned.
func (d *Dispatcher) OnMessage(ctx context.Context, delivery Delivery) (Outcome, error) {
	if outcome, handled, err := d.correlate(delivery); handled {
		return outcome, err
	}
	return d.route(ctx, delivery)
}

// correlate applies the sync mode rules. handled is false when no call is outstanding.
func (d *Dispatcher) correlate(delivery Delivery) (outcome Outcome, handled bool, err error) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return 0, false, nil
	}
	call, ok := d.pending[delivery.CorrelationID()]
	d.mu.Unlock()

	if !ok || delivery.CorrelationID() == "" {
		if err := delivery.Reject(true); err != nil {
			return OutcomeRequeued, true, fmt.Errorf("failed to requeue message %s: %w", delivery.RoutingKey(), err)
		}
		d.requeued.Add(1)
		d.logger.Debug("message requeued while waiting for response",
			"routingKey", delivery.RoutingKey(),
			"correlationId", delivery.CorrelationID(),
		)
		return OutcomeRequeued, true, nil
	}

	if err := delivery.Ack(); err != nil {
		return OutcomeResponse, true, fmt.Errorf("failed to acknowledge response %s: %w", call.correlationID, err)
	}

	select {
	case call.response <- delivery.Body():
	default:
		d.logger.Warn("duplicate response discarded",
			"correlationId", call.correlationID,
			"routingKey", delivery.RoutingKey(),
		)
	}

	d.responses.Add(1)
	d.logger.Info("response message received",
		"correlationId", call.correlationID,
		"routingKey", delivery.RoutingKey(),
	)
	return OutcomeResponse, true, nil
}

// route invokes every matching handler once, in registration order
func (d *Dispatcher) route(ctx context.Context, delivery Delivery) (Outcome, error) {
	routingKey := delivery.RoutingKey()

	mappings := d.registry.MatchAll(routingKey)
	if len(mappings) == 0 {
		d.unrouted.Add(1)
		d.logger.Warn("incoming message did not match any handler", "routingKey", routingKey)
		return OutcomeUnrouted, nil
	}

	if err := delivery.Ack(); err != nil {
		return OutcomeRouted, fmt.Errorf("failed to acknowledge message %s: %w", routingKey, err)
	}
	d.routed.Add(1)

	handlerCtx := withinDispatch(ctx)
	body := delivery.Body()

	for _, m := range mappings {
		name := handlerName(m.Handler)
		d.logger.Debug("dispatching message",
			"routingKey", routingKey,
			"pattern", m.Pattern.String(),
			"handler", name,
		)

		if err := invokeHandler(handlerCtx, m.Handler, body); err != nil {
			d.failures.Add(1)
			herr := &HandlerError{
				RoutingKey: routingKey,
				Pattern:    m.Pattern.String(),
				Handler:    name,
				Err:        err,
			}
			d.logger.Error("handler failed",
				"routingKey", routingKey,
				"pattern", m.Pattern.String(),
				"handler", name,
				"error", herr,
			)
		}
	}

	return OutcomeRouted, nil
}

// Send publishes payload to routingKey and returns without waiting for a reply
func (d *Dispatcher) Send(ctx context.Context, routingKey string, payload []byte) error {
	return d.publish(ctx, routingKey, Publishing{
		ContentType: "text/plain",
		Body:        payload,
	})
}

func (d *Dispatcher) publish(ctx context.Context, routingKey string, msg Publishing) error {
	if d.publisher == nil {
		return ErrNoPublisher
	}
	if err := d.publisher.Publish(ctx, d.exchange, routingKey, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	return nil
}

// beginCall switches the dispatcher into sync mode for correlationID
func (d *Dispatcher) beginCall(correlationID string) *pendingCall {
	call := &pendingCall{
		correlationID: correlationID,
		response:      make(chan []byte, 1),
	}

	d.mu.Lock()
	d.pending[correlationID] = call
	d.mu.Unlock()

	return call
}

// endCall discards the correlation state of correlationID
func (d *Dispatcher) endCall(correlationID string) {
	d.mu.Lock()
	delete(d.pending, correlationID)
	d.mu.Unlock()
}

// SyncMode reports whether a synchronous call is outstanding
func (d *Dispatcher) SyncMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

// AwaitingCorrelationID returns the correlation ID of the outstanding call, if any
func (d *Dispatcher) AwaitingCorrelationID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.pending {
		return id, true
	}
	return "", false
}

// Stats returns a snapshot of the dispatcher counters
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Routed:          d.routed.Load(),
		Unrouted:        d.unrouted.Load(),
		Responses:       d.responses.Load(),
		Requeued:        d.requeued.Load(),
		HandlerFailures: d.failures.Load(),
	}
}
