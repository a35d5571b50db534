package messaging

import (
	"context"
)

// Delivery is an inbound message handed over by the broker client.
// Ack and Reject are the only way to settle it.
type Delivery interface {
	// RoutingKey returns the routing key the message was published with
	RoutingKey() string

	// CorrelationID returns the correlation ID, empty if none was set
	CorrelationID() string

	// ReplyTo returns the reply address, empty if none was set
	ReplyTo() string

	// Body returns the message payload
	Body() []byte

	// Ack acknowledges the message
	Ack() error

	// Reject returns the message to the broker, requeueing it if requested
	Reject(requeue bool) error
}

// Publishing is an outbound message
type Publishing struct {
	ContentType   string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]interface{}
	Body          []byte
}

// Publisher publishes messages to an exchange
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
}

// PublisherFunc is a function adapter for Publisher
type PublisherFunc func(ctx context.Context, exchange, routingKey string, msg Publishing) error

// Publish implements Publisher
func (f PublisherFunc) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	return f(ctx, exchange, routingKey, msg)
}

// DeliveryHandler receives every delivery of a consumption
type DeliveryHandler func(ctx context.Context, delivery Delivery) error

// EventPump processes deliveries that are ready, without blocking for new ones
type EventPump interface {
	ProcessEventsOnce(ctx context.Context) error
}

// Consumption is an active, manually acknowledged consumer on a queue
type Consumption interface {
	EventPump

	// Run processes deliveries one at a time until ctx is done or the
	// consumer is cancelled
	Run(ctx context.Context) error

	// Cancel stops the consumer
	Cancel() error
}

// Topology describes the broker objects a service needs
type Topology struct {
	Exchange        string
	Queue           string
	Durable         bool
	Exclusive       bool
	AutoDelete      bool
	Bindings        []string
	DeadLetterQueue string
}

// Transport is the broker client the messaging core depends on
type Transport interface {
	Publisher

	// Connect establishes the broker connection
	Connect(ctx context.Context) error

	// DeclareTopology declares the exchange, queue and bindings
	DeclareTopology(ctx context.Context, topology Topology) error

	// Consume starts a manually acknowledged consumer on queue
	Consume(ctx context.Context, queue string, handler DeliveryHandler) (Consumption, error)

	// Close releases all broker resources
	Close() error
}

// QueueState is a snapshot of a queue on the broker
type QueueState struct {
	Name      string
	Messages  int
	Consumers int
}

// QueueInspector is implemented by transports that can report queue depth
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (QueueState, error)
}
