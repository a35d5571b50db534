// Package rabbitmq adapts the internal RabbitMQ client to messaging.Transport.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/pipeforce-go/internal/rabbitmq"
	"github.com/glimte/pipeforce-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when the transport is used before Connect
var ErrNotConnected = errors.New("transport: not connected")

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	url    string
	cfg    *TransportConfig
	logger *slog.Logger

	mu        sync.RWMutex
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	declared  []rabbitmq.Topology
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	Logger             *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger of the transport and every component it creates
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport. Nothing is dialled until Connect.
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	return &Transport{
		url:    url,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manager != nil && t.manager.IsConnected() {
		return nil
	}

	connectionOptions := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(t.logger)}, t.cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(t.url, connectionOptions...)
	if err := manager.Connect(ctx); err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, t.cfg.ChannelPoolOptions...)
	if err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	publisherOptions := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(t.logger)}, t.cfg.PublisherOptions...)
	consumerOptions := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(t.logger)}, t.cfg.ConsumerOptions...)

	t.manager = manager
	t.pool = pool
	t.publisher = rabbitmq.NewPublisher(pool, publisherOptions...)
	t.consumer = rabbitmq.NewConsumer(manager, consumerOptions...)
	t.topology = rabbitmq.NewTopologyManager(pool)

	manager.AddStateListener(&redeclarer{transport: t})

	return nil
}

// Publish implements messaging.Publisher
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Publishing) error {
	t.mu.RLock()
	publisher := t.publisher
	t.mu.RUnlock()

	if publisher == nil {
		return ErrNotConnected
	}

	return publisher.Publish(ctx, exchange, routingKey, toAMQP(msg))
}

// DeclareTopology implements messaging.Transport
func (t *Transport) DeclareTopology(ctx context.Context, topology messaging.Topology) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.topology == nil {
		return ErrNotConnected
	}

	declaration := rabbitmq.ServiceTopology{
		Exchange:        topology.Exchange,
		Queue:           topology.Queue,
		Durable:         topology.Durable,
		Exclusive:       topology.Exclusive,
		AutoDelete:      topology.AutoDelete,
		Patterns:        topology.Bindings,
		DeadLetterQueue: topology.DeadLetterQueue,
	}.Build()

	if err := t.topology.DeclareTopology(ctx, declaration); err != nil {
		return err
	}

	t.declared = append(t.declared, declaration)
	t.logger.Info("topology declared",
		"exchange", topology.Exchange,
		"queue", topology.Queue,
		"bindings", topology.Bindings,
	)
	return nil
}

// Consume implements messaging.Transport
func (t *Transport) Consume(ctx context.Context, queue string, handler messaging.DeliveryHandler) (messaging.Consumption, error) {
	t.mu.RLock()
	consumer := t.consumer
	t.mu.RUnlock()

	if consumer == nil {
		return nil, ErrNotConnected
	}

	sub, err := consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, &deliveryAdapter{delivery: d})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// InspectQueue implements messaging.QueueInspector
func (t *Transport) InspectQueue(ctx context.Context, name string) (messaging.QueueState, error) {
	t.mu.RLock()
	topology := t.topology
	t.mu.RUnlock()

	if topology == nil {
		return messaging.QueueState{}, ErrNotConnected
	}

	q, err := topology.QueueInfo(ctx, name)
	if err != nil {
		return messaging.QueueState{}, err
	}
	return messaging.QueueState{
		Name:      q.Name,
		Messages:  q.Messages,
		Consumers: q.Consumers,
	}, nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.pool != nil {
		errs = append(errs, t.pool.Close())
	}
	if t.manager != nil {
		errs = append(errs, t.manager.Close())
	}

	t.manager = nil
	t.pool = nil
	t.publisher = nil
	t.consumer = nil
	t.topology = nil

	return errors.Join(errs...)
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.manager != nil && t.manager.IsConnected()
}

// redeclarer restores the declared topology after a reconnect, since
// auto-delete queues do not survive a lost connection
type redeclarer struct {
	transport *Transport
}

func (r *redeclarer) OnConnected() {
	t := r.transport

	t.mu.RLock()
	topology := t.topology
	declared := append([]rabbitmq.Topology(nil), t.declared...)
	t.mu.RUnlock()

	if topology == nil {
		return
	}

	for _, declaration := range declared {
		if err := topology.DeclareTopology(context.Background(), declaration); err != nil {
			t.logger.Error("failed to redeclare topology after reconnect", "error", err)
		}
	}
}

func (r *redeclarer) OnDisconnected(err error) {
	r.transport.logger.Warn("broker connection lost", "error", err)
}

func (r *redeclarer) OnReconnecting(attempt int) {
	r.transport.logger.Info("reconnecting to broker", "attempt", attempt)
}

func toAMQP(msg messaging.Publishing) amqp.Publishing {
	var headers amqp.Table
	if len(msg.Headers) > 0 {
		headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
	}

	return amqp.Publishing{
		ContentType:   msg.ContentType,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Headers:       headers,
		Body:          msg.Body,
	}
}

// deliveryAdapter adapts amqp.Delivery to messaging.Delivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

func (d *deliveryAdapter) RoutingKey() string    { return d.delivery.RoutingKey }
func (d *deliveryAdapter) CorrelationID() string { return d.delivery.CorrelationId }
func (d *deliveryAdapter) ReplyTo() string       { return d.delivery.ReplyTo }
func (d *deliveryAdapter) Body() []byte          { return d.delivery.Body }

func (d *deliveryAdapter) Ack() error {
	return d.delivery.Ack(false)
}

func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Reject(requeue)
}

// Headers returns the AMQP headers of the delivery
func (d *deliveryAdapter) Headers() map[string]interface{} {
	return d.delivery.Headers
}
