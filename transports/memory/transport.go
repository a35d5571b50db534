// Package memory provides an in-process messaging.Transport.
//
// It routes published messages to bound queues with the same topic matching
// rules as the dispatcher, supports manual acknowledgement, requeueing with a
// short redelivery delay and dead-lettering. It is meant for tests and local
// development, not for production traffic.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/pipeforce-go/messaging"
)

var (
	// ErrNotConnected is returned when the transport is used before Connect
	ErrNotConnected = errors.New("memory: not connected")
	// ErrClosed is returned when the transport is used after Close
	ErrClosed = errors.New("memory: transport closed")
	// ErrQueueNotFound is returned when consuming from an undeclared queue
	ErrQueueNotFound = errors.New("memory: queue not found")
	// ErrAlreadySettled is returned when a delivery is acknowledged or rejected twice
	ErrAlreadySettled = errors.New("memory: delivery already settled")
)

const defaultQueueCapacity = 1024

// PublishedMessage records a message accepted by Publish
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Message    messaging.Publishing
}

type binding struct {
	queue   string
	pattern *messaging.Pattern
}

type queue struct {
	name       string
	deadLetter string
	messages   chan *Delivery
	consumers  int
}

// Transport is an in-memory broker implementing messaging.Transport
type Transport struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	exchanges  map[string]struct{}
	queues     map[string]*queue
	bindings   map[string][]binding
	published  []PublishedMessage
	publishErr error

	redeliveryDelay time.Duration
	prefetch        int
	batchSize       int
	logger          *slog.Logger
}

// TransportOption configures the Transport
type TransportOption func(*Transport)

// WithRedeliveryDelay sets how long a requeued delivery stays away from its queue
func WithRedeliveryDelay(delay time.Duration) TransportOption {
	return func(t *Transport) {
		t.redeliveryDelay = delay
	}
}

// WithPrefetch limits how many unsettled deliveries a consumer holds, like
// the broker's basic.qos. Zero, the default, means unlimited.
func WithPrefetch(count int) TransportOption {
	return func(t *Transport) {
		t.prefetch = count
	}
}

// WithBatchSize sets how many ready deliveries ProcessEventsOnce handles at most
func WithBatchSize(size int) TransportOption {
	return func(t *Transport) {
		t.batchSize = size
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates an in-memory transport
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		exchanges:       make(map[string]struct{}),
		queues:          make(map[string]*queue),
		bindings:        make(map[string][]binding),
		redeliveryDelay: 10 * time.Millisecond,
		batchSize:       10,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.connected = true
	return nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.connected = false
	return nil
}

// DeclareTopology implements messaging.Transport
func (t *Transport) DeclareTopology(ctx context.Context, topology messaging.Topology) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return err
	}

	compiled := make([]*messaging.Pattern, 0, len(topology.Bindings))
	for _, pattern := range topology.Bindings {
		p, err := messaging.CompilePattern(pattern)
		if err != nil {
			return fmt.Errorf("failed to bind %s: %w", pattern, err)
		}
		compiled = append(compiled, p)
	}

	if topology.DeadLetterQueue != "" {
		t.declareQueue(topology.DeadLetterQueue, "")
	}

	if topology.Exchange != "" {
		t.exchanges[topology.Exchange] = struct{}{}
	}
	t.declareQueue(topology.Queue, topology.DeadLetterQueue)

	for _, p := range compiled {
		t.bindings[topology.Exchange] = append(t.bindings[topology.Exchange], binding{
			queue:   topology.Queue,
			pattern: p,
		})
	}

	return nil
}

// DeclareQueue declares a bare queue reachable through the default exchange
func (t *Transport) DeclareQueue(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.declareQueue(name, "")
}

func (t *Transport) declareQueue(name, deadLetter string) *queue {
	if q, ok := t.queues[name]; ok {
		return q
	}
	q := &queue{
		name:       name,
		deadLetter: deadLetter,
		messages:   make(chan *Delivery, defaultQueueCapacity),
	}
	t.queues[name] = q
	return q
}

// Publish implements messaging.Publisher.
// The empty exchange delivers straight to the queue named by routingKey.
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Publishing) error {
	t.mu.Lock()
	if err := t.usable(); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.publishErr != nil {
		err := t.publishErr
		t.mu.Unlock()
		return err
	}

	t.published = append(t.published, PublishedMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Message:    msg,
	})

	var targets []*queue
	if exchange == "" {
		if q, ok := t.queues[routingKey]; ok {
			targets = append(targets, q)
		}
	} else {
		seen := make(map[string]bool)
		for _, b := range t.bindings[exchange] {
			if !seen[b.queue] && b.pattern.Match(routingKey) {
				seen[b.queue] = true
				targets = append(targets, t.queues[b.queue])
			}
		}
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		t.logger.Debug("message unroutable", "exchange", exchange, "routingKey", routingKey)
		return nil
	}

	for _, q := range targets {
		t.enqueue(q, &Delivery{
			transport:     t,
			queue:         q,
			routingKey:    routingKey,
			correlationID: msg.CorrelationID,
			replyTo:       msg.ReplyTo,
			body:          msg.Body,
		})
	}
	return nil
}

// FailPublishes makes every following Publish return err. A nil err clears it.
func (t *Transport) FailPublishes(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// Published returns a copy of every message accepted by Publish
func (t *Transport) Published() []PublishedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]PublishedMessage, len(t.published))
	copy(result, t.published)
	return result
}

// Depth returns the number of ready messages in a queue
func (t *Transport) Depth(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[name]
	if !ok {
		return 0
	}
	return len(q.messages)
}

// InspectQueue implements messaging.QueueInspector
func (t *Transport) InspectQueue(ctx context.Context, name string) (messaging.QueueState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return messaging.QueueState{}, err
	}
	q, ok := t.queues[name]
	if !ok {
		return messaging.QueueState{}, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return messaging.QueueState{
		Name:      name,
		Messages:  len(q.messages),
		Consumers: q.consumers,
	}, nil
}

// Consume implements messaging.Transport
func (t *Transport) Consume(ctx context.Context, queueName string, handler messaging.DeliveryHandler) (messaging.Consumption, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return nil, err
	}
	q, ok := t.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}

	batch := t.batchSize
	if batch < 1 {
		batch = 1
	}

	q.consumers++
	return &Consumption{
		transport: t,
		queue:     q,
		handler:   handler,
		prefetch:  t.prefetch,
		batch:     batch,
		done:      make(chan struct{}),
		credit:    make(chan struct{}, 1),
	}, nil
}

func (t *Transport) usable() error {
	if t.closed {
		return ErrClosed
	}
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

func (t *Transport) enqueue(q *queue, d *Delivery) {
	select {
	case q.messages <- d:
	default:
		t.logger.Warn("queue full, message dropped", "queue", q.name, "routingKey", d.routingKey)
	}
}

func (t *Transport) requeue(d *Delivery) {
	redelivery := &Delivery{
		transport:     t,
		queue:         d.queue,
		routingKey:    d.routingKey,
		correlationID: d.correlationID,
		replyTo:       d.replyTo,
		body:          d.body,
		redelivered:   true,
	}
	time.AfterFunc(t.redeliveryDelay, func() {
		t.enqueue(d.queue, redelivery)
	})
}

func (t *Transport) deadLetter(d *Delivery) {
	if d.queue.deadLetter == "" {
		return
	}
	t.mu.Lock()
	dlq, ok := t.queues[d.queue.deadLetter]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.enqueue(dlq, &Delivery{
		transport:     t,
		queue:         dlq,
		routingKey:    d.routingKey,
		correlationID: d.correlationID,
		replyTo:       d.replyTo,
		body:          d.body,
	})
}

// Consumption is a consumer on an in-memory queue.
// A delivery holds a prefetch slot from hand-out until it is settled.
type Consumption struct {
	transport *Transport
	queue     *queue
	handler   messaging.DeliveryHandler
	prefetch  int
	batch     int
	done      chan struct{}
	once      sync.Once

	mu        sync.Mutex
	unsettled int
	credit    chan struct{}
}

// Run implements messaging.Consumption
func (c *Consumption) Run(ctx context.Context) error {
	for {
		if !c.hasCredit() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			case <-c.credit:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-c.credit:
		case d := <-c.queue.messages:
			c.handle(ctx, d)
		}
	}
}

// Unsettled returns how many handed out deliveries are neither acked nor rejected
func (c *Consumption) Unsettled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsettled
}

func (c *Consumption) hasCredit() bool {
	if c.prefetch <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsettled < c.prefetch
}

func (c *Consumption) release() {
	c.mu.Lock()
	c.unsettled--
	c.mu.Unlock()

	select {
	case c.credit <- struct{}{}:
	default:
	}
}

// ProcessEventsOnce implements messaging.EventPump
func (c *Consumption) ProcessEventsOnce(ctx context.Context) error {
	for i := 0; i < c.batch; i++ {
		if !c.hasCredit() {
			return nil
		}
		select {
		case <-c.done:
			return nil
		case d := <-c.queue.messages:
			c.handle(ctx, d)
		default:
			return nil
		}
	}
	return nil
}

// Cancel implements messaging.Consumption
func (c *Consumption) Cancel() error {
	c.once.Do(func() {
		close(c.done)
		c.transport.mu.Lock()
		c.queue.consumers--
		c.transport.mu.Unlock()
	})
	return nil
}

func (c *Consumption) handle(ctx context.Context, d *Delivery) {
	c.mu.Lock()
	c.unsettled++
	c.mu.Unlock()

	d.mu.Lock()
	d.consumer = c
	d.mu.Unlock()

	if err := c.handler(ctx, d); err != nil {
		c.transport.logger.Error("failed to handle delivery",
			"queue", c.queue.name,
			"routingKey", d.routingKey,
			"error", err,
		)
	}
}

// Delivery is an in-memory messaging.Delivery
type Delivery struct {
	transport     *Transport
	queue         *queue
	routingKey    string
	correlationID string
	replyTo       string
	body          []byte
	redelivered   bool

	mu       sync.Mutex
	consumer *Consumption
	settled  bool
	acked    bool
	rejected bool
	requeued bool
}

// RoutingKey implements messaging.Delivery
func (d *Delivery) RoutingKey() string { return d.routingKey }

// CorrelationID implements messaging.Delivery
func (d *Delivery) CorrelationID() string { return d.correlationID }

// ReplyTo implements messaging.Delivery
func (d *Delivery) ReplyTo() string { return d.replyTo }

// Body implements messaging.Delivery
func (d *Delivery) Body() []byte { return d.body }

// Redelivered reports whether the delivery was requeued before
func (d *Delivery) Redelivered() bool { return d.redelivered }

// Ack implements messaging.Delivery
func (d *Delivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	d.acked = true
	if d.consumer != nil {
		d.consumer.release()
	}
	return nil
}

// Reject implements messaging.Delivery
func (d *Delivery) Reject(requeue bool) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return ErrAlreadySettled
	}
	d.settled = true
	d.rejected = true
	d.requeued = requeue
	consumer := d.consumer
	d.mu.Unlock()

	if consumer != nil {
		consumer.release()
	}

	// standalone deliveries have no queue to return to
	if d.transport == nil || d.queue == nil {
		return nil
	}

	if requeue {
		d.transport.requeue(d)
	} else {
		d.transport.deadLetter(d)
	}
	return nil
}

// Acked reports whether the delivery was acknowledged
func (d *Delivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Rejected reports whether the delivery was rejected, and whether it was requeued
func (d *Delivery) Rejected() (rejected, requeued bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejected, d.requeued
}

// NewDelivery creates a standalone delivery that is not attached to any queue.
// Rejecting it only records the outcome. Useful to drive a dispatcher directly.
func NewDelivery(routingKey, correlationID string, body []byte) *Delivery {
	return &Delivery{
		routingKey:    routingKey,
		correlationID: correlationID,
		body:          body,
	}
}
