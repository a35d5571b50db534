package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. The handler settles the delivery itself.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer starts manually acknowledged consumers. Every subscription gets
// its own channel so the prefetch window and acknowledgements stay local to it.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	batchSize     int
	exclusive     bool
	tagPrefix     string
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the broker prefetch count. Zero means unlimited.
//
// Deliveries left unsettled hold their prefetch slot, so a limit lets
// unrouted messages or requeued rejects stall the consumer.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithBatchSize sets how many buffered deliveries ProcessEventsOnce handles at most
func WithBatchSize(size int) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// DefaultBatchSize bounds one ProcessEventsOnce call
const DefaultBatchSize = 10

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		batchSize:     DefaultBatchSize,
		tagPrefix:     "pipeforce",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue. Deliveries are handed to handler by
// Subscription.Run or Subscription.ProcessEventsOnce.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (*Subscription, error) {
	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.NewString())

	consumerErr := func(op string, err error) error {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, consumerErr("subscribe", err)
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, consumerErr("open channel", err)
	}

	if c.prefetchCount < 0 {
		_ = ch.Close()
		return nil, consumerErr("set qos", fmt.Errorf("invalid prefetch count %d", c.prefetchCount))
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, consumerErr("set qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // manual ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, consumerErr("consume", err)
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return newSubscription(queue, tag, ch, deliveries, handler, c.batchSize, c.logger), nil
}

// Subscription is an active consumer on a queue
type Subscription struct {
	queue      string
	tag        string
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	handler    MessageHandler
	batch      int
	logger     *slog.Logger

	done chan struct{}
	once sync.Once
}

func newSubscription(queue, tag string, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler MessageHandler, batch int, logger *slog.Logger) *Subscription {
	if batch < 1 {
		batch = DefaultBatchSize
	}
	return &Subscription{
		queue:      queue,
		tag:        tag,
		channel:    ch,
		deliveries: deliveries,
		handler:    handler,
		batch:      batch,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string { return s.queue }

// ConsumerTag returns the broker consumer tag
func (s *Subscription) ConsumerTag() string { return s.tag }

// Run handles deliveries one at a time until ctx is done, the subscription is
// cancelled or the broker closes the delivery stream
func (s *Subscription) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.done:
			return nil

		case delivery, ok := <-s.deliveries:
			if !ok {
				return s.closedErr()
			}
			s.handle(ctx, delivery)
		}
	}
}

// ProcessEventsOnce handles the deliveries that are already buffered, at most
// one batch, and returns without waiting for more
func (s *Subscription) ProcessEventsOnce(ctx context.Context) error {
	for i := 0; i < s.batch; i++ {
		select {
		case <-s.done:
			return nil

		case delivery, ok := <-s.deliveries:
			if !ok {
				return s.closedErr()
			}
			s.handle(ctx, delivery)

		default:
			return nil
		}
	}
	return nil
}

// Cancel stops the consumer and closes its channel
func (s *Subscription) Cancel() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.channel == nil {
			return
		}
		if cancelErr := s.channel.Cancel(s.tag, false); cancelErr != nil && !s.channel.IsClosed() {
			err = &ConsumerError{
				Queue:       s.queue,
				ConsumerTag: s.tag,
				Op:          "cancel",
				Err:         cancelErr,
				Timestamp:   time.Now(),
			}
		}
		if !s.channel.IsClosed() {
			_ = s.channel.Close()
		}
		s.logger.Info("consumer stopped", "queue", s.queue, "consumerTag", s.tag)
	})
	return err
}

func (s *Subscription) handle(ctx context.Context, delivery amqp.Delivery) {
	if err := s.handler(ctx, delivery); err != nil {
		s.logger.Error("failed to handle message",
			"error", err,
			"queue", s.queue,
			"routingKey", delivery.RoutingKey,
			"messageId", delivery.MessageId,
		)
	}
}

func (s *Subscription) closedErr() error {
	return &ConsumerError{
		Queue:       s.queue,
		ConsumerTag: s.tag,
		Op:          "receive",
		Err:         ErrConsumerCancelled,
		Timestamp:   time.Now(),
	}
}
