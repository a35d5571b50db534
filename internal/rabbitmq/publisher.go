package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/pipeforce-go/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with publisher confirms
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	retry          reliability.Backoff
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for the broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets how many times a publish the broker never received
// is retried. Publishes that reached the broker are never retried.
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.retry = reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, retries)
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		retry:          reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	err := reliability.RetryNotify(ctx, "publish", p.retry, func(ctx context.Context) error {
		return p.publishWithConfirm(ctx, exchange, routingKey, msg)
	}, func(attempt int, delay time.Duration, err error) {
		p.logger.Warn("publish failed, retrying",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempt,
			"error", err,
		)
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"correlationId", msg.CorrelationId,
	)
	return nil
}

// publishWithConfirm publishes a single message on a pooled channel in confirm mode
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.pool.Execute(ctx, func(ch *PooledChannel) error {
		if !ch.confirming {
			if err := ch.Confirm(false); err != nil {
				return fmt.Errorf("failed to enable confirms: %w", err)
			}
			ch.confirming = true
		}

		confirmation, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			msg,
		)
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()

		return confirmOutcome(confirmation.WaitContext(waitCtx))
	})
}

// confirmOutcome maps the broker confirm to an error. The message was sent, so
// a missing or negative confirm is permanent: retrying could duplicate it.
func confirmOutcome(acked bool, err error) error {
	if err != nil {
		return reliability.Permanent(fmt.Errorf("timeout waiting for confirmation: %w", err))
	}
	if !acked {
		return reliability.Permanent(ErrPublishNotConfirmed)
	}
	return nil
}
