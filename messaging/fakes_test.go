package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/stretchr/testify/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDelivery records how it was settled
type fakeDelivery struct {
	routingKey    string
	correlationID string
	replyTo       string
	body          []byte
	ackErr        error

	mu       sync.Mutex
	acks     int
	rejects  int
	requeued bool
}

func newDelivery(routingKey, body string) *fakeDelivery {
	return &fakeDelivery{routingKey: routingKey, body: []byte(body)}
}

func newResponse(routingKey, correlationID, body string) *fakeDelivery {
	return &fakeDelivery{routingKey: routingKey, correlationID: correlationID, body: []byte(body)}
}

func (d *fakeDelivery) RoutingKey() string    { return d.routingKey }
func (d *fakeDelivery) CorrelationID() string { return d.correlationID }
func (d *fakeDelivery) ReplyTo() string       { return d.replyTo }
func (d *fakeDelivery) Body() []byte          { return d.body }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ackErr != nil {
		return d.ackErr
	}
	d.acks++
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejects++
	d.requeued = requeue
	return nil
}

func (d *fakeDelivery) settled() (acks, rejects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.rejects
}

// mockHandler is a testify mock of Handler
type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, body []byte) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

// mockPublisher is a testify mock of Publisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

// queuePump feeds queued deliveries to a dispatcher, one prefetch window per pump
type queuePump struct {
	dispatcher *Dispatcher

	mu    sync.Mutex
	ready []Delivery
	pumps int
	err   error
}

func (p *queuePump) push(d Delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = append(p.ready, d)
}

func (p *queuePump) ProcessEventsOnce(ctx context.Context) error {
	p.mu.Lock()
	p.pumps++
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	batch := p.ready
	p.ready = nil
	p.mu.Unlock()

	for _, d := range batch {
		if _, err := p.dispatcher.OnMessage(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (p *queuePump) pumpCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pumps
}

var errBroker = errors.New("broker unavailable")
