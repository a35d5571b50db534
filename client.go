// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/pipeforce-go/hub"
	"github.com/glimte/pipeforce-go/internal/rabbitmq"
	"github.com/glimte/pipeforce-go/internal/reliability"
	"github.com/glimte/pipeforce-go/messaging"
	rabbitmqTransport "github.com/glimte/pipeforce-go/transports/rabbitmq"
)

var (
	// ErrNoHub is returned by hub operations when no hub client is configured
	ErrNoHub = errors.New("pipeforce: no hub client configured")

	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("pipeforce: client is already consuming")

	// ErrClientClosed is returned after Close
	ErrClientClosed = errors.New("pipeforce: client is closed")

	// ErrInspectionUnsupported is returned when the transport cannot report queue state
	ErrInspectionUnsupported = errors.New("pipeforce: transport cannot inspect queues")
)

// Client provides the main entry point for a PIPEFORCE service.
//
// Handlers are registered before Run. Run declares the service queue with one
// binding per registered pattern and consumes it until the context ends.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	transport  messaging.Transport
	registry   *messaging.Registry
	dispatcher *messaging.Dispatcher
	correlator *messaging.Correlator
	hub        *hub.Client
	connect    reliability.Backoff
	deadLetter bool

	mu          sync.Mutex
	connected   bool
	closed      bool
	running     bool
	consumption messaging.Consumption
	ready       chan struct{}
	readyOnce   sync.Once
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	transport  messaging.Transport
	hub        *hub.Client
	noHub      bool
	connect    reliability.Backoff
	deadLetter bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport replaces the RabbitMQ transport
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithHubClient replaces the hub client built from the configuration
func WithHubClient(client *hub.Client) ClientOption {
	return func(cfg *clientConfig) {
		cfg.hub = client
	}
}

// WithoutHub disables the hub client
func WithoutHub() ClientOption {
	return func(cfg *clientConfig) {
		cfg.noHub = true
	}
}

// WithConnectPolicy sets how the initial broker connection is retried
func WithConnectPolicy(policy reliability.Backoff) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connect = policy
	}
}

// WithDeadLettering routes rejected deliveries of the service queue to the
// configured dead letter queue
func WithDeadLettering(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetter = enabled
	}
}

// NewClient creates a client for cfg. Nothing is dialled until Connect or Run.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}

	opts := &clientConfig{
		logger:  slog.Default(),
		connect: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 5),
	}
	for _, opt := range options {
		opt(opts)
	}

	logger := opts.logger.With("service", cfg.Service)

	transport := opts.transport
	if transport == nil {
		transport = rabbitmqTransport.NewTransport(cfg.AMQPURL(),
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithConsumerOptions(
				rabbitmq.WithPrefetchCount(cfg.MessagingPrefetch),
				rabbitmq.WithConsumerTagPrefix(cfg.Service),
			),
		)
	}

	hubClient := opts.hub
	if hubClient == nil && !opts.noHub {
		var err error
		hubClient, err = hub.NewClient(cfg.HubURL,
			hub.WithSecret(cfg.Secret),
			hub.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create hub client: %w", err)
		}
	}

	registry := messaging.NewRegistry()
	dispatcher := messaging.NewDispatcher(registry,
		messaging.WithDispatcherLogger(logger),
		messaging.WithPublisher(transport, cfg.DefaultTopic),
	)
	correlator := messaging.NewCorrelator(dispatcher, cfg.ServiceQueue(),
		messaging.WithPollInterval(cfg.PollInterval),
		messaging.WithRequestTimeout(cfg.RequestTimeout),
		messaging.WithCorrelatorLogger(logger),
	)

	return &Client{
		cfg:        cfg,
		logger:     logger,
		transport:  transport,
		registry:   registry,
		dispatcher: dispatcher,
		correlator: correlator,
		hub:        hubClient,
		connect:    opts.connect,
		deadLetter: opts.deadLetter,
		ready:      make(chan struct{}),
	}, nil
}

// Handle binds handler to a routing key pattern
func (c *Client) Handle(pattern string, handler messaging.Handler) error {
	return c.registry.Register(pattern, handler)
}

// HandleFunc binds fn to a routing key pattern
func (c *Client) HandleFunc(pattern string, fn func(ctx context.Context, body []byte) error) error {
	return c.registry.RegisterFunc(pattern, fn)
}

// Connect connects to the broker, retrying with the connect policy
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed, connected := c.closed, c.connected
	c.mu.Unlock()

	if closed {
		return ErrClientClosed
	}
	if connected {
		return nil
	}

	c.logger.Info("connecting to broker",
		"host", c.cfg.MessagingHost,
		"port", c.cfg.MessagingPort,
	)

	err := reliability.RetryNotify(ctx, "connect", c.connect, c.transport.Connect,
		func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("broker connection failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Topology returns the broker objects Run declares
func (c *Client) Topology() messaging.Topology {
	topology := messaging.Topology{
		Exchange:   c.cfg.DefaultTopic,
		Queue:      c.cfg.ServiceQueue(),
		Durable:    true,
		AutoDelete: true,
		Bindings:   c.registry.Patterns(),
	}
	if c.deadLetter {
		topology.DeadLetterQueue = c.cfg.DefaultDLQ
	}
	return topology
}

// Run declares the service topology and consumes the service queue until ctx
// is done or Close is called
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	topology := c.Topology()
	for _, pattern := range topology.Bindings {
		c.logger.Info("creating binding",
			"pattern", pattern,
			"exchange", topology.Exchange,
			"queue", topology.Queue,
		)
	}
	if err := c.transport.DeclareTopology(ctx, topology); err != nil {
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	consumption, err := c.transport.Consume(ctx, topology.Queue, c.onDelivery)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to consume %s: %w", topology.Queue, err)
	}
	c.consumption = consumption
	c.mu.Unlock()

	c.correlator.SetEventPump(consumption)
	defer c.stopConsuming()
	c.readyOnce.Do(func() { close(c.ready) })

	c.logger.Info("receiving messages",
		"queue", topology.Queue,
		"exchange", topology.Exchange,
		"mappings", c.registry.Len(),
	)

	err = consumption.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Ready is closed once Run has declared the topology and started consuming
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

func (c *Client) onDelivery(ctx context.Context, delivery messaging.Delivery) error {
	_, err := c.dispatcher.OnMessage(ctx, delivery)
	return err
}

func (c *Client) stopConsuming() {
	c.correlator.SetEventPump(nil)

	c.mu.Lock()
	consumption := c.consumption
	c.consumption = nil
	c.mu.Unlock()

	if consumption != nil {
		if err := consumption.Cancel(); err != nil {
			c.logger.Warn("failed to cancel consumer", "error", err)
		}
	}

	stats := c.dispatcher.Stats()
	c.logger.Info("stopped consuming",
		"routed", stats.Routed,
		"unrouted", stats.Unrouted,
		"responses", stats.Responses,
		"requeued", stats.Requeued,
		"handlerFailures", stats.HandlerFailures,
	)
}

// QueueStatus reports the service queue and, with dead lettering, its dead
// letter queue
func (c *Client) QueueStatus(ctx context.Context) ([]messaging.QueueState, error) {
	inspector, ok := c.transport.(messaging.QueueInspector)
	if !ok {
		return nil, ErrInspectionUnsupported
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	topology := c.Topology()
	names := []string{topology.Queue}
	if topology.DeadLetterQueue != "" {
		names = append(names, topology.DeadLetterQueue)
	}

	states := make([]messaging.QueueState, 0, len(names))
	for _, name := range names {
		state, err := inspector.InspectQueue(ctx, name)
		if err != nil {
			return states, fmt.Errorf("failed to inspect %s: %w", name, err)
		}
		states = append(states, state)
	}
	return states, nil
}

// Send publishes payload to routingKey on the default topic and returns
func (c *Client) Send(ctx context.Context, routingKey string, payload []byte) error {
	return c.dispatcher.Send(ctx, routingKey, payload)
}

// Call publishes payload to routingKey and waits for the correlated response.
// It may be used from inside a handler.
func (c *Client) Call(ctx context.Context, routingKey string, payload []byte) ([]byte, error) {
	return c.correlator.Call(ctx, routingKey, payload)
}

// RunPipeline executes a pipeline on the hub
func (c *Client) RunPipeline(ctx context.Context, pipeline interface{}) (interface{}, error) {
	if c.hub == nil {
		return nil, ErrNoHub
	}
	return c.hub.RunPipeline(ctx, pipeline)
}

// RunCommand executes a single command on the hub
func (c *Client) RunCommand(ctx context.Context, name string, params interface{}) (interface{}, error) {
	if c.hub == nil {
		return nil, ErrNoHub
	}
	return c.hub.RunCommand(ctx, name, params)
}

// Config returns the resolved configuration
func (c *Client) Config() Config {
	return c.cfg
}

// Registry returns the mapping registry
func (c *Client) Registry() *messaging.Registry {
	return c.registry
}

// Dispatcher returns the dispatcher
func (c *Client) Dispatcher() *messaging.Dispatcher {
	return c.dispatcher
}

// Hub returns the hub client, nil when disabled
func (c *Client) Hub() *hub.Client {
	return c.hub
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close stops consuming and closes the transport
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumption := c.consumption
	c.mu.Unlock()

	if consumption != nil {
		_ = consumption.Cancel()
	}
	return c.transport.Close()
}
