package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/pipeforce-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager manages the RabbitMQ connection and reconnects after
// the broker drops it
type ConnectionManager struct {
	url            string
	dial           Dialer
	connectTimeout time.Duration
	reconnect      reliability.Backoff
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool

	ctx    context.Context
	cancel context.CancelFunc

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithReconnectPolicy sets the backoff used after the connection is lost
func WithReconnectPolicy(policy reliability.Backoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect = policy
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())

	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		connectTimeout: 30 * time.Second,
		reconnect:      reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, -1),
		logger:         slog.Default(),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.ctx.Err() != nil {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

// dialContext dials with the connect timeout, giving up early when ctx is done
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrConnectionTimeout
		}
		return nil, dialCtx.Err()
	}
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.handleReconnect(notifyClose)
}

// Connection returns the current connection
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.cancel()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}

	err := cm.conn.Close()
	cm.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	select {
	case <-cm.ctx.Done():
		return

	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// closed on purpose
			return
		}

		cm.logger.Error("connection lost", "error", amqpErr)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(amqpErr)
		cm.reconnectLoop()
	}
}

func (cm *ConnectionManager) reconnectLoop() {
	start := time.Now()

	err := reliability.RetryNotify(cm.ctx, "reconnect", cm.reconnect, func(ctx context.Context) error {
		conn, err := cm.dialContext(ctx)
		if err != nil {
			return err
		}

		cm.mu.Lock()
		if ctx.Err() != nil {
			cm.mu.Unlock()
			_ = conn.Close()
			return reliability.Permanent(ctx.Err())
		}
		cm.attach(conn)
		cm.mu.Unlock()
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		cm.logger.Warn("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", delay,
		)
		cm.notifyReconnecting(attempt)
	})

	if err == nil {
		cm.logger.Info("successfully reconnected to RabbitMQ", "duration", time.Since(start))
		cm.notifyConnected()
		return
	}

	if cm.ctx.Err() != nil {
		return
	}

	cm.logger.Error("giving up on reconnection", "error", err, "duration", time.Since(start))
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	})
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	result := make([]ConnectionStateListener, len(cm.stateListeners))
	copy(result, cm.stateListeners)
	return result
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
