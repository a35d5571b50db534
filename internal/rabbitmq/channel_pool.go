package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool reuses AMQP channels for short operations such as publishing
// and declaring topology
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id         string
	lastUsed   time.Time
	confirming bool
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout sets how long Get waits for a channel when the pool is exhausted
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates a channel pool. Channels are opened lazily.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, opening one if the pool is not full
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.discard()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.open()
			if err != nil {
				cp.discard()
				return nil, err
			}
			return ch, nil
		}

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.discard()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}

		case <-time.After(cp.waitTimeout):
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ErrChannelPoolExhausted,
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		_ = ch.Close()
		cp.discard()
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.discard()
	}
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()

	return fn(ch)
}

// Close closes all idle channels. Channels still in use are closed when returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if !ch.IsClosed() {
				_ = ch.Close()
			}
			cp.discard()
		default:
			return nil
		}
	}
}

// Size returns the number of open channels owned by the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) discard() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.NewString(),
		lastUsed: time.Now(),
	}, nil
}
