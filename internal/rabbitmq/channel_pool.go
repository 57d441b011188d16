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

// ChannelPool manages a pool of AMQP channels used for publishing and
// topology declarations. Consumers open their own channel.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	lastUsed   time.Time
	id         string
	confirming bool
}

// ID identifies the channel in logs
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

// WithMinSize sets the number of channels opened up front
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets how long a surplus channel may stay unused
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithWaitTimeout bounds how long Get waits for a channel when the pool is
// at capacity
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			pool.drain()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, opening a new one while under
// capacity
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		return cp.checkout(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.mu.Unlock()
		return cp.createAndGet(ctx)
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.waitTimeout)
	defer timer.Stop()

	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return cp.checkout(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
	case <-timer.C:
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
	}
}

// checkout replaces a channel the broker closed while it sat in the pool
func (cp *ChannelPool) checkout(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch == nil {
		return nil, ErrChannelPoolClosed
	}
	if ch.Channel.IsClosed() {
		cp.release()
		return cp.createAndGet(ctx)
	}
	ch.lastUsed = time.Now()
	return ch, nil
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		_ = ch.Channel.Close()
		return
	}
	if ch.Channel.IsClosed() {
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Channel.Close()
		cp.activeCount--
	}
}

// Close closes all pooled channels
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	cp.drain()
	return nil
}

func (cp *ChannelPool) drain() {
	for {
		select {
		case ch := <-cp.channels:
			if ch != nil && !ch.Channel.IsClosed() {
				_ = ch.Channel.Close()
			}
			cp.release()
		default:
			return
		}
	}
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.NewString(),
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	cp.logger.Debug("Opened pooled channel", "channelId", pooled.id)
	return pooled, nil
}

func (cp *ChannelPool) createAndGet(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	return cp.createChannel()
}

// cleanupIdle closes surplus channels that have not been used within the
// idle timeout
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel

	drainLoop:
		for {
			select {
			case ch := <-cp.channels:
				cp.mu.Lock()
				surplus := cp.activeCount > cp.minSize
				cp.mu.Unlock()

				if ch.lastUsed.Before(cutoff) && surplus {
					_ = ch.Channel.Close()
					cp.release()
					cp.logger.Debug("Closed idle channel", "channelId", ch.id)
				} else {
					keep = append(keep, ch)
				}
			default:
				break drainLoop
			}
		}

		for _, ch := range keep {
			cp.Put(ch)
		}
	}
}

// Size returns the number of open channels, pooled or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
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

	return fn(ch.Channel)
}
