package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDialTimeout = 30 * time.Second
	defaultHeartbeat   = 10 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection and re-establishes it when the
// broker closes it
type ConnectionManager struct {
	url            string
	name           string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	closed         bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// A negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectionName sets the name shown for this client in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		dialTimeout:    defaultDialTimeout,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
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

	if cm.closed {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
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
	cm.logger.Info("Connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect()

	return nil
}

// dial opens a connection, giving up when ctx ends or the dial timeout passes
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	props := amqp.NewConnectionProperties()
	if cm.name != "" {
		props.SetClientConnectionName(cm.name)
	}
	cfg := amqp.Config{
		Heartbeat:  defaultHeartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(cm.dialTimeout),
		Properties: props,
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(cm.url, cfg)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-dialCtx.Done():
		// close a connection that arrives after we stopped waiting
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach installs conn as the current connection. Callers hold cm.mu.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
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

// Channel opens a dedicated channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
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

// Close closes the connection and stops reconnecting. It is safe to call
// more than once.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}

	return nil
}

func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notifyClose := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notifyClose:
			if !ok && err == nil {
				// graceful close by us
				select {
				case <-cm.done:
					return
				default:
				}
			}
			if err != nil {
				cm.logger.Error("Connection closed by broker", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.notifyDisconnected(err)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("Connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds, the retry budget is spent or the
// manager is closed. It reports whether a connection was re-established.
func (cm *ConnectionManager) reconnect() bool {
	startTime := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("Max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(startTime),
			)
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			})
			return false
		}

		if attempt > 0 {
			select {
			case <-time.After(cm.calculateBackoff(attempt - 1)):
			case <-cm.done:
				return false
			}
		}

		cm.logger.Info("Attempting to reconnect",
			"attempt", attempt+1,
			"maxRetries", cm.maxRetries,
		)
		cm.notifyReconnecting(attempt + 1)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cm.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := cm.dial(ctx)
		cancel()

		if err != nil {
			cm.logger.Warn("Reconnection failed",
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return false
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("Reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(startTime),
		)
		cm.notifyConnected()
		return true
	}
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
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
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

// calculateBackoff returns base*2^attempt capped at five minutes, with
// +/-12.5% jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt > 16 {
		attempt = 16
	}

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxReconnectDelay || delay <= 0 {
		delay = maxReconnectDelay
	}

	jitter := int64(delay) / 4
	if jitter > 0 {
		delay = delay - time.Duration(jitter/2) + time.Duration(rand.Int63n(jitter))
	}
	return delay
}
