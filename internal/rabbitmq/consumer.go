package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. It owns the acknowledgment of the
// delivery; the consumer only logs a returned error.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// consumeChannel is the part of *amqp.Channel the consumer uses
type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// Consumer owns one channel and one queue subscription. Up to prefetch
// deliveries are handled concurrently, each on its own goroutine; once that
// many are unacknowledged the broker stops sending more.
type Consumer struct {
	openChannel    func() (consumeChannel, error)
	queue          string
	prefetchCount  int
	consumerTag    string
	exclusive      bool
	resubscribeGap time.Duration
	beforeClose    func()
	logger         *slog.Logger

	mu        sync.Mutex
	ch        consumeChannel
	running   bool
	stopping  bool
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	handlerWG sync.WaitGroup
	slots     chan struct{}

	// handlers run under handlerCtx so a stopped subscription does not
	// abort in-flight work until the grace period ends
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	inFlight atomic.Int64
	handled  atomic.Int64
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count and the handler concurrency
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithResubscribeDelay sets the pause between attempts to resume consuming
// after the channel was lost
func WithResubscribeDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeGap = d
	}
}

// WithBeforeClose sets a hook that runs during Shutdown once handlers are
// drained and before the channel closes. Acknowledgments sent from it still
// reach the broker.
func WithBeforeClose(fn func()) ConsumerOption {
	return func(c *Consumer) {
		c.beforeClose = fn
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for queue on a dedicated channel of manager
func NewConsumer(manager *ConnectionManager, queue string, options ...ConsumerOption) *Consumer {
	c := newConsumer(func() (consumeChannel, error) {
		ch, err := manager.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, queue, options...)
	return c
}

func newConsumer(open func() (consumeChannel, error), queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		openChannel:    open,
		queue:          queue,
		prefetchCount:  10,
		resubscribeGap: time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.prefetchCount < 1 {
		c.prefetchCount = 1
	}
	if c.consumerTag == "" {
		c.consumerTag = fmt.Sprintf("eventpipe-%s-%d", queue, time.Now().UnixNano())
	}

	return c
}

// Queue returns the subscribed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Start subscribes to the queue and dispatches deliveries to handler until
// Shutdown is called. The first subscription must succeed; later channel
// losses are retried in the background.
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrConsumerRunning
	}
	if c.stopping {
		return ErrConsumerClosed
	}

	deliveries, err := c.subscribeLocked()
	if err != nil {
		return err
	}

	c.slots = make(chan struct{}, c.prefetchCount)
	c.handlerCtx, c.cancelHandler = context.WithCancel(context.WithoutCancel(ctx))

	loopCtx, stop := context.WithCancel(ctx)
	c.stopLoop = stop
	c.loopDone = make(chan struct{})
	c.running = true

	go c.run(loopCtx, deliveries, handler)

	c.logger.Info("Subscribed to queue",
		"queue", c.queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)
	return nil
}

// subscribeLocked opens a channel, applies QoS and starts consuming.
// Callers hold c.mu.
func (c *Consumer) subscribeLocked() (<-chan amqp.Delivery, error) {
	ch, err := c.openChannel()
	if err != nil {
		return nil, c.consumerError("open channel", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, c.consumerError("set qos", err)
	}

	deliveries, err := ch.Consume(c.queue, c.consumerTag, false, c.exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, c.consumerError("consume", err)
	}

	c.ch = ch
	return deliveries, nil
}

func (c *Consumer) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer close(c.loopDone)

	for {
		c.dispatch(ctx, deliveries, handler)

		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("Delivery channel closed, resubscribing", "queue", c.queue)
		next, ok := c.resubscribe(ctx)
		if !ok {
			return
		}
		deliveries = next
	}
}

// dispatch hands deliveries to handler goroutines until the delivery
// channel closes or ctx ends. It blocks while prefetch handlers are busy.
func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case c.slots <- struct{}{}:
		}

		var (
			delivery amqp.Delivery
			ok       bool
		)
		select {
		case <-ctx.Done():
			<-c.slots
			return
		case delivery, ok = <-deliveries:
		}
		if !ok {
			<-c.slots
			return
		}

		c.handlerWG.Add(1)
		c.inFlight.Add(1)
		go func(d amqp.Delivery) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Message handler panicked",
						"queue", c.queue,
						"messageId", d.MessageId,
						"panic", r,
					)
				}
				c.inFlight.Add(-1)
				c.handled.Add(1)
				<-c.slots
				c.handlerWG.Done()
			}()

			if err := handler(c.handlerCtx, d); err != nil {
				c.logger.Error("Failed to handle message",
					"queue", c.queue,
					"messageId", d.MessageId,
					"deliveryTag", d.DeliveryTag,
					"error", err,
				)
			}
		}(delivery)
	}
}

func (c *Consumer) resubscribe(ctx context.Context) (<-chan amqp.Delivery, bool) {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(c.resubscribeGap):
		}

		c.mu.Lock()
		if c.stopping {
			c.mu.Unlock()
			return nil, false
		}
		deliveries, err := c.subscribeLocked()
		c.mu.Unlock()

		if err == nil {
			c.logger.Info("Resubscribed to queue", "queue", c.queue, "attempt", attempt)
			return deliveries, true
		}
		c.logger.Warn("Resubscribe failed", "queue", c.queue, "attempt", attempt, "error", err)
	}
}

// Shutdown stops accepting deliveries, waits for in-flight handlers until
// ctx ends, runs the before-close hook, then closes the channel. Handlers still running when ctx ends
// see their context cancelled; their deliveries are redelivered by the
// broker once the channel closes.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.running || c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	ch := c.ch
	c.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(c.consumerTag, false); err != nil {
			c.logger.Warn("Failed to cancel consumer", "queue", c.queue, "error", err)
		}
	}
	c.stopLoop()
	<-c.loopDone

	waited := make(chan struct{})
	go func() {
		c.handlerWG.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		c.logger.Warn("Shutdown grace period ended with handlers in flight",
			"queue", c.queue,
			"inFlight", c.InFlight(),
		)
		c.cancelHandler()
		err = ctx.Err()
	}
	c.cancelHandler()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if c.beforeClose != nil {
		c.beforeClose()
	}

	if ch != nil && !ch.IsClosed() {
		if cerr := ch.Close(); cerr != nil && err == nil {
			err = c.consumerError("close channel", cerr)
		}
	}

	c.logger.Info("Consumer stopped", "queue", c.queue, "handled", c.handled.Load())
	return err
}

// Running reports whether the subscription is active
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && !c.stopping
}

// InFlight returns the number of deliveries being handled
func (c *Consumer) InFlight() int {
	return int(c.inFlight.Load())
}

// Handled returns the number of deliveries handled since Start
func (c *Consumer) Handled() int64 {
	return c.handled.Load()
}
