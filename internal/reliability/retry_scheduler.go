package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes a message to an exchange
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// TopologyDeclarer declares exchanges, queues and bindings
type TopologyDeclarer interface {
	DeclareExchange(ctx context.Context, exchange rabbitmq.ExchangeDeclaration) error
	DeclareQueue(ctx context.Context, queue rabbitmq.QueueDeclaration) (amqp.Queue, error)
	BindQueue(ctx context.Context, binding rabbitmq.Binding) error
}

// RetryRequest describes one delayed redelivery
type RetryRequest struct {
	Delivery amqp.Delivery
	Queue    string
	Attempt  int
	Delay    time.Duration
	Headers  amqp.Table
}

func (r RetryRequest) publishing() amqp.Publishing {
	return amqp.Publishing{
		Headers:       r.Headers,
		ContentType:   r.Delivery.ContentType,
		Body:          r.Delivery.Body,
		DeliveryMode:  amqp.Persistent,
		Priority:      r.Delivery.Priority,
		CorrelationId: r.Delivery.CorrelationId,
		MessageId:     r.Delivery.MessageId,
		Type:          r.Delivery.Type,
		Timestamp:     time.Now(),
	}
}

// RetryScheduler redelivers a message to its queue after a delay
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, req RetryRequest) error
}

// TTLRetryScheduler implements delayed redelivery with per-delay queues. A
// message waits in <queue>.retry.<ms>ms until its TTL expires, then the
// broker dead-letters it through the retry exchange back to <queue>.
type TTLRetryScheduler struct {
	topology      TopologyDeclarer
	publisher     Publisher
	logger        *slog.Logger
	retryExchange string
	delayExchange string
	mu            sync.Mutex
	delayQueues   map[string]bool
}

// TTLRetrySchedulerOptions configures the TTL retry scheduler
type TTLRetrySchedulerOptions struct {
	RetryExchange string
	DelayExchange string
	Logger        *slog.Logger
}

// NewTTLRetryScheduler creates a new TTL-based retry scheduler
func NewTTLRetryScheduler(topology TopologyDeclarer, publisher Publisher, opts *TTLRetrySchedulerOptions) *TTLRetryScheduler {
	if opts == nil {
		opts = &TTLRetrySchedulerOptions{}
	}
	if opts.RetryExchange == "" {
		opts.RetryExchange = "eventpipe.retry"
	}
	if opts.DelayExchange == "" {
		opts.DelayExchange = "eventpipe.retry.delay"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &TTLRetryScheduler{
		topology:      topology,
		publisher:     publisher,
		logger:        opts.Logger,
		retryExchange: opts.RetryExchange,
		delayExchange: opts.DelayExchange,
		delayQueues:   make(map[string]bool),
	}
}

// Initialize declares the retry and delay exchanges and binds every consumed
// queue to the retry exchange
func (s *TTLRetryScheduler) Initialize(ctx context.Context, queues ...string) error {
	s.logger.Info("Initializing TTL retry scheduler topology")

	for _, name := range []string{s.retryExchange, s.delayExchange} {
		exchange := rabbitmq.ExchangeDeclaration{Name: name, Type: "direct", Durable: true}
		if err := s.topology.DeclareExchange(ctx, exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}

	for _, queue := range queues {
		binding := rabbitmq.Binding{
			Queue:      queue,
			Exchange:   s.retryExchange,
			RoutingKey: queue,
		}
		if err := s.topology.BindQueue(ctx, binding); err != nil {
			return fmt.Errorf("failed to bind %s to retry exchange: %w", queue, err)
		}
	}

	return nil
}

// ScheduleRetry implements RetryScheduler
func (s *TTLRetryScheduler) ScheduleRetry(ctx context.Context, req RetryRequest) error {
	delayQueue := DelayQueueName(req.Queue, req.Delay)
	if err := s.ensureDelayQueue(ctx, delayQueue, req.Delay, req.Queue); err != nil {
		return fmt.Errorf("failed to ensure delay queue: %w", err)
	}

	if err := s.publisher.Publish(ctx, s.delayExchange, delayQueue, req.publishing()); err != nil {
		return fmt.Errorf("failed to publish to delay queue: %w", err)
	}

	s.logger.Debug("Scheduled message for retry",
		"messageId", req.Delivery.MessageId,
		"queue", req.Queue,
		"attempt", req.Attempt,
		"delay", req.Delay,
	)
	return nil
}

// DelayQueueName returns the delay queue used for queue and delay
func DelayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.retry.%dms", queue, delay.Milliseconds())
}

func (s *TTLRetryScheduler) ensureDelayQueue(ctx context.Context, queueName string, delay time.Duration, targetQueue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.delayQueues[queueName] {
		return nil
	}

	queue := rabbitmq.QueueDeclaration{
		Name:    queueName,
		Durable: true,
		Arguments: amqp.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    s.retryExchange,
			"x-dead-letter-routing-key": targetQueue,
			"x-expires":                 delay.Milliseconds() + 300000, // idle delay queues go away after 5 min
		},
	}
	if _, err := s.topology.DeclareQueue(ctx, queue); err != nil {
		return fmt.Errorf("failed to declare delay queue %s: %w", queueName, err)
	}

	binding := rabbitmq.Binding{
		Queue:      queueName,
		Exchange:   s.delayExchange,
		RoutingKey: queueName,
	}
	if err := s.topology.BindQueue(ctx, binding); err != nil {
		return fmt.Errorf("failed to bind delay queue %s: %w", queueName, err)
	}

	s.delayQueues[queueName] = true
	s.logger.Debug("Created delay queue",
		"queue", queueName,
		"delay", delay,
		"targetQueue", targetQueue,
	)
	return nil
}

// DelayedExchangeScheduler redelivers through an exchange of type
// x-delayed-message (rabbitmq_delayed_message_exchange plugin) using the
// x-delay header
type DelayedExchangeScheduler struct {
	topology  TopologyDeclarer
	publisher Publisher
	exchange  string
	logger    *slog.Logger
}

// NewDelayedExchangeScheduler creates a scheduler publishing to exchange
func NewDelayedExchangeScheduler(topology TopologyDeclarer, publisher Publisher, exchange string, logger *slog.Logger) *DelayedExchangeScheduler {
	if exchange == "" {
		exchange = "eventpipe.delayed"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DelayedExchangeScheduler{
		topology:  topology,
		publisher: publisher,
		exchange:  exchange,
		logger:    logger,
	}
}

// Initialize declares the delayed exchange and binds every consumed queue
func (s *DelayedExchangeScheduler) Initialize(ctx context.Context, queues ...string) error {
	exchange := rabbitmq.ExchangeDeclaration{
		Name:      s.exchange,
		Type:      "x-delayed-message",
		Durable:   true,
		Arguments: amqp.Table{"x-delayed-type": "direct"},
	}
	if err := s.topology.DeclareExchange(ctx, exchange); err != nil {
		return fmt.Errorf("failed to declare delayed exchange %s: %w", s.exchange, err)
	}

	for _, queue := range queues {
		binding := rabbitmq.Binding{Queue: queue, Exchange: s.exchange, RoutingKey: queue}
		if err := s.topology.BindQueue(ctx, binding); err != nil {
			return fmt.Errorf("failed to bind %s to delayed exchange: %w", queue, err)
		}
	}
	return nil
}

// ScheduleRetry implements RetryScheduler
func (s *DelayedExchangeScheduler) ScheduleRetry(ctx context.Context, req RetryRequest) error {
	msg := req.publishing()
	msg.Headers = CopyHeaders(req.Headers)
	msg.Headers[contracts.HeaderDelay] = req.Delay.Milliseconds()

	if err := s.publisher.Publish(ctx, s.exchange, req.Queue, msg); err != nil {
		return fmt.Errorf("failed to publish to delayed exchange: %w", err)
	}

	s.logger.Debug("Scheduled message for delayed redelivery",
		"messageId", req.Delivery.MessageId,
		"queue", req.Queue,
		"attempt", req.Attempt,
		"delay", req.Delay,
	)
	return nil
}
