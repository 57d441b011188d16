package eventpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/eventpipe/config"
	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/health"
	"github.com/glimte/eventpipe/idempotency"
	"github.com/glimte/eventpipe/interceptors"
	"github.com/glimte/eventpipe/internal/rabbitmq"
	"github.com/glimte/eventpipe/internal/reliability"
	"github.com/glimte/eventpipe/observability"
	"github.com/glimte/eventpipe/schema"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrConsumerStarted is returned by Start on a running consumer
	ErrConsumerStarted = errors.New("event consumer already started")
	// ErrConsumerStopped is returned by Start after Shutdown
	ErrConsumerStopped = errors.New("event consumer stopped")
)

const purgeInterval = 10 * time.Minute

// EventConsumer owns one broker connection, one queue subscription and the
// pipeline that processes what it delivers
type EventConsumer struct {
	cfg     config.Config
	handler EventHandler
	logger  *slog.Logger

	registry       *schema.Registry
	store          idempotency.Store
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	extra          []interceptors.Interceptor

	mu        sync.Mutex
	started   bool
	stopped   bool
	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager
	consumer  atomic.Pointer[rabbitmq.Consumer]
	acks      *reliability.AckHandler
	processor *EventProcessor
	closers   []func() error
	stopPurge context.CancelFunc
}

// ConsumerOption configures the event consumer
type ConsumerOption func(*EventConsumer)

// WithLogger sets the logger for every component
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *EventConsumer) {
		c.logger = logger
	}
}

// WithSchemas sets the schema registry. Schemas from the configured schema
// file are loaded into it.
func WithSchemas(registry *schema.Registry) ConsumerOption {
	return func(c *EventConsumer) {
		c.registry = registry
	}
}

// WithStore sets the idempotency store instead of building one from config.
// The caller keeps ownership of it.
func WithStore(store idempotency.Store) ConsumerOption {
	return func(c *EventConsumer) {
		c.store = store
	}
}

// WithTracerProvider enables tracing through tp
func WithTracerProvider(tp trace.TracerProvider) ConsumerOption {
	return func(c *EventConsumer) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider enables metrics through mp
func WithMeterProvider(mp metric.MeterProvider) ConsumerOption {
	return func(c *EventConsumer) {
		c.meterProvider = mp
	}
}

// WithConsumerInterceptors adds stages in front of the handler
func WithConsumerInterceptors(extra ...interceptors.Interceptor) ConsumerOption {
	return func(c *EventConsumer) {
		c.extra = append(c.extra, extra...)
	}
}

// NewEventConsumer validates cfg and prepares a consumer. Nothing connects
// until Start.
func NewEventConsumer(cfg config.Config, handler EventHandler, options ...ConsumerOption) (*EventConsumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", contracts.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &EventConsumer{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	if cfg.Pipeline.SchemaFile != "" {
		if c.registry == nil {
			c.registry = schema.NewRegistry()
		}
		if err := c.registry.LoadFile(cfg.Pipeline.SchemaFile); err != nil {
			return nil, fmt.Errorf("load schemas: %w", err)
		}
	}

	return c, nil
}

// Start connects, declares the topology, and subscribes. Components built
// before a failure are closed again.
func (c *EventConsumer) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrConsumerStopped
	}
	if c.started {
		return ErrConsumerStarted
	}

	defer func() {
		if err != nil {
			c.closeAll()
		}
	}()

	if err := c.connect(ctx); err != nil {
		return err
	}
	if err := c.declareTopology(ctx); err != nil {
		return err
	}
	scheduler, err := c.retryScheduler(ctx)
	if err != nil {
		return err
	}
	if err := c.openStore(ctx); err != nil {
		return err
	}
	acks, err := c.ackHandler(scheduler)
	if err != nil {
		return err
	}
	c.acks = acks

	processor, err := c.buildProcessor()
	if err != nil {
		return err
	}
	c.processor = processor

	consumer := rabbitmq.NewConsumer(c.conn, c.cfg.Broker.Queue,
		rabbitmq.WithPrefetchCount(c.cfg.Broker.Prefetch),
		rabbitmq.WithConsumerLogger(c.logger),
		rabbitmq.WithBeforeClose(acks.Flush),
	)
	if err := consumer.Start(ctx, c.handle); err != nil {
		return err
	}
	c.consumer.Store(consumer)

	c.started = true
	c.logger.Info("Event consumer started",
		"queue", c.cfg.Broker.Queue,
		"prefetch", c.cfg.Broker.Prefetch,
		"stages", processor.Stages(),
	)
	return nil
}

func (c *EventConsumer) handle(ctx context.Context, d amqp.Delivery) error {
	c.processor.Process(ctx, d)
	return nil
}

func (c *EventConsumer) connect(ctx context.Context) error {
	c.conn = rabbitmq.NewConnectionManager(c.cfg.Broker.URL,
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithReconnectDelay(c.cfg.Broker.ReconnectDelay),
		rabbitmq.WithConnectionName(c.cfg.Broker.ConnectionName),
	)
	c.closers = append(c.closers, c.conn.Close)
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	pool, err := rabbitmq.NewChannelPool(c.conn, rabbitmq.WithChannelLogger(c.logger))
	if err != nil {
		return err
	}
	c.pool = pool
	c.closers = append(c.closers, pool.Close)

	c.publisher = rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(c.logger))
	c.topology = rabbitmq.NewTopologyManager(pool)
	return nil
}

func (c *EventConsumer) declareTopology(ctx context.Context) error {
	if !c.cfg.Broker.DeclareQueues {
		return nil
	}

	topology := rabbitmq.QueueTopology(rabbitmq.QueueTopologyOptions{
		Queue:         c.cfg.Broker.Queue,
		Exchange:      c.cfg.Broker.Exchange,
		ExchangeType:  c.cfg.Broker.ExchangeType,
		RoutingKeys:   c.cfg.Broker.RoutingKeys,
		DLQExchange:   c.cfg.DLQ.Exchange,
		DLQRoutingKey: c.cfg.DLQRoutingKey(),
		DLQTTL:        c.cfg.DLQ.TTL.Milliseconds(),
	})
	if err := c.topology.DeclareTopology(ctx, topology); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	return nil
}

func (c *EventConsumer) retryScheduler(ctx context.Context) (reliability.RetryScheduler, error) {
	switch c.cfg.Retry.Scheduler {
	case config.SchedulerDelayedExchange:
		s := reliability.NewDelayedExchangeScheduler(c.topology, c.publisher, c.cfg.Retry.Exchange, c.logger)
		if err := s.Initialize(ctx, c.cfg.Broker.Queue); err != nil {
			return nil, err
		}
		return s, nil
	default:
		s := reliability.NewTTLRetryScheduler(c.topology, c.publisher, &reliability.TTLRetrySchedulerOptions{
			RetryExchange: c.cfg.Retry.Exchange,
			Logger:        c.logger,
		})
		if err := s.Initialize(ctx, c.cfg.Broker.Queue); err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (c *EventConsumer) openStore(ctx context.Context) error {
	if c.store != nil {
		return nil
	}

	icfg := c.cfg.Idempotency
	switch icfg.Backend {
	case config.BackendRedis:
		client, err := idempotency.ConnectRedis(ctx, icfg.RedisURL)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, client.Close)
		c.store = idempotency.NewRedisStore(client, icfg.KeyPrefix)

	case config.BackendPostgres:
		db, err := idempotency.OpenPostgres(ctx, icfg.PostgresDSN, icfg.MaxDBConns)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		c.closers = append(c.closers, sqlDB.Close)

		store := idempotency.NewPostgresStore(db, c.logger)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		c.store = store

	default:
		c.store = idempotency.NewMemoryStore()
	}

	c.startPurge()
	return nil
}

// startPurge drops expired idempotency records in the background
func (c *EventConsumer) startPurge() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopPurge = cancel

	go func() {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.purgeExpired(ctx)
			}
		}
	}()
}

func (c *EventConsumer) purgeExpired(ctx context.Context) {
	switch s := c.store.(type) {
	case *idempotency.MemoryStore:
		if n := s.PurgeExpired(); n > 0 {
			c.logger.Debug("Purged expired idempotency records", "count", n)
		}
	case *idempotency.PostgresStore:
		n, err := s.PurgeExpired(ctx)
		if err != nil {
			c.logger.Warn("Failed to purge expired idempotency records", "error", err)
			return
		}
		if n > 0 {
			c.logger.Debug("Purged expired idempotency records", "count", n)
		}
	}
}

func (c *EventConsumer) ackHandler(scheduler reliability.RetryScheduler) (*reliability.AckHandler, error) {
	fallback, err := reliability.ParseFallbackPolicy(c.cfg.DLQ.Fallback)
	if err != nil {
		return nil, err
	}

	options := []reliability.AckOption{
		reliability.WithAckLogger(c.logger),
		reliability.WithRetryPolicy(reliability.RetryPolicy{
			MaxAttempts:       c.cfg.Retry.MaxAttempts,
			BaseDelay:         c.cfg.Retry.BaseDelay,
			BackoffMultiplier: c.cfg.Retry.BackoffMultiplier,
			MaxDelay:          c.cfg.Retry.MaxDelay,
			Jitter:            c.cfg.Retry.Jitter,
		}),
		reliability.WithRetryScheduler(scheduler),
		reliability.WithDLQFallback(fallback),
		reliability.WithAutoAck(c.cfg.Ack.AutoAckSuccess),
		reliability.WithAutoNack(c.cfg.Ack.AutoNackError),
	}

	if key := c.cfg.DLQRoutingKey(); key != "" {
		headers := amqp.Table{}
		for k, v := range c.cfg.DLQ.Headers {
			headers[k] = v
		}
		options = append(options, reliability.WithDLQ(reliability.DLQConfig{
			Exchange:   c.cfg.DLQ.Exchange,
			RoutingKey: key,
			TTL:        c.cfg.DLQ.TTL,
			Headers:    headers,
		}, c.publisher))
	}

	if fallback == reliability.FallbackSpill {
		spill, err := reliability.NewSQLiteSpillLog(c.cfg.DLQ.SpillPath)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, spill.Close)
		options = append(options, reliability.WithSpillLog(spill))
	}

	if c.cfg.Ack.EnableBatchAck {
		options = append(options, reliability.WithBatchAck(c.cfg.Ack.BatchAckWindow, c.cfg.Ack.MaxBatchSize))
	}

	return reliability.NewAckHandler(options...), nil
}

func (c *EventConsumer) buildProcessor() (*EventProcessor, error) {
	errorType, err := contracts.ParseErrorType(c.cfg.Errors.DefaultType)
	if err != nil {
		return nil, err
	}
	severity, err := contracts.ParseSeverity(c.cfg.Errors.DefaultSeverity)
	if err != nil {
		return nil, err
	}
	unknown, err := interceptors.ParseUnknownTypePolicy(c.cfg.Pipeline.UnknownSchemaPolicy)
	if err != nil {
		return nil, err
	}

	classifier := reliability.NewErrorClassifier(
		reliability.WithDefaultErrorType(errorType),
		reliability.WithDefaultSeverity(severity),
		reliability.WithClassifierLogger(c.logger),
	)

	options := []ProcessorOption{
		WithProcessorLogger(c.logger),
		WithClassifier(classifier),
		WithMaxMessageSize(c.cfg.Pipeline.MaxMessageSizeBytes),
		WithIdempotencyStore(c.store, c.cfg.Idempotency.TTL),
		WithHandlerTimeout(c.cfg.Pipeline.HandlerTimeout),
		WithInterceptors(c.extra...),
	}
	if c.registry != nil {
		options = append(options, WithSchemaRegistry(c.registry, unknown))
	}
	if c.tracerProvider != nil {
		options = append(options, WithTracing(observability.NewSpanManager(c.tracerProvider), observability.DefaultPropagator()))
	}
	if c.meterProvider != nil {
		metrics, err := observability.NewMetricsRecorder(c.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		options = append(options, WithMetrics(metrics))
	}

	return NewEventProcessor(c.cfg.Broker.Queue, c.handler, c.acks, options...), nil
}

// Shutdown stops the subscription, waits for in-flight deliveries up to the
// configured grace period or ctx, flushes batched acks, then closes every
// resource. It is safe to call more than once.
func (c *EventConsumer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true
	if !c.started {
		return nil
	}

	if c.cfg.Pipeline.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Pipeline.ShutdownGrace)
		defer cancel()
	}

	consumer := c.consumer.Load()

	var errs []error
	if err := consumer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop consumer: %w", err))
	}
	// batched acks were flushed before the consumer channel closed
	if pending := c.acks.Pending(); pending > 0 {
		c.logger.Warn("Batched acknowledgments left unsent, deliveries will be redelivered",
			"queue", c.cfg.Broker.Queue,
			"pending", pending,
		)
	}
	if err := c.closeAll(); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("Event consumer stopped",
		"queue", c.cfg.Broker.Queue,
		"handled", consumer.Handled(),
	)
	return errors.Join(errs...)
}

// closeAll releases resources in reverse order of acquisition
func (c *EventConsumer) closeAll() error {
	if c.stopPurge != nil {
		c.stopPurge()
		c.stopPurge = nil
	}

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Queue returns the consumed queue
func (c *EventConsumer) Queue() string {
	return c.cfg.Broker.Queue
}

// Running reports whether deliveries are being consumed
func (c *EventConsumer) Running() bool {
	consumer := c.consumer.Load()
	return consumer != nil && consumer.Running()
}

// InFlight returns the number of deliveries in the pipeline
func (c *EventConsumer) InFlight() int {
	consumer := c.consumer.Load()
	if consumer == nil {
		return 0
	}
	return consumer.InFlight()
}

// Publisher returns a publisher that propagates correlation from the
// delivery being handled. It is nil before Start.
func (c *EventConsumer) Publisher(exchange string) *EventPublisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publisher == nil {
		return nil
	}
	return NewEventPublisher(c.publisher, exchange, c.logger)
}

// RegisterHealth adds the consumer's checkers to registry. Call it after
// Start.
func (c *EventConsumer) RegisterHealth(registry *health.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	registry.SetMetadata("queue", c.cfg.Broker.Queue)
	registry.Register(health.NewConsumerChecker(c, c.cfg.Broker.Prefetch))
	if c.conn != nil {
		registry.Register(health.NewBrokerChecker(c.conn))
	}
	if c.topology != nil {
		registry.Register(health.NewQueueChecker(c.cfg.Broker.Queue, c.topology, 0))
	}
	if pinger, ok := c.store.(health.Pinger); ok {
		registry.Register(health.NewPingChecker("idempotency", pinger))
	}
}
