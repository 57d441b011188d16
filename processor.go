package eventpipe

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/idempotency"
	"github.com/glimte/eventpipe/interceptors"
	"github.com/glimte/eventpipe/internal/reliability"
	"github.com/glimte/eventpipe/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// EventHandler is the business logic of a consumer. It never acknowledges;
// returning nil acks the delivery, returning an error drives retry or
// dead-lettering.
type EventHandler interface {
	Handle(ctx context.Context, event *contracts.EventEnvelope) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *contracts.EventEnvelope) error

// Handle implements EventHandler
func (f EventHandlerFunc) Handle(ctx context.Context, event *contracts.EventEnvelope) error {
	return f(ctx, event)
}

// EventProcessor runs one delivery through the middleware chain and settles
// it. The chain is, outermost first:
//
//	ErrorClassification → Deserializer → CorrelationPropagator →
//	SchemaValidation → IdempotencyGuard → Timeout → handler
//
// Stages whose dependency is not configured are left out.
type EventProcessor struct {
	queue      string
	handler    EventHandler
	acks       *reliability.AckHandler
	chain      *interceptors.Chain
	classifier *reliability.ErrorClassifier
	propagator propagation.TextMapPropagator
	spans      observability.SpanManager
	metrics    observability.MetricsRecorder
	logger     *slog.Logger

	maxMessageSize int
	registry       interceptors.SchemaRegistry
	unknownPolicy  interceptors.UnknownTypePolicy
	store          idempotency.Store
	idempotencyTTL time.Duration
	timeout        time.Duration
	extra          []interceptors.Interceptor
}

// ProcessorOption configures the processor
type ProcessorOption func(*EventProcessor)

// WithMaxMessageSize sets the payload size limit of the deserializer
func WithMaxMessageSize(n int) ProcessorOption {
	return func(p *EventProcessor) {
		p.maxMessageSize = n
	}
}

// WithSchemaRegistry enables schema validation against registry
func WithSchemaRegistry(registry interceptors.SchemaRegistry, policy interceptors.UnknownTypePolicy) ProcessorOption {
	return func(p *EventProcessor) {
		p.registry = registry
		p.unknownPolicy = policy
	}
}

// WithIdempotencyStore enables duplicate detection with records kept for ttl
func WithIdempotencyStore(store idempotency.Store, ttl time.Duration) ProcessorOption {
	return func(p *EventProcessor) {
		p.store = store
		p.idempotencyTTL = ttl
	}
}

// WithHandlerTimeout bounds the business handler. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) ProcessorOption {
	return func(p *EventProcessor) {
		p.timeout = d
	}
}

// WithClassifier replaces the default error classifier
func WithClassifier(classifier *reliability.ErrorClassifier) ProcessorOption {
	return func(p *EventProcessor) {
		p.classifier = classifier
	}
}

// WithInterceptors adds stages between the idempotency guard and the timeout
func WithInterceptors(extra ...interceptors.Interceptor) ProcessorOption {
	return func(p *EventProcessor) {
		p.extra = append(p.extra, extra...)
	}
}

// WithTracing sets the span manager and the propagator used to extract the
// parent span from delivery headers
func WithTracing(spans observability.SpanManager, propagator propagation.TextMapPropagator) ProcessorOption {
	return func(p *EventProcessor) {
		p.spans = spans
		p.propagator = propagator
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics observability.MetricsRecorder) ProcessorOption {
	return func(p *EventProcessor) {
		p.metrics = metrics
	}
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *EventProcessor) {
		p.logger = logger
	}
}

// NewEventProcessor builds the chain for queue around handler. acks settles
// every processed delivery; a nil acks uses the default ack handler.
func NewEventProcessor(queue string, handler EventHandler, acks *reliability.AckHandler, options ...ProcessorOption) *EventProcessor {
	p := &EventProcessor{
		queue:          queue,
		handler:        handler,
		acks:           acks,
		maxMessageSize: interceptors.DefaultMaxMessageSize,
		unknownPolicy:  interceptors.UnknownTypeReject,
		idempotencyTTL: 24 * time.Hour,
		propagator:     observability.DefaultPropagator(),
		spans:          observability.NoopSpanManager{},
		metrics:        observability.NoopMetrics{},
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.acks == nil {
		p.acks = reliability.NewAckHandler(reliability.WithAckLogger(p.logger))
	}
	if p.classifier == nil {
		p.classifier = reliability.NewErrorClassifier(reliability.WithClassifierLogger(p.logger))
	}

	p.chain = interceptors.NewChain(p.logger,
		interceptors.NewErrorClassification(p.classifier, p.logger),
		interceptors.NewDeserializer(interceptors.WithMaxMessageSize(p.maxMessageSize)),
		interceptors.NewCorrelationPropagator(interceptors.WithPropagator(p.propagator)),
	)
	if p.registry != nil {
		p.chain.Add(interceptors.NewSchemaValidation(p.registry, p.unknownPolicy, p.logger))
	}
	if p.store != nil {
		p.chain.Add(interceptors.NewIdempotencyGuard(p.store, p.idempotencyTTL, p.logger))
	}
	for _, i := range p.extra {
		p.chain.Add(i)
	}
	if p.timeout > 0 {
		p.chain.Add(interceptors.NewTimeout(p.timeout))
	}

	return p
}

// Queue returns the queue the processor settles deliveries for
func (p *EventProcessor) Queue() string {
	return p.queue
}

// Stages lists the chain stages in execution order
func (p *EventProcessor) Stages() []string {
	return p.chain.Names()
}

// Process runs d through the chain and settles it exactly once. The
// returned outcome is the terminal state of the delivery.
func (p *EventProcessor) Process(ctx context.Context, d amqp.Delivery) (outcome reliability.Outcome) {
	start := time.Now()
	settlement := p.acks.Begin(d)

	if d.Headers != nil {
		ctx = p.propagator.Extract(ctx, observability.HeaderCarrier(d.Headers))
	}
	ctx, span := p.spans.StartDeliverySpan(ctx, p.queue, d)

	p.metrics.AddInFlight(ctx, p.queue, 1)
	defer p.metrics.AddInFlight(ctx, p.queue, -1)

	mctx := interceptors.NewMiddlewareContext(d, p.queue)

	// a panic outside the chain must neither leave d unsettled nor settle it twice
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.logger.ErrorContext(ctx, "Recovered panic while settling delivery",
			"queue", p.queue,
			"messageId", d.MessageId,
			"eventId", mctx.EventID(),
			"settled", settlement.Settled(),
			"panic", r,
		)
		if settlement.Settled() {
			return
		}
		cerr := contracts.NewClassifiedError(contracts.ErrorTypeUnknown, &interceptors.PanicError{Value: r})
		for k, v := range mctx.ErrorMeta() {
			cerr.Context[k] = v
		}
		var err error
		if outcome, err = settlement.Settle(ctx, mctx.DeliveryInfo(), cerr); err != nil {
			p.logger.ErrorContext(ctx, "Failed to settle delivery", "messageId", d.MessageId, "error", err)
		}
		p.spans.EndSpanWithError(span, cerr)
	}()

	err := p.chain.Execute(ctx, mctx, interceptors.HandlerFunc(p.invoke))

	cerr := mctx.Err
	if err != nil && cerr == nil {
		cerr = p.classifier.Classify(err, mctx.ErrorMeta())
	}
	if cerr != nil {
		p.metrics.RecordClassifiedError(ctx, p.queue, string(cerr.Type), string(cerr.Severity))
		span.SetAttributes(
			observability.AttrErrorType.String(string(cerr.Type)),
			observability.AttrErrorRetryable.Bool(cerr.Retryable),
		)
	}

	var settleErr error
	outcome, settleErr = settlement.Settle(ctx, mctx.DeliveryInfo(), cerr)
	if settleErr != nil {
		p.logger.ErrorContext(ctx, "Failed to settle delivery",
			"queue", p.queue,
			"messageId", d.MessageId,
			"eventId", mctx.EventID(),
			"outcome", outcome,
			"error", settleErr,
		)
	}

	span.SetAttributes(
		observability.AttrEventID.String(mctx.EventID()),
		observability.AttrEventType.String(mctx.EventType()),
		observability.AttrOutcome.String(string(outcome)),
		observability.AttrDuplicateSkipped.Bool(mctx.Duplicate),
	)
	p.metrics.RecordDelivery(ctx, p.queue, mctx.EventType(), string(outcome), time.Since(start))

	if cerr != nil {
		p.spans.EndSpanWithError(span, cerr)
	} else {
		p.spans.EndSpanWithError(span, settleErr)
	}

	return outcome
}

// invoke is the core of the chain
func (p *EventProcessor) invoke(ctx context.Context, mctx *interceptors.MiddlewareContext) error {
	return p.handler.Handle(ctx, mctx.Envelope)
}
