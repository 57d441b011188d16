package observability

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName is the tracer and meter scope used by eventpipe
const InstrumentationName = "github.com/glimte/eventpipe"

// Span attribute keys
const (
	AttrMessagingSystem  = attribute.Key("messaging.system")
	AttrDestination      = attribute.Key("messaging.destination.name")
	AttrMessageID        = attribute.Key("messaging.message.id")
	AttrRoutingKey       = attribute.Key("messaging.rabbitmq.destination.routing_key")
	AttrEventID          = attribute.Key("eventpipe.event.id")
	AttrEventType        = attribute.Key("eventpipe.event.type")
	AttrCorrelationID    = attribute.Key("eventpipe.correlation.id")
	AttrRetryAttempt     = attribute.Key("eventpipe.retry.attempt")
	AttrOutcome          = attribute.Key("eventpipe.outcome")
	AttrErrorType        = attribute.Key("eventpipe.error.type")
	AttrErrorRetryable   = attribute.Key("eventpipe.error.retryable")
	AttrDuplicateSkipped = attribute.Key("eventpipe.duplicate")
)

// SpanManager handles the span of one processed delivery.
// Use NewSpanManager for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartDeliverySpan starts a consumer span for a delivery. The parent is
	// taken from ctx, so extract inbound trace context first.
	StartDeliverySpan(ctx context.Context, queue string, d amqp.Delivery) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager backed by tp. A nil provider uses
// the global one.
func NewSpanManager(tp trace.TracerProvider) SpanManager {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &otelSpanManager{tracer: tp.Tracer(InstrumentationName)}
}

func (m *otelSpanManager) StartDeliverySpan(ctx context.Context, queue string, d amqp.Delivery) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			AttrMessagingSystem.String("rabbitmq"),
			AttrDestination.String(queue),
			AttrMessageID.String(d.MessageId),
			AttrRoutingKey.String(d.RoutingKey),
		),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartDeliverySpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartDeliverySpan(ctx context.Context, _ string, _ amqp.Delivery) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
