package interceptors

import (
	"context"
	"strings"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/internal/reliability"
	"github.com/glimte/eventpipe/observability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// metadata keys an envelope may carry its correlation id under
var correlationMetadataKeys = []string{"correlation_id", "correlationId"}

// CorrelationPropagator resolves the correlation and trace ids of a delivery.
// Inbound ids are reused so a causal chain shares one correlation id; missing
// ids are generated. It never fails.
type CorrelationPropagator struct {
	propagator propagation.TextMapPropagator
	newID      func() string
}

// CorrelationOption configures the propagator
type CorrelationOption func(*CorrelationPropagator)

// WithPropagator sets the OTel propagator used to read trace context from
// headers. Defaults to the global propagator.
func WithPropagator(p propagation.TextMapPropagator) CorrelationOption {
	return func(c *CorrelationPropagator) {
		c.propagator = p
	}
}

// WithIDGenerator overrides how missing correlation ids are generated
func WithIDGenerator(fn func() string) CorrelationOption {
	return func(c *CorrelationPropagator) {
		c.newID = fn
	}
}

// NewCorrelationPropagator creates the correlation stage
func NewCorrelationPropagator(opts ...CorrelationOption) *CorrelationPropagator {
	c := &CorrelationPropagator{
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.propagator == nil {
		c.propagator = otel.GetTextMapPropagator()
	}
	return c
}

// Intercept implements Interceptor
func (c *CorrelationPropagator) Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
	mctx.CorrelationID = c.correlationID(mctx)
	mctx.TraceID = c.traceID(ctx, mctx)

	trace.SpanFromContext(ctx).SetAttributes(
		observability.AttrCorrelationID.String(mctx.CorrelationID),
		observability.AttrRetryAttempt.Int(mctx.RetryAttempt),
	)

	return next.Handle(ctx, mctx)
}

func (c *CorrelationPropagator) correlationID(mctx *MiddlewareContext) string {
	if id := reliability.HeaderString(mctx.Delivery.Headers, contracts.HeaderCorrelationID); id != "" {
		return id
	}
	if mctx.Delivery.CorrelationId != "" {
		return mctx.Delivery.CorrelationId
	}
	if mctx.Envelope != nil {
		for _, key := range correlationMetadataKeys {
			if id, ok := mctx.Envelope.Metadata[key].(string); ok && id != "" {
				return id
			}
		}
	}
	return c.newID()
}

func (c *CorrelationPropagator) traceID(ctx context.Context, mctx *MiddlewareContext) string {
	if id := reliability.HeaderString(mctx.Delivery.Headers, contracts.HeaderTraceID); id != "" {
		return id
	}
	if mctx.Delivery.Headers != nil {
		remote := trace.SpanContextFromContext(c.propagator.Extract(ctx, observability.HeaderCarrier(mctx.Delivery.Headers)))
		if remote.HasTraceID() {
			return remote.TraceID().String()
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return newTraceID()
}

// newTraceID returns 32 hex characters, the W3C trace id format
func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Name implements Interceptor
func (c *CorrelationPropagator) Name() string {
	return "CorrelationPropagator"
}

// OutboundHeaders returns the headers to stamp on anything published while
// handling the delivery in ctx: correlation id, trace id, retry attempt and
// the W3C trace context of the current span.
func OutboundHeaders(ctx context.Context) amqp.Table {
	headers := amqp.Table{}

	if mctx, ok := FromContext(ctx); ok {
		if mctx.CorrelationID != "" {
			headers[contracts.HeaderCorrelationID] = mctx.CorrelationID
		}
		if mctx.TraceID != "" {
			headers[contracts.HeaderTraceID] = mctx.TraceID
		}
		headers[contracts.HeaderRetryAttempt] = int32(mctx.RetryAttempt)
	}

	otel.GetTextMapPropagator().Inject(ctx, observability.HeaderCarrier(headers))
	return headers
}
