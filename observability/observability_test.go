package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return exporter, tp
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value.Emit()
		}
	}
	return ""
}

func TestSpanManager_StartDeliverySpan(t *testing.T) {
	exporter, tp := setupTracingTest(t)
	sm := NewSpanManager(tp)

	ctx, span := sm.StartDeliverySpan(context.Background(), "orders", amqp.Delivery{
		MessageId:  "msg-1",
		RoutingKey: "order.created",
	})
	assert.True(t, trace.SpanFromContext(ctx).SpanContext().IsValid())

	sm.AddSpanEvent(ctx, "duplicate", AttrEventID.String("e1"))
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "orders process", s.Name)
	assert.Equal(t, trace.SpanKindConsumer, s.SpanKind)
	assert.Equal(t, codes.Ok, s.Status.Code)
	assert.Equal(t, "rabbitmq", attrValue(s.Attributes, AttrMessagingSystem))
	assert.Equal(t, "msg-1", attrValue(s.Attributes, AttrMessageID))
	assert.Equal(t, "order.created", attrValue(s.Attributes, AttrRoutingKey))
	require.Len(t, s.Events, 1)
	assert.Equal(t, "duplicate", s.Events[0].Name)
}

func TestEndSpanWithError(t *testing.T) {
	exporter, tp := setupTracingTest(t)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	EndSpanWithError(span, errors.New("boom"))
	EndSpanWithError(nil, errors.New("ignored"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "boom", spans[0].Status.Description)
}

func TestHeaderCarrier_PropagatesTraceContext(t *testing.T) {
	_, tp := setupTracingTest(t)
	prop := DefaultPropagator()

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := amqp.Table{"x-other": int32(1)}
	prop.Inject(ctx, HeaderCarrier(headers))
	assert.NotEmpty(t, headers["traceparent"])

	extracted := prop.Extract(context.Background(), HeaderCarrier(headers))
	sc := trace.SpanContextFromContext(extracted)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())

	c := HeaderCarrier(headers)
	assert.Equal(t, "1", c.Get("x-other"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Contains(t, c.Keys(), "traceparent")
}

func TestNoopSpanManager(t *testing.T) {
	ctx := context.Background()
	got, span := NoopSpanManager{}.StartDeliverySpan(ctx, "q", amqp.Delivery{})
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
}

func TestMetricsRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetricsRecorder(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.AddInFlight(ctx, "orders", 1)
	m.RecordDelivery(ctx, "orders", "order.created", "acked", 15*time.Millisecond)
	m.RecordDelivery(ctx, "orders", "order.created", "acked", 5*time.Millisecond)
	m.RecordDelivery(ctx, "orders", "order.created", "dead-lettered", time.Millisecond)
	m.RecordClassifiedError(ctx, "orders", "validation", "low")
	m.AddInFlight(ctx, "orders", -1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	deliveries := findMetric(&rm, MetricDeliveries)
	require.NotNil(t, deliveries)
	sum, ok := deliveries.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	counts := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		outcome, _ := dp.Attributes.Value("outcome")
		counts[outcome.AsString()] = dp.Value
	}
	assert.Equal(t, int64(2), counts["acked"])
	assert.Equal(t, int64(1), counts["dead-lettered"])

	latency := findMetric(&rm, MetricLatency)
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var samples uint64
	for _, dp := range hist.DataPoints {
		samples += dp.Count
	}
	assert.Equal(t, uint64(3), samples)

	errs := findMetric(&rm, MetricClassifiedErrors)
	require.NotNil(t, errs)

	inFlight := findMetric(&rm, MetricInFlight)
	require.NotNil(t, inFlight)
	gauge, ok := inFlight.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(0), gauge.DataPoints[0].Value)
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	m.RecordDelivery(context.Background(), "q", "t", "acked", time.Second)
	m.RecordClassifiedError(context.Background(), "q", "unknown", "high")
	m.AddInFlight(context.Background(), "q", 1)
}
