package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricDeliveries       = "eventpipe.deliveries"
	MetricLatency          = "eventpipe.processing.latency_ms"
	MetricClassifiedErrors = "eventpipe.errors"
	MetricInFlight         = "eventpipe.inflight"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDelivery records the terminal outcome of one delivery and how
	// long the pipeline took.
	RecordDelivery(ctx context.Context, queue, eventType, outcome string, duration time.Duration)

	// RecordClassifiedError records a classified pipeline failure.
	RecordClassifiedError(ctx context.Context, queue, errorType, severity string)

	// AddInFlight moves the in-flight gauge by delta.
	AddInFlight(ctx context.Context, queue string, delta int64)
}

type otelMetrics struct {
	deliveries metric.Int64Counter
	latency    metric.Float64Histogram
	errors     metric.Int64Counter
	inFlight   metric.Int64UpDownCounter
}

// NewMetricsRecorder returns a MetricsRecorder backed by mp. A nil provider
// uses the global one.
func NewMetricsRecorder(mp metric.MeterProvider) (MetricsRecorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	deliveries, err := meter.Int64Counter(MetricDeliveries,
		metric.WithDescription("Number of deliveries by terminal outcome"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(MetricLatency,
		metric.WithDescription("Pipeline processing latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter(MetricClassifiedErrors,
		metric.WithDescription("Number of classified pipeline errors"),
	)
	if err != nil {
		return nil, err
	}

	inFlight, err := meter.Int64UpDownCounter(MetricInFlight,
		metric.WithDescription("Deliveries currently in the pipeline"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		deliveries: deliveries,
		latency:    latency,
		errors:     errs,
		inFlight:   inFlight,
	}, nil
}

// MustMetricsRecorder is NewMetricsRecorder falling back to NoopMetrics
func MustMetricsRecorder(mp metric.MeterProvider, logger *slog.Logger) MetricsRecorder {
	m, err := NewMetricsRecorder(mp)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("metrics initialization failed, using no-op recorder", "error", err)
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, queue, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.deliveries.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordClassifiedError(ctx context.Context, queue, errorType, severity string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("error_type", errorType),
		attribute.String("severity", severity),
	))
}

func (m *otelMetrics) AddInFlight(ctx context.Context, queue string, delta int64) {
	m.inFlight.Add(ctx, delta, metric.WithAttributes(attribute.String("queue", queue)))
}

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordDelivery(_ context.Context, _, _, _ string, _ time.Duration) {}

func (NoopMetrics) RecordClassifiedError(_ context.Context, _, _, _ string) {}

func (NoopMetrics) AddInFlight(_ context.Context, _ string, _ int64) {}
