// Package observability wires OpenTelemetry into the event pipeline.
//
// Each delivery gets a consumer span whose parent is extracted from the
// message headers through HeaderCarrier. Metrics count deliveries by
// outcome, classified errors by type and severity, track in-flight
// deliveries and record processing latency.
//
// Providers default to the global ones. Configure them before building a
// consumer:
//
//	otel.SetTracerProvider(tp)
//	otel.SetMeterProvider(mp)
//	otel.SetTextMapPropagator(observability.DefaultPropagator())
package observability
