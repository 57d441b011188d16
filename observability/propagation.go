package observability

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier adapts AMQP headers to an OTel TextMapCarrier so trace
// context travels with published messages.
type HeaderCarrier amqp.Table

var _ propagation.TextMapCarrier = HeaderCarrier{}

// Get returns the value for key as a string
func (c HeaderCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

// Set stores a value
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the header names
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// DefaultPropagator is W3C trace context plus baggage
func DefaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}
