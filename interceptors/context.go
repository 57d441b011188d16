package interceptors

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

type contextKey string

const middlewareContextKey contextKey = "eventpipe:middleware:context"

// MiddlewareContext is the per-delivery state threaded through the chain.
// A fresh one is created for every delivery and dropped once the delivery
// is settled; it is never pooled or reused.
type MiddlewareContext struct {
	// Delivery is the raw broker message. Its Acknowledger is the channel.
	Delivery amqp.Delivery
	Queue    string

	// Envelope is nil until the deserializer succeeds.
	Envelope *contracts.EventEnvelope

	CorrelationID string
	TraceID       string
	RetryAttempt  int

	// Err is set by the error classification stage.
	Err *contracts.ClassifiedError
	// ShouldReject forces dead-lettering regardless of retry policy.
	ShouldReject bool
	// SkipRemaining is set by a stage that ends the chain early without error.
	SkipRemaining bool
	// Duplicate is set when the idempotency guard recognised a redelivery.
	Duplicate bool

	StartedAt time.Time

	values map[string]interface{}
	mu     sync.RWMutex
}

// NewMiddlewareContext creates the context for one delivery. RetryAttempt
// starts at the count carried in the redelivery header.
func NewMiddlewareContext(d amqp.Delivery, queue string) *MiddlewareContext {
	return &MiddlewareContext{
		Delivery:     d,
		Queue:        queue,
		RetryAttempt: reliability.RetryAttempt(d.Headers),
		StartedAt:    time.Now(),
		values:       make(map[string]interface{}),
	}
}

// EventID returns the envelope id, or the broker message id before the
// envelope is decoded
func (m *MiddlewareContext) EventID() string {
	if m.Envelope != nil {
		return m.Envelope.EventID
	}
	return m.Delivery.MessageId
}

// EventType returns the envelope type, falling back to the type header
func (m *MiddlewareContext) EventType() string {
	if m.Envelope != nil {
		return m.Envelope.EventType
	}
	if m.Delivery.Type != "" {
		return m.Delivery.Type
	}
	return reliability.HeaderString(m.Delivery.Headers, contracts.HeaderEventType)
}

// DeliveryInfo is what the ack handler needs from this context
func (m *MiddlewareContext) DeliveryInfo() reliability.DeliveryInfo {
	return reliability.DeliveryInfo{
		Queue:         m.Queue,
		EventID:       m.EventID(),
		EventType:     m.EventType(),
		CorrelationID: m.CorrelationID,
		TraceID:       m.TraceID,
		RetryAttempt:  m.RetryAttempt,
		Duplicate:     m.Duplicate,
		Reject:        m.ShouldReject,
	}
}

// ErrorMeta is the context attached to classified errors
func (m *MiddlewareContext) ErrorMeta() map[string]interface{} {
	meta := map[string]interface{}{
		"queue":        m.Queue,
		"retryAttempt": m.RetryAttempt,
	}
	if id := m.EventID(); id != "" {
		meta["eventId"] = id
	}
	if t := m.EventType(); t != "" {
		meta["eventType"] = t
	}
	if m.CorrelationID != "" {
		meta["correlationId"] = m.CorrelationID
	}
	return meta
}

// Set stores a value shared between stages
func (m *MiddlewareContext) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]interface{})
	}
	m.values[key] = value
}

// Get retrieves a value stored by an earlier stage
func (m *MiddlewareContext) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, exists := m.values[key]
	return value, exists
}

// GetString retrieves a string value
func (m *MiddlewareContext) GetString(key string) (string, bool) {
	value, exists := m.Get(key)
	if !exists {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// FromContext returns the MiddlewareContext of the delivery being processed
func FromContext(ctx context.Context) (*MiddlewareContext, bool) {
	mctx, ok := ctx.Value(middlewareContextKey).(*MiddlewareContext)
	return mctx, ok && mctx != nil
}

// WithMiddlewareContext stores mctx in ctx
func WithMiddlewareContext(ctx context.Context, mctx *MiddlewareContext) context.Context {
	return context.WithValue(ctx, middlewareContextKey, mctx)
}
