package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is the delivery priority carried by an event
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priorities
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// AMQP returns the broker priority value for p
func (p Priority) AMQP() uint8 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 7
	case PriorityCritical:
		return 9
	default:
		return 4
	}
}

// EventEnvelope is the canonical unit of work carried through the pipeline.
// EventID identifies one logical occurrence; the broker may deliver it many
// times but business logic processes it at most once.
type EventEnvelope struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	RoutingKey string                 `json:"routing_key,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   Priority               `json:"priority,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// EnvelopeOption configures an envelope at construction
type EnvelopeOption func(*EventEnvelope)

// WithRoutingKey sets the routing key
func WithRoutingKey(key string) EnvelopeOption {
	return func(e *EventEnvelope) {
		e.RoutingKey = key
	}
}

// WithPriority sets the priority
func WithPriority(p Priority) EnvelopeOption {
	return func(e *EventEnvelope) {
		e.Priority = p
	}
}

// WithMetadata adds a metadata entry
func WithMetadata(key string, value interface{}) EnvelopeOption {
	return func(e *EventEnvelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]interface{})
		}
		e.Metadata[key] = value
	}
}

// WithOccurredAt overrides the occurrence timestamp
func WithOccurredAt(t time.Time) EnvelopeOption {
	return func(e *EventEnvelope) {
		e.OccurredAt = t
	}
}

// NewEventEnvelope creates an envelope. It fails with an error wrapping
// ErrConfiguration when the id or type is missing.
func NewEventEnvelope(eventID, eventType string, payload map[string]interface{}, opts ...EnvelopeOption) (*EventEnvelope, error) {
	env := &EventEnvelope{
		EventID:    eventID,
		EventType:  eventType,
		Payload:    payload,
		Priority:   PriorityNormal,
		OccurredAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(env)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return env, nil
}

// Validate checks the envelope invariants
func (e *EventEnvelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrConfiguration)
	}
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("%w: event_type is required", ErrConfiguration)
	}
	if e.Priority != "" && !e.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrConfiguration, e.Priority)
	}
	return nil
}

// Decode re-encodes the payload into v
func (e *EventEnvelope) Decode(v interface{}) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode payload into %T: %w", v, err)
	}
	return nil
}

// ProcessedEventRecord is what the idempotency store keeps per event id
type ProcessedEventRecord struct {
	EventID     string          `json:"event_id"`
	ProcessedAt time.Time       `json:"processed_at"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Header names written and read by the pipeline
const (
	HeaderCorrelationID      = "x-correlation-id"
	HeaderTraceID            = "x-trace-id"
	HeaderRetryAttempt       = "x-retry-attempt"
	HeaderOriginalQueue      = "x-original-queue"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderDLQReason          = "x-dlq-reason"
	HeaderErrorType          = "x-error-type"
	HeaderErrorSeverity      = "x-error-severity"
	HeaderFailedAt           = "x-failed-at"
	HeaderEventType          = "x-event-type"
	HeaderDelay              = "x-delay"
)
