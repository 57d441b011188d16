package interceptors

import (
	"context"
	"encoding/json"
	"mime"
	"strings"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/internal/reliability"
)

// DefaultMaxMessageSize is the body size limit when none is configured
const DefaultMaxMessageSize = 64 * 1024

// Deserializer decodes the delivery body into an EventEnvelope
type Deserializer struct {
	maxSize int
}

// DeserializerOption configures the deserializer
type DeserializerOption func(*Deserializer)

// WithMaxMessageSize sets the body size limit in bytes. Zero or less disables it.
func WithMaxMessageSize(n int) DeserializerOption {
	return func(d *Deserializer) {
		d.maxSize = n
	}
}

// NewDeserializer creates the deserialization stage
func NewDeserializer(opts ...DeserializerOption) *Deserializer {
	d := &Deserializer{maxSize: DefaultMaxMessageSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Intercept implements Interceptor
func (d *Deserializer) Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
	msg := mctx.Delivery

	if d.maxSize > 0 && len(msg.Body) > d.maxSize {
		return &contracts.MessageSizeError{Size: len(msg.Body), Limit: d.maxSize}
	}

	if !isJSONContentType(msg.ContentType) {
		return &contracts.DeserializationError{
			ContentType: msg.ContentType,
			Err:         contracts.ErrUnsupportedContentType,
		}
	}

	var env contracts.EventEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return &contracts.DeserializationError{ContentType: contentTypeOrDefault(msg.ContentType), Err: err}
	}

	// broker properties fill what the body leaves out
	if env.EventID == "" {
		env.EventID = msg.MessageId
	}
	if env.EventType == "" {
		env.EventType = msg.Type
	}
	if env.EventType == "" {
		env.EventType = reliability.HeaderString(msg.Headers, contracts.HeaderEventType)
	}
	if env.RoutingKey == "" {
		env.RoutingKey = msg.RoutingKey
	}
	if env.Priority == "" {
		env.Priority = contracts.PriorityNormal
	}
	if env.OccurredAt.IsZero() && !msg.Timestamp.IsZero() {
		env.OccurredAt = msg.Timestamp
	}

	if err := env.Validate(); err != nil {
		return &contracts.DeserializationError{ContentType: contentTypeOrDefault(msg.ContentType), Err: err}
	}

	mctx.Envelope = &env
	return next.Handle(ctx, mctx)
}

// Name implements Interceptor
func (d *Deserializer) Name() string {
	return "Deserializer"
}

func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case mediaType == "application/json", mediaType == "text/json":
		return true
	case strings.HasPrefix(mediaType, "application/") && strings.HasSuffix(mediaType, "+json"):
		return true
	}
	return false
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return "application/json"
	}
	return contentType
}
