package eventpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/interceptors"
	"github.com/glimte/eventpipe/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventPublisher publishes envelopes. Inside a handler it stamps the
// correlation id, trace id and retry attempt of the delivery being handled
// on every message, so the causal chain survives the hop.
type EventPublisher struct {
	publisher reliability.Publisher
	exchange  string
	logger    *slog.Logger
}

// PublishOptions configures one publish
type PublishOptions struct {
	Exchange   string
	RoutingKey string
	TTL        time.Duration
	Headers    amqp.Table
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithExchange overrides the default exchange
func WithExchange(exchange string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Exchange = exchange
	}
}

// WithRoutingKey overrides the envelope routing key
func WithRoutingKey(routingKey string) PublishOption {
	return func(opts *PublishOptions) {
		opts.RoutingKey = routingKey
	}
}

// WithTTL sets the message expiration
func WithTTL(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.TTL = ttl
	}
}

// WithHeaders adds custom headers. Propagation headers take precedence.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = amqp.Table{}
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// NewEventPublisher creates a publisher writing to exchange by default
func NewEventPublisher(publisher reliability.Publisher, exchange string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		publisher: publisher,
		exchange:  exchange,
		logger:    logger,
	}
}

// Publish serializes env and publishes it. The routing key defaults to the
// envelope routing key, then its event type.
func (p *EventPublisher) Publish(ctx context.Context, env *contracts.EventEnvelope, options ...PublishOption) error {
	if env == nil {
		return fmt.Errorf("%w: envelope cannot be nil", contracts.ErrConfiguration)
	}
	if err := env.Validate(); err != nil {
		return err
	}

	opts := PublishOptions{
		Exchange:   p.exchange,
		RoutingKey: env.RoutingKey,
		Headers:    amqp.Table{},
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.RoutingKey == "" {
		opts.RoutingKey = env.EventType
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	headers := opts.Headers
	for k, v := range interceptors.OutboundHeaders(ctx) {
		headers[k] = v
	}
	headers[contracts.HeaderEventType] = env.EventType

	correlationID, _ := headers[contracts.HeaderCorrelationID].(string)

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      env.Priority.AMQP(),
		CorrelationId: correlationID,
		MessageId:     env.EventID,
		Timestamp:     time.Now().UTC(),
		Type:          env.EventType,
		Body:          body,
	}
	if opts.TTL > 0 {
		msg.Expiration = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
	}

	if err := p.publisher.Publish(ctx, opts.Exchange, opts.RoutingKey, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", env.EventID, err)
	}

	p.logger.DebugContext(ctx, "Event published",
		"eventId", env.EventID,
		"eventType", env.EventType,
		"exchange", opts.Exchange,
		"routingKey", opts.RoutingKey,
		"correlationId", correlationID,
	)
	return nil
}
