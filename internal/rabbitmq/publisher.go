package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with publisher confirms. Retry scheduling,
// dead-lettering and handler-side publishing all go through it.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a Publish call whose context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
		retryDelay:     200 * time.Millisecond,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for the broker confirm. Failed attempts
// are retried with linear backoff unless the error is not retryable.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
			}
		}

		err := p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			break
		}
		p.logger.Debug("Publish attempt failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.MessageId,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        fmt.Errorf("failed after %d attempts: %w", p.maxRetries+1, lastErr),
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if !ch.confirming {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("failed to enable confirms: %w", err)
		}
		ch.confirming = true
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
