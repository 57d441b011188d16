package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glimte/eventpipe/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is the terminal state reached by a delivery
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead-lettered"
	OutcomeSpilled      Outcome = "spilled"
	OutcomeDiscarded    Outcome = "discarded"
	OutcomeUnsettled    Outcome = "unsettled"
)

// DeliveryInfo is what the terminal stage needs to know about a processed
// delivery besides the broker message itself
type DeliveryInfo struct {
	Queue         string
	EventID       string
	EventType     string
	CorrelationID string
	TraceID       string
	RetryAttempt  int
	Duplicate     bool
	Reject        bool
}

// DLQConfig is the dead letter destination
type DLQConfig struct {
	Exchange   string
	RoutingKey string
	TTL        time.Duration
	Headers    amqp.Table
}

// Enabled reports whether a destination is configured. The default exchange
// with a queue name as routing key is a valid destination.
func (c DLQConfig) Enabled() bool {
	return c.RoutingKey != ""
}

// FallbackPolicy decides what happens when publishing to the DLQ fails
type FallbackPolicy string

const (
	// FallbackNack drops the message with a non-requeued nack
	FallbackNack FallbackPolicy = "nack"
	// FallbackRetry retries the DLQ publish with bounded backoff, then nacks
	FallbackRetry FallbackPolicy = "retry"
	// FallbackSpill writes the message to the spill log, then acks
	FallbackSpill FallbackPolicy = "spill"
)

// ParseFallbackPolicy converts a config string into a FallbackPolicy.
// An empty string selects FallbackNack.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FallbackNack, nil
	case FallbackNack, FallbackRetry, FallbackSpill:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown dlq fallback %q", contracts.ErrConfiguration, s)
}

// AckHandler is the terminal stage of the pipeline. For every delivery it
// performs exactly one of ack, retry (nack + delayed redelivery), dead-letter
// (publish + ack) or discard (nack without requeue). A retry that cannot be
// scheduled is dead-lettered.
type AckHandler struct {
	policy        RetryPolicy
	scheduler     RetryScheduler
	dlq           DLQConfig
	publisher     Publisher
	fallback      FallbackPolicy
	fallbackRetry RetryPolicy
	spill         SpillLog
	batch         *batchAcker
	autoAck       bool
	autoNack      bool
	logger        *slog.Logger
	now           func() time.Time
}

// AckOption configures the ack handler
type AckOption func(*AckHandler)

// WithRetryPolicy sets the retry policy
func WithRetryPolicy(policy RetryPolicy) AckOption {
	return func(h *AckHandler) {
		h.policy = policy
	}
}

// WithRetryScheduler sets the delayed redelivery mechanism
func WithRetryScheduler(scheduler RetryScheduler) AckOption {
	return func(h *AckHandler) {
		h.scheduler = scheduler
	}
}

// WithDLQ sets the dead letter destination and the publisher used to reach it
func WithDLQ(cfg DLQConfig, publisher Publisher) AckOption {
	return func(h *AckHandler) {
		h.dlq = cfg
		h.publisher = publisher
	}
}

// WithDLQFallback sets the policy for failed DLQ publishes
func WithDLQFallback(policy FallbackPolicy) AckOption {
	return func(h *AckHandler) {
		h.fallback = policy
	}
}

// WithFallbackRetryPolicy sets the backoff used by FallbackRetry
func WithFallbackRetryPolicy(policy RetryPolicy) AckOption {
	return func(h *AckHandler) {
		h.fallbackRetry = policy
	}
}

// WithSpillLog sets the spill log used by FallbackSpill
func WithSpillLog(log SpillLog) AckOption {
	return func(h *AckHandler) {
		h.spill = log
	}
}

// WithBatchAck enables batched acknowledgment of successful deliveries
func WithBatchAck(window time.Duration, maxSize int) AckOption {
	return func(h *AckHandler) {
		h.batch = newBatchAcker(window, maxSize, h.logger)
	}
}

// WithAutoAck toggles acknowledgment of successful deliveries
func WithAutoAck(enabled bool) AckOption {
	return func(h *AckHandler) {
		h.autoAck = enabled
	}
}

// WithAutoNack toggles retry/dead-letter handling of failed deliveries
func WithAutoNack(enabled bool) AckOption {
	return func(h *AckHandler) {
		h.autoNack = enabled
	}
}

// WithAckLogger sets the logger
func WithAckLogger(logger *slog.Logger) AckOption {
	return func(h *AckHandler) {
		h.logger = logger
		if h.batch != nil {
			h.batch.logger = logger
		}
	}
}

// NewAckHandler creates the terminal stage. One handler is owned by one
// consumer; batches are never shared between consumers.
func NewAckHandler(options ...AckOption) *AckHandler {
	h := &AckHandler{
		policy:   DefaultRetryPolicy(),
		fallback: FallbackNack,
		fallbackRetry: RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         200 * time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxDelay:          2 * time.Second,
		},
		autoAck:  true,
		autoNack: true,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

// Policy returns the retry policy in use
func (h *AckHandler) Policy() RetryPolicy {
	return h.policy
}

// Settlement guards a single delivery so it is settled at most once
type Settlement struct {
	handler *AckHandler
	d       amqp.Delivery
	settled atomic.Bool
}

// Begin returns the settlement for d
func (h *AckHandler) Begin(d amqp.Delivery) *Settlement {
	return &Settlement{handler: h, d: d}
}

// Settle performs the terminal transition. cerr is nil on success. A second
// call returns ErrAlreadySettled without touching the broker. The returned
// error is non-nil only when the broker acknowledgment call itself failed.
func (s *Settlement) Settle(ctx context.Context, info DeliveryInfo, cerr *contracts.ClassifiedError) (Outcome, error) {
	if !s.settled.CompareAndSwap(false, true) {
		return "", ErrAlreadySettled
	}
	return s.handler.settle(ctx, s.d, info, cerr)
}

// Settled reports whether Settle has run
func (s *Settlement) Settled() bool {
	return s.settled.Load()
}

// Handle settles d in one step
func (h *AckHandler) Handle(ctx context.Context, d amqp.Delivery, info DeliveryInfo, cerr *contracts.ClassifiedError) (Outcome, error) {
	return h.Begin(d).Settle(ctx, info, cerr)
}

func (h *AckHandler) settle(ctx context.Context, d amqp.Delivery, info DeliveryInfo, cerr *contracts.ClassifiedError) (Outcome, error) {
	if cerr == nil {
		outcome := OutcomeAcked
		if info.Duplicate {
			outcome = OutcomeDuplicate
		}

		if !h.autoAck {
			h.logger.Debug("Auto-ack disabled, leaving delivery unsettled",
				"messageId", d.MessageId,
				"eventId", info.EventID,
			)
			return OutcomeUnsettled, nil
		}

		if h.batch != nil {
			h.batch.Add(d)
			return outcome, nil
		}
		return outcome, h.ack(d)
	}

	if !h.autoNack {
		h.logger.Debug("Auto-nack disabled, leaving failed delivery unsettled",
			"messageId", d.MessageId,
			"eventId", info.EventID,
			"errorType", cerr.Type,
		)
		return OutcomeUnsettled, nil
	}

	if !info.Reject {
		if ok, delay := h.policy.ShouldRetry(cerr, info.RetryAttempt); ok {
			return h.retry(ctx, d, info, cerr, delay)
		}
	}

	return h.deadLetter(ctx, d, info, cerr)
}

func (h *AckHandler) retry(ctx context.Context, d amqp.Delivery, info DeliveryInfo, cerr *contracts.ClassifiedError, delay time.Duration) (Outcome, error) {
	next := info.RetryAttempt + 1

	headers := CopyHeaders(d.Headers)
	headers[contracts.HeaderRetryAttempt] = int32(next)
	if info.CorrelationID != "" {
		headers[contracts.HeaderCorrelationID] = info.CorrelationID
	}
	if info.TraceID != "" {
		headers[contracts.HeaderTraceID] = info.TraceID
	}

	var err error
	if h.scheduler == nil {
		err = ErrNoScheduler
	} else {
		err = h.scheduler.ScheduleRetry(ctx, RetryRequest{
			Delivery: d,
			Queue:    info.Queue,
			Attempt:  next,
			Delay:    delay,
			Headers:  headers,
		})
	}

	if err != nil {
		// an in-place requeue would never advance the attempt count
		h.logger.Error("Failed to schedule retry, dead-lettering instead",
			"error", err,
			"messageId", d.MessageId,
			"eventId", info.EventID,
			"errorType", cerr.Type,
			"retryAttempt", info.RetryAttempt,
		)
		return h.deadLetter(ctx, d, info, cerr)
	}

	h.logger.Info("Scheduled retry",
		"messageId", d.MessageId,
		"eventId", info.EventID,
		"correlationId", info.CorrelationID,
		"errorType", cerr.Type,
		"retryAttempt", next,
		"maxAttempts", h.policy.MaxAttempts,
		"delay", delay,
	)
	return OutcomeRetried, h.nack(d, false)
}

func (h *AckHandler) deadLetter(ctx context.Context, d amqp.Delivery, info DeliveryInfo, cerr *contracts.ClassifiedError) (Outcome, error) {
	if !h.dlq.Enabled() || h.publisher == nil {
		h.logger.Warn("No dead letter destination configured, discarding message",
			"messageId", d.MessageId,
			"eventId", info.EventID,
			"correlationId", info.CorrelationID,
			"errorType", cerr.Type,
			"error", cerr.Message(),
		)
		return OutcomeDiscarded, h.nack(d, false)
	}

	msg := h.deadLetterMessage(d, info, cerr)
	publish := func() error {
		return h.publisher.Publish(ctx, h.dlq.Exchange, h.dlq.RoutingKey, msg)
	}

	err := publish()
	if err == nil {
		h.logger.Info("Message dead-lettered",
			"messageId", d.MessageId,
			"eventId", info.EventID,
			"correlationId", info.CorrelationID,
			"errorType", cerr.Type,
			"retryAttempt", info.RetryAttempt,
			"dlqExchange", h.dlq.Exchange,
			"dlqRoutingKey", h.dlq.RoutingKey,
		)
		return OutcomeDeadLettered, h.ack(d)
	}

	dlqErr := &DLQError{
		Queue:     info.Queue,
		MessageID: d.MessageId,
		Op:        "publish",
		Err:       err,
		Timestamp: h.now(),
	}

	switch h.fallback {
	case FallbackRetry:
		retryErr := Retry(ctx, h.fallbackRetry, publish)
		if retryErr == nil {
			h.logger.Warn("Message dead-lettered after retrying DLQ publish",
				"messageId", d.MessageId,
				"eventId", info.EventID,
			)
			return OutcomeDeadLettered, h.ack(d)
		}
		dlqErr.Err = retryErr

	case FallbackSpill:
		if h.spill != nil {
			spillErr := h.spill.Append(ctx, FailedMessage{
				MessageID:     d.MessageId,
				Queue:         info.Queue,
				Exchange:      d.Exchange,
				RoutingKey:    d.RoutingKey,
				Headers:       msg.Headers,
				Body:          d.Body,
				ContentType:   d.ContentType,
				CorrelationID: info.CorrelationID,
				ErrorType:     string(cerr.Type),
				Error:         cerr.Message(),
				RetryAttempt:  info.RetryAttempt,
				FailedAt:      h.now(),
			})
			if spillErr == nil {
				h.logger.Warn("DLQ publish failed, message written to spill log",
					"error", err,
					"messageId", d.MessageId,
					"eventId", info.EventID,
				)
				return OutcomeSpilled, h.ack(d)
			}
			h.logger.Error("Failed to write message to spill log",
				"error", spillErr,
				"messageId", d.MessageId,
			)
		}
	}

	h.logger.Error("DLQ publish failed, discarding message",
		"error", dlqErr,
		"messageId", d.MessageId,
		"eventId", info.EventID,
		"correlationId", info.CorrelationID,
		"errorType", cerr.Type,
		"fallback", h.fallback,
	)
	return OutcomeDiscarded, h.nack(d, false)
}

func (h *AckHandler) deadLetterMessage(d amqp.Delivery, info DeliveryInfo, cerr *contracts.ClassifiedError) amqp.Publishing {
	headers := CopyHeaders(d.Headers)
	for k, v := range h.dlq.Headers {
		headers[k] = v
	}

	headers[contracts.HeaderOriginalQueue] = info.Queue
	headers[contracts.HeaderOriginalExchange] = d.Exchange
	headers[contracts.HeaderOriginalRoutingKey] = d.RoutingKey
	headers[contracts.HeaderDLQReason] = cerr.Message()
	headers[contracts.HeaderErrorType] = string(cerr.Type)
	headers[contracts.HeaderErrorSeverity] = string(cerr.Severity)
	headers[contracts.HeaderFailedAt] = h.now().UTC().Format(time.RFC3339Nano)
	headers[contracts.HeaderRetryAttempt] = int32(info.RetryAttempt)
	if info.CorrelationID != "" {
		headers[contracts.HeaderCorrelationID] = info.CorrelationID
	}
	if info.TraceID != "" {
		headers[contracts.HeaderTraceID] = info.TraceID
	}
	if info.EventType != "" {
		headers[contracts.HeaderEventType] = info.EventType
	}

	messageID := d.MessageId
	if messageID == "" {
		messageID = info.EventID
	}

	correlationID := d.CorrelationId
	if correlationID == "" {
		correlationID = info.CorrelationID
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		Body:          d.Body,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		MessageId:     messageID,
		Type:          d.Type,
		Timestamp:     h.now(),
	}
	if h.dlq.TTL > 0 {
		msg.Expiration = strconv.FormatInt(h.dlq.TTL.Milliseconds(), 10)
	}
	return msg
}

func (h *AckHandler) ack(d amqp.Delivery) error {
	err := d.Ack(false)
	if h.batch != nil {
		h.batch.Settled(d)
	}
	if err != nil {
		return &AckError{Action: "ack", DeliveryTag: d.DeliveryTag, Err: err}
	}
	return nil
}

func (h *AckHandler) nack(d amqp.Delivery, requeue bool) error {
	err := d.Nack(false, requeue)
	if h.batch != nil {
		h.batch.Settled(d)
	}
	if err != nil {
		return &AckError{Action: "nack", DeliveryTag: d.DeliveryTag, Err: err}
	}
	return nil
}

// Flush acknowledges every pending batched delivery
func (h *AckHandler) Flush() {
	if h.batch != nil {
		h.batch.Flush()
	}
}

// Pending returns the number of batched deliveries not yet acknowledged
func (h *AckHandler) Pending() int {
	if h.batch == nil {
		return 0
	}
	return h.batch.Pending()
}
