package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/eventpipe/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testPolicy = RetryPolicy{
	MaxAttempts:       3,
	BaseDelay:         time.Second,
	BackoffMultiplier: 2.0,
	MaxDelay:          30 * time.Second,
}

var testDLQ = DLQConfig{Exchange: "dlx", RoutingKey: "orders.dlq"}

func classified(t contracts.ErrorType, msg string) *contracts.ClassifiedError {
	return contracts.NewClassifiedError(t, errors.New(msg))
}

func TestAckHandler_Success(t *testing.T) {
	ctx := context.Background()

	t.Run("acks on success", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil)

		h := NewAckHandler()
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"}, nil)

		require.NoError(t, err)
		assert.Equal(t, OutcomeAcked, outcome)
		ack.AssertExpectations(t)
	})

	t.Run("acks duplicates", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(2), false).Return(nil)

		h := NewAckHandler()
		outcome, err := h.Handle(ctx, newDelivery(ack, 2), DeliveryInfo{Duplicate: true}, nil)

		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
		ack.AssertExpectations(t)
	})

	t.Run("reports broker ack failure", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(3), false).Return(errors.New("channel closed"))

		h := NewAckHandler()
		_, err := h.Handle(ctx, newDelivery(ack, 3), DeliveryInfo{}, nil)

		var ackErr *AckError
		require.ErrorAs(t, err, &ackErr)
		assert.Equal(t, "ack", ackErr.Action)
	})

	t.Run("auto ack disabled leaves delivery unsettled", func(t *testing.T) {
		ack := &mockAcknowledger{}

		h := NewAckHandler(WithAutoAck(false))
		outcome, err := h.Handle(ctx, newDelivery(ack, 4), DeliveryInfo{}, nil)

		require.NoError(t, err)
		assert.Equal(t, OutcomeUnsettled, outcome)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})
}

func TestAckHandler_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("retryable error on attempt 0 schedules attempt 1 after base delay", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, false).Return(nil)

		scheduler := &mockScheduler{}
		scheduler.On("ScheduleRetry", mock.MatchedBy(func(req RetryRequest) bool {
			return req.Queue == "orders" &&
				req.Attempt == 1 &&
				req.Delay == time.Second &&
				req.Headers[contracts.HeaderRetryAttempt] == int32(1) &&
				req.Headers[contracts.HeaderCorrelationID] == "corr-1"
		})).Return(nil)

		h := NewAckHandler(WithRetryPolicy(testPolicy), WithRetryScheduler(scheduler))
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{
			Queue:         "orders",
			EventID:       "e1",
			CorrelationID: "corr-1",
		}, classified(contracts.ErrorTypeDatabase, "database connection lost"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeRetried, outcome)
		ack.AssertExpectations(t)
		scheduler.AssertExpectations(t)
	})

	t.Run("retry delay grows with attempt", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, false).Return(nil)

		scheduler := &mockScheduler{}
		scheduler.On("ScheduleRetry", mock.MatchedBy(func(req RetryRequest) bool {
			return req.Attempt == 3 && req.Delay == 4*time.Second
		})).Return(nil)

		h := NewAckHandler(WithRetryPolicy(testPolicy), WithRetryScheduler(scheduler))
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders", RetryAttempt: 2},
			classified(contracts.ErrorTypeTransient, "connection reset"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeRetried, outcome)
		scheduler.AssertExpectations(t)
	})

	t.Run("retryable types are never dead-lettered while attempts remain", func(t *testing.T) {
		for _, et := range []contracts.ErrorType{
			contracts.ErrorTypeTransient,
			contracts.ErrorTypeExternalService,
			contracts.ErrorTypeTimeout,
			contracts.ErrorTypeDatabase,
		} {
			for attempt := 0; attempt < testPolicy.MaxAttempts; attempt++ {
				ack := &mockAcknowledger{}
				ack.On("Nack", uint64(1), false, false).Return(nil)
				scheduler := &mockScheduler{}
				scheduler.On("ScheduleRetry", mock.Anything).Return(nil)
				publisher := &mockPublisher{}

				h := NewAckHandler(
					WithRetryPolicy(testPolicy),
					WithRetryScheduler(scheduler),
					WithDLQ(testDLQ, publisher),
				)
				outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders", RetryAttempt: attempt},
					classified(et, "boom"))

				require.NoError(t, err)
				assert.Equal(t, OutcomeRetried, outcome, "%s at attempt %d", et, attempt)
				publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
			}
		}
	})

	t.Run("scheduling failure dead-letters instead of requeueing", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil).Times(10)

		scheduler := &mockScheduler{}
		scheduler.On("ScheduleRetry", mock.Anything).Return(errors.New("channel closed"))

		publisher := &mockPublisher{}
		publisher.On("Publish", "dlx", "orders.dlq", mock.MatchedBy(func(msg amqp.Publishing) bool {
			return msg.Headers[contracts.HeaderErrorType] == string(contracts.ErrorTypeTimeout) &&
				msg.Headers[contracts.HeaderRetryAttempt] == int32(0)
		})).Return(nil).Times(10)

		h := NewAckHandler(WithRetryPolicy(testPolicy), WithRetryScheduler(scheduler), WithDLQ(testDLQ, publisher))
		for i := 0; i < 10; i++ {
			outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"},
				classified(contracts.ErrorTypeTimeout, "deadline"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeDeadLettered, outcome)
		}

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		publisher.AssertExpectations(t)
	})

	t.Run("missing scheduler without dlq discards", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, false).Return(nil)

		h := NewAckHandler(WithRetryPolicy(testPolicy))
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"},
			classified(contracts.ErrorTypeTransient, "blip"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, outcome)
		ack.AssertExpectations(t)
	})

	t.Run("reject flag skips retry", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, false).Return(nil)
		scheduler := &mockScheduler{}

		h := NewAckHandler(WithRetryPolicy(testPolicy), WithRetryScheduler(scheduler))
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders", Reject: true},
			classified(contracts.ErrorTypeTransient, "blip"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, outcome)
		scheduler.AssertNotCalled(t, "ScheduleRetry", mock.Anything)
	})
}

func TestAckHandler_DeadLetter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	t.Run("exhausted retries are dead-lettered with diagnostics", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)

		publisher := &mockPublisher{}
		publisher.On("Publish", "dlx", "orders.dlq", mock.MatchedBy(func(msg amqp.Publishing) bool {
			h := msg.Headers
			return h[contracts.HeaderDLQReason] == "database connection lost" &&
				h[contracts.HeaderErrorType] == "database" &&
				h[contracts.HeaderErrorSeverity] == "high" &&
				h[contracts.HeaderOriginalQueue] == "orders" &&
				h[contracts.HeaderOriginalExchange] == "events" &&
				h[contracts.HeaderOriginalRoutingKey] == "order.created" &&
				h[contracts.HeaderRetryAttempt] == int32(3) &&
				h[contracts.HeaderCorrelationID] == "corr-1" &&
				h[contracts.HeaderFailedAt] == now.Format(time.RFC3339Nano) &&
				h["x-source"] == "eventpipe" &&
				msg.Expiration == "60000" &&
				msg.MessageId == "msg-1" &&
				msg.DeliveryMode == amqp.Persistent &&
				string(msg.Body) == `{"event_id":"e1","event_type":"order.created","payload":{}}`
		})).Return(nil)

		scheduler := &mockScheduler{}
		dlq := DLQConfig{
			Exchange:   "dlx",
			RoutingKey: "orders.dlq",
			TTL:        time.Minute,
			Headers:    amqp.Table{"x-source": "eventpipe"},
		}
		h := NewAckHandler(WithRetryPolicy(testPolicy), WithRetryScheduler(scheduler), WithDLQ(dlq, publisher))
		h.now = func() time.Time { return now }

		outcome, err := h.Handle(ctx, newDelivery(ack, 7), DeliveryInfo{
			Queue:         "orders",
			EventID:       "e1",
			CorrelationID: "corr-1",
			RetryAttempt:  3,
		}, classified(contracts.ErrorTypeDatabase, "database connection lost"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDeadLettered, outcome)
		publisher.AssertExpectations(t)
		ack.AssertExpectations(t)
		scheduler.AssertNotCalled(t, "ScheduleRetry", mock.Anything)
	})

	t.Run("non-retryable types are dead-lettered on first failure", func(t *testing.T) {
		for _, et := range []contracts.ErrorType{
			contracts.ErrorTypeValidation,
			contracts.ErrorTypeSchemaValidation,
			contracts.ErrorTypeBusiness,
			contracts.ErrorTypeUnknown,
		} {
			ack := &mockAcknowledger{}
			ack.On("Ack", uint64(1), false).Return(nil)
			publisher := &mockPublisher{}
			publisher.On("Publish", "dlx", "orders.dlq", mock.Anything).Return(nil)
			scheduler := &mockScheduler{}

			h := NewAckHandler(WithRetryPolicy(testPolicy), WithRetryScheduler(scheduler), WithDLQ(testDLQ, publisher))
			outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"}, classified(et, "bad"))

			require.NoError(t, err)
			assert.Equal(t, OutcomeDeadLettered, outcome, "%s", et)
			scheduler.AssertNotCalled(t, "ScheduleRetry", mock.Anything)
		}
	})

	t.Run("no DLQ discards", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, false).Return(nil)

		h := NewAckHandler()
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"},
			classified(contracts.ErrorTypeValidation, "bad"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, outcome)
		ack.AssertExpectations(t)
	})

	t.Run("DLQ publish failure with nack fallback discards", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, false).Return(nil)
		publisher := &mockPublisher{}
		publisher.On("Publish", "dlx", "orders.dlq", mock.Anything).Return(errors.New("broker down"))

		h := NewAckHandler(WithDLQ(testDLQ, publisher))
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"},
			classified(contracts.ErrorTypeBusiness, "rule"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, outcome)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("DLQ publish failure with retry fallback", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil)
		publisher := &mockPublisher{}
		publisher.On("Publish", "dlx", "orders.dlq", mock.Anything).Return(errors.New("broker down")).Twice()
		publisher.On("Publish", "dlx", "orders.dlq", mock.Anything).Return(nil).Once()

		h := NewAckHandler(
			WithDLQ(testDLQ, publisher),
			WithDLQFallback(FallbackRetry),
			WithFallbackRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond}),
		)
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"},
			classified(contracts.ErrorTypeBusiness, "rule"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDeadLettered, outcome)
		publisher.AssertNumberOfCalls(t, "Publish", 3)
		ack.AssertExpectations(t)
	})

	t.Run("DLQ retry fallback exhausted discards", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, false).Return(nil)
		publisher := &mockPublisher{}
		publisher.On("Publish", "dlx", "orders.dlq", mock.Anything).Return(errors.New("broker down"))

		h := NewAckHandler(
			WithDLQ(testDLQ, publisher),
			WithDLQFallback(FallbackRetry),
			WithFallbackRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond}),
		)
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"},
			classified(contracts.ErrorTypeBusiness, "rule"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, outcome)
		// one direct publish plus three by the retry fallback
		publisher.AssertNumberOfCalls(t, "Publish", 4)
	})

	t.Run("DLQ publish failure with spill fallback", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil)
		publisher := &mockPublisher{}
		publisher.On("Publish", "dlx", "orders.dlq", mock.Anything).Return(errors.New("broker down"))
		spill := NewInMemorySpillLog()

		h := NewAckHandler(WithDLQ(testDLQ, publisher), WithDLQFallback(FallbackSpill), WithSpillLog(spill))
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders", CorrelationID: "corr-9"},
			classified(contracts.ErrorTypeValidation, "payload too large"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeSpilled, outcome)

		spilled, err := spill.List(ctx, SpillFilter{Queue: "orders"})
		require.NoError(t, err)
		require.Len(t, spilled, 1)
		assert.Equal(t, "msg-1", spilled[0].MessageID)
		assert.Equal(t, "validation", spilled[0].ErrorType)
		assert.Equal(t, "payload too large", spilled[0].Error)
		assert.Equal(t, "corr-9", spilled[0].CorrelationID)
		assert.Equal(t, "payload too large", spilled[0].Headers[contracts.HeaderDLQReason])
	})

	t.Run("auto nack disabled leaves failure unsettled", func(t *testing.T) {
		ack := &mockAcknowledger{}
		publisher := &mockPublisher{}

		h := NewAckHandler(WithAutoNack(false), WithDLQ(testDLQ, publisher))
		outcome, err := h.Handle(ctx, newDelivery(ack, 1), DeliveryInfo{Queue: "orders"},
			classified(contracts.ErrorTypeValidation, "bad"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeUnsettled, outcome)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSettlement_ExactlyOnce(t *testing.T) {
	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(1), false).Return(nil).Once()

	h := NewAckHandler()
	s := h.Begin(newDelivery(ack, 1))
	assert.False(t, s.Settled())

	outcome, err := s.Settle(context.Background(), DeliveryInfo{}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcked, outcome)
	assert.True(t, s.Settled())

	_, err = s.Settle(context.Background(), DeliveryInfo{}, classified(contracts.ErrorTypeBusiness, "late"))
	assert.ErrorIs(t, err, ErrAlreadySettled)

	ack.AssertExpectations(t)
	ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
}
