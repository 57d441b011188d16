package interceptors

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDelivery(body string) amqp.Delivery {
	return amqp.Delivery{
		DeliveryTag: 1,
		MessageId:   "msg-1",
		Exchange:    "events",
		RoutingKey:  "order.created",
		ContentType: "application/json",
		Body:        []byte(body),
	}
}

const validBody = `{"event_id":"evt-1","event_type":"order.created","payload":{"order_id":"o-1","amount":10}}`

func recordingInterceptor(name string, calls *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
		*calls = append(*calls, name+":before")
		err := next.Handle(ctx, mctx)
		*calls = append(*calls, name+":after")
		return err
	})
}

func TestChainExecute(t *testing.T) {
	t.Run("runs stages outermost first", func(t *testing.T) {
		var calls []string
		chain := NewChain(nil,
			recordingInterceptor("first", &calls),
			recordingInterceptor("second", &calls),
		)

		err := chain.Execute(context.Background(), NewMiddlewareContext(newTestDelivery(validBody), "orders"),
			HandlerFunc(func(ctx context.Context, mctx *MiddlewareContext) error {
				calls = append(calls, "handler")
				return nil
			}))

		require.NoError(t, err)
		assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, calls)
		assert.Equal(t, []string{"first", "second"}, chain.Names())
		assert.Equal(t, 2, chain.Len())
	})

	t.Run("skip remaining stops the chain without error", func(t *testing.T) {
		var calls []string
		stop := NewInterceptorFunc("stop", func(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
			mctx.SkipRemaining = true
			return next.Handle(ctx, mctx)
		})
		chain := NewChain(nil, stop, recordingInterceptor("after", &calls))

		handlerCalled := false
		err := chain.Execute(context.Background(), NewMiddlewareContext(newTestDelivery(validBody), "orders"),
			HandlerFunc(func(ctx context.Context, mctx *MiddlewareContext) error {
				handlerCalled = true
				return nil
			}))

		require.NoError(t, err)
		assert.False(t, handlerCalled)
		assert.Empty(t, calls)
	})

	t.Run("stage error propagates outward", func(t *testing.T) {
		boom := errors.New("boom")
		failing := NewInterceptorFunc("failing", func(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
			return boom
		})
		chain := NewChain(nil, failing)

		err := chain.Execute(context.Background(), NewMiddlewareContext(newTestDelivery(validBody), "orders"),
			HandlerFunc(func(ctx context.Context, mctx *MiddlewareContext) error {
				t.Fatal("handler must not run")
				return nil
			}))

		assert.ErrorIs(t, err, boom)
	})

	t.Run("middleware context is available from ctx", func(t *testing.T) {
		mctx := NewMiddlewareContext(newTestDelivery(validBody), "orders")
		chain := NewChain(nil)

		err := chain.Execute(context.Background(), mctx,
			HandlerFunc(func(ctx context.Context, _ *MiddlewareContext) error {
				got, ok := FromContext(ctx)
				require.True(t, ok)
				assert.Same(t, mctx, got)
				return nil
			}))
		require.NoError(t, err)
	})

	t.Run("nil interceptor is ignored", func(t *testing.T) {
		chain := NewChain(nil, nil)
		assert.Equal(t, 0, chain.Len())
	})
}

func TestMiddlewareContext(t *testing.T) {
	d := newTestDelivery(validBody)
	d.Type = "order.created"
	d.Headers = amqp.Table{"x-retry-attempt": int32(2)}

	mctx := NewMiddlewareContext(d, "orders")
	assert.Equal(t, 2, mctx.RetryAttempt)
	assert.Equal(t, "msg-1", mctx.EventID())
	assert.Equal(t, "order.created", mctx.EventType())

	mctx.Set("tenant", "acme")
	tenant, ok := mctx.GetString("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", tenant)

	_, ok = mctx.Get("missing")
	assert.False(t, ok)

	meta := mctx.ErrorMeta()
	assert.Equal(t, "orders", meta["queue"])
	assert.Equal(t, 2, meta["retryAttempt"])
	assert.Equal(t, "msg-1", meta["eventId"])

	info := mctx.DeliveryInfo()
	assert.Equal(t, "orders", info.Queue)
	assert.Equal(t, 2, info.RetryAttempt)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
