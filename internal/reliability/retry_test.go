package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          time.Second,
	}

	t.Run("GetRetryDelay calculates exponential backoff", func(t *testing.T) {
		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, time.Second},
			{10, time.Second},
			{-1, 100 * time.Millisecond},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, policy.GetRetryDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("delay is non-decreasing and capped", func(t *testing.T) {
		prev := time.Duration(0)
		for attempt := 0; attempt < 50; attempt++ {
			d := policy.GetRetryDelay(attempt)
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, policy.MaxDelay)
			prev = d
		}
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		jittered := policy
		jittered.Jitter = true

		for i := 0; i < 100; i++ {
			d := jittered.GetRetryDelay(1)
			assert.GreaterOrEqual(t, d, 170*time.Millisecond)
			assert.LessOrEqual(t, d, 230*time.Millisecond)
			assert.LessOrEqual(t, jittered.GetRetryDelay(20), policy.MaxDelay)
		}
	})

	t.Run("CanRetry respects max attempts", func(t *testing.T) {
		assert.False(t, policy.CanRetry(0))
		assert.True(t, policy.CanRetry(1))
		assert.True(t, policy.CanRetry(3))
		assert.False(t, policy.CanRetry(4))
	})

	t.Run("IsRetryable follows classification", func(t *testing.T) {
		assert.True(t, policy.IsRetryable(contracts.NewClassifiedError(contracts.ErrorTypeDatabase, errors.New("x"))))
		assert.False(t, policy.IsRetryable(contracts.NewClassifiedError(contracts.ErrorTypeBusiness, errors.New("x"))))
		assert.False(t, policy.IsRetryable(nil))
	})

	t.Run("ShouldRetry combines budget and type", func(t *testing.T) {
		transient := contracts.NewClassifiedError(contracts.ErrorTypeTransient, errors.New("x"))

		ok, delay := policy.ShouldRetry(transient, 0)
		assert.True(t, ok)
		assert.Equal(t, policy.BaseDelay, delay)

		ok, _ = policy.ShouldRetry(transient, 2)
		assert.True(t, ok)

		ok, delay = policy.ShouldRetry(transient, 3)
		assert.False(t, ok)
		assert.Zero(t, delay)

		ok, _ = policy.ShouldRetry(contracts.NewClassifiedError(contracts.ErrorTypeValidation, errors.New("x")), 0)
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 1,
		MaxDelay:          time.Millisecond,
	}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			if calls < 3 {
				return errors.New("temporary")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops after budget", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			return errors.New("always")
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, 4, calls)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 4, retryErr.Attempts)
	})

	t.Run("stops on non-retryable classification", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			return contracts.NewClassifiedError(contracts.ErrorTypeValidation, errors.New("bad"))
		})

		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, policy, func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
