package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/eventpipe/contracts"
)

// RetryPolicy decides whether a classified failure is redelivered and after
// how long. It holds no state and is safe for concurrent use.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            bool
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
	}
}

// IsRetryable reports whether the classification allows redelivery
func (p RetryPolicy) IsRetryable(err *contracts.ClassifiedError) bool {
	return err != nil && err.Retryable
}

// CanRetry reports whether attempt number n is still within budget.
// Attempt numbers start at 1 for the first redelivery.
func (p RetryPolicy) CanRetry(n int) bool {
	return n >= 1 && n <= p.MaxAttempts
}

// GetRetryDelay returns min(base * multiplier^attempt, max). With jitter
// enabled the value is spread by ±15% and still capped at MaxDelay.
func (p RetryPolicy) GetRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// ShouldRetry combines retryability and attempt budget for a failure that
// happened on attempt current
func (p RetryPolicy) ShouldRetry(err *contracts.ClassifiedError, current int) (bool, time.Duration) {
	if !p.IsRetryable(err) || !p.CanRetry(current+1) {
		return false, 0
	}
	return true, p.GetRetryDelay(current)
}

// Retry runs fn until it succeeds, the policy budget is spent or ctx is done.
// Errors classified as non-retryable stop immediately.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if ce, ok := contracts.AsClassified(err); ok && !ce.Retryable {
			return lastErr
		}
		if !policy.CanRetry(attempt + 1) {
			return &RetryError{
				Op:          "retry",
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxAttempts,
				LastError:   lastErr,
			}
		}

		select {
		case <-time.After(policy.GetRetryDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
