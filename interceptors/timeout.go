package interceptors

import (
	"context"
	"fmt"
	"time"
)

// HandlerTimeoutError is returned when the rest of the chain did not finish
// in time. The handler goroutine is abandoned but keeps running until it
// observes its context; Wait blocks until it returns.
type HandlerTimeoutError struct {
	EventID string
	Timeout time.Duration
	// Cause is context.DeadlineExceeded, or the parent context's error
	// when the delivery was cancelled from outside
	Cause error
	done  <-chan error
}

func (e *HandlerTimeoutError) Error() string {
	if e.Cause != context.DeadlineExceeded {
		return fmt.Sprintf("event %s abandoned: %v", e.EventID, e.Cause)
	}
	return fmt.Sprintf("event %s not handled within %v: %v", e.EventID, e.Timeout, e.Cause)
}

func (e *HandlerTimeoutError) Unwrap() error {
	return e.Cause
}

// Wait blocks until the abandoned handler returns and yields its result
func (e *HandlerTimeoutError) Wait() error {
	return <-e.done
}

// Timeout bounds the time spent in the rest of the chain. Place it directly
// around the business handler.
type Timeout struct {
	timeout time.Duration
}

// NewTimeout creates a timeout stage
func NewTimeout(timeout time.Duration) *Timeout {
	return &Timeout{timeout: timeout}
}

// Intercept implements Interceptor
func (t *Timeout) Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, t.timeout)

	done := make(chan error, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r}
			}
		}()
		done <- next.Handle(timeoutCtx, mctx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		cause := context.DeadlineExceeded
		if err := ctx.Err(); err != nil {
			cause = err
		}
		return &HandlerTimeoutError{
			EventID: mctx.EventID(),
			Timeout: t.timeout,
			Cause:   cause,
			done:    done,
		}
	}
}

// Name implements Interceptor
func (t *Timeout) Name() string {
	return "Timeout"
}
