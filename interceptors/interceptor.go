package interceptors

import (
	"context"
	"log/slog"
	"time"
)

// Handler is a step of the chain: the business handler at the core, or the
// remainder of the chain as seen by a stage
type Handler interface {
	Handle(ctx context.Context, mctx *MiddlewareContext) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, mctx *MiddlewareContext) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, mctx *MiddlewareContext) error {
	return f(ctx, mctx)
}

// Interceptor is one stage of the chain. A stage that does not call next
// stops the chain.
type Interceptor interface {
	// Intercept processes a delivery and calls the next handler in the chain
	Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, mctx *MiddlewareContext, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, mctx *MiddlewareContext, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
	return i.fn(ctx, mctx, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The first added is the outermost.
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates a chain from the given interceptors
func NewChain(logger *slog.Logger, interceptors ...Interceptor) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Chain{logger: logger}
	for _, i := range interceptors {
		c.Add(i)
	}
	return c
}

// Add appends an interceptor. Nil interceptors are ignored so optional
// stages can be passed unconditionally.
func (c *Chain) Add(interceptor Interceptor) *Chain {
	if interceptor != nil {
		c.interceptors = append(c.interceptors, interceptor)
	}
	return c
}

// Names lists the stages in execution order
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.interceptors))
	for _, i := range c.interceptors {
		names = append(names, i.Name())
	}
	return names
}

// Len returns the number of stages
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute folds the stages right to left around final and runs the result.
// mctx is made available to every stage through FromContext.
func (c *Chain) Execute(ctx context.Context, mctx *MiddlewareContext, final Handler) error {
	ctx = WithMiddlewareContext(ctx, mctx)

	var handler Handler = HandlerFunc(func(ctx context.Context, mctx *MiddlewareContext) error {
		if mctx.SkipRemaining {
			return nil
		}
		return final.Handle(ctx, mctx)
	})
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, mctx *MiddlewareContext) error {
			if mctx.SkipRemaining {
				return nil
			}
			return interceptor.Intercept(ctx, mctx, next)
		})
	}

	return handler.Handle(ctx, mctx)
}

// LoggingInterceptor logs every delivery entering and leaving the chain
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
	start := time.Now()

	i.logger.DebugContext(ctx, "Processing event",
		"messageId", mctx.Delivery.MessageId,
		"eventId", mctx.EventID(),
		"eventType", mctx.EventType(),
		"retryAttempt", mctx.RetryAttempt,
	)

	err := next.Handle(ctx, mctx)
	duration := time.Since(start)

	switch {
	case err != nil:
		i.logger.WarnContext(ctx, "Event processing failed",
			"eventId", mctx.EventID(),
			"eventType", mctx.EventType(),
			"correlationId", mctx.CorrelationID,
			"duration", duration,
			"error", err,
		)
	case mctx.Duplicate:
		i.logger.InfoContext(ctx, "Duplicate event skipped",
			"eventId", mctx.EventID(),
			"eventType", mctx.EventType(),
			"correlationId", mctx.CorrelationID,
		)
	default:
		i.logger.DebugContext(ctx, "Event processed",
			"eventId", mctx.EventID(),
			"eventType", mctx.EventType(),
			"correlationId", mctx.CorrelationID,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
