package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/idempotency"
	"github.com/glimte/eventpipe/observability"
)

// DefaultIdempotencyTTL is how long a processed event id is remembered
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyGuard lets each event id through at most once. A redelivery of
// an id that is already recorded ends the chain without error so the
// delivery is acked and the handler does not run again.
//
// A handler abandoned by Timeout may still complete its side effects, so its
// record is kept until that handler returns, and redeliveries meanwhile fail
// as transient. The record is released only if the handler finally fails.
type IdempotencyGuard struct {
	store  idempotency.Store
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	abandoned map[string]struct{}
}

// NewIdempotencyGuard creates the idempotency stage
func NewIdempotencyGuard(store idempotency.Store, ttl time.Duration, logger *slog.Logger) *IdempotencyGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyGuard{
		store:     store,
		ttl:       ttl,
		logger:    logger,
		abandoned: make(map[string]struct{}),
	}
}

// Intercept implements Interceptor
func (g *IdempotencyGuard) Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
	env := mctx.Envelope
	if env == nil {
		return fmt.Errorf("%w: idempotency guard runs after deserialization", contracts.ErrConfiguration)
	}

	if g.isAbandoned(env.EventID) {
		return contracts.NewClassifiedError(contracts.ErrorTypeTransient,
			fmt.Errorf("event %s is still being handled by a timed out attempt", env.EventID))
	}

	fresh, err := g.store.TryMarkProcessed(ctx, env.EventID, g.ttl)
	if err != nil {
		// an unreachable store is worth retrying, not dead-lettering
		return contracts.NewClassifiedError(contracts.ErrorTypeTransient,
			fmt.Errorf("idempotency check for %s: %w", env.EventID, err))
	}

	if !fresh {
		mctx.Duplicate = true
		mctx.SkipRemaining = true
		g.logger.InfoContext(ctx, "Duplicate event detected, skipping",
			"eventId", env.EventID,
			"eventType", env.EventType,
			"correlationId", mctx.CorrelationID,
			"retryAttempt", mctx.RetryAttempt,
		)
		observability.AddSpanEvent(ctx, "duplicate event skipped",
			observability.AttrEventID.String(env.EventID),
			observability.AttrDuplicateSkipped.Bool(true),
		)
		return nil
	}

	if err := next.Handle(ctx, mctx); err != nil {
		var timeoutErr *HandlerTimeoutError
		if errors.As(err, &timeoutErr) {
			g.awaitAbandoned(context.WithoutCancel(ctx), env.EventID, timeoutErr)
			return err
		}
		// forget the id so a retried delivery is not taken for a duplicate
		g.release(ctx, env.EventID)
		return err
	}

	return nil
}

func (g *IdempotencyGuard) isAbandoned(eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.abandoned[eventID]
	return ok
}

// Abandoned returns the number of timed out handlers still running
func (g *IdempotencyGuard) Abandoned() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.abandoned)
}

// awaitAbandoned holds the record of eventID until the timed out handler
// returns, then releases it only if the handler failed
func (g *IdempotencyGuard) awaitAbandoned(ctx context.Context, eventID string, timeoutErr *HandlerTimeoutError) {
	g.mu.Lock()
	g.abandoned[eventID] = struct{}{}
	g.mu.Unlock()

	g.logger.WarnContext(ctx, "Handler timed out and is still running, keeping idempotency record",
		"eventId", eventID,
		"timeout", timeoutErr.Timeout,
	)

	go func() {
		err := timeoutErr.Wait()
		if err != nil {
			g.release(ctx, eventID)
		}

		g.mu.Lock()
		delete(g.abandoned, eventID)
		g.mu.Unlock()

		g.logger.InfoContext(ctx, "Timed out handler finished",
			"eventId", eventID,
			"succeeded", err == nil,
			"error", err,
		)
	}()
}

func (g *IdempotencyGuard) release(ctx context.Context, eventID string) {
	if err := g.store.Release(context.WithoutCancel(ctx), eventID); err != nil {
		g.logger.WarnContext(ctx, "Failed to release idempotency record",
			"eventId", eventID,
			"error", err,
		)
	}
}

// Name implements Interceptor
func (g *IdempotencyGuard) Name() string {
	return "IdempotencyGuard"
}
