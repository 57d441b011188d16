package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/internal/reliability"
)

// PanicError carries a value recovered from a panicking stage or handler
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in event pipeline: %v", e.Value)
}

// ErrorClassification is the outermost stage. It turns whatever the rest of
// the chain returns, panics included, into a ClassifiedError and records it
// on the context.
type ErrorClassification struct {
	classifier *reliability.ErrorClassifier
	logger     *slog.Logger
}

// NewErrorClassification creates the classification stage. A nil classifier
// uses the built-in predicates.
func NewErrorClassification(classifier *reliability.ErrorClassifier, logger *slog.Logger) *ErrorClassification {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = reliability.NewErrorClassifier(reliability.WithClassifierLogger(logger))
	}
	return &ErrorClassification{
		classifier: classifier,
		logger:     logger,
	}
}

// Intercept implements Interceptor
func (i *ErrorClassification) Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: debug.Stack()}
			i.logger.ErrorContext(ctx, "Recovered panic in event pipeline",
				"eventId", mctx.EventID(),
				"eventType", mctx.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(perr.Stack),
			)

			cerr := contracts.NewClassifiedError(contracts.ErrorTypeUnknown, perr)
			for k, v := range mctx.ErrorMeta() {
				cerr.Context[k] = v
			}
			err = i.record(mctx, cerr)
		}
	}()

	if err := next.Handle(ctx, mctx); err != nil {
		// stages may return errors they classified themselves
		if cerr, ok := contracts.AsClassified(err); ok {
			return i.record(mctx, i.classifier.Annotate(cerr, mctx.ErrorMeta()))
		}
		return i.record(mctx, i.classifier.Classify(err, mctx.ErrorMeta()))
	}
	return nil
}

func (i *ErrorClassification) record(mctx *MiddlewareContext, cerr *contracts.ClassifiedError) error {
	mctx.Err = cerr
	if !cerr.Retryable {
		mctx.ShouldReject = true
	}
	return cerr
}

// Name implements Interceptor
func (i *ErrorClassification) Name() string {
	return "ErrorClassification"
}
