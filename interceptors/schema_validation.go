package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/eventpipe/contracts"
	"github.com/glimte/eventpipe/schema"
)

// UnknownTypePolicy decides what happens to events with no registered schema
type UnknownTypePolicy string

const (
	// UnknownTypeReject fails closed
	UnknownTypeReject UnknownTypePolicy = "reject"
	// UnknownTypeAllow passes the event through unvalidated
	UnknownTypeAllow UnknownTypePolicy = "allow"
)

// ParseUnknownTypePolicy parses a policy name
func ParseUnknownTypePolicy(s string) (UnknownTypePolicy, error) {
	switch UnknownTypePolicy(s) {
	case UnknownTypeReject, UnknownTypeAllow:
		return UnknownTypePolicy(s), nil
	case "":
		return UnknownTypeReject, nil
	}
	return "", fmt.Errorf("%w: unknown schema policy %q", contracts.ErrConfiguration, s)
}

// SchemaRegistry looks up the validator for an event type
type SchemaRegistry interface {
	GetValidator(eventType string) (schema.Validator, bool)
}

// SchemaValidation validates the envelope payload against the schema
// registered for its event type
type SchemaValidation struct {
	registry SchemaRegistry
	policy   UnknownTypePolicy
	logger   *slog.Logger
}

// NewSchemaValidation creates the schema stage. An empty policy rejects
// unknown event types.
func NewSchemaValidation(registry SchemaRegistry, policy UnknownTypePolicy, logger *slog.Logger) *SchemaValidation {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = UnknownTypeReject
	}
	return &SchemaValidation{
		registry: registry,
		policy:   policy,
		logger:   logger,
	}
}

// Intercept implements Interceptor
func (s *SchemaValidation) Intercept(ctx context.Context, mctx *MiddlewareContext, next Handler) error {
	env := mctx.Envelope
	if env == nil {
		return fmt.Errorf("%w: schema validation runs after deserialization", contracts.ErrConfiguration)
	}

	var validator schema.Validator
	found := false
	if s.registry != nil {
		validator, found = s.registry.GetValidator(env.EventType)
	}

	if !found {
		if s.policy == UnknownTypeAllow {
			s.logger.DebugContext(ctx, "No schema registered, passing event through",
				"eventId", env.EventID,
				"eventType", env.EventType,
			)
			return next.Handle(ctx, mctx)
		}
		return fmt.Errorf("%w %s", contracts.ErrNoValidator, env.EventType)
	}

	result := validator.Validate(env.Payload)
	if !result.Valid {
		violations := make([]contracts.FieldViolation, 0, len(result.Errors))
		for _, e := range result.Errors {
			violations = append(violations, contracts.FieldViolation{
				Field:   e.Field,
				Message: e.Message,
				Code:    e.Code,
			})
		}
		return &contracts.SchemaValidationError{
			EventType:  env.EventType,
			Violations: violations,
		}
	}

	return next.Handle(ctx, mctx)
}

// Name implements Interceptor
func (s *SchemaValidation) Name() string {
	return "SchemaValidation"
}
