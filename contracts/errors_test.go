package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypeTables(t *testing.T) {
	retryable := []ErrorType{ErrorTypeTransient, ErrorTypeExternalService, ErrorTypeTimeout, ErrorTypeDatabase}
	terminal := []ErrorType{ErrorTypeValidation, ErrorTypeSchemaValidation, ErrorTypeDuplicateEvent,
		ErrorTypeBusiness, ErrorTypeConfiguration, ErrorTypeUnknown}

	for _, et := range retryable {
		assert.True(t, et.Retryable(), "%s should be retryable", et)
	}
	for _, et := range terminal {
		assert.False(t, et.Retryable(), "%s should not be retryable", et)
	}

	assert.Equal(t, SeverityLow, ErrorTypeValidation.Severity())
	assert.Equal(t, SeverityMedium, ErrorTypeTransient.Severity())
	assert.Equal(t, SeverityHigh, ErrorTypeDatabase.Severity())
	assert.Equal(t, SeverityCritical, ErrorTypeConfiguration.Severity())
	assert.Equal(t, SeverityHigh, ErrorType("bogus").Severity())
}

func TestParseErrorType(t *testing.T) {
	et, err := ParseErrorType(" Transient ")
	require.NoError(t, err)
	assert.Equal(t, ErrorTypeTransient, et)

	_, err = ParseErrorType("bogus")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestClassifiedError(t *testing.T) {
	cause := errors.New("connection refused")
	ce := NewClassifiedError(ErrorTypeDatabase, cause)

	assert.Equal(t, SeverityHigh, ce.Severity)
	assert.True(t, ce.Retryable)
	assert.Equal(t, "connection refused", ce.Message())
	assert.Contains(t, ce.Error(), "database")
	assert.ErrorIs(t, ce, cause)

	wrapped := fmt.Errorf("stage failed: %w", ce)
	found, ok := AsClassified(wrapped)
	require.True(t, ok)
	assert.Same(t, ce, found)

	_, ok = AsClassified(cause)
	assert.False(t, ok)
}

func TestSchemaValidationError(t *testing.T) {
	err := &SchemaValidationError{
		EventType: "order.created",
		Violations: []FieldViolation{
			{Field: "total", Message: "is required"},
			{Field: "currency", Message: "must be one of [EUR USD]"},
		},
	}

	assert.Equal(t, []string{"total", "currency"}, err.Fields())
	assert.Contains(t, err.Error(), "2 violations")
	assert.Contains(t, err.Error(), "currency: must be one of [EUR USD]; total: is required")
}

func TestTypedStageErrors(t *testing.T) {
	sizeErr := &MessageSizeError{Size: 70000, Limit: 65536}
	assert.Equal(t, "message size 70000 bytes exceeds limit of 65536 bytes", sizeErr.Error())

	cause := errors.New("unexpected EOF")
	desErr := &DeserializationError{ContentType: "application/json", Err: cause}
	assert.ErrorIs(t, desErr, cause)

	assert.Equal(t, "business rule credit-limit violated: limit exceeded",
		NewBusinessError("credit-limit", "limit exceeded").Error())
	assert.Equal(t, "business rule violated: nope", NewBusinessError("", "nope").Error())
}
