package reliability

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"testing"

	"github.com/glimte/eventpipe/contracts"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassifier_Classify(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name      string
		err       error
		expected  contracts.ErrorType
		retryable bool
	}{
		{"context deadline", context.DeadlineExceeded, contracts.ErrorTypeTimeout, true},
		{"wrapped deadline", fmt.Errorf("call inventory: %w", context.DeadlineExceeded), contracts.ErrorTypeTimeout, true},
		{"timeout phrase", errors.New("request timed out"), contracts.ErrorTypeTimeout, true},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, contracts.ErrorTypeTransient, true},
		{"connection refused", errors.New("dial tcp 10.0.0.1:5432: connection refused"), contracts.ErrorTypeTransient, true},
		{"pg error", &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}, contracts.ErrorTypeDatabase, true},
		{"sql conn done", fmt.Errorf("insert order: %w", sql.ErrConnDone), contracts.ErrorTypeDatabase, true},
		{"lock wait timeout", errors.New("Lock wait timeout exceeded"), contracts.ErrorTypeDatabase, true},
		{"schema violation", &contracts.SchemaValidationError{EventType: "x"}, contracts.ErrorTypeSchemaValidation, false},
		{"schema violation naming a timeout field", &contracts.SchemaValidationError{
			EventType:  "job.scheduled",
			Violations: []contracts.FieldViolation{{Field: "timeout_ms", Message: "value -1 is less than minimum 0"}},
		}, contracts.ErrorTypeSchemaValidation, false},
		{"message size", &contracts.MessageSizeError{Size: 10, Limit: 5}, contracts.ErrorTypeValidation, false},
		{"deserialization", &contracts.DeserializationError{Err: errors.New("invalid character")}, contracts.ErrorTypeValidation, false},
		{"business error", contracts.NewBusinessError("credit", "limit"), contracts.ErrorTypeBusiness, false},
		{"business phrase", errors.New("insufficient stock for sku-1"), contracts.ErrorTypeBusiness, false},
		{"upstream 503", errors.New("payment gateway returned status 503"), contracts.ErrorTypeExternalService, true},
		{"rate limited", errors.New("rate limit reached"), contracts.ErrorTypeExternalService, true},
		{"unmatched", errors.New("something odd"), contracts.ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := classifier.Classify(tt.err, nil)
			require.NotNil(t, ce)
			assert.Equal(t, tt.expected, ce.Type)
			assert.Equal(t, tt.retryable, ce.Retryable)
			assert.Equal(t, tt.expected.Severity(), ce.Severity)
			assert.ErrorIs(t, ce, tt.err)
		})
	}
}

func TestErrorClassifier_AlreadyClassified(t *testing.T) {
	classifier := NewErrorClassifier()
	original := contracts.NewClassifiedError(contracts.ErrorTypeBusiness, errors.New("connection refused"))

	got := classifier.Classify(original, map[string]interface{}{"eventId": "e1"})
	assert.Same(t, original, got)
	assert.Equal(t, contracts.ErrorTypeBusiness, got.Type)

	wrapped := fmt.Errorf("handler: %w", original)
	assert.Same(t, original, classifier.Classify(wrapped, nil))
}

func TestErrorClassifier_Annotate(t *testing.T) {
	classifier := NewErrorClassifier()
	ce := contracts.NewClassifiedError(contracts.ErrorTypeTransient, errors.New("store unreachable"))
	ce.Context["eventId"] = "kept"

	got := classifier.Annotate(ce, map[string]interface{}{
		"eventId":       "e1",
		"eventType":     "order.created",
		"correlationId": "corr-1",
	})

	assert.Same(t, ce, got)
	assert.Equal(t, contracts.ErrorTypeTransient, got.Type)
	assert.True(t, got.Retryable)
	assert.Equal(t, "kept", got.Context["eventId"])
	assert.Equal(t, "order.created", got.Context["eventType"])
	assert.Equal(t, "corr-1", got.Context["correlationId"])
}

func TestErrorClassifier_Options(t *testing.T) {
	t.Run("default type", func(t *testing.T) {
		classifier := NewErrorClassifier(WithDefaultErrorType(contracts.ErrorTypeTransient))
		ce := classifier.Classify(errors.New("something odd"), nil)
		assert.Equal(t, contracts.ErrorTypeTransient, ce.Type)
		assert.True(t, ce.Retryable)
	})

	t.Run("default severity applies to unmatched only", func(t *testing.T) {
		classifier := NewErrorClassifier(WithDefaultSeverity(contracts.SeverityMedium))
		assert.Equal(t, contracts.SeverityMedium, classifier.Classify(errors.New("odd"), nil).Severity)
		assert.Equal(t, contracts.SeverityHigh, classifier.Classify(sql.ErrConnDone, nil).Severity)
	})

	t.Run("custom predicate", func(t *testing.T) {
		errQuota := errors.New("quota")
		classifier := NewErrorClassifier(WithPredicate(Predicate{
			Name:  "quota",
			Type:  contracts.ErrorTypeExternalService,
			Match: func(err error) bool { return errors.Is(err, errQuota) },
		}))
		assert.Equal(t, contracts.ErrorTypeExternalService, classifier.Classify(errQuota, nil).Type)
	})

	t.Run("context is merged", func(t *testing.T) {
		classifier := NewErrorClassifier()
		ce := classifier.Classify(errors.New("odd"), map[string]interface{}{
			"eventId":      "e1",
			"retryAttempt": 2,
		})
		assert.Equal(t, "e1", ce.Context["eventId"])
		assert.Equal(t, 2, ce.Context["retryAttempt"])
	})

	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, NewErrorClassifier().Classify(nil, nil))
	})
}

func TestErrorClassifier_LogLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	classifier := NewErrorClassifier(WithClassifierLogger(logger))

	classifier.Classify(&contracts.MessageSizeError{Size: 2, Limit: 1}, nil)
	assert.Contains(t, buf.String(), "level=DEBUG")
	buf.Reset()

	classifier.Classify(errors.New("connection reset by peer"), nil)
	assert.Contains(t, buf.String(), "level=WARN")
	buf.Reset()

	classifier.Classify(sql.ErrConnDone, nil)
	assert.Contains(t, buf.String(), "level=ERROR")
	buf.Reset()

	classifier.Classify(contracts.ErrConfiguration, nil)
	// configuration errors match the validation predicate before defaulting
	assert.Contains(t, buf.String(), "level=DEBUG")
	buf.Reset()

	critical := NewErrorClassifier(
		WithClassifierLogger(logger),
		WithPredicate(Predicate{
			Name:  "config",
			Type:  contracts.ErrorTypeConfiguration,
			Match: func(err error) bool { return err.Error() == "missing queue" },
		}),
	)
	critical.Classify(errors.New("missing queue"), nil)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "critical=true")
}
