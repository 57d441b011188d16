package contracts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConfiguration marks errors caused by invalid setup or construction
	ErrConfiguration = errors.New("configuration error")
	// ErrUnsupportedContentType is returned for payloads that are not JSON
	ErrUnsupportedContentType = errors.New("unsupported content type")
	// ErrNoValidator is returned when no schema is registered for an event type
	ErrNoValidator = errors.New("no validator registered for event type")
)

// ErrorType is the taxonomy category of a failure
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeSchemaValidation ErrorType = "schema-validation"
	ErrorTypeDuplicateEvent   ErrorType = "duplicate-event"
	ErrorTypeTransient        ErrorType = "transient"
	ErrorTypeBusiness         ErrorType = "business"
	ErrorTypeExternalService  ErrorType = "external-service"
	ErrorTypeDatabase         ErrorType = "database"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeConfiguration    ErrorType = "configuration"
	ErrorTypeUnknown          ErrorType = "unknown"
)

// Severity drives the log level of a classified error
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityByType = map[ErrorType]Severity{
	ErrorTypeValidation:       SeverityLow,
	ErrorTypeSchemaValidation: SeverityLow,
	ErrorTypeDuplicateEvent:   SeverityLow,
	ErrorTypeTransient:        SeverityMedium,
	ErrorTypeTimeout:          SeverityMedium,
	ErrorTypeExternalService:  SeverityMedium,
	ErrorTypeBusiness:         SeverityMedium,
	ErrorTypeDatabase:         SeverityHigh,
	ErrorTypeUnknown:          SeverityHigh,
	ErrorTypeConfiguration:    SeverityCritical,
}

// Severity returns the fixed severity for the type
func (t ErrorType) Severity() Severity {
	if s, ok := severityByType[t]; ok {
		return s
	}
	return SeverityHigh
}

// Retryable reports whether failures of this type may succeed on redelivery
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeTransient, ErrorTypeExternalService, ErrorTypeTimeout, ErrorTypeDatabase:
		return true
	}
	return false
}

// ParseErrorType converts a config string into an ErrorType
func ParseErrorType(s string) (ErrorType, error) {
	t := ErrorType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityByType[t]; !ok {
		return "", fmt.Errorf("%w: unknown error type %q", ErrConfiguration, s)
	}
	return t, nil
}

// ParseSeverity converts a config string into a Severity
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("%w: unknown severity %q", ErrConfiguration, s)
}

// ClassifiedError is an error annotated with taxonomy, severity and
// retryability. It is produced once per failure; classifying it again
// returns it unchanged.
type ClassifiedError struct {
	Type      ErrorType
	Severity  Severity
	Retryable bool
	Err       error
	Context   map[string]interface{}
}

// NewClassifiedError classifies err as t with severity and retryability
// taken from the fixed tables
func NewClassifiedError(t ErrorType, err error) *ClassifiedError {
	return &ClassifiedError{
		Type:      t,
		Severity:  t.Severity(),
		Retryable: t.Retryable(),
		Err:       err,
		Context:   make(map[string]interface{}),
	}
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error", e.Type)
	}
	return fmt.Sprintf("%s error: %v", e.Type, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Message returns the original error text
func (e *ClassifiedError) Message() string {
	if e.Err == nil {
		return string(e.Type)
	}
	return e.Err.Error()
}

// AsClassified extracts a ClassifiedError from err's chain
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// MessageSizeError is returned when a raw message exceeds the size limit
type MessageSizeError struct {
	Size  int
	Limit int
}

func (e *MessageSizeError) Error() string {
	return fmt.Sprintf("message size %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// DeserializationError is returned for payloads that cannot be decoded
// into an envelope
type DeserializationError struct {
	ContentType string
	Err         error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize %s message: %v", e.ContentType, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// FieldViolation describes one field that failed schema validation
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SchemaValidationError enumerates every violated field of a payload
type SchemaValidationError struct {
	EventType  string
	Violations []FieldViolation
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	sort.Strings(parts)
	return fmt.Sprintf("schema validation failed for %s (%d violations): %s",
		e.EventType, len(e.Violations), strings.Join(parts, "; "))
}

// Fields returns the names of the violated fields
func (e *SchemaValidationError) Fields() []string {
	fields := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		fields = append(fields, v.Field)
	}
	return fields
}

// BusinessError is returned by handlers when a business rule rejects the event
type BusinessError struct {
	Rule   string
	Reason string
}

// NewBusinessError creates a business rule error
func NewBusinessError(rule, reason string) *BusinessError {
	return &BusinessError{Rule: rule, Reason: reason}
}

func (e *BusinessError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("business rule violated: %s", e.Reason)
	}
	return fmt.Sprintf("business rule %s violated: %s", e.Rule, e.Reason)
}
