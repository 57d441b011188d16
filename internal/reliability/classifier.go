package reliability

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/glimte/eventpipe/contracts"
	"github.com/jackc/pgx/v5/pgconn"
)

// Predicate inspects a raw error and reports whether it belongs to a category
type Predicate struct {
	Name  string
	Type  contracts.ErrorType
	Match func(err error) bool
}

// ErrorClassifier turns raw errors into ClassifiedErrors. Predicates run in
// order and the first match wins; unmatched errors get the default type.
type ErrorClassifier struct {
	predicates      []Predicate
	defaultType     contracts.ErrorType
	defaultSeverity contracts.Severity
	logger          *slog.Logger
}

// ClassifierOption configures the classifier
type ClassifierOption func(*ErrorClassifier)

// WithDefaultErrorType sets the type assigned to unmatched errors
func WithDefaultErrorType(t contracts.ErrorType) ClassifierOption {
	return func(c *ErrorClassifier) {
		c.defaultType = t
	}
}

// WithDefaultSeverity overrides the severity assigned to unmatched errors
func WithDefaultSeverity(s contracts.Severity) ClassifierOption {
	return func(c *ErrorClassifier) {
		c.defaultSeverity = s
	}
}

// WithPredicate appends a predicate after the built-in ones
func WithPredicate(p Predicate) ClassifierOption {
	return func(c *ErrorClassifier) {
		c.predicates = append(c.predicates, p)
	}
}

// WithClassifierLogger sets the logger
func WithClassifierLogger(logger *slog.Logger) ClassifierOption {
	return func(c *ErrorClassifier) {
		c.logger = logger
	}
}

// NewErrorClassifier creates a classifier with the built-in predicates:
// network/timeout, database, validation, business, external service
func NewErrorClassifier(options ...ClassifierOption) *ErrorClassifier {
	c := &ErrorClassifier{
		predicates:  DefaultPredicates(),
		defaultType: contracts.ErrorTypeUnknown,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Classify returns err as a ClassifiedError. An error that is already
// classified is returned unchanged. meta is merged into the error context.
func (c *ErrorClassifier) Classify(err error, meta map[string]interface{}) *contracts.ClassifiedError {
	if err == nil {
		return nil
	}

	if ce, ok := contracts.AsClassified(err); ok {
		return ce
	}

	classified := contracts.NewClassifiedError(c.defaultType, err)
	if c.defaultSeverity != "" {
		classified.Severity = c.defaultSeverity
	}

	for _, p := range c.predicates {
		if p.Match(err) {
			classified = contracts.NewClassifiedError(p.Type, err)
			classified.Context["classifier"] = p.Name
			break
		}
	}

	for k, v := range meta {
		classified.Context[k] = v
	}

	c.log(classified)
	return classified
}

// Annotate completes the context of an error classified outside the
// classifier with the meta keys it lacks, then logs it the way Classify logs
// a fresh classification. Type, severity and retryability are untouched.
func (c *ErrorClassifier) Annotate(ce *contracts.ClassifiedError, meta map[string]interface{}) *contracts.ClassifiedError {
	if ce.Context == nil {
		ce.Context = make(map[string]interface{}, len(meta))
	}
	for k, v := range meta {
		if _, ok := ce.Context[k]; !ok {
			ce.Context[k] = v
		}
	}
	c.log(ce)
	return ce
}

func (c *ErrorClassifier) log(ce *contracts.ClassifiedError) {
	attrs := []any{
		"errorType", ce.Type,
		"severity", ce.Severity,
		"retryable", ce.Retryable,
		"error", ce.Message(),
	}
	for k, v := range ce.Context {
		attrs = append(attrs, k, v)
	}

	switch ce.Severity {
	case contracts.SeverityLow:
		c.logger.Debug("Classified error", attrs...)
	case contracts.SeverityMedium:
		c.logger.Warn("Classified error", attrs...)
	case contracts.SeverityCritical:
		c.logger.Error("Classified error", append(attrs, "critical", true)...)
	default:
		c.logger.Error("Classified error", attrs...)
	}
}

// DefaultPredicates returns the built-in predicate list in match order
func DefaultPredicates() []Predicate {
	return []Predicate{
		{Name: "timeout", Type: contracts.ErrorTypeTimeout, Match: isTimeout},
		{Name: "network", Type: contracts.ErrorTypeTransient, Match: isNetwork},
		{Name: "database", Type: contracts.ErrorTypeDatabase, Match: isDatabase},
		{Name: "schema", Type: contracts.ErrorTypeSchemaValidation, Match: isSchemaViolation},
		{Name: "validation", Type: contracts.ErrorTypeValidation, Match: isValidation},
		{Name: "business", Type: contracts.ErrorTypeBusiness, Match: isBusiness},
		{Name: "external-service", Type: contracts.ErrorTypeExternalService, Match: isExternalService},
	}
}

var (
	timeoutPatterns = []string{"timeout", "timed out", "deadline exceeded"}

	networkPatterns = []string{
		"connection refused", "connection reset", "broken pipe",
		"no such host", "network is unreachable", "temporarily unavailable",
	}

	databasePatterns = []string{
		"database", "deadlock", "sql:", "sqlstate", "too many connections",
		"could not serialize access", "lock wait timeout",
	}

	businessPatterns = []string{
		"business rule", "insufficient", "not allowed", "invalid state",
		"already exists", "limit exceeded",
	}

	externalPatterns = []string{
		"service unavailable", "bad gateway", "gateway timeout", "upstream",
		"status 502", "status 503", "status 504", "status 429", "rate limit",
	}
)

func containsAny(err error, patterns []string) bool {
	// payload errors echo field names and values, never pattern match them
	if isSchemaViolation(err) || isValidation(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// database lock timeouts belong to the database predicate
	if isDatabase(err) {
		return false
	}
	return containsAny(err, timeoutPatterns)
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return containsAny(err, networkPatterns)
}

func isDatabase(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	return containsAny(err, databasePatterns)
}

func isSchemaViolation(err error) bool {
	var schemaErr *contracts.SchemaValidationError
	return errors.As(err, &schemaErr)
}

func isValidation(err error) bool {
	var sizeErr *contracts.MessageSizeError
	var desErr *contracts.DeserializationError
	return errors.As(err, &sizeErr) ||
		errors.As(err, &desErr) ||
		errors.Is(err, contracts.ErrUnsupportedContentType) ||
		errors.Is(err, contracts.ErrNoValidator) ||
		errors.Is(err, contracts.ErrConfiguration)
}

func isBusiness(err error) bool {
	var bizErr *contracts.BusinessError
	if errors.As(err, &bizErr) {
		return true
	}
	return containsAny(err, businessPatterns)
}

func isExternalService(err error) bool {
	return containsAny(err, externalPatterns)
}
