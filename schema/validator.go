package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ValidationResult represents the result of payload validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface for ValidationError
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// Validator validates an event payload
type Validator interface {
	Validate(payload map[string]interface{}) ValidationResult
}

// ValidatorFunc is a function adapter for Validator
type ValidatorFunc func(payload map[string]interface{}) ValidationResult

func (f ValidatorFunc) Validate(payload map[string]interface{}) ValidationResult {
	return f(payload)
}

// ValidationRule is a custom whole-payload check attached to a schema
type ValidationRule interface {
	Validate(payload map[string]interface{}) []ValidationError
	GetName() string
}

// RuleFunc adapts a function into a named ValidationRule
type RuleFunc struct {
	Name  string
	Check func(payload map[string]interface{}) []ValidationError
}

func (r RuleFunc) Validate(payload map[string]interface{}) []ValidationError {
	return r.Check(payload)
}

func (r RuleFunc) GetName() string {
	if r.Name == "" {
		return "anonymous"
	}
	return r.Name
}

// Schema describes the payload of one event type
type Schema struct {
	Name       string                  `json:"name" yaml:"name"`
	Version    string                  `json:"version" yaml:"version"`
	Properties map[string]*PropertyDef `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string                `json:"required,omitempty" yaml:"required,omitempty"`
	// Strict rejects top-level fields that have no property definition.
	Strict bool             `json:"strict,omitempty" yaml:"strict,omitempty"`
	Rules  []ValidationRule `json:"-" yaml:"-"`
}

// PropertyDef defines validation rules for a payload property
type PropertyDef struct {
	Type        string                  `json:"type" yaml:"type"`
	Format      string                  `json:"format,omitempty" yaml:"format,omitempty"`
	Pattern     string                  `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinLength   *int                    `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int                    `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Minimum     *float64                `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64                `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Enum        []interface{}           `json:"enum,omitempty" yaml:"enum,omitempty"`
	Description string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Items       *PropertyDef            `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  map[string]*PropertyDef `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string                `json:"required,omitempty" yaml:"required,omitempty"`
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

// SchemaValidator validates payloads against a Schema. It collects every
// violation instead of stopping at the first one.
type SchemaValidator struct {
	schema   *Schema
	patterns map[string]*regexp.Regexp
	mu       sync.Mutex
}

// NewSchemaValidator creates a validator for the given schema
func NewSchemaValidator(schema *Schema) *SchemaValidator {
	return &SchemaValidator{
		schema:   schema,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Schema returns the schema this validator checks against
func (v *SchemaValidator) Schema() *Schema {
	return v.schema
}

// Validate checks the payload and returns all violations sorted by field
func (v *SchemaValidator) Validate(payload map[string]interface{}) ValidationResult {
	result := &ValidationResult{Valid: true}

	if payload == nil {
		payload = map[string]interface{}{}
	}

	v.validateObject("", payload, v.schema.Properties, v.schema.Required, result)

	if v.schema.Strict {
		for _, field := range sortedKeys(payload) {
			if _, known := v.schema.Properties[field]; !known {
				result.add(ValidationError{
					Field:   field,
					Message: "field is not defined in schema",
					Code:    "UNKNOWN_FIELD",
				})
			}
		}
	}

	for _, rule := range v.schema.Rules {
		for _, violation := range rule.Validate(payload) {
			result.add(violation)
		}
	}

	sort.SliceStable(result.Errors, func(i, j int) bool {
		if result.Errors[i].Field != result.Errors[j].Field {
			return result.Errors[i].Field < result.Errors[j].Field
		}
		return result.Errors[i].Code < result.Errors[j].Code
	})

	return *result
}

func (r *ValidationResult) add(err ValidationError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

func (v *SchemaValidator) validateObject(fieldPath string, data map[string]interface{}, props map[string]*PropertyDef, required []string, result *ValidationResult) {
	for _, name := range required {
		if _, exists := data[name]; !exists {
			result.add(ValidationError{
				Field:   buildFieldPath(fieldPath, name),
				Message: "required field is missing",
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	for _, name := range sortedKeys(data) {
		if propDef, exists := props[name]; exists {
			v.validateProperty(buildFieldPath(fieldPath, name), data[name], propDef, result)
		}
	}
}

func (v *SchemaValidator) validateProperty(fieldPath string, value interface{}, propDef *PropertyDef, result *ValidationResult) {
	if value == nil {
		return
	}

	if propDef.Type != "" && !validateType(value, propDef.Type) {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("expected type %s, got %T", propDef.Type, value),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
		return
	}

	switch val := value.(type) {
	case string:
		validateString(fieldPath, val, propDef, result)
		if propDef.Format != "" {
			validateFormat(fieldPath, val, propDef.Format, result)
		}
		if propDef.Pattern != "" {
			v.validatePattern(fieldPath, val, propDef.Pattern, result)
		}
	case []interface{}:
		if propDef.Items != nil {
			for i, item := range val {
				v.validateProperty(fmt.Sprintf("%s[%d]", fieldPath, i), item, propDef.Items, result)
			}
		}
	case map[string]interface{}:
		if propDef.Properties != nil || propDef.Required != nil {
			v.validateObject(fieldPath, val, propDef.Properties, propDef.Required, result)
		}
	default:
		if num, ok := toFloat(value); ok {
			validateNumber(fieldPath, num, propDef, result)
		}
	}

	if len(propDef.Enum) > 0 {
		validateEnum(fieldPath, value, propDef.Enum, result)
	}
}

func validateType(value interface{}, expectedType string) bool {
	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "integer":
		f, ok := toFloat(value)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func toFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func validateString(fieldPath, value string, propDef *PropertyDef, result *ValidationResult) {
	length := len([]rune(value))
	if propDef.MinLength != nil && length < *propDef.MinLength {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d is less than minimum %d", length, *propDef.MinLength),
			Code:    "MIN_LENGTH_VIOLATION",
			Value:   value,
		})
	}

	if propDef.MaxLength != nil && length > *propDef.MaxLength {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("string length %d exceeds maximum %d", length, *propDef.MaxLength),
			Code:    "MAX_LENGTH_VIOLATION",
			Value:   value,
		})
	}
}

func validateNumber(fieldPath string, value float64, propDef *PropertyDef, result *ValidationResult) {
	if propDef.Minimum != nil && value < *propDef.Minimum {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %g is less than minimum %g", value, *propDef.Minimum),
			Code:    "MINIMUM_VIOLATION",
			Value:   value,
		})
	}

	if propDef.Maximum != nil && value > *propDef.Maximum {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value %g exceeds maximum %g", value, *propDef.Maximum),
			Code:    "MAXIMUM_VIOLATION",
			Value:   value,
		})
	}
}

func validateEnum(fieldPath string, value interface{}, enum []interface{}, result *ValidationResult) {
	for _, enumValue := range enum {
		if reflect.DeepEqual(value, enumValue) {
			return
		}
		// numbers decoded from JSON are float64 while enums loaded from YAML are int
		if a, ok := toFloat(value); ok {
			if b, ok := toFloat(enumValue); ok && a == b {
				return
			}
		}
	}

	result.add(ValidationError{
		Field:   fieldPath,
		Message: fmt.Sprintf("value is not in allowed enum values: %v", enum),
		Code:    "ENUM_VIOLATION",
		Value:   value,
	})
}

func validateFormat(fieldPath, value, format string, result *ValidationResult) {
	var errorMsg string

	switch format {
	case "email":
		if !emailRegex.MatchString(value) {
			errorMsg = "invalid email format"
		}
	case "uri":
		if !strings.Contains(value, "://") {
			errorMsg = "invalid URI format"
		}
	case "uuid":
		if !uuidRegex.MatchString(strings.ToLower(value)) {
			errorMsg = "invalid UUID format"
		}
	case "date":
		if !dateRegex.MatchString(value) {
			errorMsg = "invalid date format (expected YYYY-MM-DD)"
		}
	case "date-time":
		if !dateTimeRegex.MatchString(value) {
			errorMsg = "invalid date-time format (expected RFC 3339)"
		}
	default:
		return
	}

	if errorMsg != "" {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: errorMsg,
			Code:    "FORMAT_VIOLATION",
			Value:   value,
		})
	}
}

func (v *SchemaValidator) validatePattern(fieldPath, value, pattern string, result *ValidationResult) {
	v.mu.Lock()
	regex, ok := v.patterns[pattern]
	if !ok {
		var err error
		regex, err = regexp.Compile(pattern)
		if err != nil {
			v.mu.Unlock()
			result.add(ValidationError{
				Field:   fieldPath,
				Message: fmt.Sprintf("invalid regex pattern: %s", pattern),
				Code:    "INVALID_PATTERN",
				Value:   value,
			})
			return
		}
		v.patterns[pattern] = regex
	}
	v.mu.Unlock()

	if !regex.MatchString(value) {
		result.add(ValidationError{
			Field:   fieldPath,
			Message: fmt.Sprintf("value does not match pattern: %s", pattern),
			Code:    "PATTERN_VIOLATION",
			Value:   value,
		})
	}
}

func buildFieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NonEmpty returns a rule that rejects blank string values for the given fields
func NonEmpty(fields ...string) ValidationRule {
	return RuleFunc{
		Name: "non-empty",
		Check: func(payload map[string]interface{}) []ValidationError {
			var violations []ValidationError
			for _, field := range fields {
				if str, ok := payload[field].(string); ok && strings.TrimSpace(str) == "" {
					violations = append(violations, ValidationError{
						Field:   field,
						Message: "value cannot be empty",
						Code:    "NON_EMPTY_VIOLATION",
						Value:   str,
					})
				}
			}
			return violations
		},
	}
}

// Positive returns a rule that rejects zero or negative numbers for the given fields
func Positive(fields ...string) ValidationRule {
	return RuleFunc{
		Name: "positive",
		Check: func(payload map[string]interface{}) []ValidationError {
			var violations []ValidationError
			for _, field := range fields {
				if num, ok := toFloat(payload[field]); ok && num <= 0 {
					violations = append(violations, ValidationError{
						Field:   field,
						Message: "value must be positive",
						Code:    "POSITIVE_VIOLATION",
						Value:   payload[field],
					})
				}
			}
			return violations
		},
	}
}
