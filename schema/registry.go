package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyEventType = errors.New("event type cannot be empty")
	ErrNilSchema      = errors.New("schema cannot be nil")
)

// Registry maps event types to validators
type Registry struct {
	validators map[string]Validator
	mu         sync.RWMutex
}

// NewRegistry creates an empty schema registry
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]Validator),
	}
}

// Register registers a schema for an event type, replacing any previous one
func (r *Registry) Register(eventType string, schema *Schema) error {
	if schema == nil {
		return ErrNilSchema
	}
	if schema.Name == "" {
		schema.Name = eventType
	}
	return r.RegisterValidator(eventType, NewSchemaValidator(schema))
}

// RegisterValidator registers a custom validator for an event type
func (r *Registry) RegisterValidator(eventType string, validator Validator) error {
	if eventType == "" {
		return ErrEmptyEventType
	}
	if validator == nil {
		return fmt.Errorf("validator for %s cannot be nil", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.validators[eventType] = validator
	return nil
}

// RegisterType registers a schema generated from a Go payload type
func (r *Registry) RegisterType(eventType string, payload interface{}) error {
	schema, err := FromType(payload)
	if err != nil {
		return err
	}
	schema.Name = eventType
	return r.Register(eventType, schema)
}

// GetValidator returns the validator registered for an event type
func (r *Registry) GetValidator(eventType string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[eventType]
	return v, ok
}

// Unregister removes the validator for an event type
func (r *Registry) Unregister(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.validators, eventType)
}

// EventTypes lists the registered event types in sorted order
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.validators))
	for t := range r.validators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// LoadFile registers every schema in a YAML or JSON document keyed by event type.
//
//	order.created:
//	  required: [order_id, amount]
//	  properties:
//	    order_id: {type: string, format: uuid}
//	    amount: {type: number, minimum: 0}
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}

	schemas := make(map[string]*Schema)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &schemas)
	default:
		err = yaml.Unmarshal(data, &schemas)
	}
	if err != nil {
		return fmt.Errorf("parse schema file %s: %w", path, err)
	}

	for eventType, schema := range schemas {
		if err := r.Register(eventType, schema); err != nil {
			return fmt.Errorf("register %s: %w", eventType, err)
		}
	}
	return nil
}
