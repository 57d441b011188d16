// Package schema provides payload validation for event types.
//
// A Registry maps an event type to a Validator. Validators built from a
// Schema check required fields, types, string lengths, numeric bounds,
// enums, formats and patterns, and report every violation rather than
// stopping at the first one. Violations are sorted by field so the result
// is stable across runs.
//
// Basic usage:
//
//	registry := schema.NewRegistry()
//	err := registry.Register("order.created", &schema.Schema{
//	    Required: []string{"order_id", "amount"},
//	    Properties: map[string]*schema.PropertyDef{
//	        "order_id": {Type: "string", Format: "uuid"},
//	        "amount":   {Type: "number"},
//	    },
//	})
//
//	if v, ok := registry.GetValidator("order.created"); ok {
//	    result := v.Validate(envelope.Payload)
//	}
//
// Schemas can also be loaded from a YAML or JSON file with LoadFile, or
// derived from a Go struct with RegisterType.
package schema
