package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// FromType derives a Schema from a Go struct using its json tags. Fields
// without omitempty become required.
func FromType(v interface{}) (*Schema, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, ErrNilSchema
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema can only be generated from a struct, got %s", t.Kind())
	}

	g := &generator{seen: make(map[reflect.Type]bool)}
	props, required := g.structProperties(t)

	return &Schema{
		Name:       t.Name(),
		Properties: props,
		Required:   required,
	}, nil
}

type generator struct {
	// guards against recursive types
	seen map[reflect.Type]bool
}

func (g *generator) property(t reflect.Type) *PropertyDef {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &PropertyDef{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &PropertyDef{Type: "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		zero := 0.0
		return &PropertyDef{Type: "integer", Minimum: &zero}
	case reflect.Float32, reflect.Float64:
		return &PropertyDef{Type: "number"}
	case reflect.Bool:
		return &PropertyDef{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		return &PropertyDef{Type: "array", Items: g.property(t.Elem())}
	case reflect.Map:
		return &PropertyDef{Type: "object"}
	case reflect.Struct:
		if t == timeType {
			return &PropertyDef{Type: "string", Format: "date-time"}
		}
		if g.seen[t] {
			return &PropertyDef{Type: "object"}
		}
		g.seen[t] = true
		props, required := g.structProperties(t)
		delete(g.seen, t)
		return &PropertyDef{Type: "object", Properties: props, Required: required}
	default:
		return &PropertyDef{}
	}
}

func (g *generator) structProperties(t reflect.Type) (map[string]*PropertyDef, []string) {
	props := make(map[string]*PropertyDef)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		omitempty := false
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, part := range parts[1:] {
				if part == "omitempty" {
					omitempty = true
				}
			}
		}

		prop := g.property(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			prop.Description = desc
		}
		props[name] = prop

		if !omitempty && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	return props, required
}
