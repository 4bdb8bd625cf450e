// Package schema stores versioned event-type schemas, validates event
// payloads against them, and rejects evolutions that would break consumers
// built against older versions.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"eventledger/domain"
)

// ErrInvalidDefinition wraps any schema definition that does not parse as
// valid structured JSON of the expected shape.
var ErrInvalidDefinition = errors.New("invalid schema definition")

// FieldType is the declared type tag of a schema property. Payload type
// checks compare these tags against the runtime shape of the value.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Definition is the JSON-shaped schema of one event type: a property map of
// field name to declared type plus the list of required field names.
type Definition struct {
	Properties map[string]FieldType `json:"properties"`
	Required   []string             `json:"required"`
}

// ParseDefinition decodes and checks a JSON definition. Unknown property
// types fail the parse so a bad schema can never be registered.
func ParseDefinition(raw string) (Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	for field, ft := range def.Properties {
		switch ft {
		case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		default:
			return Definition{}, fmt.Errorf("%w: property %s has unknown type %q", ErrInvalidDefinition, field, ft)
		}
	}
	return def, nil
}

// Check returns one message per failed constraint: a missing required field,
// or a payload field whose runtime type does not match its declared type.
func (d Definition) Check(payload map[string]any) []string {
	var problems []string
	for _, field := range d.Required {
		if _, ok := payload[field]; !ok {
			problems = append(problems, fmt.Sprintf("missing required field %s", field))
		}
	}
	for field, value := range payload {
		declared, ok := d.Properties[field]
		if !ok {
			continue
		}
		if got := fieldTypeOf(value); got != declared {
			problems = append(problems, fmt.Sprintf("field %s should be %s, got %s", field, declared, got))
		}
	}
	return problems
}

// fieldTypeOf classifies a payload value into a type tag. Values arrive
// either from a JSON decode or built in-process, so the numeric Go kinds all
// collapse into number.
func fieldTypeOf(v any) FieldType {
	switch v.(type) {
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return TypeNumber
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	case nil:
		return FieldType("null")
	default:
		return FieldType(fmt.Sprintf("%T", v))
	}
}

// Validate applies an event's payload to the definition and reports the
// result in the (valid, problems) shape the registry exposes.
func (d Definition) Validate(ev domain.Event) (bool, []string) {
	problems := d.Check(ev.Payload)
	return len(problems) == 0, problems
}
