// Package contract verifies agent outputs against per-role schemas and
// holds the role registry that maps role names to their attributes.
package contract

import (
	"encoding/json"
	"fmt"
)

// FieldType is the expected JSON type of a schema field.
type FieldType string

const (
	// FieldString expects a JSON string.
	FieldString FieldType = "string"
	// FieldNumber expects a JSON number.
	FieldNumber FieldType = "number"
	// FieldBool expects a JSON boolean.
	FieldBool FieldType = "bool"
	// FieldArray expects a JSON array.
	FieldArray FieldType = "array"
	// FieldObject expects a JSON object.
	FieldObject FieldType = "object"
)

// Valid returns true if the field type is a known value.
func (f FieldType) Valid() bool {
	switch f {
	case FieldString, FieldNumber, FieldBool, FieldArray, FieldObject:
		return true
	default:
		return false
	}
}

// Schema is a closed set of required fields with types for one role's output.
type Schema map[string]FieldType

// Error describes an output that failed its contract. It is treated
// identically to an execution failure and is therefore retryable.
type Error struct {
	// Role is the agent role whose contract was violated.
	Role string
	// Field is the offending field, if the violation is field-level.
	Field string
	// Reason is a human-readable explanation.
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("contract violation for role %s: %s", e.Role, e.Reason)
	}
	return fmt.Sprintf("contract violation for role %s, field %q: %s", e.Role, e.Field, e.Reason)
}

// Validator checks agent outputs against the schemas in a role registry.
type Validator struct {
	registry *Registry
}

// NewValidator creates a Validator backed by the given registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate checks a raw agent output against the schema registered for
// the role. A role with no registered schema passes through unvalidated:
// its output is treated as best-effort.
func (v *Validator) Validate(role string, output string) error {
	schema := v.registry.Schema(role)
	if schema == nil {
		return nil
	}
	return ValidateAgainst(role, output, schema)
}

// ValidateAgainst checks a raw output against an explicit schema. The
// output must be a JSON object carrying exactly the schema's required
// fields with matching types; extra fields are rejected because schemas
// are closed sets.
func ValidateAgainst(role, output string, schema Schema) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(output), &payload); err != nil {
		return &Error{Role: role, Reason: fmt.Sprintf("output is not a JSON object: %v", err)}
	}

	for field, want := range schema {
		raw, ok := payload[field]
		if !ok {
			return &Error{Role: role, Field: field, Reason: "required field missing"}
		}
		if got := jsonTypeOf(raw); got != want {
			return &Error{
				Role:   role,
				Field:  field,
				Reason: fmt.Sprintf("expected %s, got %s", want, got),
			}
		}
	}
	for field := range payload {
		if _, ok := schema[field]; !ok {
			return &Error{Role: role, Field: field, Reason: "field not in contract"}
		}
	}
	return nil
}

// jsonTypeOf reports the FieldType of a raw JSON value by its first byte.
func jsonTypeOf(raw json.RawMessage) FieldType {
	for _, b := range raw {
		switch {
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			continue
		case b == '"':
			return FieldString
		case b == '{':
			return FieldObject
		case b == '[':
			return FieldArray
		case b == 't' || b == 'f':
			return FieldBool
		case b == 'n':
			return FieldType("null")
		default:
			return FieldNumber
		}
	}
	return FieldType("empty")
}
