// Package iot models the declarative device entities a conversational
// backend can inspect and command: immutable descriptors (properties
// and methods), mutable property state, and the JSON envelopes that
// publish them over the control channel.
package iot

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueType enumerates the wire types a property or parameter can
// carry.
type ValueType int

const (
	TypeBool ValueType = iota
	TypeString
	TypeNumber
)

// String returns the wire name of the type as used in descriptors.
func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "boolean"
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (t ValueType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ValueType) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "boolean":
		*t = TypeBool
	case "string":
		*t = TypeString
	case "number":
		*t = TypeNumber
	default:
		return fmt.Errorf("iot: unknown value type %q", name)
	}
	return nil
}

// Value is a sum over bool, string and int64. The zero Value is the
// boolean false.
type Value struct {
	kind ValueType
	b    bool
	s    string
	n    int64
}

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{kind: TypeBool, b: v} }

// String wraps a string.
func String(v string) Value { return Value{kind: TypeString, s: v} }

// Int64 wraps an integer.
func Int64(v int64) Value { return Value{kind: TypeNumber, n: v} }

// Type returns the variant held.
func (v Value) Type() ValueType { return v.kind }

// Bool returns the boolean payload; it is only meaningful when Type
// is TypeBool.
func (v Value) Bool() bool { return v.b }

// Str returns the string payload; it is only meaningful when Type is
// TypeString.
func (v Value) Str() string { return v.s }

// Int returns the integer payload; it is only meaningful when Type is
// TypeNumber.
func (v Value) Int() int64 { return v.n }

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(other Value) bool {
	return v == other
}

// GoString formats the value for logs.
func (v Value) GoString() string {
	switch v.kind {
	case TypeBool:
		return fmt.Sprintf("Bool(%t)", v.b)
	case TypeString:
		return fmt.Sprintf("String(%q)", v.s)
	default:
		return fmt.Sprintf("Int64(%d)", v.n)
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case TypeBool:
		return json.Marshal(v.b)
	case TypeString:
		return json.Marshal(v.s)
	default:
		return json.Marshal(v.n)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are truncated to
// int64, matching the control protocol's integer parameters.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case bool:
		*v = Bool(x)
	case string:
		*v = String(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("iot: bad number %q: %w", x, err)
		}
		*v = Int64(int64(f))
	default:
		return fmt.Errorf("iot: unsupported value %s", b)
	}
	return nil
}
