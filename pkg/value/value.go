// Package value implements the tagged Value sum type that every SQL column
// and every operation parameter is expressed in.
package value

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindArray
	KindObject
	KindDateTime
	KindJSON
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindDateTime:
		return "datetime"
	case KindJSON:
		return "json"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Value is a tagged union over every type that crosses a schema or operation
// boundary. Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind

	boolV     bool
	int64V    int64
	float64V  float64
	stringV   string
	arrayV    []Value
	objectV   map[string]Value
	dateTimeV time.Time
	jsonV     json.RawMessage
	refV      string
}

func Null() Value                           { return Value{Kind: KindNull} }
func Bool(b bool) Value                      { return Value{Kind: KindBool, boolV: b} }
func Int64(i int64) Value                    { return Value{Kind: KindInt64, int64V: i} }
func Float64(f float64) Value                { return Value{Kind: KindFloat64, float64V: f} }
func String(s string) Value                  { return Value{Kind: KindString, stringV: s} }
func Array(items []Value) Value              { return Value{Kind: KindArray, arrayV: items} }
func Object(fields map[string]Value) Value   { return Value{Kind: KindObject, objectV: fields} }
func DateTime(t time.Time) Value             { return Value{Kind: KindDateTime, dateTimeV: t} }
func JSON(raw json.RawMessage) Value         { return Value{Kind: KindJSON, jsonV: raw} }
func Reference(id string) Value              { return Value{Kind: KindReference, refV: id} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// AsBool returns the boolean payload; ok is false if Kind != KindBool.
func (v Value) AsBool() (bool, bool)          { return v.boolV, v.Kind == KindBool }
func (v Value) AsInt64() (int64, bool)        { return v.int64V, v.Kind == KindInt64 }
func (v Value) AsFloat64() (float64, bool)    { return v.float64V, v.Kind == KindFloat64 }
func (v Value) AsString() (string, bool)      { return v.stringV, v.Kind == KindString }
func (v Value) AsArray() ([]Value, bool)      { return v.arrayV, v.Kind == KindArray }
func (v Value) AsObject() (map[string]Value, bool) {
	return v.objectV, v.Kind == KindObject
}
func (v Value) AsDateTime() (time.Time, bool) { return v.dateTimeV, v.Kind == KindDateTime }
func (v Value) AsJSON() (json.RawMessage, bool) { return v.jsonV, v.Kind == KindJSON }
func (v Value) AsReference() (string, bool)   { return v.refV, v.Kind == KindReference }

// jsonEnvelope is the wire form used by MarshalJSON/UnmarshalJSON so that
// Value round-trips through the operation and operation-log JSON encodings
// without losing its tag.
type jsonEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	env := jsonEnvelope{Kind: v.Kind.String()}
	var data interface{}
	switch v.Kind {
	case KindNull:
		return json.Marshal(env)
	case KindBool:
		data = v.boolV
	case KindInt64:
		data = v.int64V
	case KindFloat64:
		data = v.float64V
	case KindString:
		data = v.stringV
	case KindArray:
		data = v.arrayV
	case KindObject:
		data = v.objectV
	case KindDateTime:
		data = v.dateTimeV
	case KindJSON:
		env.Data = v.jsonV
		return json.Marshal(env)
	case KindReference:
		data = v.refV
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return json.Marshal(env)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(b []byte) error {
	var env jsonEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	switch env.Kind {
	case "null", "":
		*v = Null()
	case "bool":
		var x bool
		if err := json.Unmarshal(env.Data, &x); err != nil {
			return err
		}
		*v = Bool(x)
	case "int64":
		var x int64
		if err := json.Unmarshal(env.Data, &x); err != nil {
			return err
		}
		*v = Int64(x)
	case "float64":
		var x float64
		if err := json.Unmarshal(env.Data, &x); err != nil {
			return err
		}
		*v = Float64(x)
	case "string":
		var x string
		if err := json.Unmarshal(env.Data, &x); err != nil {
			return err
		}
		*v = String(x)
	case "array":
		var x []Value
		if err := json.Unmarshal(env.Data, &x); err != nil {
			return err
		}
		*v = Array(x)
	case "object":
		var x map[string]Value
		if err := json.Unmarshal(env.Data, &x); err != nil {
			return err
		}
		*v = Object(x)
	case "datetime":
		var x time.Time
		if err := json.Unmarshal(env.Data, &x); err != nil {
			return err
		}
		*v = DateTime(x)
	case "json":
		*v = JSON(env.Data)
	case "reference":
		var x string
		if err := json.Unmarshal(env.Data, &x); err != nil {
			return err
		}
		*v = Reference(x)
	default:
		return fmt.Errorf("value: unknown kind %q", env.Kind)
	}
	return nil
}

// Equal reports whether two Values hold the same kind and payload. Used by
// round-trip tests.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.boolV == b.boolV
	case KindInt64:
		return a.int64V == b.int64V
	case KindFloat64:
		return a.float64V == b.float64V
	case KindString:
		return a.stringV == b.stringV
	case KindDateTime:
		return a.dateTimeV.Equal(b.dateTimeV)
	case KindReference:
		return a.refV == b.refV
	case KindJSON:
		return string(a.jsonV) == string(b.jsonV)
	case KindArray:
		if len(a.arrayV) != len(b.arrayV) {
			return false
		}
		for i := range a.arrayV {
			if !Equal(a.arrayV[i], b.arrayV[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.objectV) != len(b.objectV) {
			return false
		}
		for k, av := range a.objectV {
			bv, ok := b.objectV[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}
