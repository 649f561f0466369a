// Package metadata holds the typed key/value data attached to positions, links
// and lineages.
package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindList
)

var kindNames = map[Kind]string{
	KindString: "string",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindList:   "list",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

func parseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown metadata kind %q", s)
}

// Value is a closed tagged union: a string, integer, float, boolean, or a list
// of values. The zero Value is invalid and is never stored in a Document.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	list []Value
}

// String returns a string Value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a float Value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// List returns a list Value. The slice is copied.
func List(v ...Value) Value { return Value{kind: KindList, list: slices.Clone(v)} }

// Kind returns the kind tag.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds one of the known kinds.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsFloat returns the value as a float. Integers are converted.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsList returns a copy of the list elements.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return slices.Clone(v.list), true
}

// Equal compares kind and content. Floats compare by bits, so NaN equals NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindBool:
		return v.b == o.b
	case KindList:
		return slices.EqualFunc(v.list, o.list, Value.Equal)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return "<invalid>"
}

func (v Value) clone() Value {
	if v.kind == KindList {
		v.list = slices.Clone(v.list)
		for i := range v.list {
			v.list[i] = v.list[i].clone()
		}
	}
	return v
}

type wireValue struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON writes {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindString:
		payload = v.s
	case KindInt:
		payload = v.i
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("metadata float %g cannot be stored", v.f)
		}
		payload = v.f
	case KindBool:
		payload = v.b
	case KindList:
		list := v.list
		if list == nil {
			list = []Value{}
		}
		payload = list
	default:
		return nil, fmt.Errorf("cannot marshal invalid metadata value")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind.String(), Value: raw})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := parseKind(w.Kind)
	if err != nil {
		return err
	}
	out := Value{kind: kind}
	switch kind {
	case KindString:
		err = json.Unmarshal(w.Value, &out.s)
	case KindInt:
		err = json.Unmarshal(w.Value, &out.i)
	case KindFloat:
		err = json.Unmarshal(w.Value, &out.f)
	case KindBool:
		err = json.Unmarshal(w.Value, &out.b)
	case KindList:
		err = json.Unmarshal(w.Value, &out.list)
	}
	if err != nil {
		return fmt.Errorf("metadata %s value: %w", w.Kind, err)
	}
	*v = out
	return nil
}

// FromAny converts a plain Go value, as produced by encoding/json or written by
// hand, into a Value.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		if !x.IsValid() {
			return Value{}, fmt.Errorf("invalid metadata value")
		}
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float32:
		return FromAny(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, fmt.Errorf("metadata float %g is not finite", x)
		}
		return Float(x), nil
	case []Value:
		return List(x...), nil
	case []string:
		list := make([]Value, len(x))
		for i := range x {
			list[i] = String(x[i])
		}
		return Value{kind: KindList, list: list}, nil
	case []float64:
		list := make([]Value, len(x))
		for i := range x {
			list[i] = Float(x[i])
		}
		return Value{kind: KindList, list: list}, nil
	case []any:
		list := make([]Value, len(x))
		for i := range x {
			e, err := FromAny(x[i])
			if err != nil {
				return Value{}, err
			}
			list[i] = e
		}
		return Value{kind: KindList, list: list}, nil
	default:
		return Value{}, fmt.Errorf("unsupported metadata value type %T", v)
	}
}
