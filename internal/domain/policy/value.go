package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind identifies the scalar type held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindBool
	KindNumber
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	}
	return "invalid"
}

// Value is a request attribute. Only strings, booleans and numbers are
// representable; constraint matching compares them by kind and value.
type Value struct {
	kind Kind
	s    string
	b    bool
	n    float64
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric Value. NaN and the infinities have no JSON
// form, so they yield the invalid zero Value.
func Number(n float64) Value {
	if !finite(n) {
		return Value{}
	}
	return Value{kind: KindNumber, n: n}
}

func finite(n float64) bool { return !math.IsNaN(n) && !math.IsInf(n, 0) }

// Int returns a numeric Value from an integer.
func Int(n int) Value { return Number(float64(n)) }

// Kind reports the scalar type of v.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Boolean returns the bool payload and whether v is a bool.
func (v Value) Boolean() (b, ok bool) { return v.b, v.kind == KindBool }

// Num returns the numeric payload and whether v is a number.
func (v Value) Num() (float64, bool) { return v.n, v.kind == KindNumber }

// Equal reports whether v and o have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	}
	return "<invalid>"
}

// MarshalJSON encodes v as a plain JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	}
	return nil, fmt.Errorf("marshal invalid value")
}

// UnmarshalJSON accepts a JSON string, boolean or number.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = String(x)
	case bool:
		*v = Bool(x)
	case float64:
		*v = Number(x)
	default:
		return fmt.Errorf("unsupported context value %s", data)
	}
	return nil
}

// UnmarshalYAML accepts a YAML scalar. Mappings and sequences are rejected.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: context value must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = Bool(b)
	case "!!int", "!!float":
		var n float64
		if err := node.Decode(&n); err != nil {
			return err
		}
		if !finite(n) {
			return fmt.Errorf("line %d: non-finite number %s", node.Line, node.Value)
		}
		*v = Number(n)
	case "!!str":
		*v = String(node.Value)
	default:
		return fmt.Errorf("line %d: unsupported value tag %s", node.Line, node.ShortTag())
	}
	return nil
}

// Context maps request attribute names to scalar values.
type Context map[string]Value

// Clone returns a copy of c. A nil Context clones to nil.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Satisfies reports whether every key in required is present in c with
// an equal value. Keys of c not named by required are ignored.
func (c Context) Satisfies(required Context) bool {
	for k, want := range required {
		got, ok := c[k]
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}

// ParseValue infers a Value from its textual form: "true" and "false"
// become booleans, finite numbers strconv.ParseFloat accepts become
// numbers, and everything else stays a string. "inf" and "nan" are strings.
func ParseValue(s string) Value {
	switch s {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && finite(n) {
		return Number(n)
	}
	return String(s)
}
