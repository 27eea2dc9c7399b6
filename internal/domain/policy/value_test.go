package policy

import (
	"encoding/json"
	"math"
	"testing"
)

func TestValueEqual(t *testing.T) {
	tests := []struct {
		a, b Value
		want bool
	}{
		{String("dev"), String("dev"), true},
		{String("dev"), String("prod"), false},
		{Bool(true), Bool(true), true},
		{Bool(true), String("true"), false},
		{Int(3), Number(3.0), true},
		{Number(1), Bool(true), false},
		{Value{}, Value{}, true},
	}
	for _, tt := range tests {
		if got := tt.a.Equal(tt.b); got != tt.want {
			t.Errorf("%v(%s).Equal(%v(%s)) = %v, want %v", tt.a, tt.a.Kind(), tt.b, tt.b.Kind(), got, tt.want)
		}
	}
}

func TestContextJSON(t *testing.T) {
	in := Context{"env": String("dev"), "destructive": Bool(false), "replicas": Int(3)}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"destructive":false,"env":"dev","replicas":3}` {
		t.Fatalf("marshal = %s", data)
	}

	var out Context
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Satisfies(in) || !in.Satisfies(out) {
		t.Fatalf("unmarshal = %v, want %v", out, in)
	}
}

func TestContextJSONRejectsNested(t *testing.T) {
	for _, doc := range []string{`{"a":null}`, `{"a":[1]}`, `{"a":{"b":1}}`} {
		var c Context
		if err := json.Unmarshal([]byte(doc), &c); err == nil {
			t.Errorf("Unmarshal(%s) succeeded, want error", doc)
		}
	}
}

func TestMarshalInvalidValue(t *testing.T) {
	if _, err := json.Marshal(Context{"a": {}}); err == nil {
		t.Fatal("expected error marshalling untyped value")
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"true", Bool(true)},
		{"false", Bool(false)},
		{"TRUE", String("TRUE")},
		{"42", Int(42)},
		{"1.5", Number(1.5)},
		{"prod", String("prod")},
		{"", String("")},
		{"inf", String("inf")},
		{"-inf", String("-inf")},
		{"Infinity", String("Infinity")},
		{"nan", String("nan")},
		{"NaN", String("NaN")},
		{"1e400", String("1e400")},
		{"-0.25", Number(-0.25)},
	}
	for _, tt := range tests {
		if got := ParseValue(tt.in); !got.Equal(tt.want) {
			t.Errorf("ParseValue(%q) = %v (%s), want %v (%s)", tt.in, got, got.Kind(), tt.want, tt.want.Kind())
		}
	}
}

func TestContextClone(t *testing.T) {
	var nilCtx Context
	if nilCtx.Clone() != nil {
		t.Error("nil clone should be nil")
	}
	c := Context{"a": String("x")}
	cl := c.Clone()
	cl["a"] = String("y")
	if s, _ := c["a"].Str(); s != "x" {
		t.Errorf("clone aliases original: %s", s)
	}
}

func TestNumberRejectsNonFinite(t *testing.T) {
	for _, n := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		v := Number(n)
		if v.Kind() != KindInvalid {
			t.Errorf("Number(%v).Kind() = %s, want invalid", n, v.Kind())
		}
		if _, err := json.Marshal(Context{"x": v}); err == nil {
			t.Errorf("marshal Number(%v) succeeded", n)
		}
	}
}

func TestParsedContextMarshals(t *testing.T) {
	c := Context{}
	for _, s := range []string{"inf", "nan", "-Infinity", "3"} {
		c[s] = ParseValue(s)
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"-Infinity":"-Infinity","3":3,"inf":"inf","nan":"nan"}` {
		t.Errorf("marshal = %s", data)
	}
}
