package parsing

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/artpar/sop/core/fault"
)

type point struct {
	X int     `json:"x"`
	Y float64 `json:"y"`
}

type shape struct {
	Name   string            `json:"name"`
	Points []point           `json:"points"`
	Tags   map[string]string `json:"tags,omitempty"`
	Parent *shape            `json:"parent"`
	Hidden string            `json:"-"`
	Label  string
}

func TestRoundTripBuiltins(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		val  any
	}{
		{"null", Null{}},
		{"int", 42},
		{"int negative", -7},
		{"int64", int64(1 << 40)},
		{"float", 3.25},
		{"bool true", true},
		{"bool false", false},
		{"string", "hello"},
		{"empty string", ""},
		{"sequence", []any{int64(1), "two", 3.5, nil, true}},
		{"map", map[string]any{"a": int64(1), "b": []any{"x"}}},
		{"strings", []string{"a", "b"}},
		{"time", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := r.Serialize(tt.val)
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			got, err := r.Parse(reflect.TypeOf(tt.val), wire)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !reflect.DeepEqual(got.Interface(), tt.val) {
				t.Errorf("round trip = %#v, want %#v", got.Interface(), tt.val)
			}
		})
	}
}

func TestRoundTripThroughJSON(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterStruct(reflect.TypeFor[shape]()); err != nil {
		t.Fatalf("RegisterStruct() error = %v", err)
	}

	in := shape{
		Name:   "tri",
		Points: []point{{1, 2.5}, {3, 4}},
		Tags:   map[string]string{"k": "v"},
		Parent: &shape{Name: "root", Points: []point{}},
		Label:  "l",
	}

	wire, err := r.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decoded any
	dec := json.NewDecoder(bytesReader(data))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	out, err := Parse[shape](r, decoded)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestStructWireNames(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterStruct(reflect.TypeFor[shape]()); err != nil {
		t.Fatalf("RegisterStruct() error = %v", err)
	}

	fields, err := r.Fields(reflect.TypeFor[shape]())
	if err != nil {
		t.Fatalf("Fields() error = %v", err)
	}

	var names []string
	for _, f := range fields {
		names = append(names, f.Name)
	}
	want := []string{"name", "points", "tags", "parent", "label"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("field names = %v, want %v", names, want)
	}
}

func TestParseStructValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterStruct(reflect.TypeFor[point]()); err != nil {
		t.Fatalf("RegisterStruct() error = %v", err)
	}

	tests := []struct {
		name      string
		wire      any
		wantField string
	}{
		{"missing field", map[string]any{"x": int64(1)}, "y"},
		{"extra field", map[string]any{"x": int64(1), "y": 2.0, "z": 3.0}, "z"},
		{"mistyped field", map[string]any{"x": "one", "y": 2.0}, "x"},
		{"fractional int", map[string]any{"x": 1.5, "y": 2.0}, "x"},
		{"not an object", []any{1, 2}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse[point](r, tt.wire)
			var ve *fault.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Parse() error = %v, want ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestParseShapeMismatch(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		typ  reflect.Type
		wire any
	}{
		{"string as int", intType, "1"},
		{"int as bool", boolType, int64(1)},
		{"number as string", stringType, 1.0},
		{"value as null", nullType, "x"},
		{"map as sequence", seqType, map[string]any{}},
		{"bad time", timeType, "yesterday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Parse(tt.typ, tt.wire)
			var pe *fault.ParseError
			if !errors.As(err, &pe) {
				t.Errorf("Parse() error = %v, want ParseError", err)
			}
		})
	}
}

func TestParseAcceptsJSONNumbers(t *testing.T) {
	r := NewRegistry()

	n, err := Parse[int](r, json.Number("12"))
	if err != nil || n != 12 {
		t.Errorf("Parse[int]() = %d, %v", n, err)
	}
	f, err := Parse[float64](r, json.Number("2"))
	if err != nil || f != 2 {
		t.Errorf("Parse[float64]() = %v, %v", f, err)
	}
	i, err := Parse[int](r, 4.0)
	if err != nil || i != 4 {
		t.Errorf("Parse[int](4.0) = %d, %v", i, err)
	}
}

func TestParseIntegerOutOfRange(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		typ  reflect.Type
		wire any
	}{
		{"json number past max int64", int64Type, json.Number("9223372036854775808")},
		{"json number below min int64", int64Type, json.Number("-9223372036854775809")},
		{"large float", int64Type, float64(1e20)},
		{"large negative float", intType, float64(-1e20)},
		{"two to the 63", intType, math.Pow(2, 63)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.Parse(tt.typ, tt.wire)
			var pe *fault.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse() = %v, %v, want ParseError", v, err)
			}
		})
	}

	lo, err := Parse[int64](r, json.Number("-9223372036854775808"))
	if err != nil || lo != math.MinInt64 {
		t.Errorf("Parse[int64](min) = %d, %v", lo, err)
	}
	hi, err := Parse[int64](r, json.Number("9223372036854775807"))
	if err != nil || hi != math.MaxInt64 {
		t.Errorf("Parse[int64](max) = %d, %v", hi, err)
	}
}

func TestNoParser(t *testing.T) {
	r := NewRegistry()

	type unknown struct{ A int }
	_, err := r.Parse(reflect.TypeFor[unknown](), map[string]any{"a": 1})
	var npe *fault.NoParserError
	if !errors.As(err, &npe) {
		t.Fatalf("Parse() error = %v, want NoParserError", err)
	}

	// No structural fallback: a registered type with the same shape does not match.
	type twin struct{ A int }
	if err := r.RegisterStruct(reflect.TypeFor[twin]()); err != nil {
		t.Fatalf("RegisterStruct() error = %v", err)
	}
	if _, err := r.Parse(reflect.TypeFor[unknown](), map[string]any{"a": 1}); !errors.As(err, &npe) {
		t.Errorf("Parse() after registering twin error = %v, want NoParserError", err)
	}

	if _, err := r.Serialize(uint8(1)); !errors.As(err, &npe) {
		t.Errorf("Serialize(uint8) error = %v, want NoParserError", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(SliceOf(stringType)); err == nil {
		t.Error("Register() duplicate should fail")
	}
	if err := r.RegisterStruct(reflect.TypeFor[point]()); err != nil {
		t.Fatalf("RegisterStruct() error = %v", err)
	}
	if err := r.RegisterStruct(reflect.TypeFor[point]()); err != nil {
		t.Errorf("RegisterStruct() second call error = %v, want nil", err)
	}
	if !r.Has(reflect.TypeFor[*point]()) {
		t.Error("RegisterStruct() should also register the pointer type")
	}
}

func TestRegisterStructUnsupportedField(t *testing.T) {
	r := NewRegistry()

	type withChan struct{ C chan int }
	if err := r.RegisterStruct(reflect.TypeFor[withChan]()); err == nil {
		t.Fatal("RegisterStruct() with chan field should fail")
	}
	if r.Has(reflect.TypeFor[withChan]()) {
		t.Error("failed registration should not leave a converter behind")
	}
}

type celsius float64

func TestRegisterFunc(t *testing.T) {
	r := NewRegistry()

	err := RegisterFunc(r,
		func(wire any) (celsius, error) {
			f, ok := wire.(float64)
			if !ok {
				return 0, &fault.ParseError{Type: "celsius", Value: wire}
			}
			return celsius(f), nil
		},
		func(v celsius) (any, error) { return float64(v), nil },
	)
	if err != nil {
		t.Fatalf("RegisterFunc() error = %v", err)
	}

	wire, err := r.Serialize(celsius(21.5))
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	got, err := Parse[celsius](r, wire)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got != 21.5 {
		t.Errorf("Parse() = %v, want 21.5", got)
	}
}

func TestSerializeSequenceOfStructs(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterStruct(reflect.TypeFor[point]()); err != nil {
		t.Fatalf("RegisterStruct() error = %v", err)
	}

	wire, err := r.Serialize([]any{point{X: 1, Y: 2}, 3})
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	want := []any{map[string]any{"x": int64(1), "y": 2.0}, int64(3)}
	if !reflect.DeepEqual(wire, want) {
		t.Errorf("Serialize() = %#v, want %#v", wire, want)
	}
}
