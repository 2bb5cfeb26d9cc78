package parsing

import (
	"math"
	"reflect"
	"time"

	"github.com/artpar/sop/core/fault"
)

// Null is the Go type of the wire null.
type Null struct{}

var (
	nullType   = reflect.TypeFor[Null]()
	intType    = reflect.TypeFor[int]()
	int64Type  = reflect.TypeFor[int64]()
	floatType  = reflect.TypeFor[float64]()
	boolType   = reflect.TypeFor[bool]()
	stringType = reflect.TypeFor[string]()
	seqType    = reflect.TypeFor[[]any]()
	mapType    = reflect.TypeFor[map[string]any]()
	anyType    = reflect.TypeFor[any]()
	timeType   = reflect.TypeFor[time.Time]()
)

func registerBuiltins(r *Registry) {
	for _, c := range []Converter{
		scalar{t: nullType, parse: parseNull, serialize: func(reflect.Value) any { return nil }},
		scalar{t: intType, parse: parseInt, serialize: func(v reflect.Value) any { return v.Int() }},
		scalar{t: int64Type, parse: parseInt, serialize: func(v reflect.Value) any { return v.Int() }},
		scalar{t: floatType, parse: parseFloat, serialize: func(v reflect.Value) any { return v.Float() }},
		scalar{t: boolType, parse: parseBool, serialize: func(v reflect.Value) any { return v.Bool() }},
		scalar{t: stringType, parse: parseString, serialize: func(v reflect.Value) any { return v.String() }},
		scalar{t: timeType, parse: parseTime, serialize: serializeTime},
		passthrough{t: anyType},
		passthrough{t: seqType},
		passthrough{t: mapType},
		SliceOf(stringType),
	} {
		if err := r.registerLocked(c); err != nil {
			panic(err)
		}
	}
}

// scalar converts a single wire scalar.
type scalar struct {
	t         reflect.Type
	parse     func(t reflect.Type, wire any) (any, error)
	serialize func(v reflect.Value) any
}

func (s scalar) Type() reflect.Type { return s.t }

func (s scalar) Parse(_ *Registry, wire any) (reflect.Value, error) {
	v, err := s.parse(s.t, wire)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(s.t).Elem()
	out.Set(reflect.ValueOf(v).Convert(s.t))
	return out, nil
}

func (s scalar) Serialize(_ *Registry, v reflect.Value) (any, error) {
	return s.serialize(v), nil
}

func parseNull(t reflect.Type, wire any) (any, error) {
	if wire != nil {
		return nil, &fault.ParseError{Type: "null", Value: wire}
	}
	return Null{}, nil
}

func parseInt(t reflect.Type, wire any) (any, error) {
	var i int64
	switch v := wire.(type) {
	case int64:
		i = v
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, &fault.ParseError{Type: t.String(), Value: wire, Detail: "not an integer"}
		}
		if v < -(1<<63) || v >= 1<<63 {
			return nil, &fault.ParseError{Type: t.String(), Value: wire, Detail: "integer out of range"}
		}
		i = int64(v)
	default:
		return nil, &fault.ParseError{Type: t.String(), Value: wire}
	}
	if reflect.Zero(t).OverflowInt(i) {
		return nil, &fault.ParseError{Type: t.String(), Value: wire, Detail: "integer out of range"}
	}
	return i, nil
}

func parseFloat(t reflect.Type, wire any) (any, error) {
	switch v := wire.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	return nil, &fault.ParseError{Type: t.String(), Value: wire}
}

func parseBool(t reflect.Type, wire any) (any, error) {
	if v, ok := wire.(bool); ok {
		return v, nil
	}
	return nil, &fault.ParseError{Type: t.String(), Value: wire}
}

func parseString(t reflect.Type, wire any) (any, error) {
	if v, ok := wire.(string); ok {
		return v, nil
	}
	return nil, &fault.ParseError{Type: t.String(), Value: wire}
}

func parseTime(t reflect.Type, wire any) (any, error) {
	s, ok := wire.(string)
	if !ok {
		return nil, &fault.ParseError{Type: t.String(), Value: wire}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, &fault.ParseError{Type: t.String(), Value: wire, Detail: err.Error()}
	}
	return ts, nil
}

func serializeTime(v reflect.Value) any {
	return v.Interface().(time.Time).UTC().Format(time.RFC3339Nano)
}

// passthrough accepts any wire value whose Go shape already matches t.
type passthrough struct{ t reflect.Type }

func (p passthrough) Type() reflect.Type { return p.t }

func (p passthrough) Parse(_ *Registry, wire any) (reflect.Value, error) {
	out := reflect.New(p.t).Elem()
	if wire == nil {
		return out, nil
	}
	v := reflect.ValueOf(wire)
	if !v.Type().AssignableTo(p.t) {
		return reflect.Value{}, &fault.ParseError{Type: p.t.String(), Value: wire}
	}
	out.Set(v)
	return out, nil
}

func (p passthrough) Serialize(r *Registry, v reflect.Value) (any, error) {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	return r.toWire(v.Interface())
}

// toWire normalizes a loosely typed value into a wire value. Values that are
// not already wire shaped are serialized by their registered converter.
func (r *Registry) toWire(x any) (any, error) {
	switch v := Normalize(x).(type) {
	case nil, bool, int64, float64, string:
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			w, err := r.toWire(e)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			w, err := r.toWire(e)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	default:
		return r.Serialize(v)
	}
}
