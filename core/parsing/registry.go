// Package parsing is the type-directed serialization registry.
//
// A Registry maps a Go type to exactly one Converter that turns a wire value
// (nil, bool, int64, float64, string, []any, map[string]any) into a value of
// that type and back. Lookup is by exact reflect.Type identity; a type with no
// converter fails with *fault.NoParserError. There is no fallback that tries
// other converters.
package parsing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/artpar/sop/core/fault"
)

// Converter converts between one Go type and its wire representation.
// Converters for composite types receive the registry so that they can
// delegate element conversion.
type Converter interface {
	Type() reflect.Type
	Parse(r *Registry, wire any) (reflect.Value, error)
	Serialize(r *Registry, v reflect.Value) (any, error)
}

// Registry is an append-only table of converters keyed by type.
type Registry struct {
	mu         sync.RWMutex
	converters map[reflect.Type]Converter
	order      []reflect.Type
}

// Default is the process-wide registry used when none is configured.
var Default = NewRegistry()

// NewRegistry creates a registry with the built-in converters installed.
func NewRegistry() *Registry {
	r := &Registry{converters: make(map[reflect.Type]Converter)}
	registerBuiltins(r)
	return r
}

// Register adds a converter. Registering a second converter for the same
// type is an error.
func (r *Registry) Register(c Converter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(c)
}

func (r *Registry) registerLocked(c Converter) error {
	t := c.Type()
	if _, exists := r.converters[t]; exists {
		return fmt.Errorf("parser for %s already registered", t)
	}
	r.converters[t] = c
	r.order = append(r.order, t)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(c Converter) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Lookup returns the converter registered for exactly t.
func (r *Registry) Lookup(t reflect.Type) (Converter, error) {
	if t == nil {
		return nil, &fault.NoParserError{Type: "<nil>"}
	}
	r.mu.RLock()
	c, ok := r.converters[t]
	r.mu.RUnlock()
	if !ok {
		return nil, &fault.NoParserError{Type: t.String()}
	}
	return c, nil
}

// Has reports whether a converter is registered for t.
func (r *Registry) Has(t reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.converters[t]
	return ok
}

// Types returns the registered types in registration order.
func (r *Registry) Types() []reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reflect.Type, len(r.order))
	copy(out, r.order)
	return out
}

// Parse converts a wire value into a value of type t.
func (r *Registry) Parse(t reflect.Type, wire any) (reflect.Value, error) {
	c, err := r.Lookup(t)
	if err != nil {
		return reflect.Value{}, err
	}
	return c.Parse(r, Normalize(wire))
}

// Serialize converts v into its wire value using the converter registered
// for v's dynamic type. A nil v serializes to nil.
func (r *Registry) Serialize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return r.SerializeValue(reflect.ValueOf(v))
}

// SerializeValue converts v into its wire value using the converter
// registered for v.Type().
func (r *Registry) SerializeValue(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	c, err := r.Lookup(v.Type())
	if err != nil {
		return nil, err
	}
	return c.Serialize(r, v)
}

// SerializeAs converts v using the converter registered for t. v must be
// assignable to t.
func (r *Registry) SerializeAs(t reflect.Type, v any) (any, error) {
	c, err := r.Lookup(t)
	if err != nil {
		return nil, err
	}
	rv := reflect.New(t).Elem()
	if v != nil {
		src := reflect.ValueOf(v)
		if !src.Type().AssignableTo(t) {
			return nil, &fault.ParseError{Type: t.String(), Value: v, Detail: "not assignable"}
		}
		rv.Set(src)
	}
	return c.Serialize(r, rv)
}

// Parse converts a wire value into a T using r.
func Parse[T any](r *Registry, wire any) (T, error) {
	var zero T
	rv, err := r.Parse(reflect.TypeFor[T](), wire)
	if err != nil {
		return zero, err
	}
	if !rv.IsValid() {
		return zero, nil
	}
	out, _ := rv.Interface().(T)
	return out, nil
}

// RegisterFunc registers a converter for T built from a pair of functions.
func RegisterFunc[T any](r *Registry, parse func(wire any) (T, error), serialize func(v T) (any, error)) error {
	return r.Register(&funcConverter[T]{parse: parse, serialize: serialize})
}

type funcConverter[T any] struct {
	parse     func(any) (T, error)
	serialize func(T) (any, error)
}

func (c *funcConverter[T]) Type() reflect.Type { return reflect.TypeFor[T]() }

func (c *funcConverter[T]) Parse(_ *Registry, wire any) (reflect.Value, error) {
	v, err := c.parse(wire)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(c.Type()).Elem()
	out.Set(reflect.ValueOf(&v).Elem())
	return out, nil
}

func (c *funcConverter[T]) Serialize(_ *Registry, v reflect.Value) (any, error) {
	t, _ := v.Interface().(T)
	return c.serialize(t)
}

// Normalize rewrites json.Number values (produced by decoders using
// UseNumber) into int64 or float64, recursing into sequences and maps.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		// An integer literal outside int64 falls through to float64, which
		// the integer converters reject as out of range.
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	}
	return v
}
