// Package rpc resolves remote calls against entity types and instances.
//
// A call is the triple (method, args, kwds). It is dispatched in one of
// three modes: against a type (class), against a resident instance
// (instance), or against an instance fetched by id while handling the call
// (indexed). Arguments are bound to the method's parameters by position and
// then by name, converted with the parsing registry, and the result is
// serialized with the converter of the method's declared result type.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/sop/core/entity"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
)

// Dispatch modes.
const (
	ModeClass    = "class"
	ModeInstance = "instance"
	ModeIndexed  = "indexed"
)

// Call is the wire form of a remote call.
type Call struct {
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwds   map[string]any `json:"kwds"`

	// Verb is the HTTP verb the call is sent with. It is not serialized.
	Verb string `json:"-"`
}

// ErrorBody is the wire form of a failed call.
type ErrorBody struct {
	Kind    string `json:"error_kind"`
	Message string `json:"message"`
}

// ErrorFor builds the error body for err.
func ErrorFor(err error) ErrorBody {
	return ErrorBody{Kind: fault.Kind(err), Message: err.Error()}
}

// Observer is notified after every dispatch.
type Observer interface {
	ObserveDispatch(typeName, method, mode string, d time.Duration, err error)
}

// Dispatcher executes calls.
type Dispatcher struct {
	logger   zerolog.Logger
	observer Observer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver sets the dispatch observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchClass calls a class method of t.
func (d *Dispatcher) DispatchClass(ctx context.Context, t *entity.Type, call Call) (result any, err error) {
	defer d.observe(time.Now(), t.Name(), call.Method, ModeClass, &err)

	m, ok := t.ClassMethodByName(call.Method)
	if !ok {
		return nil, &fault.UnsupportedMethodError{Target: t.Name(), Method: call.Method}
	}
	if err := t.CheckMethod(ctx, call.Method, nil); err != nil {
		return nil, err
	}
	return d.invoke(ctx, t.Registry(), m, t, call)
}

// DispatchInstance calls an instance method of inst.
func (d *Dispatcher) DispatchInstance(ctx context.Context, inst *entity.Instance, call Call) (result any, err error) {
	defer d.observe(time.Now(), inst.Type().Name(), call.Method, ModeInstance, &err)
	return d.dispatchInstance(ctx, inst, call)
}

// DispatchIndexed fetches id and calls an instance method on it. The fetch
// is subject to the type's getById restriction.
func (d *Dispatcher) DispatchIndexed(ctx context.Context, t *entity.Type, id string, call Call) (result any, err error) {
	defer d.observe(time.Now(), t.Name(), call.Method, ModeIndexed, &err)

	if err := t.CheckMethod(ctx, entity.OpGetByID, nil); err != nil {
		return nil, err
	}
	inst, err := t.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.dispatchInstance(ctx, inst, call)
}

func (d *Dispatcher) dispatchInstance(ctx context.Context, inst *entity.Instance, call Call) (any, error) {
	t := inst.Type()
	m, ok := t.InstanceMethodByName(call.Method)
	if !ok {
		return nil, &fault.UnsupportedMethodError{Target: inst.GUID(), Method: call.Method}
	}
	if err := t.CheckMethod(ctx, call.Method, inst); err != nil {
		return nil, err
	}
	return d.invoke(ctx, t.Registry(), m, inst, call)
}

func (d *Dispatcher) invoke(ctx context.Context, reg *parsing.Registry, m *entity.Method, recv any, call Call) (any, error) {
	args, err := Bind(reg, m, call.Args, call.Kwds)
	if err != nil {
		return nil, err
	}
	out, err := m.Invoke(ctx, recv, args)
	if err != nil {
		return nil, err
	}
	if m.Out == nil {
		return nil, nil
	}
	c, err := reg.Lookup(m.Out)
	if err != nil {
		return nil, fmt.Errorf("%s result: %w", m.Name, err)
	}
	return c.Serialize(reg, out)
}

func (d *Dispatcher) observe(start time.Time, typeName, method, mode string, errp *error) {
	dur := time.Since(start)
	err := *errp
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("type", typeName).
			Str("method", method).
			Str("mode", mode).
			Msg("rpc dispatch failed")
	} else {
		d.logger.Debug().
			Str("type", typeName).
			Str("method", method).
			Str("mode", mode).
			Dur("duration", dur).
			Msg("rpc dispatch")
	}
	if d.observer != nil {
		d.observer.ObserveDispatch(typeName, method, mode, dur, err)
	}
}

// Bind matches positional and keyword arguments to m's parameters and
// converts each to the parameter's type.
func Bind(reg *parsing.Registry, m *entity.Method, args []any, kwds map[string]any) ([]reflect.Value, error) {
	n := len(m.In)
	if len(args) > n {
		return nil, &fault.ValidationError{
			Type:   m.Name,
			Detail: fmt.Sprintf("takes %d arguments but %d were given", n, len(args)),
		}
	}

	values := make([]any, n)
	set := make([]bool, n)
	for i, a := range args {
		values[i] = a
		set[i] = true
	}

	index := make(map[string]int, n)
	for i, p := range m.Params {
		if i != m.Rest {
			index[p] = i
		}
	}

	names := make([]string, 0, len(kwds))
	for k := range kwds {
		names = append(names, k)
	}
	sort.Strings(names)

	var rest map[string]any
	for _, k := range names {
		if i, ok := index[k]; ok {
			if set[i] {
				return nil, &fault.ValidationError{Type: m.Name, Field: k, Detail: "got multiple values for argument"}
			}
			values[i] = kwds[k]
			set[i] = true
			continue
		}
		if m.Rest < 0 {
			return nil, &fault.ValidationError{Type: m.Name, Field: k, Detail: "unexpected keyword argument"}
		}
		if rest == nil {
			rest = make(map[string]any)
		}
		rest[k] = kwds[k]
	}

	if m.Rest >= 0 {
		if !set[m.Rest] {
			if rest == nil {
				rest = map[string]any{}
			}
			values[m.Rest] = rest
			set[m.Rest] = true
		} else if len(rest) > 0 {
			given, ok := values[m.Rest].(map[string]any)
			if !ok {
				return nil, &fault.ValidationError{Type: m.Name, Field: m.Params[m.Rest], Detail: "expected an object"}
			}
			merged := make(map[string]any, len(given)+len(rest))
			for k, v := range given {
				merged[k] = v
			}
			for k, v := range rest {
				merged[k] = v
			}
			values[m.Rest] = merged
		}
	}

	out := make([]reflect.Value, n)
	for i := range values {
		if !set[i] {
			return nil, &fault.ValidationError{Type: m.Name, Field: m.Params[i], Detail: "missing argument"}
		}
		v, err := reg.Parse(m.In[i], values[i])
		if err != nil {
			var ve *fault.ValidationError
			if errors.As(err, &ve) && ve.Field != "" {
				return nil, err
			}
			return nil, &fault.ValidationError{Type: m.Name, Field: m.Params[i], Err: err}
		}
		out[i] = v
	}
	return out, nil
}
