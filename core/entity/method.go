package entity

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

var (
	ctxType      = reflect.TypeFor[context.Context]()
	errorType    = reflect.TypeFor[error]()
	typePtrType  = reflect.TypeFor[*Type]()
	instancePtrT = reflect.TypeFor[*Instance]()
)

// Method is a callable operation of a type or of its instances.
//
// A class method has the signature
//
//	func(ctx context.Context, t *Type, args...) (R, error)
//
// and an instance method
//
//	func(ctx context.Context, inst *Instance, args...) (R, error)
//
// Either may return only error. Params names the arguments for keyword
// binding. A final parameter named "...name" of type Record collects every
// keyword argument not bound by name.
type Method struct {
	Name     string
	Params   []string
	In       []reflect.Type
	Out      reflect.Type
	Instance bool

	// Rest is the index of the keyword-collecting parameter, or -1.
	Rest int

	fn reflect.Value
}

func newMethod(name string, fn any, recv reflect.Type, params []string) (*Method, error) {
	if name == "" {
		return nil, fmt.Errorf("method name is empty")
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("method %s: not a function", name)
	}
	ft := v.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("method %s: variadic functions are not supported", name)
	}
	if ft.NumIn() < 2 || ft.In(0) != ctxType || ft.In(1) != recv {
		return nil, fmt.Errorf("method %s: signature must start with (context.Context, %s)", name, recv)
	}

	m := &Method{Name: name, fn: v, Rest: -1, Instance: recv == instancePtrT}
	switch ft.NumOut() {
	case 1:
		if ft.Out(0) != errorType {
			return nil, fmt.Errorf("method %s: single result must be error", name)
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("method %s: second result must be error", name)
		}
		m.Out = ft.Out(0)
	default:
		return nil, fmt.Errorf("method %s: must return (R, error) or error", name)
	}

	for i := 2; i < ft.NumIn(); i++ {
		m.In = append(m.In, ft.In(i))
	}
	if len(params) == 0 {
		for i := range m.In {
			params = append(params, fmt.Sprintf("arg%d", i))
		}
	}
	if len(params) != len(m.In) {
		return nil, fmt.Errorf("method %s: %d parameter names for %d arguments", name, len(params), len(m.In))
	}
	for i, p := range params {
		if rest, ok := strings.CutPrefix(p, "..."); ok {
			if i != len(params)-1 {
				return nil, fmt.Errorf("method %s: %s must be the last parameter", name, p)
			}
			if m.In[i] != recordType && m.In[i] != reflect.TypeFor[map[string]any]() {
				return nil, fmt.Errorf("method %s: %s must be a Record", name, p)
			}
			m.Rest = i
			p = rest
		}
		m.Params = append(m.Params, p)
	}
	return m, nil
}

// Invoke calls the method on recv (a *Type or *Instance) with already
// converted arguments. The result is invalid when the method returns only
// error.
func (m *Method) Invoke(ctx context.Context, recv any, args []reflect.Value) (reflect.Value, error) {
	if len(args) != len(m.In) {
		return reflect.Value{}, fmt.Errorf("method %s: got %d arguments, want %d", m.Name, len(args), len(m.In))
	}
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, reflect.ValueOf(ctx), reflect.ValueOf(recv))
	in = append(in, args...)

	out := m.fn.Call(in)
	errVal := out[len(out)-1]
	var err error
	if !errVal.IsNil() {
		err = errVal.Interface().(error)
	}
	if m.Out == nil {
		return reflect.Value{}, err
	}
	return out[0], err
}

// ClassMethod registers a class-level method. Re-registering a name
// replaces the previous method.
func (t *Type) ClassMethod(name string, fn any, params ...string) error {
	m, err := newMethod(name, fn, typePtrType, params)
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.classMethods[name] = m
	return nil
}

// InstanceMethod registers an instance-level method.
func (t *Type) InstanceMethod(name string, fn any, params ...string) error {
	m, err := newMethod(name, fn, instancePtrT, params)
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instMethods[name] = m
	return nil
}

// ClassMethodByName finds a class method on t, then on its parents depth
// first in declaration order.
func (t *Type) ClassMethodByName(name string) (*Method, bool) {
	return t.findMethod(name, false)
}

// InstanceMethodByName finds an instance method on t or its parents.
func (t *Type) InstanceMethodByName(name string) (*Method, bool) {
	return t.findMethod(name, true)
}

func (t *Type) findMethod(name string, instance bool) (*Method, bool) {
	t.mu.RLock()
	table := t.classMethods
	if instance {
		table = t.instMethods
	}
	m, ok := table[name]
	t.mu.RUnlock()
	if ok {
		return m, true
	}
	for _, p := range t.parents {
		if m, ok := p.findMethod(name, instance); ok {
			return m, true
		}
	}
	return nil, false
}

// ClassMethods returns the names of every class method visible on t, sorted.
func (t *Type) ClassMethods() []string {
	return t.methodNames(false)
}

// InstanceMethods returns the names of every instance method visible on t.
func (t *Type) InstanceMethods() []string {
	return t.methodNames(true)
}

func (t *Type) methodNames(instance bool) []string {
	seen := make(map[string]bool)
	var walk func(*Type)
	walk = func(x *Type) {
		x.mu.RLock()
		table := x.classMethods
		if instance {
			table = x.instMethods
		}
		for n := range table {
			seen[n] = true
		}
		x.mu.RUnlock()
		for _, p := range x.parents {
			walk(p)
		}
	}
	walk(t)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
