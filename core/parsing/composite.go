package parsing

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/artpar/sop/core/convention"
	"github.com/artpar/sop/core/fault"
)

// SliceOf returns a converter for []elem that delegates each element to the
// converter registered for elem.
func SliceOf(elem reflect.Type) Converter {
	return sliceConverter{t: reflect.SliceOf(elem)}
}

type sliceConverter struct{ t reflect.Type }

func (c sliceConverter) Type() reflect.Type { return c.t }

func (c sliceConverter) Parse(r *Registry, wire any) (reflect.Value, error) {
	if wire == nil {
		return reflect.Zero(c.t), nil
	}
	items, ok := wire.([]any)
	if !ok {
		return reflect.Value{}, &fault.ParseError{Type: c.t.String(), Value: wire}
	}
	out := reflect.MakeSlice(c.t, len(items), len(items))
	for i, item := range items {
		v, err := r.Parse(c.t.Elem(), item)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
		}
		out.Index(i).Set(v)
	}
	return out, nil
}

func (c sliceConverter) Serialize(r *Registry, v reflect.Value) (any, error) {
	if v.IsNil() {
		return nil, nil
	}
	out := make([]any, v.Len())
	for i := range out {
		w, err := r.serializeElem(c.t.Elem(), v.Index(i))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = w
	}
	return out, nil
}

// MapOf returns a converter for map[string]elem.
func MapOf(elem reflect.Type) Converter {
	return mapConverter{t: reflect.MapOf(stringType, elem)}
}

type mapConverter struct{ t reflect.Type }

func (c mapConverter) Type() reflect.Type { return c.t }

func (c mapConverter) Parse(r *Registry, wire any) (reflect.Value, error) {
	if wire == nil {
		return reflect.Zero(c.t), nil
	}
	m, ok := wire.(map[string]any)
	if !ok {
		return reflect.Value{}, &fault.ParseError{Type: c.t.String(), Value: wire}
	}
	out := reflect.MakeMapWithSize(c.t, len(m))
	for k, item := range m {
		v, err := r.Parse(c.t.Elem(), item)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("key %q: %w", k, err)
		}
		out.SetMapIndex(reflect.ValueOf(k), v)
	}
	return out, nil
}

func (c mapConverter) Serialize(r *Registry, v reflect.Value) (any, error) {
	if v.IsNil() {
		return nil, nil
	}
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		w, err := r.serializeElem(c.t.Elem(), iter.Value())
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", iter.Key().String(), err)
		}
		out[iter.Key().String()] = w
	}
	return out, nil
}

// serializeElem serializes an element of a declared container type. Elements
// of interface type are serialized by their dynamic type.
func (r *Registry) serializeElem(declared reflect.Type, v reflect.Value) (any, error) {
	if declared.Kind() == reflect.Interface && declared != anyType {
		if v.IsNil() {
			return nil, nil
		}
		return r.SerializeValue(v.Elem())
	}
	c, err := r.Lookup(declared)
	if err != nil {
		return nil, err
	}
	return c.Serialize(r, v)
}

// pointerConverter converts *T by delegating to T. A wire null parses to a
// nil pointer.
type pointerConverter struct{ t reflect.Type }

func (c pointerConverter) Type() reflect.Type { return c.t }

func (c pointerConverter) Parse(r *Registry, wire any) (reflect.Value, error) {
	if wire == nil {
		return reflect.Zero(c.t), nil
	}
	v, err := r.Parse(c.t.Elem(), wire)
	if err != nil {
		return reflect.Value{}, err
	}
	p := reflect.New(c.t.Elem())
	p.Elem().Set(v)
	return p, nil
}

func (c pointerConverter) Serialize(r *Registry, v reflect.Value) (any, error) {
	if v.IsNil() {
		return nil, nil
	}
	return r.SerializeValue(v.Elem())
}

// StructField describes one wire field of a registered struct type.
type StructField struct {
	Name     string
	GoName   string
	Type     reflect.Type
	Optional bool
	index    []int
}

type structConverter struct {
	t      reflect.Type
	fields []StructField
	byName map[string]int
}

func (c *structConverter) Type() reflect.Type { return c.t }

func (c *structConverter) Parse(r *Registry, wire any) (reflect.Value, error) {
	m, ok := wire.(map[string]any)
	if !ok {
		return reflect.Value{}, &fault.ValidationError{
			Type: c.t.Name(),
			Err:  &fault.ParseError{Type: c.t.String(), Value: wire, Detail: "expected an object"},
		}
	}

	var extra []string
	for k := range m {
		if _, known := c.byName[k]; !known {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return reflect.Value{}, &fault.ValidationError{
			Type:   c.t.Name(),
			Field:  extra[0],
			Detail: "unknown field(s): " + strings.Join(extra, ", "),
		}
	}

	out := reflect.New(c.t).Elem()
	for _, f := range c.fields {
		raw, present := m[f.Name]
		if !present {
			if f.Optional {
				continue
			}
			return reflect.Value{}, &fault.ValidationError{Type: c.t.Name(), Field: f.Name, Detail: "missing required field"}
		}
		v, err := r.Parse(f.Type, raw)
		if err != nil {
			return reflect.Value{}, &fault.ValidationError{Type: c.t.Name(), Field: f.Name, Err: err}
		}
		out.FieldByIndex(f.index).Set(v)
	}
	return out, nil
}

func (c *structConverter) Serialize(r *Registry, v reflect.Value) (any, error) {
	out := make(map[string]any, len(c.fields))
	for _, f := range c.fields {
		fv := v.FieldByIndex(f.index)
		if f.Optional && fv.IsZero() {
			continue
		}
		w, err := r.serializeElem(f.Type, fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[f.Name] = w
	}
	return out, nil
}

// RegisterStruct derives and registers a converter for the struct type t,
// and for *t. Field types that are themselves structs, slices, string-keyed
// maps or pointers are derived recursively; other field types must already
// have a converter. Registering the same struct twice is a no-op.
func (r *Registry) RegisterStruct(t reflect.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deriveLocked(t)
}

// Fields returns the wire fields of a registered struct type.
func (r *Registry) Fields(t reflect.Type) ([]StructField, error) {
	c, err := r.Lookup(t)
	if err != nil {
		return nil, err
	}
	sc, ok := c.(*structConverter)
	if !ok {
		return nil, fmt.Errorf("%s is not a registered struct", t)
	}
	out := make([]StructField, len(sc.fields))
	copy(out, sc.fields)
	return out, nil
}

// Ensure registers a derived converter for t when t is a composite type
// without one. Scalar types must already be registered.
func (r *Registry) Ensure(t reflect.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deriveLocked(t)
}

func (r *Registry) deriveLocked(t reflect.Type) error {
	if _, ok := r.converters[t]; ok {
		return nil
	}
	switch t.Kind() {
	case reflect.Struct:
		return r.deriveStructLocked(t)
	case reflect.Pointer:
		if err := r.deriveLocked(t.Elem()); err != nil {
			return err
		}
		return r.registerLocked(pointerConverter{t: t})
	case reflect.Slice:
		if err := r.deriveLocked(t.Elem()); err != nil {
			return err
		}
		return r.registerLocked(sliceConverter{t: t})
	case reflect.Map:
		if t.Key().Kind() != reflect.String || t.Key() != stringType {
			return &fault.NoParserError{Type: t.String(), Detail: "map keys must be string"}
		}
		if err := r.deriveLocked(t.Elem()); err != nil {
			return err
		}
		return r.registerLocked(mapConverter{t: t})
	}
	return &fault.NoParserError{Type: t.String()}
}

func (r *Registry) deriveStructLocked(t reflect.Type) error {
	sc := &structConverter{t: t, byName: make(map[string]int)}
	// Register before descending so self-referential types terminate.
	r.converters[t] = sc
	r.order = append(r.order, t)

	fields, err := structFields(t, nil)
	if err != nil {
		r.unregisterLocked(t)
		return err
	}
	for _, f := range fields {
		if err := r.deriveLocked(f.Type); err != nil {
			r.unregisterLocked(t)
			return fmt.Errorf("%s.%s: %w", t.Name(), f.GoName, err)
		}
		if _, dup := sc.byName[f.Name]; dup {
			r.unregisterLocked(t)
			return fmt.Errorf("%s: duplicate wire field %q", t.Name(), f.Name)
		}
		sc.byName[f.Name] = len(sc.fields)
		sc.fields = append(sc.fields, f)
	}

	ptr := reflect.PointerTo(t)
	if _, ok := r.converters[ptr]; !ok {
		return r.registerLocked(pointerConverter{t: ptr})
	}
	return nil
}

func (r *Registry) unregisterLocked(t reflect.Type) {
	delete(r.converters, t)
	for i, o := range r.order {
		if o == t {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// structFields lists the exported fields of t. Embedded structs without a
// json name are flattened. Pointer fields and fields tagged omitempty are
// optional.
func structFields(t reflect.Type, prefix []int) ([]StructField, error) {
	var out []StructField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int{}, prefix...), i)

		name, opts, hasTag := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" && !hasTag {
			continue
		}
		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct {
			inner, err := structFields(sf.Type, index)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = convention.FieldName(sf.Name)
		}
		out = append(out, StructField{
			Name:     name,
			GoName:   sf.Name,
			Type:     sf.Type,
			Optional: sf.Type.Kind() == reflect.Pointer || strings.Contains(opts, "omitempty"),
			index:    index,
		})
	}
	return out, nil
}
