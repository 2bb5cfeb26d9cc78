// Package entity binds declared resource types to the API tree.
//
// A Type owns a class-level api.Node, an attribute schema, an access table
// and tables of class-level and instance-level methods. Types declared with
// parents inherit all three: fields and restrictions by copy, endpoints by
// merging each parent's class node, and methods by lookup through the
// parents in declaration order. An Instance is one record of a Type; when
// attached it owns an instance-level node mounted under the class node at
// its id.
package entity

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/sop/core/access"
	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/convention"
	"github.com/artpar/sop/core/events"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
	"github.com/artpar/sop/core/storage"
)

// Field is one attribute of a type's schema.
type Field = storage.Field

// Descriptor declares an entity type.
type Descriptor struct {
	// Name is the declared type name, e.g. "Widget".
	Name string

	// Fields is the attribute schema. When empty and Record is set, the
	// fields are derived from Record's exported fields.
	Fields []Field

	// Record optionally names a struct type whose values mirror records of
	// this type. It is registered with the parsing registry.
	Record reflect.Type

	// Parents are the ancestor types, in declaration order.
	Parents []*Type

	// API is an optional custom class-level node. When nil, or when it is
	// one of the parents' nodes, a fresh node is created.
	API *api.Node

	// Setup runs after the defaults are installed and may register or
	// override endpoints, methods and restrictions.
	Setup func(t *Type) error
}

// Env is what a type needs from its application.
type Env struct {
	Store    storage.Store
	Registry *parsing.Registry
	Logger   zerolog.Logger
	Events   *events.Bus

	// Ready reports whether the schema has been initialized. Instances
	// cannot be created before it returns true.
	Ready func() bool
}

// Type is a declared entity type.
type Type struct {
	name      string
	canonical string
	table     string
	record    reflect.Type
	fields    []Field
	fieldIdx  map[string]int
	parents   []*Type
	node      *api.Node
	access    *access.Table
	env       Env

	mu           sync.RWMutex
	classMethods map[string]*Method
	instMethods  map[string]*Method
	resident     map[string]*Instance
	onAttach     []func(*Instance)
}

// NewType builds a type from its descriptor. The class node is not mounted;
// the application mounts it under its root.
func NewType(desc Descriptor, env Env) (*Type, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("entity type name is empty")
	}
	canonical := convention.Canonical(desc.Name)
	if canonical == "" {
		return nil, &fault.InvalidPrefixError{Prefix: desc.Name, Reason: "type name has no canonical form"}
	}
	if env.Registry == nil {
		env.Registry = parsing.Default
	}
	if err := registerRecordTypes(env.Registry); err != nil {
		return nil, err
	}

	t := &Type{
		name:         desc.Name,
		canonical:    canonical,
		table:        convention.Table(desc.Name),
		record:       desc.Record,
		fieldIdx:     make(map[string]int),
		parents:      append([]*Type(nil), desc.Parents...),
		env:          env,
		classMethods: make(map[string]*Method),
		instMethods:  make(map[string]*Method),
		resident:     make(map[string]*Instance),
	}

	own := desc.Fields
	if desc.Record != nil {
		if err := env.Registry.RegisterStruct(desc.Record); err != nil {
			return nil, fmt.Errorf("register %s: %w", desc.Name, err)
		}
		if len(own) == 0 {
			derived, err := fieldsOf(env.Registry, desc.Record)
			if err != nil {
				return nil, err
			}
			own = derived
		}
	}
	for _, p := range t.parents {
		if p == nil {
			return nil, fmt.Errorf("%s: nil parent type", desc.Name)
		}
		for _, f := range p.fields {
			if _, dup := t.fieldIdx[f.Name]; !dup {
				t.addField(f)
			}
		}
	}
	for _, f := range own {
		if f.Name == "" || f.Name == "id" {
			return nil, &fault.ValidationError{Type: desc.Name, Field: f.Name, Detail: "reserved or empty field name"}
		}
		if f.Type == nil {
			return nil, &fault.ValidationError{Type: desc.Name, Field: f.Name, Detail: "field has no type"}
		}
		if err := env.Registry.Ensure(f.Type); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", desc.Name, f.Name, err)
		}
		if i, dup := t.fieldIdx[f.Name]; dup {
			t.fields[i] = f
			continue
		}
		t.addField(f)
	}

	parentTables := make([]*access.Table, len(t.parents))
	for i, p := range t.parents {
		parentTables[i] = p.access
	}
	t.access = access.Inherit(parentTables...)

	node := desc.API
	if node == nil || t.isParentNode(node) {
		node = api.New()
	}
	if owner := node.Bound(); owner != nil {
		return nil, &fault.InvalidPrefixError{Prefix: canonical, Reason: "node already serves another type"}
	}
	node.Bind(t)
	for _, p := range t.parents {
		node.Merge(p.node)
	}
	t.node = node

	if len(t.parents) == 0 {
		if err := t.installDefaults(); err != nil {
			return nil, err
		}
	}
	if desc.Setup != nil {
		if err := desc.Setup(t); err != nil {
			return nil, fmt.Errorf("setup %s: %w", desc.Name, err)
		}
	}
	return t, nil
}

func (t *Type) addField(f Field) {
	t.fieldIdx[f.Name] = len(t.fields)
	t.fields = append(t.fields, f)
}

func (t *Type) isParentNode(n *api.Node) bool {
	r := n.Resolve()
	for _, p := range t.parents {
		if p.node.Resolve() == r {
			return true
		}
	}
	return false
}

// fieldsOf derives a schema from a registered struct, skipping its id.
func fieldsOf(reg *parsing.Registry, rt reflect.Type) ([]Field, error) {
	sfs, err := reg.Fields(rt)
	if err != nil {
		return nil, err
	}
	var out []Field
	for _, sf := range sfs {
		if sf.Name == "id" {
			continue
		}
		out = append(out, Field{Name: sf.Name, Type: sf.Type, Optional: sf.Optional})
	}
	return out, nil
}

// Name returns the declared name.
func (t *Type) Name() string { return t.name }

// Canonical returns the canonical name used as the class node prefix.
func (t *Type) Canonical() string { return t.canonical }

// API returns the class-level node.
func (t *Type) API() *api.Node { return t.node }

// Access returns the type's restriction table.
func (t *Type) Access() *access.Table { return t.access }

// Registry returns the parsing registry.
func (t *Type) Registry() *parsing.Registry { return t.env.Registry }

// Logger returns the type's logger.
func (t *Type) Logger() zerolog.Logger { return t.env.Logger }

// RecordType returns the struct type mirroring records, or nil.
func (t *Type) RecordType() reflect.Type { return t.record }

// Parents returns the ancestor types in declaration order.
func (t *Type) Parents() []*Type { return append([]*Type(nil), t.parents...) }

// Fields returns the attribute schema, inherited fields first.
func (t *Type) Fields() []Field { return append([]Field(nil), t.fields...) }

// Field returns the named attribute.
func (t *Type) Field(name string) (Field, bool) {
	i, ok := t.fieldIdx[name]
	if !ok {
		return Field{}, false
	}
	return t.fields[i], true
}

// IsA reports whether t is other or descends from it.
func (t *Type) IsA(other *Type) bool {
	if t == other {
		return true
	}
	for _, p := range t.parents {
		if p.IsA(other) {
			return true
		}
	}
	return false
}

// Restrict records pred against attrs. Attributes are field or method names.
func (t *Type) Restrict(pred access.Predicate, attrs ...string) {
	t.access.Restrict(pred, attrs...)
}

// Hidden makes attrs unreadable, unwritable and uncallable.
func (t *Type) Hidden(attrs ...string) {
	t.access.Hidden(attrs...)
}

// Collection returns the storage definition of the type.
func (t *Type) Collection() storage.Collection {
	return storage.Collection{Name: t.name, Table: t.table, Fields: t.Fields()}
}

// Ensure creates the type's storage collection.
func (t *Type) Ensure(ctx context.Context) error {
	if t.env.Store == nil {
		return fmt.Errorf("%s: no store configured", t.name)
	}
	if err := t.env.Store.Ensure(ctx, t.Collection()); err != nil {
		return fmt.Errorf("ensure %s: %w", t.name, err)
	}
	return nil
}

// OnAttach registers fn to run whenever an instance is attached.
func (t *Type) OnAttach(fn func(*Instance)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAttach = append(t.onAttach, fn)
}

// Instance returns the attached instance with id.
func (t *Type) Instance(id string) (*Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.resident[id]
	return inst, ok
}

// Instances returns the ids of attached instances, sorted.
func (t *Type) Instances() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.resident))
	for id := range t.resident {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Type) String() string { return t.name }

// From returns the type served by the node a request was resolved on.
// Handlers inherited from an ancestor use it to act on the inheriting type.
func From(req *api.Request) (*Type, bool) {
	if req == nil || req.Node == nil {
		return nil, false
	}
	t, ok := req.Node.Bound().(*Type)
	return t, ok
}

// InstanceFrom returns the instance served by the node a request was
// resolved on.
func InstanceFrom(req *api.Request) (*Instance, bool) {
	if req == nil || req.Node == nil {
		return nil, false
	}
	inst, ok := req.Node.Bound().(*Instance)
	return inst, ok
}
