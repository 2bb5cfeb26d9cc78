package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/sop/core/access"
	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/fault"
)

// Instance is a local handle on one record. Its field values are a cache of
// the stored record: PullUpdates overwrites them and PushUpdates writes them
// back. Nothing guards against concurrent writers between the two.
type Instance struct {
	t  *Type
	id string

	mu     sync.RWMutex
	fields map[string]any
	node   *api.Node
}

func newInstance(t *Type, rec Record) *Instance {
	inst := &Instance{t: t, id: rec.ID(), fields: make(map[string]any, len(rec))}
	for k, v := range rec {
		if k != "id" {
			inst.fields[k] = v
		}
	}
	return inst
}

// New creates a record and returns its attached instance.
func (t *Type) New(ctx context.Context, fields map[string]any) (*Instance, error) {
	id, err := t.Create(ctx, fields)
	if err != nil {
		return nil, err
	}
	inst, err := t.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Attach(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Load fetches id into a detached instance.
func (t *Type) Load(ctx context.Context, id string) (*Instance, error) {
	rec, err := t.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return newInstance(t, rec), nil
}

// Attach mounts the instance's node under the class node at its id and
// makes the instance resident. Attaching an id that is already resident
// replaces nothing and returns an InvalidPrefixError.
func (t *Type) Attach(inst *Instance) error {
	if inst.t != t {
		return fmt.Errorf("attach: instance of %s attached to %s", inst.t.name, t.name)
	}
	inst.mu.Lock()
	if inst.node != nil {
		inst.mu.Unlock()
		return nil
	}
	node := api.New()
	node.Bind(inst)
	if err := t.node.Mount(inst.id, node); err != nil {
		inst.mu.Unlock()
		return err
	}
	inst.node = node
	inst.mu.Unlock()

	t.mu.Lock()
	t.resident[inst.id] = inst
	hooks := append([]func(*Instance){}, t.onAttach...)
	t.mu.Unlock()

	for _, h := range hooks {
		h(inst)
	}
	return nil
}

// Detach unmounts the instance node and drops the instance from the
// resident set. The stored record is untouched.
func (inst *Instance) Detach() {
	inst.mu.Lock()
	node := inst.node
	inst.node = nil
	inst.mu.Unlock()
	if node == nil {
		return
	}
	inst.t.node.Unmount(inst.id)

	inst.t.mu.Lock()
	if inst.t.resident[inst.id] == inst {
		delete(inst.t.resident, inst.id)
	}
	inst.t.mu.Unlock()
}

// ID returns the instance id.
func (inst *Instance) ID() string { return inst.id }

// GUID returns "<TypeName>:<id>".
func (inst *Instance) GUID() string { return inst.t.name + ":" + inst.id }

// Type returns the instance's type.
func (inst *Instance) Type() *Type { return inst.t }

// API returns the instance node, or nil when the instance is not attached.
func (inst *Instance) API() *api.Node {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.node
}

// Field returns a raw field value without access checks.
func (inst *Instance) Field(name string) (any, bool) {
	if name == "id" {
		return inst.id, true
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	v, ok := inst.fields[name]
	return v, ok
}

// Get reads a field, enforcing read restrictions.
func (inst *Instance) Get(ctx context.Context, name string) (any, error) {
	if name == "id" {
		return inst.id, nil
	}
	if _, ok := inst.t.Field(name); !ok {
		return nil, &fault.ValidationError{Type: inst.t.name, Field: name, Detail: "unknown field"}
	}
	if err := inst.t.access.Check(ctx, inst.t.name, name, access.Read, inst); err != nil {
		return nil, err
	}
	v, _ := inst.Field(name)
	return v, nil
}

// Set writes a field locally, enforcing write restrictions and the field's
// type. PushUpdates stores it.
func (inst *Instance) Set(ctx context.Context, name string, value any) error {
	f, ok := inst.t.Field(name)
	if !ok {
		return &fault.ValidationError{Type: inst.t.name, Field: name, Detail: "unknown field"}
	}
	if err := inst.t.access.Check(ctx, inst.t.name, name, access.Write, inst); err != nil {
		return err
	}
	if value == nil {
		if !f.Optional {
			return &fault.ValidationError{Type: inst.t.name, Field: name, Detail: "field is required"}
		}
		inst.mu.Lock()
		delete(inst.fields, name)
		inst.mu.Unlock()
		return nil
	}
	w, err := inst.t.normalize(f, value)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	inst.fields[name] = w
	inst.mu.Unlock()
	return nil
}

// Snapshot returns the id and every field the caller may read.
func (inst *Instance) Snapshot(ctx context.Context) Record {
	inst.mu.RLock()
	rec := make(Record, len(inst.fields)+1)
	for k, v := range inst.fields {
		rec[k] = v
	}
	inst.mu.RUnlock()
	rec["id"] = inst.id
	return inst.t.Redact(ctx, rec)
}

// PushUpdates writes the local field values to the store.
func (inst *Instance) PushUpdates(ctx context.Context) error {
	inst.mu.RLock()
	data := make(map[string]any, len(inst.t.fields))
	for _, f := range inst.t.fields {
		if v, ok := inst.fields[f.Name]; ok {
			data[f.Name] = v
		} else if f.Optional {
			data[f.Name] = nil
		}
	}
	inst.mu.RUnlock()
	return inst.t.UpdateByID(ctx, inst.id, data)
}

// PullUpdates overwrites the local field values with the stored record.
func (inst *Instance) PullUpdates(ctx context.Context) error {
	rec, err := inst.t.GetByID(ctx, inst.id)
	if err != nil {
		return err
	}
	fresh := make(map[string]any, len(rec))
	for k, v := range rec {
		if k != "id" {
			fresh[k] = v
		}
	}
	inst.mu.Lock()
	inst.fields = fresh
	inst.mu.Unlock()
	return nil
}

// Sync pushes local state and then pulls the stored state.
func (inst *Instance) Sync(ctx context.Context) error {
	if err := inst.PushUpdates(ctx); err != nil {
		return fmt.Errorf("sync %s: push: %w", inst.GUID(), err)
	}
	if err := inst.PullUpdates(ctx); err != nil {
		return fmt.Errorf("sync %s: pull: %w", inst.GUID(), err)
	}
	return nil
}

// Release deletes the stored record and detaches the instance.
func (inst *Instance) Release(ctx context.Context) error {
	if err := inst.t.DeleteByID(ctx, inst.id); err != nil {
		return err
	}
	inst.Detach()
	return nil
}

// FieldNames returns the names of the locally held fields, sorted.
func (inst *Instance) FieldNames() []string {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	out := make([]string, 0, len(inst.fields))
	for k := range inst.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (inst *Instance) String() string { return inst.GUID() }
