package entity

import (
	"context"
	"fmt"
	"sort"

	"github.com/artpar/sop/core/access"
	"github.com/artpar/sop/core/events"
	"github.com/artpar/sop/core/fault"
)

// Operation names. They double as class method names and as attribute names
// in the access table, so restricting "create" hides creation.
const (
	OpCreate     = "create"
	OpGetByID    = "getById"
	OpGetMany    = "getMany"
	OpGetAll     = "getAll"
	OpUpdateByID = "updateById"
	OpDeleteByID = "deleteById"
)

func (t *Type) ready() error {
	if t.env.Store == nil {
		return fmt.Errorf("%s: no store configured", t.name)
	}
	if t.env.Ready != nil && !t.env.Ready() {
		return fmt.Errorf("%s: schema not initialized", t.name)
	}
	return nil
}

// validate checks fields against the schema and returns their normalized
// wire values. When complete is set every required field must be present.
func (t *Type) validate(fields map[string]any, complete bool) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		f, ok := t.Field(k)
		if !ok {
			return nil, &fault.ValidationError{Type: t.name, Field: k, Detail: "unknown field"}
		}
		if v == nil {
			if !f.Optional {
				return nil, &fault.ValidationError{Type: t.name, Field: k, Detail: "field is required"}
			}
			if !complete {
				out[k] = nil
			}
			continue
		}
		w, err := t.normalize(f, v)
		if err != nil {
			return nil, err
		}
		out[k] = w
	}

	if complete {
		for _, f := range t.fields {
			if _, ok := out[f.Name]; !ok && !f.Optional {
				return nil, &fault.ValidationError{Type: t.name, Field: f.Name, Detail: "missing required field"}
			}
		}
	}
	return out, nil
}

// normalize parses v as the field's type and serializes it back, so stored
// values always have the canonical wire shape.
func (t *Type) normalize(f Field, v any) (any, error) {
	reg := t.env.Registry
	rv, err := reg.Parse(f.Type, v)
	if err != nil {
		return nil, &fault.ValidationError{Type: t.name, Field: f.Name, Err: err}
	}
	w, err := reg.SerializeValue(rv)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", t.name, f.Name, err)
	}
	return w, nil
}

func (t *Type) publish(ctx context.Context, action, id string, data map[string]any) {
	if t.env.Events == nil {
		return
	}
	t.env.Events.Publish(ctx, events.Event{
		Name:   events.Topic(t.canonical, action),
		Type:   t.name,
		Action: action,
		ID:     id,
		Data:   data,
	})
}

// Create validates fields and stores a new record, returning its id.
func (t *Type) Create(ctx context.Context, fields map[string]any) (string, error) {
	if err := t.ready(); err != nil {
		return "", err
	}
	if _, ok := fields["id"]; ok {
		return "", &fault.ValidationError{Type: t.name, Field: "id", Detail: "id is assigned by the store"}
	}
	data, err := t.validate(fields, true)
	if err != nil {
		return "", err
	}

	id, err := t.env.Store.Create(ctx, t.name, data)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", t.name, err)
	}
	t.env.Logger.Debug().Str("type", t.name).Str("id", id).Msg("entity created")
	t.publish(ctx, events.Created, id, data)
	return id, nil
}

// GetByID returns the record with id.
func (t *Type) GetByID(ctx context.Context, id string) (Record, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	rec, err := t.env.Store.Get(ctx, t.name, id)
	if err != nil {
		return nil, err
	}
	return toRecord(rec), nil
}

// GetMany returns the records for ids in order. Any missing id fails the
// whole call with a NotFoundError listing the missing ids.
func (t *Type) GetMany(ctx context.Context, ids []string) ([]Record, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	recs, err := t.env.Store.GetMany(ctx, t.name, ids)
	if err != nil {
		return nil, err
	}
	return toRecords(recs), nil
}

// GetAll returns every record. An empty type yields an empty slice.
func (t *Type) GetAll(ctx context.Context) ([]Record, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	recs, err := t.env.Store.List(ctx, t.name)
	if err != nil {
		return nil, err
	}
	return toRecords(recs), nil
}

// UpdateByID replaces the given fields of id. Fields not present in data
// are left unchanged. A nil value clears an optional field.
func (t *Type) UpdateByID(ctx context.Context, id string, data map[string]any) error {
	if err := t.ready(); err != nil {
		return err
	}
	if v, ok := data["id"]; ok {
		if s, _ := v.(string); s != id {
			return &fault.ValidationError{Type: t.name, Field: "id", Detail: "id does not match"}
		}
		data = withoutID(data)
	}
	clean, err := t.validate(data, false)
	if err != nil {
		return err
	}
	if err := t.env.Store.Update(ctx, t.name, id, clean); err != nil {
		return err
	}
	t.env.Logger.Debug().Str("type", t.name).Str("id", id).Msg("entity updated")
	t.publish(ctx, events.Updated, id, clean)
	return nil
}

// DeleteByID removes id. Deleting an absent id fails with NotFoundError.
// An attached instance with that id is detached.
func (t *Type) DeleteByID(ctx context.Context, id string) error {
	if err := t.ready(); err != nil {
		return err
	}
	if err := t.env.Store.Delete(ctx, t.name, id); err != nil {
		return err
	}
	if inst, ok := t.Instance(id); ok {
		inst.Detach()
	}
	t.env.Logger.Debug().Str("type", t.name).Str("id", id).Msg("entity deleted")
	t.publish(ctx, events.Deleted, id, nil)
	return nil
}

func withoutID(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k != "id" {
			out[k] = v
		}
	}
	return out
}

// CheckMethod returns a ForbiddenError when the method name is restricted
// for subj. subj is nil for class-level calls.
func (t *Type) CheckMethod(ctx context.Context, name string, subj access.Subject) error {
	return t.access.Check(ctx, t.name, name, access.Write, subj)
}

// checkWrites fails on the first field the caller may not write.
func (t *Type) checkWrites(ctx context.Context, fields map[string]any, subj access.Subject) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := t.access.Check(ctx, t.name, k, access.Write, subj); err != nil {
			return err
		}
	}
	return nil
}

// Redact removes the fields of rec the caller may not read.
func (t *Type) Redact(ctx context.Context, rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		if k == "id" || t.access.Allowed(ctx, k, rec) {
			out[k] = v
		}
	}
	return out
}

func (t *Type) redactAll(ctx context.Context, recs []Record) []Record {
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = t.Redact(ctx, r)
	}
	return out
}

// The guarded operations back the default endpoints and the built-in class
// methods: they enforce the access table on method names and on fields.

func (t *Type) guardedCreate(ctx context.Context, fields map[string]any) (string, error) {
	if err := t.CheckMethod(ctx, OpCreate, Record(fields)); err != nil {
		return "", err
	}
	if err := t.checkWrites(ctx, fields, Record(fields)); err != nil {
		return "", err
	}
	return t.Create(ctx, fields)
}

func (t *Type) guardedGet(ctx context.Context, id string) (Record, error) {
	if err := t.CheckMethod(ctx, OpGetByID, nil); err != nil {
		return nil, err
	}
	rec, err := t.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Redact(ctx, rec), nil
}

func (t *Type) guardedGetMany(ctx context.Context, ids []string) ([]Record, error) {
	if err := t.CheckMethod(ctx, OpGetMany, nil); err != nil {
		return nil, err
	}
	recs, err := t.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	return t.redactAll(ctx, recs), nil
}

func (t *Type) guardedGetAll(ctx context.Context) ([]Record, error) {
	if err := t.CheckMethod(ctx, OpGetAll, nil); err != nil {
		return nil, err
	}
	recs, err := t.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return t.redactAll(ctx, recs), nil
}

func (t *Type) guardedUpdate(ctx context.Context, id string, data map[string]any) error {
	current, err := t.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := t.CheckMethod(ctx, OpUpdateByID, current); err != nil {
		return err
	}
	if err := t.checkWrites(ctx, withoutID(data), current); err != nil {
		return err
	}
	return t.UpdateByID(ctx, id, data)
}

func (t *Type) guardedDelete(ctx context.Context, id string) error {
	current, err := t.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := t.CheckMethod(ctx, OpDeleteByID, current); err != nil {
		return err
	}
	return t.DeleteByID(ctx, id)
}
