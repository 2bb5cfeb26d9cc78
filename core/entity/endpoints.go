package entity

import (
	"context"
	"net/http"
	"strings"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/fault"
)

// installDefaults registers the CRUD endpoints and the built-in methods.
// Handlers resolve the type from the node the request arrived on, so that
// subtypes inheriting them through a merge act on themselves.
func (t *Type) installDefaults() error {
	n := t.node
	n.Post("create", t.handleCreate, api.WithStatus(http.StatusCreated), api.WithSummary("create a record"))
	n.Get("{id}", t.handleGet, api.WithSummary("get a record by id"))
	n.Get("many", t.handleGetMany, api.WithSummary("get records by ids"))
	n.Get("", t.handleGetAll, api.WithSummary("list every record"))
	n.Put("{id}", t.handleUpdate, api.WithStatus(http.StatusNoContent), api.WithSummary("update a record"))
	n.Delete("{id}", t.handleDelete, api.WithStatus(http.StatusNoContent), api.WithSummary("delete a record"))

	class := []struct {
		name   string
		fn     any
		params []string
	}{
		{OpCreate, func(ctx context.Context, t *Type, fields Record) (string, error) {
			return t.guardedCreate(ctx, fields)
		}, []string{"...fields"}},
		{OpGetByID, func(ctx context.Context, t *Type, id string) (Record, error) {
			return t.guardedGet(ctx, id)
		}, []string{"id"}},
		{OpGetMany, func(ctx context.Context, t *Type, ids []string) ([]Record, error) {
			return t.guardedGetMany(ctx, ids)
		}, []string{"ids"}},
		{OpGetAll, func(ctx context.Context, t *Type) ([]Record, error) {
			return t.guardedGetAll(ctx)
		}, nil},
		{OpUpdateByID, func(ctx context.Context, t *Type, id string, data Record) error {
			return t.guardedUpdate(ctx, id, data)
		}, []string{"id", "...data"}},
		{OpDeleteByID, func(ctx context.Context, t *Type, id string) error {
			return t.guardedDelete(ctx, id)
		}, []string{"id"}},
	}
	for _, m := range class {
		if err := t.ClassMethod(m.name, m.fn, m.params...); err != nil {
			return err
		}
	}

	instance := []struct {
		name   string
		fn     any
		params []string
	}{
		{"get", func(ctx context.Context, inst *Instance, name string) (any, error) {
			return inst.Get(ctx, name)
		}, []string{"name"}},
		{"set", func(ctx context.Context, inst *Instance, name string, value any) error {
			if err := inst.Set(ctx, name, value); err != nil {
				return err
			}
			return inst.PushUpdates(ctx)
		}, []string{"name", "value"}},
		{"snapshot", func(ctx context.Context, inst *Instance) (Record, error) {
			if err := inst.PullUpdates(ctx); err != nil {
				return nil, err
			}
			return inst.Snapshot(ctx), nil
		}, nil},
		{"delete", func(ctx context.Context, inst *Instance) error {
			if err := inst.t.CheckMethod(ctx, OpDeleteByID, inst); err != nil {
				return err
			}
			return inst.Release(ctx)
		}, nil},
	}
	for _, m := range instance {
		if err := t.InstanceMethod(m.name, m.fn, m.params...); err != nil {
			return err
		}
	}
	return nil
}

func (t *Type) target(req *api.Request) *Type {
	if bt, ok := From(req); ok {
		return bt
	}
	return t
}

func (t *Type) handleCreate(ctx context.Context, req *api.Request) (any, error) {
	body := req.BodyMap()
	if body == nil && req.Body != nil {
		return nil, &fault.ValidationError{Type: t.name, Detail: "request body must be an object"}
	}
	if body == nil {
		body = map[string]any{}
	}
	return t.target(req).guardedCreate(ctx, body)
}

func (t *Type) handleGet(ctx context.Context, req *api.Request) (any, error) {
	return t.target(req).guardedGet(ctx, req.Param("id"))
}

func (t *Type) handleGetMany(ctx context.Context, req *api.Request) (any, error) {
	return t.target(req).guardedGetMany(ctx, SplitIDs(req.Query["ids"]))
}

func (t *Type) handleGetAll(ctx context.Context, req *api.Request) (any, error) {
	return t.target(req).guardedGetAll(ctx)
}

func (t *Type) handleUpdate(ctx context.Context, req *api.Request) (any, error) {
	body := req.BodyMap()
	if body == nil {
		return nil, &fault.ValidationError{Type: t.name, Detail: "request body must be an object"}
	}
	return nil, t.target(req).guardedUpdate(ctx, req.Param("id"), body)
}

func (t *Type) handleDelete(ctx context.Context, req *api.Request) (any, error) {
	return nil, t.target(req).guardedDelete(ctx, req.Param("id"))
}

// SplitIDs flattens repeated and comma-separated id query values.
func SplitIDs(values []string) []string {
	ids := []string{}
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
