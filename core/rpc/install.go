package rpc

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/entity"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
)

// Install registers the rpc endpoints for t:
//
//	GET|POST rpc          class call
//	GET|POST rpc/{id}     indexed call
//	GET|POST {id}/rpc     instance call, indexed when id is not resident
//
// and mounts "rpc" on every instance node attached from then on. Routes are
// only registered on root types; subtypes inherit them through their merged
// class node. The attach hook is added for every type.
func Install(t *entity.Type, d *Dispatcher) {
	if len(t.Parents()) == 0 {
		n := t.API()
		for _, verb := range []string{api.GET, api.POST} {
			n.Handle(verb, "rpc", classHandler(t, d), api.WithSummary("call a class method"))
			n.Handle(verb, "rpc/{id}", indexedHandler(t, d), api.WithSummary("call an instance method by id"))
			n.Handle(verb, "{id}/rpc", residentHandler(t, d), api.WithSummary("call an instance method"))
		}
	}
	t.OnAttach(func(inst *entity.Instance) {
		n := inst.API()
		if n == nil {
			return
		}
		h := instanceHandler(inst, d)
		n.Handle(api.GET, "rpc", h, api.WithSummary("call an instance method"))
		n.Handle(api.POST, "rpc", h, api.WithSummary("call an instance method"))
	})
}

func target(t *entity.Type, req *api.Request) *entity.Type {
	if bt, ok := entity.From(req); ok {
		return bt
	}
	return t
}

func classHandler(t *entity.Type, d *Dispatcher) api.Handler {
	return func(ctx context.Context, req *api.Request) (any, error) {
		call, err := CallFromRequest(req)
		if err != nil {
			return nil, err
		}
		return d.DispatchClass(ctx, target(t, req), call)
	}
}

func indexedHandler(t *entity.Type, d *Dispatcher) api.Handler {
	return func(ctx context.Context, req *api.Request) (any, error) {
		call, err := CallFromRequest(req)
		if err != nil {
			return nil, err
		}
		return d.DispatchIndexed(ctx, target(t, req), req.Param("id"), call)
	}
}

func residentHandler(t *entity.Type, d *Dispatcher) api.Handler {
	return func(ctx context.Context, req *api.Request) (any, error) {
		call, err := CallFromRequest(req)
		if err != nil {
			return nil, err
		}
		tt := target(t, req)
		if inst, ok := tt.Instance(req.Param("id")); ok {
			return d.DispatchInstance(ctx, inst, call)
		}
		return d.DispatchIndexed(ctx, tt, req.Param("id"), call)
	}
}

func instanceHandler(inst *entity.Instance, d *Dispatcher) api.Handler {
	return func(ctx context.Context, req *api.Request) (any, error) {
		call, err := CallFromRequest(req)
		if err != nil {
			return nil, err
		}
		recv := inst
		if bound, ok := entity.InstanceFrom(req); ok {
			recv = bound
		}
		return d.DispatchInstance(ctx, recv, call)
	}
}

// CallFromRequest reads a call from a request. POST carries it as the JSON
// body; GET carries "method" plus JSON-encoded "args" and "kwds" query
// parameters.
func CallFromRequest(req *api.Request) (Call, error) {
	call := Call{Verb: req.Verb}
	if req.Verb == api.GET {
		call.Method = req.Query.Get("method")
		if raw := req.Query.Get("args"); raw != "" {
			if err := decodeQuery("args", raw, &call.Args); err != nil {
				return Call{}, err
			}
		}
		if raw := req.Query.Get("kwds"); raw != "" {
			if err := decodeQuery("kwds", raw, &call.Kwds); err != nil {
				return Call{}, err
			}
		}
	} else {
		body := req.BodyMap()
		if body == nil {
			return Call{}, &fault.ValidationError{Type: "rpc", Detail: "request body must be an object"}
		}
		m, ok := body["method"].(string)
		if !ok {
			return Call{}, &fault.ValidationError{Type: "rpc", Field: "method", Detail: "must be a string"}
		}
		call.Method = m
		if v, ok := body["args"]; ok && v != nil {
			args, ok := v.([]any)
			if !ok {
				return Call{}, &fault.ValidationError{Type: "rpc", Field: "args", Detail: "must be an array"}
			}
			call.Args = args
		}
		if v, ok := body["kwds"]; ok && v != nil {
			kwds, ok := v.(map[string]any)
			if !ok {
				return Call{}, &fault.ValidationError{Type: "rpc", Field: "kwds", Detail: "must be an object"}
			}
			call.Kwds = kwds
		}
	}
	if call.Method == "" {
		return Call{}, &fault.ValidationError{Type: "rpc", Field: "method", Detail: "is required"}
	}
	return call, nil
}

func decodeQuery(name, raw string, out any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &fault.ValidationError{
			Type:  "rpc",
			Field: name,
			Err:   &fault.ParseError{Type: name, Value: raw, Detail: err.Error()},
		}
	}
	switch v := out.(type) {
	case *[]any:
		for i := range *v {
			(*v)[i] = parsing.Normalize((*v)[i])
		}
	case *map[string]any:
		for k := range *v {
			(*v)[k] = parsing.Normalize((*v)[k])
		}
	}
	return nil
}
