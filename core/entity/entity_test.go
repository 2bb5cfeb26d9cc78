package entity

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/events"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
	"github.com/artpar/sop/core/storage"
)

var (
	stringT = reflect.TypeFor[string]()
	intT    = reflect.TypeFor[int]()
)

func testEnv() Env {
	return Env{
		Store:    storage.NewMemoryStore(),
		Registry: parsing.NewRegistry(),
		Logger:   zerolog.Nop(),
		Events:   events.NewBus(zerolog.Nop()),
	}
}

func makeTestType(t *testing.T, env Env, desc Descriptor) *Type {
	t.Helper()
	typ, err := NewType(desc, env)
	if err != nil {
		t.Fatalf("NewType(%s) error = %v", desc.Name, err)
	}
	if err := typ.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	return typ
}

func widgetDesc() Descriptor {
	return Descriptor{Name: "Widget", Fields: []Field{{Name: "name", Type: stringT}}}
}

// serve resolves a request against a node the way a transport does.
func serve(t *testing.T, n *api.Node, verb, path string, body any, query url.Values) (any, error) {
	t.Helper()
	r, params, ok := n.Match(verb, path)
	if !ok {
		t.Fatalf("no route for %s %s/%s", verb, n.Path(), path)
	}
	return r.Handler(context.Background(), &api.Request{
		Verb: verb, Path: path, Params: params, Query: query, Body: body, Node: n,
	})
}

func TestWidgetLifecycle(t *testing.T) {
	ctx := context.Background()
	w := makeTestType(t, testEnv(), widgetDesc())

	id, err := w.Create(ctx, map[string]any{"name": "a"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "1" {
		t.Errorf("Create() id = %q, want 1", id)
	}

	got, err := w.GetByID(ctx, "1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !reflect.DeepEqual(got, Record{"id": "1", "name": "a"}) {
		t.Errorf("GetByID() = %v", got)
	}

	if err := w.UpdateByID(ctx, "1", map[string]any{"name": "b"}); err != nil {
		t.Fatalf("UpdateByID() error = %v", err)
	}
	got, _ = w.GetByID(ctx, "1")
	if !reflect.DeepEqual(got, Record{"id": "1", "name": "b"}) {
		t.Errorf("GetByID() after update = %v", got)
	}

	if err := w.DeleteByID(ctx, "1"); err != nil {
		t.Fatalf("DeleteByID() error = %v", err)
	}
	var nf *fault.NotFoundError
	if _, err := w.GetByID(ctx, "1"); !errors.As(err, &nf) {
		t.Errorf("GetByID() after delete error = %v, want NotFoundError", err)
	}
	if err := w.DeleteByID(ctx, "1"); !errors.As(err, &nf) {
		t.Errorf("DeleteByID() of absent id error = %v, want NotFoundError", err)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	w := makeTestType(t, testEnv(), Descriptor{
		Name: "Widget",
		Fields: []Field{
			{Name: "name", Type: stringT},
			{Name: "size", Type: intT, Optional: true},
		},
	})

	tests := []struct {
		name      string
		fields    map[string]any
		wantField string
	}{
		{"missing required", map[string]any{"size": 1}, "name"},
		{"unknown field", map[string]any{"name": "a", "colour": "red"}, "colour"},
		{"mistyped", map[string]any{"name": 5}, "name"},
		{"null required", map[string]any{"name": nil}, "name"},
		{"explicit id", map[string]any{"id": "9", "name": "a"}, "id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.Create(ctx, tt.fields)
			var ve *fault.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Create() error = %v, want ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}

	id, err := w.Create(ctx, map[string]any{"name": "a", "size": 2.0})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	rec, _ := w.GetByID(ctx, id)
	if rec["size"] != int64(2) {
		t.Errorf("size = %#v, want normalized int64(2)", rec["size"])
	}
}

func TestUpdateValidation(t *testing.T) {
	ctx := context.Background()
	w := makeTestType(t, testEnv(), widgetDesc())
	id, _ := w.Create(ctx, map[string]any{"name": "a"})

	var ve *fault.ValidationError
	if err := w.UpdateByID(ctx, id, map[string]any{"id": "other", "name": "b"}); !errors.As(err, &ve) {
		t.Errorf("UpdateByID() with mismatched id error = %v, want ValidationError", err)
	}
	if err := w.UpdateByID(ctx, id, map[string]any{"id": id, "name": "b"}); err != nil {
		t.Errorf("UpdateByID() with matching id error = %v", err)
	}
	var nf *fault.NotFoundError
	if err := w.UpdateByID(ctx, "404", map[string]any{"name": "c"}); !errors.As(err, &nf) {
		t.Errorf("UpdateByID() of absent id error = %v, want NotFoundError", err)
	}
}

func TestGetManyOrderAndAllOrNothing(t *testing.T) {
	ctx := context.Background()
	w := makeTestType(t, testEnv(), widgetDesc())
	for _, n := range []string{"a", "b", "c"} {
		if _, err := w.Create(ctx, map[string]any{"name": n}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := w.GetMany(ctx, []string{"3", "1", "2"})
	if err != nil {
		t.Fatalf("GetMany() error = %v", err)
	}
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID())
	}
	if !reflect.DeepEqual(ids, []string{"3", "1", "2"}) {
		t.Errorf("GetMany() order = %v", ids)
	}

	got, err = w.GetMany(ctx, []string{"1", "7"})
	var nf *fault.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("GetMany() error = %v, want NotFoundError", err)
	}
	if got != nil || !reflect.DeepEqual(nf.IDs, []string{"7"}) {
		t.Errorf("GetMany() = %v, missing = %v", got, nf.IDs)
	}
}

func TestGetAllEmpty(t *testing.T) {
	w := makeTestType(t, testEnv(), widgetDesc())
	got, err := w.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("GetAll() = %#v, want empty slice", got)
	}
}

func TestHiddenAttribute(t *testing.T) {
	ctx := context.Background()
	typ := makeTestType(t, testEnv(), Descriptor{
		Name: "T",
		Fields: []Field{
			{Name: "name", Type: stringT},
			{Name: "secret", Type: stringT, Optional: true},
		},
		Setup: func(t *Type) error {
			t.Hidden("secret")
			return nil
		},
	})

	inst, err := typ.New(ctx, map[string]any{"name": "a"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var fe *fault.ForbiddenError
	if _, err := inst.Get(ctx, "secret"); !errors.As(err, &fe) {
		t.Errorf("Get(secret) error = %v, want ForbiddenError", err)
	}
	if err := inst.Set(ctx, "secret", "x"); !errors.As(err, &fe) {
		t.Errorf("Set(secret) error = %v, want ForbiddenError", err)
	}
	if v, err := inst.Get(ctx, "name"); err != nil || v != "a" {
		t.Errorf("Get(name) = %v, %v", v, err)
	}
	if err := inst.Set(ctx, "name", "b"); err != nil {
		t.Errorf("Set(name) error = %v", err)
	}

	// Guarded endpoints refuse writes and redact reads.
	if _, err := serve(t, typ.API(), http.MethodPost, "create", map[string]any{"name": "x", "secret": "s"}, nil); !errors.As(err, &fe) {
		t.Errorf("POST create with secret error = %v, want ForbiddenError", err)
	}
	id, _ := typ.Create(ctx, map[string]any{"name": "y", "secret": "s"})
	out, err := serve(t, typ.API(), http.MethodGet, id, nil, nil)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	if _, leaked := out.(Record)["secret"]; leaked {
		t.Error("GET returned a hidden field")
	}
}

func TestWholeRecordReadsRedactSilently(t *testing.T) {
	ctx := context.Background()
	typ := makeTestType(t, testEnv(), Descriptor{
		Name: "T",
		Fields: []Field{
			{Name: "name", Type: stringT},
			{Name: "secret", Type: stringT, Optional: true},
		},
		Setup: func(t *Type) error {
			t.Hidden("secret")
			return nil
		},
	})
	id, err := typ.Create(ctx, map[string]any{"name": "a", "secret": "s"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	inst, err := typ.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	reads := []struct {
		name string
		read func() ([]Record, error)
	}{
		{"list", func() ([]Record, error) {
			out, err := serve(t, typ.API(), http.MethodGet, "", nil, nil)
			recs, _ := out.([]Record)
			return recs, err
		}},
		{"many", func() ([]Record, error) {
			out, err := serve(t, typ.API(), http.MethodGet, "many", nil, url.Values{"ids": {id}})
			recs, _ := out.([]Record)
			return recs, err
		}},
		{"snapshot", func() ([]Record, error) {
			return []Record{inst.Snapshot(ctx)}, nil
		}},
	}
	for _, tt := range reads {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := tt.read()
			if err != nil {
				t.Fatalf("read error = %v, want silent redaction", err)
			}
			if len(recs) != 1 || recs[0]["name"] != "a" {
				t.Fatalf("read = %v, want the record", recs)
			}
			if _, leaked := recs[0]["secret"]; leaked {
				t.Error("hidden field returned")
			}
		})
	}

	var fe *fault.ForbiddenError
	if _, err := inst.Get(ctx, "secret"); !errors.As(err, &fe) {
		t.Errorf("Get(secret) error = %v, want ForbiddenError", err)
	}
}

func TestInstanceSyncAndRelease(t *testing.T) {
	ctx := context.Background()
	w := makeTestType(t, testEnv(), widgetDesc())

	inst, err := w.New(ctx, map[string]any{"name": "a"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.GUID() != "Widget:1" {
		t.Errorf("GUID() = %q, want Widget:1", inst.GUID())
	}
	if inst.API() == nil || inst.API().Path() != "1" {
		t.Errorf("instance node path = %v", inst.API())
	}
	if _, ok := w.Instance("1"); !ok {
		t.Error("New() should attach the instance")
	}

	if err := inst.Set(ctx, "name", "local"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := inst.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	rec, _ := w.GetByID(ctx, "1")
	if rec["name"] != "local" {
		t.Errorf("stored name = %v, want local", rec["name"])
	}

	// An external write is picked up by PullUpdates.
	_ = w.UpdateByID(ctx, "1", map[string]any{"name": "remote"})
	if err := inst.PullUpdates(ctx); err != nil {
		t.Fatalf("PullUpdates() error = %v", err)
	}
	if v, _ := inst.Get(ctx, "name"); v != "remote" {
		t.Errorf("name after PullUpdates() = %v", v)
	}
	if snap := inst.Snapshot(ctx); !reflect.DeepEqual(snap, Record{"id": "1", "name": "remote"}) {
		t.Errorf("Snapshot() = %v", snap)
	}

	if err := inst.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if inst.API() != nil {
		t.Error("Release() should detach the instance")
	}
	if _, ok := w.API().Child("1"); ok {
		t.Error("instance node still mounted after Release()")
	}
	var nf *fault.NotFoundError
	if _, err := w.GetByID(ctx, "1"); !errors.As(err, &nf) {
		t.Errorf("GetByID() after Release() error = %v", err)
	}
}

func TestAttachHooks(t *testing.T) {
	ctx := context.Background()
	w := makeTestType(t, testEnv(), widgetDesc())
	var attached []string
	w.OnAttach(func(inst *Instance) { attached = append(attached, inst.ID()) })

	inst, _ := w.New(ctx, map[string]any{"name": "a"})
	if len(attached) != 1 || attached[0] != inst.ID() {
		t.Errorf("attach hooks ran for %v", attached)
	}
	if err := w.Attach(inst); err != nil {
		t.Errorf("re-Attach() error = %v, want nil", err)
	}

	dup, _ := w.Load(ctx, inst.ID())
	var pe *fault.InvalidPrefixError
	if err := w.Attach(dup); !errors.As(err, &pe) {
		t.Errorf("Attach() of a second handle error = %v, want InvalidPrefixError", err)
	}
}

func TestInheritanceOverrideAndFields(t *testing.T) {
	ctx := context.Background()
	env := testEnv()
	root := api.NewRoot("")

	widget := makeTestType(t, env, widgetDesc())
	_ = root.Mount(widget.Canonical(), widget.API())
	widget.Hidden("internal")

	gadget := makeTestType(t, env, Descriptor{
		Name:    "Gadget",
		Parents: []*Type{widget},
		API:     widget.API(),
		Fields:  []Field{{Name: "volts", Type: intT}},
		Setup: func(t *Type) error {
			t.API().Get("{id}", func(ctx context.Context, req *api.Request) (any, error) {
				return "gadget override", nil
			})
			return nil
		},
	})
	if err := root.Mount(gadget.Canonical(), gadget.API()); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	if gadget.API() == widget.API() {
		t.Fatal("a subtype reusing its parent's node should get a fresh node")
	}
	if gadget.API().Path() != "gadget" {
		t.Errorf("gadget path = %q", gadget.API().Path())
	}

	names := []string{}
	for _, f := range gadget.Fields() {
		names = append(names, f.Name)
	}
	if !reflect.DeepEqual(names, []string{"name", "volts"}) {
		t.Errorf("Fields() = %v", names)
	}
	if _, ok := gadget.Access().Lookup("internal"); !ok {
		t.Error("restrictions should be inherited")
	}
	gadget.Hidden("gadgetOnly")
	if _, ok := widget.Access().Lookup("gadgetOnly"); ok {
		t.Error("subtype restriction leaked into parent")
	}

	// Inherited endpoint acts on the subtype.
	id, err := serve(t, gadget.API(), http.MethodPost, "create", map[string]any{"name": "g", "volts": 5}, nil)
	if err != nil {
		t.Fatalf("inherited POST create error = %v", err)
	}
	if _, err := gadget.GetByID(ctx, id.(string)); err != nil {
		t.Errorf("record not created on the subtype: %v", err)
	}
	if all, _ := widget.GetAll(ctx); len(all) != 0 {
		t.Errorf("parent has %d records, want 0", len(all))
	}

	// Overridden endpoint wins on the subtype only.
	got, _ := serve(t, gadget.API(), http.MethodGet, id.(string), nil, nil)
	if got != "gadget override" {
		t.Errorf("GET on subtype = %v, want override", got)
	}
	wid, _ := widget.Create(ctx, map[string]any{"name": "w"})
	got, err = serve(t, widget.API(), http.MethodGet, wid, nil, nil)
	if err != nil || got.(Record)["name"] != "w" {
		t.Errorf("GET on parent = %v, %v", got, err)
	}

	// Late parent registration is visible through the subtype.
	widget.API().Get("count", func(ctx context.Context, req *api.Request) (any, error) {
		typ, _ := From(req)
		all, err := typ.GetAll(ctx)
		return len(all), err
	})
	got, err = serve(t, gadget.API(), http.MethodGet, "count", nil, nil)
	if err != nil || got != 1 {
		t.Errorf("late inherited endpoint = %v, %v", got, err)
	}

	if _, ok := gadget.ClassMethodByName(OpGetAll); !ok {
		t.Error("class methods should be inherited")
	}
	if !gadget.IsA(widget) || widget.IsA(gadget) {
		t.Error("IsA() relation is wrong")
	}
}

func TestCustomNodeIsKept(t *testing.T) {
	env := testEnv()
	widget := makeTestType(t, env, widgetDesc())

	custom := api.New()
	custom.Get("hello", func(ctx context.Context, req *api.Request) (any, error) { return "hi", nil })
	gadget := makeTestType(t, env, Descriptor{Name: "Gadget", Parents: []*Type{widget}, API: custom})

	if gadget.API() != custom {
		t.Fatal("a custom node should be kept")
	}
	if _, ok := custom.Lookup(http.MethodPost, "create"); !ok {
		t.Error("custom node should still inherit the parent's endpoints")
	}

	if _, err := NewType(Descriptor{Name: "Other", API: custom}, env); err == nil {
		t.Error("a node serving another type should be rejected")
	}
}

func TestFirstParentWinsOnMethods(t *testing.T) {
	env := testEnv()
	a := makeTestType(t, env, Descriptor{Name: "A"})
	b := makeTestType(t, env, Descriptor{Name: "B"})
	_ = a.ClassMethod("who", func(ctx context.Context, t *Type) (string, error) { return "a", nil })
	_ = b.ClassMethod("who", func(ctx context.Context, t *Type) (string, error) { return "b", nil })

	c := makeTestType(t, env, Descriptor{Name: "C", Parents: []*Type{a, b}})
	m, ok := c.ClassMethodByName("who")
	if !ok {
		t.Fatal("method not inherited")
	}
	out, err := m.Invoke(context.Background(), c, nil)
	if err != nil || out.Interface() != "a" {
		t.Errorf("who() = %v, %v, want a", out, err)
	}
}

func TestMethodSignatures(t *testing.T) {
	typ := makeTestType(t, testEnv(), widgetDesc())

	tests := []struct {
		name    string
		fn      any
		params  []string
		wantErr bool
	}{
		{"ok", func(ctx context.Context, t *Type, a int) (int, error) { return a, nil }, []string{"a"}, false},
		{"error only", func(ctx context.Context, t *Type) error { return nil }, nil, false},
		{"default names", func(ctx context.Context, t *Type, a, b int) error { return nil }, nil, false},
		{"rest", func(ctx context.Context, t *Type, r Record) error { return nil }, []string{"...r"}, false},
		{"not a func", 3, nil, true},
		{"no context", func(t *Type) error { return nil }, nil, true},
		{"wrong receiver", func(ctx context.Context, i *Instance) error { return nil }, nil, true},
		{"no error", func(ctx context.Context, t *Type) int { return 0 }, nil, true},
		{"param count", func(ctx context.Context, t *Type, a int) error { return nil }, []string{"a", "b"}, true},
		{"rest not last", func(ctx context.Context, t *Type, r Record, a int) error { return nil }, []string{"...r", "a"}, true},
		{"rest not record", func(ctx context.Context, t *Type, a int) error { return nil }, []string{"...a"}, true},
		{"variadic", func(ctx context.Context, t *Type, a ...int) error { return nil }, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := typ.ClassMethod("m", tt.fn, tt.params...)
			if (err != nil) != tt.wantErr {
				t.Errorf("ClassMethod() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	m, _ := typ.ClassMethodByName("m")
	if m.Rest != 0 || len(m.Params) != 1 || m.Params[0] != "r" {
		t.Errorf("method = %+v", m)
	}
}

func TestLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	env := testEnv()
	var got []string
	env.Events.Subscribe("widget.*", func(ctx context.Context, e events.Event) error {
		got = append(got, e.Action+":"+e.ID)
		return nil
	})
	w := makeTestType(t, env, widgetDesc())

	id, _ := w.Create(ctx, map[string]any{"name": "a"})
	_ = w.UpdateByID(ctx, id, map[string]any{"name": "b"})
	_ = w.DeleteByID(ctx, id)
	_ = w.DeleteByID(ctx, id)

	want := []string{"created:1", "updated:1", "deleted:1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestNotReady(t *testing.T) {
	env := testEnv()
	env.Ready = func() bool { return false }
	w := makeTestType(t, env, widgetDesc())
	if _, err := w.Create(context.Background(), map[string]any{"name": "a"}); err == nil {
		t.Error("Create() before schema init should fail")
	}
}

type gizmo struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Parts []string `json:"parts,omitempty"`
}

func TestRecordStructAndDecode(t *testing.T) {
	ctx := context.Background()
	env := testEnv()
	g := makeTestType(t, env, Descriptor{Name: "Gizmo", Record: reflect.TypeFor[gizmo]()})

	if f, ok := g.Field("parts"); !ok || !f.Optional {
		t.Errorf("derived field parts = %+v, %v", f, ok)
	}
	if _, ok := g.Field("id"); ok {
		t.Error("id must not be part of the schema")
	}

	inst, err := g.New(ctx, map[string]any{"label": "x", "parts": []any{"p"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	out, err := Decode[gizmo](env.Registry, inst.Snapshot(ctx))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := gizmo{ID: inst.ID(), Label: "x", Parts: []string{"p"}}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("Decode() = %+v, want %+v", out, want)
	}
}

func TestSplitIDs(t *testing.T) {
	got := SplitIDs([]string{"1,2", " 3 ", "", "4,,5"})
	want := []string{"1", "2", "3", "4", "5"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitIDs() = %v, want %v", got, want)
	}
}

func TestGetManyEndpoint(t *testing.T) {
	ctx := context.Background()
	w := makeTestType(t, testEnv(), widgetDesc())
	for _, n := range []string{"a", "b"} {
		_, _ = w.Create(ctx, map[string]any{"name": n})
	}

	out, err := serve(t, w.API(), http.MethodGet, "many", nil, url.Values{"ids": {"2,1"}})
	if err != nil {
		t.Fatalf("GET many error = %v", err)
	}
	recs := out.([]Record)
	if len(recs) != 2 || recs[0]["name"] != "b" || recs[1]["name"] != "a" {
		t.Errorf("GET many = %v", recs)
	}
}
