package api

import (
	"context"
	"errors"
	"testing"

	"github.com/artpar/sop/core/fault"
)

func constHandler(v string) Handler {
	return func(ctx context.Context, req *Request) (any, error) { return v, nil }
}

func call(t *testing.T, n *Node, verb, path string) any {
	t.Helper()
	r, ok := n.Lookup(verb, path)
	if !ok {
		t.Fatalf("Lookup(%s, %q) on %s not found", verb, path, n)
	}
	v, err := r.Handler(context.Background(), &Request{Verb: verb, Path: path})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	return v
}

func TestPathComposition(t *testing.T) {
	tests := []struct {
		name     string
		root     string
		segments []string
		want     string
	}{
		{"empty root", "", []string{"widget"}, "widget"},
		{"prefixed root", "api", []string{"widget"}, "api/widget"},
		{"nested", "", []string{"widget", "42"}, "widget/42"},
		{"slashes trimmed", "/api/", []string{"/widget/"}, "api/widget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewRoot(tt.root)
			for _, seg := range tt.segments {
				child, err := n.SubAPI(seg)
				if err != nil {
					t.Fatalf("SubAPI(%q) error = %v", seg, err)
				}
				n = child
			}
			if got := n.Path(); got != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMountErrors(t *testing.T) {
	root := NewRoot("")
	if _, err := root.SubAPI("widget"); err != nil {
		t.Fatalf("SubAPI() error = %v", err)
	}
	mounted, _ := root.Child("widget")

	tests := []struct {
		name   string
		prefix string
		child  *Node
	}{
		{"empty prefix", "", New()},
		{"slash only", "/", New()},
		{"duplicate sibling", "widget", New()},
		{"nested segment", "a/b", New()},
		{"already mounted", "other", mounted},
		{"nil child", "nil", nil},
		{"root child", "r", NewRoot("")},
		{"ancestor", "loop", root},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := root.Mount(tt.prefix, tt.child)
			var pe *fault.InvalidPrefixError
			if !errors.As(err, &pe) {
				t.Errorf("Mount() error = %v, want InvalidPrefixError", err)
			}
		})
	}

	if err := root.Mount("widget", mounted); err != nil {
		t.Errorf("re-mounting the same child at the same prefix error = %v, want nil", err)
	}
}

func TestHandleNormalizesAndReplaces(t *testing.T) {
	n := New()
	n.Get("/items", constHandler("first"))
	n.Get("items", constHandler("second"))
	n.Get("/", constHandler("index"))

	if got := call(t, n, "get", "items/"); got != "second" {
		t.Errorf("handler = %v, want last registration to win", got)
	}
	if got := call(t, n, GET, ""); got != "index" {
		t.Errorf("handler = %v, want index", got)
	}
	if len(n.OwnRoutes()) != 2 {
		t.Errorf("OwnRoutes() = %d routes, want 2", len(n.OwnRoutes()))
	}
}

func TestEndpointRegistration(t *testing.T) {
	n := New()
	n.Endpoint(POST, "/create")(constHandler("made"), WithStatus(201), WithSummary("create one"))

	r, ok := n.Lookup(POST, "create")
	if !ok {
		t.Fatal("Lookup() not found")
	}
	if r.Status != 201 || r.Summary != "create one" {
		t.Errorf("route = %+v, want status 201 and summary", r)
	}
	if r.Owner != n {
		t.Error("route owner should be the registering node")
	}
}

func TestVerbHelpers(t *testing.T) {
	n := New()
	n.Get("x", constHandler(GET))
	n.Post("x", constHandler(POST))
	n.Put("x", constHandler(PUT))
	n.Delete("x", constHandler(DELETE))
	n.Patch("x", constHandler(PATCH))
	n.Head("x", constHandler(HEAD))
	n.Options("x", constHandler(OPTIONS))

	for _, verb := range []string{GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS} {
		if got := call(t, n, verb, "x"); got != verb {
			t.Errorf("%s handler = %v", verb, got)
		}
	}
}

func TestMergeInheritsAndOverrides(t *testing.T) {
	root := NewRoot("")
	parent, _ := root.SubAPI("widget")
	parent.Get("", constHandler("parent list"))
	parent.Get("{id}", constHandler("parent get"))

	child := New()
	child.Merge(parent)
	if err := root.Mount("gadget", child); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	child.Get("{id}", constHandler("child get"))

	if got := call(t, child, GET, "{id}"); got != "child get" {
		t.Errorf("overridden endpoint = %v, want child get", got)
	}
	if got := call(t, child, GET, ""); got != "parent list" {
		t.Errorf("inherited endpoint = %v, want parent list", got)
	}
	if got := call(t, parent, GET, "{id}"); got != "parent get" {
		t.Errorf("parent endpoint = %v, override must not leak into the parent", got)
	}

	// Late registration on the merged node is visible through the child.
	parent.Post("create", constHandler("parent create"))
	if got := call(t, child, POST, "create"); got != "parent create" {
		t.Errorf("late endpoint = %v, want parent create", got)
	}

	if p := child.Path(); p != "gadget" {
		t.Errorf("child Path() = %q, merging must not move the child", p)
	}
}

func TestMergeRedirectsDetachedNode(t *testing.T) {
	target := New()
	other := New()
	other.Get("old", constHandler("old"))

	target.Merge(other)
	target.Merge(other)
	target.Merge(target)

	if len(target.Merged()) != 1 {
		t.Errorf("Merged() = %d nodes, want 1 (merge is idempotent)", len(target.Merged()))
	}
	if other.Resolve() != target {
		t.Fatal("detached node should redirect to the merge target")
	}

	// Registering on the target after the merge is visible through other.
	target.Get("late", constHandler("late"))
	if got := call(t, other, GET, "late"); got != "late" {
		t.Errorf("late endpoint through other = %v", got)
	}

	// Registering on other lands on the target.
	other.Get("redirected", constHandler("redirected"))
	if got := call(t, target, GET, "redirected"); got != "redirected" {
		t.Errorf("redirected endpoint = %v", got)
	}
	for _, r := range other.Routes() {
		if r.Owner != target && r.Path != "old" {
			t.Errorf("route %s owned by %s, want target", r.Path, r.Owner)
		}
	}

	// Handlers registered before the merge remain reachable.
	if got := call(t, target, GET, "old"); got != "old" {
		t.Errorf("pre-merge endpoint = %v", got)
	}

	// Merging the alias back is a no-op.
	other.Merge(target)
	if len(target.Merged()) != 1 {
		t.Errorf("Merged() after reverse merge = %d, want 1", len(target.Merged()))
	}
}

func TestMergeFirstAncestorWins(t *testing.T) {
	root := NewRoot("")
	a, _ := root.SubAPI("a")
	b, _ := root.SubAPI("b")
	a.Get("who", constHandler("a"))
	b.Get("who", constHandler("b"))
	b.Get("only-b", constHandler("b"))

	c := New()
	c.Merge(a)
	c.Merge(b)

	if got := call(t, c, GET, "who"); got != "a" {
		t.Errorf("tie = %v, want first ancestor a", got)
	}
	if got := call(t, c, GET, "only-b"); got != "b" {
		t.Errorf("only-b = %v, want b", got)
	}
	if a.Resolve() != a || b.Resolve() != b {
		t.Error("mounted ancestors must not be redirected")
	}
}

func TestMergeCycleTerminates(t *testing.T) {
	root := NewRoot("")
	a, _ := root.SubAPI("a")
	b, _ := root.SubAPI("b")
	a.Merge(b)
	b.Merge(a)

	if _, ok := a.Lookup(GET, "missing"); ok {
		t.Error("Lookup() on a merge cycle should miss, not loop")
	}
	if len(a.Routes()) != 0 {
		t.Error("Routes() on a merge cycle should be empty")
	}
}

func TestRoutesPrefixAndShadowing(t *testing.T) {
	root := NewRoot("api")
	parent, _ := root.SubAPI("widget")
	parent.Get("{id}", constHandler("p"))
	parent.Get("", constHandler("p"))

	child, _ := root.SubAPI("gadget")
	child.Merge(parent)
	child.Get("{id}", constHandler("c"))

	routes := child.Routes()
	if len(routes) != 2 {
		t.Fatalf("Routes() = %d, want 2", len(routes))
	}
	if routes[0].FullPath() != "api/gadget/{id}" || routes[0].Owner != child {
		t.Errorf("routes[0] = %s owned by %s", routes[0].FullPath(), routes[0].Owner)
	}
	if routes[1].FullPath() != "api/gadget" || routes[1].Owner != parent {
		t.Errorf("routes[1] = %s owned by %s", routes[1].FullPath(), routes[1].Owner)
	}
}

func TestMatchPrefersStaticSegments(t *testing.T) {
	n := New()
	n.Get("{id}", constHandler("by id"))
	n.Get("many", constHandler("many"))
	n.Get("{id}/rpc", constHandler("instance rpc"))
	n.Post("rpc/{id}", constHandler("jit rpc"))

	tests := []struct {
		verb       string
		path       string
		want       string
		wantParams map[string]string
	}{
		{GET, "many", "many", nil},
		{GET, "42", "by id", map[string]string{"id": "42"}},
		{GET, "42/rpc", "instance rpc", map[string]string{"id": "42"}},
		{POST, "rpc/7", "jit rpc", map[string]string{"id": "7"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, params, ok := n.Match(tt.verb, tt.path)
			if !ok {
				t.Fatalf("Match(%s, %q) not found", tt.verb, tt.path)
			}
			got, _ := r.Handler(context.Background(), &Request{})
			if got != tt.want {
				t.Errorf("Match() handler = %v, want %v", got, tt.want)
			}
			for k, v := range tt.wantParams {
				if params[k] != v {
					t.Errorf("param %s = %q, want %q", k, params[k], v)
				}
			}
		})
	}

	if _, _, ok := n.Match(DELETE, "42"); ok {
		t.Error("Match() with unregistered verb should miss")
	}
}

func TestAttachMergesIntoExistingSibling(t *testing.T) {
	root := NewRoot("")
	existing, _ := root.SubAPI("widget")

	extra := New()
	extra.Get("extra", constHandler("extra"))
	if err := root.Attach("widget", extra); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if got := call(t, existing, GET, "extra"); got != "extra" {
		t.Errorf("merged endpoint = %v", got)
	}

	fresh := New()
	if err := root.Attach("gadget", fresh); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if fresh.Path() != "gadget" {
		t.Errorf("Path() = %q, want gadget", fresh.Path())
	}
}

func TestUnmountAndWalk(t *testing.T) {
	root := NewRoot("")
	w, _ := root.SubAPI("widget")
	_, _ = w.SubAPI("1")
	_, _ = root.SubAPI("gadget")
	w.Get("", constHandler("list"))

	var paths []string
	_ = root.Walk(func(n *Node) error {
		paths = append(paths, n.Path())
		return nil
	})
	want := []string{"", "widget", "widget/1", "gadget"}
	if len(paths) != len(want) {
		t.Fatalf("Walk() visited %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("Walk()[%d] = %q, want %q", i, paths[i], want[i])
		}
	}

	all := root.AllRoutes()
	if len(all) != 1 || all[0].FullPath() != "widget" {
		t.Errorf("AllRoutes() = %+v", all)
	}

	removed := w.Unmount("1")
	if removed == nil || removed.Parent() != nil {
		t.Fatal("Unmount() should detach the child")
	}
	if _, ok := w.Child("1"); ok {
		t.Error("Child() after Unmount() should miss")
	}
	if w.Unmount("1") != nil {
		t.Error("second Unmount() should return nil")
	}
}

func TestBindFollowsRedirect(t *testing.T) {
	target := New()
	other := New()
	target.Bind("owner")
	target.Merge(other)

	if got := other.Bound(); got != "owner" {
		t.Errorf("Bound() through alias = %v, want owner", got)
	}
	if New().Bound() != nil {
		t.Error("unbound node should report nil")
	}
}
