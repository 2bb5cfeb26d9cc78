package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/app"
	"github.com/artpar/sop/core/entity"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
)

var stringT = reflect.TypeFor[string]()

func newTestServer(t *testing.T, prefix string) (*app.App, *entity.Type, *httptest.Server) {
	t.Helper()
	reg := parsing.NewRegistry()
	a := app.New(app.Config{Prefix: prefix, Registry: reg, Logger: zerolog.Nop(), AutoRPC: true})
	w := a.MustDeclare(entity.Descriptor{
		Name: "Widget",
		Fields: []entity.Field{
			{Name: "name", Type: stringT},
			{Name: "secret", Type: stringT, Optional: true},
		},
	})
	w.Hidden("secret")
	a.MustDeclare(entity.Descriptor{Name: "Gadget", Parents: []*entity.Type{w}})
	if err := a.InitSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := New(a.API(), Config{
		Logger:         zerolog.Nop(),
		Registry:       reg,
		Types:          a,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) }),
	})
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)
	return a, w, srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		return resp.StatusCode, nil
	}
	var v any
	if err := json.Unmarshal(buf.Bytes(), &v); err != nil {
		t.Fatalf("%s %s: invalid JSON %q", method, path, buf.String())
	}
	return resp.StatusCode, v
}

func errorKind(v any) string {
	m, _ := v.(map[string]any)
	k, _ := m["error_kind"].(string)
	return k
}

func TestChannel_Name(t *testing.T) {
	c := &Channel{}
	if c.Name() != "http" {
		t.Errorf("Name() = %q, want %q", c.Name(), "http")
	}
}

func TestWidgetCRUD(t *testing.T) {
	_, _, srv := newTestServer(t, "")

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		want       any
		wantKind   string
	}{
		{"create", "POST", "/widget/create", `{"name":"a"}`, http.StatusCreated, "1", ""},
		{"get", "GET", "/widget/1", "", http.StatusOK, map[string]any{"id": "1", "name": "a"}, ""},
		{"list", "GET", "/widget", "", http.StatusOK, []any{map[string]any{"id": "1", "name": "a"}}, ""},
		{"many", "GET", "/widget/many?ids=1", "", http.StatusOK, []any{map[string]any{"id": "1", "name": "a"}}, ""},
		{"update", "PUT", "/widget/1", `{"name":"b"}`, http.StatusNoContent, nil, ""},
		{"get updated", "GET", "/widget/1", "", http.StatusOK, map[string]any{"id": "1", "name": "b"}, ""},
		{"many missing", "GET", "/widget/many?ids=1,9", "", http.StatusNotFound, nil, fault.KindNotFound},
		{"delete", "DELETE", "/widget/1", "", http.StatusNoContent, nil, ""},
		{"get deleted", "GET", "/widget/1", "", http.StatusNotFound, nil, fault.KindNotFound},
		{"delete absent", "DELETE", "/widget/1", "", http.StatusNotFound, nil, fault.KindNotFound},
		{"create missing field", "POST", "/widget/create", `{}`, http.StatusUnprocessableEntity, nil, fault.KindValidation},
		{"create bad json", "POST", "/widget/create", `{"name":`, http.StatusUnprocessableEntity, nil, fault.KindValidation},
		{"create hidden field", "POST", "/widget/create", `{"name":"x","secret":"s"}`, http.StatusForbidden, nil, fault.KindForbidden},
		{"unknown route", "GET", "/nothing/here", "", http.StatusNotFound, nil, fault.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, got := do(t, srv, tt.method, tt.path, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", status, tt.wantStatus, got)
			}
			if tt.wantKind != "" {
				if k := errorKind(got); k != tt.wantKind {
					t.Errorf("error_kind = %q, want %q", k, tt.wantKind)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("body = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRPCOverHTTP(t *testing.T) {
	_, w, srv := newTestServer(t, "")

	status, got := do(t, srv, "POST", "/widget/rpc", `{"method":"getAll","args":[],"kwds":{}}`)
	if status != http.StatusOK || !reflect.DeepEqual(got, []any{}) {
		t.Fatalf("getAll = %d %#v, want 200 []", status, got)
	}

	status, got = do(t, srv, "POST", "/widget/rpc", `{"method":"create","kwds":{"name":"a"}}`)
	if status != http.StatusOK || got != "1" {
		t.Fatalf("create = %d %#v", status, got)
	}

	status, got = do(t, srv, "GET", "/widget/rpc/1?method=get&args="+url.QueryEscape(`["name"]`), "")
	if status != http.StatusOK || got != "a" {
		t.Errorf("indexed get = %d %#v", status, got)
	}

	// Not resident: resolved on the class node as an indexed call.
	status, got = do(t, srv, "POST", "/widget/1/rpc", `{"method":"get","args":["name"]}`)
	if status != http.StatusOK || got != "a" {
		t.Errorf("class {id}/rpc get = %d %#v", status, got)
	}

	inst, err := w.New(context.Background(), map[string]any{"name": "live"})
	if err != nil {
		t.Fatal(err)
	}
	status, got = do(t, srv, "POST", "/widget/"+inst.ID()+"/rpc", `{"method":"get","kwds":{"name":"name"}}`)
	if status != http.StatusOK || got != "live" {
		t.Errorf("resident get = %d %#v", status, got)
	}
	// Default endpoints still resolve for a resident id by backtracking.
	status, got = do(t, srv, "GET", "/widget/"+inst.ID(), "")
	if status != http.StatusOK {
		t.Errorf("GET resident record = %d %#v", status, got)
	}

	status, got = do(t, srv, "POST", "/widget/1/rpc", `{"method":"get","args":["secret"]}`)
	if status != http.StatusForbidden || errorKind(got) != fault.KindForbidden {
		t.Errorf("hidden get = %d %#v", status, got)
	}

	status, got = do(t, srv, "POST", "/widget/rpc", `{"method":"explode"}`)
	if status != http.StatusNotImplemented || errorKind(got) != fault.KindUnsupportedMethod {
		t.Errorf("unknown method = %d %#v", status, got)
	}

	status, got = do(t, srv, "POST", "/gadget/rpc", `{"method":"getAll"}`)
	if status != http.StatusOK || !reflect.DeepEqual(got, []any{}) {
		t.Errorf("inherited gadget rpc = %d %#v", status, got)
	}
}

func TestRootPrefix(t *testing.T) {
	_, _, srv := newTestServer(t, "api")

	if status, _ := do(t, srv, "POST", "/api/widget/create", `{"name":"a"}`); status != http.StatusCreated {
		t.Errorf("prefixed create status = %d", status)
	}
	if status, _ := do(t, srv, "GET", "/widget/1", ""); status != http.StatusNotFound {
		t.Errorf("unprefixed get status = %d, want 404", status)
	}
}

func TestResolve(t *testing.T) {
	root := api.NewRoot("")
	cls, _ := root.SubAPI("widget")
	cls.Get("{id}", nil)
	cls.Post("{id}/rpc", nil)
	inst, _ := cls.SubAPI("7")
	inst.Post("rpc", nil)

	tests := []struct {
		verb     string
		path     string
		wantNode *api.Node
		wantPath string
		ok       bool
	}{
		{"POST", "/widget/7/rpc", inst, "rpc", true},
		{"POST", "/widget/8/rpc", cls, "{id}/rpc", true},
		{"GET", "/widget/7", cls, "{id}", true},
		{"DELETE", "/widget/7", nil, "", false},
	}
	for _, tt := range tests {
		r, _, node, ok := Resolve(root, tt.verb, tt.path)
		if ok != tt.ok {
			t.Fatalf("Resolve(%s %s) ok = %v", tt.verb, tt.path, ok)
		}
		if !ok {
			continue
		}
		if node != tt.wantNode || r.Path != tt.wantPath {
			t.Errorf("Resolve(%s %s) = %s on %s", tt.verb, tt.path, r.Path, node)
		}
	}
}

func TestMetricsAndSchema(t *testing.T) {
	_, _, srv := newTestServer(t, "")

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}

	status, got := do(t, srv, "GET", "/_schema", "")
	if status != http.StatusOK {
		t.Fatalf("schema list status = %d", status)
	}
	if got.(map[string]any)["count"] != float64(2) {
		t.Errorf("schema count = %v", got)
	}

	status, got = do(t, srv, "GET", "/_schema/gadget", "")
	if status != http.StatusOK {
		t.Fatalf("schema get status = %d", status)
	}
	s := got.(map[string]any)
	if s["name"] != "Gadget" || s["path"] != "/gadget" {
		t.Errorf("schema = %v", s)
	}
	fields := s["fields"].([]any)
	if len(fields) != 2 {
		t.Errorf("gadget fields = %v", fields)
	}

	if status, _ := do(t, srv, "GET", "/_schema/nope", ""); status != http.StatusNotFound {
		t.Errorf("unknown schema status = %d", status)
	}
}

func TestOpenAPIAndSwaggerUI(t *testing.T) {
	_, _, srv := newTestServer(t, "")

	status, got := do(t, srv, "GET", "/_openapi.json", "")
	if status != http.StatusOK {
		t.Fatalf("openapi status = %d", status)
	}
	doc := got.(map[string]any)
	if doc["openapi"] != "3.0.3" {
		t.Errorf("openapi version = %v", doc["openapi"])
	}
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/widget/{id}", "/widget/create", "/gadget/rpc"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("path %s missing", p)
		}
	}
	schemas := doc["components"].(map[string]any)["schemas"].(map[string]any)
	if _, ok := schemas["Gadget"]; !ok {
		t.Error("Gadget schema missing")
	}
	servers := doc["servers"].([]any)
	if servers[0].(map[string]any)["url"] != srv.URL {
		t.Errorf("servers = %v, want %s", servers, srv.URL)
	}

	resp, err := srv.Client().Get(srv.URL + "/swagger/index.html")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("swagger status = %d", resp.StatusCode)
	}
	if !strings.Contains(body.String(), "/_openapi.json") {
		t.Error("swagger ui does not point at /_openapi.json")
	}
}
