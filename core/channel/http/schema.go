package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/sop/core/entity"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/openapi"
	"github.com/artpar/sop/core/rpc"
)

// TypeLister lists the declared entity types.
type TypeLister interface {
	Types() []*entity.Type
}

// TypeSummary is one entry of the type listing.
type TypeSummary struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Parents []string `json:"parents,omitempty"`
}

// FieldSchema describes a record field.
type FieldSchema struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Optional   bool   `json:"optional,omitempty"`
	Restricted bool   `json:"restricted,omitempty"`
}

// MethodSchema describes an rpc method.
type MethodSchema struct {
	Name   string   `json:"name"`
	Params []string `json:"params"`
	Rest   string   `json:"rest,omitempty"`
}

// EndpointSchema describes an effective route of the class node.
type EndpointSchema struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Summary string `json:"summary,omitempty"`
}

// TypeSchema describes one entity type.
type TypeSchema struct {
	Name            string           `json:"name"`
	Canonical       string           `json:"canonical"`
	Path            string           `json:"path"`
	Table           string           `json:"table"`
	Parents         []string         `json:"parents,omitempty"`
	Fields          []FieldSchema    `json:"fields"`
	ClassMethods    []MethodSchema   `json:"classMethods"`
	InstanceMethods []MethodSchema   `json:"instanceMethods"`
	Endpoints       []EndpointSchema `json:"endpoints"`
}

// SchemaHandler handles schema introspection requests.
type SchemaHandler struct {
	types TypeLister
}

// NewSchemaHandler creates a new schema handler.
func NewSchemaHandler(types TypeLister) *SchemaHandler {
	return &SchemaHandler{types: types}
}

// Routes returns a router with all schema routes.
func (h *SchemaHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.listTypes)
	r.Get("/{type}", h.getTypeSchema)
	return r
}

// listTypes handles GET /_schema
func (h *SchemaHandler) listTypes(w http.ResponseWriter, r *http.Request) {
	types := h.types.Types()
	summaries := make([]TypeSummary, 0, len(types))
	for _, t := range types {
		summaries = append(summaries, TypeSummary{
			Name:    t.Name(),
			Path:    "/" + t.API().Path(),
			Parents: parentNames(t),
		})
	}
	writeSchemaJSON(w, http.StatusOK, map[string]any{
		"types": summaries,
		"count": len(summaries),
	})
}

// getTypeSchema handles GET /_schema/{type}, by declared or canonical name.
func (h *SchemaHandler) getTypeSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "type")
	for _, t := range h.types.Types() {
		if t.Name() == name || t.Canonical() == name {
			writeSchemaJSON(w, http.StatusOK, BuildTypeSchema(t))
			return
		}
	}
	err := &fault.NotFoundError{Type: "entity type", IDs: []string{name}}
	writeSchemaJSON(w, err.StatusCode(), rpc.ErrorFor(err))
}

// BuildTypeSchema describes t.
func BuildTypeSchema(t *entity.Type) TypeSchema {
	restricted := map[string]bool{}
	for _, a := range t.Access().Attributes() {
		restricted[a] = true
	}

	s := TypeSchema{
		Name:      t.Name(),
		Canonical: t.Canonical(),
		Path:      "/" + t.API().Path(),
		Table:     t.Collection().Table,
		Parents:   parentNames(t),
	}
	for _, f := range t.Fields() {
		s.Fields = append(s.Fields, FieldSchema{
			Name:       f.Name,
			Type:       f.Type.String(),
			Optional:   f.Optional,
			Restricted: restricted[f.Name],
		})
	}
	for _, name := range t.ClassMethods() {
		m, _ := t.ClassMethodByName(name)
		s.ClassMethods = append(s.ClassMethods, buildMethod(m))
	}
	for _, name := range t.InstanceMethods() {
		m, _ := t.InstanceMethodByName(name)
		s.InstanceMethods = append(s.InstanceMethods, buildMethod(m))
	}
	for _, route := range t.API().Routes() {
		s.Endpoints = append(s.Endpoints, EndpointSchema{
			Method:  route.Verb,
			Path:    "/" + route.FullPath(),
			Summary: route.Summary,
		})
	}
	return s
}

func buildMethod(m *entity.Method) MethodSchema {
	ms := MethodSchema{Name: m.Name, Params: append([]string{}, m.Params...)}
	if m.Rest >= 0 {
		ms.Rest = m.Params[m.Rest]
	}
	return ms
}

func parentNames(t *entity.Type) []string {
	var names []string
	for _, p := range t.Parents() {
		names = append(names, p.Name())
	}
	return names
}

func writeSchemaJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// handleOpenAPI serves the OpenAPI document of the tree, generated per
// request so that routes registered after startup are listed.
func (c *Channel) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	gen := openapi.NewGenerator(c.root, c.cfg.Types.Types())
	if c.cfg.APIInfo.Title != "" {
		gen.SetInfo(c.cfg.APIInfo)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	gen.AddServer(fmt.Sprintf("%s://%s", scheme, r.Host), "current server")
	if c.cfg.BearerAuth {
		gen.EnableBearer()
	}

	data, err := gen.Generate().ToJSON()
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(data)
}
