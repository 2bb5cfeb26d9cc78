// Package openapi generates an OpenAPI 3.0 document from the live API tree.
//
// Paths come from the effective routes of the root node, so inherited and
// overridden endpoints appear as they are served. Each declared entity type
// contributes a record schema, an input schema and a tag; its rpc endpoints
// carry the names of the methods they accept.
package openapi

import (
	"encoding/json"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/entity"
)

// Spec is an OpenAPI 3.0 document.
type Spec struct {
	OpenAPI    string              `json:"openapi"`
	Info       Info                `json:"info"`
	Servers    []Server            `json:"servers,omitempty"`
	Paths      map[string]PathItem `json:"paths"`
	Components Components          `json:"components"`
	Tags       []Tag               `json:"tags,omitempty"`
}

// Info provides API metadata.
type Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

// Server is a base URL the API is served from.
type Server struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Tag groups the operations of one entity type.
type Tag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PathItem holds the operations of one path.
type PathItem struct {
	Get     *Operation `json:"get,omitempty"`
	Post    *Operation `json:"post,omitempty"`
	Put     *Operation `json:"put,omitempty"`
	Patch   *Operation `json:"patch,omitempty"`
	Delete  *Operation `json:"delete,omitempty"`
	Head    *Operation `json:"head,omitempty"`
	Options *Operation `json:"options,omitempty"`
}

// Operation is one verb on one path.
type Operation struct {
	Tags        []string              `json:"tags,omitempty"`
	Summary     string                `json:"summary,omitempty"`
	OperationID string                `json:"operationId"`
	Parameters  []Parameter           `json:"parameters,omitempty"`
	RequestBody *RequestBody          `json:"requestBody,omitempty"`
	Responses   map[string]Response   `json:"responses"`
	Security    []SecurityRequirement `json:"security,omitempty"`
}

// Parameter is a path or query parameter.
type Parameter struct {
	Name     string  `json:"name"`
	In       string  `json:"in"`
	Required bool    `json:"required,omitempty"`
	Schema   *Schema `json:"schema,omitempty"`
}

// RequestBody describes a JSON request body.
type RequestBody struct {
	Required bool                 `json:"required,omitempty"`
	Content  map[string]MediaType `json:"content"`
}

// Response describes one response status.
type Response struct {
	Description string               `json:"description"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// MediaType wraps a schema for a content type.
type MediaType struct {
	Schema *Schema `json:"schema,omitempty"`
}

// Schema is a JSON Schema subset.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Format               string             `json:"format,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	AdditionalProperties *Schema            `json:"additionalProperties,omitempty"`
	Enum                 []string           `json:"enum,omitempty"`
	Ref                  string             `json:"$ref,omitempty"`
	Nullable             bool               `json:"nullable,omitempty"`
}

// Components holds the reusable schemas.
type Components struct {
	Schemas         map[string]*Schema        `json:"schemas,omitempty"`
	SecuritySchemes map[string]SecurityScheme `json:"securitySchemes,omitempty"`
}

// SecurityScheme defines an authentication method.
type SecurityScheme struct {
	Type         string `json:"type"`
	Scheme       string `json:"scheme,omitempty"`
	BearerFormat string `json:"bearerFormat,omitempty"`
	Description  string `json:"description,omitempty"`
}

// SecurityRequirement names the schemes an operation accepts.
type SecurityRequirement map[string][]string

const (
	errorSchema = "Error"
	jsonContent = "application/json"
	bearerAuth  = "bearerAuth"
)

// Generator builds a Spec from a root node and the types mounted under it.
type Generator struct {
	root    *api.Node
	types   []*entity.Type
	info    Info
	servers []Server
	bearer  bool
}

// NewGenerator creates a generator for root and types.
func NewGenerator(root *api.Node, types []*entity.Type) *Generator {
	return &Generator{
		root:  root,
		types: types,
		info:  Info{Title: "sop API", Version: "1.0.0"},
	}
}

// SetInfo sets the document metadata.
func (g *Generator) SetInfo(info Info) { g.info = info }

// AddServer adds a base URL.
func (g *Generator) AddServer(url, description string) {
	g.servers = append(g.servers, Server{URL: url, Description: description})
}

// EnableBearer declares the bearer token scheme and marks every operation
// as accepting it. Anonymous calls remain valid.
func (g *Generator) EnableBearer() { g.bearer = true }

// Generate builds the document.
func (g *Generator) Generate() *Spec {
	spec := &Spec{
		OpenAPI: "3.0.3",
		Info:    g.info,
		Servers: g.servers,
		Paths:   make(map[string]PathItem),
		Components: Components{
			Schemas: map[string]*Schema{
				errorSchema: {
					Type: "object",
					Properties: map[string]*Schema{
						"error_kind": {Type: "string"},
						"message":    {Type: "string"},
					},
					Required: []string{"error_kind", "message"},
				},
			},
		},
	}
	if g.bearer {
		spec.Components.SecuritySchemes = map[string]SecurityScheme{
			bearerAuth: {
				Type:        "http",
				Scheme:      "bearer",
				Description: "session token returned by User.login",
			},
		}
	}

	byPath := make(map[string]*entity.Type, len(g.types))
	types := append([]*entity.Type(nil), g.types...)
	sort.Slice(types, func(i, j int) bool { return types[i].Name() < types[j].Name() })
	for _, t := range types {
		byPath[t.API().Path()] = t
		spec.Components.Schemas[t.Name()] = recordSchema(t, true)
		spec.Components.Schemas[t.Name()+"Input"] = recordSchema(t, false)
		spec.Tags = append(spec.Tags, Tag{Name: t.Name(), Description: "/" + t.API().Path()})
	}

	for _, route := range g.root.AllRoutes() {
		if _, resident := route.Owner.Bound().(*entity.Instance); resident {
			// covered by the class node's {id} routes
			continue
		}
		t := byPath[route.Prefix]
		path := "/" + route.FullPath()
		item := spec.Paths[path]
		setOperation(&item, route.Verb, g.operation(route, t))
		spec.Paths[path] = item
	}
	return spec
}

var paramPattern = regexp.MustCompile(`\{([^}/]+)\}`)

func (g *Generator) operation(route api.Route, t *entity.Type) *Operation {
	op := &Operation{
		Summary:     route.Summary,
		OperationID: operationID(route),
		Responses:   map[string]Response{},
	}
	for _, m := range paramPattern.FindAllStringSubmatch(route.Path, -1) {
		op.Parameters = append(op.Parameters, Parameter{
			Name: m[1], In: "path", Required: true, Schema: &Schema{Type: "string"},
		})
	}
	if g.bearer {
		op.Security = []SecurityRequirement{{}, {bearerAuth: {}}}
	}

	status := route.Status
	if status == 0 {
		status = 200
	}
	var body, result *Schema
	if t != nil {
		op.Tags = []string{t.Name()}
		body, result = crudSchemas(t, route)
		if rpcBody := rpcSchema(t, route); rpcBody != nil {
			body = rpcBody
			if route.Verb == api.GET {
				body = nil
				op.Parameters = append(op.Parameters, rpcQuery(rpcBody)...)
			}
		}
	}
	if route.Verb == api.GET && route.Path == "many" && t != nil {
		op.Parameters = append(op.Parameters, Parameter{
			Name: "ids", In: "query", Required: true,
			Schema: &Schema{Type: "string", Description: "comma separated ids"},
		})
	}

	if body != nil {
		op.RequestBody = &RequestBody{Required: true, Content: map[string]MediaType{jsonContent: {Schema: body}}}
	}
	ok := Response{Description: "success"}
	if result != nil && status != 204 {
		ok.Content = map[string]MediaType{jsonContent: {Schema: result}}
	}
	op.Responses[strconv.Itoa(status)] = ok
	op.Responses["default"] = Response{
		Description: "error",
		Content:     map[string]MediaType{jsonContent: {Schema: ref(errorSchema)}},
	}
	return op
}

// crudSchemas returns the body and result schemas of the default endpoints.
func crudSchemas(t *entity.Type, route api.Route) (body, result *Schema) {
	switch {
	case route.Verb == api.POST && route.Path == "create":
		return ref(t.Name() + "Input"), &Schema{Type: "string", Description: "id of the new record"}
	case route.Verb == api.GET && route.Path == "{id}":
		return nil, ref(t.Name())
	case route.Verb == api.GET && (route.Path == "" || route.Path == "many"):
		return nil, &Schema{Type: "array", Items: ref(t.Name())}
	case route.Verb == api.PUT && route.Path == "{id}":
		return ref(t.Name() + "Input"), nil
	}
	return nil, nil
}

// rpcSchema describes the call body of an rpc endpoint, or returns nil.
func rpcSchema(t *entity.Type, route api.Route) *Schema {
	var methods []string
	switch route.Path {
	case "rpc":
		methods = t.ClassMethods()
	case "{id}/rpc", "rpc/{id}":
		methods = t.InstanceMethods()
	default:
		return nil
	}
	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"method": {Type: "string", Enum: methods},
			"args":   {Type: "array", Items: &Schema{}},
			"kwds":   {Type: "object", AdditionalProperties: &Schema{}},
		},
		Required: []string{"method"},
	}
}

func rpcQuery(body *Schema) []Parameter {
	return []Parameter{
		{Name: "method", In: "query", Required: true, Schema: body.Properties["method"]},
		{Name: "args", In: "query", Schema: &Schema{Type: "string", Description: "JSON array"}},
		{Name: "kwds", In: "query", Schema: &Schema{Type: "string", Description: "JSON object"}},
	}
}

func recordSchema(t *entity.Type, withID bool) *Schema {
	restricted := map[string]bool{}
	for _, a := range t.Access().Attributes() {
		restricted[a] = true
	}
	s := &Schema{Type: "object", Properties: map[string]*Schema{}}
	if withID {
		s.Properties["id"] = &Schema{Type: "string"}
		s.Required = append(s.Required, "id")
	}
	for _, f := range t.Fields() {
		fs := typeSchema(t, f.Type, 0)
		if restricted[f.Name] {
			fs.Description = "access restricted"
		}
		if f.Optional {
			fs.Nullable = true
		} else {
			s.Required = append(s.Required, f.Name)
		}
		s.Properties[f.Name] = fs
	}
	return s
}

var timeType = reflect.TypeFor[time.Time]()

func typeSchema(t *entity.Type, rt reflect.Type, depth int) *Schema {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt == timeType {
		return &Schema{Type: "string", Format: "date-time"}
	}
	switch rt.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}
	case reflect.Bool:
		return &Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer", Format: "int64"}
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number", Format: "double"}
	case reflect.Slice, reflect.Array:
		return &Schema{Type: "array", Items: typeSchema(t, rt.Elem(), depth+1)}
	case reflect.Map:
		return &Schema{Type: "object", AdditionalProperties: typeSchema(t, rt.Elem(), depth+1)}
	case reflect.Struct:
		s := &Schema{Type: "object"}
		fields, err := t.Registry().Fields(rt)
		if err != nil || depth > 4 {
			return s
		}
		s.Properties = make(map[string]*Schema, len(fields))
		for _, f := range fields {
			s.Properties[f.Name] = typeSchema(t, f.Type, depth+1)
			if !f.Optional {
				s.Required = append(s.Required, f.Name)
			}
		}
		return s
	}
	return &Schema{}
}

func ref(name string) *Schema {
	return &Schema{Ref: "#/components/schemas/" + name}
}

var nonWord = regexp.MustCompile(`[^A-Za-z0-9]+`)

func operationID(route api.Route) string {
	path := route.FullPath()
	path = paramPattern.ReplaceAllString(path, "by_$1")
	parts := nonWord.Split(path, -1)
	id := strings.ToLower(route.Verb)
	for _, p := range parts {
		if p != "" {
			id += strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return id
}

func setOperation(item *PathItem, verb string, op *Operation) {
	switch verb {
	case api.GET:
		item.Get = op
	case api.POST:
		item.Post = op
	case api.PUT:
		item.Put = op
	case api.PATCH:
		item.Patch = op
	case api.DELETE:
		item.Delete = op
	case api.HEAD:
		item.Head = op
	case api.OPTIONS:
		item.Options = op
	}
}

// ToJSON returns the indented JSON encoding of the document.
func (spec *Spec) ToJSON() ([]byte, error) {
	return json.MarshalIndent(spec, "", "  ")
}
