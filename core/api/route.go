package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// HTTP verbs accepted by Handle.
const (
	GET     = http.MethodGet
	POST    = http.MethodPost
	PUT     = http.MethodPut
	DELETE  = http.MethodDelete
	PATCH   = http.MethodPatch
	HEAD    = http.MethodHead
	OPTIONS = http.MethodOptions
)

// Handler serves one registered endpoint. The returned value is serialized
// by the transport; a returned error is translated to a structured error body.
type Handler func(ctx context.Context, req *Request) (any, error)

// Request is an inbound call as delivered by a transport.
type Request struct {
	Verb   string
	Path   string
	Params map[string]string
	Query  url.Values
	Header http.Header
	Body   any

	// Node is the node the route was resolved against.
	Node *Node
}

// Param returns a path parameter, or "".
func (r *Request) Param(name string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[name]
}

// BodyMap returns the body as a string-keyed map, or nil.
func (r *Request) BodyMap() map[string]any {
	m, _ := r.Body.(map[string]any)
	return m
}

// Route is a registered endpoint.
type Route struct {
	Verb    string
	Path    string // relative to the owning node, no leading separator
	Handler Handler
	Status  int
	Summary string

	// Owner is the node the handler was registered on.
	Owner *Node
	// Prefix is the absolute path of the node the route was listed from.
	// Inherited routes report the inheriting node's path.
	Prefix string
}

// FullPath returns the route's absolute path.
func (r Route) FullPath() string {
	return Join(r.Prefix, r.Path)
}

// RouteOption configures a route at registration.
type RouteOption func(*Route)

// WithStatus sets the success status code.
func WithStatus(code int) RouteOption {
	return func(r *Route) { r.Status = code }
}

// WithSummary sets a one-line description shown in route listings.
func WithSummary(s string) RouteOption {
	return func(r *Route) { r.Summary = s }
}

type routeKey struct {
	verb string
	path string
}

// NormalizePath strips one leading separator and any trailing separator.
func NormalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	return strings.TrimSuffix(p, "/")
}

// Join joins path segments, skipping empty ones.
func Join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// matchPattern matches a concrete path against a pattern with {param}
// placeholders. It returns the captured parameters and the number of static
// segments that matched.
func matchPattern(pattern, path string) (map[string]string, int, bool) {
	if pattern == "" || path == "" {
		if pattern == path {
			return nil, 0, true
		}
		return nil, 0, false
	}

	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	if len(patternParts) != len(pathParts) {
		return nil, 0, false
	}

	var params map[string]string
	static := 0
	for i, part := range patternParts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			if pathParts[i] == "" {
				return nil, 0, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[part[1:len(part)-1]] = pathParts[i]
			continue
		}
		if part != pathParts[i] {
			return nil, 0, false
		}
		static++
	}
	return params, static, true
}
