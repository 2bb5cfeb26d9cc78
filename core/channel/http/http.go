// Package http serves an api.Node tree over HTTP.
//
// Every request is resolved against the tree: the path is walked down to
// the deepest existing node and the remaining segments are matched against
// that node's effective routes, falling back to shallower ancestors when
// nothing matches. Errors are written as {"error_kind", "message"} with the
// status code of the error's kind.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/openapi"
	"github.com/artpar/sop/core/parsing"
	"github.com/artpar/sop/core/rpc"
)

// Config configures the channel.
type Config struct {
	// Addr is the listen address used by ListenAndServe.
	Addr string

	Logger zerolog.Logger

	// Registry serializes handler results. Defaults to parsing.Default.
	Registry *parsing.Registry

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Middleware runs after request id, logging and panic recovery.
	Middleware []func(http.Handler) http.Handler

	// MetricsHandler is served at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	// Types enables the /_schema introspection endpoints, the /_openapi
	// document and the Swagger UI at /swagger/.
	Types TypeLister

	// APIInfo titles the OpenAPI document.
	APIInfo openapi.Info

	// BearerAuth declares the bearer token scheme in the OpenAPI document.
	BearerAuth bool
}

// Channel implements the HTTP transport for an api.Node tree.
type Channel struct {
	router chi.Router
	root   *api.Node
	cfg    Config
	logger zerolog.Logger
}

// New creates a new HTTP channel serving root.
func New(root *api.Node, cfg Config) *Channel {
	if cfg.Registry == nil {
		cfg.Registry = parsing.Default
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	c := &Channel{
		router: chi.NewRouter(),
		root:   root,
		cfg:    cfg,
		logger: cfg.Logger,
	}

	c.router.Use(middleware.RequestID)
	c.router.Use(middleware.RealIP)
	c.router.Use(NewLoggingMiddleware(cfg.Logger, cfg.MetricsPath))
	c.router.Use(middleware.Recoverer)
	for _, mw := range cfg.Middleware {
		c.router.Use(mw)
	}

	if cfg.MetricsHandler != nil {
		c.router.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}
	if cfg.Types != nil {
		c.router.Mount("/_schema", NewSchemaHandler(cfg.Types).Routes())
		c.router.Get("/_openapi", c.handleOpenAPI)
		c.router.Get("/_openapi.json", c.handleOpenAPI)
		c.router.Get("/swagger", http.RedirectHandler("/swagger/index.html", http.StatusMovedPermanently).ServeHTTP)
		c.router.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/_openapi.json")))
	}
	c.router.Handle("/*", http.HandlerFunc(c.serveTree))
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return "http"
}

// Handler returns the HTTP handler.
func (c *Channel) Handler() http.Handler {
	return c.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (c *Channel) ListenAndServe(ctx context.Context) error {
	srv := c.newServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	c.logger.Info().Str("addr", c.cfg.Addr).Msg("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (c *Channel) newServer() *http.Server {
	return &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           c.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       c.cfg.ReadTimeout,
		WriteTimeout:      c.cfg.WriteTimeout,
	}
}

// Resolve finds the route for verb and an absolute path. It returns the
// node the route was matched on.
func Resolve(root *api.Node, verb, path string) (*api.Route, map[string]string, *api.Node, bool) {
	rest := strings.Trim(path, "/")
	if prefix := root.Path(); prefix != "" {
		switch {
		case rest == prefix:
			rest = ""
		case strings.HasPrefix(rest, prefix+"/"):
			rest = rest[len(prefix)+1:]
		default:
			return nil, nil, nil, false
		}
	}

	var segs []string
	if rest != "" {
		segs = strings.Split(rest, "/")
	}
	chain := []*api.Node{root}
	node := root
	for _, s := range segs {
		child, ok := node.Child(s)
		if !ok {
			break
		}
		node = child
		chain = append(chain, child)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		remainder := strings.Join(segs[i:], "/")
		if r, params, ok := chain[i].Match(verb, remainder); ok {
			return r, params, chain[i], true
		}
	}
	return nil, nil, nil, false
}

func (c *Channel) serveTree(w http.ResponseWriter, r *http.Request) {
	route, params, node, ok := Resolve(c.root, r.Method, r.URL.Path)
	if !ok {
		c.writeError(w, r, &fault.NotFoundError{
			Type:   "route",
			Detail: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		})
		return
	}

	body, err := readBody(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	req := &api.Request{
		Verb:   r.Method,
		Path:   r.URL.Path,
		Params: params,
		Query:  r.URL.Query(),
		Header: r.Header,
		Body:   body,
		Node:   node,
	}
	result, err := route.Handler(r.Context(), req)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	status := route.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	var wire any
	if result != nil {
		wire, err = c.cfg.Registry.Serialize(result)
		if err != nil {
			c.writeError(w, r, fmt.Errorf("serialize response: %w", err))
			return
		}
	}
	c.writeJSON(w, status, wire)
}

// readBody decodes a JSON request body. An empty body is nil.
func readBody(r *http.Request) (any, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &fault.ValidationError{
			Type: "request",
			Err:  &fault.ParseError{Type: "json", Value: string(raw), Detail: err.Error()},
		}
	}
	return parsing.Normalize(v), nil
}

// writeJSON writes a JSON response.
func (c *Channel) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error().Err(err).Msg("write response")
	}
}

// writeError writes an error response.
func (c *Channel) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.Status(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
	}
	c.writeJSON(w, status, rpc.ErrorFor(err))
}

// NewLoggingMiddleware logs every request except scrapes of skipPath.
func NewLoggingMiddleware(logger zerolog.Logger, skipPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if r.URL.Path == skipPath {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
