// Package app is the root of an entity API: it owns the root node, the
// registry of declared entity types and the schema lifecycle.
package app

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/entity"
	"github.com/artpar/sop/core/events"
	"github.com/artpar/sop/core/parsing"
	"github.com/artpar/sop/core/registry"
	"github.com/artpar/sop/core/rpc"
	"github.com/artpar/sop/core/storage"
)

// Config configures an App.
type Config struct {
	// Prefix is the root node's segment. Empty mounts types at "/".
	Prefix string

	// Store persists entity records. Defaults to an in-memory store.
	Store storage.Store

	// Registry converts values to and from the wire. Defaults to
	// parsing.Default.
	Registry *parsing.Registry

	// Events receives lifecycle events. Defaults to a new bus.
	Events *events.Bus

	Logger zerolog.Logger

	// AutoRPC lets clients fall back to remote calls for unknown methods.
	AutoRPC bool

	// Observer is notified of every rpc dispatch.
	Observer rpc.Observer
}

// App is the root of an entity API.
type App struct {
	cfg        Config
	root       *api.Node
	types      *registry.Registry
	env        entity.Env
	dispatcher *rpc.Dispatcher
	logger     zerolog.Logger

	mu          sync.RWMutex
	initialized bool
}

// New creates an App.
func New(cfg Config) *App {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Registry == nil {
		cfg.Registry = parsing.Default
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBus(cfg.Logger)
	}

	a := &App{
		cfg:    cfg,
		root:   api.NewRoot(cfg.Prefix),
		types:  registry.New(),
		logger: cfg.Logger,
	}
	var opts []rpc.Option
	if cfg.Observer != nil {
		opts = append(opts, rpc.WithObserver(cfg.Observer))
	}
	a.dispatcher = rpc.NewDispatcher(cfg.Logger, opts...)
	a.env = entity.Env{
		Store:    cfg.Store,
		Registry: cfg.Registry,
		Logger:   cfg.Logger,
		Events:   cfg.Events,
		Ready:    a.Initialized,
	}
	return a
}

// API returns the root node.
func (a *App) API() *api.Node { return a.root }

// DeclareEntityType creates an entity type, mounts its class node under the
// root at its canonical name and installs its rpc endpoints. Types declared
// after InitSchema have their storage created immediately.
func (a *App) DeclareEntityType(desc entity.Descriptor) (*entity.Type, error) {
	t, err := entity.NewType(desc, a.env)
	if err != nil {
		return nil, err
	}
	if err := a.types.Check(t); err != nil {
		return nil, err
	}
	if t.API().Parent() == nil {
		if err := a.root.Mount(t.Canonical(), t.API()); err != nil {
			return nil, fmt.Errorf("declare %s: %w", t.Name(), err)
		}
	}
	if err := a.types.Register(t); err != nil {
		a.root.Unmount(t.Canonical())
		return nil, err
	}
	rpc.Install(t, a.dispatcher)

	if a.Initialized() {
		if err := t.Ensure(context.Background()); err != nil {
			return nil, err
		}
	}

	parents := make([]string, 0, len(desc.Parents))
	for _, p := range desc.Parents {
		parents = append(parents, p.Name())
	}
	a.logger.Info().
		Str("type", t.Name()).
		Str("path", t.API().Path()).
		Strs("parents", parents).
		Int("fields", len(t.Fields())).
		Msg("entity type declared")
	return t, nil
}

// MustDeclare is DeclareEntityType that panics on error.
func (a *App) MustDeclare(desc entity.Descriptor) *entity.Type {
	t, err := a.DeclareEntityType(desc)
	if err != nil {
		panic(err)
	}
	return t
}

// Declare declares an entity type whose fields are the exported fields of
// the struct T. An empty desc.Name defaults to T's type name.
func Declare[T any](a *App, desc entity.Descriptor) (*entity.Type, error) {
	rt := reflect.TypeFor[T]()
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("declare %s: record type must be a struct", rt)
	}
	desc.Record = rt
	if desc.Name == "" {
		desc.Name = rt.Name()
	}
	return a.DeclareEntityType(desc)
}

// Type returns a declared type by name.
func (a *App) Type(name string) (*entity.Type, bool) {
	return a.types.Get(name)
}

// TypeAt returns the type mounted at a canonical segment.
func (a *App) TypeAt(canonical string) (*entity.Type, bool) {
	return a.types.ByPath(canonical)
}

// Types returns every declared type in declaration order.
func (a *App) Types() []*entity.Type {
	return a.types.List()
}

// InitSchema creates the storage of every declared type and marks the App
// ready. It runs once; later calls are no-ops.
func (a *App) InitSchema(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	for _, t := range a.types.List() {
		if err := t.Ensure(ctx); err != nil {
			return err
		}
	}
	a.initialized = true
	a.logger.Info().Int("types", a.types.Len()).Msg("schema initialized")
	return nil
}

// Initialized reports whether InitSchema has run.
func (a *App) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

// Routes returns every effective route under the root, sorted by path and
// verb.
func (a *App) Routes() []api.Route {
	return a.root.AllRoutes()
}

// Dispatcher returns the rpc dispatcher.
func (a *App) Dispatcher() *rpc.Dispatcher { return a.dispatcher }

// Events returns the lifecycle event bus.
func (a *App) Events() *events.Bus { return a.cfg.Events }

// Store returns the persistence store.
func (a *App) Store() storage.Store { return a.cfg.Store }

// Registry returns the wire converter registry.
func (a *App) Registry() *parsing.Registry { return a.cfg.Registry }

// Logger returns the App logger.
func (a *App) Logger() zerolog.Logger { return a.logger }

// AutoRPC reports whether clients may fall back to remote calls.
func (a *App) AutoRPC() bool { return a.cfg.AutoRPC }

// Close closes the store.
func (a *App) Close() error { return a.cfg.Store.Close() }
