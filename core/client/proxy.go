package client

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/convention"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
)

// Built-in class method names known to every type proxy.
var builtinMethods = []string{"create", "getById", "getMany", "getAll", "updateById", "deleteById"}

// Built-in instance method names known to every instance proxy.
var builtinInstanceMethods = []string{"get", "set", "snapshot", "delete"}

// TypeProxy is the client stub of an entity type.
type TypeProxy struct {
	name     string
	node     *Node
	autoRPC  bool
	registry *parsing.Registry

	mu        sync.RWMutex
	methods   map[string]bool
	instances map[string]bool
}

// ProxyOption configures a TypeProxy.
type ProxyOption func(*TypeProxy)

// WithAutoRPC sets whether unknown method names fall back to remote calls.
// It defaults to true.
func WithAutoRPC(enabled bool) ProxyOption {
	return func(p *TypeProxy) { p.autoRPC = enabled }
}

// WithRegistry sets the registry used by typed calls.
func WithRegistry(reg *parsing.Registry) ProxyOption {
	return func(p *TypeProxy) { p.registry = reg }
}

// WithMethods declares class methods known to exist on the server.
func WithMethods(names ...string) ProxyOption {
	return func(p *TypeProxy) {
		for _, n := range names {
			p.methods[n] = true
		}
	}
}

// WithInstanceMethods declares instance methods known to exist on the server.
func WithInstanceMethods(names ...string) ProxyOption {
	return func(p *TypeProxy) {
		for _, n := range names {
			p.instances[n] = true
		}
	}
}

// NewTypeProxy creates the stub of the type declared as name, addressed at
// root/<canonical name>.
func NewTypeProxy(root *Node, name string, opts ...ProxyOption) (*TypeProxy, error) {
	canonical := convention.Canonical(name)
	if canonical == "" {
		return nil, fmt.Errorf("type proxy: invalid type name %q", name)
	}
	node, err := root.SubAPI(canonical)
	if err != nil {
		return nil, fmt.Errorf("type proxy %s: %w", name, err)
	}
	p := &TypeProxy{
		name:      name,
		node:      node,
		autoRPC:   true,
		registry:  parsing.Default,
		methods:   make(map[string]bool),
		instances: make(map[string]bool),
	}
	for _, m := range builtinMethods {
		p.methods[m] = true
	}
	for _, m := range builtinInstanceMethods {
		p.instances[m] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the declared type name.
func (p *TypeProxy) Name() string { return p.name }

// API returns the proxy's class node.
func (p *TypeProxy) API() *Node { return p.node }

// Registry returns the registry used by typed calls.
func (p *TypeProxy) Registry() *parsing.Registry { return p.registry }

// Create creates a record and returns its id.
func (p *TypeProxy) Create(ctx context.Context, fields map[string]any) (string, error) {
	res, err := p.node.Request(ctx, api.POST, "create", nil, fields)
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", &fault.UnparsableResponseError{Type: "id", Detail: fmt.Sprintf("create %s: id is %T, want string", p.name, res)}
	}
	return id, nil
}

// GetByID returns the record with id.
func (p *TypeProxy) GetByID(ctx context.Context, id string) (map[string]any, error) {
	res, err := p.node.Request(ctx, api.GET, id, nil, nil)
	if err != nil {
		return nil, err
	}
	return asRecord(p.name, res)
}

// GetMany returns the records for ids in order.
func (p *TypeProxy) GetMany(ctx context.Context, ids []string) ([]map[string]any, error) {
	res, err := p.node.Request(ctx, api.GET, "many", url.Values{"ids": {strings.Join(ids, ",")}}, nil)
	if err != nil {
		return nil, err
	}
	return asRecords(p.name, res)
}

// GetAll returns every record.
func (p *TypeProxy) GetAll(ctx context.Context) ([]map[string]any, error) {
	res, err := p.node.Request(ctx, api.GET, "", nil, nil)
	if err != nil {
		return nil, err
	}
	return asRecords(p.name, res)
}

// UpdateByID overwrites the given fields of id.
func (p *TypeProxy) UpdateByID(ctx context.Context, id string, data map[string]any) error {
	_, err := p.node.Request(ctx, api.PUT, id, nil, data)
	return err
}

// DeleteByID removes id.
func (p *TypeProxy) DeleteByID(ctx context.Context, id string) error {
	_, err := p.node.Request(ctx, api.DELETE, id, nil, nil)
	return err
}

// New creates a record and returns a proxy holding its state.
func (p *TypeProxy) New(ctx context.Context, fields map[string]any) (*InstanceProxy, error) {
	id, err := p.Create(ctx, fields)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

// Get fetches id and returns a proxy holding its state.
func (p *TypeProxy) Get(ctx context.Context, id string) (*InstanceProxy, error) {
	inst := p.Instance(id)
	if err := inst.PullUpdates(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// Instance returns a proxy for id without fetching it.
func (p *TypeProxy) Instance(id string) *InstanceProxy {
	return &InstanceProxy{
		t:      p,
		id:     id,
		node:   p.node.At(id),
		fields: map[string]any{},
		dirty:  map[string]bool{},
	}
}

// Methods returns the class methods known locally, sorted.
func (p *TypeProxy) Methods() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.methods)
}

// Method resolves name to a remote call: a known method resolves directly;
// an unknown one becomes a deferred call when auto rpc is on and fails with
// UnsupportedMethodError otherwise.
func (p *TypeProxy) Method(name string) (*DeferredCall, error) {
	p.mu.RLock()
	known := p.methods[name]
	p.mu.RUnlock()
	if !known && !p.autoRPC {
		return nil, &fault.UnsupportedMethodError{Target: p.name, Method: name}
	}
	return &DeferredCall{node: p.node, method: name, verb: api.POST}, nil
}

// Call resolves and invokes a class method.
func (p *TypeProxy) Call(ctx context.Context, name string, args []any, kwds map[string]any) (any, error) {
	c, err := p.Method(name)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, args, kwds)
}

// InstanceProxy is the client stub of one entity instance. It caches the
// instance's fields; Set changes the cache and PushUpdates sends the changed
// fields.
type InstanceProxy struct {
	t    *TypeProxy
	id   string
	node *Node

	mu     sync.RWMutex
	fields map[string]any
	dirty  map[string]bool
}

// ID returns the instance id.
func (i *InstanceProxy) ID() string { return i.id }

// GUID returns "<TypeName>:<id>".
func (i *InstanceProxy) GUID() string { return i.t.name + ":" + i.id }

// Type returns the type proxy.
func (i *InstanceProxy) Type() *TypeProxy { return i.t }

// API returns the instance node.
func (i *InstanceProxy) API() *Node { return i.node }

// Get returns a cached field.
func (i *InstanceProxy) Get(name string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.fields[name]
	return v, ok
}

// Set changes a cached field and marks it for PushUpdates.
func (i *InstanceProxy) Set(name string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fields[name] = parsing.Normalize(value)
	i.dirty[name] = true
}

// Snapshot returns a copy of the cached fields.
func (i *InstanceProxy) Snapshot() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]any, len(i.fields)+1)
	for k, v := range i.fields {
		out[k] = v
	}
	out["id"] = i.id
	return out
}

// PushUpdates sends the fields changed since the last push or pull.
func (i *InstanceProxy) PushUpdates(ctx context.Context) error {
	i.mu.RLock()
	data := make(map[string]any, len(i.dirty))
	for k := range i.dirty {
		data[k] = i.fields[k]
	}
	i.mu.RUnlock()
	if len(data) == 0 {
		return nil
	}
	if err := i.t.UpdateByID(ctx, i.id, data); err != nil {
		return err
	}
	i.mu.Lock()
	for k := range data {
		delete(i.dirty, k)
	}
	i.mu.Unlock()
	return nil
}

// PullUpdates replaces the cache with the remote state.
func (i *InstanceProxy) PullUpdates(ctx context.Context) error {
	rec, err := i.t.GetByID(ctx, i.id)
	if err != nil {
		return err
	}
	delete(rec, "id")
	i.mu.Lock()
	i.fields = rec
	i.dirty = map[string]bool{}
	i.mu.Unlock()
	return nil
}

// Sync pushes local changes then pulls the remote state. The two steps are
// not atomic.
func (i *InstanceProxy) Sync(ctx context.Context) error {
	if err := i.PushUpdates(ctx); err != nil {
		return err
	}
	return i.PullUpdates(ctx)
}

// Release deletes the remote record.
func (i *InstanceProxy) Release(ctx context.Context) error {
	return i.t.DeleteByID(ctx, i.id)
}

// Method resolves name to an instance-level remote call.
func (i *InstanceProxy) Method(name string) (*DeferredCall, error) {
	i.t.mu.RLock()
	known := i.t.instances[name]
	i.t.mu.RUnlock()
	if !known && !i.t.autoRPC {
		return nil, &fault.UnsupportedMethodError{Target: i.GUID(), Method: name}
	}
	return &DeferredCall{node: i.node, method: name, verb: api.POST}, nil
}

// Call resolves and invokes an instance method.
func (i *InstanceProxy) Call(ctx context.Context, name string, args []any, kwds map[string]any) (any, error) {
	c, err := i.Method(name)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, args, kwds)
}

func asRecord(typeName string, v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &fault.UnparsableResponseError{Type: typeName, Detail: fmt.Sprintf("%s: record is %T, want object", typeName, v)}
	}
	return m, nil
}

func asRecords(typeName string, v any) ([]map[string]any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, &fault.UnparsableResponseError{Type: typeName, Detail: fmt.Sprintf("%s: records are %T, want array", typeName, v)}
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, err := asRecord(typeName, item)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DeferredCall is a remote call bound to a method name and a node, invoked
// later with arguments.
type DeferredCall struct {
	node   *Node
	method string
	verb   string
}

// Method returns the remote method name.
func (c *DeferredCall) Method() string { return c.method }

// Call performs the remote call and returns the raw wire result.
func (c *DeferredCall) Call(ctx context.Context, args []any, kwds map[string]any) (any, error) {
	return c.node.Call(ctx, c.method, args, kwds)
}

// TypedCall is a deferred call whose result is parsed into R. The parser is
// resolved once, when the TypedCall is built.
type TypedCall[R any] struct {
	call     *DeferredCall
	registry *parsing.Registry
	conv     parsing.Converter
	err      error
}

// Returning binds a deferred call to the result type R.
func Returning[R any](reg *parsing.Registry, call *DeferredCall) *TypedCall[R] {
	rt := reflect.TypeFor[R]()
	tc := &TypedCall[R]{call: call, registry: reg}
	conv, err := reg.Lookup(rt)
	if err != nil {
		tc.err = &fault.UnparsableResponseError{Type: rt.String(), Err: err}
	}
	tc.conv = conv
	return tc
}

// Call performs the remote call and parses its result.
func (c *TypedCall[R]) Call(ctx context.Context, args []any, kwds map[string]any) (R, error) {
	var zero R
	if c.err != nil {
		return zero, c.err
	}
	wire, err := c.call.Call(ctx, args, kwds)
	if err != nil {
		return zero, err
	}
	return parseResult[R](c.registry, c.conv, wire)
}

// Fetch sends a request to n and parses the response into R.
func Fetch[R any](ctx context.Context, reg *parsing.Registry, n *Node, verb, path string, body any) (R, error) {
	var zero R
	rt := reflect.TypeFor[R]()
	conv, err := reg.Lookup(rt)
	if err != nil {
		return zero, &fault.UnparsableResponseError{Type: rt.String(), Err: err}
	}
	wire, err := n.Request(ctx, verb, path, nil, body)
	if err != nil {
		return zero, err
	}
	return parseResult[R](reg, conv, wire)
}

func parseResult[R any](reg *parsing.Registry, conv parsing.Converter, wire any) (R, error) {
	var zero R
	v, err := conv.Parse(reg, wire)
	if err != nil {
		return zero, &fault.UnparsableResponseError{Type: conv.Type().String(), Err: err}
	}
	if !v.IsValid() {
		return zero, nil
	}
	out, ok := v.Interface().(R)
	if !ok {
		return zero, &fault.UnparsableResponseError{Type: conv.Type().String(), Detail: fmt.Sprintf("parsed %s, want %s", v.Type(), conv.Type())}
	}
	return out, nil
}
