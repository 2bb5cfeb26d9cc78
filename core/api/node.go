// Package api implements the API composition tree.
//
// A Node owns a path segment, an ordered set of child nodes and a table of
// handlers keyed by (verb, sub-path). Nodes compose by mounting and by
// merging. Merge layers another node's handler table under this node's own
// table; the layering is consulted on every lookup, so handlers registered
// on a merged node after the merge stay visible. A detached node that is
// merged into another becomes an alias: every later registration or lookup
// addressed to it is redirected to the merge target.
package api

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/artpar/sop/core/fault"
)

// Node is a namespace in the API tree.
type Node struct {
	mu       sync.RWMutex
	segment  string
	root     bool
	parent   *Node
	children map[string]*Node
	order    []string
	routes   map[routeKey]*Route
	keys     []routeKey
	merged   []*Node
	into     *Node
	value    any
}

// New creates a detached node with an empty segment.
func New() *Node {
	return &Node{
		children: make(map[string]*Node),
		routes:   make(map[routeKey]*Route),
	}
}

// NewRoot creates a tree root whose path is prefix. An empty prefix is
// allowed for roots.
func NewRoot(prefix string) *Node {
	n := New()
	n.segment = strings.Trim(prefix, "/")
	n.root = true
	return n
}

// resolve follows merge redirections to the live node.
func (n *Node) resolve() *Node {
	cur := n
	for {
		cur.mu.RLock()
		next := cur.into
		cur.mu.RUnlock()
		if next == nil || next == cur {
			return cur
		}
		cur = next
	}
}

// Resolve returns the node that registrations addressed to n land on: n
// itself, or the node it was merged into.
func (n *Node) Resolve() *Node { return n.resolve() }

// Bind attaches an owner value to the node, such as the entity type or
// instance the node serves.
func (n *Node) Bind(v any) {
	t := n.resolve()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = v
}

// Bound returns the value attached with Bind.
func (n *Node) Bound() any {
	t := n.resolve()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value
}

// Segment returns the node's own path segment.
func (n *Node) Segment() string {
	t := n.resolve()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.segment
}

// Parent returns the owning node, or nil for roots and detached nodes.
func (n *Node) Parent() *Node {
	t := n.resolve()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.parent
}

// Path returns the absolute path: the ancestor segments joined by "/".
// A child of a node with an empty path has the child's segment as its path.
func (n *Node) Path() string {
	t := n.resolve()
	t.mu.RLock()
	seg, parent := t.segment, t.parent
	t.mu.RUnlock()
	if parent == nil {
		return seg
	}
	return Join(parent.Path(), seg)
}

// Mount attaches child under prefix.
func (n *Node) Mount(prefix string, child *Node) error {
	prefix = strings.Trim(prefix, "/")
	self := n.resolve()
	parentPath := self.Path()

	if prefix == "" {
		return &fault.InvalidPrefixError{Prefix: prefix, Parent: parentPath, Reason: "prefix is empty"}
	}
	if strings.Contains(prefix, "/") {
		return &fault.InvalidPrefixError{Prefix: prefix, Parent: parentPath, Reason: "prefix must be a single segment"}
	}
	if child == nil {
		return &fault.InvalidPrefixError{Prefix: prefix, Parent: parentPath, Reason: "child is nil"}
	}
	child = child.resolve()
	if child.root {
		return &fault.InvalidPrefixError{Prefix: prefix, Parent: parentPath, Reason: "cannot mount a root"}
	}
	for a := self; a != nil; a = a.Parent() {
		if a == child {
			return &fault.InvalidPrefixError{Prefix: prefix, Parent: parentPath, Reason: "child is an ancestor"}
		}
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if existing, ok := self.children[prefix]; ok {
		if existing == child {
			return nil
		}
		return &fault.InvalidPrefixError{Prefix: prefix, Parent: parentPath, Reason: "prefix already in use"}
	}

	child.mu.Lock()
	defer child.mu.Unlock()
	if child.parent != nil {
		return &fault.InvalidPrefixError{Prefix: prefix, Parent: parentPath, Reason: "node is already mounted"}
	}
	child.segment = prefix
	child.parent = self
	self.children[prefix] = child
	self.order = append(self.order, prefix)
	return nil
}

// SubAPI creates a node, mounts it under prefix and returns it.
func (n *Node) SubAPI(prefix string) (*Node, error) {
	child := New()
	if err := n.Mount(prefix, child); err != nil {
		return nil, err
	}
	return child, nil
}

// Attach mounts child under prefix, or merges it into the sibling already
// mounted there.
func (n *Node) Attach(prefix string, child *Node) error {
	if existing, ok := n.Child(prefix); ok && child != nil {
		existing.Merge(child)
		return nil
	}
	return n.Mount(prefix, child)
}

// Unmount detaches and returns the child at prefix, or nil.
func (n *Node) Unmount(prefix string) *Node {
	self := n.resolve()
	prefix = strings.Trim(prefix, "/")

	self.mu.Lock()
	child, ok := self.children[prefix]
	if !ok {
		self.mu.Unlock()
		return nil
	}
	delete(self.children, prefix)
	for i, p := range self.order {
		if p == prefix {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
	self.mu.Unlock()

	child.mu.Lock()
	child.parent = nil
	child.mu.Unlock()
	return child
}

// Child returns the child mounted at prefix.
func (n *Node) Child(prefix string) (*Node, bool) {
	self := n.resolve()
	self.mu.RLock()
	defer self.mu.RUnlock()
	c, ok := self.children[strings.Trim(prefix, "/")]
	return c, ok
}

// Children returns the mounted children in mount order.
func (n *Node) Children() []*Node {
	self := n.resolve()
	self.mu.RLock()
	defer self.mu.RUnlock()
	out := make([]*Node, 0, len(self.order))
	for _, p := range self.order {
		out = append(out, self.children[p])
	}
	return out
}

// Merge layers other's handler table under n's own. Merging a node into
// itself, or merging the same node twice, is a no-op. When other is
// detached it also becomes an alias of n.
func (n *Node) Merge(other *Node) {
	if other == nil {
		return
	}
	self := n.resolve()
	o := other.resolve()
	if self == o {
		return
	}

	self.mu.Lock()
	already := false
	for _, m := range self.merged {
		if m == o {
			already = true
			break
		}
	}
	if !already {
		self.merged = append(self.merged, o)
	}
	self.mu.Unlock()

	o.mu.Lock()
	if o.parent == nil && !o.root && o.into == nil {
		o.into = self
	}
	o.mu.Unlock()
}

// Merged returns the nodes layered under n, in merge order.
func (n *Node) Merged() []*Node {
	self := n.resolve()
	self.mu.RLock()
	defer self.mu.RUnlock()
	out := make([]*Node, len(self.merged))
	copy(out, self.merged)
	return out
}

// Endpoint returns a registration function for (verb, path) on n.
func (n *Node) Endpoint(verb, path string) func(Handler, ...RouteOption) {
	return func(h Handler, opts ...RouteOption) {
		n.Handle(verb, path, h, opts...)
	}
}

// Handle registers h for (verb, path). Registering the same (verb, path)
// again replaces the previous handler.
func (n *Node) Handle(verb, path string, h Handler, opts ...RouteOption) {
	self := n.resolve()
	key := routeKey{verb: strings.ToUpper(verb), path: NormalizePath(path)}
	r := &Route{Verb: key.verb, Path: key.path, Handler: h, Owner: self}
	for _, opt := range opts {
		opt(r)
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if _, exists := self.routes[key]; !exists {
		self.keys = append(self.keys, key)
	}
	self.routes[key] = r
}

// Get registers a GET handler.
func (n *Node) Get(path string, h Handler, opts ...RouteOption) { n.Handle(GET, path, h, opts...) }

// Post registers a POST handler.
func (n *Node) Post(path string, h Handler, opts ...RouteOption) { n.Handle(POST, path, h, opts...) }

// Put registers a PUT handler.
func (n *Node) Put(path string, h Handler, opts ...RouteOption) { n.Handle(PUT, path, h, opts...) }

// Delete registers a DELETE handler.
func (n *Node) Delete(path string, h Handler, opts ...RouteOption) {
	n.Handle(DELETE, path, h, opts...)
}

// Patch registers a PATCH handler.
func (n *Node) Patch(path string, h Handler, opts ...RouteOption) { n.Handle(PATCH, path, h, opts...) }

// Head registers a HEAD handler.
func (n *Node) Head(path string, h Handler, opts ...RouteOption) { n.Handle(HEAD, path, h, opts...) }

// Options registers an OPTIONS handler.
func (n *Node) Options(path string, h Handler, opts ...RouteOption) {
	n.Handle(OPTIONS, path, h, opts...)
}

// Lookup finds the handler registered for exactly (verb, pattern). The
// node's own table wins over merged nodes; merged nodes are consulted in
// merge order.
func (n *Node) Lookup(verb, pattern string) (*Route, bool) {
	key := routeKey{verb: strings.ToUpper(verb), path: NormalizePath(pattern)}
	return n.resolve().lookup(key, make(map[*Node]bool))
}

func (n *Node) lookup(key routeKey, seen map[*Node]bool) (*Route, bool) {
	if seen[n] {
		return nil, false
	}
	seen[n] = true

	n.mu.RLock()
	r, ok := n.routes[key]
	merged := n.merged
	n.mu.RUnlock()
	if ok {
		return r, true
	}
	for _, m := range merged {
		if r, ok := m.lookup(key, seen); ok {
			return r, true
		}
	}
	return nil, false
}

// OwnRoutes returns the routes registered directly on n.
func (n *Node) OwnRoutes() []Route {
	self := n.resolve()
	prefix := self.Path()
	self.mu.RLock()
	defer self.mu.RUnlock()
	out := make([]Route, 0, len(self.keys))
	for _, k := range self.keys {
		r := *self.routes[k]
		r.Prefix = prefix
		out = append(out, r)
	}
	return out
}

// Routes returns the effective routes of n: its own, then those of merged
// nodes that n does not shadow. Each route reports n's path as its prefix.
func (n *Node) Routes() []Route {
	self := n.resolve()
	prefix := self.Path()
	var out []Route
	taken := make(map[routeKey]bool)
	self.collect(&out, taken, make(map[*Node]bool))
	for i := range out {
		out[i].Prefix = prefix
	}
	return out
}

func (n *Node) collect(out *[]Route, taken map[routeKey]bool, seen map[*Node]bool) {
	if seen[n] {
		return
	}
	seen[n] = true

	n.mu.RLock()
	keys := append([]routeKey(nil), n.keys...)
	routes := make([]*Route, len(keys))
	for i, k := range keys {
		routes[i] = n.routes[k]
	}
	merged := n.merged
	n.mu.RUnlock()

	for i, k := range keys {
		if taken[k] {
			continue
		}
		taken[k] = true
		*out = append(*out, *routes[i])
	}
	for _, m := range merged {
		m.collect(out, taken, seen)
	}
}

// Match resolves a concrete sub-path against n's effective routes. Routes
// with more static segments win; ties go to the earlier route.
func (n *Node) Match(verb, path string) (*Route, map[string]string, bool) {
	verb = strings.ToUpper(verb)
	path = NormalizePath(path)

	var (
		best       *Route
		bestParams map[string]string
		bestScore  = -1
	)
	for _, r := range n.Routes() {
		if r.Verb != verb {
			continue
		}
		params, score, ok := matchPattern(r.Path, path)
		if !ok || score <= bestScore {
			continue
		}
		r := r
		best, bestParams, bestScore = &r, params, score
	}
	return best, bestParams, best != nil
}

// Walk visits n and its descendants depth-first in mount order.
func (n *Node) Walk(fn func(*Node) error) error {
	self := n.resolve()
	if err := fn(self); err != nil {
		return err
	}
	for _, c := range self.Children() {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// AllRoutes returns the effective routes of n and every descendant, sorted
// by absolute path then verb.
func (n *Node) AllRoutes() []Route {
	var out []Route
	_ = n.Walk(func(node *Node) error {
		out = append(out, node.Routes()...)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].FullPath(), out[j].FullPath()
		if pi != pj {
			return pi < pj
		}
		return out[i].Verb < out[j].Verb
	})
	return out
}

func (n *Node) String() string {
	return fmt.Sprintf("api.Node(%q)", n.Path())
}
