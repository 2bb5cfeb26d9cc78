package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/artpar/sop/core/api"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/rpc"
)

// Node is the client-side counterpart of an api.Node. Its effective
// headers and query parameters are its parent's overlaid with its own.
type Node struct {
	mu        sync.RWMutex
	transport *Transport
	segment   string
	parent    *Node
	children  map[string]*Node
	headers   http.Header
	params    url.Values
	into      *Node
}

// NewRoot creates a client root node at prefix.
func NewRoot(t *Transport, prefix string) *Node {
	return &Node{
		transport: t,
		segment:   strings.Trim(prefix, "/"),
		children:  make(map[string]*Node),
		headers:   make(http.Header),
		params:    make(url.Values),
	}
}

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

// Path returns the absolute path of the node.
func (n *Node) Path() string {
	t := n.resolve()
	t.mu.RLock()
	seg, parent := t.segment, t.parent
	t.mu.RUnlock()
	if parent == nil {
		return seg
	}
	return api.Join(parent.Path(), seg)
}

// SubAPI creates a child node at prefix.
func (n *Node) SubAPI(prefix string) (*Node, error) {
	self := n.resolve()
	prefix = strings.Trim(prefix, "/")
	if prefix == "" || strings.Contains(prefix, "/") {
		return nil, &fault.InvalidPrefixError{Prefix: prefix, Parent: self.Path(), Reason: "prefix must be a single non-empty segment"}
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, ok := self.children[prefix]; ok {
		return nil, &fault.InvalidPrefixError{Prefix: prefix, Parent: self.segment, Reason: "prefix already in use"}
	}
	child := &Node{
		transport: self.transport,
		segment:   prefix,
		parent:    self,
		children:  make(map[string]*Node),
		headers:   make(http.Header),
		params:    make(url.Values),
	}
	self.children[prefix] = child
	return child, nil
}

// At returns the child at prefix, creating it when missing.
func (n *Node) At(prefix string) *Node {
	self := n.resolve()
	prefix = strings.Trim(prefix, "/")
	self.mu.RLock()
	child, ok := self.children[prefix]
	self.mu.RUnlock()
	if ok {
		return child
	}
	child, err := self.SubAPI(prefix)
	if err != nil {
		self.mu.RLock()
		defer self.mu.RUnlock()
		return self.children[prefix]
	}
	return child
}

// Merge redirects every later use of other to n.
func (n *Node) Merge(other *Node) {
	target := n.resolve()
	if other == nil || other.resolve() == target {
		return
	}
	other.mu.Lock()
	other.into = target
	other.mu.Unlock()
}

// SetHeader sets a default header for n and its descendants.
func (n *Node) SetHeader(key, value string) {
	t := n.resolve()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers.Set(key, value)
}

// SetParam sets a default query parameter for n and its descendants.
func (n *Node) SetParam(key, value string) {
	t := n.resolve()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params.Set(key, value)
}

// Headers returns the effective default headers.
func (n *Node) Headers() http.Header {
	t := n.resolve()
	t.mu.RLock()
	parent := t.parent
	own := t.headers.Clone()
	t.mu.RUnlock()

	out := make(http.Header)
	if parent != nil {
		out = parent.Headers()
	}
	for k, vs := range own {
		out[k] = vs
	}
	return out
}

// Params returns the effective default query parameters.
func (n *Node) Params() url.Values {
	t := n.resolve()
	t.mu.RLock()
	parent := t.parent
	own := make(url.Values, len(t.params))
	for k, vs := range t.params {
		own[k] = append([]string(nil), vs...)
	}
	t.mu.RUnlock()

	out := make(url.Values)
	if parent != nil {
		out = parent.Params()
	}
	for k, vs := range own {
		out[k] = vs
	}
	return out
}

// Request sends verb to path relative to n with n's effective defaults.
func (n *Node) Request(ctx context.Context, verb, path string, query url.Values, body any) (any, error) {
	t := n.resolve()
	q := t.Params()
	for k, vs := range query {
		q[k] = vs
	}
	return t.transport.Do(ctx, verb, api.Join(t.Path(), path), q, t.Headers(), body)
}

// Call performs a remote call against n's "rpc" endpoint.
func (n *Node) Call(ctx context.Context, method string, args []any, kwds map[string]any) (any, error) {
	if args == nil {
		args = []any{}
	}
	if kwds == nil {
		kwds = map[string]any{}
	}
	return n.Request(ctx, api.POST, "rpc", nil, rpc.Call{Method: method, Args: args, Kwds: kwds})
}
