// Package registry tracks declared entity types and the names they claim.
// A type claims its declared name, its canonical mount segment and its
// storage table; a second type claiming any of them is rejected.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/artpar/sop/core/entity"
)

// Claim kinds.
const (
	ClaimName  = "name"
	ClaimPath  = "path"
	ClaimTable = "table"
)

// Conflict is one name already claimed by another type.
type Conflict struct {
	Kind     string
	Key      string
	Existing string
	New      string
}

func (c Conflict) Error() string {
	return fmt.Sprintf("%s %q of %s already claimed by %s", c.Kind, c.Key, c.New, c.Existing)
}

// ConflictError represents one or more claim conflicts.
type ConflictError struct {
	Conflicts []Conflict
}

// Error returns the conflict error message.
func (e *ConflictError) Error() string {
	var msgs []string
	for _, c := range e.Conflicts {
		msgs = append(msgs, c.Error())
	}
	return fmt.Sprintf("entity type conflicts detected:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Registry manages registered entity types.
type Registry struct {
	mu sync.RWMutex

	// types by declared name
	types map[string]*entity.Type

	// declaration order
	order []string

	// claims[kind][key] = declared name
	claims map[string]map[string]string
}

// New creates a new registry.
func New() *Registry {
	return &Registry{
		types: make(map[string]*entity.Type),
		claims: map[string]map[string]string{
			ClaimName:  {},
			ClaimPath:  {},
			ClaimTable: {},
		},
	}
}

func claimsOf(t *entity.Type) map[string]string {
	return map[string]string{
		ClaimName:  t.Name(),
		ClaimPath:  t.Canonical(),
		ClaimTable: t.Collection().Table,
	}
}

// Check reports the conflicts t would cause without registering it.
func (r *Registry) Check(t *entity.Type) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detectConflicts(t)
}

func (r *Registry) detectConflicts(t *entity.Type) error {
	var conflicts []Conflict
	for _, kind := range []string{ClaimName, ClaimPath, ClaimTable} {
		key := claimsOf(t)[kind]
		if existing, ok := r.claims[kind][key]; ok {
			conflicts = append(conflicts, Conflict{Kind: kind, Key: key, Existing: existing, New: t.Name()})
		}
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}
	return nil
}

// Register records t. Returns a *ConflictError if any of its claims is taken.
func (r *Registry) Register(t *entity.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.detectConflicts(t); err != nil {
		return err
	}
	for kind, key := range claimsOf(t) {
		r.claims[kind][key] = t.Name()
	}
	r.types[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Unregister removes a type and releases its claims.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.types[name]
	if !ok {
		return fmt.Errorf("entity type %q not registered", name)
	}
	for kind, key := range claimsOf(t) {
		delete(r.claims[kind], key)
	}
	delete(r.types, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a type by declared name.
func (r *Registry) Get(name string) (*entity.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// ByPath returns the type mounted at a canonical segment.
func (r *Registry) ByPath(canonical string) (*entity.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.claims[ClaimPath][canonical]
	if !ok {
		return nil, false
	}
	return r.types[name], true
}

// List returns every type in declaration order.
func (r *Registry) List() []*entity.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.Type, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
