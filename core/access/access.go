// Package access implements attribute-level access control.
//
// A Table maps attribute names (fields or method names) to predicates. A
// predicate is evaluated against the subject being accessed on both read and
// write; a false result is reported as *fault.ForbiddenError. Tables are
// inherited by copy, so a subtype can add or override restrictions without
// touching its ancestors.
package access

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/sop/core/fault"
)

// Op is the kind of access being checked.
type Op string

const (
	Read  Op = "read"
	Write Op = "write"
)

// Subject is the thing being accessed. It is nil for class-level checks
// such as static method calls.
type Subject interface {
	ID() string
	Field(name string) (any, bool)
}

// Predicate decides whether access is allowed.
type Predicate func(ctx context.Context, subj Subject) bool

// Deny is the predicate used by Hidden.
func Deny(context.Context, Subject) bool { return false }

// Table is a per-type restriction table.
type Table struct {
	mu    sync.RWMutex
	rules map[string]Predicate
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{rules: make(map[string]Predicate)}
}

// Restrict records pred against each attribute, replacing any previous
// restriction on that attribute.
func (t *Table) Restrict(pred Predicate, attrs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range attrs {
		t.rules[a] = pred
	}
}

// Hidden makes attrs unreadable and unwritable.
func (t *Table) Hidden(attrs ...string) {
	t.Restrict(Deny, attrs...)
}

// Unrestrict removes any restriction on attrs.
func (t *Table) Unrestrict(attrs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range attrs {
		delete(t.rules, a)
	}
}

// Lookup returns the predicate for attr.
func (t *Table) Lookup(attr string) (Predicate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.rules[attr]
	return p, ok
}

// Allowed reports whether op on attr is permitted for subj.
func (t *Table) Allowed(ctx context.Context, attr string, subj Subject) bool {
	p, ok := t.Lookup(attr)
	if !ok {
		return true
	}
	return p(ctx, subj)
}

// Check returns a ForbiddenError when op on attr is not permitted.
func (t *Table) Check(ctx context.Context, typeName, attr string, op Op, subj Subject) error {
	if t.Allowed(ctx, attr, subj) {
		return nil
	}
	return &fault.ForbiddenError{Type: typeName, Attribute: attr, Op: string(op)}
}

// Attributes returns the restricted attribute names, sorted.
func (t *Table) Attributes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.rules))
	for a := range t.rules {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of t.
func (t *Table) Clone() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := NewTable()
	for a, p := range t.rules {
		c.rules[a] = p
	}
	return c
}

// Inherit creates a table that starts as a copy of the parents' tables.
// When parents restrict the same attribute, the first parent wins.
func Inherit(parents ...*Table) *Table {
	out := NewTable()
	for _, p := range parents {
		if p == nil {
			continue
		}
		p.mu.RLock()
		for a, pred := range p.rules {
			if _, taken := out.rules[a]; !taken {
				out.rules[a] = pred
			}
		}
		p.mu.RUnlock()
	}
	return out
}

// All combines predicates; access is allowed only when every one allows it.
func All(preds ...Predicate) Predicate {
	return func(ctx context.Context, subj Subject) bool {
		for _, p := range preds {
			if !p(ctx, subj) {
				return false
			}
		}
		return true
	}
}

// Any combines predicates; access is allowed when at least one allows it.
func Any(preds ...Predicate) Predicate {
	return func(ctx context.Context, subj Subject) bool {
		for _, p := range preds {
			if p(ctx, subj) {
				return true
			}
		}
		return false
	}
}
