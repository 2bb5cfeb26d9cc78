// Package auth adds users, sessions and identity-aware access predicates to
// an entity API.
package auth

import (
	"context"
	"slices"

	"github.com/artpar/sop/core/access"
)

// OwnerField is the field RequiresOwner compares with the current user id.
const OwnerField = "owner"

// Principal is the authenticated caller.
type Principal struct {
	ID    string
	Name  string
	Email string
	Roles []string

	// Token is the session token the principal was authenticated with.
	Token string
}

// HasRole reports whether p has role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal carried by ctx.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Authenticated allows any authenticated caller.
func Authenticated() access.Predicate {
	return func(ctx context.Context, _ access.Subject) bool {
		_, ok := FromContext(ctx)
		return ok
	}
}

// RequiresOwner allows access when the subject's owner field equals the
// current user's id. Class-level checks, which have no subject, only
// require an authenticated caller.
func RequiresOwner() access.Predicate {
	return func(ctx context.Context, subj access.Subject) bool {
		p, ok := FromContext(ctx)
		if !ok {
			return false
		}
		if subj == nil {
			return true
		}
		owner, ok := subj.Field(OwnerField)
		if !ok {
			return false
		}
		id, _ := owner.(string)
		return id == p.ID
	}
}

// RequiresRole allows access when the current user has role.
func RequiresRole(role string) access.Predicate {
	return func(ctx context.Context, _ access.Subject) bool {
		p, ok := FromContext(ctx)
		return ok && p.HasRole(role)
	}
}
