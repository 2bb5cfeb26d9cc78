package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/sop/adapters/hasher"
	"github.com/artpar/sop/core/app"
	"github.com/artpar/sop/core/entity"
	"github.com/artpar/sop/core/fault"
)

// User is the record of the built-in user type.
type User struct {
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	HashedPassword string   `json:"hashedPassword"`
	Roles          []string `json:"roles,omitempty"`
}

const hashedPasswordField = "hashedPassword"

// Service owns the user type and its sessions.
type Service struct {
	users    *entity.Type
	hasher   hasher.Hasher
	sessions *Sessions
	ttl      time.Duration
	logger   zerolog.Logger
	onFail   func(reason string)
}

// Option configures the Service.
type Option func(*Service)

// WithSessionTTL sets how long sessions last.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithFailureObserver is called with a reason on every failed login or
// token check.
func WithFailureObserver(fn func(reason string)) Option {
	return func(s *Service) { s.onFail = fn }
}

// DeclareUser declares the User type on a and returns its service. The
// password hash is hidden and the generic create method is disabled in
// favor of register. Sessions are kept in a's store.
func DeclareUser(a *app.App, h hasher.Hasher, opts ...Option) (*Service, error) {
	s := &Service{
		hasher: h,
		logger: a.Logger(),
		onFail: func(string) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = NewSessions(a.Store(), s.ttl)

	t, err := app.Declare[User](a, entity.Descriptor{
		Name:  "User",
		Setup: s.setup,
	})
	if err != nil {
		return nil, err
	}
	s.users = t
	return s, nil
}

func (s *Service) setup(t *entity.Type) error {
	t.Hidden(hashedPasswordField, entity.OpCreate)

	methods := []struct {
		name   string
		fn     any
		params []string
	}{
		{"register", func(ctx context.Context, t *entity.Type, name, email, password string) (entity.Record, error) {
			return s.Register(ctx, name, email, password)
		}, []string{"name", "email", "password"}},
		{"login", func(ctx context.Context, t *entity.Type, email, password string) (entity.Record, error) {
			token, user, err := s.Login(ctx, email, password)
			if err != nil {
				return nil, err
			}
			return entity.Record{"token": token, "user": map[string]any(user)}, nil
		}, []string{"email", "password"}},
		{"logout", func(ctx context.Context, t *entity.Type) error {
			return s.Logout(ctx)
		}, nil},
		{"me", func(ctx context.Context, t *entity.Type) (entity.Record, error) {
			return s.Me(ctx)
		}, nil},
	}
	for _, m := range methods {
		if err := t.ClassMethod(m.name, m.fn, m.params...); err != nil {
			return err
		}
	}
	return nil
}

// Type returns the User entity type.
func (s *Service) Type() *entity.Type { return s.users }

// Sessions returns the session store.
func (s *Service) Sessions() *Sessions { return s.sessions }

// Register creates a user with a hashed password and returns the redacted
// record.
func (s *Service) Register(ctx context.Context, name, email, password string) (entity.Record, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	switch {
	case strings.TrimSpace(name) == "":
		return nil, &fault.ValidationError{Type: "User", Field: "name", Detail: "must not be empty"}
	case !strings.Contains(email, "@"):
		return nil, &fault.ValidationError{Type: "User", Field: "email", Detail: "must be an email address"}
	case len(password) < 8:
		return nil, &fault.ValidationError{Type: "User", Field: "password", Detail: "must be at least 8 characters"}
	}
	if _, err := s.findByEmail(ctx, email); err == nil {
		return nil, &fault.ValidationError{Type: "User", Field: "email", Detail: "already registered"}
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id, err := s.users.Create(ctx, map[string]any{
		"name":              name,
		"email":             email,
		hashedPasswordField: hash,
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", id).Msg("user registered")
	return s.users.Redact(ctx, rec), nil
}

// Login checks the credentials and opens a session. It returns the bearer
// token and the redacted user record.
func (s *Service) Login(ctx context.Context, email, password string) (string, entity.Record, error) {
	rec, err := s.findByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		s.onFail("unknown_email")
		return "", nil, errInvalidCredentials
	}
	hash, _ := rec[hashedPasswordField].(string)
	if !s.hasher.Compare(hash, password) {
		s.onFail("bad_password")
		return "", nil, errInvalidCredentials
	}
	if n, err := s.sessions.Prune(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("prune sessions")
	} else if n > 0 {
		s.logger.Debug().Int("pruned", n).Msg("expired sessions removed")
	}
	token, err := s.sessions.Open(ctx, rec.ID())
	if err != nil {
		return "", nil, err
	}
	s.logger.Info().Str("user_id", rec.ID()).Msg("user logged in")
	return token, s.users.Redact(ctx, rec), nil
}

// Logout ends the caller's session.
func (s *Service) Logout(ctx context.Context) error {
	p, ok := FromContext(ctx)
	if !ok {
		return &fault.ForbiddenError{Type: "User", Op: "logout", Detail: "not logged in"}
	}
	if _, err := s.sessions.Revoke(ctx, p.Token); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", p.ID).Msg("user logged out")
	return nil
}

// Me returns the caller's redacted record.
func (s *Service) Me(ctx context.Context) (entity.Record, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return nil, &fault.ForbiddenError{Type: "User", Op: "me", Detail: "not logged in"}
	}
	rec, err := s.users.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return s.users.Redact(ctx, rec), nil
}

// Authenticate resolves a bearer token to its principal.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	id, ok, err := s.sessions.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.onFail("invalid_token")
		return nil, &fault.ForbiddenError{Type: "User", Op: "authenticate", Detail: "invalid or expired token"}
	}
	rec, err := s.users.GetByID(ctx, id)
	if err != nil {
		if _, rerr := s.sessions.Revoke(ctx, token); rerr != nil {
			s.logger.Warn().Err(rerr).Str("user_id", id).Msg("revoke orphaned session")
		}
		return nil, err
	}
	p := &Principal{ID: id, Token: token}
	p.Name, _ = rec["name"].(string)
	p.Email, _ = rec["email"].(string)
	p.Roles = rolesOf(rec)
	return p, nil
}

// GrantRole adds role to a user.
func (s *Service) GrantRole(ctx context.Context, userID, role string) error {
	rec, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	roles := rolesOf(rec)
	if slices.Contains(roles, role) {
		return nil
	}
	return s.users.UpdateByID(ctx, userID, map[string]any{"roles": append(roles, role)})
}

func rolesOf(rec entity.Record) []string {
	switch v := rec["roles"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if role, ok := r.(string); ok {
				out = append(out, role)
			}
		}
		return out
	}
	return nil
}

var errInvalidCredentials = &fault.ForbiddenError{Type: "User", Op: "login", Detail: "invalid email or password"}

func (s *Service) findByEmail(ctx context.Context, email string) (entity.Record, error) {
	all, err := s.users.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec["email"] == email {
			return rec, nil
		}
	}
	return nil, &fault.NotFoundError{Type: "User", Detail: "no user with that email"}
}
