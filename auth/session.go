package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/sop/core/storage"
)

// DefaultSessionTTL is how long a session stays valid after login.
const DefaultSessionTTL = 24 * time.Hour

const sessionCollection = "UserSession"

var sessionSchema = storage.Collection{
	Name:  sessionCollection,
	Table: "user_sessions",
	Fields: []storage.Field{
		{Name: "userId", Type: reflect.TypeFor[string]()},
		{Name: "secretHash", Type: reflect.TypeFor[string]()},
		{Name: "expiresAt", Type: reflect.TypeFor[int64]()},
	},
}

// Sessions keeps bearer sessions in a store collection, so a SQLite store
// keeps them across restarts. A token is "<session id>.<secret>"; only the
// SHA-256 of the secret is stored.
type Sessions struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	ensured bool
}

// NewSessions creates a session store over store. A zero ttl uses
// DefaultSessionTTL.
func NewSessions(store storage.Store, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{store: store, ttl: ttl, now: time.Now}
}

func (s *Sessions) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	if err := s.store.Ensure(ctx, sessionSchema); err != nil {
		return fmt.Errorf("ensure sessions: %w", err)
	}
	s.ensured = true
	return nil
}

// Open starts a session for userID and returns its token.
func (s *Sessions) Open(ctx context.Context, userID string) (string, error) {
	if err := s.ensure(ctx); err != nil {
		return "", err
	}
	secret := uuid.NewString()
	id, err := s.store.Create(ctx, sessionCollection, map[string]any{
		"userId":     userID,
		"secretHash": hashSecret(secret),
		"expiresAt":  s.now().Add(s.ttl).UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	return id + "." + secret, nil
}

// Lookup returns the user id of a live session. Unknown, malformed and
// expired tokens report false; expired sessions are deleted.
func (s *Sessions) Lookup(ctx context.Context, token string) (string, bool, error) {
	rec, ok, err := s.find(ctx, token)
	if err != nil || !ok {
		return "", false, err
	}
	if s.expired(rec) {
		if err := s.store.Delete(ctx, sessionCollection, recordID(rec)); err != nil && !storage.IsNotFound(err) {
			return "", false, err
		}
		return "", false, nil
	}
	userID, _ := rec["userId"].(string)
	return userID, true, nil
}

// Revoke ends the session of token.
func (s *Sessions) Revoke(ctx context.Context, token string) (bool, error) {
	rec, ok, err := s.find(ctx, token)
	if err != nil || !ok {
		return false, err
	}
	if err := s.store.Delete(ctx, sessionCollection, recordID(rec)); err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RevokeUser ends every session of userID.
func (s *Sessions) RevokeUser(ctx context.Context, userID string) (int, error) {
	return s.deleteWhere(ctx, func(rec map[string]any) bool {
		return rec["userId"] == userID
	})
}

// Prune deletes expired sessions.
func (s *Sessions) Prune(ctx context.Context) (int, error) {
	return s.deleteWhere(ctx, s.expired)
}

// Len returns the number of stored sessions, expired ones included.
func (s *Sessions) Len(ctx context.Context) (int, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, err
	}
	all, err := s.store.List(ctx, sessionCollection)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Sessions) find(ctx context.Context, token string) (map[string]any, bool, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return nil, false, nil
	}
	if err := s.ensure(ctx); err != nil {
		return nil, false, err
	}
	rec, err := s.store.Get(ctx, sessionCollection, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	stored, _ := rec["secretHash"].(string)
	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashSecret(secret))) != 1 {
		return nil, false, nil
	}
	return rec, true, nil
}

func (s *Sessions) deleteWhere(ctx context.Context, match func(map[string]any) bool) (int, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, err
	}
	all, err := s.store.List(ctx, sessionCollection)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if !match(rec) {
			continue
		}
		if err := s.store.Delete(ctx, sessionCollection, recordID(rec)); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Sessions) expired(rec map[string]any) bool {
	var at int64
	switch v := rec["expiresAt"].(type) {
	case int64:
		at = v
	case float64:
		at = int64(v)
	default:
		return true
	}
	return !s.now().Before(time.Unix(0, at))
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func recordID(rec map[string]any) string {
	id, _ := rec["id"].(string)
	return id
}
