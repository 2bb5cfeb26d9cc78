// Package hasher provides password hashing for the user entity.
package hasher

import (
	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies passwords.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Compare(hash, plaintext string) bool
}

// Bcrypt uses bcrypt for hashing.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher with the given cost. An out of range
// cost falls back to bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Cost returns the bcrypt cost in use.
func (h *Bcrypt) Cost() int { return h.cost }

// Hash generates a bcrypt hash from plaintext.
func (h *Bcrypt) Hash(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare checks if plaintext matches hash.
func (h *Bcrypt) Compare(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// Ensure interface compliance.
var _ Hasher = (*Bcrypt)(nil)

// Fake provides a no-op hasher for testing (NOT FOR PRODUCTION).
type Fake struct{}

// Hash returns the plaintext with a marker prefix.
func (Fake) Hash(plaintext string) (string, error) {
	return "fake:" + plaintext, nil
}

// Compare checks the marker-prefixed plaintext.
func (Fake) Compare(hash, plaintext string) bool {
	return hash == "fake:"+plaintext
}

// Ensure interface compliance.
var _ Hasher = Fake{}
