// Package idgen provides record id generators for the stores.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/artpar/sop/core/storage"
)

// UUID generates UUIDs.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

// Ensure interface compliance.
var _ storage.IDGenerator = UUID{}

// Sequential generates "1", "2", ... with an optional prefix.
type Sequential struct {
	prefix  string
	counter atomic.Uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(s.counter.Add(1), 10)
}

// Reset restarts the sequence.
func (s *Sequential) Reset() {
	s.counter.Store(0)
}

// Ensure interface compliance.
var _ storage.IDGenerator = (*Sequential)(nil)

// SequentialFactory returns a factory creating one unprefixed sequence per
// collection.
func SequentialFactory() func() storage.IDGenerator {
	return func() storage.IDGenerator { return NewSequential("") }
}

// UUIDFactory returns a factory creating UUID generators.
func UUIDFactory() func() storage.IDGenerator {
	return func() storage.IDGenerator { return UUID{} }
}

// ByName returns the factory for "sequential" or "uuid".
func ByName(name string) (func() storage.IDGenerator, bool) {
	switch name {
	case "", "sequential":
		return SequentialFactory(), true
	case "uuid":
		return UUIDFactory(), true
	}
	return nil, false
}
