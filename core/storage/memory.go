package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/artpar/sop/core/fault"
)

// MemoryStore is an in-process Store. Each collection allocates ids from
// its own generator, so ids are "1", "2", ... per collection by default.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	newIDs      func() IDGenerator
}

type memCollection struct {
	def   Collection
	ids   IDGenerator
	rows  map[string]map[string]any
	order []string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithIDs sets the factory used to create one id generator per collection.
func WithIDs(factory func() IDGenerator) MemoryOption {
	return func(s *MemoryStore) { s.newIDs = factory }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[string]*memCollection),
		newIDs:      func() IDGenerator { return &counter{} },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type counter struct{ n uint64 }

func (c *counter) New() string {
	return strconv.FormatUint(atomic.AddUint64(&c.n, 1), 10)
}

// Ensure creates the collection if needed.
func (s *MemoryStore) Ensure(ctx context.Context, c Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.collections[c.Name]; ok {
		existing.def = c
		return nil
	}
	s.collections[c.Name] = &memCollection{
		def:  c,
		ids:  s.newIDs(),
		rows: make(map[string]map[string]any),
	}
	return nil
}

func (s *MemoryStore) collection(name string) (*memCollection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q not ensured", name)
	}
	return c, nil
}

// Create inserts a record.
func (s *MemoryStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(collection)
	if err != nil {
		return "", err
	}

	id := c.ids.New()
	for {
		if _, taken := c.rows[id]; !taken {
			break
		}
		id = c.ids.New()
	}
	row := cloneRecord(data)
	row["id"] = id
	c.rows[id] = row
	c.order = append(c.order, id)
	return id, nil
}

// Get returns one record.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	row, ok := c.rows[id]
	if !ok {
		return nil, &fault.NotFoundError{Type: c.def.Name, IDs: []string{id}}
	}
	return cloneRecord(row), nil
}

// GetMany returns records in the order of ids, or fails listing every
// missing id.
func (s *MemoryStore) GetMany(ctx context.Context, collection string, ids []string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(ids))
	var missing []string
	for _, id := range ids {
		row, ok := c.rows[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, cloneRecord(row))
	}
	if len(missing) > 0 {
		return nil, &fault.NotFoundError{Type: c.def.Name, IDs: missing}
	}
	return out, nil
}

// List returns every record in insertion order.
func (s *MemoryStore) List(ctx context.Context, collection string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneRecord(c.rows[id]))
	}
	return out, nil
}

// Update overwrites the given fields of a record.
func (s *MemoryStore) Update(ctx context.Context, collection, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	row, ok := c.rows[id]
	if !ok {
		return &fault.NotFoundError{Type: c.def.Name, IDs: []string{id}}
	}
	for k, v := range data {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(row, k)
			continue
		}
		row[k] = cloneWire(v)
	}
	return nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	if _, ok := c.rows[id]; !ok {
		return &fault.NotFoundError{Type: c.def.Name, IDs: []string{id}}
	}
	delete(c.rows, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
