// Package storage is the persistence collaborator for entity types.
//
// A Store keeps one collection per entity type. Records are string-keyed maps
// of wire values (nil, bool, int64, float64, string, []any, map[string]any)
// keyed by an opaque string id that the store allocates. Missing ids are
// reported as *fault.NotFoundError.
package storage

import (
	"context"
	"reflect"
)

// Store provides CRUD operations over collections.
type Store interface {
	// Ensure creates the collection if it does not exist.
	Ensure(ctx context.Context, c Collection) error

	// Create inserts a record and returns its allocated id.
	Create(ctx context.Context, collection string, data map[string]any) (string, error)

	// Get returns the record with id, including its "id" key.
	Get(ctx context.Context, collection, id string) (map[string]any, error)

	// GetMany returns the records for ids in the order given. If any id is
	// missing the call fails and returns no records.
	GetMany(ctx context.Context, collection string, ids []string) ([]map[string]any, error)

	// List returns every record of the collection.
	List(ctx context.Context, collection string) ([]map[string]any, error)

	// Update overwrites the given fields of id.
	Update(ctx context.Context, collection, id string, data map[string]any) error

	// Delete removes id.
	Delete(ctx context.Context, collection, id string) error

	// Close releases the store's resources.
	Close() error
}

// Collection describes the records of one entity type.
type Collection struct {
	// Name is the declared entity type name, used in errors.
	Name string
	// Table is the physical table name.
	Table  string
	Fields []Field
}

// Field describes one record field.
type Field struct {
	Name     string
	Type     reflect.Type
	Optional bool
}

// Field returns the named field.
func (c Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IDGenerator allocates record ids.
type IDGenerator interface {
	New() string
}

// cloneWire deep-copies a wire value so that stored records never alias
// caller-owned sequences or maps.
func cloneWire(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneWire(e)
		}
		return out
	case map[string]any:
		return cloneRecord(x)
	}
	return v
}

func cloneRecord(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneWire(v)
	}
	return out
}
