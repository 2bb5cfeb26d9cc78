package entity

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
)

// Record is the wire form of one entity: its id and field values.
type Record map[string]any

// ID returns the record's id.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Field returns a raw field value.
func (r Record) Field(name string) (any, bool) {
	v, ok := r[name]
	return v, ok
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

var (
	recordType      = reflect.TypeFor[Record]()
	recordSliceType = reflect.TypeFor[[]Record]()
)

func registerRecordTypes(reg *parsing.Registry) error {
	if !reg.Has(recordType) {
		err := parsing.RegisterFunc(reg,
			func(wire any) (Record, error) {
				if wire == nil {
					return nil, nil
				}
				m, ok := wire.(map[string]any)
				if !ok {
					return nil, &fault.ParseError{Type: "entity.Record", Value: wire}
				}
				return Record(m), nil
			},
			func(r Record) (any, error) {
				if r == nil {
					return nil, nil
				}
				return reg.Serialize(map[string]any(r))
			},
		)
		if err != nil && !reg.Has(recordType) {
			return err
		}
	}
	return reg.Ensure(recordSliceType)
}

func toRecord(m map[string]any) Record {
	if m == nil {
		return nil
	}
	return Record(m)
}

func toRecords(ms []map[string]any) []Record {
	out := make([]Record, len(ms))
	for i, m := range ms {
		out[i] = Record(m)
	}
	return out
}

// Decode converts a record into T, typically the type's record struct. The
// id is dropped when T has no "id" field.
func Decode[T any](reg *parsing.Registry, rec Record) (T, error) {
	var zero T
	if reg == nil {
		reg = parsing.Default
	}
	rt := reflect.TypeFor[T]()
	wire := map[string]any(rec.Clone())
	if rt.Kind() == reflect.Struct {
		if err := reg.RegisterStruct(rt); err != nil {
			return zero, err
		}
		fields, err := reg.Fields(rt)
		if err != nil {
			return zero, err
		}
		hasID := false
		for _, f := range fields {
			if f.Name == "id" {
				hasID = true
			}
		}
		if !hasID {
			delete(wire, "id")
		}
	}
	out, err := parsing.Parse[T](reg, wire)
	if err != nil {
		var ve *fault.ValidationError
		if errors.As(err, &ve) {
			return zero, err
		}
		return zero, fmt.Errorf("decode %s: %w", rt, err)
	}
	return out, nil
}
