package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/artpar/sop/core/convention"
	"github.com/artpar/sop/core/fault"
	"github.com/artpar/sop/core/parsing"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store with SQLite. Scalar fields map to typed
// columns; sequences, maps and records are stored as JSON text.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	ids IDGenerator

	// collections maps entity type names to their definitions
	collections map[string]Collection
}

type uuidGen struct{}

func (uuidGen) New() string { return uuid.New().String() }

// NewSQLiteStore opens a SQLite database. A nil ids allocates UUIDs.
func NewSQLiteStore(path string, ids IDGenerator) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	return NewSQLiteStoreFromDB(db, ids), nil
}

// NewSQLiteStoreFromDB creates a store from an existing connection.
func NewSQLiteStoreFromDB(db *sql.DB, ids IDGenerator) *SQLiteStore {
	if ids == nil {
		ids = uuidGen{}
	}
	return &SQLiteStore{
		db:          db,
		ids:         ids,
		collections: make(map[string]Collection),
	}
}

// Ensure creates the collection's table.
func (s *SQLiteStore) Ensure(ctx context.Context, c Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Table == "" {
		c.Table = convention.Table(c.Name)
	}
	if _, err := s.db.ExecContext(ctx, BuildCreateTableSQL(c)); err != nil {
		return fmt.Errorf("create table %s: %w", c.Table, err)
	}
	s.collections[c.Name] = c
	return nil
}

// BuildCreateTableSQL generates the CREATE TABLE statement for c.
func BuildCreateTableSQL(c Collection) string {
	columns := []string{`"id" TEXT PRIMARY KEY`}
	for _, f := range c.Fields {
		col := fmt.Sprintf("%s %s", quote(column(f.Name)), sqlType(f.Type))
		if !f.Optional {
			col += " NOT NULL"
		}
		columns = append(columns, col)
	}
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		quote(c.Table),
		strings.Join(columns, ",\n  "),
	)
}

func (s *SQLiteStore) collection(name string) (Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return Collection{}, fmt.Errorf("collection %q not ensured", name)
	}
	return c, nil
}

// Create inserts a record.
func (s *SQLiteStore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	c, err := s.collection(collection)
	if err != nil {
		return "", err
	}

	id := s.ids.New()
	columns := []string{quote("id")}
	placeholders := []string{"?"}
	values := []any{id}

	for _, f := range c.Fields {
		val, exists := data[f.Name]
		if !exists || val == nil {
			if !f.Optional {
				return "", &fault.ValidationError{Type: c.Name, Field: f.Name, Detail: "missing required field"}
			}
			continue
		}
		v, err := convertValue(val, f)
		if err != nil {
			return "", err
		}
		columns = append(columns, quote(column(f.Name)))
		placeholders = append(placeholders, "?")
		values = append(values, v)
	}

	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quote(c.Table),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)
	if _, err := s.db.ExecContext(ctx, insertSQL, values...); err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}
	return id, nil
}

func selectColumns(c Collection) string {
	cols := []string{quote("id")}
	for _, f := range c.Fields {
		cols = append(cols, quote(column(f.Name)))
	}
	return strings.Join(cols, ", ")
}

func scanRecord(rows *sql.Rows, c Collection) (map[string]any, error) {
	values := make([]any, len(c.Fields)+1)
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	record := map[string]any{"id": asString(values[0])}
	for i, f := range c.Fields {
		v, err := convertFromDB(values[i+1], f)
		if err != nil {
			return nil, err
		}
		if v != nil {
			record[f.Name] = v
		}
	}
	return record, nil
}

// Get returns one record.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	out, err := s.GetMany(ctx, collection, []string{id})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GetMany returns records in the order of ids.
func (s *SQLiteStore) GetMany(ctx context.Context, collection string, ids []string) ([]map[string]any, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []map[string]any{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IN (%s)",
		selectColumns(c), quote(c.Table), quote("id"), strings.Join(placeholders, ", "),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]map[string]any, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows, c)
		if err != nil {
			return nil, err
		}
		byID[rec["id"].(string)] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	out := make([]map[string]any, 0, len(ids))
	var missing []string
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	if len(missing) > 0 {
		return nil, &fault.NotFoundError{Type: c.Name, IDs: missing}
	}
	return out, nil
}

// List returns every record in insertion order.
func (s *SQLiteStore) List(ctx context.Context, collection string) ([]map[string]any, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", selectColumns(c), quote(c.Table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		rec, err := scanRecord(rows, c)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// Update overwrites the given fields of a record.
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, data map[string]any) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	var sets []string
	var values []any
	for k, v := range data {
		if k == "id" {
			continue
		}
		f, ok := c.Field(k)
		if !ok {
			return &fault.ValidationError{Type: c.Name, Field: k, Detail: "unknown field"}
		}
		if v == nil && !f.Optional {
			return &fault.ValidationError{Type: c.Name, Field: k, Detail: "field is required"}
		}
		dbv, err := convertValue(v, f)
		if err != nil {
			return err
		}
		sets = append(sets, quote(column(k))+" = ?")
		values = append(values, dbv)
	}

	if len(sets) == 0 {
		_, err := s.Get(ctx, collection, id)
		return err
	}

	values = append(values, id)
	updateSQL := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quote(c.Table), strings.Join(sets, ", "), quote("id"))
	result, err := s.db.ExecContext(ctx, updateSQL, values...)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &fault.NotFoundError{Type: c.Name, IDs: []string{id}}
	}
	return nil
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(c.Table), quote("id")), id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &fault.NotFoundError{Type: c.Name, IDs: []string{id}}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type columnKind int

const (
	kindText columnKind = iota
	kindInteger
	kindReal
	kindBool
	kindJSON
)

func kindOf(t reflect.Type) columnKind {
	if t == nil {
		return kindJSON
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return kindText
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return kindInteger
	case reflect.Float32, reflect.Float64:
		return kindReal
	case reflect.Bool:
		return kindBool
	}
	return kindJSON
}

func sqlType(t reflect.Type) string {
	switch kindOf(t) {
	case kindInteger, kindBool:
		return "INTEGER"
	case kindReal:
		return "REAL"
	}
	return "TEXT"
}

// convertValue converts a wire value to a database value.
func convertValue(val any, f Field) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch kindOf(f.Type) {
	case kindBool:
		b, ok := val.(bool)
		if !ok {
			return nil, &fault.ValidationError{Field: f.Name, Err: &fault.ParseError{Type: "bool", Value: val}}
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case kindJSON:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		return string(data), nil
	}
	return val, nil
}

// convertFromDB converts a database value to a wire value.
func convertFromDB(val any, f Field) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch kindOf(f.Type) {
	case kindBool:
		switch v := val.(type) {
		case int64:
			return v != 0, nil
		case bool:
			return v, nil
		}
	case kindInteger:
		switch v := val.(type) {
		case float64:
			return int64(v), nil
		}
	case kindReal:
		switch v := val.(type) {
		case int64:
			return float64(v), nil
		}
	case kindText:
		return asString(val), nil
	case kindJSON:
		var raw []byte
		switch v := val.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			return val, nil
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Name, err)
		}
		return parsing.Normalize(out), nil
	}
	return val, nil
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func column(name string) string {
	return convention.Snake(name)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *fault.NotFoundError
	return errors.As(err, &nf)
}

var _ Store = (*SQLiteStore)(nil)
