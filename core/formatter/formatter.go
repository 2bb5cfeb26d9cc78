// Package formatter renders records and call results for the command line.
// Formatters convert structured data to table, json or yaml output.
package formatter

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// Formatter converts structured data to a specific output format.
type Formatter interface {
	// Name returns the formatter name (e.g., "table", "json", "yaml").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// FormatList formats a list of records.
	FormatList(w io.Writer, view View, records []map[string]any, opts FormatOptions) error

	// FormatRecord formats a single record.
	FormatRecord(w io.Writer, view View, record map[string]any, opts FormatOptions) error

	// FormatError formats an error.
	FormatError(w io.Writer, err error) error
}

// View names what is being formatted.
type View struct {
	// Name is the entity type or listing name, e.g. "Widget" or "routes".
	Name string

	// Columns is the default column order. When empty the columns are the
	// keys of the records, "id" first and the rest sorted.
	Columns []string
}

// FormatOptions configures formatting behavior.
type FormatOptions struct {
	// Columns specifies which fields to include (nil = the view's columns).
	Columns []string

	// NoHeader disables header row for tabular formats.
	NoHeader bool

	// Compact minimizes whitespace (for json).
	Compact bool

	// MaxWidth truncates long values (0 = no limit).
	MaxWidth int
}

// columns resolves the columns to render.
func (v View) columns(records []map[string]any, requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	if len(v.Columns) > 0 {
		return v.Columns
	}
	seen := make(map[string]bool)
	for _, r := range records {
		for k := range r {
			seen[k] = true
		}
	}
	var cols []string
	if seen["id"] {
		cols = append(cols, "id")
		delete(seen, "id")
	}
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

// project keeps only the requested columns of each record.
func project(records []map[string]any, columns []string) []map[string]any {
	if len(columns) == 0 {
		return records
	}
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = projectOne(r, columns)
	}
	return out
}

func projectOne(record map[string]any, columns []string) map[string]any {
	if record == nil || len(columns) == 0 {
		return record
	}
	out := make(map[string]any, len(columns))
	for _, c := range columns {
		if v, ok := record[c]; ok {
			out[c] = v
		}
	}
	return out
}

// Write renders an arbitrary call result: a list of records, a single
// record, or a scalar wrapped as {"result": v}.
func Write(w io.Writer, f Formatter, view View, result any, opts FormatOptions) error {
	switch v := result.(type) {
	case map[string]any:
		return f.FormatRecord(w, view, v, opts)
	case []map[string]any:
		return f.FormatList(w, view, v, opts)
	case []any:
		records := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return f.FormatRecord(w, view, map[string]any{"result": result}, opts)
			}
			records = append(records, m)
		}
		return f.FormatList(w, view, records, opts)
	}
	return f.FormatRecord(w, view, map[string]any{"result": result}, opts)
}

// Registry manages registered formatters.
type Registry struct {
	mu         sync.RWMutex
	formatters map[string]Formatter
	defaultFmt string
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		formatters: make(map[string]Formatter),
		defaultFmt: "table",
	}
}

// Register adds a formatter to the registry.
func (r *Registry) Register(f Formatter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.formatters[f.Name()]; exists {
		return fmt.Errorf("formatter %q already registered", f.Name())
	}

	r.formatters[f.Name()] = f
	return nil
}

// Get returns a formatter by name.
func (r *Registry) Get(name string) (Formatter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formatters[name]
	return f, ok
}

// Default returns the default formatter.
func (r *Registry) Default() Formatter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.formatters[r.defaultFmt]
}

// SetDefault sets the default formatter.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.formatters[name]; !exists {
		return fmt.Errorf("formatter %q not registered", name)
	}

	r.defaultFmt = name
	return nil
}

// List returns all registered formatter names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.formatters))
	for name := range r.formatters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter to the default registry.
func Register(f Formatter) error {
	return DefaultRegistry.Register(f)
}

// Get returns a formatter from the default registry.
func Get(name string) (Formatter, bool) {
	return DefaultRegistry.Get(name)
}

// Lookup returns the named formatter, or an error listing the valid names.
func Lookup(name string) (Formatter, error) {
	if f, ok := DefaultRegistry.Get(name); ok {
		return f, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want one of %v)", name, DefaultRegistry.List())
}

// List returns all formatter names from the default registry.
func List() []string {
	return DefaultRegistry.List()
}
