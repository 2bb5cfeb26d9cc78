package formatter

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func testRecords() []map[string]any {
	return []map[string]any{
		{"id": "1", "name": "Alice", "size": int64(30), "active": true},
		{"id": "2", "name": "Bob", "size": json.Number("25")},
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewTableFormatter()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := r.Register(NewTableFormatter())
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("duplicate Register error = %v", err)
	}
	if err := r.SetDefault("yaml"); err == nil {
		t.Error("SetDefault of an unregistered formatter should fail")
	}
	if got := r.Default().Name(); got != "table" {
		t.Errorf("Default = %s, want table", got)
	}
}

func TestDefaultRegistry(t *testing.T) {
	want := []string{"json", "table", "yaml"}
	if got := List(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("List = %v, want %v", got, want)
	}
	if _, err := Lookup("csv"); err == nil || !strings.Contains(err.Error(), "json") {
		t.Errorf("Lookup(csv) error = %v", err)
	}
}

func TestViewColumns(t *testing.T) {
	tests := []struct {
		name      string
		view      View
		requested []string
		want      []string
	}{
		{"derived", View{}, nil, []string{"id", "active", "name", "size"}},
		{"view", View{Columns: []string{"name", "id"}}, nil, []string{"name", "id"}},
		{"requested", View{Columns: []string{"name"}}, []string{"size"}, []string{"size"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.view.columns(testRecords(), tt.requested)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("columns = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTableFormatter(t *testing.T) {
	f := NewTableFormatter()
	var buf bytes.Buffer

	if err := f.FormatList(&buf, View{Name: "Widget"}, testRecords(), FormatOptions{}); err != nil {
		t.Fatalf("FormatList error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if fields := strings.Fields(lines[0]); strings.Join(fields, " ") != "ID ACTIVE NAME SIZE" {
		t.Errorf("header = %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); strings.Join(fields, " ") != "1 yes Alice 30" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); strings.Join(fields, " ") != "2 - Bob 25" {
		t.Errorf("row 2 = %q", lines[2])
	}

	buf.Reset()
	f.FormatList(&buf, View{}, nil, FormatOptions{})
	if !strings.Contains(buf.String(), "No records found.") {
		t.Errorf("empty list output = %q", buf.String())
	}

	buf.Reset()
	f.FormatRecord(&buf, View{}, map[string]any{"id": "1", "hashedPassword": "x"}, FormatOptions{})
	if !strings.Contains(buf.String(), "Hashed Password:") {
		t.Errorf("record output = %q", buf.String())
	}
}

func TestTableFormatValue(t *testing.T) {
	f := NewTableFormatter()
	tests := []struct {
		in   any
		max  int
		want string
	}{
		{nil, 0, "-"},
		{false, 0, "no"},
		{float64(2), 0, "2"},
		{1.5, 0, "1.50"},
		{[]any{"a", "b"}, 0, `["a","b"]`},
		{"abcdefghij", 6, "abc..."},
	}
	for _, tt := range tests {
		if got := f.formatValue(tt.in, tt.max); got != tt.want {
			t.Errorf("formatValue(%v, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestJSONFormatter(t *testing.T) {
	f := NewJSONFormatter()
	var buf bytes.Buffer
	if err := f.FormatList(&buf, View{Name: "Widget"}, testRecords(), FormatOptions{Columns: []string{"name"}, Compact: true}); err != nil {
		t.Fatalf("FormatList error: %v", err)
	}
	var out struct {
		Type  string           `json:"type"`
		Count int              `json:"count"`
		Data  []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Type != "Widget" || out.Count != 2 || len(out.Data[0]) != 1 || out.Data[1]["name"] != "Bob" {
		t.Errorf("output = %+v", out)
	}

	buf.Reset()
	f.FormatError(&buf, errors.New("boom"))
	if !strings.Contains(buf.String(), `"error": "boom"`) {
		t.Errorf("error output = %q", buf.String())
	}
}

func TestYAMLFormatter(t *testing.T) {
	f := NewYAMLFormatter()
	var buf bytes.Buffer
	if err := f.FormatRecord(&buf, View{Name: "Widget"}, testRecords()[1], FormatOptions{}); err != nil {
		t.Fatalf("FormatRecord error: %v", err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid YAML: %v", err)
	}
	data := out["data"].(map[string]any)
	if data["size"] != 25 {
		t.Errorf("size = %#v, want 25", data["size"])
	}
}

func TestWrite(t *testing.T) {
	f := NewJSONFormatter()
	tests := []struct {
		name   string
		result any
		want   string
	}{
		{"scalar", int64(3), `"result":3`},
		{"record", map[string]any{"id": "1"}, `"data":{"id":"1"}`},
		{"list", []any{map[string]any{"id": "1"}}, `"count":1`},
		{"mixed list", []any{"a", "b"}, `"result":["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, f, View{}, tt.result, FormatOptions{Compact: true}); err != nil {
				t.Fatalf("Write error: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %s, want substring %s", buf.String(), tt.want)
			}
		})
	}
}
