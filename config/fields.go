package config

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// field is one dotted configuration key the holder tracks across reloads.
type field struct {
	key        string
	reloadable bool
	value      func(*Config) string
}

var fields = []field{
	{"logging.level", true, func(c *Config) string { return c.Logging.Level }},
	{"logging.format", true, func(c *Config) string { return c.Logging.Format }},
	{"app.auto_rpc", true, func(c *Config) string { return strconv.FormatBool(c.App.AutoRPCEnabled()) }},
	{"client.headers", true, func(c *Config) string { return headerNames(c.Client.Headers) }},
	{"server.host", false, func(c *Config) string { return c.Server.Host }},
	{"server.port", false, func(c *Config) string { return strconv.Itoa(c.Server.Port) }},
	{"app.prefix", false, func(c *Config) string { return c.App.Prefix }},
	{"app.ids", false, func(c *Config) string { return c.App.IDs }},
	{"database.driver", false, func(c *Config) string { return c.Database.Driver }},
	{"database.dsn", false, func(c *Config) string { return c.Database.DSN }},
	{"auth.enabled", false, func(c *Config) string { return strconv.FormatBool(c.Auth.Enabled) }},
	{"metrics.path", false, func(c *Config) string { return c.Metrics.Path }},
}

// headerNames lists header names only; values may hold credentials.
func headerNames(h map[string]string) string {
	return strings.Join(slices.Sorted(maps.Keys(h)), ",")
}

// Change is one key whose value differs between two configurations.
type Change struct {
	Field      string
	Old, New   string
	Reloadable bool
}

// Diff returns the tracked keys that differ between old and new, in a fixed
// order. Client header values are compared but reported by name.
func Diff(old, new *Config) []Change {
	var out []Change
	for _, f := range fields {
		o, n := f.value(old), f.value(new)
		if f.key == "client.headers" && o == n && !maps.Equal(old.Client.Headers, new.Client.Headers) {
			n += " (values changed)"
		}
		if o != n {
			out = append(out, Change{Field: f.key, Old: o, New: n, Reloadable: f.reloadable})
		}
	}
	return out
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string { return keys(true) }

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string { return keys(false) }

func keys(reloadable bool) []string {
	var out []string
	for _, f := range fields {
		if f.reloadable == reloadable {
			out = append(out, f.key)
		}
	}
	return out
}
