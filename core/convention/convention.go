// Package convention derives names from declared entity type names.
// It applies the naming rules used for API prefixes, wire field names and
// storage tables.
package convention

import (
	"strings"
	"unicode"
)

// Canonical returns the canonical API name of a declared type name: the
// lowerCamel form used as the class-level node prefix.
//
//	Widget      -> widget
//	UserProfile -> userProfile
//	HTTPServer  -> httpServer
//	user_group  -> userGroup
func Canonical(name string) string {
	words := Words(name)
	if len(words) == 0 {
		return ""
	}
	var b strings.Builder
	for i, w := range words {
		if i == 0 {
			b.WriteString(w)
			continue
		}
		b.WriteString(strings.ToUpper(w[:1]))
		b.WriteString(w[1:])
	}
	return b.String()
}

// Snake returns the snake_case form of name.
func Snake(name string) string {
	return strings.Join(Words(name), "_")
}

// Table returns the storage table name for a declared type name.
func Table(name string) string {
	words := Words(name)
	if len(words) == 0 {
		return ""
	}
	words[len(words)-1] = Pluralize(words[len(words)-1])
	return strings.Join(words, "_")
}

// FieldName returns the wire name of a Go struct field name.
func FieldName(goName string) string {
	return Canonical(goName)
}

// Words splits an identifier into lower-case words. Separators are
// underscores, hyphens, spaces and dots; case boundaries split words, and a
// run of capitals is kept together ("HTTPServer" -> "http", "server").
func Words(name string) []string {
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.':
			flush()
		case unicode.IsUpper(r):
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if prevLower || (prevUpper && nextLower) {
				flush()
			}
			cur = append(cur, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur = append(cur, r)
		default:
			flush()
		}
	}
	flush()
	return words
}
