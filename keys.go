package engram

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultCategories is the superset of recognized key categories. The
// effective set is configuration; this is the default.
var DefaultCategories = []string{
	"user", "project", "task", "system", "config", "preference", "location",
	"tool", "agent", "workflow", "team", "environment", "model", "auth",
	"channel", "gateway", "plugin", "binding", "command", "meta", "error",
	"correction", "event", "entity", "inferred",
}

// KeySet validates and normalizes fact keys against a category set.
// Plural category forms are aliased to singular, and "/" separators are
// coerced to ".".
type KeySet struct {
	categories map[string]struct{}
	aliases    map[string]string
}

// NewKeySet builds a KeySet from the given categories. Passing nil uses
// DefaultCategories. Plural aliases (trailing "s"/"es") are derived for
// every category.
func NewKeySet(categories []string) *KeySet {
	if categories == nil {
		categories = DefaultCategories
	}
	ks := &KeySet{
		categories: make(map[string]struct{}, len(categories)),
		aliases:    make(map[string]string, 2*len(categories)),
	}
	for _, c := range categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		ks.categories[c] = struct{}{}
		ks.aliases[c+"s"] = c
		ks.aliases[c+"es"] = c
	}
	return ks
}

// Has reports whether category is in the set (after alias resolution).
func (ks *KeySet) Has(category string) bool {
	category = strings.ToLower(category)
	if alias, ok := ks.aliases[category]; ok {
		category = alias
	}
	_, ok := ks.categories[category]
	return ok
}

// Normalize canonicalizes a key: NFC normalization, lowercasing, "/" → ".",
// collapsed and trimmed separators, and plural category aliasing.
func (ks *KeySet) Normalize(key string) string {
	key = norm.NFC.String(key)
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, "/", ".")

	parts := strings.Split(key, ".")
	segs := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			segs = append(segs, p)
		}
	}
	if len(segs) == 0 {
		return ""
	}
	if alias, ok := ks.aliases[segs[0]]; ok {
		segs[0] = alias
	}
	return strings.Join(segs, ".")
}

// Validate checks a normalized key against the category grammar
// <category>(.<segment>)+. The input should already be normalized.
func (ks *KeySet) Validate(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	segs := strings.Split(key, ".")
	if len(segs) < 2 {
		return fmt.Errorf("key %q: need at least <category>.<segment>", key)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("key %q: empty segment", key)
		}
	}
	if !ks.Has(segs[0]) {
		return fmt.Errorf("key %q: unknown category %q", key, segs[0])
	}
	return nil
}

// KeyCategory returns the first dotted segment of a key.
func KeyCategory(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}

// KeySegment returns the nth dotted segment (0-based), or "" when absent.
func KeySegment(key string, n int) string {
	segs := strings.Split(key, ".")
	if n < 0 || n >= len(segs) {
		return ""
	}
	return segs[n]
}

// NormalizeValue canonicalizes a fact value for comparison and storage:
// NFC normalization and surrounding-whitespace trim. The value is otherwise
// opaque.
func NormalizeValue(value string) string {
	return strings.TrimSpace(norm.NFC.String(value))
}
