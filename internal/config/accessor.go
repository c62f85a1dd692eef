package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Config paths are the dotted JSON names of a field, e.g. "retrieval.threshold",
// "providers.openai.apiKey" or "corpus.pages.0".

func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid config path %q", path)
		}
	}
	return parts, nil
}

// tree is the generic JSON form of cfg. Omitted (empty) fields are absent.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func lookup(node any, parts []string) (any, bool) {
	for _, key := range parts {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[key]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			node = v[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// GetByPath returns the value at path in its JSON form.
func GetByPath(cfg *Config, path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	v, ok := lookup(m, parts)
	if !ok {
		return nil, fmt.Errorf("unknown config path %q", path)
	}
	return v, nil
}

// SetByPath converts value to the type of the field at path, applies it and
// validates the whole config. On any error cfg is left unchanged. New
// provider entries can be created with "providers.<name>.<field>".
func SetByPath(cfg *Config, path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	m, err := tree(cfg)
	if err != nil {
		return err
	}

	parent := m
	for i, key := range parts[:len(parts)-1] {
		child, ok := parent[key]
		if !ok && i == 1 && parts[0] == "providers" {
			child = map[string]any{}
			parent[key] = child
		} else if !ok {
			return fmt.Errorf("unknown config path %q", path)
		}
		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("config path %q: %s is not a section", path, key)
		}
		parent = next
	}

	last := parts[len(parts)-1]
	current := parent[last]
	converted, err := convertLike(current, value)
	if err != nil {
		return fmt.Errorf("config path %q: %w", path, err)
	}
	parent[last] = converted

	next, err := decodeTree(m)
	if s, ok := converted.(string); ok && err != nil && current == nil {
		// An unset list field has no kind to convert to.
		parent[last] = splitList(s)
		next, err = decodeTree(m)
	}
	if err != nil {
		return fmt.Errorf("config path %q: %w", path, err)
	}

	// A misspelled field is dropped by Unmarshal; only empty values may
	// legitimately vanish through omitempty.
	if after, _ := tree(&next); after != nil {
		if _, ok := lookup(after, parts); !ok && !isZero(converted) {
			return fmt.Errorf("unknown config path %q", path)
		}
	}

	if err := Validate(&next); err != nil {
		return err
	}
	*cfg = next
	return nil
}

func decodeTree(m map[string]any) (Config, error) {
	var next Config
	data, err := json.Marshal(m)
	if err != nil {
		return next, err
	}
	err = json.Unmarshal(data, &next)
	return next, err
}

func splitList(s string) []any {
	var list []any
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// convertLike coerces value to the JSON kind of current. Strings from the
// command line become numbers, booleans or comma-separated lists as needed.
// Without a current value the kind is guessed from the string.
func convertLike(current, value any) (any, error) {
	s, isString := value.(string)
	switch current.(type) {
	case string:
		if isString {
			return s, nil
		}
		return fmt.Sprint(value), nil
	case float64:
		if !isString {
			return value, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", s)
		}
		return f, nil
	case bool:
		if !isString {
			return value, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", s)
		}
		return b, nil
	case []any:
		if !isString {
			return value, nil
		}
		return splitList(s), nil
	}
	if !isString {
		return value, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return s, nil
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Map {
		return rv.Len() == 0
	}
	return rv.IsZero()
}

// Sanitize returns a copy of cfg with credentials masked. cfg is not modified.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Providers = maps.Clone(cfg.Providers)
	for name, p := range out.Providers {
		p.APIKey = maskString(p.APIKey)
		out.Providers[name] = p
	}
	out.Corpus.Pages = slices.Clone(cfg.Corpus.Pages)
	out.Keywords.Entries = slices.Clone(cfg.Keywords.Entries)
	out.Telegram.AllowFrom = slices.Clone(cfg.Telegram.AllowFrom)

	out.Telegram.Token = maskString(cfg.Telegram.Token)
	out.Server.AdminToken = maskString(cfg.Server.AdminToken)
	if cfg.Memory.RedisPassword != "" {
		out.Memory.RedisPassword = "***"
	}
	return &out
}

// maskString keeps the first and last 4 characters of long secrets.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value. List elements
// are reported by index.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, node any, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			flatten(join(k), child, out)
		}
	case []any:
		if len(v) == 0 {
			out[prefix] = v
		}
		for i, child := range v {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	default:
		out[prefix] = v
	}
}
