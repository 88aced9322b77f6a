// Package macro substitutes `${name}` placeholders in resource args.
package macro

import (
	"os"
	"regexp"
)

var pattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Lookup resolves a macro name. It returns false when the name is unknown.
type Lookup func(name string) (string, bool)

// MapLookup resolves names from a fixed table.
func MapLookup(table map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := table[name]
		return v, ok
	}
}

// EnvLookup resolves names from the process environment.
func EnvLookup() Lookup {
	return os.LookupEnv
}

// Chain tries lookups in order. The first one which knows the name wins.
func Chain(lookups ...Lookup) Lookup {
	return func(name string) (string, bool) {
		for _, l := range lookups {
			if l == nil {
				continue
			}
			if v, ok := l(name); ok {
				return v, true
			}
		}
		return "", false
	}
}

// Fill returns a deep copy of value with every `${name}` in its string leaves
// replaced by lookup.
//
// value is a tree of map[string]any, []any and scalars, as decoded from JSON or YAML.
// Unknown names are left as they are.
func Fill(value any, lookup Lookup) any {
	switch v := value.(type) {
	case string:
		return FillString(v, lookup)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Fill(item, lookup)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Fill(item, lookup)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = FillString(item, lookup)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = FillString(item, lookup)
		}
		return out
	default:
		return v
	}
}

// FillMap is Fill for the common case of a mapping at the root.
func FillMap(value map[string]any, lookup Lookup) map[string]any {
	if value == nil {
		return map[string]any{}
	}
	return Fill(value, lookup).(map[string]any)
}

// FillString replaces every `${name}` in s by lookup. Unknown names are left as they are.
func FillString(s string, lookup Lookup) string {
	return pattern.ReplaceAllStringFunc(s, func(token string) string {
		name := pattern.FindStringSubmatch(token)[1]
		if v, ok := lookup(name); ok {
			return v
		}
		return token
	})
}

// Unresolved lists macro names in value which lookup cannot resolve.
func Unresolved(value any, lookup Lookup) []string {
	seen := map[string]struct{}{}
	names := []string{}
	var walk func(any)
	walk = func(value any) {
		switch v := value.(type) {
		case string:
			for _, m := range pattern.FindAllStringSubmatch(v, -1) {
				if _, ok := lookup(m[1]); ok {
					continue
				}
				if _, ok := seen[m[1]]; ok {
					continue
				}
				seen[m[1]] = struct{}{}
				names = append(names, m[1])
			}
		case map[string]any:
			for _, item := range v {
				walk(item)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		}
	}
	walk(value)
	return names
}
