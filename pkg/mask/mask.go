// Package mask redacts configured fields from records before they are logged.
package mask

import (
	"strings"

	"github.com/samber/lo"

	"github.com/web3tea/doc-sentinel/document"
)

// Redacted replaces the value of every masked field.
const Redacted = "[MASKED]"

// Fields returns a copy of data in which every field named in fields is
// replaced by Redacted. A plain name matches that key at any depth, a dotted
// name ("profile.ssn") matches only that exact path. The input is never
// modified.
func Fields(data map[string]any, fields []string) map[string]any {
	if data == nil {
		return nil
	}
	if len(fields) == 0 {
		return clone(data)
	}

	anywhere := lo.Filter(fields, func(f string, _ int) bool { return !strings.Contains(f, ".") })
	paths := lo.Filter(fields, func(f string, _ int) bool { return strings.Contains(f, ".") })

	return walk(data, "", lo.Keyify(anywhere), lo.Keyify(paths))
}

func walk(data map[string]any, prefix string, anywhere, paths map[string]struct{}) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		_, byName := anywhere[k]
		_, byPath := paths[path]
		if byName || byPath {
			out[k] = Redacted
			continue
		}
		out[k] = walkValue(v, path, anywhere, paths)
	}
	return out
}

func walkValue(v any, path string, anywhere, paths map[string]struct{}) any {
	switch tv := v.(type) {
	case map[string]any:
		return walk(tv, path, anywhere, paths)
	case document.Record:
		return walk(tv, path, anywhere, paths)
	case []map[string]any:
		return lo.Map(tv, func(item map[string]any, _ int) any {
			return walk(item, path, anywhere, paths)
		})
	case []any:
		return lo.Map(tv, func(item any, _ int) any {
			return walkValue(item, path, anywhere, paths)
		})
	default:
		return v
	}
}

func clone(data map[string]any) map[string]any {
	return walk(data, "", nil, nil)
}
