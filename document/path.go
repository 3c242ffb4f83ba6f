package document

import (
	"fmt"
	"strings"
)

// Segments splits a storage path into its non-empty segments.
func Segments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CompoundID derives the logical document identifier from a storage path by
// joining the per-level document ids (every second segment) with "-".
//
//	users/A              -> A
//	users/A/orders/B     -> A-B
func CompoundID(path string) string {
	segs := Segments(path)
	ids := make([]string, 0, len(segs)/2)
	for i := 1; i < len(segs); i += 2 {
		ids = append(ids, segs[i])
	}
	return strings.Join(ids, "-")
}

// Collection returns the path of the collection holding the document.
func Collection(path string) string {
	segs := Segments(path)
	if len(segs) == 0 {
		return ""
	}
	return strings.Join(segs[:len(segs)-1], "/")
}

// Pattern matches document paths such as "users/{userId}/orders/{orderId}".
// Wildcard segments capture their value into params.
type Pattern struct {
	raw      string
	segments []string
}

func ParsePattern(raw string) (Pattern, error) {
	segs := Segments(raw)
	if len(segs) == 0 {
		return Pattern{}, fmt.Errorf("empty path pattern")
	}
	if len(segs)%2 != 0 {
		return Pattern{}, fmt.Errorf("pattern %q does not address a document", raw)
	}
	seen := map[string]bool{}
	for _, s := range segs {
		name, ok := wildcard(s)
		if !ok {
			if strings.ContainsAny(s, "{}") {
				return Pattern{}, fmt.Errorf("pattern %q: malformed segment %q", raw, s)
			}
			continue
		}
		if name == "" {
			return Pattern{}, fmt.Errorf("pattern %q: empty wildcard name", raw)
		}
		if seen[name] {
			return Pattern{}, fmt.Errorf("pattern %q: duplicate wildcard %q", raw, name)
		}
		seen[name] = true
	}
	return Pattern{raw: raw, segments: segs}, nil
}

func MustParsePattern(raw string) Pattern {
	p, err := ParsePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string {
	return p.raw
}

// Match reports whether path fits the pattern and returns the wildcard values.
func (p Pattern) Match(path string) (map[string]string, bool) {
	segs := Segments(path)
	if len(segs) != len(p.segments) {
		return nil, false
	}
	params := map[string]string{}
	for i, ps := range p.segments {
		if name, ok := wildcard(ps); ok {
			params[name] = segs[i]
			continue
		}
		if ps != segs[i] {
			return nil, false
		}
	}
	return params, true
}

func wildcard(seg string) (string, bool) {
	if len(seg) >= 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}
