// Package document holds the record model shared by the store, the
// idempotency tracker and the dispatchers.
package document

import (
	"encoding/json"
	"maps"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"

	// ReservedPrefix marks dispatcher-private bookkeeping fields. Handler code
	// must not read or write them.
	ReservedPrefix = "_"
)

// Record is a stored document as a field map.
type Record map[string]any

// IsBookkeeping reports whether key belongs to the reserved bookkeeping
// namespace.
func IsBookkeeping(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}

// Clone returns a shallow copy. A nil record stays nil.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// WithID returns a copy with the logical identifier injected as "id".
func (r Record) WithID(id string) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	out[FieldID] = id
	return out
}

// WithoutBookkeeping returns a copy without reserved fields.
func (r Record) WithoutBookkeeping() Record {
	if r == nil {
		return nil
	}
	return lo.OmitBy(r, func(k string, _ any) bool { return IsBookkeeping(k) })
}

// Map exposes the record as a plain map, e.g. for masking.
func (r Record) Map() map[string]any {
	return map[string]any(r)
}

// Time reads a timestamp field. time.Time values, RFC 3339 strings and unix
// milliseconds (as produced by JSON numbers) are accepted.
func (r Record) Time(field string) (time.Time, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case *time.Time:
		if tv == nil {
			return time.Time{}, false
		}
		return *tv, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, tv)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case float64:
		return time.UnixMilli(int64(tv)), true
	case int64:
		return time.UnixMilli(tv), true
	case int:
		return time.UnixMilli(int64(tv)), true
	case json.Number:
		n, err := tv.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(n), true
	default:
		return time.Time{}, false
	}
}

// DiffKeys lists the fields whose values differ between a and b, sorted.
func DiffKeys(a, b Record) []string {
	keys := lo.Union(lo.Keys(a), lo.Keys(b))
	diff := lo.Filter(keys, func(k string, _ int) bool {
		av, aok := a[k]
		bv, bok := b[k]
		return aok != bok || !reflect.DeepEqual(av, bv)
	})
	sort.Strings(diff)
	return diff
}

// OnlyBookkeepingChanged is true when a and b differ and every differing field
// is reserved, i.e. the write came from the dispatcher's own bookkeeping.
func OnlyBookkeepingChanged(a, b Record) bool {
	diff := DiffKeys(a, b)
	return len(diff) > 0 && lo.EveryBy(diff, IsBookkeeping)
}

// DataChanged is true when any non-reserved field differs.
func DataChanged(a, b Record) bool {
	return lo.SomeBy(DiffKeys(a, b), func(k string) bool { return !IsBookkeeping(k) })
}
