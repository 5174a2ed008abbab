package payload

import (
	"strings"
	"time"
	"unicode"
)

// NormalizeKey folds the naming variants of one field onto a single form:
// "tenantId", "tenant_id", "Tenant-ID" and "TENANTID" all become "tenantid".
func NormalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if r == '_' || r == '-' || r == ' ' || r == '.' {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// FieldSet is a data-driven set of field names matched in any case variant.
type FieldSet map[string]struct{}

// NewFieldSet builds a FieldSet from canonical names.
func NewFieldSet(names ...string) FieldSet {
	fs := make(FieldSet, len(names))
	for _, n := range names {
		fs[NormalizeKey(n)] = struct{}{}
	}
	return fs
}

// Has reports whether key names a field in the set.
func (fs FieldSet) Has(key string) bool {
	_, ok := fs[NormalizeKey(key)]
	return ok
}

// Union returns a new set containing the fields of both sets.
func (fs FieldSet) Union(other FieldSet) FieldSet {
	out := make(FieldSet, len(fs)+len(other))
	for k := range fs {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// SkeletonFields are the only fields that survive a payload collapse.
var SkeletonFields = NewFieldSet("id", "type", "status", "timestamp")

// Skeleton collapses p to its id/type/status/timestamp fields. A missing
// timestamp is filled with now.
func Skeleton(p Payload, now time.Time) Payload {
	out := Payload{}
	for k, v := range p {
		if SkeletonFields.Has(k) {
			if _, nested := v.(map[string]any); nested {
				continue
			}
			out[k] = cloneValue(v)
		}
	}
	hasTS := false
	for k := range out {
		if NormalizeKey(k) == "timestamp" {
			hasTS = true
		}
	}
	if !hasTS {
		out["timestamp"] = now.UTC().Format(time.RFC3339)
	}
	return out
}
