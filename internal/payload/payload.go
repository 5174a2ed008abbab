// Package payload provides the generic recursive key/value tree that carries
// request bodies through the security stages.
//
// Nested objects are always plain map[string]any and arrays []any, so a
// Payload can be handed to encoders (JSON, structpb) without conversion.
package payload

import (
	"sort"
	"strings"
)

// Payload is the top-level object of a request body.
type Payload map[string]any

// FromMap adopts a decoded JSON object. Nested named types are normalized.
func FromMap(m map[string]any) Payload {
	if m == nil {
		return Payload{}
	}
	return Payload(cloneMap(m))
}

// Clone returns a deep copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return Payload(cloneMap(p))
}

// Plain returns the payload as a plain map.
func (p Payload) Plain() map[string]any {
	return map[string]any(p.Clone())
}

// Keys returns the top-level keys in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the first string value whose key is in fields, searched
// at the top level only.
func (p Payload) String(fields FieldSet) (string, bool) {
	for _, k := range p.Keys() {
		if !fields.Has(k) {
			continue
		}
		if s, ok := p[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Payload:
		return cloneMap(t)
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

// Path joins path segments for reporting ("load.driver.ssn").
func Path(segments []string) string {
	return strings.Join(segments, ".")
}
