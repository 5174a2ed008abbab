package payload

import "sort"

// Visitor is called for every leaf value. path includes the leaf's own key;
// array elements use their parent key.
type Visitor func(path []string, key string, value any)

// Walk visits every leaf of v in deterministic key order.
func Walk(v any, fn Visitor) {
	walk(nil, "", v, fn)
}

func walk(path []string, key string, v any, fn Visitor) {
	switch t := v.(type) {
	case Payload:
		walkMap(path, t, fn)
	case map[string]any:
		walkMap(path, t, fn)
	case []any:
		for _, e := range t {
			walk(path, key, e, fn)
		}
	default:
		fn(path, key, v)
	}
}

func walkMap(path []string, m map[string]any, fn Visitor) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		next := append(append([]string(nil), path...), k)
		walk(next, k, m[k], fn)
	}
}

// Strings returns every string leaf in deterministic order.
func Strings(v any) []string {
	var out []string
	Walk(v, func(_ []string, _ string, value any) {
		if s, ok := value.(string); ok {
			out = append(out, s)
		}
	})
	return out
}

// Action tells Rewrite what to do with a map entry.
type Action int

const (
	Keep Action = iota
	Replace
	Drop
)

// EntryFunc inspects one map entry. For Replace, the returned value takes
// the entry's place and is not descended into.
type EntryFunc func(path []string, key string, value any) (Action, any)

// Rewrite returns a rewritten deep copy of v. Entries are visited before
// their children; kept containers are descended into.
func Rewrite(v any, fn EntryFunc) any {
	return rewrite(nil, v, fn)
}

// RewritePayload is Rewrite for a top-level payload.
func RewritePayload(p Payload, fn EntryFunc) Payload {
	if p == nil {
		return nil
	}
	out, _ := rewrite(nil, map[string]any(p), fn).(map[string]any)
	return Payload(out)
}

func rewrite(path []string, v any, fn EntryFunc) any {
	switch t := v.(type) {
	case Payload:
		return rewriteMap(path, t, fn)
	case map[string]any:
		return rewriteMap(path, t, fn)
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			out = append(out, rewrite(path, e, fn))
		}
		return out
	default:
		return v
	}
}

func rewriteMap(path []string, m map[string]any, fn EntryFunc) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		next := append(append([]string(nil), path...), k)
		action, repl := fn(next, k, v)
		switch action {
		case Drop:
			continue
		case Replace:
			out[k] = repl
		default:
			out[k] = rewrite(next, v, fn)
		}
	}
	return out
}

// MapStrings returns a deep copy of v with every string leaf passed through fn.
func MapStrings(v any, fn func(path []string, s string) string) any {
	return mapStrings(nil, v, fn)
}

func mapStrings(path []string, v any, fn func([]string, string) string) any {
	switch t := v.(type) {
	case string:
		return fn(path, t)
	case Payload:
		return mapStringsMap(path, t, fn)
	case map[string]any:
		return mapStringsMap(path, t, fn)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = mapStrings(path, e, fn)
		}
		return out
	default:
		return v
	}
}

func mapStringsMap(path []string, m map[string]any, fn func([]string, string) string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		next := append(append([]string(nil), path...), k)
		out[k] = mapStrings(next, v, fn)
	}
	return out
}

// MapPayloadStrings is MapStrings for a top-level payload.
func MapPayloadStrings(p Payload, fn func(path []string, s string) string) Payload {
	if p == nil {
		return nil
	}
	out, _ := mapStrings(nil, map[string]any(p), fn).(map[string]any)
	return Payload(out)
}

// RenameKeys returns a deep copy of p with every map key passed through fn.
func RenameKeys(p Payload, fn func(key string) string) Payload {
	if p == nil {
		return nil
	}
	return Payload(renameMap(p, fn))
}

func renameMap(m map[string]any, fn func(string) string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[fn(k)] = renameValue(v, fn)
	}
	return out
}

func renameValue(v any, fn func(string) string) any {
	switch t := v.(type) {
	case Payload:
		return renameMap(t, fn)
	case map[string]any:
		return renameMap(t, fn)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = renameValue(e, fn)
		}
		return out
	default:
		return v
	}
}
