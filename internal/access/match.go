package access

import "strings"

// match ranks, higher is more specific
const (
	matchNone     = 0
	matchGlobal   = 1
	matchWildcard = 2
	matchExact    = 3
)

// matchResource ranks how specifically pattern covers resource:
// exact, then "prefix.*", then "*". Matching is case-insensitive.
func matchResource(pattern, resource string) int {
	p := strings.ToLower(pattern)
	r := strings.ToLower(resource)
	switch {
	case p == r:
		return matchExact
	case p == "*":
		return matchGlobal
	case strings.HasSuffix(p, ".*"):
		prefix := strings.TrimSuffix(p, "*")
		if strings.HasPrefix(r, prefix) || r == strings.TrimSuffix(prefix, ".") {
			return matchWildcard
		}
	}
	return matchNone
}

func matchAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || strings.EqualFold(a, action) {
			return true
		}
	}
	return false
}

// MatchPattern checks if a value matches a glob-like pattern.
// Supports: *x* (contains), *.ext (suffix), prefix.* (prefix), exact match.
// Matching is case-insensitive.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	lowerValue := strings.ToLower(value)
	lowerPattern := strings.ToLower(pattern)

	if strings.HasPrefix(lowerPattern, "*") && strings.HasSuffix(lowerPattern, "*") {
		return strings.Contains(lowerValue, lowerPattern[1:len(lowerPattern)-1])
	}
	if strings.HasPrefix(lowerPattern, "*") {
		return strings.HasSuffix(lowerValue, lowerPattern[1:])
	}
	if strings.HasSuffix(lowerPattern, "*") {
		return strings.HasPrefix(lowerValue, lowerPattern[:len(lowerPattern)-1])
	}
	return lowerValue == lowerPattern
}
