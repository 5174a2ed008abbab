package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
)

// TokenKind identifies the category of an anonymized value.
type TokenKind string

const (
	KindPerson   TokenKind = "PERSON"
	KindLocation TokenKind = "LOCATION"
	KindDate     TokenKind = "DATE"
)

var tokenRe = regexp.MustCompile(`^(?:PERSON|LOCATION|DATE)_[0-9a-f]{6}$`)

// TokenMap maps anonymized values to their tokens for one Sanitize call.
// Tokens are derived from the tenant id and the value, so the same value
// always gets the same token for a tenant. Not goroutine-safe.
type TokenMap struct {
	tenantID string
	forward  map[string]string // value → "PERSON_1a2b3c"
	reverse  map[string]string
}

// NewTokenMap creates an empty token map scoped to a tenant.
func NewTokenMap(tenantID string) *TokenMap {
	return &TokenMap{
		tenantID: tenantID,
		forward:  make(map[string]string),
		reverse:  make(map[string]string),
	}
}

// Token returns the token for value. Idempotent.
func (tm *TokenMap) Token(kind TokenKind, value string) string {
	key := string(kind) + "\x00" + value
	if tok, ok := tm.forward[key]; ok {
		return tok
	}
	sum := sha256.Sum256([]byte(tm.tenantID + value))
	tok := string(kind) + "_" + hex.EncodeToString(sum[:])[:6]
	tm.forward[key] = tok
	tm.reverse[tok] = value
	return tok
}

// Resolve returns the original value for a token.
func (tm *TokenMap) Resolve(token string) (string, bool) {
	v, ok := tm.reverse[token]
	return v, ok
}

// Len returns the number of token mappings.
func (tm *TokenMap) Len() int {
	return len(tm.reverse)
}

// Tokens returns all tokens, sorted.
func (tm *TokenMap) Tokens() []string {
	toks := make([]string, 0, len(tm.reverse))
	for t := range tm.reverse {
		toks = append(toks, t)
	}
	sort.Strings(toks)
	return toks
}
