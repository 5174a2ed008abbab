// Package isolation keeps requests inside their tenant's data boundary.
package isolation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
	"github.com/ppiankov/tenantwatch/internal/tenant"
)

const (
	tenantPlaceholder    = "[TENANT_REDACTED]"
	referencePlaceholder = "[REFERENCE_REDACTED]"
)

var (
	// TenantFields hold tenant identifiers in payloads.
	TenantFields = payload.NewFieldSet("tenantId", "tenant", "organizationId", "orgId", "companyId")
	// ReferenceFields hold references to other business entities.
	ReferenceFields = payload.NewFieldSet("carrierId", "customerId", "shipperId", "brokerId", "partnerId", "carrierRef", "customerRef")

	// a tenant token in free text needs an id-shaped key ("tenant_id",
	// "orgId") or an explicit separator ("tenant: T2") and must contain a
	// digit, so prose like "tenant 2024" or "org 5" is not an id
	tenantTokenRe = regexp.MustCompile(`(?i)\b(?:tenant|org)(?:[_-]?id\s*[:=#]?|\s*[:=#])\s*["']?([A-Za-z0-9_-]*\d[A-Za-z0-9_-]*)`)

	enumerationRe = regexp.MustCompile(`(?i)\b(?:all|every)\s+(?:customers?|tenants?|carriers?|shippers?|brokers?|companies)\b|\bother\s+(?:companies|tenants|brokers|carriers|customers)\b|\bcompetitors?'?\s+data\b`)
)

// Directory is the tenant registry view the validator needs.
type Directory interface {
	Status(tenantID string) tenant.Status
	AllowUnregistered() bool
	TenantIDs() []string
}

// Request is the input to Validate.
type Request struct {
	TenantID  string
	Profile   *tenant.Profile
	Fallback  bool
	Operation model.OperationDescriptor
	Payload   payload.Payload
	Prompt    string
}

// Verdict is the outcome of isolation validation. Payload and Prompt are
// always stripped of offending references, even when Allowed is false.
type Verdict struct {
	Allowed    bool              `json:"allowed"`
	Violations []model.Violation `json:"violations,omitempty"`
	Notes      []string          `json:"notes,omitempty"`
	Payload    payload.Payload   `json:"-"`
	Prompt     string            `json:"-"`
}

// MaxSeverity returns the highest violation severity.
func (v Verdict) MaxSeverity() model.Severity {
	sev := model.SeverityLow
	for _, x := range v.Violations {
		sev = model.MaxSeverity(sev, x.Severity)
	}
	return sev
}

// Validator enforces tenant boundaries.
type Validator struct {
	dir   Directory
	tiers map[model.Tier]TierPolicy
}

// NewValidator creates a validator. nil tiers means DefaultTierPolicies.
func NewValidator(dir Directory, tiers map[model.Tier]TierPolicy) *Validator {
	if tiers == nil {
		tiers = DefaultTierPolicies()
	}
	return &Validator{dir: dir, tiers: tiers}
}

// Validate runs the isolation checks in order:
// tenant status, foreign tenant references, enumeration phrases, distinct
// tenant count, tier entitlements, then the entity reference boundary.
func (v *Validator) Validate(req Request) Verdict {
	out := Verdict{Payload: req.Payload.Clone(), Prompt: req.Prompt}
	add := func(t model.ViolationType, sev model.Severity, desc string, evidence ...string) {
		out.Violations = append(out.Violations, model.Violation{Type: t, Severity: sev, Description: desc, Evidence: evidence})
	}

	switch v.dir.Status(req.TenantID) {
	case tenant.StatusInactive:
		add(model.ViolationCrossTenantAccess, model.SeverityCritical, "tenant is inactive", req.TenantID)
	case tenant.StatusUnknown:
		if v.dir.AllowUnregistered() {
			out.Notes = append(out.Notes, "unregistered tenant served by default profile")
		} else {
			add(model.ViolationCrossTenantAccess, model.SeverityCritical, "tenant is not registered", req.TenantID)
		}
	}

	foreign, referenced := v.tenantReferences(req)
	if len(foreign) > 0 {
		add(model.ViolationCrossTenantAccess, model.SeverityCritical,
			fmt.Sprintf("request references %d other tenant(s)", len(foreign)), foreign...)
		out.Payload, out.Prompt = stripForeign(out.Payload, out.Prompt, foreign)
	}

	if m := enumerationRe.FindAllString(req.Prompt+" "+strings.Join(payload.Strings(req.Payload), " "), -1); len(m) > 0 {
		add(model.ViolationDataLeakage, model.SeverityHigh, "request asks to enumerate data beyond the tenant", dedupe(m)...)
	}

	if len(referenced) > 1 && !req.Operation.CrossTenantAggregation {
		add(model.ViolationBoundaryBreach, model.SeverityHigh,
			fmt.Sprintf("operation touches %d distinct tenants", len(referenced)), referenced...)
	}

	v.checkTier(req, add)

	if bad := outOfBoundary(req.Profile, out.Payload); len(bad) > 0 {
		add(model.ViolationBoundaryBreach, model.SeverityHigh, "references outside the tenant's business boundary", bad...)
		out.Payload = stripReferences(out.Payload, req.Profile)
	}

	out.Allowed = true
	for _, x := range out.Violations {
		if x.Severity.AtLeast(model.SeverityHigh) {
			out.Allowed = false
			break
		}
	}
	return out
}

// tenantReferences returns the foreign tenant ids and every distinct
// tenant id referenced (including the caller's own).
func (v *Validator) tenantReferences(req Request) (foreign, all []string) {
	seen := map[string]bool{}
	note := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		all = append(all, id)
		if id != req.TenantID {
			foreign = append(foreign, id)
		}
	}

	payload.Walk(req.Payload, func(_ []string, key string, value any) {
		if s, ok := value.(string); ok && TenantFields.Has(key) {
			note(s)
		}
	})

	texts := append(payload.Strings(req.Payload), req.Prompt)
	known := v.dir.TenantIDs()
	for _, text := range texts {
		for _, m := range tenantTokenRe.FindAllStringSubmatch(text, -1) {
			note(m[1])
		}
		for _, id := range known {
			if id != req.TenantID && containsWord(text, id) {
				note(id)
			}
		}
	}
	sort.Strings(foreign)
	sort.Strings(all)
	return foreign, all
}

func (v *Validator) checkTier(req Request, add func(model.ViolationType, model.Severity, string, ...string)) {
	if req.Profile == nil {
		return
	}
	tp, ok := v.tiers[req.Profile.Tier]
	if !ok {
		add(model.ViolationUnauthorizedOperation, model.SeverityHigh, fmt.Sprintf("tier %q has no entitlements", req.Profile.Tier))
		return
	}
	if !tp.allowsCategory(req.Operation.Category) {
		add(model.ViolationUnauthorizedOperation, model.SeverityHigh,
			fmt.Sprintf("%s tier does not include %s operations", req.Profile.Tier, req.Operation.Category))
	}
	if !tp.allowsModel(req.Operation.Model) {
		add(model.ViolationUnauthorizedOperation, model.SeverityHigh,
			fmt.Sprintf("%s tier does not include model %s", req.Profile.Tier, req.Operation.Model))
	}
	if !tp.coversClassification(req.Profile.Classification) {
		add(model.ViolationBoundaryBreach, model.SeverityHigh,
			fmt.Sprintf("%s data requires a higher tier than %s", req.Profile.Classification, req.Profile.Tier))
	}
}

// outOfBoundary lists entity references the tenant may not touch.
func outOfBoundary(p *tenant.Profile, body payload.Payload) []string {
	if p == nil || (len(p.AllowedReferences) == 0 && len(p.BlockedReferences) == 0) {
		return nil
	}
	var bad []string
	payload.Walk(body, func(_ []string, key string, value any) {
		s, ok := value.(string)
		if !ok || !ReferenceFields.Has(key) || s == referencePlaceholder {
			return
		}
		if !referenceAllowed(p, s) {
			bad = append(bad, s)
		}
	})
	return dedupe(bad)
}

func referenceAllowed(p *tenant.Profile, ref string) bool {
	for _, b := range p.BlockedReferences {
		if b == ref {
			return false
		}
	}
	if len(p.AllowedReferences) == 0 {
		return true
	}
	for _, a := range p.AllowedReferences {
		if a == ref {
			return true
		}
	}
	return false
}

func stripReferences(body payload.Payload, p *tenant.Profile) payload.Payload {
	return payload.RewritePayload(body, func(_ []string, key string, value any) (payload.Action, any) {
		if s, ok := value.(string); ok && ReferenceFields.Has(key) && !referenceAllowed(p, s) {
			return payload.Replace, referencePlaceholder
		}
		return payload.Keep, nil
	})
}

// stripForeign removes every occurrence of the foreign ids from keys,
// values and the prompt.
func stripForeign(body payload.Payload, prompt string, foreign []string) (payload.Payload, string) {
	// longest first so "T12" is not left as "[TENANT_REDACTED]2"
	ids := append([]string(nil), foreign...)
	sort.Slice(ids, func(i, j int) bool { return len(ids[i]) > len(ids[j]) })
	pairs := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		pairs = append(pairs, id, tenantPlaceholder)
	}
	r := strings.NewReplacer(pairs...)

	body = payload.MapPayloadStrings(body, func(_ []string, s string) string { return r.Replace(s) })
	body = payload.RenameKeys(body, r.Replace)
	return body, r.Replace(prompt)
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		key := strings.ToLower(s)
		if !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}
