// Package tenant resolves the business profile of the tenant a request
// belongs to.
package tenant

import (
	"fmt"
	"strings"

	"github.com/ppiankov/tenantwatch/internal/model"
)

// BusinessType describes what a tenant does in the freight network.
type BusinessType string

const (
	BusinessCarrier   BusinessType = "carrier"
	BusinessBroker    BusinessType = "broker"
	BusinessShipper   BusinessType = "shipper"
	BusinessProvider  BusinessType = "provider"
	BusinessLogistics BusinessType = "logistics"
)

// Valid reports whether b is a known business type.
func (b BusinessType) Valid() bool {
	switch b {
	case BusinessCarrier, BusinessBroker, BusinessShipper, BusinessProvider, BusinessLogistics:
		return true
	}
	return false
}

// Profile is the per-tenant configuration consumed by every stage.
type Profile struct {
	TenantID          string                  `yaml:"tenant_id" json:"tenant_id"`
	Organization      string                  `yaml:"organization" json:"organization"`
	BusinessType      BusinessType            `yaml:"business_type" json:"business_type"`
	Tier              model.Tier              `yaml:"tier" json:"tier"`
	Features          []string                `yaml:"features" json:"features"`
	Classification    model.Classification    `yaml:"classification" json:"classification"`
	Compliance        []string                `yaml:"compliance" json:"compliance"`
	AllowedReferences []string                `yaml:"allowed_references,omitempty" json:"allowed_references,omitempty"`
	BlockedReferences []string                `yaml:"blocked_references,omitempty" json:"blocked_references,omitempty"`
	Active            bool                    `yaml:"active" json:"active"`
	SanitizationLevel model.SanitizationLevel `yaml:"sanitization_level,omitempty" json:"sanitization_level,omitempty"`
	BusinessContext   map[string]string       `yaml:"business_context,omitempty" json:"business_context,omitempty"`
}

// DefaultProfile is served for tenants that have no profile of their own.
func DefaultProfile() *Profile {
	return &Profile{
		TenantID:     "default",
		Organization: "Default Organization",
		BusinessType: BusinessLogistics,
		Tier:         model.TierPremium,
		Features: []string{
			string(model.CategoryCustomerService),
			string(model.CategoryDispatch),
			string(model.CategoryAnalytics),
		},
		Classification:    model.ClassInternal,
		Compliance:        []string{"GDPR"},
		Active:            true,
		SanitizationLevel: model.LevelStandard,
	}
}

// Clone returns a deep copy so callers can never mutate registry state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Features = append([]string(nil), p.Features...)
	c.Compliance = append([]string(nil), p.Compliance...)
	c.AllowedReferences = append([]string(nil), p.AllowedReferences...)
	c.BlockedReferences = append([]string(nil), p.BlockedReferences...)
	if p.BusinessContext != nil {
		c.BusinessContext = make(map[string]string, len(p.BusinessContext))
		for k, v := range p.BusinessContext {
			c.BusinessContext[k] = v
		}
	}
	return &c
}

// HasAnyAIFeature reports whether the tenant's plan includes any AI feature.
func (p *Profile) HasAnyAIFeature() bool {
	return len(p.Features) > 0
}

// FeatureEnabled reports whether the plan enables op. Features may name a
// category, an operation prefix ("ai.route") or "*".
func (p *Profile) FeatureEnabled(op model.OperationDescriptor) bool {
	name := strings.ToLower(op.Name)
	for _, f := range p.Features {
		f = strings.ToLower(strings.TrimSpace(f))
		switch {
		case f == "*":
			return true
		case f == string(op.Category):
			return true
		case f == name, strings.HasPrefix(name, f+"."):
			return true
		}
	}
	return false
}

// RequiresCompliance reports whether framework is one of the tenant's
// compliance obligations.
func (p *Profile) RequiresCompliance(framework string) bool {
	for _, c := range p.Compliance {
		if strings.EqualFold(c, framework) {
			return true
		}
	}
	return false
}

// EffectiveLevel is the sanitization level requests from this tenant get.
// Restricted data always gets at least strict.
func (p *Profile) EffectiveLevel(fallback model.SanitizationLevel) model.SanitizationLevel {
	level := p.SanitizationLevel
	if !level.Valid() {
		level = fallback
	}
	if !level.Valid() {
		level = model.LevelStandard
	}
	if p.Classification == model.ClassRestricted && !level.AtLeast(model.LevelStrict) {
		level = model.LevelStrict
	}
	return level
}

var categoryContext = map[model.Category]string{
	model.CategoryCustomerService: "You are assisting %s, a %s, with customer service. Answer only about this organization's own shipments and accounts.",
	model.CategoryDispatch:        "You are assisting %s, a %s, with dispatch and routing. Use only this organization's loads, drivers and equipment.",
	model.CategoryPricing:         "You are assisting %s, a %s, with pricing. Never disclose internal margins or other organizations' rates.",
	model.CategoryAnalytics:       "You are assisting %s, a %s, with analytics. Aggregate only this organization's data.",
	model.CategoryNegotiation:     "You are assisting %s, a %s, with rate negotiation. Do not reveal floor prices or counterpart information.",
}

// BusinessContextFor returns the tenant-specific guidance text attached to
// requests in category.
func (p *Profile) BusinessContextFor(category model.Category) string {
	if text, ok := p.BusinessContext[string(category)]; ok && text != "" {
		return text
	}
	tmpl, ok := categoryContext[category]
	if !ok {
		tmpl = categoryContext[model.CategoryCustomerService]
	}
	return fmt.Sprintf(tmpl, p.Organization, p.BusinessType)
}
