package filter

import (
	"regexp"
	"strings"

	"github.com/ppiankov/tenantwatch/internal/model"
)

// TagSecurity marks censors that fire regardless of compliance requirements.
const TagSecurity = "SECURITY"

// Censor is a named redaction rule applied to AI output.
type Censor struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
	Severity    model.Severity
	Compliance  []string
}

// Relevant reports whether c applies under the given compliance frameworks.
func (c Censor) Relevant(frameworks []string) bool {
	for _, tag := range c.Compliance {
		if tag == TagSecurity {
			return true
		}
		for _, f := range frameworks {
			if strings.EqualFold(tag, f) {
				return true
			}
		}
	}
	return false
}

const (
	blockedPlaceholder    = "[BLOCKED_CONTENT]"
	restrictedPlaceholder = "[RESTRICTED_TERM]"
	filteredPlaceholder   = "[FILTERED_TERM]"
	compliancePlaceholder = "[COMPLIANCE_FILTERED]"
	amountPlaceholder     = "[AMOUNT_REDACTED]"
	numberPlaceholder     = "[NUMBER_REDACTED]"
	capsPlaceholder       = "[CAPS_REDACTED]"
)

func censor(name, pattern string, sev model.Severity, tags ...string) Censor {
	return Censor{
		Name:        name,
		Pattern:     regexp.MustCompile(pattern),
		Replacement: "[" + strings.ToUpper(name) + "_REDACTED]",
		Severity:    sev,
		Compliance:  tags,
	}
}

// EmergencyCensors are always on. Any hit makes the response unsafe.
func EmergencyCensors() []Censor {
	blocked := func(name, pattern string) Censor {
		return Censor{
			Name:        name,
			Pattern:     regexp.MustCompile(pattern),
			Replacement: blockedPlaceholder,
			Severity:    model.SeverityCritical,
			Compliance:  []string{TagSecurity},
		}
	}
	return []Censor{
		blocked("prompt_injection", `(?i)\b(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above)\s+instructions\b`),
		blocked("filter_bypass", `(?i)\b(?:bypass|disable|turn off|circumvent)\s+(?:the\s+)?(?:content\s+)?(?:filter|filters|filtering|security|safety)\b|\bjailbreak\b`),
		blocked("secret_disclosure", `(?i)\b(?:reveal|print|show|leak)\s+(?:the\s+|your\s+)?(?:system prompt|secret key|api keys?|passwords?|credentials)\b`),
		blocked("tenant_enumeration", `(?i)\b(?:list|show|enumerate|dump)\s+(?:all\s+)?(?:other\s+)?(?:tenants|competitors|other companies)\b`),
	}
}

// SensitiveCensors is the catalogue of named output patterns.
func SensitiveCensors() []Censor {
	return []Censor{
		censor("ssn", `\b\d{3}-\d{2}-\d{4}\b`, model.SeverityHigh, TagSecurity, "HIPAA", "GDPR"),
		censor("credit_card", `\b(?:\d{4}[ -]?){3}\d{4}\b|\b3[47]\d{2}[ -]?\d{6}[ -]?\d{5}\b`, model.SeverityCritical, TagSecurity, "PCI"),
		censor("account_number", `(?i)\b(?:account|acct)\s*(?:number|num|no\.?|#)?\s*[:#]?\s*\d{6,17}\b`, model.SeverityHigh, TagSecurity, "PCI", "SOX"),
		censor("routing_number", `(?i)\b(?:routing|aba)\s*(?:number|num|no\.?|#)?\s*[:#]?\s*\d{9}\b`, model.SeverityHigh, TagSecurity, "PCI"),
		censor("api_key", `\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{10,}\b|\bAKIA[0-9A-Z]{16}\b`, model.SeverityCritical, TagSecurity),
		censor("password", `(?i)\b(?:password|passwd|pwd)\s*[:=]\s*\S+`, model.SeverityCritical, TagSecurity),
		censor("jwt", `\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`, model.SeverityCritical, TagSecurity),
		censor("internal_rate", `(?i)\b(?:internal|buy|carrier)\s+rates?\s+(?:is|of|at|=)?\s*\$?\d[\d,.]*`, model.SeverityHigh, TagSecurity),
		censor("competitor_info", `(?i)\bcompetitors?'?\s+(?:rates?|pricing|prices|margins?|customers|data)\b`, model.SeverityHigh, TagSecurity),
		censor("phone", `(?:\+1[-.\s]?)?\(?\b\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`, model.SeverityMedium, "GDPR", "HIPAA", "CCPA"),
		censor("email", `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, model.SeverityMedium, "GDPR", "CCPA"),
		censor("address", `\b\d{1,6}\s+(?:[A-Z][A-Za-z]*\.?\s+){1,4}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Drive|Dr|Lane|Ln|Way|Court|Ct)\b\.?`, model.SeverityMedium, "GDPR", "HIPAA", "CCPA"),
		censor("tax_id", `\b\d{2}-\d{7}\b`, model.SeverityHigh, "GDPR", "SOX"),
		censor("medical_record", `(?i)\b(?:mrn|medical record(?: number)?)\s*[:#]?\s*[A-Z0-9-]{5,}\b`, model.SeverityHigh, "HIPAA"),
		censor("ip_address", `\b(?:\d{1,3}\.){3}\d{1,3}\b`, model.SeverityLow, "GDPR"),
	}
}

// RolePhrases lists phrases a role must never see.
var RolePhrases = map[model.Role][]string{
	model.RoleDriver: {
		"profit margin", "broker margin", "commission", "markup", "shipper rate",
		"negotiation strategy", "management discussion", "revenue target",
	},
	model.RoleDispatcher: {"profit margin", "commission structure", "negotiation strategy", "revenue target"},
	model.RoleBroker:     {"management discussion", "headcount plan"},
}

// ContextPhrases lists phrases stripped per audience.
var ContextPhrases = map[Context][]string{
	ContextCustomerFacing: {"internal", "proprietary", "competitor", "competitors", "confidential", "margin", "markup"},
	ContextDriverApp:      {"broker rate", "shipper rate", "margin", "dispatcher notes"},
	ContextPartner:        {"internal", "competitor", "competitors", "pricing strategy", "margin"},
}

// CompliancePhrases lists phrases that are violations under a framework.
var CompliancePhrases = map[string][]string{
	"GDPR":  {"date of birth", "home address", "personal data of", "national id"},
	"HIPAA": {"diagnosis", "medical condition", "prescription", "patient record"},
	"PCI":   {"cvv", "card verification", "expiration date"},
	"SOX":   {"unreported revenue", "off the books"},
	"CCPA":  {"sell personal information"},
}

// phraseRegexp compiles a case-insensitive whole-word alternation.
func phraseRegexp(phrases []string) *regexp.Regexp {
	var alts []string
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			alts = append(alts, regexp.QuoteMeta(p))
		}
	}
	if len(alts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}
