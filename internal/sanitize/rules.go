package sanitize

import (
	"regexp"
	"strings"

	"github.com/ppiankov/tenantwatch/internal/payload"
)

// Pass identifies one stage of sanitization.
type Pass string

const (
	PassPersonal    Pass = "personal"
	PassFinancial   Pass = "financial"
	PassProprietary Pass = "proprietary"
	PassBoundary    Pass = "tenant_boundary"
	PassAnonymize   Pass = "anonymization"
	PassLevel       Pass = "level"
)

// Rule weights. Each rule adds its weight once per Sanitize call when it fires.
const (
	WeightSSN              = 25
	WeightPhone            = 10
	WeightEmail            = 10
	WeightAddress          = 15
	WeightDOB              = 15
	WeightPersonalFields   = 10
	WeightAccount          = 30
	WeightRouting          = 30
	WeightCard             = 35
	WeightTaxID            = 25
	WeightFinancialFields  = 20
	WeightProprietaryField = 30
	WeightSecretFields     = 40
	WeightCredentials      = 40
	WeightOrgPhrases       = 30
	WeightTenantBoundary   = 50

	MaxScore = 100
)

// Rule is one named detector. A rule with Patterns rewrites matching text;
// a rule with Fields replaces whole values under matching keys.
type Rule struct {
	Name        string
	Pass        Pass
	Weight      int
	Patterns    []*regexp.Regexp
	Fields      payload.FieldSet
	Placeholder string
}

// ContentRule reports whether r matches text rather than field names.
func (r Rule) ContentRule() bool { return len(r.Patterns) > 0 }

func (r Rule) replace(s string) (string, bool) {
	hit := false
	for _, re := range r.Patterns {
		if re.MatchString(s) {
			hit = true
			s = re.ReplaceAllLiteralString(s, r.Placeholder)
		}
	}
	return s, hit
}

var (
	// PersonalFields are replaced wholesale by the personal pass.
	PersonalFields = payload.NewFieldSet(
		"ssn", "socialSecurityNumber", "dateOfBirth", "dob", "birthDate",
		"driverLicense", "licenseNumber", "passport", "passportNumber",
		"phone", "phoneNumber", "mobile", "email", "emailAddress", "homeAddress", "address",
	)
	// FinancialFields are replaced wholesale by the financial pass.
	FinancialFields = payload.NewFieldSet(
		"accountNumber", "routingNumber", "bankAccount", "iban", "swift",
		"creditCard", "cardNumber", "cvv", "taxId", "ein", "salary", "bankName",
	)
	// ProprietaryFields hold a tenant's commercial internals.
	ProprietaryFields = payload.NewFieldSet(
		"rate", "margin", "cost", "commission", "profit", "markup",
		"internalRate", "costStructure", "pricingModel", "carrierRate",
		"buyRate", "sellRate", "negotiationNotes",
	)
	// SecretFields hold credentials.
	SecretFields = payload.NewFieldSet(
		"password", "secret", "apiKey", "token", "accessToken", "refreshToken",
		"privateKey", "credentials", "clientSecret", "authorization",
	)
	// StrictDenyFields are dropped at strict and maximum levels.
	StrictDenyFields = payload.NewFieldSet(
		"notes", "comments", "internalNotes", "history", "description", "attachments", "metadata",
	)
	// SystemFields at the top level keep their values through anonymization.
	SystemFields = payload.NewFieldSet("id", "type", "status", "timestamp", "createdAt", "updatedAt")

	nameFields = payload.NewFieldSet(
		"name", "firstName", "lastName", "fullName", "contactName", "driverName",
		"customerName", "contact", "recipientName", "senderName",
	)
	locationFields = payload.NewFieldSet(
		"city", "location", "origin", "destination", "pickupLocation", "deliveryLocation",
		"street", "zip", "zipCode", "postalCode",
	)
	dateFields = payload.NewFieldSet("date", "pickupDate", "deliveryDate", "appointmentDate", "hireDate")
	// tenantFields mirrors the isolation validator's tenant id keys.
	tenantFields = payload.NewFieldSet("tenantId", "tenant", "organizationId", "orgId", "companyId")
)

// DefaultOrgPhrases are commercially sensitive phrases common to logistics tenants.
var DefaultOrgPhrases = []string{
	"internal rate", "internal rates", "profit margin", "profit margins",
	"cost structure", "margin target", "markup strategy", "pricing model", "carrier pay",
}

// IndustryPhrases extend DefaultOrgPhrases per business type.
var IndustryPhrases = map[string][]string{
	"broker":   {"broker margin", "shipper rate", "spread per load"},
	"carrier":  {"fuel surcharge schedule", "driver pay", "deadhead cost"},
	"shipper":  {"freight budget", "contract rate", "volume commitment"},
	"provider": {"wholesale price", "partner discount", "reseller margin"},
}

var (
	ssnRe     = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phoneRe   = regexp.MustCompile(`(?:\+1[-.\s]?)?\(?\b\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)
	emailRe   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	addressRe = regexp.MustCompile(`\b\d{1,6}\s+(?:[A-Z][A-Za-z]*\.?\s+){1,4}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Drive|Dr|Lane|Ln|Way|Court|Ct|Highway|Hwy|Parkway|Pkwy)\b\.?`)
	dobRe     = regexp.MustCompile(`(?i)\b(?:dob|date of birth|born(?: on)?)\s*[:=]?\s*(?:\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{2}-\d{2})\b`)

	cardRe    = regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b|\b3[47]\d{2}[ -]?\d{6}[ -]?\d{5}\b`)
	accountRe = regexp.MustCompile(`(?i)\b(?:account|acct)\s*(?:number|num|no\.?|#)?\s*[:#]?\s*\d{6,17}\b`)
	routingRe = regexp.MustCompile(`(?i)\b(?:routing|aba)\s*(?:number|num|no\.?|#)?\s*[:#]?\s*\d{9}\b`)
	taxIDRe   = regexp.MustCompile(`\b\d{2}-\d{7}\b`)

	credKVRe = regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token|client[_-]?secret)\s*[:=]\s*[^\s\[\],;]+`)
	bearerRe = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{8,}=*`)
	apiKeyRe = regexp.MustCompile(`\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{10,}\b|\bAKIA[0-9A-Z]{16}\b`)
	jwtRe    = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`)

	crossRe    = regexp.MustCompile(`(?i)\bcross[- ]tenant\b|\banother tenant'?s?\b`)
	tenantIDRe = regexp.MustCompile(`(?i)\b(?:tenant|org)(?:[_-]?id\s*[:=#]?|\s*[:=#])\s*["']?([A-Za-z0-9_-]*\d[A-Za-z0-9_-]*)`)

	honorificRe = regexp.MustCompile(`\b((?:Mr|Mrs|Ms|Dr)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	placeRe     = regexp.MustCompile(`\b(?:in|at|from|to|near)\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?,\s?[A-Z]{2})\b`)
	dateRe      = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})\b`)

	placeholderRe = regexp.MustCompile(`^\[[A-Z][A-Z_]*\]$`)
)

// DefaultRules returns the built-in catalogue in pass order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "ssn", Pass: PassPersonal, Weight: WeightSSN, Patterns: []*regexp.Regexp{ssnRe}, Placeholder: "[SSN_REDACTED]"},
		{Name: "date_of_birth", Pass: PassPersonal, Weight: WeightDOB, Patterns: []*regexp.Regexp{dobRe}, Placeholder: "[DOB_REDACTED]"},
		{Name: "phone", Pass: PassPersonal, Weight: WeightPhone, Patterns: []*regexp.Regexp{phoneRe}, Placeholder: "[PHONE_REDACTED]"},
		{Name: "email", Pass: PassPersonal, Weight: WeightEmail, Patterns: []*regexp.Regexp{emailRe}, Placeholder: "[EMAIL_REDACTED]"},
		{Name: "street_address", Pass: PassPersonal, Weight: WeightAddress, Patterns: []*regexp.Regexp{addressRe}, Placeholder: "[ADDRESS_REDACTED]"},
		{Name: "personal_fields", Pass: PassPersonal, Weight: WeightPersonalFields, Fields: PersonalFields, Placeholder: "[PERSONAL_REDACTED]"},

		{Name: "card_number", Pass: PassFinancial, Weight: WeightCard, Patterns: []*regexp.Regexp{cardRe}, Placeholder: "[CARD_REDACTED]"},
		{Name: "account_number", Pass: PassFinancial, Weight: WeightAccount, Patterns: []*regexp.Regexp{accountRe}, Placeholder: "[ACCOUNT_REDACTED]"},
		{Name: "routing_number", Pass: PassFinancial, Weight: WeightRouting, Patterns: []*regexp.Regexp{routingRe}, Placeholder: "[ROUTING_REDACTED]"},
		{Name: "tax_id", Pass: PassFinancial, Weight: WeightTaxID, Patterns: []*regexp.Regexp{taxIDRe}, Placeholder: "[TAX_ID_REDACTED]"},
		{Name: "financial_fields", Pass: PassFinancial, Weight: WeightFinancialFields, Fields: FinancialFields, Placeholder: "[FINANCIAL_REDACTED]"},

		{Name: "inline_credentials", Pass: PassProprietary, Weight: WeightCredentials, Patterns: []*regexp.Regexp{credKVRe, bearerRe, apiKeyRe, jwtRe}, Placeholder: "[CREDENTIAL_REDACTED]"},
		{Name: "secret_fields", Pass: PassProprietary, Weight: WeightSecretFields, Fields: SecretFields, Placeholder: "[SECRET_REDACTED]"},
		{Name: "proprietary_fields", Pass: PassProprietary, Weight: WeightProprietaryField, Fields: ProprietaryFields, Placeholder: "[PROPRIETARY_REDACTED]"},
	}
}

// PhraseRule builds a case-insensitive whole-word rule from a phrase list.
func PhraseRule(name string, phrases []string) (Rule, bool) {
	var alts []string
	for _, p := range phrases {
		if p = strings.TrimSpace(p); p != "" {
			alts = append(alts, regexp.QuoteMeta(p))
		}
	}
	if len(alts) == 0 {
		return Rule{}, false
	}
	re := regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
	return Rule{
		Name:        name,
		Pass:        PassProprietary,
		Weight:      WeightOrgPhrases,
		Patterns:    []*regexp.Regexp{re},
		Placeholder: "[PROPRIETARY_REDACTED]",
	}, true
}

// IsPlaceholder reports whether s is output of a previous sanitization.
func IsPlaceholder(s string) bool {
	return placeholderRe.MatchString(s) || tokenRe.MatchString(s)
}

// replaceGroup rewrites submatch group of every match of re in s.
func replaceGroup(re *regexp.Regexp, s string, group int, fn func(string) string) (string, bool) {
	idx := re.FindAllStringSubmatchIndex(s, -1)
	if idx == nil {
		return s, false
	}
	var b strings.Builder
	last, hit := 0, false
	for _, m := range idx {
		start, end := m[2*group], m[2*group+1]
		if start < 0 || start < last {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(fn(s[start:end]))
		last = end
		hit = true
	}
	b.WriteString(s[last:])
	return b.String(), hit
}
