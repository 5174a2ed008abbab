// Package filter redacts AI-generated output before it reaches the caller.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/model"
)

// Context is the audience a response is delivered to.
type Context string

const (
	ContextCustomerFacing Context = "customer_facing"
	ContextInternal       Context = "internal"
	ContextDriverApp      Context = "driver_app"
	ContextPartner        Context = "partner"
)

// CannedMessages replace a response that fails the final safety check.
var CannedMessages = map[Context]string{
	ContextCustomerFacing: "I'm sorry, I can't share that information. Please contact support for further assistance.",
	ContextInternal:       "The generated response was withheld by the security filter. Please refine the request.",
	ContextDriverApp:      "This information isn't available in the driver app. Please contact your dispatcher.",
	ContextPartner:        "This response is unavailable for partner access. Please reach out to your account manager.",
}

// ParseContext maps a name to a Context; unknown names are internal.
func ParseContext(s string) Context {
	c := Context(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := CannedMessages[c]; ok {
		return c
	}
	return ContextInternal
}

// CannedMessage returns the generic response for c.
func CannedMessage(c Context) string {
	if msg, ok := CannedMessages[c]; ok {
		return msg
	}
	return CannedMessages[ContextInternal]
}

// MaxResponseLength is the longest response that passes the final safety check.
const MaxResponseLength = 10000

// Config describes the caller a response is filtered for.
type Config struct {
	Role        model.Role
	TenantID    string
	AccessLevel model.Classification
	Context     Context
	Compliance  []string
	Level       model.SanitizationLevel
}

// ParseConfig builds a Config from caller-supplied names. Empty access
// and sanitization levels default to internal and standard.
func ParseConfig(role, tenantID, accessLevel, context string, compliance []string, level string) (Config, error) {
	r, ok := model.ParseRole(role)
	if !ok {
		return Config{}, fmt.Errorf("filter: unknown role %q", role)
	}
	cfg := Config{
		Role:        r,
		TenantID:    tenantID,
		AccessLevel: model.ClassInternal,
		Context:     ParseContext(context),
		Compliance:  compliance,
		Level:       model.LevelStandard,
	}
	if accessLevel != "" {
		cfg.AccessLevel = model.Classification(strings.ToLower(accessLevel))
		if _, ok := model.ClassRank[cfg.AccessLevel]; !ok {
			return Config{}, fmt.Errorf("filter: unknown access level %q", accessLevel)
		}
	}
	if level != "" {
		cfg.Level = model.SanitizationLevel(strings.ToLower(level))
		if !cfg.Level.Valid() {
			return Config{}, fmt.Errorf("filter: unknown sanitization level %q", level)
		}
	}
	return cfg, nil
}

// Result is the outcome of filtering one response.
type Result struct {
	Text           string         `json:"text"`
	OriginalLength int            `json:"original_length"`
	FilteredLength int            `json:"filtered_length"`
	CensorsApplied []string       `json:"censors_applied,omitempty"`
	Violations     []string       `json:"violations,omitempty"`
	RiskLevel      model.Severity `json:"risk_level"`
	Safe           bool           `json:"safe"`
	Emergency      bool           `json:"emergency,omitempty"`
	// SafetyCheckFailed means Text is the canned message for the context.
	SafetyCheckFailed bool `json:"safety_check_failed,omitempty"`
	// Degraded means filtering itself failed and a canned message was used.
	Degraded bool  `json:"degraded,omitempty"`
	Err      error `json:"-"`
}

// Applied reports whether the text returned differs from the input.
func (r Result) Applied() bool {
	return len(r.CensorsApplied) > 0 || r.SafetyCheckFailed || r.Degraded
}

var (
	sentenceRe = regexp.MustCompile(`[^.!?\n]+(?:[.!?]+|\n|$)\s*`)
	amountRe   = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d+)?`)
	number4Re  = regexp.MustCompile(`\b\d{4,}\b`)
	number6Re  = regexp.MustCompile(`\b\d{6,}\b`)
	capsRe     = regexp.MustCompile(`\b[A-Z]{2,}\b`)

	finalChecks = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`),
		regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S+`),
	}

	// tokens stripped from sentences for callers below each access level
	accessTokens = map[model.Classification][]string{
		model.ClassPublic:       {"internal", "confidential", "restricted"},
		model.ClassInternal:     {"confidential", "restricted"},
		model.ClassConfidential: {"restricted"},
	}
)

// Filter applies the censor catalogue. It is safe for concurrent use.
type Filter struct {
	emergency  []Censor
	sensitive  []Censor
	roles      map[model.Role]*regexp.Regexp
	contexts   map[Context]*regexp.Regexp
	compliance map[string]*regexp.Regexp
	access     map[model.Classification]*regexp.Regexp
	logger     *zap.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithCensors appends censors to the sensitive pass.
func WithCensors(c ...Censor) Option {
	return func(f *Filter) { f.sensitive = append(f.sensitive, c...) }
}

// WithLogger sets the logger used for degraded results.
func WithLogger(l *zap.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// New builds a Filter from the default catalogue.
func New(opts ...Option) *Filter {
	f := &Filter{
		emergency:  EmergencyCensors(),
		sensitive:  SensitiveCensors(),
		roles:      map[model.Role]*regexp.Regexp{},
		contexts:   map[Context]*regexp.Regexp{},
		compliance: map[string]*regexp.Regexp{},
		access:     map[model.Classification]*regexp.Regexp{},
		logger:     zap.NewNop(),
	}
	for r, p := range RolePhrases {
		f.roles[r] = phraseRegexp(p)
	}
	for c, p := range ContextPhrases {
		f.contexts[c] = phraseRegexp(p)
	}
	for fw, p := range CompliancePhrases {
		f.compliance[fw] = phraseRegexp(p)
	}
	for level, toks := range accessTokens {
		f.access[level] = phraseRegexp(toks)
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// pass accumulates one Filter call.
type pass struct {
	text    string
	censors []string
	seen    map[string]bool
	risk    model.Severity
}

func (p *pass) applied(name string, sev model.Severity) {
	if !p.seen[name] {
		p.seen[name] = true
		p.censors = append(p.censors, name)
	}
	p.risk = model.MaxSeverity(p.risk, sev)
}

func (p *pass) replace(name string, re *regexp.Regexp, repl string, sev model.Severity) bool {
	if !re.MatchString(p.text) {
		return false
	}
	p.text = re.ReplaceAllLiteralString(p.text, repl)
	p.applied(name, sev)
	return true
}

// Filter runs the emergency, sensitive, role, context, compliance,
// access-level and intensity passes, then the final safety check.
func (f *Filter) Filter(text string, cfg Config) (res Result) {
	cfg.Context = ParseContext(string(cfg.Context))
	if cfg.AccessLevel == "" {
		cfg.AccessLevel = model.ClassInternal
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("filter panic: %v", r)
			f.logger.Error("response filter failed, using canned message",
				zap.String("tenant_id", cfg.TenantID), zap.Error(err))
			msg := CannedMessage(cfg.Context)
			res = Result{
				Text:           msg,
				OriginalLength: len(text),
				FilteredLength: len(msg),
				RiskLevel:      model.SeverityCritical,
				Safe:           false,
				Degraded:       true,
				Err:            err,
			}
		}
	}()

	p := &pass{text: text, seen: map[string]bool{}, risk: model.SeverityLow}
	res = Result{OriginalLength: len(text), Safe: true}

	for _, c := range f.emergency {
		if p.replace(c.Name, c.Pattern, c.Replacement, model.SeverityCritical) {
			res.Emergency = true
			res.Safe = false
		}
	}

	for _, c := range f.sensitive {
		if c.Relevant(cfg.Compliance) {
			p.replace(c.Name, c.Pattern, c.Replacement, c.Severity)
		}
	}

	if re := f.roles[cfg.Role]; re != nil {
		p.replace("role_"+string(cfg.Role), re, restrictedPlaceholder, model.SeverityMedium)
	}
	if re := f.contexts[cfg.Context]; re != nil {
		p.replace("context_"+string(cfg.Context), re, filteredPlaceholder, model.SeverityMedium)
	}

	frameworks := append([]string(nil), cfg.Compliance...)
	sort.Strings(frameworks)
	for _, fw := range frameworks {
		re := f.compliance[strings.ToUpper(fw)]
		if re == nil {
			continue
		}
		for _, m := range re.FindAllString(p.text, -1) {
			res.Violations = append(res.Violations, strings.ToUpper(fw)+": "+strings.ToLower(m))
		}
		p.replace("compliance_"+strings.ToLower(fw), re, compliancePlaceholder, model.SeverityHigh)
	}

	f.stripSentences(p, cfg.AccessLevel)

	switch {
	case cfg.Level.AtLeast(model.LevelMaximum):
		p.replace("intensity_amounts", amountRe, amountPlaceholder, model.SeverityLow)
		p.replace("intensity_numbers", number4Re, numberPlaceholder, model.SeverityLow)
		p.replace("intensity_caps", capsRe, capsPlaceholder, model.SeverityLow)
	case cfg.Level.AtLeast(model.LevelStrict):
		p.replace("intensity_numbers", number6Re, numberPlaceholder, model.SeverityLow)
	}

	res.Text = p.text
	res.CensorsApplied = p.censors
	res.RiskLevel = p.risk

	if reason := finalCheck(text, p.text); reason != "" {
		f.logger.Warn("response failed final safety check",
			zap.String("tenant_id", cfg.TenantID),
			zap.String("context", string(cfg.Context)),
			zap.String("reason", reason))
		res.Text = CannedMessage(cfg.Context)
		res.SafetyCheckFailed = true
		res.Safe = false
	}
	res.FilteredLength = len(res.Text)
	return res
}

// stripSentences removes sentences mentioning classification tokens above
// the caller's access level.
func (f *Filter) stripSentences(p *pass, level model.Classification) {
	re := f.access[level]
	if re == nil || !re.MatchString(p.text) {
		return
	}
	var b strings.Builder
	for _, s := range sentenceRe.FindAllString(p.text, -1) {
		if !re.MatchString(s) {
			b.WriteString(s)
		}
	}
	p.text = strings.TrimSpace(b.String())
	p.applied("access_level", model.SeverityMedium)
}

func finalCheck(original, filtered string) string {
	if len(original) > MaxResponseLength || len(filtered) > MaxResponseLength {
		return "response exceeds maximum length"
	}
	for _, re := range finalChecks {
		if re.MatchString(filtered) {
			return "sensitive pattern survived filtering"
		}
	}
	return ""
}
