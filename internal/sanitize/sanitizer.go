// Package sanitize redacts and anonymizes sensitive data in request payloads
// and prompt text before they reach an AI handler.
package sanitize

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
)

// ErrUnknownLevel is reported when Options.Level is not a known level.
var ErrUnknownLevel = errors.New("unknown sanitization level")

const (
	// PromptField names the prompt text in Report.Redacted and Report.Anonymized.
	PromptField = "$prompt"

	removedPlaceholder  = "[CONTENT_REMOVED]"
	longTextPlaceholder = "[CONTENT_REDACTED]"
	maxTextLen          = 100
)

// DefaultThresholds returns the risk score at or above which a report is unsafe.
func DefaultThresholds() map[model.SanitizationLevel]int {
	return map[model.SanitizationLevel]int{
		model.LevelBasic:    80,
		model.LevelStandard: 60,
		model.LevelStrict:   40,
		model.LevelMaximum:  20,
	}
}

// Options selects how one request is sanitized.
type Options struct {
	Level    model.SanitizationLevel
	TenantID string
	// Industry is the tenant's business type; it selects extra phrases.
	Industry string
}

// Report is the outcome of one Sanitize call.
type Report struct {
	Payload    payload.Payload         `json:"payload"`
	Prompt     string                  `json:"prompt"`
	Redacted   []string                `json:"redacted,omitempty"`
	Anonymized []string                `json:"anonymized,omitempty"`
	Rules      []string                `json:"rules,omitempty"`
	RiskScore  int                     `json:"risk_score"`
	Threshold  int                     `json:"threshold"`
	Safe       bool                    `json:"safe"`
	Level      model.SanitizationLevel `json:"level"`
	Emergency  bool                    `json:"emergency,omitempty"`
	Tokens     *TokenMap               `json:"-"`
	Err        error                   `json:"-"`
}

// Applied reports whether anything was redacted or anonymized.
func (r Report) Applied() bool {
	return len(r.Redacted) > 0 || len(r.Anonymized) > 0
}

// RiskLevel maps the score onto a severity.
func (r Report) RiskLevel() model.Severity {
	switch {
	case r.Emergency || r.RiskScore >= 80:
		return model.SeverityCritical
	case r.RiskScore >= 50:
		return model.SeverityHigh
	case r.RiskScore >= 20:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Sanitizer applies the rule catalogue. It holds no per-request state and
// is safe for concurrent use.
type Sanitizer struct {
	rules      []Rule
	industry   map[string]Rule
	thresholds map[model.SanitizationLevel]int
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithRules appends rules after the built-in catalogue.
func WithRules(rules ...Rule) Option {
	return func(s *Sanitizer) { s.rules = append(s.rules, rules...) }
}

// WithThresholds overrides per-level thresholds.
func WithThresholds(t map[model.SanitizationLevel]int) Option {
	return func(s *Sanitizer) {
		for l, v := range t {
			s.thresholds[l] = v
		}
	}
}

// WithClock sets the time source for skeleton timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sanitizer) { s.now = now }
}

// WithLogger sets the logger used for fail-closed reports.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sanitizer) { s.logger = l }
}

// New creates a Sanitizer with the default catalogue.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		rules:      DefaultRules(),
		industry:   map[string]Rule{},
		thresholds: DefaultThresholds(),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	if r, ok := PhraseRule("org_phrases", DefaultOrgPhrases); ok {
		s.rules = append(s.rules, r)
	}
	for name, phrases := range IndustryPhrases {
		if r, ok := PhraseRule("org_phrases", phrases); ok {
			s.industry[name] = r
		}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Threshold returns the unsafe score for level.
func (s *Sanitizer) Threshold(level model.SanitizationLevel) int {
	return s.thresholds[level]
}

// Sanitize runs the personal, financial, proprietary, tenant-boundary and
// anonymization passes, then the level's final restriction. The input is
// not modified. Any failure yields an emergency report with Safe false.
func (s *Sanitizer) Sanitize(p payload.Payload, prompt string, opts Options) (rep Report) {
	if opts.Level == "" {
		opts.Level = model.LevelStandard
	}
	if !opts.Level.Valid() {
		return s.emergency(p, opts, fmt.Errorf("%w: %q", ErrUnknownLevel, opts.Level))
	}
	defer func() {
		if r := recover(); r != nil {
			rep = s.emergency(p, opts, fmt.Errorf("sanitizer panic: %v", r))
		}
	}()

	r := &run{
		s:      s,
		opts:   opts,
		body:   p.Clone(),
		prompt: prompt,
		tokens: NewTokenMap(opts.TenantID),
		seen:   map[string]bool{},
		red:    map[string]bool{},
		anon:   map[string]bool{},
	}

	for _, rule := range s.rules {
		r.apply(rule)
	}
	if rule, ok := s.industry[opts.Industry]; ok {
		r.apply(rule)
	}
	r.boundary()
	if opts.Level.AtLeast(model.LevelStandard) {
		r.anonymize()
	}
	if opts.Level.AtLeast(model.LevelStrict) {
		r.dropDenied()
	}
	if opts.Level.AtLeast(model.LevelMaximum) {
		r.collapse()
		if len(r.prompt) > maxTextLen {
			r.prompt = longTextPlaceholder
			r.redact(PromptField)
		}
	}
	return r.report()
}

func (s *Sanitizer) emergency(p payload.Payload, opts Options, err error) Report {
	s.logger.Error("sanitization failed closed",
		zap.String("tenant_id", opts.TenantID),
		zap.String("level", string(opts.Level)),
		zap.Error(err))
	return Report{
		Payload:   safeSkeleton(p, s.now()),
		Prompt:    removedPlaceholder,
		Rules:     []string{"emergency"},
		RiskScore: MaxScore,
		Threshold: s.Threshold(opts.Level),
		Safe:      false,
		Level:     opts.Level,
		Emergency: true,
		Err:       err,
	}
}

func safeSkeleton(p payload.Payload, now time.Time) (out payload.Payload) {
	defer func() {
		if recover() != nil {
			out = payload.Skeleton(nil, now)
		}
	}()
	return payload.Skeleton(p, now)
}

// run is the state of one Sanitize call.
type run struct {
	s      *Sanitizer
	opts   Options
	body   payload.Payload
	prompt string
	tokens *TokenMap

	score      int
	rules      []string
	seen       map[string]bool
	redacted   []string
	red        map[string]bool
	anonymized []string
	anon       map[string]bool
}

func (r *run) fire(name string, weight int) {
	if r.seen[name] {
		return
	}
	r.seen[name] = true
	r.rules = append(r.rules, name)
	r.score = min(r.score+weight, MaxScore)
}

func (r *run) redact(path string) {
	if !r.red[path] {
		r.red[path] = true
		r.redacted = append(r.redacted, path)
	}
}

func (r *run) anonymizedAt(path string) {
	if !r.anon[path] {
		r.anon[path] = true
		r.anonymized = append(r.anonymized, path)
	}
}

// skeletonKey reports whether path is a top-level system field. Only
// anonymization leaves those alone; redaction inspects every value.
func skeletonKey(path []string) bool {
	return len(path) == 1 && SystemFields.Has(path[0])
}

func (r *run) apply(rule Rule) {
	if rule.ContentRule() {
		r.body = payload.MapPayloadStrings(r.body, func(path []string, v string) string {
			if IsPlaceholder(v) {
				return v
			}
			out, hit := rule.replace(v)
			if hit {
				r.fire(rule.Name, rule.Weight)
				r.redact(payload.Path(path))
			}
			return out
		})
		if out, hit := rule.replace(r.prompt); hit {
			r.fire(rule.Name, rule.Weight)
			r.redact(PromptField)
			r.prompt = out
		}
		return
	}

	r.body = payload.RewritePayload(r.body, func(path []string, key string, v any) (payload.Action, any) {
		if !rule.Fields.Has(key) || v == nil || v == "" {
			return payload.Keep, nil
		}
		if s, ok := v.(string); ok && IsPlaceholder(s) {
			return payload.Keep, nil
		}
		r.fire(rule.Name, rule.Weight)
		r.redact(payload.Path(path))
		return payload.Replace, rule.Placeholder
	})
}

// texts returns every inspectable string, including the prompt.
func (r *run) texts() []string {
	var out []string
	payload.Walk(r.body, func(_ []string, _ string, v any) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	})
	return append(out, r.prompt)
}

// boundary discards the whole request when it reaches across tenants.
func (r *run) boundary() {
	hit := false
	own := r.opts.TenantID
	if own != "" {
		payload.Walk(r.body, func(_ []string, key string, v any) {
			if s, ok := v.(string); ok && tenantFields.Has(key) && s != "" && s != own && !IsPlaceholder(s) {
				hit = true
			}
		})
	}
	for _, t := range r.texts() {
		if crossRe.MatchString(t) {
			hit = true
		}
		if own == "" {
			continue
		}
		for _, m := range tenantIDRe.FindAllStringSubmatch(t, -1) {
			if m[1] != own {
				hit = true
			}
		}
	}
	if !hit {
		return
	}
	r.fire("tenant_boundary", WeightTenantBoundary)
	r.collapse()
	if r.prompt != "" {
		r.prompt = removedPlaceholder
		r.redact(PromptField)
	}
}

// collapse reduces the payload to its skeleton, recording dropped keys.
func (r *run) collapse() {
	for _, k := range r.body.Keys() {
		if !payload.SkeletonFields.Has(k) {
			r.redact(k)
		}
	}
	r.body = payload.Skeleton(r.body, r.s.now())
}

func (r *run) anonymize() {
	r.body = payload.RewritePayload(r.body, func(path []string, key string, v any) (payload.Action, any) {
		s, ok := v.(string)
		if !ok || s == "" || IsPlaceholder(s) {
			return payload.Keep, nil
		}
		var kind TokenKind
		switch {
		case nameFields.Has(key):
			kind = KindPerson
		case locationFields.Has(key):
			kind = KindLocation
		case dateFields.Has(key):
			kind = KindDate
		default:
			return payload.Keep, nil
		}
		r.anonymizedAt(payload.Path(path))
		return payload.Replace, r.tokens.Token(kind, s)
	})

	r.body = payload.MapPayloadStrings(r.body, func(path []string, v string) string {
		if skeletonKey(path) || IsPlaceholder(v) {
			return v
		}
		out, hit := r.anonymizeText(v)
		if hit {
			r.anonymizedAt(payload.Path(path))
		}
		return out
	})
	if out, hit := r.anonymizeText(r.prompt); hit {
		r.prompt = out
		r.anonymizedAt(PromptField)
	}
}

func (r *run) anonymizeText(s string) (string, bool) {
	s, a := replaceGroup(honorificRe, s, 1, func(m string) string { return r.tokens.Token(KindPerson, m) })
	s, b := replaceGroup(placeRe, s, 1, func(m string) string { return r.tokens.Token(KindLocation, m) })
	s, c := replaceGroup(dateRe, s, 1, func(m string) string { return r.tokens.Token(KindDate, m) })
	return s, a || b || c
}

func (r *run) dropDenied() {
	r.body = payload.RewritePayload(r.body, func(path []string, key string, _ any) (payload.Action, any) {
		if StrictDenyFields.Has(key) {
			r.redact(payload.Path(path))
			return payload.Drop, nil
		}
		return payload.Keep, nil
	})
}

func (r *run) report() Report {
	sort.Strings(r.redacted)
	sort.Strings(r.anonymized)
	threshold := r.s.Threshold(r.opts.Level)
	return Report{
		Payload:    r.body,
		Prompt:     r.prompt,
		Redacted:   r.redacted,
		Anonymized: r.anonymized,
		Rules:      r.rules,
		RiskScore:  r.score,
		Threshold:  threshold,
		Safe:       r.score < threshold,
		Level:      r.opts.Level,
		Tokens:     r.tokens,
	}
}
