// Package pipeline sequences the security stages around an AI operation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/access"
	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/filter"
	"github.com/ppiankov/tenantwatch/internal/isolation"
	"github.com/ppiankov/tenantwatch/internal/metrics"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
	"github.com/ppiankov/tenantwatch/internal/ratelimit"
	"github.com/ppiankov/tenantwatch/internal/sanitize"
	"github.com/ppiankov/tenantwatch/internal/tenant"
)

// Headers attached to the downstream request.
const (
	HeaderSecurityValidated   = "Security-Validated"
	HeaderAuditID             = "Audit-Id"
	HeaderSanitizationApplied = "Sanitization-Applied"
	HeaderRiskLevel           = "Risk-Level"
)

// Headers attached to a successful response.
const (
	HeaderOutAuditID       = "X-Audit-Id"
	HeaderFilteringApplied = "X-Filtering-Applied"
	HeaderCensorsApplied   = "X-Censors-Applied"
	HeaderResponseSafe     = "X-Response-Safe"
)

// Stage names used in checks, timings and metrics.
const (
	StageTenant     = "tenant"
	StageRateLimit  = "rate_limit"
	StageFeature    = "feature"
	StageAccess     = "access"
	StageDataScope  = "data_scope"
	StageIsolation  = "isolation"
	StageSanitize   = "sanitize"
	StageDownstream = "downstream"
	StageFilter     = "filter"
)

const tracerName = "github.com/ppiankov/tenantwatch/internal/pipeline"

// Request is one inbound invocation as delivered by a transport.
type Request struct {
	Route      string
	Method     string
	Headers    http.Header
	Query      url.Values
	RemoteAddr string
	Payload    payload.Payload
}

// DownstreamRequest is what the business handler receives: the sanitized
// payload plus the security headers.
type DownstreamRequest struct {
	Operation       model.OperationDescriptor
	Context         model.SecurityContext
	Payload         payload.Payload
	Prompt          string
	BusinessContext string
	Headers         http.Header
}

// DownstreamResponse is the raw output of the business handler.
type DownstreamResponse struct {
	Status  int
	Body    string
	Headers http.Header
}

// Handler performs the AI operation.
type Handler interface {
	ServeAI(ctx context.Context, req *DownstreamRequest) (*DownstreamResponse, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *DownstreamRequest) (*DownstreamResponse, error)

func (f HandlerFunc) ServeAI(ctx context.Context, req *DownstreamRequest) (*DownstreamResponse, error) {
	return f(ctx, req)
}

// Response is the filtered result of a successful invocation.
type Response struct {
	Status    int
	Body      string
	Headers   http.Header
	AuditID   string
	Operation model.OperationDescriptor
	// Bypassed is set for non-AI operations, which skip every stage.
	Bypassed     bool
	Sanitization *sanitize.Report
	Filtering    *filter.Result
	// Degradations names the stages that failed and fell back to a safe
	// default ("audit", "filter").
	Degradations []string
}

// Preflight is the outcome of every stage before the downstream call.
type Preflight struct {
	AuditID      string                    `json:"audit_id,omitempty"`
	Bypassed     bool                      `json:"bypassed,omitempty"`
	Context      model.SecurityContext     `json:"context"`
	Operation    model.OperationDescriptor `json:"operation"`
	Profile      *tenant.Profile           `json:"-"`
	Fallback     bool                      `json:"tenant_fallback,omitempty"`
	Access       *access.Decision          `json:"access,omitempty"`
	Isolation    *isolation.Verdict        `json:"isolation,omitempty"`
	Sanitization *sanitize.Report          `json:"sanitization,omitempty"`
	Checks       []audit.Check             `json:"checks,omitempty"`
}

// Components are the stages an Orchestrator is built from.
type Components struct {
	Tenants   *tenant.Registry
	Access    *access.Engine
	Isolation *isolation.Validator
	Sanitizer *sanitize.Sanitizer
	Filter    *filter.Filter
	Audit     *audit.Logger
}

// Orchestrator runs the security pipeline. It holds no per-request state
// and is safe for concurrent use.
type Orchestrator struct {
	tenants   *tenant.Registry
	access    *access.Engine
	isolation *isolation.Validator
	sanitizer *sanitize.Sanitizer
	filter    *filter.Filter
	audit     *audit.Logger

	limiter      ratelimit.Limiter
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	logger       *zap.Logger
	now          func() time.Time
	defaultLevel model.SanitizationLevel
	filterLevel  model.SanitizationLevel
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimiter enables per-tenant rate limiting.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDefaultLevel sets the sanitization level for tenants without one.
func WithDefaultLevel(l model.SanitizationLevel) Option {
	return func(o *Orchestrator) {
		if l.Valid() {
			o.defaultLevel = l
		}
	}
}

// WithFilterLevel sets the minimum response filter intensity.
func WithFilterLevel(l model.SanitizationLevel) Option {
	return func(o *Orchestrator) {
		if l.Valid() {
			o.filterLevel = l
		}
	}
}

// New creates an orchestrator. Every component is required.
func New(c Components, opts ...Option) (*Orchestrator, error) {
	switch {
	case c.Tenants == nil:
		return nil, errors.New("pipeline: tenant registry is required")
	case c.Access == nil:
		return nil, errors.New("pipeline: access engine is required")
	case c.Isolation == nil:
		return nil, errors.New("pipeline: isolation validator is required")
	case c.Sanitizer == nil:
		return nil, errors.New("pipeline: sanitizer is required")
	case c.Filter == nil:
		return nil, errors.New("pipeline: response filter is required")
	case c.Audit == nil:
		return nil, errors.New("pipeline: audit logger is required")
	}
	o := &Orchestrator{
		tenants:      c.Tenants,
		access:       c.Access,
		isolation:    c.Isolation,
		sanitizer:    c.Sanitizer,
		filter:       c.Filter,
		audit:        c.Audit,
		tracer:       otel.Tracer(tracerName),
		logger:       zap.NewNop(),
		now:          time.Now,
		defaultLevel: model.LevelStandard,
		filterLevel:  model.LevelStandard,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Handle runs the full pipeline around next. A denial is returned as a
// *Failure; every denial and every success is audited exactly once.
func (o *Orchestrator) Handle(ctx context.Context, req *Request, next Handler) (resp *Response, err error) {
	inv := o.begin(req)
	if !IsAIOperation(inv.op.Name) {
		return o.bypass(ctx, inv, next)
	}

	ctx, span := o.startSpan(ctx, inv)
	defer func() { o.endSpan(span, inv, err) }()
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, o.recovered(ctx, inv, r)
		}
	}()

	if f := o.preflight(ctx, inv); f != nil {
		return nil, f
	}
	return o.execute(ctx, inv, next)
}

// Check runs every stage up to and including sanitization without calling
// a downstream handler. The invocation is audited as "checked".
func (o *Orchestrator) Check(ctx context.Context, req *Request) (pre *Preflight, err error) {
	inv := o.begin(req)
	if !IsAIOperation(inv.op.Name) {
		return &Preflight{Bypassed: true, Context: inv.sc, Operation: inv.op}, nil
	}

	ctx, span := o.startSpan(ctx, inv)
	defer func() { o.endSpan(span, inv, err) }()
	defer func() {
		if r := recover(); r != nil {
			pre, err = &inv.pre, o.recovered(ctx, inv, r)
		}
	}()

	if f := o.preflight(ctx, inv); f != nil {
		return &inv.pre, f
	}
	ev := inv.event(audit.EventRequest, audit.OutcomeChecked)
	inv.finish(ctx, ev, "")
	return &inv.pre, nil
}

func (o *Orchestrator) begin(req *Request) *invocation {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	inv := &invocation{
		o:     o,
		req:   req,
		id:    audit.NewID(),
		start: time.Now(),
		sc:    SecurityContextFrom(req.Headers, req.Query, req.RemoteAddr, o.now()),
		op:    Describe(req.Route, req.Method, req.Headers, req.Payload),
		body:  req.Payload.Clone(),
	}
	if inv.body == nil {
		inv.body = payload.Payload{}
	}
	_, inv.prompt = PromptOf(inv.body)
	inv.pre = Preflight{AuditID: inv.id, Context: inv.sc, Operation: inv.op}
	return inv
}

func (o *Orchestrator) bypass(ctx context.Context, inv *invocation, next Handler) (*Response, error) {
	out, err := next.ServeAI(ctx, &DownstreamRequest{
		Operation: inv.op,
		Context:   inv.sc,
		Payload:   inv.body,
		Headers:   http.Header{},
	})
	if err != nil {
		return nil, &Failure{Code: model.CodeSystemError, Status: downstreamStatus(ctx, err), Reasons: []string{"handler failed"}, Err: err}
	}
	if out == nil {
		out = &DownstreamResponse{}
	}
	return &Response{
		Status:    statusOr(out.Status),
		Body:      out.Body,
		Headers:   out.Headers.Clone(),
		Operation: inv.op,
		Bypassed:  true,
	}, nil
}

// preflight runs tenant id, rate limit, tenant resolve, feature gate,
// access, data scope, isolation and sanitization in order.
func (o *Orchestrator) preflight(ctx context.Context, inv *invocation) *Failure {
	sc, op := inv.sc, inv.op

	if sc.TenantID == "" {
		inv.check(StageTenant, false, []string{"tenant id is required"}, nil)
		return inv.deny(ctx, model.CodeTenantIDMissing, audit.EventAccessDenied, "tenant id is required")
	}

	if o.limiter != nil {
		var res ratelimit.Result
		inv.stage(StageRateLimit, func() { res = o.limiter.Allow(ctx, sc.TenantID) })
		if !res.Allowed {
			o.metrics.IncRateLimited(sc.TenantID)
			reason := fmt.Sprintf("tenant exceeded %.0f requests per second", res.Limit)
			inv.check(StageRateLimit, false, []string{reason}, nil)
			f := inv.deny(ctx, model.CodeRateLimited, audit.EventAccessDenied, reason)
			f.RetryAfter = res.RetryAfter
			return f
		}
	}

	var res tenant.Resolution
	inv.stage(StageTenant, func() { res = o.tenants.Resolve(sc.TenantID) })
	inv.profile = res.Profile
	inv.pre.Profile, inv.pre.Fallback = res.Profile, res.Fallback
	if res.Fallback {
		o.logger.Warn("tenant profile missing, serving default",
			zap.String("tenant_id", sc.TenantID), zap.String("audit_id", inv.id))
		inv.meta("tenant_fallback", "true")
		inv.check(StageTenant, true, nil, []string{"default profile served"})
	} else {
		inv.check(StageTenant, true, nil, nil)
	}

	switch {
	case !inv.profile.HasAnyAIFeature():
		reason := "tenant plan includes no AI features"
		inv.check(StageFeature, false, []string{reason}, nil)
		return inv.deny(ctx, model.CodeAccessDenied, audit.EventAccessDenied, reason)
	case !inv.profile.FeatureEnabled(op):
		reason := fmt.Sprintf("operation %s is not enabled for the tenant", op.Name)
		inv.check(StageFeature, false, []string{reason}, nil)
		return inv.deny(ctx, model.CodeAccessDenied, audit.EventAccessDenied, reason)
	}
	inv.check(StageFeature, true, nil, nil)

	var d access.Decision
	inv.stage(StageAccess, func() { d = o.access.CheckAccess(ctx, sc, op, inv.body) })
	inv.pre.Access = &d
	inv.violations = append(inv.violations, d.Violations...)
	if d.AuditID != "" {
		inv.meta("access_audit_id", d.AuditID)
	}
	if !d.Allowed {
		inv.check(StageAccess, false, []string{d.Reason}, d.Warnings)
		return inv.deny(ctx, model.CodeAccessDenied, audit.EventAccessDenied, d.Reason)
	}
	inv.check(StageAccess, true, nil, d.Warnings)

	if len(d.DataScopeFilters) > 0 {
		inv.stage(StageDataScope, func() { inv.body = dropFields(inv.body, d.DataScopeFilters) })
		inv.check(StageDataScope, true, nil, []string{"removed fields: " + strings.Join(d.DataScopeFilters, ", ")})
	}

	var v isolation.Verdict
	inv.stage(StageIsolation, func() {
		v = o.isolation.Validate(isolation.Request{
			TenantID:  sc.TenantID,
			Profile:   inv.profile,
			Fallback:  res.Fallback,
			Operation: op,
			Payload:   inv.body,
			Prompt:    inv.prompt,
		})
	})
	inv.pre.Isolation = &v
	inv.body, inv.prompt = v.Payload, v.Prompt
	inv.violations = append(inv.violations, v.Violations...)
	if !v.Allowed {
		reasons := violationReasons(v.Violations)
		inv.check(StageIsolation, false, reasons, v.Notes)
		return inv.deny(ctx, model.CodeIsolationViolation, audit.EventIsolationViolation, reasons...)
	}
	inv.check(StageIsolation, true, nil, append(v.Notes, violationReasons(v.Violations)...))

	var rep sanitize.Report
	inv.stage(StageSanitize, func() {
		rep = o.sanitizer.Sanitize(inv.body, inv.prompt, sanitize.Options{
			Level:    inv.profile.EffectiveLevel(o.defaultLevel),
			TenantID: sc.TenantID,
			Industry: string(inv.profile.BusinessType),
		})
	})
	inv.pre.Sanitization = &rep
	inv.sanitized = &rep
	if rep.Err != nil {
		o.logger.Error("sanitization failed closed", zap.String("audit_id", inv.id), zap.Error(rep.Err))
		inv.check(StageSanitize, false, []string{"sanitization failed"}, nil)
		f := inv.fail(ctx, model.CodeSecurityValidationFailed, http.StatusInternalServerError,
			audit.EventSystemError, "request could not be validated")
		f.Err = rep.Err
		return f
	}
	if !rep.Safe {
		reason := fmt.Sprintf("risk score %d is not below the %s threshold %d", rep.RiskScore, rep.Level, rep.Threshold)
		inv.violations = append(inv.violations, model.Violation{
			Type:        model.ViolationDataLeakage,
			Severity:    rep.RiskLevel(),
			Description: "sensitive content could not be reduced below the risk threshold",
			Evidence:    rep.Rules,
		})
		inv.check(StageSanitize, false, []string{reason}, nil)
		return inv.deny(ctx, model.CodeDataSafetyViolation, audit.EventSecurityViolation, reason)
	}
	inv.check(StageSanitize, true, nil, nil)
	inv.body, inv.prompt = rep.Payload, rep.Prompt
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, inv *invocation, next Handler) (*Response, error) {
	rep := inv.sanitized
	hdr := http.Header{}
	hdr.Set(HeaderSecurityValidated, "true")
	hdr.Set(HeaderAuditID, inv.id)
	hdr.Set(HeaderSanitizationApplied, strconv.FormatBool(rep.Applied()))
	hdr.Set(HeaderRiskLevel, string(rep.RiskLevel()))

	dreq := &DownstreamRequest{
		Operation:       inv.op,
		Context:         inv.sc,
		Payload:         inv.body,
		Prompt:          inv.prompt,
		BusinessContext: inv.profile.BusinessContextFor(inv.op.Category),
		Headers:         hdr,
	}

	var out *DownstreamResponse
	var err error
	inv.stage(StageDownstream, func() { out, err = next.ServeAI(ctx, dreq) })
	if err == nil && out == nil {
		err = errors.New("handler returned no response")
	}
	if err != nil {
		status := downstreamStatus(ctx, err)
		reason := "downstream handler failed"
		if status == http.StatusGatewayTimeout {
			reason = "downstream handler was cancelled or timed out"
		}
		o.logger.Warn(reason, zap.String("audit_id", inv.id), zap.String("operation", inv.op.Name), zap.Error(err))
		inv.check(StageDownstream, false, []string{reason}, nil)
		inv.meta("downstream_error", err.Error())
		f := inv.fail(ctx, model.CodeSystemError, status, audit.EventSystemError, reason)
		f.Err = err
		return nil, f
	}
	inv.check(StageDownstream, true, nil, nil)

	var fr filter.Result
	inv.stage(StageFilter, func() {
		fr = o.filter.Filter(out.Body, filter.Config{
			Role:        inv.sc.Role,
			TenantID:    inv.sc.TenantID,
			AccessLevel: inv.profile.Classification,
			Context:     responseContext(inv.req.Headers, inv.sc.Role),
			Compliance:  inv.profile.Compliance,
			Level:       o.filterLevelFor(inv.profile),
		})
	})
	if fr.Degraded {
		inv.degrade(StageFilter)
		o.logger.Error("response filter degraded", zap.String("audit_id", inv.id), zap.Error(fr.Err))
	}
	for _, c := range fr.CensorsApplied {
		o.metrics.IncCensor(c)
	}
	inv.check(StageFilter, fr.Safe, nil, fr.Violations)
	if fr.Emergency {
		o.logInjection(ctx, inv, fr)
	}

	ev := inv.event(audit.EventRequest, audit.OutcomeAllowed)
	ev.Output = &audit.OutputSummary{
		RiskLevel:      fr.RiskLevel,
		CensorsApplied: fr.CensorsApplied,
		Safe:           fr.Safe,
		OriginalLength: fr.OriginalLength,
		FilteredLength: fr.FilteredLength,
		FallbackUsed:   fr.SafetyCheckFailed || fr.Degraded,
	}
	id := inv.finish(ctx, ev, "")

	headers := out.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Del("Content-Length")
	headers.Set(HeaderOutAuditID, id)
	headers.Set(HeaderFilteringApplied, strconv.FormatBool(fr.Applied()))
	headers.Set(HeaderCensorsApplied, strings.Join(fr.CensorsApplied, ","))
	headers.Set(HeaderResponseSafe, strconv.FormatBool(fr.Safe))

	return &Response{
		Status:       statusOr(out.Status),
		Body:         fr.Text,
		Headers:      headers,
		AuditID:      id,
		Operation:    inv.op,
		Sanitization: rep,
		Filtering:    &fr,
		Degradations: inv.degradations,
	}, nil
}

// logInjection records emergency censor hits as their own event.
func (o *Orchestrator) logInjection(ctx context.Context, inv *invocation, fr filter.Result) {
	ev := audit.NewEvent(audit.EventInjectionAttempt, inv.sc, inv.op)
	ev.Severity = model.SeverityCritical
	ev.Outcome = audit.OutcomeAllowed
	ev.Reason = "response contained filter bypass or disclosure content"
	ev.Violations = []model.Violation{{
		Type:        model.ViolationPromptInjectionAttempt,
		Severity:    model.SeverityCritical,
		Description: "emergency censor fired on downstream output",
		Evidence:    fr.CensorsApplied,
	}}
	ev.Metadata = map[string]string{"request_audit_id": inv.id}
	inv.log(ctx, ev)
	o.metrics.IncViolation(string(model.ViolationPromptInjectionAttempt), string(model.SeverityCritical))
}

func (o *Orchestrator) recovered(ctx context.Context, inv *invocation, r any) *Failure {
	o.logger.Error("pipeline panic recovered",
		zap.String("audit_id", inv.id),
		zap.String("operation", inv.op.Name),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()))
	err := fmt.Errorf("pipeline: panic: %v", r)
	if inv.logged {
		return &Failure{Code: model.CodeSystemError, Status: http.StatusInternalServerError,
			Reasons: []string{"request blocked for safety"}, AuditID: inv.id, Err: err}
	}
	inv.meta("panic", fmt.Sprint(r))
	f := inv.fail(ctx, model.CodeSystemError, http.StatusInternalServerError, audit.EventSystemError, "request blocked for safety")
	f.Err = err
	return f
}

func (o *Orchestrator) startSpan(ctx context.Context, inv *invocation) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("tenantwatch.tenant_id", inv.sc.TenantID),
		attribute.String("tenantwatch.operation", inv.op.Name),
		attribute.String("tenantwatch.category", string(inv.op.Category)),
		attribute.String("tenantwatch.audit_id", inv.id),
	))
}

func (o *Orchestrator) endSpan(span trace.Span, inv *invocation, err error) {
	span.SetAttributes(attribute.String("tenantwatch.outcome", string(inv.outcome)))
	var f *Failure
	if errors.As(err, &f) {
		span.SetAttributes(attribute.String("tenantwatch.code", string(f.Code)))
		span.SetStatus(codes.Error, string(f.Code))
		if f.Err != nil {
			span.RecordError(f.Err)
		}
	}
	span.End()
}

func (o *Orchestrator) filterLevelFor(p *tenant.Profile) model.SanitizationLevel {
	level := p.EffectiveLevel(o.defaultLevel)
	if o.filterLevel.AtLeast(level) {
		return o.filterLevel
	}
	return level
}

// responseContext picks the audience from the header, else from the role.
func responseContext(h http.Header, role model.Role) filter.Context {
	if v := h.Get(HeaderContext); v != "" {
		return filter.ParseContext(v)
	}
	if role == model.RoleDriver {
		return filter.ContextDriverApp
	}
	return filter.ContextInternal
}

func dropFields(body payload.Payload, fields []string) payload.Payload {
	fs := payload.NewFieldSet(fields...)
	return payload.RewritePayload(body, func(_ []string, key string, _ any) (payload.Action, any) {
		if fs.Has(key) {
			return payload.Drop, nil
		}
		return payload.Keep, nil
	})
}

func violationReasons(vs []model.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, fmt.Sprintf("%s (%s): %s", v.Type, v.Severity, v.Description))
	}
	return out
}

func downstreamStatus(ctx context.Context, err error) int {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func statusOr(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}
