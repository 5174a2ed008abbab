package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
	"github.com/ppiankov/tenantwatch/internal/sanitize"
	"github.com/ppiankov/tenantwatch/internal/tenant"
)

// invocation is the per-request state threaded through the stages.
type invocation struct {
	o     *Orchestrator
	req   *Request
	id    string
	start time.Time

	sc        model.SecurityContext
	op        model.OperationDescriptor
	body      payload.Payload
	prompt    string
	profile   *tenant.Profile
	sanitized *sanitize.Report
	pre       Preflight

	timings      []audit.StageTiming
	violations   []model.Violation
	metadata     map[string]string
	degradations []string
	outcome      audit.Outcome
	logged       bool
}

// stage times fn and records it under name.
func (inv *invocation) stage(name string, fn func()) {
	start := time.Now()
	fn()
	d := time.Since(start)
	inv.timings = append(inv.timings, audit.StageTiming{Stage: name, MS: millis(d)})
	inv.o.metrics.ObserveStage(name, d.Seconds())
}

func (inv *invocation) check(stage string, passed bool, reasons, warnings []string) {
	inv.pre.Checks = append(inv.pre.Checks, audit.Check{
		Stage:    stage,
		Passed:   passed,
		Reasons:  reasons,
		Warnings: warnings,
	})
}

func (inv *invocation) meta(k, v string) {
	if inv.metadata == nil {
		inv.metadata = map[string]string{}
	}
	inv.metadata[k] = v
}

func (inv *invocation) degrade(stage string) {
	for _, s := range inv.degradations {
		if s == stage {
			return
		}
	}
	inv.degradations = append(inv.degradations, stage)
}

// deny audits a policy denial and returns it as a Failure.
func (inv *invocation) deny(ctx context.Context, code model.ErrorCode, typ audit.EventType, reasons ...string) *Failure {
	return inv.reject(ctx, code, StatusFor(code), typ, audit.OutcomeDenied, reasons)
}

// fail audits an error that blocked the request.
func (inv *invocation) fail(ctx context.Context, code model.ErrorCode, status int, typ audit.EventType, reasons ...string) *Failure {
	return inv.reject(ctx, code, status, typ, audit.OutcomeError, reasons)
}

func (inv *invocation) reject(ctx context.Context, code model.ErrorCode, status int, typ audit.EventType, outcome audit.Outcome, reasons []string) *Failure {
	ev := inv.event(typ, outcome)
	ev.ErrorCode = code
	ev.Reason = strings.Join(reasons, "; ")
	id := inv.finish(ctx, ev, code)
	return &Failure{Code: code, Status: status, Reasons: reasons, AuditID: id}
}

// event builds the terminal audit event from everything recorded so far.
func (inv *invocation) event(typ audit.EventType, outcome audit.Outcome) audit.Event {
	ev := audit.NewEvent(typ, inv.sc, inv.op)
	ev.ID = inv.id
	ev.Outcome = outcome
	ev.Checks = inv.pre.Checks
	ev.Violations = inv.violations
	ev.Timings = audit.Timings{TotalMS: millis(time.Since(inv.start)), Stages: inv.timings}
	if rep := inv.sanitized; rep != nil {
		ev.Input = &audit.InputSummary{
			Level:            rep.Level,
			RiskLevel:        rep.RiskLevel(),
			RiskScore:        rep.RiskScore,
			RedactedFields:   rep.Redacted,
			AnonymizedFields: rep.Anonymized,
			Safe:             rep.Safe,
		}
	}
	if len(inv.metadata) > 0 {
		ev.Metadata = inv.metadata
	}
	return ev
}

// finish logs the terminal event. It runs once per invocation.
func (inv *invocation) finish(ctx context.Context, ev audit.Event, code model.ErrorCode) string {
	inv.outcome = ev.Outcome
	id := inv.log(ctx, ev)
	inv.logged = true

	m := inv.o.metrics
	m.IncRequest(string(ev.Outcome), string(code))
	for _, v := range ev.Violations {
		m.IncViolation(string(v.Type), string(v.Severity))
	}

	inv.o.logger.Info("pipeline decision",
		zap.String("audit_id", id),
		zap.String("tenant_id", inv.sc.TenantID),
		zap.String("user_id", inv.sc.UserID),
		zap.String("operation", inv.op.Name),
		zap.String("outcome", string(ev.Outcome)),
		zap.String("code", string(code)),
		zap.Int("violations", len(ev.Violations)),
		zap.Float64("total_ms", ev.Timings.TotalMS))
	return id
}

// log writes ev without letting an audit failure escape. The terminal event
// is written even when the caller's context is already cancelled.
func (inv *invocation) log(ctx context.Context, ev audit.Event) (id string) {
	defer func() {
		if r := recover(); r != nil {
			inv.degrade("audit")
			inv.o.logger.Error("audit log failed", zap.String("audit_id", ev.ID), zap.Any("panic", r))
			id = ev.ID
		}
	}()
	return inv.o.audit.Log(context.WithoutCancel(ctx), ev)
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
