package access

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
)

// Auditor records access decisions.
type Auditor interface {
	Log(ctx context.Context, e audit.Event) string
}

// builtinConditions are the named conditions permissions may reference.
var builtinConditions = map[string]string{
	"own_data_only":       `payload_user == "" || payload_user == user`,
	"business_hours_only": `weekday >= 1 && weekday <= 5 && hour >= 8 && hour < 18`,
	"same_tenant":         `payload_tenant == "" || payload_tenant == tenant`,
}

var (
	payloadUserFields   = payload.NewFieldSet("userId", "driverId", "user")
	payloadTenantFields = payload.NewFieldSet("tenantId", "tenant", "organizationId")
)

// conditionEnv is the expression environment; values are sample types.
func conditionEnv() map[string]any {
	return map[string]any{
		"user":           "",
		"role":           "",
		"tenant":         "",
		"operation":      "",
		"action":         "",
		"origin":         "",
		"model":          "",
		"payload_user":   "",
		"payload_tenant": "",
		"hour":           0,
		"weekday":        0,
	}
}

type compiled struct {
	policy     *Policy
	hash       string
	roles      map[model.Role]*RoleDefinition
	conditions map[string]*vm.Program
}

// Decision is the outcome of one access check.
type Decision struct {
	Allowed            bool              `json:"allowed"`
	Reason             string            `json:"reason"`
	Role               model.Role        `json:"role"`
	GrantedBy          model.Role        `json:"granted_by,omitempty"`
	Permission         *Permission       `json:"permission,omitempty"`
	RequiredPermission string            `json:"required_permission"`
	DataScopeFilters   []string          `json:"data_scope_filters,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	Violations         []model.Violation `json:"violations,omitempty"`
	AuditID            string            `json:"audit_id"`
	PolicyHash         string            `json:"policy_hash"`
}

// Engine evaluates role-based access. The policy is swapped atomically so
// checks never block on reloads.
type Engine struct {
	current atomic.Pointer[compiled]
	auditor Auditor
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditor records every decision.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.auditor = a }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now for time-based rules.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine compiles p (DefaultPolicy when nil).
func NewEngine(p *Policy, opts ...Option) (*Engine, error) {
	e := &Engine{logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if p == nil {
		p = DefaultPolicy()
	}
	if err := e.SetPolicy(p); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPolicy compiles and publishes a new policy. The old policy stays in
// effect if compilation fails.
func (e *Engine) SetPolicy(p *Policy) error {
	c, err := compile(p)
	if err != nil {
		return err
	}
	e.current.Store(c)
	e.logger.Info("access policy loaded", zap.String("hash", c.hash), zap.Int("roles", len(c.roles)))
	return nil
}

// Reload re-reads a policy file.
func (e *Engine) Reload(path string) error {
	p, err := LoadPolicy(path)
	if err != nil {
		return err
	}
	return e.SetPolicy(p)
}

// PolicyHash returns the hash of the active policy.
func (e *Engine) PolicyHash() string {
	return e.current.Load().hash
}

func compile(p *Policy) (*compiled, error) {
	c := &compiled{
		policy:     p,
		hash:       p.Hash(),
		roles:      make(map[model.Role]*RoleDefinition, len(p.Roles)),
		conditions: make(map[string]*vm.Program),
	}
	for i := range p.Roles {
		rd := &p.Roles[i]
		if _, ok := model.ParseRole(string(rd.Role)); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, rd.Role)
		}
		c.roles[rd.Role] = rd
	}
	for _, rd := range c.roles {
		if _, err := c.chain(rd.Role); err != nil {
			return nil, err
		}
	}

	sources := map[string]string{}
	for name, src := range builtinConditions {
		sources[name] = src
	}
	for name, src := range p.Conditions {
		sources[name] = src
	}
	for _, rd := range c.roles {
		for _, perm := range rd.Permissions {
			for _, cond := range perm.Conditions {
				if _, ok := sources[cond]; !ok {
					// an unnamed condition is an inline expression
					sources[cond] = cond
				}
			}
		}
	}
	for name, src := range sources {
		prog, err := expr.Compile(src, expr.Env(conditionEnv()), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("access: compile condition %q: %w", name, err)
		}
		c.conditions[name] = prog
	}
	return c, nil
}

// chain returns role followed by its ancestors.
func (c *compiled) chain(role model.Role) ([]*RoleDefinition, error) {
	var out []*RoleDefinition
	seen := map[model.Role]bool{}
	for r := role; r != ""; {
		if seen[r] {
			return nil, fmt.Errorf("access: inheritance cycle at role %q", r)
		}
		seen[r] = true
		rd, ok := c.roles[r]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, r)
		}
		out = append(out, rd)
		r = rd.Inherits
	}
	return out, nil
}

// Chain returns the effective role chain, most specific first.
func (e *Engine) Chain(role model.Role) ([]model.Role, error) {
	defs, err := e.current.Load().chain(role)
	if err != nil {
		return nil, err
	}
	out := make([]model.Role, len(defs))
	for i, d := range defs {
		out[i] = d.Role
	}
	return out, nil
}

// CheckAccess decides whether sc may perform op with the given payload.
// Every decision is audited with a fresh id.
func (e *Engine) CheckAccess(ctx context.Context, sc model.SecurityContext, op model.OperationDescriptor, p payload.Payload) Decision {
	c := e.current.Load()
	now := e.now().UTC()
	d := Decision{
		Role:               sc.Role,
		RequiredPermission: op.Resource() + ":" + op.Action,
		PolicyHash:         c.hash,
	}

	e.evaluate(c, &d, sc, op, p, now)

	if e.auditor != nil {
		ev := audit.NewEvent(audit.EventAccessCheck, sc, op)
		ev.Outcome = audit.OutcomeAllowed
		if !d.Allowed {
			ev.Outcome = audit.OutcomeDenied
		}
		ev.Reason = d.Reason
		ev.Violations = d.Violations
		ev.Checks = []audit.Check{{Stage: "access", Passed: d.Allowed, Reasons: reasons(d), Warnings: d.Warnings}}
		ev.Metadata = map[string]string{"policy_hash": c.hash, "required_permission": d.RequiredPermission}
		if d.GrantedBy != "" {
			ev.Metadata["granted_by"] = string(d.GrantedBy)
		}
		d.AuditID = e.auditor.Log(ctx, ev)
	}
	return d
}

func reasons(d Decision) []string {
	if d.Allowed {
		return nil
	}
	return []string{d.Reason}
}

func (e *Engine) evaluate(c *compiled, d *Decision, sc model.SecurityContext, op model.OperationDescriptor, p payload.Payload, now time.Time) {
	chain, err := c.chain(sc.Role)
	if err != nil {
		d.Reason = fmt.Sprintf("role %q is not defined", sc.Role)
		d.Violations = append(d.Violations, model.Violation{
			Type: model.ViolationUnauthorizedOperation, Severity: model.SeverityHigh, Description: d.Reason,
		})
		return
	}

	candidates := matchingPermissions(chain, op)
	if len(candidates) == 0 {
		d.Reason = fmt.Sprintf("role %s lacks permission %s", sc.Role, d.RequiredPermission)
		d.Violations = append(d.Violations, model.Violation{
			Type: model.ViolationUnauthorizedOperation, Severity: model.SeverityMedium, Description: d.Reason,
		})
		return
	}

	for _, r := range c.policy.Restrictions {
		if !r.AppliesTo(sc.Role) {
			continue
		}
		violated, detail := violates(r, sc, op, p, now)
		if r.Type == RestrictDataScope && len(detail) > 0 {
			d.DataScopeFilters = appendUnique(d.DataScopeFilters, detail...)
		}
		if !violated {
			continue
		}
		msg := fmt.Sprintf("restriction %s (%s)", r.Name, r.Type)
		if len(detail) > 0 {
			msg += ": " + strings.Join(detail, ", ")
		}
		if r.Severity == EnforceBlock {
			d.Reason = msg
			d.Violations = append(d.Violations, model.Violation{
				Type: model.ViolationRestriction, Severity: model.SeverityHigh, Description: msg, Evidence: detail,
			})
			return
		}
		d.Warnings = append(d.Warnings, msg)
	}

	env := conditionEnv()
	env["user"] = sc.UserID
	env["role"] = string(sc.Role)
	env["tenant"] = sc.TenantID
	env["operation"] = op.Name
	env["action"] = op.Action
	env["origin"] = sc.Origin
	env["model"] = op.Model
	env["hour"] = now.Hour()
	env["weekday"] = int(now.Weekday())
	if s, ok := p.String(payloadUserFields); ok {
		env["payload_user"] = s
	}
	if s, ok := p.String(payloadTenantFields); ok {
		env["payload_tenant"] = s
	}

	// Any matching permission whose conditions hold grants access.
	var failed string
	var unsatisfied bool
	for _, cand := range candidates {
		reason, evalErr := e.checkConditions(c, cand.perm, env)
		if reason == "" {
			d.Allowed = true
			d.Permission = cand.perm
			d.GrantedBy = cand.role
			d.Reason = fmt.Sprintf("granted by %s permission %s", cand.role, cand.perm.Resource)
			return
		}
		if failed == "" {
			failed = reason
		}
		if !evalErr {
			unsatisfied = true
		}
	}
	d.Reason = failed
	if unsatisfied {
		d.Violations = append(d.Violations, model.Violation{
			Type: model.ViolationUnauthorizedOperation, Severity: model.SeverityMedium, Description: failed,
		})
	}
}

// checkConditions returns an empty reason when every condition of perm
// holds. evalErr marks a condition that could not be run.
func (e *Engine) checkConditions(c *compiled, perm *Permission, env map[string]any) (reason string, evalErr bool) {
	for _, cond := range perm.Conditions {
		out, err := expr.Run(c.conditions[cond], env)
		if err != nil {
			e.logger.Warn("access condition failed to evaluate", zap.String("condition", cond), zap.Error(err))
			return fmt.Sprintf("condition %s could not be evaluated", cond), true
		}
		if ok, _ := out.(bool); !ok {
			return fmt.Sprintf("condition %s not satisfied", cond), false
		}
	}
	return "", false
}

type candidate struct {
	perm *Permission
	role model.Role
	rank int
}

// matchingPermissions collects every permission in the chain that covers
// op, most specific first; ties go to the role closest to the caller.
func matchingPermissions(chain []*RoleDefinition, op model.OperationDescriptor) []candidate {
	var out []candidate
	for _, rd := range chain {
		for i := range rd.Permissions {
			perm := &rd.Permissions[i]
			rank := matchResource(perm.Resource, op.Resource())
			if rank <= matchNone || !matchAction(perm.Actions, op.Action) {
				continue
			}
			out = append(out, candidate{perm: perm, role: rd.Role, rank: rank})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rank > out[j].rank })
	return out
}

// violates reports whether r is violated and, for data scope, which fields
// were present.
func violates(r Restriction, sc model.SecurityContext, op model.OperationDescriptor, p payload.Payload, now time.Time) (bool, []string) {
	switch r.Type {
	case RestrictTimeOfDay:
		if r.Hours == nil {
			return false, nil
		}
		if !r.Hours.Contains(now.Hour()) {
			return true, []string{fmt.Sprintf("hour %d outside %02d-%02d UTC", now.Hour(), r.Hours.Start, r.Hours.End)}
		}
	case RestrictDataScope:
		fields := payload.NewFieldSet(r.Fields...)
		var present []string
		payload.RewritePayload(p, func(_ []string, key string, _ any) (payload.Action, any) {
			if fields.Has(key) {
				present = appendUnique(present, key)
			}
			return payload.Keep, nil
		})
		return len(present) > 0, present
	case RestrictForbiddenOperation:
		for _, pat := range r.Operations {
			if MatchPattern(pat, op.Name) {
				return true, []string{op.Name}
			}
		}
	case RestrictLocation:
		if !originAllowed(r.Origins, sc.Origin) {
			return true, []string{"origin " + sc.Origin}
		}
	case RestrictModel:
		m := op.Model
		if m == "" {
			m = "standard"
		}
		for _, allowed := range r.Models {
			if allowed == "*" || strings.EqualFold(allowed, m) {
				return false, nil
			}
		}
		return true, []string{"model " + m}
	}
	return false, nil
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, addrErr := netip.ParseAddr(strings.TrimSpace(origin))
	for _, a := range allowed {
		if prefix, err := netip.ParsePrefix(a); err == nil {
			if addrErr == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if origin != "" && MatchPattern(a, origin) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		dup := false
		for _, x := range list {
			if x == it {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, it)
		}
	}
	return list
}
