// Package audit records every security decision made by the pipeline,
// indexes events for query and analytics, and fans them out to durable sinks.
package audit

import (
	"time"

	"github.com/ppiankov/tenantwatch/internal/model"
)

// EventType classifies audit events.
type EventType string

const (
	EventRequest            EventType = "request"
	EventSecurityViolation  EventType = "security_violation"
	EventAccessDenied       EventType = "access_denied"
	EventAccessCheck        EventType = "access_check"
	EventIsolationViolation EventType = "isolation_violation"
	EventInjectionAttempt   EventType = "injection_attempt"
	EventSystemError        EventType = "system_error"
	EventCompliance         EventType = "compliance_event"
)

// Outcome is the terminal result recorded on an event.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
	OutcomeChecked Outcome = "checked"
)

// InputSummary describes what sanitization did to the request.
type InputSummary struct {
	Level            model.SanitizationLevel `json:"level,omitempty"`
	RiskLevel        model.Severity          `json:"risk_level"`
	RiskScore        int                     `json:"risk_score"`
	RedactedFields   []string                `json:"redacted_fields,omitempty"`
	AnonymizedFields []string                `json:"anonymized_fields,omitempty"`
	Safe             bool                    `json:"safe"`
}

// OutputSummary describes what filtering did to the response.
type OutputSummary struct {
	RiskLevel      model.Severity `json:"risk_level"`
	CensorsApplied []string       `json:"censors_applied,omitempty"`
	Safe           bool           `json:"safe"`
	OriginalLength int            `json:"original_length"`
	FilteredLength int            `json:"filtered_length"`
	FallbackUsed   bool           `json:"fallback_used,omitempty"`
}

// Check is the outcome of one security stage.
type Check struct {
	Stage    string   `json:"stage"`
	Passed   bool     `json:"passed"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// StageTiming is the wall time spent in one stage.
type StageTiming struct {
	Stage string  `json:"stage"`
	MS    float64 `json:"ms"`
}

// Timings is the timing breakdown of one invocation.
type Timings struct {
	TotalMS float64       `json:"total_ms"`
	Stages  []StageTiming `json:"stages,omitempty"`
}

// Event is one audit record. Events are immutable once logged.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Severity  model.Severity `json:"severity"`

	UserID    string     `json:"user_id,omitempty"`
	Role      model.Role `json:"role,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Origin    string     `json:"origin,omitempty"`
	ClientID  string     `json:"client_id,omitempty"`

	Operation string         `json:"operation,omitempty"`
	Category  model.Category `json:"category,omitempty"`
	Action    string         `json:"action,omitempty"`

	Outcome   Outcome         `json:"outcome"`
	ErrorCode model.ErrorCode `json:"error_code,omitempty"`
	Reason    string          `json:"reason,omitempty"`

	Input      *InputSummary     `json:"input,omitempty"`
	Output     *OutputSummary    `json:"output,omitempty"`
	Checks     []Check           `json:"checks,omitempty"`
	Violations []model.Violation `json:"violations,omitempty"`
	Timings    Timings           `json:"timings"`
	RiskScore  float64           `json:"risk_score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewEvent starts an event for the given caller and operation.
func NewEvent(typ EventType, sc model.SecurityContext, op model.OperationDescriptor) Event {
	return Event{
		Type:      typ,
		UserID:    sc.UserID,
		Role:      sc.Role,
		TenantID:  sc.TenantID,
		SessionID: sc.SessionID,
		Origin:    sc.Origin,
		ClientID:  sc.ClientID,
		Operation: op.Name,
		Category:  op.Category,
		Action:    op.Action,
	}
}

// HasViolations reports whether the event carries any violation.
func (e *Event) HasViolations() bool {
	return len(e.Violations) > 0
}

// TalliedViolations returns the violations that count toward health and
// analytics. An access check is a trace of one stage; its violations are
// repeated on the request's terminal event.
func (e *Event) TalliedViolations() []model.Violation {
	if e.Type == EventAccessCheck {
		return nil
	}
	return e.Violations
}

// FailedChecks counts checks that did not pass.
func (e *Event) FailedChecks() int {
	n := 0
	for _, c := range e.Checks {
		if !c.Passed {
			n++
		}
	}
	return n
}

var riskWeight = map[model.Severity]float64{
	model.SeverityLow:      0,
	model.SeverityMedium:   1,
	model.SeverityHigh:     2,
	model.SeverityCritical: 3,
}

var violationWeight = map[model.Severity]float64{
	model.SeverityLow:      0.5,
	model.SeverityMedium:   1,
	model.SeverityHigh:     2,
	model.SeverityCritical: 3,
}

// Score computes the event's 0-10 risk score from input and output risk,
// violations and failed checks.
func Score(e *Event) float64 {
	score := 0.0
	if e.Input != nil {
		score += riskWeight[e.Input.RiskLevel]
	}
	if e.Output != nil {
		score += riskWeight[e.Output.RiskLevel]
	}
	for _, v := range e.Violations {
		score += violationWeight[v.Severity]
	}
	score += float64(e.FailedChecks())
	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

// deriveSeverity picks the event severity when the caller left it empty.
func deriveSeverity(e *Event) model.Severity {
	sev := model.SeverityLow
	for _, v := range e.Violations {
		sev = model.MaxSeverity(sev, v.Severity)
	}
	if e.Input != nil {
		sev = model.MaxSeverity(sev, e.Input.RiskLevel)
	}
	if e.Output != nil {
		sev = model.MaxSeverity(sev, e.Output.RiskLevel)
	}
	switch e.Type {
	case EventSystemError, EventInjectionAttempt:
		sev = model.MaxSeverity(sev, model.SeverityHigh)
	case EventAccessDenied, EventIsolationViolation, EventSecurityViolation:
		sev = model.MaxSeverity(sev, model.SeverityMedium)
	}
	return sev
}
