package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/filter"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
)

// --- Input/Output types ---

// CheckInput defines parameters for the tenantwatch_check tool.
type CheckInput struct {
	Route    string         `json:"route" jsonschema:"AI route, e.g. /api/ai/chat"`
	TenantID string         `json:"tenant_id" jsonschema:"tenant the caller belongs to"`
	UserID   string         `json:"user_id,omitempty" jsonschema:"caller user id"`
	Role     string         `json:"role" jsonschema:"caller role (driver/dispatcher/broker/manager/admin)"`
	Model    string         `json:"model,omitempty" jsonschema:"AI model tier"`
	Payload  map[string]any `json:"payload,omitempty" jsonschema:"request body"`
}

// CheckOutput contains the pipeline decision.
type CheckOutput struct {
	Allowed        bool     `json:"allowed"`
	Error          string   `json:"error,omitempty"`
	Reasons        []string `json:"reasons,omitempty"`
	AuditID        string   `json:"audit_id,omitempty"`
	Operation      string   `json:"operation"`
	Bypassed       bool     `json:"bypassed,omitempty"`
	TenantFallback bool     `json:"tenant_fallback,omitempty"`
	RiskLevel      string   `json:"risk_level,omitempty"`
	Redacted       []string `json:"redacted,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
}

// FilterInput defines parameters for the tenantwatch_filter tool.
type FilterInput struct {
	Text        string   `json:"text" jsonschema:"response text to filter"`
	Role        string   `json:"role" jsonschema:"recipient role"`
	TenantID    string   `json:"tenant_id,omitempty" jsonschema:"recipient tenant"`
	AccessLevel string   `json:"access_level,omitempty" jsonschema:"public/internal/confidential/restricted"`
	Context     string   `json:"context,omitempty" jsonschema:"customer_facing/internal/driver_app/partner"`
	Compliance  []string `json:"compliance,omitempty" jsonschema:"compliance frameworks, e.g. GDPR"`
	Level       string   `json:"level,omitempty" jsonschema:"basic/standard/strict/maximum"`
}

// FilterOutput is the filtered response.
type FilterOutput struct {
	Text           string   `json:"text"`
	CensorsApplied []string `json:"censors_applied,omitempty"`
	RiskLevel      string   `json:"risk_level"`
	Safe           bool     `json:"safe"`
}

// AuditQueryInput defines parameters for the tenantwatch_audit_query tool.
type AuditQueryInput struct {
	TenantID    string `json:"tenant_id,omitempty" jsonschema:"only events for this tenant"`
	UserID      string `json:"user_id,omitempty" jsonschema:"only events for this user"`
	Type        string `json:"type,omitempty" jsonschema:"event type, e.g. isolation_violation"`
	MinSeverity string `json:"min_severity,omitempty" jsonschema:"low/medium/high/critical"`
	Limit       int    `json:"limit,omitempty" jsonschema:"page size, default 20"`
}

// AuditQueryOutput is one page of events.
type AuditQueryOutput struct {
	Total  int          `json:"total"`
	Events []AuditEvent `json:"events"`
}

// AuditEvent summarizes a single audit event.
type AuditEvent struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Outcome   string `json:"outcome"`
	Severity  string `json:"severity"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id,omitempty"`
	Operation string `json:"operation"`
}

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	if input.Route == "" {
		return nil, CheckOutput{}, errors.New("route is required")
	}
	h := http.Header{}
	h.Set(pipeline.HeaderTenantID, input.TenantID)
	h.Set(pipeline.HeaderUserRole, input.Role)
	if input.UserID != "" {
		h.Set(pipeline.HeaderUserID, input.UserID)
	}
	if input.Model != "" {
		h.Set(pipeline.HeaderModel, input.Model)
	}
	h.Set(pipeline.HeaderClientID, "mcp")

	pre, err := s.orch.Check(ctx, &pipeline.Request{
		Route:   input.Route,
		Method:  http.MethodPost,
		Headers: h,
		Payload: payload.FromMap(input.Payload),
	})

	out := CheckOutput{Allowed: err == nil}
	if pre != nil {
		out.AuditID = pre.AuditID
		out.Operation = pre.Operation.Name
		out.Bypassed = pre.Bypassed
		out.TenantFallback = pre.Fallback
		if pre.Sanitization != nil {
			out.RiskLevel = string(pre.Sanitization.RiskLevel())
			out.Redacted = pre.Sanitization.Redacted
			out.Prompt = pre.Sanitization.Prompt
		}
	}
	if err != nil {
		var f *pipeline.Failure
		if !errors.As(err, &f) {
			return nil, CheckOutput{}, err
		}
		out.Error = string(f.Code)
		out.Reasons = f.Reasons
		out.AuditID = f.AuditID
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleFilter(ctx context.Context, req *mcpsdk.CallToolRequest, input FilterInput) (*mcpsdk.CallToolResult, FilterOutput, error) {
	cfg, err := filter.ParseConfig(input.Role, input.TenantID, input.AccessLevel, input.Context, input.Compliance, input.Level)
	if err != nil {
		return nil, FilterOutput{}, err
	}

	res := s.filter.Filter(input.Text, cfg)
	return nil, FilterOutput{
		Text:           res.Text,
		CensorsApplied: res.CensorsApplied,
		RiskLevel:      string(res.RiskLevel),
		Safe:           res.Safe,
	}, nil
}

func (s *Server) handleAuditQuery(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditQueryInput) (*mcpsdk.CallToolResult, AuditQueryOutput, error) {
	f := audit.Filter{
		TenantID: input.TenantID,
		UserID:   input.UserID,
		Type:     audit.EventType(input.Type),
		Limit:    input.Limit,
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if input.MinSeverity != "" {
		sev := model.Severity(strings.ToLower(input.MinSeverity))
		if _, ok := model.SeverityRank[sev]; !ok {
			return nil, AuditQueryOutput{}, fmt.Errorf("unknown severity %q", input.MinSeverity)
		}
		f.MinSeverity = sev
	}

	page := s.audit.Query(f)
	out := AuditQueryOutput{Total: page.Total, Events: make([]AuditEvent, 0, len(page.Events))}
	for _, ev := range page.Events {
		out.Events = append(out.Events, AuditEvent{
			ID:        ev.ID,
			Timestamp: ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			Type:      string(ev.Type),
			Outcome:   string(ev.Outcome),
			Severity:  string(ev.Severity),
			TenantID:  ev.TenantID,
			UserID:    ev.UserID,
			Operation: ev.Operation,
		})
	}
	s.logger.Debug("mcp audit query", zap.Int("total", page.Total), zap.Int("limit", f.Limit))
	return nil, out, nil
}
