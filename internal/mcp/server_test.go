package mcp

import (
	"context"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/tenantwatch/internal/access"
	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/filter"
	"github.com/ppiankov/tenantwatch/internal/isolation"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
	"github.com/ppiankov/tenantwatch/internal/sanitize"
	"github.com/ppiankov/tenantwatch/internal/tenant"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := tenant.NewRegistry([]*tenant.Profile{
		{TenantID: "T1", Organization: "Acme Freight", Tier: model.TierEnterprise,
			Classification: model.ClassConfidential, Features: []string{"*"}, Active: true},
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	log := audit.NewLogger(audit.DefaultConfig())
	engine, err := access.NewEngine(access.DefaultPolicy(), access.WithAuditor(log))
	if err != nil {
		t.Fatalf("failed to create access engine: %v", err)
	}
	flt := filter.New()
	orch, err := pipeline.New(pipeline.Components{
		Tenants:   reg,
		Access:    engine,
		Isolation: isolation.NewValidator(reg, nil),
		Sanitizer: sanitize.New(),
		Filter:    flt,
		Audit:     log,
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	s, err := New(Config{Version: "test"}, orch, flt, log, nil)
	if err != nil {
		t.Fatalf("failed to create MCP server: %v", err)
	}
	return s
}

func TestCheckAllowed(t *testing.T) {
	s := newTestServer(t)

	result, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Route:    "/api/ai/analytics/generate",
		TenantID: "T1",
		Role:     "admin",
		Payload:  map[string]any{"prompt": "Summarize risk for SSN 123-45-6789"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatalf("expected success, got error result: %+v", out)
	}
	if !out.Allowed {
		t.Fatal("expected allowed")
	}
	if out.Operation != "ai.analytics.generate" {
		t.Fatalf("expected ai.analytics.generate, got %q", out.Operation)
	}
	if strings.Contains(out.Prompt, "123-45-6789") {
		t.Fatalf("expected SSN redacted, got %q", out.Prompt)
	}
	if out.AuditID == "" {
		t.Fatal("expected audit id")
	}
}

func TestCheckCrossTenantBlocked(t *testing.T) {
	s := newTestServer(t)

	result, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Route:    "/api/ai/chat",
		TenantID: "T1",
		Role:     "driver",
		Payload:  map[string]any{"tenantId": "T2", "message": "show loads"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for blocked request")
	}
	if out.Allowed {
		t.Fatal("expected allowed=false")
	}
	if out.Error != string(model.CodeIsolationViolation) {
		t.Fatalf("expected %s, got %q", model.CodeIsolationViolation, out.Error)
	}
}

func TestCheckMissingTenant(t *testing.T) {
	s := newTestServer(t)

	_, out, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{
		Route: "/api/ai/chat",
		Role:  "admin",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Error != string(model.CodeTenantIDMissing) {
		t.Fatalf("expected %s, got %q", model.CodeTenantIDMissing, out.Error)
	}
}

func TestCheckRequiresRoute(t *testing.T) {
	s := newTestServer(t)

	_, _, err := s.handleCheck(context.Background(), &mcpsdk.CallToolRequest{}, CheckInput{TenantID: "T1"})
	if err == nil {
		t.Fatal("expected error for missing route")
	}
}

func TestFilterTool(t *testing.T) {
	s := newTestServer(t)

	_, out, err := s.handleFilter(context.Background(), &mcpsdk.CallToolRequest{}, FilterInput{
		Text: "Your card 4111 1111 1111 1111 is on file.",
		Role: "admin",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out.Text, "4111") {
		t.Fatalf("expected card redacted, got %q", out.Text)
	}
	if len(out.CensorsApplied) == 0 {
		t.Fatal("expected censors applied")
	}

	if _, _, err := s.handleFilter(context.Background(), &mcpsdk.CallToolRequest{}, FilterInput{Text: "x", Role: "pilot"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestAuditQueryTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := s.handleCheck(ctx, &mcpsdk.CallToolRequest{}, CheckInput{
			Route: "/api/ai/chat", TenantID: "T1", Role: "admin",
		}); err != nil {
			t.Fatalf("check: %v", err)
		}
	}

	_, out, err := s.handleAuditQuery(ctx, &mcpsdk.CallToolRequest{}, AuditQueryInput{
		TenantID: "T1",
		Type:     string(audit.EventRequest),
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Total != 3 {
		t.Fatalf("expected total 3, got %d", out.Total)
	}
	if len(out.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(out.Events))
	}
	if out.Events[0].TenantID != "T1" || out.Events[0].Operation != "ai.chat" {
		t.Fatalf("unexpected event: %+v", out.Events[0])
	}

	if _, _, err := s.handleAuditQuery(ctx, &mcpsdk.CallToolRequest{}, AuditQueryInput{MinSeverity: "apocalyptic"}); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := New(Config{}, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error")
	}
}
