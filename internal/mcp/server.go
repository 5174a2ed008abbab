package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/filter"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
)

// Config holds MCP server configuration.
type Config struct {
	Version string
}

// Server exposes the security pipeline as MCP tools so agents can vet a
// request or a response before acting on it.
type Server struct {
	mcpServer *mcpsdk.Server
	orch      *pipeline.Orchestrator
	filter    *filter.Filter
	audit     *audit.Logger
	logger    *zap.Logger
}

// New creates an MCP server over an assembled pipeline.
func New(cfg Config, orch *pipeline.Orchestrator, f *filter.Filter, a *audit.Logger, logger *zap.Logger) (*Server, error) {
	if orch == nil || f == nil || a == nil {
		return nil, errors.New("mcp: orchestrator, filter and audit logger are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{orch: orch, filter: f, audit: a, logger: logger}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "tenantwatch",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all tenantwatch tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "tenantwatch_check",
		Description: "Run an AI request through tenant, access, isolation and sanitization checks without forwarding it. Blocked requests return the error code and reasons.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "tenantwatch_filter",
		Description: "Redact an AI-generated response for a role, tenant and delivery context.",
	}, s.handleFilter)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "tenantwatch_audit_query",
		Description: "List recent security audit events, newest first.",
	}, s.handleAuditQuery)
}
