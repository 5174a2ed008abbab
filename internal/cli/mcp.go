package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	twmcp "github.com/ppiankov/tenantwatch/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs tenantwatch as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes tools: tenantwatch_check, tenantwatch_filter, tenantwatch_audit_query.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger, stackOptions{sinks: true})
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	defer st.Close()

	srv, err := twmcp.New(twmcp.Config{Version: version}, st.orch, st.filter, st.audit, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintln(os.Stderr, "tenantwatch MCP server running on stdio")
	if cfg.Tenants.File != "" {
		fmt.Fprintf(os.Stderr, "Tenants: %s\n", cfg.Tenants.File)
	}
	fmt.Fprintln(os.Stderr)

	err = srv.Run(ctx)

	health := st.audit.Health()
	fmt.Fprintf(os.Stderr, "\nAudit: %d events, health %s\n", st.audit.Len(), health.Status)
	return err
}
