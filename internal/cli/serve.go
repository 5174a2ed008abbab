package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/tenantwatch/internal/api"
	"github.com/ppiankov/tenantwatch/internal/metrics"
	"github.com/ppiankov/tenantwatch/internal/server"
)

var (
	serveHTTPAddr string
	serveGRPCAddr string
	serveUpstream string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http", "", "HTTP listen address (overrides server.http_addr)")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc", "", "gRPC listen address (overrides server.grpc_addr, \"off\" disables)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "Upstream AI service URL (overrides server.upstream_url)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the security gateway",
	Long: "Runs the HTTP gateway for /ai/* routes, the audit API and /metrics, plus the\n" +
		"gRPC SecurityService. Tenant and role files are hot-reloaded when\n" +
		"tenants.watch is set.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHTTPAddr != "" {
		cfg.Server.HTTPAddr = serveHTTPAddr
	}
	if serveGRPCAddr == "off" {
		cfg.Server.GRPCAddr = ""
	} else if serveGRPCAddr != "" {
		cfg.Server.GRPCAddr = serveGRPCAddr
	}
	if serveUpstream != "" {
		cfg.Server.UpstreamURL = serveUpstream
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger, stackOptions{sinks: true, limiter: true})
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	defer st.Close()

	upstream, err := api.NewUpstream(cfg.Server.UpstreamURL, cfg.Server.UpstreamTimeout)
	if err != nil {
		return err
	}
	if cfg.Server.UpstreamURL == "" {
		fmt.Fprintln(os.Stderr, "warning: no upstream configured; admitted AI requests will fail with 502")
	}

	reg, err := metrics.NewRegistry(st.metrics)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	httpSrv := api.NewServer(api.Config{
		Addr:            cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}, st.orch, st.audit, upstream, api.WithRegistry(reg), api.WithLogger(logger))

	st.audit.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })

	if cfg.Server.GRPCAddr != "" {
		grpcSrv, err := server.New(server.Config{Addr: cfg.Server.GRPCAddr}, st.orch, st.filter, st.audit, logger)
		if err != nil {
			return err
		}
		g.Go(grpcSrv.Serve)
		g.Go(func() error {
			<-ctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	if cfg.Tenants.Watch {
		reloader, err := server.NewReloader(map[string]server.ReloadFunc{
			cfg.Tenants.File:     st.tenants.Reload,
			cfg.Access.RolesFile: st.access.Reload,
		}, server.WithReloadLogger(logger))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
		} else if len(reloader.Paths()) > 0 {
			g.Go(func() error { return reloader.Run(ctx) })
		}
	}

	logger.Info("tenantwatch started",
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("grpc", cfg.Server.GRPCAddr),
		zap.Strings("tenants", st.tenants.TenantIDs()),
		zap.String("policy_hash", st.access.PolicyHash()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(os.Stderr, "\nShutting down tenantwatch...")
	return nil
}
