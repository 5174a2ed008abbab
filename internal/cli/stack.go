package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/access"
	"github.com/ppiankov/tenantwatch/internal/alert"
	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/config"
	"github.com/ppiankov/tenantwatch/internal/filter"
	"github.com/ppiankov/tenantwatch/internal/isolation"
	"github.com/ppiankov/tenantwatch/internal/metrics"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
	"github.com/ppiankov/tenantwatch/internal/ratelimit"
	"github.com/ppiankov/tenantwatch/internal/sanitize"
	"github.com/ppiankov/tenantwatch/internal/tenant"
)

// stack is every component of one pipeline, assembled from config.
type stack struct {
	cfg       *config.Config
	logger    *zap.Logger
	tenants   *tenant.Registry
	access    *access.Engine
	sanitizer *sanitize.Sanitizer
	filter    *filter.Filter
	audit     *audit.Logger
	metrics   *metrics.Metrics
	orch      *pipeline.Orchestrator
	redis     *redis.Client
	sqlite    *audit.SQLiteSink

	closers []func() error
}

// stackOptions selects the optional parts of a stack.
type stackOptions struct {
	// sinks opens the journal, SQLite and Redis sinks and the alert webhooks.
	sinks bool
	// limiter enables per-tenant rate limiting.
	limiter bool
}

func buildStack(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts stackOptions) (*stack, error) {
	s := &stack{cfg: cfg, logger: logger, metrics: metrics.New()}
	if err := s.build(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stack) build(ctx context.Context, opts stackOptions) error {
	cfg := s.cfg
	var err error

	if s.tenants, err = loadTenants(cfg.Tenants, s.logger); err != nil {
		return err
	}

	auditOpts := []audit.Option{
		audit.WithZap(s.logger),
		audit.WithSinkErrorHandler(func(sink string, err error) {
			s.metrics.IncSinkFailure(sink)
		}),
	}
	if opts.sinks {
		sinks, err := s.openSinks(ctx)
		if err != nil {
			return err
		}
		auditOpts = append(auditOpts, audit.WithSinks(sinks...))
		if d := alert.NewDispatcher(cfg.Audit.Alerts); d != nil {
			d.OnError(func(a alert.AlertConfig, err error) {
				s.logger.Warn("alert delivery failed", zap.String("url", a.URL), zap.Error(err))
			})
			auditOpts = append(auditOpts, audit.WithAlerts(d))
		}
	}
	s.audit = audit.NewLogger(cfg.AuditSettings(), auditOpts...)
	s.closers = append(s.closers, s.audit.Close)
	if s.sqlite != nil {
		if err := s.restore(ctx, s.sqlite); err != nil {
			s.logger.Warn("audit restore failed", zap.Error(err))
		}
	}

	policy := access.DefaultPolicy()
	if cfg.Access.RolesFile != "" {
		if policy, err = access.LoadPolicy(cfg.Access.RolesFile); err != nil {
			return err
		}
	}
	if s.access, err = access.NewEngine(policy, access.WithAuditor(s.audit), access.WithLogger(s.logger)); err != nil {
		return err
	}

	patterns, err := sanitize.LoadPatternConfig(cfg.Sanitizer.PatternsFile)
	if err != nil {
		return err
	}
	if len(cfg.Sanitizer.OrgPhrases) > 0 {
		if patterns == nil {
			patterns = &sanitize.PatternConfig{}
		}
		patterns.Phrases = append(patterns.Phrases, cfg.Sanitizer.OrgPhrases...)
	}
	rules, err := sanitize.CompileRules(patterns)
	if err != nil {
		return fmt.Errorf("sanitizer patterns: %w", err)
	}
	s.sanitizer = sanitize.New(sanitize.WithRules(rules...), sanitize.WithLogger(s.logger))
	s.filter = filter.New(filter.WithLogger(s.logger))

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(s.logger),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithDefaultLevel(model.SanitizationLevel(cfg.Sanitizer.DefaultLevel)),
		pipeline.WithFilterLevel(model.SanitizationLevel(cfg.Filter.Level)),
	}
	if opts.limiter {
		if l := s.limiter(); l != nil {
			pipeOpts = append(pipeOpts, pipeline.WithLimiter(l))
		}
	}
	s.orch, err = pipeline.New(pipeline.Components{
		Tenants:   s.tenants,
		Access:    s.access,
		Isolation: isolation.NewValidator(s.tenants, nil),
		Sanitizer: s.sanitizer,
		Filter:    s.filter,
		Audit:     s.audit,
	}, pipeOpts...)
	return err
}

func loadTenants(tc config.TenantsConfig, logger *zap.Logger) (*tenant.Registry, error) {
	opts := []tenant.Option{
		tenant.WithLogger(logger),
		tenant.WithAllowUnregistered(tc.AllowUnregistered),
	}
	if tc.File == "" {
		return tenant.NewRegistry(nil, opts...)
	}
	f, err := tenant.LoadFile(tc.File)
	if err != nil {
		return nil, err
	}
	opts = append(opts, tenant.WithFallback(f.Default))
	return tenant.NewRegistry(f.Tenants, opts...)
}

func (s *stack) openSinks(ctx context.Context) (sinks []audit.Sink, err error) {
	ac := s.cfg.Audit
	defer func() {
		if err != nil {
			for _, sink := range sinks {
				sink.Close()
			}
		}
	}()

	if ac.JournalPath != "" {
		j, err := audit.OpenJournal(ac.JournalPath)
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, j)
	}

	if ac.SQLitePath != "" {
		db, err := audit.OpenSQLite(ac.SQLitePath)
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, db)
		s.sqlite = db
	}

	if ac.RedisAddr != "" {
		client, err := s.redisClient(ctx)
		if err != nil {
			return sinks, err
		}
		sinks = append(sinks, audit.NewRedisSink(client, audit.RedisSinkConfig{
			Stream: ac.RedisStream,
			TTL:    ac.Retention,
		}))
	}
	return sinks, nil
}

// restore replays the retention window from SQLite into memory so analytics
// and health survive restarts.
func (s *stack) restore(ctx context.Context, db *audit.SQLiteSink) error {
	events, err := db.Recent(ctx, time.Now().Add(-s.cfg.Audit.Retention))
	if err != nil {
		return err
	}
	if n := s.audit.Restore(events); n > 0 {
		s.logger.Info("audit events restored", zap.Int("count", n))
	}
	return nil
}

func (s *stack) redisClient(ctx context.Context) (*redis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	client := redis.NewClient(&redis.Options{Addr: s.cfg.Audit.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", s.cfg.Audit.RedisAddr, err)
	}
	s.redis = client
	s.closers = append(s.closers, client.Close)
	return client, nil
}

func (s *stack) limiter() ratelimit.Limiter {
	rl, ok := s.cfg.RateLimits()
	if !ok {
		return nil
	}
	if s.cfg.RateLimit.Distributed && s.redis != nil {
		return ratelimit.NewRedis(s.redis, rl, s.logger)
	}
	return ratelimit.NewLocal(rl)
}

// Close releases sinks and connections in reverse order.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
