// Package config loads tenantwatch settings from defaults, an optional YAML
// file and TENANTWATCH_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"

	"github.com/ppiankov/tenantwatch/internal/alert"
	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/ratelimit"
)

// EnvPrefix marks environment overrides: TENANTWATCH_AUDIT_RETENTION sets
// audit.retention.
const EnvPrefix = "TENANTWATCH_"

// sections are the top-level keys that own nested settings.
var sections = []string{"server", "tenants", "access", "sanitizer", "filter", "audit", "rate_limit"}

type Config struct {
	LogLevel string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Tenants   TenantsConfig   `koanf:"tenants"`
	Access    AccessConfig    `koanf:"access"`
	Sanitizer SanitizerConfig `koanf:"sanitizer"`
	Filter    FilterConfig    `koanf:"filter"`
	Audit     AuditConfig     `koanf:"audit"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	UpstreamURL     string        `koanf:"upstream_url"`
	UpstreamTimeout time.Duration `koanf:"upstream_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
}

type TenantsConfig struct {
	File              string `koanf:"file"`
	AllowUnregistered bool   `koanf:"allow_unregistered"`
	Watch             bool   `koanf:"watch"`
}

type AccessConfig struct {
	RolesFile string `koanf:"roles_file"`
}

type SanitizerConfig struct {
	PatternsFile string   `koanf:"patterns_file"`
	DefaultLevel string   `koanf:"default_level"`
	OrgPhrases   []string `koanf:"org_phrases"`
}

type FilterConfig struct {
	Level string `koanf:"level"`
}

type AuditConfig struct {
	JournalPath     string              `koanf:"journal_path"`
	SQLitePath      string              `koanf:"sqlite_path"`
	RedisAddr       string              `koanf:"redis_addr"`
	RedisStream     string              `koanf:"redis_stream"`
	Retention       time.Duration       `koanf:"retention"`
	CleanupInterval time.Duration       `koanf:"cleanup_interval"`
	HealthInterval  time.Duration       `koanf:"health_interval"`
	SinkTimeout     time.Duration       `koanf:"sink_timeout"`
	Alerts          []alert.AlertConfig `koanf:"alerts"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
	MaxTenants        int     `koanf:"max_tenants"`
	// Distributed shares buckets across replicas through audit.redis_addr.
	Distributed bool `koanf:"distributed"`
}

// Default returns the built-in settings.
func Default() *Config {
	ad := audit.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			ShutdownTimeout: 15 * time.Second,
			UpstreamTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Tenants: TenantsConfig{
			AllowUnregistered: true,
			Watch:             true,
		},
		Sanitizer: SanitizerConfig{DefaultLevel: string(model.LevelStandard)},
		Filter:    FilterConfig{Level: string(model.LevelStandard)},
		Audit: AuditConfig{
			RedisStream:     "tenantwatch:audit",
			Retention:       ad.Retention,
			CleanupInterval: ad.CleanupInterval,
			HealthInterval:  ad.HealthInterval,
			SinkTimeout:     ad.SinkTimeout,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// Load merges defaults, the YAML file at path (if path is non-empty) and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps TENANTWATCH_RATE_LIMIT_BURST to rate_limit.burst. Only the
// separator after the section name becomes a dot, so leaf keys keep their
// underscores.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sec := range sections {
		if strings.HasPrefix(key, sec+"_") {
			return sec + "." + strings.TrimPrefix(key, sec+"_")
		}
	}
	return key
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if !model.SanitizationLevel(c.Sanitizer.DefaultLevel).Valid() {
		errs = append(errs, fmt.Errorf("sanitizer.default_level: unknown level %q", c.Sanitizer.DefaultLevel))
	}
	if !model.SanitizationLevel(c.Filter.Level).Valid() {
		errs = append(errs, fmt.Errorf("filter.level: unknown level %q", c.Filter.Level))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit: values must not be negative"))
	}
	if c.RateLimit.Distributed && c.Audit.RedisAddr == "" {
		errs = append(errs, errors.New("rate_limit.distributed requires audit.redis_addr"))
	}
	if c.Audit.Retention <= 0 {
		errs = append(errs, errors.New("audit.retention must be positive"))
	}
	for i, a := range c.Audit.Alerts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("audit.alerts[%d]: url is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// AuditSettings converts the audit section for audit.NewLogger.
func (c *Config) AuditSettings() audit.Config {
	ac := audit.DefaultConfig()
	ac.Retention = c.Audit.Retention
	ac.CleanupInterval = c.Audit.CleanupInterval
	ac.HealthInterval = c.Audit.HealthInterval
	ac.SinkTimeout = c.Audit.SinkTimeout
	return ac
}

// RateLimits converts the rate_limit section. A zero rate disables limiting.
func (c *Config) RateLimits() (ratelimit.Config, bool) {
	if c.RateLimit.RequestsPerSecond == 0 {
		return ratelimit.Config{}, false
	}
	return ratelimit.Config{
		Default: ratelimit.TenantLimit{
			RequestsPerSecond: c.RateLimit.RequestsPerSecond,
			Burst:             c.RateLimit.Burst,
		},
		MaxTenants: c.RateLimit.MaxTenants,
	}, true
}
