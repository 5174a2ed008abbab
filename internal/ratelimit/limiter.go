// Package ratelimit throttles pipeline requests per tenant.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TenantLimit is a token bucket for one tenant. Zero RequestsPerSecond means
// no limit.
type TenantLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" koanf:"requests_per_second"`
	Burst             int     `yaml:"burst" koanf:"burst"`
}

// Config maps tenants to limits. Tenants without an entry use Default.
type Config struct {
	Default TenantLimit            `yaml:"default" koanf:"default"`
	Tenants map[string]TenantLimit `yaml:"tenants" koanf:"tenants"`
	// MaxTenants bounds the number of live buckets; 0 means 10000.
	MaxTenants int `yaml:"max_tenants" koanf:"max_tenants"`
}

// For returns the limit that applies to tenantID.
func (c Config) For(tenantID string) TenantLimit {
	if l, ok := c.Tenants[tenantID]; ok {
		return l
	}
	return c.Default
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	if c.Default.RequestsPerSecond > 0 {
		return true
	}
	for _, l := range c.Tenants {
		if l.RequestsPerSecond > 0 {
			return true
		}
	}
	return false
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      float64
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a tenant may make another request.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) Result
}

// Local keeps one token bucket per tenant in memory.
type Local struct {
	cfg      Config
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocal creates an in-memory limiter.
func NewLocal(cfg Config) *Local {
	if cfg.MaxTenants <= 0 {
		cfg.MaxTenants = 10000
	}
	return &Local{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes one token from the tenant's bucket.
func (l *Local) Allow(_ context.Context, tenantID string) Result {
	tl := l.cfg.For(tenantID)
	if tl.RequestsPerSecond <= 0 {
		return Result{Allowed: true, Limit: math.Inf(1), Remaining: -1}
	}

	lim := l.limiter(tenantID, tl)
	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return Result{Allowed: false, Limit: tl.RequestsPerSecond, RetryAfter: delay}
	}
	return Result{
		Allowed:   true,
		Limit:     tl.RequestsPerSecond,
		Remaining: max(int(lim.Tokens()), 0),
	}
}

func (l *Local) limiter(tenantID string, tl TenantLimit) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[tenantID]
	if !ok {
		// drop every bucket rather than grow without bound
		if len(l.limiters) >= l.cfg.MaxTenants {
			l.limiters = make(map[string]*rate.Limiter)
		}
		burst := tl.Burst
		if burst <= 0 {
			burst = max(int(math.Ceil(tl.RequestsPerSecond)), 1)
		}
		lim = rate.NewLimiter(rate.Limit(tl.RequestsPerSecond), burst)
		l.limiters[tenantID] = lim
	}
	return lim
}

// Len returns the number of live buckets.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Reset drops every bucket, for example after a config reload.
func (l *Local) Reset(cfg Config) {
	if cfg.MaxTenants <= 0 {
		cfg.MaxTenants = 10000
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.limiters = make(map[string]*rate.Limiter)
}
