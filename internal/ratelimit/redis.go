package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a fixed one-second window limiter shared by every replica.
// When Redis is unreachable it falls back to a local bucket.
type Redis struct {
	client   redis.UniversalClient
	cfg      Config
	prefix   string
	fallback *Local
	logger   *zap.Logger
	now      func() time.Time
}

// NewRedis creates a distributed limiter.
func NewRedis(client redis.UniversalClient, cfg Config, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:   client,
		cfg:      cfg,
		prefix:   "tenantwatch:ratelimit:",
		fallback: NewLocal(cfg),
		logger:   logger,
		now:      time.Now,
	}
}

// Allow counts the request in the current window.
func (r *Redis) Allow(ctx context.Context, tenantID string) Result {
	tl := r.cfg.For(tenantID)
	if tl.RequestsPerSecond <= 0 {
		return Result{Allowed: true, Limit: math.Inf(1), Remaining: -1}
	}

	now := r.now()
	window := now.Truncate(time.Second)
	key := fmt.Sprintf("%s%s:%d", r.prefix, tenantID, window.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("redis rate limiter unavailable, using local limiter",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return r.fallback.Allow(ctx, tenantID)
	}

	limit := tl.Burst
	if limit <= 0 {
		limit = max(int(math.Ceil(tl.RequestsPerSecond)), 1)
	}
	count := int(incr.Val())
	if count > limit {
		return Result{
			Allowed:    false,
			Limit:      tl.RequestsPerSecond,
			RetryAfter: window.Add(time.Second).Sub(now),
		}
	}
	return Result{Allowed: true, Limit: tl.RequestsPerSecond, Remaining: limit - count}
}
