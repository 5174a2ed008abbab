package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFor(t *testing.T) {
	cfg := Config{
		Default: TenantLimit{RequestsPerSecond: 5},
		Tenants: map[string]TenantLimit{"T1": {RequestsPerSecond: 50, Burst: 100}},
	}
	assert.Equal(t, 50.0, cfg.For("T1").RequestsPerSecond)
	assert.Equal(t, 5.0, cfg.For("T2").RequestsPerSecond)
	assert.True(t, cfg.Enabled())
	assert.False(t, Config{}.Enabled())
}

func TestLocalBurstThenDeny(t *testing.T) {
	l := NewLocal(Config{Default: TenantLimit{RequestsPerSecond: 1, Burst: 2}})
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "T1").Allowed)
	assert.True(t, l.Allow(ctx, "T1").Allowed)
	res := l.Allow(ctx, "T1")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// buckets are per tenant
	assert.True(t, l.Allow(ctx, "T2").Allowed)
	assert.Equal(t, 2, l.Len())
}

func TestLocalUnlimited(t *testing.T) {
	l := NewLocal(Config{})
	for range 100 {
		require.True(t, l.Allow(context.Background(), "T1").Allowed)
	}
	assert.Zero(t, l.Len())
}

func TestLocalTenantOverride(t *testing.T) {
	l := NewLocal(Config{
		Default: TenantLimit{RequestsPerSecond: 1, Burst: 1},
		Tenants: map[string]TenantLimit{"big": {RequestsPerSecond: 100, Burst: 10}},
	})
	ctx := context.Background()
	for range 10 {
		require.True(t, l.Allow(ctx, "big").Allowed)
	}
	assert.True(t, l.Allow(ctx, "small").Allowed)
	assert.False(t, l.Allow(ctx, "small").Allowed)
}

func TestLocalBoundsBuckets(t *testing.T) {
	l := NewLocal(Config{Default: TenantLimit{RequestsPerSecond: 1}, MaxTenants: 2})
	ctx := context.Background()
	l.Allow(ctx, "a")
	l.Allow(ctx, "b")
	l.Allow(ctx, "c")
	assert.Equal(t, 1, l.Len())
}

func TestLocalReset(t *testing.T) {
	l := NewLocal(Config{Default: TenantLimit{RequestsPerSecond: 1, Burst: 1}})
	ctx := context.Background()
	l.Allow(ctx, "T1")
	require.False(t, l.Allow(ctx, "T1").Allowed)

	l.Reset(Config{Default: TenantLimit{RequestsPerSecond: 1, Burst: 1}})
	assert.True(t, l.Allow(ctx, "T1").Allowed)
}

func TestRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedis(client, Config{Default: TenantLimit{RequestsPerSecond: 2}}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	first := r.Allow(ctx, "T1")
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	assert.True(t, r.Allow(ctx, "T1").Allowed)

	denied := r.Allow(ctx, "T1")
	assert.False(t, denied.Allowed)
	assert.Equal(t, 750*time.Millisecond, denied.RetryAfter)

	assert.True(t, r.Allow(ctx, "T2").Allowed)

	now = now.Add(time.Second)
	assert.True(t, r.Allow(ctx, "T1").Allowed)
}

func TestRedisFallsBackToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	r := NewRedis(client, Config{Default: TenantLimit{RequestsPerSecond: 1, Burst: 1}}, nil)
	ctx := context.Background()
	assert.True(t, r.Allow(ctx, "T1").Allowed)
	assert.False(t, r.Allow(ctx, "T1").Allowed)
	assert.Equal(t, 1, r.fallback.Len())
}
