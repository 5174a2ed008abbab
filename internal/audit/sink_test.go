package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/tenantwatch/internal/model"
)

func TestRedisSinkWritesStreamAndBody(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, RedisSinkConfig{Stream: "audit-test", TTL: time.Hour})
	ctx := context.Background()
	ev := journalEvent("evt-1", "T1")
	require.NoError(t, sink.Write(ctx, ev))

	n, err := client.XLen(ctx, "audit-test").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.True(t, mr.Exists(sink.EventKey("evt-1")))
	assert.Greater(t, mr.TTL(sink.EventKey("evt-1")), time.Duration(0))

	got, err := sink.Fetch(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TenantID)
	assert.Equal(t, model.SeverityCritical, got.Severity)
}

func TestRedisSinkFailureIsReported(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	sink := NewRedisSink(client, RedisSinkConfig{})
	assert.Error(t, sink.Write(context.Background(), journalEvent("evt-1", "T1")))
}

func TestSQLiteSinkWritePurgeRecent(t *testing.T) {
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer sink.Close()
	ctx := context.Background()

	old := journalEvent("old", "T1")
	old.Timestamp = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := journalEvent("fresh", "T1")

	require.NoError(t, sink.Write(ctx, old))
	require.NoError(t, sink.Write(ctx, fresh))
	require.NoError(t, sink.Write(ctx, fresh)) // ignored duplicate

	n, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := sink.Purge(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	recent, err := sink.Recent(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].ID)
	assert.Len(t, recent[0].Violations, 1)
}

func TestLoggerPurgeReachesSQLite(t *testing.T) {
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)

	l, clock := newTestLogger(t, WithSinks(sink))
	ctx := context.Background()
	l.Log(ctx, violationEvent("T1", "u1", model.SeverityLow))
	clock.Advance(48 * time.Hour)
	l.Log(ctx, violationEvent("T1", "u1", model.SeverityLow))

	l.Purge(ctx, clock.Now().Add(-24*time.Hour))
	n, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, l.Close())
}
