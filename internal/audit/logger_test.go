package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/tenantwatch/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLogger(t *testing.T, opts ...Option) (*Logger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithZap(zaptest.NewLogger(t)), WithClock(clock.Now)}, opts...)
	return NewLogger(DefaultConfig(), opts...), clock
}

func violationEvent(tenant, user string, sev model.Severity) Event {
	e := NewEvent(EventIsolationViolation,
		model.SecurityContext{UserID: user, TenantID: tenant, Role: model.RoleDriver},
		model.OperationDescriptor{Name: "ai.chat", Category: model.CategoryCustomerService})
	e.Outcome = OutcomeDenied
	e.Violations = []model.Violation{{Type: model.ViolationCrossTenantAccess, Severity: sev}}
	return e
}

func TestLogAssignsIDAndScore(t *testing.T) {
	l, _ := newTestLogger(t)

	id := l.Log(context.Background(), violationEvent("T1", "u1", model.SeverityCritical))
	require.NotEmpty(t, id)

	ev, ok := l.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.SeverityCritical, ev.Severity)
	assert.InDelta(t, 3.0, ev.RiskScore, 0.001)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestLogKeepsReservedIDAndReplacesDuplicates(t *testing.T) {
	l, _ := newTestLogger(t)
	reserved := NewID()

	e := violationEvent("T1", "u1", model.SeverityHigh)
	e.ID = reserved
	assert.Equal(t, reserved, l.Log(context.Background(), e))
	assert.NotEqual(t, reserved, l.Log(context.Background(), e))
}

func TestScoreIsClamped(t *testing.T) {
	e := violationEvent("T1", "u1", model.SeverityCritical)
	for i := 0; i < 5; i++ {
		e.Violations = append(e.Violations, model.Violation{Severity: model.SeverityCritical})
	}
	e.Input = &InputSummary{RiskLevel: model.SeverityCritical}
	assert.Equal(t, 10.0, Score(&e))

	empty := Event{}
	assert.Equal(t, 0.0, Score(&empty))
}

func TestConcurrentLogProducesUniqueIDs(t *testing.T) {
	l, _ := newTestLogger(t)

	var wg sync.WaitGroup
	ids := make(chan string, 400)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ids <- l.Log(context.Background(), violationEvent(fmt.Sprintf("T%d", i), "u", model.SeverityLow))
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, 400)
	assert.Equal(t, 400, l.Len())
}

func TestQueryNewestFirstWithPagination(t *testing.T) {
	l, clock := newTestLogger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Log(ctx, violationEvent("T1", "u1", model.SeverityLow))
		clock.Advance(time.Minute)
	}
	l.Log(ctx, violationEvent("T2", "u2", model.SeverityHigh))

	page := l.Query(Filter{TenantID: "T1", Limit: 2})
	require.Len(t, page.Events, 2)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)
	assert.True(t, page.Events[0].Timestamp.After(page.Events[1].Timestamp))

	last := l.Query(Filter{TenantID: "T1", Limit: 2, Offset: 4})
	require.Len(t, last.Events, 1)
	assert.False(t, last.HasMore)

	high := l.Query(Filter{MinSeverity: model.SeverityHigh})
	require.Len(t, high.Events, 1)
	assert.Equal(t, "T2", high.Events[0].TenantID)

	none := l.Query(Filter{UserID: "nobody"})
	assert.Empty(t, none.Events)
	assert.Equal(t, 0, none.Total)
}

func TestQueryLimitBounds(t *testing.T) {
	l, _ := newTestLogger(t)
	page := l.Query(Filter{Limit: 10000})
	assert.Equal(t, maxLimit, page.Limit)
	page = l.Query(Filter{})
	assert.Equal(t, defaultLimit, page.Limit)
}

func TestPurgeDropsOldEventsAndIndexes(t *testing.T) {
	l, clock := newTestLogger(t)
	ctx := context.Background()
	oldID := l.Log(ctx, violationEvent("T1", "u1", model.SeverityLow))
	clock.Advance(48 * time.Hour)
	newID := l.Log(ctx, violationEvent("T1", "u1", model.SeverityLow))

	removed := l.Purge(ctx, clock.Now().Add(-24*time.Hour))
	assert.Equal(t, 1, removed)

	_, ok := l.Get(oldID)
	assert.False(t, ok)
	_, ok = l.Get(newID)
	assert.True(t, ok)
	assert.Equal(t, 1, l.Query(Filter{TenantID: "T1"}).Total)
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Write(context.Context, *Event) error {
	f.calls++
	return errors.New("disk full")
}
func (f *failingSink) Close() error { return nil }

func TestSinkFailureKeepsLocalRecord(t *testing.T) {
	sink := &failingSink{}
	var failures []string
	l, _ := newTestLogger(t, WithSinks(sink), WithSinkErrorHandler(func(name string, _ error) {
		failures = append(failures, name)
	}))

	id := l.Log(context.Background(), violationEvent("T1", "u1", model.SeverityLow))
	_, ok := l.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, []string{"failing"}, failures)
}

func TestLoggedEventIsImmutable(t *testing.T) {
	l, _ := newTestLogger(t)
	e := violationEvent("T1", "u1", model.SeverityLow)
	id := l.Log(context.Background(), e)

	e.Violations[0].Description = "mutated"
	got, _ := l.Get(id)
	assert.Empty(t, got.Violations[0].Description)

	got.Violations[0].Description = "mutated again"
	again, _ := l.Get(id)
	assert.Empty(t, again.Violations[0].Description)
}

func TestRestoreSkipsDuplicates(t *testing.T) {
	l, _ := newTestLogger(t)
	e := violationEvent("T1", "u1", model.SeverityLow)
	e.ID = "evt-1"
	e.Timestamp = time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)

	assert.Equal(t, 1, l.Restore([]Event{e, e}))
	assert.Equal(t, 1, l.Len())
}

func TestStartAndClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.HealthInterval = 10 * time.Millisecond
	l := NewLogger(cfg, WithZap(zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, HealthExcellent, l.Health().Status)
}
