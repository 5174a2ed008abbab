package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/tenantwatch/internal/model"
)

func TestHealthExcellentWhenQuiet(t *testing.T) {
	l, _ := newTestLogger(t)
	r := l.EvaluateHealth()
	assert.Equal(t, HealthExcellent, r.Status)
	assert.Empty(t, r.Recommendations)
}

func TestHealthGoodWithFewViolations(t *testing.T) {
	l, _ := newTestLogger(t)
	l.Log(context.Background(), violationEvent("T1", "u1", model.SeverityLow))
	assert.Equal(t, HealthGood, l.EvaluateHealth().Status)
}

func TestHealthCriticalAndRecommendations(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := violationEvent("T9", "mallory", model.SeverityCritical)
		e.Violations = append(e.Violations,
			model.Violation{Type: model.ViolationDataLeakage, Severity: model.SeverityCritical},
			model.Violation{Type: model.ViolationBoundaryBreach, Severity: model.SeverityHigh})
		l.Log(ctx, e)
	}

	r := l.EvaluateHealth()
	assert.Equal(t, HealthCritical, r.Status)
	require.NotEmpty(t, r.FlaggedUsers)
	assert.Equal(t, "mallory", r.FlaggedUsers[0].ID)
	require.NotEmpty(t, r.FlaggedTenants)
	assert.Equal(t, "T9", r.FlaggedTenants[0].ID)
	assert.GreaterOrEqual(t, len(r.Recommendations), 3)

	assert.Equal(t, HealthCritical, l.Health().Status)
}

func TestHealthIgnoresEventsOlderThanAnHour(t *testing.T) {
	l, clock := newTestLogger(t)
	l.Log(context.Background(), violationEvent("T1", "u1", model.SeverityCritical))
	clock.Advance(2 * time.Hour)
	assert.Equal(t, HealthExcellent, l.EvaluateHealth().Status)
}

func TestAnalyticsDay(t *testing.T) {
	l, clock := newTestLogger(t)
	ctx := context.Background()

	l.Log(ctx, violationEvent("T1", "u1", model.SeverityHigh))
	clock.Advance(time.Hour)
	l.Log(ctx, violationEvent("T1", "u2", model.SeverityLow))
	req := NewEvent(EventRequest, model.SecurityContext{TenantID: "T2", UserID: "u3"}, model.OperationDescriptor{Name: "ai.chat"})
	req.Outcome = OutcomeAllowed
	req.Timings.TotalMS = 40
	req.Input = &InputSummary{RiskLevel: model.SeverityLow, RedactedFields: []string{"ssn"}, Safe: true}
	l.Log(ctx, req)
	clock.Advance(time.Minute)

	r := l.Analytics(TimeframeDay)
	assert.Equal(t, 3, r.TotalEvents)
	assert.Equal(t, 2, r.ViolationCount)
	assert.Equal(t, 2, r.EventsByType[string(EventIsolationViolation)])
	require.NotEmpty(t, r.TopViolationTypes)
	assert.Equal(t, string(model.ViolationCrossTenantAccess), r.TopViolationTypes[0].Key)
	assert.Equal(t, "T1", r.TopTenants[0].Key)
	assert.Equal(t, 1, r.SanitizedRequests)
	assert.Len(t, r.TimeSeries, 24)
	assert.InDelta(t, 40.0/3.0, r.AverageDurationMS, 0.001)

	total := 0
	for _, b := range r.TimeSeries {
		total += b.Events
	}
	assert.Equal(t, 3, total)
}

func TestAnalyticsBucketCounts(t *testing.T) {
	l, _ := newTestLogger(t)
	assert.Len(t, l.Analytics(TimeframeHour).TimeSeries, 12)
	assert.Len(t, l.Analytics(TimeframeWeek).TimeSeries, 7)
	assert.Len(t, l.Analytics(TimeframeMonth).TimeSeries, 30)
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("")
	require.NoError(t, err)
	assert.Equal(t, TimeframeDay, tf)

	_, err = ParseTimeframe("year")
	assert.Error(t, err)
}
