package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/tenantwatch/internal/model"
)

// Timeframe selects the analytics window.
type Timeframe string

const (
	TimeframeHour  Timeframe = "hour"
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

// ParseTimeframe validates a timeframe string; empty means day.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case "":
		return TimeframeDay, nil
	case TimeframeHour, TimeframeDay, TimeframeWeek, TimeframeMonth:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("audit: unknown timeframe %q", s)
}

// window returns the total span and the bucket width.
func (t Timeframe) window() (time.Duration, time.Duration) {
	switch t {
	case TimeframeHour:
		return time.Hour, 5 * time.Minute
	case TimeframeWeek:
		return 7 * 24 * time.Hour, 24 * time.Hour
	case TimeframeMonth:
		return 30 * 24 * time.Hour, 24 * time.Hour
	default:
		return 24 * time.Hour, time.Hour
	}
}

// Count is a labelled counter.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Bucket is one time-series slot.
type Bucket struct {
	Start      time.Time `json:"start"`
	Events     int       `json:"events"`
	Violations int       `json:"violations"`
}

// Report aggregates events over a timeframe.
type Report struct {
	Timeframe         Timeframe      `json:"timeframe"`
	From              time.Time      `json:"from"`
	To                time.Time      `json:"to"`
	TotalEvents       int            `json:"total_events"`
	EventsByType      map[string]int `json:"events_by_type"`
	ViolationCount    int            `json:"violation_count"`
	TopViolationTypes []Count        `json:"top_violation_types"`
	TopTenants        []Count        `json:"top_tenants"`
	TopUsers          []Count        `json:"top_users"`
	HighRiskEvents    int            `json:"high_risk_events"`
	AverageRiskScore  float64        `json:"average_risk_score"`
	AverageDurationMS float64        `json:"average_duration_ms"`
	MaxDurationMS     float64        `json:"max_duration_ms"`
	SanitizedRequests int            `json:"sanitized_requests"`
	FilteredResponses int            `json:"filtered_responses"`
	SeverityBreakdown map[string]int `json:"severity_breakdown"`
	TimeSeries        []Bucket       `json:"time_series"`
}

const topN = 10

// Analytics aggregates retained events inside the timeframe ending now.
func (a *Logger) Analytics(tf Timeframe) Report {
	span, width := tf.window()
	to := a.now().UTC()
	from := to.Add(-span)
	n := int(span / width)

	r := Report{
		Timeframe:         tf,
		From:              from,
		To:                to,
		EventsByType:      map[string]int{},
		SeverityBreakdown: map[string]int{},
		TimeSeries:        make([]Bucket, n),
	}
	for i := range r.TimeSeries {
		r.TimeSeries[i].Start = from.Add(time.Duration(i) * width)
	}

	violationTypes := map[string]int{}
	tenants := map[string]int{}
	users := map[string]int{}
	var riskSum, durSum float64

	a.mu.RLock()
	for _, ev := range a.events {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
			continue
		}
		r.TotalEvents++
		r.EventsByType[string(ev.Type)]++
		r.SeverityBreakdown[string(ev.Severity)]++
		violations := ev.TalliedViolations()
		r.ViolationCount += len(violations)
		for _, v := range violations {
			violationTypes[string(v.Type)]++
		}
		if ev.TenantID != "" {
			tenants[ev.TenantID]++
		}
		if ev.UserID != "" {
			users[ev.UserID]++
		}
		if ev.RiskScore >= HighRiskScore {
			r.HighRiskEvents++
		}
		if ev.Input != nil && (len(ev.Input.RedactedFields) > 0 || len(ev.Input.AnonymizedFields) > 0) {
			r.SanitizedRequests++
		}
		if ev.Output != nil && len(ev.Output.CensorsApplied) > 0 {
			r.FilteredResponses++
		}
		riskSum += ev.RiskScore
		durSum += ev.Timings.TotalMS
		if ev.Timings.TotalMS > r.MaxDurationMS {
			r.MaxDurationMS = ev.Timings.TotalMS
		}

		idx := int(ev.Timestamp.Sub(from) / width)
		if idx >= n {
			idx = n - 1
		}
		r.TimeSeries[idx].Events++
		r.TimeSeries[idx].Violations += len(violations)
	}
	a.mu.RUnlock()

	if r.TotalEvents > 0 {
		r.AverageRiskScore = riskSum / float64(r.TotalEvents)
		r.AverageDurationMS = durSum / float64(r.TotalEvents)
	}
	r.TopViolationTypes = top(violationTypes, 5)
	r.TopTenants = top(tenants, topN)
	r.TopUsers = top(users, topN)
	return r
}

func top(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for k, v := range counts {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// severityOf is used by sinks that store severity as text.
func severityOf(ev *Event) string {
	if ev.Severity == "" {
		return string(model.SeverityLow)
	}
	return string(ev.Severity)
}
