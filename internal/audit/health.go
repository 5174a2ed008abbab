package audit

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/alert"
	"github.com/ppiankov/tenantwatch/internal/model"
)

// HealthStatus summarises recent security posture.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
)

// HighRiskScore is the event score at or above which an event counts as
// high risk.
const HighRiskScore = 7.0

// Thresholds are per-trailing-hour alert limits.
type Thresholds struct {
	CriticalViolations int `koanf:"critical_violations" yaml:"critical_violations"`
	Violations         int `koanf:"violations" yaml:"violations"`
	HighRiskEvents     int `koanf:"high_risk_events" yaml:"high_risk_events"`
	SystemErrors       int `koanf:"system_errors" yaml:"system_errors"`
	UserHighRisk       int `koanf:"user_high_risk" yaml:"user_high_risk"`
	TenantViolations   int `koanf:"tenant_violations" yaml:"tenant_violations"`
}

// DefaultThresholds returns the built-in alert limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalViolations: 5,
		Violations:         50,
		HighRiskEvents:     20,
		SystemErrors:       10,
		UserHighRisk:       3,
		TenantViolations:   5,
	}
}

// Flag names a user or tenant that needs review.
type Flag struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// HealthReport is the outcome of one health evaluation.
type HealthReport struct {
	Status             HealthStatus `json:"status"`
	GeneratedAt        time.Time    `json:"generated_at"`
	Window             string       `json:"window"`
	TotalEvents        int          `json:"total_events"`
	Violations         int          `json:"violations"`
	CriticalViolations int          `json:"critical_violations"`
	HighRiskEvents     int          `json:"high_risk_events"`
	SystemErrors       int          `json:"system_errors"`
	FlaggedUsers       []Flag       `json:"flagged_users,omitempty"`
	FlaggedTenants     []Flag       `json:"flagged_tenants,omitempty"`
	Recommendations    []string     `json:"recommendations"`
}

// EvaluateHealth computes health over the trailing hour, stores it as the
// latest report and alerts on transitions into warning or critical.
func (a *Logger) EvaluateHealth() HealthReport {
	now := a.now().UTC()
	since := now.Add(-time.Hour)
	th := a.cfg.Thresholds

	r := HealthReport{GeneratedAt: now, Window: "1h", Recommendations: []string{}}
	userRisk := map[string]int{}
	tenantViolations := map[string]int{}

	a.mu.RLock()
	for i := len(a.events) - 1; i >= 0; i-- {
		ev := a.events[i]
		if ev.Timestamp.Before(since) {
			break
		}
		r.TotalEvents++
		violations := ev.TalliedViolations()
		r.Violations += len(violations)
		for _, v := range violations {
			if v.Severity == model.SeverityCritical {
				r.CriticalViolations++
			}
		}
		if ev.Type == EventSystemError {
			r.SystemErrors++
		}
		if ev.RiskScore >= HighRiskScore {
			r.HighRiskEvents++
			if ev.UserID != "" {
				userRisk[ev.UserID]++
			}
		}
		if ev.TenantID != "" && len(violations) > 0 {
			tenantViolations[ev.TenantID] += len(violations)
		}
	}
	a.mu.RUnlock()

	switch {
	case r.CriticalViolations >= th.CriticalViolations || r.SystemErrors >= th.SystemErrors:
		r.Status = HealthCritical
	case r.Violations >= th.Violations || r.HighRiskEvents >= th.HighRiskEvents:
		r.Status = HealthWarning
	case r.Violations > 0 || r.SystemErrors > 0:
		r.Status = HealthGood
	default:
		r.Status = HealthExcellent
	}

	r.FlaggedUsers = flagged(userRisk, th.UserHighRisk)
	r.FlaggedTenants = flagged(tenantViolations, th.TenantViolations)
	for _, f := range r.FlaggedUsers {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("review user %s: %d high-risk events in the last hour", f.ID, f.Count))
	}
	for _, f := range r.FlaggedTenants {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("investigate tenant %s: %d violations in the last hour", f.ID, f.Count))
	}
	if r.CriticalViolations >= th.CriticalViolations {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("%d critical violations in the last hour; check for cross-tenant probing", r.CriticalViolations))
	}
	if r.SystemErrors >= th.SystemErrors {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("%d system errors in the last hour; check downstream availability", r.SystemErrors))
	}

	a.healthMu.Lock()
	prev := a.lastHealth
	a.lastHealth = &r
	a.healthMu.Unlock()

	if r.Status == HealthWarning || r.Status == HealthCritical {
		if prev == nil || prev.Status != r.Status {
			a.logger.Warn("audit health degraded",
				zap.String("status", string(r.Status)),
				zap.Int("violations", r.Violations),
				zap.Int("critical_violations", r.CriticalViolations))
			if a.alerts != nil {
				a.alerts.Dispatch(alert.AlertEvent{
					Timestamp: now.Format(time.RFC3339),
					Type:      "health_" + string(r.Status),
					Severity:  healthSeverity(r.Status),
					Reason:    fmt.Sprintf("%d violations, %d critical, %d system errors in the last hour", r.Violations, r.CriticalViolations, r.SystemErrors),
				})
			}
		}
	}
	return r
}

// Health returns the latest report, evaluating once if none exists yet.
func (a *Logger) Health() HealthReport {
	a.healthMu.RLock()
	r := a.lastHealth
	a.healthMu.RUnlock()
	if r == nil {
		return a.EvaluateHealth()
	}
	return *r
}

func flagged(counts map[string]int, min int) []Flag {
	var out []Flag
	for id, n := range counts {
		if n >= min {
			out = append(out, Flag{ID: id, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func healthSeverity(s HealthStatus) string {
	if s == HealthCritical {
		return string(model.SeverityCritical)
	}
	return string(model.SeverityHigh)
}
