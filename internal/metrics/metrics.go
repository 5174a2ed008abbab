// Package metrics holds the Prometheus collectors for the security pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metric names.
const (
	MetricRequestsTotal     = "tenantwatch_requests_total"
	MetricViolationsTotal   = "tenantwatch_violations_total"
	MetricCensorsTotal      = "tenantwatch_censors_total"
	MetricSinkFailuresTotal = "tenantwatch_audit_sink_failures_total"
	MetricStageDuration     = "tenantwatch_stage_duration_seconds"
	MetricRateLimitedTotal  = "tenantwatch_rate_limited_total"
)

// Metrics contains the pipeline's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	violations   *prometheus.CounterVec
	censors      *prometheus.CounterVec
	sinkFailures *prometheus.CounterVec
	stages       *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRequestsTotal,
				Help: "Pipeline invocations by outcome and error code",
			},
			[]string{"outcome", "code"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricViolationsTotal,
				Help: "Security violations detected by type and severity",
			},
			[]string{"type", "severity"},
		),
		censors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCensorsTotal,
				Help: "Response filter censors applied",
			},
			[]string{"censor"},
		),
		sinkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSinkFailuresTotal,
				Help: "Audit sink write failures",
			},
			[]string{"sink"},
		),
		stages: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricStageDuration,
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitedTotal,
				Help: "Requests rejected by the per-tenant rate limiter",
			},
			[]string{"tenant"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requests, m.violations, m.censors, m.sinkFailures, m.stages, m.rateLimited}
}

// NewRegistry returns a registry with m and the Go/process collectors.
func NewRegistry(m *Metrics) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if m != nil {
		if err := m.Register(reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (m *Metrics) IncRequest(outcome, code string) {
	if m != nil {
		m.requests.WithLabelValues(outcome, code).Inc()
	}
}

func (m *Metrics) IncViolation(typ, severity string) {
	if m != nil {
		m.violations.WithLabelValues(typ, severity).Inc()
	}
}

func (m *Metrics) IncCensor(name string) {
	if m != nil {
		m.censors.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) IncSinkFailure(sink string) {
	if m != nil {
		m.sinkFailures.WithLabelValues(sink).Inc()
	}
}

func (m *Metrics) IncRateLimited(tenant string) {
	if m != nil {
		m.rateLimited.WithLabelValues(tenant).Inc()
	}
}

// ObserveStage records a stage duration sample.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m != nil {
		m.stages.WithLabelValues(stage).Observe(seconds)
	}
}
