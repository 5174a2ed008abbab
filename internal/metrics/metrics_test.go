package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGather(t *testing.T) {
	m := New()
	reg, err := NewRegistry(m)
	require.NoError(t, err)

	m.IncRequest("allowed", "")
	m.IncViolation("cross_tenant_access", "critical")
	m.IncCensor("credit_card")
	m.IncSinkFailure("redis")
	m.ObserveStage("sanitize", 0.002)
	m.IncRateLimited("T1")

	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		MetricRequestsTotal, MetricViolationsTotal, MetricCensorsTotal,
		MetricSinkFailuresTotal, MetricStageDuration, MetricRateLimitedTotal,
	} {
		assert.True(t, found[name], name)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncRequest("denied", "ACCESS_DENIED")
	m.IncRequest("denied", "ACCESS_DENIED")
	m.IncCensor("ssn")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("denied", "ACCESS_DENIED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.censors.WithLabelValues("ssn")))
}

func TestDoubleRegisterFails(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRequest("allowed", "")
		m.IncViolation("x", "low")
		m.IncCensor("x")
		m.IncSinkFailure("x")
		m.IncRateLimited("x")
		m.ObserveStage("x", 1)
	})
}
