package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/tenantwatch/internal/access"
	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/filter"
	"github.com/ppiankov/tenantwatch/internal/isolation"
	"github.com/ppiankov/tenantwatch/internal/metrics"
	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
	"github.com/ppiankov/tenantwatch/internal/ratelimit"
	"github.com/ppiankov/tenantwatch/internal/sanitize"
	"github.com/ppiankov/tenantwatch/internal/tenant"
)

type upstreamCapture struct {
	hits    atomic.Int32
	path    string
	headers http.Header
	body    upstreamRequest
}

func newUpstreamServer(t *testing.T, reply string) (*httptest.Server, *upstreamCapture) {
	t.Helper()
	c := &upstreamCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.hits.Add(1)
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

type testEnv struct {
	http    *httptest.Server
	audit   *audit.Logger
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, upstreamURL string, opts ...pipeline.Option) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg, err := tenant.NewRegistry([]*tenant.Profile{{
		TenantID: "T1", Organization: "Acme Freight", Tier: model.TierEnterprise,
		Classification: model.ClassConfidential, Features: []string{"*"}, Active: true,
	}}, tenant.WithLogger(logger))
	require.NoError(t, err)

	m := metrics.New()
	log := audit.NewLogger(audit.DefaultConfig(), audit.WithZap(logger),
		audit.WithSinkErrorHandler(func(sink string, _ error) { m.IncSinkFailure(sink) }))
	engine, err := access.NewEngine(access.DefaultPolicy(), access.WithAuditor(log))
	require.NoError(t, err)

	orch, err := pipeline.New(pipeline.Components{
		Tenants:   reg,
		Access:    engine,
		Isolation: isolation.NewValidator(reg, nil),
		Sanitizer: sanitize.New(),
		Filter:    filter.New(),
		Audit:     log,
	}, append([]pipeline.Option{pipeline.WithMetrics(m), pipeline.WithLogger(logger)}, opts...)...)
	require.NoError(t, err)

	up, err := NewUpstream(upstreamURL, 5*time.Second)
	require.NoError(t, err)

	promReg, err := metrics.NewRegistry(m)
	require.NoError(t, err)

	s := NewServer(Config{Addr: "127.0.0.1:0"}, orch, log, up, WithRegistry(promReg), WithLogger(logger))
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return &testEnv{http: ts, audit: log, metrics: m}
}

func (e *testEnv) post(t *testing.T, path, tenantID, role, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(pipeline.HeaderTenantID, tenantID)
	}
	req.Header.Set(pipeline.HeaderUserRole, role)
	req.Header.Set(pipeline.HeaderUserID, "u-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	return eb
}

func TestGatewayFiltersUpstreamResponse(t *testing.T) {
	up, capture := newUpstreamServer(t, "Your card 4111 1111 1111 1111 is on file.")
	env := newTestEnv(t, up.URL)

	resp := env.post(t, "/api/ai/analytics/summary", "T1", "admin", `{"prompt":"customer SSN 123-45-6789","model":"standard"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Your card [CREDIT_CARD_REDACTED] is on file.", readBody(t, resp))
	assert.Equal(t, "credit_card", resp.Header.Get(pipeline.HeaderCensorsApplied))
	assert.Equal(t, "true", resp.Header.Get(pipeline.HeaderResponseSafe))
	assert.Equal(t, "true", resp.Header.Get(pipeline.HeaderFilteringApplied))
	auditID := resp.Header.Get(pipeline.HeaderOutAuditID)
	assert.NotEmpty(t, auditID)

	require.Equal(t, int32(1), capture.hits.Load())
	assert.Equal(t, "/ai/analytics/summary", capture.path)
	assert.Equal(t, "true", capture.headers.Get(pipeline.HeaderSecurityValidated))
	assert.Equal(t, auditID, capture.headers.Get(pipeline.HeaderAuditID))
	assert.Equal(t, "T1", capture.headers.Get(pipeline.HeaderTenantID))
	assert.Equal(t, "customer SSN [SSN_REDACTED]", capture.body.Prompt)
	assert.Equal(t, "ai.analytics.summary", capture.body.Operation)
	assert.Equal(t, "analytics", capture.body.Category)
}

func TestGatewayMissingTenant(t *testing.T) {
	up, capture := newUpstreamServer(t, "never")
	env := newTestEnv(t, up.URL)

	resp := env.post(t, "/ai/chat", "", "admin", `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	eb := decodeError(t, resp)
	assert.Equal(t, string(model.CodeTenantIDMissing), eb.Error)
	assert.NotEmpty(t, eb.AuditID)
	assert.Zero(t, capture.hits.Load())
}

func TestGatewayIsolationViolation(t *testing.T) {
	up, capture := newUpstreamServer(t, "never")
	env := newTestEnv(t, up.URL)

	resp := env.post(t, "/ai/chat", "T1", "driver", `{"message":"loads for tenant_id: ACME-77"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	eb := decodeError(t, resp)
	assert.Equal(t, string(model.CodeIsolationViolation), eb.Error)
	assert.NotEmpty(t, eb.Reasons)
	assert.Equal(t, eb.AuditID, resp.Header.Get(pipeline.HeaderOutAuditID))
	assert.Zero(t, capture.hits.Load())
}

func TestGatewayRateLimitedSetsRetryAfter(t *testing.T) {
	up, _ := newUpstreamServer(t, "ok")
	lim := ratelimit.NewLocal(ratelimit.Config{Default: ratelimit.TenantLimit{RequestsPerSecond: 0.5, Burst: 1}})
	env := newTestEnv(t, up.URL, pipeline.WithLimiter(lim))

	first := env.post(t, "/ai/chat", "T1", "admin", `{"message":"a"}`)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := env.post(t, "/ai/chat", "T1", "admin", `{"message":"b"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))
	assert.Equal(t, string(model.CodeRateLimited), decodeError(t, second).Error)
}

func TestGatewayInvalidJSON(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.post(t, "/ai/chat", "T1", "admin", `{"message":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PAYLOAD", decodeError(t, resp).Error)
	assert.Zero(t, env.audit.Len())
}

func TestGatewayWithoutUpstream(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.post(t, "/ai/chat", "T1", "admin", `{"message":"a"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	eb := decodeError(t, resp)
	assert.Equal(t, string(model.CodeSystemError), eb.Error)

	ev, ok := env.audit.Get(eb.AuditID)
	require.True(t, ok)
	assert.Equal(t, audit.EventSystemError, ev.Type)
}

func TestAuditEndpoints(t *testing.T) {
	up, _ := newUpstreamServer(t, "done")
	env := newTestEnv(t, up.URL)
	resp := env.post(t, "/ai/chat", "T1", "admin", `{"message":"a"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	auditID := resp.Header.Get(pipeline.HeaderOutAuditID)

	get := func(path string) *http.Response {
		r, err := http.Get(env.http.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { r.Body.Close() })
		return r
	}

	list := get("/v1/audit/events?tenant=T1&type=request")
	require.Equal(t, http.StatusOK, list.StatusCode)
	var page audit.Page
	require.NoError(t, json.NewDecoder(list.Body).Decode(&page))
	require.Equal(t, 1, page.Total)
	assert.Equal(t, auditID, page.Events[0].ID)

	one := get("/v1/audit/events/" + auditID)
	assert.Equal(t, http.StatusOK, one.StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/v1/audit/events/nope").StatusCode)

	assert.Equal(t, http.StatusOK, get("/v1/audit/analytics?timeframe=week").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/v1/audit/analytics?timeframe=decade").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/v1/audit/events?severity=extreme").StatusCode)
	assert.Equal(t, http.StatusOK, get("/v1/audit/health").StatusCode)
	assert.Equal(t, http.StatusOK, get("/healthz").StatusCode)

	m := get("/metrics")
	require.Equal(t, http.StatusOK, m.StatusCode)
	assert.Contains(t, readBody(t, m), metrics.MetricRequestsTotal)
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(url.Values{
		"from":      {"2026-03-01T00:00:00Z"},
		"user":      {"u-1"},
		"tenant":    {"T1"},
		"type":      {"access_denied"},
		"severity":  {"high"},
		"operation": {"ai.route"},
		"limit":     {"10"},
		"offset":    {"5"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, "u-1", f.UserID)
	assert.Equal(t, audit.EventAccessDenied, f.Type)
	assert.Equal(t, model.SeverityHigh, f.MinSeverity)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, 5, f.Offset)

	for _, bad := range []url.Values{
		{"from": {"yesterday"}},
		{"limit": {"-1"}},
		{"offset": {"x"}},
	} {
		_, err := ParseFilter(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadPayloadWrapsText(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/ai/chat", strings.NewReader("where is load 991?"))
	r.Header.Set("Content-Type", "text/plain")
	p, err := readPayload(r, 1024)
	require.NoError(t, err)
	assert.Equal(t, "where is load 991?", p["input"])

	r = httptest.NewRequest(http.MethodPost, "/ai/chat", strings.NewReader(strings.Repeat("a", 20)))
	_, err = readPayload(r, 10)
	assert.ErrorIs(t, err, errBodyTooLarge)

	r = httptest.NewRequest(http.MethodPost, "/ai/chat", strings.NewReader(`[1,2]`))
	r.Header.Set("Content-Type", "application/json")
	_, err = readPayload(r, 1024)
	assert.ErrorIs(t, err, errInvalidBody)
}

func TestNewUpstreamRejectsBadScheme(t *testing.T) {
	_, err := NewUpstream("ftp://example.com", time.Second)
	assert.Error(t, err)
}
