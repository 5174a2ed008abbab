package pipeline

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/api/ai/route/optimize", "ai.route.optimize"},
		{"/v1/ai/chat", "ai.chat"},
		{"/api/v1/AI/Pricing/Quote/", "ai.pricing.quote"},
		{"ai//chat?tenantId=T1", "ai.chat"},
		{"/api", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRoute(tt.in), tt.in)
	}
}

func TestIsAIOperation(t *testing.T) {
	for _, name := range []string{"ai.chat", "loads.predict.eta", "support.copilot", "gpt", "ai"} {
		assert.True(t, IsAIOperation(name), name)
	}
	for _, name := range []string{"loads.list", "aid.request", "", "billing.invoice"} {
		assert.False(t, IsAIOperation(name), name)
	}
}

func TestCategoryFor(t *testing.T) {
	tests := map[string]model.Category{
		"ai.chat":                  model.CategoryCustomerService,
		"ai.route.optimize":        model.CategoryDispatch,
		"ai.load.match":            model.CategoryDispatch,
		"ai.quote":                 model.CategoryPricing,
		"ai.insights.weekly":       model.CategoryAnalytics,
		"ai.negotiate.counter":     model.CategoryNegotiation,
		"ai.routes":                model.CategoryCustomerService,
		"ai.unknown.thing":         model.CategoryCustomerService,
		"ai.customer_service.faq":  model.CategoryCustomerService,
		"ai.analytics.generate.v2": model.CategoryAnalytics,
	}
	for name, want := range tests {
		assert.Equal(t, want, CategoryFor(name), name)
	}
}

func TestDescribe(t *testing.T) {
	h := http.Header{}
	op := Describe("/api/ai/pricing/quote", http.MethodGet, h, payload.Payload{"model": "Advanced"})
	assert.Equal(t, "ai.pricing.quote", op.Name)
	assert.Equal(t, model.CategoryPricing, op.Category)
	assert.Equal(t, "read", op.Action)
	assert.Equal(t, "advanced", op.Model)

	h.Set(HeaderModel, "premium")
	op = Describe("/api/ai/chat", http.MethodPost, h, payload.Payload{"model": "advanced"})
	assert.Equal(t, "execute", op.Action)
	assert.Equal(t, "premium", op.Model)

	op = Describe("/api/ai/chat", http.MethodPost, http.Header{}, nil)
	assert.Equal(t, DefaultModel, op.Model)
	assert.False(t, op.CrossTenantAggregation)
}

func TestDescribeCrossTenantAggregation(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderAggregation, "true")
	op := Describe("/api/ai/analytics/benchmark", http.MethodPost, h, nil)
	assert.True(t, op.CrossTenantAggregation)

	op = Describe("/api/ai/chat", http.MethodPost, h, nil)
	assert.False(t, op.CrossTenantAggregation, "only analytics may aggregate")

	h.Set(HeaderAggregation, "nope")
	op = Describe("/api/ai/analytics/benchmark", http.MethodPost, h, nil)
	assert.False(t, op.CrossTenantAggregation)
}

func TestSecurityContextFrom(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set(HeaderUserID, "u-7")
	h.Set(HeaderUserRole, "Dispatcher")
	h.Set(HeaderTenantID, " T1 ")
	h.Set(HeaderSessionID, "s-1")
	h.Set(HeaderForwardedFor, "203.0.113.9, 10.0.0.1")
	h.Set(HeaderClientID, "web")

	sc := SecurityContextFrom(h, nil, "10.0.0.5:1234", now)
	assert.Equal(t, model.SecurityContext{
		UserID: "u-7", Role: model.RoleDispatcher, TenantID: "T1", SessionID: "s-1",
		Origin: "203.0.113.9", ClientID: "web", Timestamp: now,
	}, sc)
}

func TestSecurityContextDefaults(t *testing.T) {
	sc := SecurityContextFrom(http.Header{HeaderUserRole: {"superuser"}}, url.Values{"tenantId": {"T9"}}, "10.0.0.5:1234", time.Now())
	assert.Equal(t, model.RoleDriver, sc.Role)
	assert.Equal(t, "T9", sc.TenantID)
	assert.Equal(t, "10.0.0.5", sc.Origin)

	sc = SecurityContextFrom(http.Header{}, url.Values{"tenant_id": {"T8"}}, "pipe", time.Now())
	assert.Equal(t, "T8", sc.TenantID)
	assert.Equal(t, "pipe", sc.Origin)
}

func TestPromptOf(t *testing.T) {
	field, text := PromptOf(payload.Payload{"input": "second", "Prompt": "first", "other": 1})
	assert.Equal(t, "Prompt", field)
	assert.Equal(t, "first", text)

	_, text = PromptOf(payload.Payload{"message": 42, "query": "q"})
	assert.Equal(t, "q", text)

	field, _ = PromptOf(payload.Payload{"data": "x"})
	assert.Empty(t, field)
}
