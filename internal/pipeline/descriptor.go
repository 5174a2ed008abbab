package pipeline

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
)

// Inbound header names.
const (
	HeaderUserID       = "X-User-Id"
	HeaderUserRole     = "X-User-Role"
	HeaderTenantID     = "X-Tenant-Id"
	HeaderSessionID    = "X-Session-Id"
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderClientID     = "X-Client-Id"
	HeaderModel        = "X-Ai-Model"
	HeaderContext      = "X-Response-Context"
	HeaderAggregation  = "X-Cross-Tenant-Aggregation"
)

// DefaultModel is used when neither the header nor the payload names one.
const DefaultModel = "standard"

var aiKeywords = map[string]bool{
	"ai":         true,
	"llm":        true,
	"gpt":        true,
	"assistant":  true,
	"copilot":    true,
	"chatbot":    true,
	"completion": true,
	"inference":  true,
	"predict":    true,
	"recommend":  true,
}

// categoryPrefixes maps operation prefixes to categories. Longest match wins.
var categoryPrefixes = map[string]model.Category{
	"ai.chat":             model.CategoryCustomerService,
	"ai.support":          model.CategoryCustomerService,
	"ai.customer_service": model.CategoryCustomerService,
	"ai.route":            model.CategoryDispatch,
	"ai.dispatch":         model.CategoryDispatch,
	"ai.load":             model.CategoryDispatch,
	"ai.pricing":          model.CategoryPricing,
	"ai.rate":             model.CategoryPricing,
	"ai.quote":            model.CategoryPricing,
	"ai.analytics":        model.CategoryAnalytics,
	"ai.insights":         model.CategoryAnalytics,
	"ai.report":           model.CategoryAnalytics,
	"ai.negotiation":      model.CategoryNegotiation,
	"ai.negotiate":        model.CategoryNegotiation,
}

// promptFields are searched in order for the request's prompt text.
var promptFields = []string{"prompt", "message", "query", "question", "text", "input"}

var modelFields = payload.NewFieldSet("model")

// NormalizeRoute turns a transport path into an operation name:
// "/api/ai/route/optimize" becomes "ai.route.optimize".
func NormalizeRoute(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = strings.Trim(strings.ToLower(route), "/")
	route = strings.TrimPrefix(route, "api/")
	route = strings.TrimPrefix(route, "v1/")
	if route == "api" || route == "v1" {
		return ""
	}
	var segs []string
	for _, s := range strings.Split(route, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return strings.Join(segs, ".")
}

// IsAIOperation reports whether name identifies an AI operation.
func IsAIOperation(name string) bool {
	if strings.HasPrefix(name, "ai.") || name == "ai" {
		return true
	}
	for _, seg := range strings.Split(name, ".") {
		if aiKeywords[seg] {
			return true
		}
	}
	return false
}

// CategoryFor maps an operation name to its category. Unmapped operations
// fall to customer_service.
func CategoryFor(name string) model.Category {
	best, cat := -1, model.CategoryCustomerService
	for prefix, c := range categoryPrefixes {
		if name != prefix && !strings.HasPrefix(name, prefix+".") {
			continue
		}
		if len(prefix) > best {
			best, cat = len(prefix), c
		}
	}
	return cat
}

// ActionFor returns "read" for safe methods, otherwise "execute".
func ActionFor(method string) string {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return "read"
	default:
		return "execute"
	}
}

// Describe builds the operation descriptor for an inbound request.
// Cross-tenant aggregation is only honoured for analytics operations.
func Describe(route, method string, headers http.Header, body payload.Payload) model.OperationDescriptor {
	name := NormalizeRoute(route)
	m := strings.TrimSpace(headers.Get(HeaderModel))
	if m == "" {
		m, _ = body.String(modelFields)
	}
	if m == "" {
		m = DefaultModel
	}
	cat := CategoryFor(name)
	agg, _ := strconv.ParseBool(strings.TrimSpace(headers.Get(HeaderAggregation)))
	return model.OperationDescriptor{
		Name:                   name,
		Category:               cat,
		Action:                 ActionFor(method),
		Model:                  strings.ToLower(m),
		CrossTenantAggregation: agg && cat == model.CategoryAnalytics,
	}
}

// SecurityContextFrom extracts the caller identity. The tenant id comes from
// the header, else the tenantId or tenant_id query parameter. Unknown roles
// resolve to driver.
func SecurityContextFrom(headers http.Header, query url.Values, remoteAddr string, now time.Time) model.SecurityContext {
	tenantID := strings.TrimSpace(headers.Get(HeaderTenantID))
	if tenantID == "" {
		tenantID = strings.TrimSpace(query.Get("tenantId"))
	}
	if tenantID == "" {
		tenantID = strings.TrimSpace(query.Get("tenant_id"))
	}
	role, ok := model.ParseRole(headers.Get(HeaderUserRole))
	if !ok {
		role = model.RoleDriver
	}
	return model.SecurityContext{
		UserID:    strings.TrimSpace(headers.Get(HeaderUserID)),
		Role:      role,
		TenantID:  tenantID,
		SessionID: strings.TrimSpace(headers.Get(HeaderSessionID)),
		Origin:    origin(headers.Get(HeaderForwardedFor), remoteAddr),
		ClientID:  strings.TrimSpace(headers.Get(HeaderClientID)),
		Timestamp: now.UTC(),
	}
}

func origin(forwarded, remoteAddr string) string {
	if first, _, _ := strings.Cut(forwarded, ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// PromptOf returns the first prompt-like top-level string field.
func PromptOf(body payload.Payload) (field, text string) {
	for _, name := range promptFields {
		for _, k := range body.Keys() {
			if payload.NormalizeKey(k) != payload.NormalizeKey(name) {
				continue
			}
			if s, ok := body[k].(string); ok {
				return k, s
			}
		}
	}
	return "", ""
}
