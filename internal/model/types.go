package model

import (
	"strings"
	"time"
)

// Role is a caller's organisational role.
type Role string

const (
	RoleDriver     Role = "driver"
	RoleDispatcher Role = "dispatcher"
	RoleBroker     Role = "broker"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
)

// Roles lists every known role from least to most privileged.
var Roles = []Role{RoleDriver, RoleDispatcher, RoleBroker, RoleManager, RoleAdmin}

// ParseRole normalizes a header value into a Role.
// Unknown or empty values report ok=false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// SecurityContext identifies the caller of one pipeline invocation.
// It is immutable once built.
type SecurityContext struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Category groups AI operations by business function.
type Category string

const (
	CategoryCustomerService Category = "customer_service"
	CategoryDispatch        Category = "dispatch"
	CategoryPricing         Category = "pricing"
	CategoryAnalytics       Category = "analytics"
	CategoryNegotiation     Category = "negotiation"
)

// Categories lists all operation categories.
var Categories = []Category{
	CategoryCustomerService,
	CategoryDispatch,
	CategoryPricing,
	CategoryAnalytics,
	CategoryNegotiation,
}

// OperationDescriptor describes the AI operation being requested.
type OperationDescriptor struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Action   string   `json:"action"`
	Model    string   `json:"model,omitempty"`

	// CrossTenantAggregation marks operations that legitimately touch
	// references to more than one tenant.
	CrossTenantAggregation bool `json:"cross_tenant_aggregation,omitempty"`
}

// Resource is the permission resource for the operation.
func (o OperationDescriptor) Resource() string {
	return o.Name
}

// ViolationType classifies an isolation or safety violation.
type ViolationType string

const (
	ViolationCrossTenantAccess      ViolationType = "cross_tenant_access"
	ViolationDataLeakage            ViolationType = "data_leakage"
	ViolationUnauthorizedOperation  ViolationType = "unauthorized_operation"
	ViolationBoundaryBreach         ViolationType = "boundary_breach"
	ViolationRestriction            ViolationType = "restriction"
	ViolationComplianceRequirement  ViolationType = "compliance"
	ViolationPromptInjectionAttempt ViolationType = "prompt_injection"
)

// Violation is one finding produced by a pipeline stage.
type Violation struct {
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Evidence    []string      `json:"evidence,omitempty"`
}

// ErrorCode is the machine-readable failure reason returned to callers.
type ErrorCode string

const (
	CodeTenantIDMissing          ErrorCode = "TENANT_ID_MISSING"
	CodeAccessDenied             ErrorCode = "ACCESS_DENIED"
	CodeIsolationViolation       ErrorCode = "ISOLATION_VIOLATION"
	CodeDataSafetyViolation      ErrorCode = "DATA_SAFETY_VIOLATION"
	CodeSecurityValidationFailed ErrorCode = "SECURITY_VALIDATION_FAILED"
	CodeSystemError              ErrorCode = "SYSTEM_ERROR"
	CodeRateLimited              ErrorCode = "RATE_LIMITED"
)
