package pipeline

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/tenantwatch/internal/model"
)

// Failure is returned when the pipeline refuses a request.
type Failure struct {
	Code    model.ErrorCode `json:"error"`
	Status  int             `json:"-"`
	Reasons []string        `json:"reasons"`
	AuditID string          `json:"audit_id,omitempty"`
	// RetryAfter is set for RATE_LIMITED failures.
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("pipeline blocked (%s)", f.Code)
	if len(f.Reasons) > 0 {
		msg += ": " + strings.Join(f.Reasons, "; ")
	}
	if f.AuditID != "" {
		msg += " [audit_id=" + f.AuditID + "]"
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// StatusFor is the HTTP status conventionally paired with code.
func StatusFor(code model.ErrorCode) int {
	switch code {
	case model.CodeTenantIDMissing:
		return http.StatusBadRequest
	case model.CodeRateLimited:
		return http.StatusTooManyRequests
	case model.CodeAccessDenied, model.CodeIsolationViolation, model.CodeDataSafetyViolation:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
