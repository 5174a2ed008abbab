package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/model"
)

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.audit.Query(f))
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.audit.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	tf, err := audit.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.audit.Analytics(tf))
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.audit.Health())
}

// ParseFilter reads an audit query from URL parameters: from, to (RFC 3339),
// user, tenant, type, severity, operation, limit, offset.
func ParseFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		UserID:    q.Get("user"),
		TenantID:  q.Get("tenant"),
		Type:      audit.EventType(q.Get("type")),
		Operation: q.Get("operation"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if sev := q.Get("severity"); sev != "" {
		if _, ok := model.SeverityRank[model.Severity(sev)]; !ok {
			return f, fmt.Errorf("unknown severity %q", sev)
		}
		f.MinSeverity = model.Severity(sev)
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		return f, fmt.Errorf("offset: %w", err)
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return n, nil
}
