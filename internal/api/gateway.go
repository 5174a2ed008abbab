package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ppiankov/tenantwatch/internal/model"
	"github.com/ppiankov/tenantwatch/internal/payload"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
)

// errInvalidBody is returned for bodies that claim JSON but do not decode to
// an object.
var errInvalidBody = errors.New("request body must be a JSON object")

var errBodyTooLarge = errors.New("request body too large")

// handleAI runs an inbound AI request through the pipeline.
func (s *Server) handleAI(w http.ResponseWriter, r *http.Request) {
	body, err := readPayload(r, s.cfg.MaxBodyBytes)
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	resp, err := s.orch.Handle(r.Context(), &pipeline.Request{
		Route:      r.URL.Path,
		Method:     r.Method,
		Headers:    r.Header,
		Query:      r.URL.Query(),
		RemoteAddr: r.RemoteAddr,
		Payload:    body,
	}, s.upstream)
	if err != nil {
		writeFailure(w, err)
		return
	}

	if len(resp.Degradations) > 0 {
		s.logger.Warn("pipeline degraded", zap.String("audit_id", resp.AuditID), zap.Strings("stages", resp.Degradations))
	}
	for k, vv := range resp.Headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

// readPayload decodes a JSON object body. Other content types are wrapped
// as {"input": text}.
func readPayload(r *http.Request, limit int64) (payload.Payload, error) {
	if r.Body == nil {
		return payload.Payload{}, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, errBodyTooLarge
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return payload.Payload{}, nil
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" || raw[0] == '{' {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil || m == nil {
			return nil, errInvalidBody
		}
		return payload.FromMap(m), nil
	}
	return payload.Payload{"input": string(raw)}, nil
}

// writeFailure renders a pipeline failure as the structured error body.
func writeFailure(w http.ResponseWriter, err error) {
	var f *pipeline.Failure
	if !errors.As(err, &f) {
		writeError(w, http.StatusInternalServerError, string(model.CodeSystemError), "request blocked for safety")
		return
	}
	if f.AuditID != "" {
		w.Header().Set(pipeline.HeaderOutAuditID, f.AuditID)
	}
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(f.RetryAfter.Seconds()))))
	}
	status := f.Status
	if status == 0 {
		status = pipeline.StatusFor(f.Code)
	}
	writeJSON(w, status, errorBody{Error: string(f.Code), Reasons: f.Reasons, AuditID: f.AuditID})
}
