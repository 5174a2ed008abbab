package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/tenantwatch/internal/pipeline"
)

// maxUpstreamBody bounds the response read from the upstream service.
const maxUpstreamBody = 4 << 20

// ErrNoUpstream is returned when no upstream URL is configured.
var ErrNoUpstream = errors.New("api: no upstream configured")

// Upstream forwards admitted requests to the service that performs the AI
// operation. The operation name becomes the path: ai.route.optimize is
// POSTed to <base>/ai/route/optimize.
type Upstream struct {
	base   *url.URL
	client *http.Client
}

// upstreamRequest is the JSON body sent upstream.
type upstreamRequest struct {
	Operation       string         `json:"operation"`
	Category        string         `json:"category"`
	Action          string         `json:"action"`
	Model           string         `json:"model"`
	Prompt          string         `json:"prompt,omitempty"`
	Payload         map[string]any `json:"payload"`
	BusinessContext string         `json:"business_context,omitempty"`
	TenantID        string         `json:"tenant_id"`
	UserID          string         `json:"user_id,omitempty"`
	Role            string         `json:"role"`
}

// NewUpstream creates an upstream handler. An empty baseURL yields a
// handler that fails every request with ErrNoUpstream.
func NewUpstream(baseURL string, timeout time.Duration) (*Upstream, error) {
	u := &Upstream{client: &http.Client{Timeout: timeout}}
	if baseURL == "" {
		return u, nil
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid upstream url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("api: upstream url must be http or https: %q", baseURL)
	}
	u.base = parsed
	return u, nil
}

// ServeAI implements pipeline.Handler.
func (u *Upstream) ServeAI(ctx context.Context, req *pipeline.DownstreamRequest) (*pipeline.DownstreamResponse, error) {
	if u.base == nil {
		return nil, ErrNoUpstream
	}
	body, err := json.Marshal(upstreamRequest{
		Operation:       req.Operation.Name,
		Category:        string(req.Operation.Category),
		Action:          req.Operation.Action,
		Model:           req.Operation.Model,
		Prompt:          req.Prompt,
		Payload:         req.Payload.Plain(),
		BusinessContext: req.BusinessContext,
		TenantID:        req.Context.TenantID,
		UserID:          req.Context.UserID,
		Role:            string(req.Context.Role),
	})
	if err != nil {
		return nil, fmt.Errorf("api: encode upstream request: %w", err)
	}

	target := u.base.JoinPath(strings.Split(req.Operation.Name, ".")...)
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	for k, vv := range req.Headers {
		for _, v := range vv {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set(pipeline.HeaderTenantID, req.Context.TenantID)
	if req.Context.UserID != "" {
		hr.Header.Set(pipeline.HeaderUserID, req.Context.UserID)
	}
	hr.Header.Set(pipeline.HeaderUserRole, string(req.Context.Role))

	resp, err := u.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("api: upstream: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("api: read upstream response: %w", err)
	}
	out := &pipeline.DownstreamResponse{Status: resp.StatusCode, Body: string(data), Headers: http.Header{}}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		out.Headers.Set("Content-Type", ct)
	}
	return out, nil
}
