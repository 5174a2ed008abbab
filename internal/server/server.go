package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/tenantwatch/internal/api"
	"github.com/ppiankov/tenantwatch/internal/audit"
	"github.com/ppiankov/tenantwatch/internal/filter"
	"github.com/ppiankov/tenantwatch/internal/payload"
	"github.com/ppiankov/tenantwatch/internal/pipeline"
)

// Config holds gRPC server configuration.
type Config struct {
	Addr string
}

// Server implements SecurityService on top of a pipeline orchestrator.
type Server struct {
	orch   *pipeline.Orchestrator
	filter *filter.Filter
	audit  *audit.Logger
	logger *zap.Logger
	cfg    Config

	grpcServer *grpc.Server
}

// New creates a gRPC server. filter and audit serve the Filter and
// QueryAudit RPCs.
func New(cfg Config, orch *pipeline.Orchestrator, f *filter.Filter, a *audit.Logger, logger *zap.Logger) (*Server, error) {
	if orch == nil || f == nil || a == nil {
		return nil, errors.New("server: orchestrator, filter and audit logger are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:   orch,
		filter: f,
		audit:  a,
		logger: logger,
		cfg:    cfg,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	s.grpcServer.RegisterService(&ServiceDesc, s)
	return s, nil
}

// Serve listens on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn serves on the given listener.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully shuts down the gRPC server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("grpc call", fields...)
	}
	return resp, err
}

// checkRequest is the Check input.
type checkRequest struct {
	Route   string              `json:"route"`
	Method  string              `json:"method"`
	Headers map[string]string   `json:"headers"`
	Query   map[string][]string `json:"query"`
	Payload map[string]any      `json:"payload"`
}

// checkResponse is the Check output. A blocked request is a normal
// response with Allowed false; only malformed input is an RPC error.
type checkResponse struct {
	Allowed   bool                `json:"allowed"`
	Error     string              `json:"error,omitempty"`
	Reasons   []string            `json:"reasons,omitempty"`
	AuditID   string              `json:"audit_id,omitempty"`
	Preflight *pipeline.Preflight `json:"preflight,omitempty"`
}

// Check runs the request-side stages for a described request.
func (s *Server) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req checkRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Route == "" {
		return nil, status.Error(codes.InvalidArgument, "route is required")
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	headers := http.Header{}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	remote := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	pre, err := s.orch.Check(ctx, &pipeline.Request{
		Route:      req.Route,
		Method:     req.Method,
		Headers:    headers,
		Query:      url.Values(req.Query),
		RemoteAddr: remote,
		Payload:    payload.FromMap(req.Payload),
	})
	out := checkResponse{Allowed: err == nil, Preflight: pre}
	if pre != nil {
		out.AuditID = pre.AuditID
	}
	if err != nil {
		var f *pipeline.Failure
		if !errors.As(err, &f) {
			return nil, status.Error(codes.Internal, err.Error())
		}
		out.Error = string(f.Code)
		out.Reasons = f.Reasons
		out.AuditID = f.AuditID
	}
	return toStruct(out)
}

// filterRequest is the Filter input.
type filterRequest struct {
	Text        string   `json:"text"`
	Role        string   `json:"role"`
	TenantID    string   `json:"tenant_id"`
	AccessLevel string   `json:"access_level"`
	Context     string   `json:"context"`
	Compliance  []string `json:"compliance"`
	Level       string   `json:"level"`
}

// Filter redacts a response text for the described caller.
func (s *Server) Filter(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req filterRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	cfg, err := req.config()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return toStruct(s.filter.Filter(req.Text, cfg))
}

func (r filterRequest) config() (filter.Config, error) {
	return filter.ParseConfig(r.Role, r.TenantID, r.AccessLevel, r.Context, r.Compliance, r.Level)
}

// QueryAudit returns a page of audit events. Fields match the HTTP query
// parameters of /v1/audit/events.
func (s *Server) QueryAudit(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	q := url.Values{}
	for k, v := range in.GetFields() {
		switch x := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			q.Set(k, x.StringValue)
		case *structpb.Value_NumberValue:
			q.Set(k, fmt.Sprint(int64(x.NumberValue)))
		default:
			return nil, status.Errorf(codes.InvalidArgument, "field %q must be a string or number", k)
		}
	}
	f, err := api.ParseFilter(q)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return toStruct(s.audit.Query(f))
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
