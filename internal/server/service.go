package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tenantwatch.v1.SecurityService"

// Full method names.
const (
	MethodCheck      = "/" + ServiceName + "/Check"
	MethodFilter     = "/" + ServiceName + "/Filter"
	MethodQueryAudit = "/" + ServiceName + "/QueryAudit"
)

// SecurityServiceServer is the server API. Messages are structpb.Struct so
// clients need no generated code.
type SecurityServiceServer interface {
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Filter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryAudit(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc registers SecurityServiceServer with a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SecurityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unary(MethodCheck, SecurityServiceServer.Check)},
		{MethodName: "Filter", Handler: unary(MethodFilter, SecurityServiceServer.Filter)},
		{MethodName: "QueryAudit", Handler: unary(MethodQueryAudit, SecurityServiceServer.QueryAudit)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tenantwatch/v1/security.proto",
}

type method func(SecurityServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, call method) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SecurityServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SecurityServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls a remote SecurityService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Check(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodCheck, in, opts...)
}

func (c *Client) Filter(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodFilter, in, opts...)
}

func (c *Client) QueryAudit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodQueryAudit, in, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
