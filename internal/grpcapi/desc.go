// Package grpcapi serves verdicts to enforcement agents over gRPC. The
// service has no generated stubs: requests and replies are
// google.protobuf.Struct messages with the fields documented on each
// method.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "portgate.v1.AccessCheck"

	resolveMethod    = "/" + ServiceName + "/Resolve"
	checkMethod      = "/" + ServiceName + "/Check"
	checkPortsMethod = "/" + ServiceName + "/CheckPorts"

	// AgentIDHeader is the metadata key agents identify themselves with.
	AgentIDHeader = "x-agent-id"
)

// AccessCheckServer answers enforcement queries.
//
// Resolve takes {user_id, port} and returns {verdict, rule, policy_id}.
// Check takes {user_id, port} and returns {allowed, reason, verdict,
// rule, policy_id}. CheckPorts takes {user_id, ports: [...]} and returns
// {results: [...]} holding one Check reply plus its port per input port,
// in input order.
type AccessCheckServer interface {
	Resolve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckPorts(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AccessCheckServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Resolve", Handler: resolveHandler},
		{MethodName: "Check", Handler: checkHandler},
		{MethodName: "CheckPorts", Handler: checkPortsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "portgate/v1/access_check.proto",
}

func RegisterAccessCheckServer(s grpc.ServiceRegistrar, srv AccessCheckServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AccessCheckServer).Resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resolveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AccessCheckServer).Resolve(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AccessCheckServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AccessCheckServer).Check(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func checkPortsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AccessCheckServer).CheckPorts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkPortsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AccessCheckServer).CheckPorts(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
