package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReportService messages are protobuf well-known types, so the service is
// declared here directly instead of being generated from a .proto file:
//
//	service ReportService {
//	  rpc Latest(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc State(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Shutdown(google.protobuf.Empty) returns (google.protobuf.Empty);
//	}
const (
	ReportService_Latest_FullMethodName   = "/adaptivedet.ReportService/Latest"
	ReportService_State_FullMethodName    = "/adaptivedet.ReportService/State"
	ReportService_Shutdown_FullMethodName = "/adaptivedet.ReportService/Shutdown"
)

type ReportServiceServer interface {
	Latest(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	State(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func RegisterReportServiceServer(s grpc.ServiceRegistrar, srv ReportServiceServer) {
	s.RegisterService(&ReportService_ServiceDesc, srv)
}

func unaryHandler[Resp any](fullMethod string, call func(ReportServiceServer, context.Context, *emptypb.Empty) (Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReportServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReportServiceServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ReportService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "adaptivedet.ReportService",
	HandlerType: (*ReportServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Latest",
			Handler:    unaryHandler(ReportService_Latest_FullMethodName, ReportServiceServer.Latest),
		},
		{
			MethodName: "State",
			Handler:    unaryHandler(ReportService_State_FullMethodName, ReportServiceServer.State),
		},
		{
			MethodName: "Shutdown",
			Handler:    unaryHandler(ReportService_Shutdown_FullMethodName, ReportServiceServer.Shutdown),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "report.proto",
}

type ReportServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewReportServiceClient(cc grpc.ClientConnInterface) *ReportServiceClient {
	return &ReportServiceClient{cc: cc}
}

func (c *ReportServiceClient) Latest(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ReportService_Latest_FullMethodName, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReportServiceClient) State(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ReportService_State_FullMethodName, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReportServiceClient) Shutdown(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, ReportService_Shutdown_FullMethodName, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}
