package auditapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified gRPC names of the AuditQuery service.
const (
	ServiceName          = "iotaudit.v1.AuditQuery"
	GetAuditStatusMethod = "/iotaudit.v1.AuditQuery/GetAuditStatus"
	ListReadingsMethod   = "/iotaudit.v1.AuditQuery/ListReadings"
)

// AuditQueryServer is the server API for the AuditQuery service.
type AuditQueryServer interface {
	GetAuditStatus(ctx context.Context, req *AuditStatusRequest) (*AuditStatus, error)
	ListReadings(ctx context.Context, req *ListReadingsRequest) (*ReadingPage, error)
}

// UnimplementedAuditQueryServer can be embedded to have forward compatible implementations.
type UnimplementedAuditQueryServer struct{}

func (UnimplementedAuditQueryServer) GetAuditStatus(context.Context, *AuditStatusRequest) (*AuditStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method GetAuditStatus not implemented")
}

func (UnimplementedAuditQueryServer) ListReadings(context.Context, *ListReadingsRequest) (*ReadingPage, error) {
	return nil, status.Error(codes.Unimplemented, "method ListReadings not implemented")
}

// RegisterAuditQueryServer registers srv with s.
func RegisterAuditQueryServer(s grpc.ServiceRegistrar, srv AuditQueryServer) {
	s.RegisterService(&AuditQueryServiceDesc, srv)
}

// AuditQueryServiceDesc is the grpc.ServiceDesc for the AuditQuery service.
// Requests and responses are structpb.Struct values, so the default proto
// codec carries them without generated code.
var AuditQueryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuditQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetAuditStatus",
			Handler:    getAuditStatusHandler,
		},
		{
			MethodName: "ListReadings",
			Handler:    listReadingsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "auditapi/query",
}

func getAuditStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		r, err := AuditStatusRequestFromStruct(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp, err := srv.(AuditQueryServer).GetAuditStatus(ctx, r)
		if err != nil {
			return nil, err
		}
		return toResponse(resp.ToStruct())
	}

	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetAuditStatusMethod}
	return interceptor(ctx, in, info, handler)
}

func listReadingsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		r, err := ListReadingsRequestFromStruct(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp, err := srv.(AuditQueryServer).ListReadings(ctx, r)
		if err != nil {
			return nil, err
		}
		return toResponse(resp.ToStruct())
	}

	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListReadingsMethod}
	return interceptor(ctx, in, info, handler)
}

func toResponse(s *structpb.Struct, err error) (interface{}, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return s, nil
}

// AuditQueryClient is the client API for the AuditQuery service.
type AuditQueryClient struct {
	cc grpc.ClientConnInterface
}

// NewAuditQueryClient returns a client that issues calls over cc.
func NewAuditQueryClient(cc grpc.ClientConnInterface) *AuditQueryClient {
	return &AuditQueryClient{cc: cc}
}

// GetAuditStatus reports the audit state of a device.
func (c *AuditQueryClient) GetAuditStatus(ctx context.Context, req *AuditStatusRequest, opts ...grpc.CallOption) (*AuditStatus, error) {
	in, err := req.ToStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetAuditStatusMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return AuditStatusFromStruct(out)
}

// ListReadings returns one page of a device's readings.
func (c *AuditQueryClient) ListReadings(ctx context.Context, req *ListReadingsRequest, opts ...grpc.CallOption) (*ReadingPage, error) {
	in, err := req.ToStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListReadingsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return ReadingPageFromStruct(out)
}
