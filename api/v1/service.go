package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/nixpig/jobsession/internal/drm"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "drm.v1.ResourceManager"

// FullMethod returns the gRPC method path of a ResourceManager method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ResourceManagerServer is the server API of the ResourceManager service.
// Implementations must embed UnimplementedResourceManagerServer.
type ResourceManagerServer interface {
	GetSystemInfo(context.Context, *emptypb.Empty) (*SystemInfo, error)

	CreateSession(context.Context, *CreateSessionRequest) (*SessionResponse, error)
	AttachSession(context.Context, *AttachSessionRequest) (*SessionResponse, error)
	DetachSession(context.Context, *DetachSessionRequest) (*emptypb.Empty, error)
	DeleteSession(context.Context, *SessionRequest) (*emptypb.Empty, error)
	GetSession(context.Context, *SessionRequest) (*SessionResponse, error)
	ListSessions(context.Context, *emptypb.Empty) (*ListSessionsResponse, error)

	SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobResponse, error)
	SubmitBulkJobs(context.Context, *SubmitBulkJobsRequest) (*SubmitBulkJobsResponse, error)
	GetJobState(context.Context, *JobRequest) (*JobStateResponse, error)
	GetJobInfo(context.Context, *JobRequest) (*JobInfoResponse, error)
	ControlJob(context.Context, *ControlJobRequest) (*emptypb.Empty, error)
	ReapJob(context.Context, *JobRequest) (*emptypb.Empty, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
	GetJobArray(context.Context, *JobRequest) (*JobArrayResponse, error)

	StreamJobOutput(*JobRequest, grpc.ServerStreamingServer[StreamJobOutputResponse]) error
	WatchJobs(*WatchJobsRequest, grpc.ServerStreamingServer[drm.Notification]) error

	mustEmbedUnimplementedResourceManagerServer()
}

// UnimplementedResourceManagerServer answers every method with
// codes.Unimplemented.
type UnimplementedResourceManagerServer struct{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func (UnimplementedResourceManagerServer) GetSystemInfo(context.Context, *emptypb.Empty) (*SystemInfo, error) {
	return nil, unimplemented("GetSystemInfo")
}

func (UnimplementedResourceManagerServer) CreateSession(context.Context, *CreateSessionRequest) (*SessionResponse, error) {
	return nil, unimplemented("CreateSession")
}

func (UnimplementedResourceManagerServer) AttachSession(context.Context, *AttachSessionRequest) (*SessionResponse, error) {
	return nil, unimplemented("AttachSession")
}

func (UnimplementedResourceManagerServer) DetachSession(context.Context, *DetachSessionRequest) (*emptypb.Empty, error) {
	return nil, unimplemented("DetachSession")
}

func (UnimplementedResourceManagerServer) DeleteSession(context.Context, *SessionRequest) (*emptypb.Empty, error) {
	return nil, unimplemented("DeleteSession")
}

func (UnimplementedResourceManagerServer) GetSession(context.Context, *SessionRequest) (*SessionResponse, error) {
	return nil, unimplemented("GetSession")
}

func (UnimplementedResourceManagerServer) ListSessions(context.Context, *emptypb.Empty) (*ListSessionsResponse, error) {
	return nil, unimplemented("ListSessions")
}

func (UnimplementedResourceManagerServer) SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobResponse, error) {
	return nil, unimplemented("SubmitJob")
}

func (UnimplementedResourceManagerServer) SubmitBulkJobs(
	context.Context,
	*SubmitBulkJobsRequest,
) (*SubmitBulkJobsResponse, error) {
	return nil, unimplemented("SubmitBulkJobs")
}

func (UnimplementedResourceManagerServer) GetJobState(context.Context, *JobRequest) (*JobStateResponse, error) {
	return nil, unimplemented("GetJobState")
}

func (UnimplementedResourceManagerServer) GetJobInfo(context.Context, *JobRequest) (*JobInfoResponse, error) {
	return nil, unimplemented("GetJobInfo")
}

func (UnimplementedResourceManagerServer) ControlJob(context.Context, *ControlJobRequest) (*emptypb.Empty, error) {
	return nil, unimplemented("ControlJob")
}

func (UnimplementedResourceManagerServer) ReapJob(context.Context, *JobRequest) (*emptypb.Empty, error) {
	return nil, unimplemented("ReapJob")
}

func (UnimplementedResourceManagerServer) ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error) {
	return nil, unimplemented("ListJobs")
}

func (UnimplementedResourceManagerServer) GetJobArray(context.Context, *JobRequest) (*JobArrayResponse, error) {
	return nil, unimplemented("GetJobArray")
}

func (UnimplementedResourceManagerServer) StreamJobOutput(
	*JobRequest,
	grpc.ServerStreamingServer[StreamJobOutputResponse],
) error {
	return unimplemented("StreamJobOutput")
}

func (UnimplementedResourceManagerServer) WatchJobs(
	*WatchJobsRequest,
	grpc.ServerStreamingServer[drm.Notification],
) error {
	return unimplemented("WatchJobs")
}

func (UnimplementedResourceManagerServer) mustEmbedUnimplementedResourceManagerServer() {}

// RegisterResourceManagerServer registers srv with s.
func RegisterResourceManagerServer(s grpc.ServiceRegistrar, srv ResourceManagerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds the descriptor of a unary method calling fn.
func unary[Req, Res any](
	method string,
	fn func(ResourceManagerServer, context.Context, *Req) (*Res, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(
			srv any,
			ctx context.Context,
			dec func(any) error,
			interceptor grpc.UnaryServerInterceptor,
		) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			if interceptor == nil {
				return fn(srv.(ResourceManagerServer), ctx, in)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}

			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ResourceManagerServer), ctx, req.(*Req))
			}

			return interceptor(ctx, in, info, handler)
		},
	}
}

// serverStream builds the descriptor of a server-streaming method calling
// fn.
func serverStream[Req, Res any](
	method string,
	fn func(ResourceManagerServer, *Req, grpc.ServerStreamingServer[Res]) error,
) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}

			return fn(srv.(ResourceManagerServer), in, &grpc.GenericServerStream[Req, Res]{ServerStream: stream})
		},
	}
}

// ServiceDesc describes the ResourceManager service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResourceManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetSystemInfo", ResourceManagerServer.GetSystemInfo),
		unary("CreateSession", ResourceManagerServer.CreateSession),
		unary("AttachSession", ResourceManagerServer.AttachSession),
		unary("DetachSession", ResourceManagerServer.DetachSession),
		unary("DeleteSession", ResourceManagerServer.DeleteSession),
		unary("GetSession", ResourceManagerServer.GetSession),
		unary("ListSessions", ResourceManagerServer.ListSessions),
		unary("SubmitJob", ResourceManagerServer.SubmitJob),
		unary("SubmitBulkJobs", ResourceManagerServer.SubmitBulkJobs),
		unary("GetJobState", ResourceManagerServer.GetJobState),
		unary("GetJobInfo", ResourceManagerServer.GetJobInfo),
		unary("ControlJob", ResourceManagerServer.ControlJob),
		unary("ReapJob", ResourceManagerServer.ReapJob),
		unary("ListJobs", ResourceManagerServer.ListJobs),
		unary("GetJobArray", ResourceManagerServer.GetJobArray),
	},
	Streams: []grpc.StreamDesc{
		serverStream("StreamJobOutput", ResourceManagerServer.StreamJobOutput),
		serverStream("WatchJobs", ResourceManagerServer.WatchJobs),
	},
	Metadata: "api/v1",
}
