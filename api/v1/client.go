package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/nixpig/jobsession/internal/drm"
)

// ResourceManagerClient is the client API of the ResourceManager service.
type ResourceManagerClient interface {
	GetSystemInfo(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*SystemInfo, error)

	CreateSession(ctx context.Context, in *CreateSessionRequest, opts ...grpc.CallOption) (*SessionResponse, error)
	AttachSession(ctx context.Context, in *AttachSessionRequest, opts ...grpc.CallOption) (*SessionResponse, error)
	DetachSession(ctx context.Context, in *DetachSessionRequest, opts ...grpc.CallOption) (*emptypb.Empty, error)
	DeleteSession(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*emptypb.Empty, error)
	GetSession(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*SessionResponse, error)
	ListSessions(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*ListSessionsResponse, error)

	SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*SubmitJobResponse, error)
	SubmitBulkJobs(
		ctx context.Context,
		in *SubmitBulkJobsRequest,
		opts ...grpc.CallOption,
	) (*SubmitBulkJobsResponse, error)
	GetJobState(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobStateResponse, error)
	GetJobInfo(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobInfoResponse, error)
	ControlJob(ctx context.Context, in *ControlJobRequest, opts ...grpc.CallOption) (*emptypb.Empty, error)
	ReapJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*emptypb.Empty, error)
	ListJobs(ctx context.Context, in *ListJobsRequest, opts ...grpc.CallOption) (*ListJobsResponse, error)
	GetJobArray(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobArrayResponse, error)

	StreamJobOutput(
		ctx context.Context,
		in *JobRequest,
		opts ...grpc.CallOption,
	) (grpc.ServerStreamingClient[StreamJobOutputResponse], error)
	WatchJobs(
		ctx context.Context,
		in *WatchJobsRequest,
		opts ...grpc.CallOption,
	) (grpc.ServerStreamingClient[drm.Notification], error)
}

type resourceManagerClient struct {
	cc grpc.ClientConnInterface
}

// NewResourceManagerClient returns a client calling the service over cc.
// Every call uses the JSON codec.
func NewResourceManagerClient(cc grpc.ClientConnInterface) ResourceManagerClient {
	return &resourceManagerClient{cc: cc}
}

func invoke[Res any](
	ctx context.Context,
	cc grpc.ClientConnInterface,
	method string,
	in any,
	opts []grpc.CallOption,
) (*Res, error) {
	out := new(Res)

	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func openStream[Req, Res any](
	ctx context.Context,
	cc grpc.ClientConnInterface,
	desc *grpc.StreamDesc,
	in *Req,
	opts []grpc.CallOption,
) (grpc.ServerStreamingClient[Res], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	stream, err := cc.NewStream(ctx, desc, FullMethod(desc.StreamName), opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[Req, Res]{ClientStream: stream}

	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}

func (c *resourceManagerClient) GetSystemInfo(
	ctx context.Context,
	in *emptypb.Empty,
	opts ...grpc.CallOption,
) (*SystemInfo, error) {
	return invoke[SystemInfo](ctx, c.cc, "GetSystemInfo", in, opts)
}

func (c *resourceManagerClient) CreateSession(
	ctx context.Context,
	in *CreateSessionRequest,
	opts ...grpc.CallOption,
) (*SessionResponse, error) {
	return invoke[SessionResponse](ctx, c.cc, "CreateSession", in, opts)
}

func (c *resourceManagerClient) AttachSession(
	ctx context.Context,
	in *AttachSessionRequest,
	opts ...grpc.CallOption,
) (*SessionResponse, error) {
	return invoke[SessionResponse](ctx, c.cc, "AttachSession", in, opts)
}

func (c *resourceManagerClient) DetachSession(
	ctx context.Context,
	in *DetachSessionRequest,
	opts ...grpc.CallOption,
) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "DetachSession", in, opts)
}

func (c *resourceManagerClient) DeleteSession(
	ctx context.Context,
	in *SessionRequest,
	opts ...grpc.CallOption,
) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "DeleteSession", in, opts)
}

func (c *resourceManagerClient) GetSession(
	ctx context.Context,
	in *SessionRequest,
	opts ...grpc.CallOption,
) (*SessionResponse, error) {
	return invoke[SessionResponse](ctx, c.cc, "GetSession", in, opts)
}

func (c *resourceManagerClient) ListSessions(
	ctx context.Context,
	in *emptypb.Empty,
	opts ...grpc.CallOption,
) (*ListSessionsResponse, error) {
	return invoke[ListSessionsResponse](ctx, c.cc, "ListSessions", in, opts)
}

func (c *resourceManagerClient) SubmitJob(
	ctx context.Context,
	in *SubmitJobRequest,
	opts ...grpc.CallOption,
) (*SubmitJobResponse, error) {
	return invoke[SubmitJobResponse](ctx, c.cc, "SubmitJob", in, opts)
}

func (c *resourceManagerClient) SubmitBulkJobs(
	ctx context.Context,
	in *SubmitBulkJobsRequest,
	opts ...grpc.CallOption,
) (*SubmitBulkJobsResponse, error) {
	return invoke[SubmitBulkJobsResponse](ctx, c.cc, "SubmitBulkJobs", in, opts)
}

func (c *resourceManagerClient) GetJobState(
	ctx context.Context,
	in *JobRequest,
	opts ...grpc.CallOption,
) (*JobStateResponse, error) {
	return invoke[JobStateResponse](ctx, c.cc, "GetJobState", in, opts)
}

func (c *resourceManagerClient) GetJobInfo(
	ctx context.Context,
	in *JobRequest,
	opts ...grpc.CallOption,
) (*JobInfoResponse, error) {
	return invoke[JobInfoResponse](ctx, c.cc, "GetJobInfo", in, opts)
}

func (c *resourceManagerClient) ControlJob(
	ctx context.Context,
	in *ControlJobRequest,
	opts ...grpc.CallOption,
) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "ControlJob", in, opts)
}

func (c *resourceManagerClient) ReapJob(
	ctx context.Context,
	in *JobRequest,
	opts ...grpc.CallOption,
) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "ReapJob", in, opts)
}

func (c *resourceManagerClient) ListJobs(
	ctx context.Context,
	in *ListJobsRequest,
	opts ...grpc.CallOption,
) (*ListJobsResponse, error) {
	return invoke[ListJobsResponse](ctx, c.cc, "ListJobs", in, opts)
}

func (c *resourceManagerClient) GetJobArray(
	ctx context.Context,
	in *JobRequest,
	opts ...grpc.CallOption,
) (*JobArrayResponse, error) {
	return invoke[JobArrayResponse](ctx, c.cc, "GetJobArray", in, opts)
}

func (c *resourceManagerClient) StreamJobOutput(
	ctx context.Context,
	in *JobRequest,
	opts ...grpc.CallOption,
) (grpc.ServerStreamingClient[StreamJobOutputResponse], error) {
	return openStream[JobRequest, StreamJobOutputResponse](ctx, c.cc, &ServiceDesc.Streams[0], in, opts)
}

func (c *resourceManagerClient) WatchJobs(
	ctx context.Context,
	in *WatchJobsRequest,
	opts ...grpc.CallOption,
) (grpc.ServerStreamingClient[drm.Notification], error) {
	return openStream[WatchJobsRequest, drm.Notification](ctx, c.cc, &ServiceDesc.Streams[1], in, opts)
}
