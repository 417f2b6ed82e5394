package remote

import (
	"context"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	api "github.com/nixpig/jobsession/api/v1"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
	"github.com/nixpig/jobsession/internal/registry"
)

const (
	// streamBufferSize is the buffer size for reading job output.
	// 4KB aligns with typical pipe buffer sizes.
	streamBufferSize = 4096
)

// Server serves a resource manager and session store over gRPC.
type Server struct {
	api.UnimplementedResourceManagerServer

	backend drm.Backend
	store   registry.Store
	logger  *slog.Logger
}

// NewServer creates a Server for backend and store.
func NewServer(backend drm.Backend, store registry.Store, logger *slog.Logger) *Server {
	return &Server{backend: backend, store: store, logger: logger}
}

// Register registers the service with s.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	api.RegisterResourceManagerServer(r, s)
}

func (s *Server) GetSystemInfo(ctx context.Context, _ *emptypb.Empty) (*api.SystemInfo, error) {
	categories, err := s.backend.JobCategories(ctx)
	if err != nil {
		return nil, s.mapError("list job categories", err)
	}

	var caps []string
	for _, c := range drm.Supported(s.backend) {
		caps = append(caps, c.String())
	}

	return &api.SystemInfo{
		Name:          s.backend.Name(),
		Version:       s.backend.Version(),
		Capabilities:  caps,
		JobCategories: categories,
	}, nil
}

func (s *Server) CreateSession(ctx context.Context, req *api.CreateSessionRequest) (*api.SessionResponse, error) {
	rec, err := s.store.Create(ctx, req.Name, req.Handle)
	if err != nil {
		return nil, s.mapError("create session", err)
	}

	s.logger.Info("session created", "name", req.Name, "host", req.Handle.Host, "pid", req.Handle.PID)

	return &api.SessionResponse{Record: rec}, nil
}

func (s *Server) AttachSession(ctx context.Context, req *api.AttachSessionRequest) (*api.SessionResponse, error) {
	rec, err := s.store.Attach(ctx, req.Name, req.Handle)
	if err != nil {
		return nil, s.mapError("attach session", err)
	}

	return &api.SessionResponse{Record: rec}, nil
}

func (s *Server) DetachSession(ctx context.Context, req *api.DetachSessionRequest) (*emptypb.Empty, error) {
	if err := s.store.Detach(ctx, req.Name, req.Contact); err != nil {
		return nil, s.mapError("detach session", err)
	}

	return &emptypb.Empty{}, nil
}

func (s *Server) DeleteSession(ctx context.Context, req *api.SessionRequest) (*emptypb.Empty, error) {
	if err := s.store.Delete(ctx, req.Name); err != nil {
		return nil, s.mapError("destroy session", err)
	}

	s.logger.Info("session destroyed", "name", req.Name)

	return &emptypb.Empty{}, nil
}

func (s *Server) GetSession(ctx context.Context, req *api.SessionRequest) (*api.SessionResponse, error) {
	rec, err := s.store.Get(ctx, req.Name)
	if err != nil {
		return nil, s.mapError("get session", err)
	}

	return &api.SessionResponse{Record: rec}, nil
}

func (s *Server) ListSessions(ctx context.Context, _ *emptypb.Empty) (*api.ListSessionsResponse, error) {
	names, err := s.store.Names(ctx)
	if err != nil {
		return nil, s.mapError("list sessions", err)
	}

	return &api.ListSessionsResponse{Names: names}, nil
}

// checkSession rejects jobs for sessions the store does not know.
func (s *Server) checkSession(ctx context.Context, name string) error {
	_, err := s.store.Get(ctx, name)
	return err
}

func (s *Server) SubmitJob(ctx context.Context, req *api.SubmitJobRequest) (*api.SubmitJobResponse, error) {
	const op = "submit job"

	if err := s.checkSession(ctx, req.Session); err != nil {
		return nil, s.mapError(op, err)
	}

	id, err := s.backend.Submit(ctx, req.Session, req.Template)
	if err != nil {
		return nil, s.mapError(op, err)
	}

	s.logger.Info("job submitted", "session", req.Session, "id", id)

	return &api.SubmitJobResponse{ID: id}, nil
}

func (s *Server) SubmitBulkJobs(
	ctx context.Context,
	req *api.SubmitBulkJobsRequest,
) (*api.SubmitBulkJobsResponse, error) {
	const op = "submit bulk jobs"

	if err := s.checkSession(ctx, req.Session); err != nil {
		return nil, s.mapError(op, err)
	}

	arrayID, ids, err := s.backend.SubmitBulk(ctx, req.Session, req.Template, req.Range)
	if err != nil {
		return nil, s.mapError(op, err)
	}

	s.logger.Info("job array submitted", "session", req.Session, "id", arrayID, "jobs", len(ids))

	return &api.SubmitBulkJobsResponse{ArrayID: arrayID, JobIDs: ids}, nil
}

func (s *Server) GetJobState(ctx context.Context, req *api.JobRequest) (*api.JobStateResponse, error) {
	state, subState, err := s.backend.State(ctx, req.ID)
	if err != nil {
		return nil, s.mapError("get job state", err)
	}

	return &api.JobStateResponse{State: state, SubState: subState}, nil
}

func (s *Server) GetJobInfo(ctx context.Context, req *api.JobRequest) (*api.JobInfoResponse, error) {
	info, err := s.backend.Info(ctx, req.ID)
	if err != nil {
		return nil, s.mapError("get job info", err)
	}

	return &api.JobInfoResponse{Info: info}, nil
}

func (s *Server) ControlJob(ctx context.Context, req *api.ControlJobRequest) (*emptypb.Empty, error) {
	if err := s.backend.Control(ctx, req.ID, req.Action); err != nil {
		return nil, s.mapError(req.Action.String()+" job", err)
	}

	s.logger.Info("job controlled", "id", req.ID, "action", req.Action.String())

	return &emptypb.Empty{}, nil
}

func (s *Server) ReapJob(ctx context.Context, req *api.JobRequest) (*emptypb.Empty, error) {
	if err := s.backend.Reap(ctx, req.ID); err != nil {
		return nil, s.mapError("reap job", err)
	}

	return &emptypb.Empty{}, nil
}

func (s *Server) ListJobs(ctx context.Context, req *api.ListJobsRequest) (*api.ListJobsResponse, error) {
	ids, err := s.backend.Jobs(ctx, req.Session)
	if err != nil {
		return nil, s.mapError("list jobs", err)
	}

	return &api.ListJobsResponse{IDs: ids}, nil
}

func (s *Server) GetJobArray(ctx context.Context, req *api.JobRequest) (*api.JobArrayResponse, error) {
	rec, err := s.backend.JobArray(ctx, req.ID)
	if err != nil {
		return nil, s.mapError("get job array", err)
	}

	return &api.JobArrayResponse{Array: rec}, nil
}

func (s *Server) StreamJobOutput(
	req *api.JobRequest,
	stream grpc.ServerStreamingServer[api.StreamJobOutputResponse],
) error {
	const op = "stream output"

	streamer, ok := s.backend.(drm.OutputStreamer)
	if !ok {
		return s.mapError(op, drmerr.Errorf(drmerr.UnsupportedOperation, op, "%s does not capture output", s.backend.Name()))
	}

	outputReader, err := streamer.StreamOutput(stream.Context(), req.ID)
	if err != nil {
		return s.mapError(op, err)
	}

	// Reads block until the job writes, so a departed client has to close the
	// reader to unblock them.
	stop := context.AfterFunc(stream.Context(), func() { outputReader.Close() })

	defer func() {
		if !stop() {
			return
		}

		if err := outputReader.Close(); err != nil {
			s.logger.Warn("close output reader", "id", req.ID, "err", err)
		}
	}()

	// Headers tell the client the output is open.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	buf := make([]byte, streamBufferSize)
	for {
		n, err := outputReader.Read(buf)
		if n > 0 {
			if err := stream.Send(&api.StreamJobOutputResponse{
				Output: buf[:n],
			}); err != nil {
				s.logger.Warn("stream data to client", "id", req.ID, "err", err)
				return status.Error(codes.DataLoss, "failed to stream data")
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}

			return s.mapError("read job output stream", err)
		}
	}

	return nil
}

func (s *Server) WatchJobs(
	req *api.WatchJobsRequest,
	stream grpc.ServerStreamingServer[drm.Notification],
) error {
	const op = "watch jobs"

	notifier, ok := s.backend.(drm.Notifier)
	if !ok {
		return s.mapError(op, drmerr.Errorf(drmerr.UnsupportedOperation, op, "%s does not notify", s.backend.Name()))
	}

	notifications := notifier.Subscribe(stream.Context())

	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	for n := range notifications {
		if req.Session != "" && n.Session != req.Session {
			continue
		}

		if err := stream.Send(&n); err != nil {
			s.logger.Debug("send notification", "err", err)
			return err
		}
	}

	return nil
}

// mapError translates resource manager errors to gRPC errors carrying their
// kind.
func (s *Server) mapError(logMsg string, err error) error {
	switch drmerr.KindOf(err) {
	case drmerr.KindNone, drmerr.Internal:
		s.logger.Error(logMsg, "err", err)
	default:
		s.logger.Warn(logMsg, "err", err)
	}

	return api.Status(err).Err()
}
