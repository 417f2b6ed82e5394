// Package remote provides a resource manager and session store served by a
// jobserver over gRPC with mutual TLS.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/types/known/emptypb"

	api "github.com/nixpig/jobsession/api/v1"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/registry"

	// Registers the local backend's extensions so job templates and infos
	// served by a jobserver decode.
	_ "github.com/nixpig/jobsession/internal/drm/local"
)

// Client is a drm.Backend and registry.Store backed by a jobserver.
type Client struct {
	api    api.ResourceManagerClient
	conn   *grpc.ClientConn
	info   *api.SystemInfo
	logger *slog.Logger
}

var (
	_ drm.Backend        = (*Client)(nil)
	_ drm.Notifier       = (*Client)(nil)
	_ drm.OutputStreamer = (*Client)(nil)
	_ registry.Store     = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial connects to the jobserver at target.
func Dial(
	ctx context.Context,
	target string,
	creds credentials.TransportCredentials,
	opts ...Option,
) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create grpc client: %w", err)
	}

	c, err := New(ctx, conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.conn = conn

	return c, nil
}

// New creates a Client over an existing connection. The connection is not
// closed by Close.
func New(ctx context.Context, cc grpc.ClientConnInterface, opts ...Option) (*Client, error) {
	c := &Client{
		api:    api.NewResourceManagerClient(cc),
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(c)
	}

	info, err := c.api.GetSystemInfo(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, c.mapError("get system info", err)
	}

	c.info = info

	return c, nil
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

func (c *Client) Name() string {
	return c.info.Name
}

func (c *Client) Version() drm.Version {
	return c.info.Version
}

func (c *Client) Supports(capability drm.Capability) bool {
	return slices.Contains(c.info.Capabilities, capability.String())
}

func (c *Client) JobCategories(ctx context.Context) ([]string, error) {
	return slices.Clone(c.info.JobCategories), nil
}

func (c *Client) Submit(ctx context.Context, session string, jt *descriptor.JobTemplate) (string, error) {
	resp, err := c.api.SubmitJob(ctx, &api.SubmitJobRequest{Session: session, Template: jt})
	if err != nil {
		return "", c.mapError("submit job", err)
	}

	return resp.ID, nil
}

func (c *Client) SubmitBulk(
	ctx context.Context,
	session string,
	jt *descriptor.JobTemplate,
	r drm.BulkRange,
) (string, []string, error) {
	resp, err := c.api.SubmitBulkJobs(ctx, &api.SubmitBulkJobsRequest{
		Session:  session,
		Template: jt,
		Range:    r,
	})
	if err != nil {
		return "", nil, c.mapError("submit bulk jobs", err)
	}

	return resp.ArrayID, resp.JobIDs, nil
}

func (c *Client) JobArray(ctx context.Context, arrayID string) (*drm.ArrayRecord, error) {
	resp, err := c.api.GetJobArray(ctx, &api.JobRequest{ID: arrayID})
	if err != nil {
		return nil, c.mapError("get job array", err)
	}

	return resp.Array, nil
}

func (c *Client) State(ctx context.Context, jobID string) (descriptor.JobState, string, error) {
	resp, err := c.api.GetJobState(ctx, &api.JobRequest{ID: jobID})
	if err != nil {
		return descriptor.Undetermined, "", c.mapError("get job state", err)
	}

	return resp.State, resp.SubState, nil
}

func (c *Client) Info(ctx context.Context, jobID string) (*descriptor.JobInfo, error) {
	resp, err := c.api.GetJobInfo(ctx, &api.JobRequest{ID: jobID})
	if err != nil {
		return nil, c.mapError("get job info", err)
	}

	return resp.Info, nil
}

func (c *Client) Control(ctx context.Context, jobID string, a drm.Action) error {
	if _, err := c.api.ControlJob(ctx, &api.ControlJobRequest{ID: jobID, Action: a}); err != nil {
		return c.mapError(a.String()+" job", err)
	}

	return nil
}

func (c *Client) Reap(ctx context.Context, jobID string) error {
	if _, err := c.api.ReapJob(ctx, &api.JobRequest{ID: jobID}); err != nil {
		return c.mapError("reap job", err)
	}

	return nil
}

func (c *Client) Jobs(ctx context.Context, session string) ([]string, error) {
	resp, err := c.api.ListJobs(ctx, &api.ListJobsRequest{Session: session})
	if err != nil {
		return nil, c.mapError("list jobs", err)
	}

	return resp.IDs, nil
}

// StreamOutput implements drm.OutputStreamer. Failures to open the stream,
// such as an unknown job, are returned here rather than from Read.
func (c *Client) StreamOutput(ctx context.Context, jobID string) (io.ReadCloser, error) {
	const op = "stream output"

	ctx, cancel := context.WithCancel(ctx)

	stream, err := c.api.StreamJobOutput(ctx, &api.JobRequest{ID: jobID})
	if err != nil {
		cancel()
		return nil, c.mapError(op, err)
	}

	// The server sends headers once the output is open; a stream ending
	// without them carries the failure.
	if md, _ := stream.Header(); md == nil {
		defer cancel()

		if _, err := stream.Recv(); err != nil && err != io.EOF {
			return nil, c.mapError(op, err)
		}

		return io.NopCloser(strings.NewReader("")), nil
	}

	return &outputReader{stream: stream, cancel: cancel, mapError: func(err error) error {
		return c.mapError(op, err)
	}}, nil
}

// Subscribe implements drm.Notifier. The channel closes when ctx is done or
// the watch fails.
func (c *Client) Subscribe(ctx context.Context) <-chan drm.Notification {
	ch := make(chan drm.Notification, 64)

	stream, err := c.api.WatchJobs(ctx, &api.WatchJobsRequest{})
	if err != nil {
		c.logger.Warn("watch jobs", "err", err)
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)

		for {
			n, err := stream.Recv()
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					c.logger.Warn("receive job notification", "err", err)
				}

				return
			}

			select {
			case ch <- *n:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (c *Client) Create(ctx context.Context, name string, h registry.Handle) (*registry.Record, error) {
	resp, err := c.api.CreateSession(ctx, &api.CreateSessionRequest{Name: name, Handle: h})
	if err != nil {
		return nil, c.mapError("create session", err)
	}

	return resp.Record, nil
}

func (c *Client) Attach(ctx context.Context, name string, h registry.Handle) (*registry.Record, error) {
	resp, err := c.api.AttachSession(ctx, &api.AttachSessionRequest{Name: name, Handle: h})
	if err != nil {
		return nil, c.mapError("attach session", err)
	}

	return resp.Record, nil
}

func (c *Client) Detach(ctx context.Context, name, contact string) error {
	if _, err := c.api.DetachSession(ctx, &api.DetachSessionRequest{Name: name, Contact: contact}); err != nil {
		return c.mapError("detach session", err)
	}

	return nil
}

func (c *Client) Delete(ctx context.Context, name string) error {
	if _, err := c.api.DeleteSession(ctx, &api.SessionRequest{Name: name}); err != nil {
		return c.mapError("destroy session", err)
	}

	return nil
}

func (c *Client) Get(ctx context.Context, name string) (*registry.Record, error) {
	resp, err := c.api.GetSession(ctx, &api.SessionRequest{Name: name})
	if err != nil {
		return nil, c.mapError("get session", err)
	}

	return resp.Record, nil
}

func (c *Client) Names(ctx context.Context) ([]string, error) {
	resp, err := c.api.ListSessions(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, c.mapError("list sessions", err)
	}

	return resp.Names, nil
}

// mapError restores the error kind sent by the server.
func (c *Client) mapError(op string, err error) error {
	mapped := api.Error(op, err)
	c.logger.Debug(op, "err", mapped)

	return mapped
}
