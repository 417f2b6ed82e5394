// Package drm defines the contract between the job session runtime and a
// resource manager, and the types shared by every backend.
package drm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drmerr"
)

// ErrJobNotFound is returned when a backend does not know a job ID, e.g.
// because the job was reaped.
var ErrJobNotFound = errors.New("job not found")

// ErrArrayNotFound is returned when a backend does not know a job array ID.
var ErrArrayNotFound = errors.New("job array not found")

// Version identifies a resource manager implementation.
type Version struct {
	Major string `json:"major"`
	Minor string `json:"minor"`
}

func (v Version) String() string {
	return v.Major + "." + v.Minor
}

// ArrayRecord describes a submitted job array.
type ArrayRecord struct {
	ID          string                  `json:"id"`
	Session     string                  `json:"session"`
	JobIDs      []string                `json:"jobIds"`
	Template    *descriptor.JobTemplate `json:"template,omitempty"`
	MaxParallel int                     `json:"maxParallel,omitempty"`
}

// Backend is a resource manager that runs jobs on behalf of job sessions.
// Every method is safe for concurrent use.
type Backend interface {
	// Name returns the name of the resource manager.
	Name() string

	// Version returns the version of the resource manager.
	Version() Version

	// Supports reports whether the optional capability is available.
	Supports(c Capability) bool

	// JobCategories returns the job categories accepted in
	// JobTemplate.JobCategory.
	JobCategories(ctx context.Context) ([]string, error)

	// Submit submits a single job for session and returns its ID. The
	// backend takes its own copy of jt.
	Submit(ctx context.Context, session string, jt *descriptor.JobTemplate) (string, error)

	// SubmitBulk submits one job per index of r for session and returns the
	// array ID and the job IDs in index order.
	SubmitBulk(
		ctx context.Context,
		session string,
		jt *descriptor.JobTemplate,
		r BulkRange,
	) (string, []string, error)

	// JobArray returns the record of a submitted job array.
	JobArray(ctx context.Context, arrayID string) (*ArrayRecord, error)

	// State returns the state and the backend specific sub-state of a job.
	State(ctx context.Context, jobID string) (descriptor.JobState, string, error)

	// Info returns a snapshot of a job.
	Info(ctx context.Context, jobID string) (*descriptor.JobInfo, error)

	// Control applies a control action to a job.
	Control(ctx context.Context, jobID string, a Action) error

	// Reap forgets a terminated job.
	Reap(ctx context.Context, jobID string) error

	// Jobs returns the IDs of the jobs of session that have not been reaped,
	// in submission order.
	Jobs(ctx context.Context, session string) ([]string, error)
}

// Notifier is implemented by backends that push job state changes.
type Notifier interface {
	// Subscribe returns a channel of notifications that is closed when ctx
	// is done. Slow receivers may miss notifications.
	Subscribe(ctx context.Context) <-chan Notification
}

// OutputStreamer is implemented by backends that capture job output.
type OutputStreamer interface {
	// StreamOutput returns the output of a job from its start. Read blocks
	// for new output until the job finishes.
	StreamOutput(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// BulkRange is the index range of a job array. MaxParallel <= 0 means no
// limit on concurrently running tasks.
type BulkRange struct {
	Begin       int64 `json:"begin"`
	End         int64 `json:"end"`
	Step        int64 `json:"step"`
	MaxParallel int   `json:"maxParallel,omitempty"`
}

// Validate checks the range is well formed.
func (r BulkRange) Validate() error {
	const op = "validate bulk range"

	if r.Begin < 1 {
		return drmerr.Errorf(drmerr.InvalidArgument, op, "begin index must be at least 1: got %d", r.Begin)
	}

	if r.Begin > r.End {
		return drmerr.Errorf(drmerr.InvalidArgument, op, "begin index %d exceeds end index %d", r.Begin, r.End)
	}

	if r.Step < 1 {
		return drmerr.Errorf(drmerr.InvalidArgument, op, "step must be at least 1: got %d", r.Step)
	}

	return nil
}

// Indices returns the indices of the range.
func (r BulkRange) Indices() []int64 {
	var indices []int64
	for i := r.Begin; i <= r.End; i += r.Step {
		indices = append(indices, i)
	}

	return indices
}

func (r BulkRange) String() string {
	return fmt.Sprintf("%d-%d:%d", r.Begin, r.End, r.Step)
}

// JobNotFound returns the error reported for an unknown job ID.
func JobNotFound(op, jobID string) error {
	return drmerr.Wrap(drmerr.InvalidState, op, fmt.Errorf("%s: %w", jobID, ErrJobNotFound))
}
