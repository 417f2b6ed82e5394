package jobsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
)

// Job is a handle on a job submitted in a session.
type Job struct {
	id       string
	session  *Session
	template *descriptor.JobTemplate
	reaped   atomic.Bool
}

// ID returns the job ID assigned by the resource manager.
func (j *Job) ID() string {
	return j.id
}

// SessionName returns the name of the session the job belongs to.
func (j *Job) SessionName() string {
	return j.session.name
}

// Template returns a copy of the template the job was submitted with. Jobs
// adopted by reopening a session have no template.
func (j *Job) Template() (*descriptor.JobTemplate, error) {
	if j.template == nil {
		return nil, drmerr.Errorf(drmerr.UnsupportedOperation, "get job template", "template of adopted job %s unknown", j.id)
	}

	return j.template.Clone()
}

func (j *Job) check(op string) error {
	if err := j.session.checkOpen(op); err != nil {
		return err
	}

	if j.reaped.Load() {
		return drmerr.Wrap(drmerr.InvalidState, op, fmt.Errorf("%s: %w", j.id, ErrJobReaped))
	}

	return nil
}

// State returns the job state and the resource manager's sub-state.
func (j *Job) State(ctx context.Context) (descriptor.JobState, string, error) {
	if err := j.check("get job state"); err != nil {
		return descriptor.Undetermined, "", err
	}

	return j.session.rt.backend.State(ctx, j.id)
}

// Info returns a snapshot of the job. The caller owns the snapshot.
func (j *Job) Info(ctx context.Context) (*descriptor.JobInfo, error) {
	if err := j.check("get job info"); err != nil {
		return nil, err
	}

	return j.session.rt.backend.Info(ctx, j.id)
}

func (j *Job) Suspend(ctx context.Context) error {
	return j.control(ctx, drm.ActionSuspend)
}

func (j *Job) Resume(ctx context.Context) error {
	return j.control(ctx, drm.ActionResume)
}

func (j *Job) Hold(ctx context.Context) error {
	return j.control(ctx, drm.ActionHold)
}

func (j *Job) Release(ctx context.Context) error {
	return j.control(ctx, drm.ActionRelease)
}

// Terminate ends the job. It returns once the job is Failed.
func (j *Job) Terminate(ctx context.Context) error {
	return j.control(ctx, drm.ActionTerminate)
}

func (j *Job) control(ctx context.Context, a drm.Action) error {
	if err := j.check(a.String() + " job"); err != nil {
		return err
	}

	if err := j.session.rt.backend.Control(ctx, j.id, a); err != nil {
		return err
	}

	j.session.rt.logger.Debug("job controlled", "id", j.id, "action", a.String())

	return nil
}

// Reap forgets a terminated job. Every later call on the job fails with
// InvalidState.
func (j *Job) Reap(ctx context.Context) error {
	if err := j.check("reap job"); err != nil {
		return err
	}

	if err := j.session.rt.backend.Reap(ctx, j.id); err != nil {
		return err
	}

	j.reaped.Store(true)
	j.session.untrack(j.id)

	return nil
}

// Output opens the job's output stream. Reads block for more output until
// the job finishes.
func (j *Job) Output(ctx context.Context) (io.ReadCloser, error) {
	const op = "open output"

	if err := j.check(op); err != nil {
		return nil, err
	}

	streamer, ok := j.session.rt.backend.(drm.OutputStreamer)
	if !ok {
		return nil, drmerr.Errorf(drmerr.UnsupportedOperation, op, "%s does not capture output", j.session.rt.backend.Name())
	}

	return streamer.StreamOutput(ctx, j.id)
}

// WaitStarted blocks until the job has started.
func (j *Job) WaitStarted(ctx context.Context, timeout time.Duration) error {
	_, err := j.session.waitAny(ctx, "wait started", []*Job{j}, timeout, started)
	return err
}

// WaitTerminated blocks until the job is Done or Failed.
func (j *Job) WaitTerminated(ctx context.Context, timeout time.Duration) error {
	_, err := j.session.waitAny(ctx, "wait terminated", []*Job{j}, timeout, terminated)
	return err
}

// JobArray is a handle on the jobs of a bulk submission.
type JobArray struct {
	id       string
	session  *Session
	template *descriptor.JobTemplate
	jobs     *container.List[*Job]
}

// ID returns the array ID assigned by the resource manager.
func (a *JobArray) ID() string {
	return a.id
}

// SessionName returns the name of the session the array belongs to.
func (a *JobArray) SessionName() string {
	return a.session.name
}

// Template returns a copy of the template the array was submitted with.
func (a *JobArray) Template() (*descriptor.JobTemplate, error) {
	if a.template == nil {
		return nil, drmerr.Errorf(drmerr.UnsupportedOperation, "get job array template", "template of array %s unknown", a.id)
	}

	return a.template.Clone()
}

// Jobs returns the member jobs in index order. The list owns nothing.
func (a *JobArray) Jobs() *container.List[*Job] {
	jobs, _ := a.jobs.Clone()
	return jobs
}

func (a *JobArray) Suspend(ctx context.Context) error {
	return a.control(ctx, drm.ActionSuspend)
}

func (a *JobArray) Resume(ctx context.Context) error {
	return a.control(ctx, drm.ActionResume)
}

func (a *JobArray) Hold(ctx context.Context) error {
	return a.control(ctx, drm.ActionHold)
}

func (a *JobArray) Release(ctx context.Context) error {
	return a.control(ctx, drm.ActionRelease)
}

func (a *JobArray) Terminate(ctx context.Context) error {
	return a.control(ctx, drm.ActionTerminate)
}

// control applies action to every member. Members for which the action is
// illegal do not stop the others.
func (a *JobArray) control(ctx context.Context, action drm.Action) error {
	var errs []error

	for _, j := range a.jobs.All() {
		if err := j.control(ctx, action); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.id, err))
		}
	}

	return errors.Join(errs...)
}
