package jobsession

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
)

// Session is an open job session. Jobs submitted through it are tagged with
// its name and can be found again by reopening the session.
type Session struct {
	name    string
	contact string
	rt      *Runtime

	jobs   map[string]*Job
	closed bool
	done   chan struct{}

	mu sync.Mutex
}

func newSession(rt *Runtime, name, contact string) *Session {
	return &Session{
		name:    name,
		contact: contact,
		rt:      rt,
		jobs:    make(map[string]*Job),
		done:    make(chan struct{}),
	}
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Contact returns the contact of this session handle, or "" once it is
// closed.
func (s *Session) Contact() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ""
	}

	return s.contact
}

// IsOpen reports whether the session has not been closed.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.closed
}

// Close releases this handle on the session. Persisted state and jobs are
// kept. Waits in progress fail with InvalidSession. Closing twice is a
// no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.rt.forget(s)

	if err := s.rt.registry.Close(ctx, s.name); err != nil {
		return err
	}

	s.rt.logger.Debug("session closed", "name", s.name)

	return nil
}

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return drmerr.Wrap(drmerr.InvalidSession, op, fmt.Errorf("%s: %w", s.name, ErrSessionClosed))
	}

	return nil
}

// job returns the handle tracked for id, creating it with template jt if
// there is none. The same ID always maps to the same handle.
func (s *Session) job(id string, jt *descriptor.JobTemplate) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		return j
	}

	j := &Job{id: id, session: s, template: jt}
	s.jobs[id] = j

	return j
}

func (s *Session) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
}

// RunJob submits a job described by jt. The session keeps its own copy of
// jt, so the caller may destroy it afterwards.
func (s *Session) RunJob(ctx context.Context, jt *descriptor.JobTemplate) (*Job, error) {
	const op = "run job"

	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	if err := jt.Validate(); err != nil {
		return nil, err
	}

	clone, err := jt.Clone()
	if err != nil {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	id, err := s.rt.backend.Submit(ctx, s.name, clone)
	if err != nil {
		clone.Destroy()
		return nil, err
	}

	s.rt.logger.Info("job submitted", "session", s.name, "id", id)

	return s.job(id, clone), nil
}

// RunBulkJobs submits one job per index in begin..end stepping by step. At
// most maxParallel of them run at once; maxParallel <= 0 means no limit.
func (s *Session) RunBulkJobs(
	ctx context.Context,
	jt *descriptor.JobTemplate,
	begin, end, step int64,
	maxParallel int,
) (*JobArray, error) {
	const op = "run bulk jobs"

	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	r := drm.BulkRange{Begin: begin, End: end, Step: step, MaxParallel: maxParallel}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	if err := jt.Validate(); err != nil {
		return nil, err
	}

	clone, err := jt.Clone()
	if err != nil {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	arrayID, ids, err := s.rt.backend.SubmitBulk(ctx, s.name, clone, r)
	if err != nil {
		clone.Destroy()
		return nil, err
	}

	s.rt.logger.Info("job array submitted", "session", s.name, "id", arrayID, "range", r.String())

	return s.newJobArray(arrayID, clone, ids), nil
}

func (s *Session) newJobArray(id string, jt *descriptor.JobTemplate, ids []string) *JobArray {
	jobs := container.New[*Job](nil)
	for _, jobID := range ids {
		jobs.Add(s.job(jobID, jt))
	}

	return &JobArray{id: id, session: s, template: jt, jobs: jobs}
}

// Jobs returns the session's jobs that have not been reaped, in submission
// order. A nil filter matches every job.
func (s *Session) Jobs(ctx context.Context, filter *descriptor.JobInfoFilter) (*container.List[*Job], error) {
	const op = "list jobs"

	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	ids, err := s.rt.backend.Jobs(ctx, s.name)
	if err != nil {
		return nil, err
	}

	jobs := container.New[*Job](nil)

	for _, id := range ids {
		if filter != nil {
			ok, err := s.match(ctx, id, filter)
			if err != nil {
				return nil, err
			}

			if !ok {
				continue
			}
		}

		jobs.Add(s.job(id, nil))
	}

	return jobs, nil
}

func (s *Session) match(ctx context.Context, id string, filter *descriptor.JobInfoFilter) (bool, error) {
	if filter.JobID != "" && filter.JobID != id {
		return false, nil
	}

	info, err := s.rt.backend.Info(ctx, id)
	if err != nil {
		return false, err
	}
	defer info.Destroy()

	return filter.Match(info), nil
}

// JobArray returns a job array submitted in this session.
func (s *Session) JobArray(ctx context.Context, id string) (*JobArray, error) {
	const op = "get job array"

	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	rec, err := s.rt.backend.JobArray(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Session != s.name {
		if rec.Template != nil {
			rec.Template.Destroy()
		}

		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, fmt.Errorf("%s: %w", id, drm.ErrArrayNotFound))
	}

	return s.newJobArray(rec.ID, rec.Template, rec.JobIDs), nil
}

// JobCategories returns the job categories the resource manager accepts.
func (s *Session) JobCategories(ctx context.Context) ([]string, error) {
	if err := s.checkOpen("list job categories"); err != nil {
		return nil, err
	}

	return s.rt.backend.JobCategories(ctx)
}

// OpenOutputs opens the output streams of jobs, in list order. The returned
// list owns the streams; destroying it closes them.
func (s *Session) OpenOutputs(
	ctx context.Context,
	jobs *container.List[*Job],
) (*container.List[io.ReadCloser], error) {
	const op = "open outputs"

	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	values, err := jobs.Values()
	if err != nil {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	outputs := container.New(func(r io.ReadCloser) { r.Close() })

	for _, j := range values {
		r, err := j.Output(ctx)
		if err != nil {
			outputs.Destroy()
			return nil, err
		}

		outputs.Add(r)
	}

	return outputs, nil
}
