package jobsession

import (
	"context"
	"iter"
	"time"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
)

type milestone int

const (
	started milestone = iota + 1
	terminated
)

func (m milestone) String() string {
	if m == started {
		return "started"
	}

	return "terminated"
}

func (m milestone) reached(s descriptor.JobState) bool {
	if m == started {
		return s.HasStarted()
	}

	return s.IsTerminal()
}

// WaitAnyStarted blocks until one of jobs has started and returns it. When
// several have, the first in list order is returned. A timeout of
// descriptor.InfiniteTime waits forever and descriptor.ZeroTime checks once.
func (s *Session) WaitAnyStarted(
	ctx context.Context,
	jobs *container.List[*Job],
	timeout time.Duration,
) (*Job, error) {
	return s.waitAnyList(ctx, "wait any started", jobs, timeout, started)
}

// WaitAnyTerminated blocks until one of jobs is Done or Failed and returns
// it. It otherwise behaves like WaitAnyStarted.
func (s *Session) WaitAnyTerminated(
	ctx context.Context,
	jobs *container.List[*Job],
	timeout time.Duration,
) (*Job, error) {
	return s.waitAnyList(ctx, "wait any terminated", jobs, timeout, terminated)
}

// Terminated yields the jobs of list as they terminate. The caller's list is
// not modified. Each wait uses timeout; the first error is yielded and ends
// the iteration.
func (s *Session) Terminated(
	ctx context.Context,
	jobs *container.List[*Job],
	timeout time.Duration,
) iter.Seq2[*Job, error] {
	return func(yield func(*Job, error) bool) {
		remaining, err := jobs.Clone()
		if err != nil {
			yield(nil, drmerr.Wrap(drmerr.InvalidArgument, "wait terminated", err))
			return
		}

		for remaining.Size() > 0 {
			j, err := s.WaitAnyTerminated(ctx, remaining, timeout)
			if err != nil {
				yield(nil, err)
				return
			}

			if i := remaining.IndexFunc(func(x *Job) bool { return x == j }); i >= 0 {
				remaining.RemoveAt(i)
			}

			if !yield(j, nil) {
				return
			}
		}
	}
}

func (s *Session) waitAnyList(
	ctx context.Context,
	op string,
	jobs *container.List[*Job],
	timeout time.Duration,
	m milestone,
) (*Job, error) {
	if jobs == nil {
		return nil, drmerr.New(drmerr.InvalidArgument, op, "nil job list")
	}

	values, err := jobs.Values()
	if err != nil {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	if len(values) == 0 {
		return nil, drmerr.New(drmerr.InvalidArgument, op, "empty job list")
	}

	return s.waitAny(ctx, op, values, timeout, m)
}

func (s *Session) waitAny(
	ctx context.Context,
	op string,
	jobs []*Job,
	timeout time.Duration,
	m milestone,
) (*Job, error) {
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	if timeout < 0 && timeout != descriptor.InfiniteTime {
		return nil, drmerr.Errorf(drmerr.InvalidArgument, op, "invalid timeout %s", timeout)
	}

	ids := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j == nil || j.session != s {
			return nil, drmerr.Wrap(drmerr.InvalidArgument, op, ErrForeignJob)
		}

		ids[j.id] = true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before the first check so no state change is missed between
	// the check and the wait.
	var events <-chan drm.Notification
	if n, ok := s.rt.backend.(drm.Notifier); ok {
		events = n.Subscribe(ctx)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	ticker := time.NewTicker(s.rt.poll)
	defer ticker.Stop()

	check := true

	for {
		if check {
			j, err := s.firstReached(ctx, op, jobs, m)
			if err != nil || j != nil {
				return j, err
			}

			if timeout == descriptor.ZeroTime {
				return nil, drmerr.Errorf(drmerr.Timeout, op, "no job %s", m)
			}
		}

		select {
		case <-ctx.Done():
			return nil, drmerr.Wrap(drmerr.Timeout, op, ctx.Err())

		case <-s.done:
			return nil, s.checkOpen(op)

		case <-expired:
			return nil, drmerr.Errorf(drmerr.Timeout, op, "no job %s within %s", m, timeout)

		case n, ok := <-events:
			if !ok {
				events = nil
			}

			check = !ok || ids[n.JobID]

		case <-ticker.C:
			check = true
		}
	}
}

// firstReached returns the first of jobs to have reached m, or nil.
func (s *Session) firstReached(
	ctx context.Context,
	op string,
	jobs []*Job,
	m milestone,
) (*Job, error) {
	for _, j := range jobs {
		if err := j.check(op); err != nil {
			return nil, err
		}

		state, _, err := s.rt.backend.State(ctx, j.id)
		if err != nil {
			return nil, err
		}

		if m.reached(state) {
			return j, nil
		}
	}

	return nil, nil
}
