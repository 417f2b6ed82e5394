package jobsession_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drm/local"
	"github.com/nixpig/jobsession/internal/drmerr"
	"github.com/nixpig/jobsession/internal/jobsession"
	"github.com/nixpig/jobsession/internal/registry"
)

const waitTimeout = 10 * time.Second

type fixture struct {
	rt      *jobsession.Runtime
	manager *local.Manager
	store   *registry.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m, err := local.NewManager()
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	store, err := registry.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	rt := jobsession.New(m, store, jobsession.WithPollInterval(10*time.Millisecond))
	t.Cleanup(func() { rt.Close(context.Background()) })

	return &fixture{rt: rt, manager: m, store: store}
}

func (f *fixture) session(t *testing.T, name string) *jobsession.Session {
	t.Helper()

	s, err := f.rt.CreateSession(t.Context(), name, "")
	require.NoError(t, err)

	return s
}

func newTemplate(program string, args ...string) *descriptor.JobTemplate {
	jt := descriptor.NewJobTemplate()
	jt.RemoteCommand = program
	jt.Args = container.Of(args...)

	return jt
}

func runJob(t *testing.T, s *jobsession.Session, program string, args ...string) *jobsession.Job {
	t.Helper()

	j, err := s.RunJob(t.Context(), newTemplate(program, args...))
	require.NoError(t, err)

	return j
}

func jobState(t *testing.T, j *jobsession.Job) descriptor.JobState {
	t.Helper()

	state, _, err := j.State(t.Context())
	require.NoError(t, err)

	return state
}

func TestRuntime(t *testing.T) {
	t.Parallel()

	t.Run("Test resource manager info", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		assert.Equal(t, local.BackendName, f.rt.DRMSName())
		assert.Equal(t, "1.0", f.rt.DRMSVersion().String())
		assert.True(t, f.rt.Supports(drm.CapBulkJobsMaxParallel))
		assert.False(t, f.rt.Supports(drm.CapAdvanceReservation))
	})

	t.Run("Test implementation specific attributes", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		assert.Contains(t, f.rt.JobTemplateAttributes(), "limits.memoryMaxBytes")
		assert.Contains(t, f.rt.JobInfoAttributes(), "runs")

		desc, err := f.rt.DescribeAttribute("pid")
		require.NoError(t, err)
		assert.NotEmpty(t, desc)

		desc, err = f.rt.DescribeAttribute("limits.cpuMaxPercent")
		require.NoError(t, err)
		assert.Equal(t, f.rt.JobTemplateAttributes()["limits.cpuMaxPercent"], desc)

		_, err = f.rt.DescribeAttribute("walltime")
		assert.ErrorIs(t, err, drmerr.InvalidArgument)
	})

	t.Run("Test session lifecycle", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		s, err := f.rt.CreateSession(t.Context(), "s1", "my-contact")
		require.NoError(t, err)
		assert.Equal(t, "s1", s.Name())
		assert.Equal(t, "my-contact", s.Contact())
		assert.True(t, s.IsOpen())

		_, err = f.rt.CreateSession(t.Context(), "s1", "")
		assert.ErrorIs(t, err, drmerr.SessionManagement)
		assert.ErrorIs(t, err, registry.ErrSessionExists)

		_, err = f.rt.OpenSession(t.Context(), "s1")
		assert.ErrorIs(t, err, drmerr.SessionManagement)

		assert.ErrorIs(t, f.rt.DestroySession(t.Context(), "s1"), registry.ErrSessionBusy)

		require.NoError(t, s.Close(t.Context()))
		require.NoError(t, s.Close(t.Context()))
		assert.False(t, s.IsOpen())
		assert.Empty(t, s.Contact())

		names, err := f.rt.SessionNames(t.Context())
		require.NoError(t, err)
		values, err := names.Values()
		require.NoError(t, err)
		assert.Equal(t, []string{"s1"}, values)

		s, err = f.rt.OpenSession(t.Context(), "s1")
		require.NoError(t, err)
		require.NoError(t, s.Close(t.Context()))

		require.NoError(t, f.rt.DestroySession(t.Context(), "s1"))

		_, err = f.rt.OpenSession(t.Context(), "s1")
		assert.ErrorIs(t, err, drmerr.InvalidSession)
		assert.ErrorIs(t, err, registry.ErrSessionNotFound)
	})

	t.Run("Test invalid session name", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		_, err := f.rt.CreateSession(t.Context(), "../nope", "")
		assert.ErrorIs(t, err, drmerr.InvalidArgument)
	})

	t.Run("Test ensure session", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		s, err := f.rt.EnsureSession(t.Context(), "s1")
		require.NoError(t, err)
		require.NoError(t, s.Close(t.Context()))

		s, err = f.rt.EnsureSession(t.Context(), "s1")
		require.NoError(t, err)
		assert.True(t, s.IsOpen())
	})

	t.Run("Test create with retry replaces stale session", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		s := f.session(t, "s1")
		require.NoError(t, s.Close(t.Context()))

		s, err := f.rt.CreateSessionWithRetry(t.Context(), "s1", "fresh", 2)
		require.NoError(t, err)
		assert.Equal(t, "fresh", s.Contact())
	})

	t.Run("Test create with retry gives up", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		f.session(t, "s1")

		_, err := f.rt.CreateSessionWithRetry(t.Context(), "s1", "", 3)
		assert.ErrorIs(t, err, drmerr.SessionManagement)
	})

	t.Run("Test destroy reaps terminated jobs", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		s := f.session(t, "s1")
		j := runJob(t, s, "true")
		require.NoError(t, j.WaitTerminated(t.Context(), waitTimeout))
		require.NoError(t, s.Close(t.Context()))

		require.NoError(t, f.rt.DestroySession(t.Context(), "s1"))

		ids, err := f.manager.Jobs(t.Context(), "s1")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Test close closes sessions", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		a := f.session(t, "a")
		b := f.session(t, "b")

		require.NoError(t, f.rt.Close(t.Context()))
		assert.False(t, a.IsOpen())
		assert.False(t, b.IsOpen())

		rec, err := f.store.Get(t.Context(), "a")
		require.NoError(t, err)
		assert.False(t, rec.Open())
	})
}

func TestSessionJobs(t *testing.T) {
	t.Parallel()

	t.Run("Test run job", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		jt := newTemplate("true")
		j, err := s.RunJob(t.Context(), jt)
		require.NoError(t, err)
		assert.Equal(t, "s1", j.SessionName())

		// The session keeps its own copy.
		require.NoError(t, jt.Destroy())

		got, err := j.Template()
		require.NoError(t, err)
		assert.Equal(t, "true", got.RemoteCommand)

		require.NoError(t, j.WaitTerminated(t.Context(), waitTimeout))
		assert.Equal(t, descriptor.Done, jobState(t, j))

		info, err := j.Info(t.Context())
		require.NoError(t, err)
		defer info.Destroy()

		assert.Equal(t, j.ID(), info.JobID)
		assert.Equal(t, descriptor.Some[int64](0), info.ExitStatus)
	})

	t.Run("Test info of unchanged job is stable", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		j := runJob(t, s, "sleep", "10")
		require.NoError(t, j.WaitStarted(t.Context(), waitTimeout))

		snapshots := func() (*descriptor.JobInfo, *descriptor.JobInfo) {
			a, err := j.Info(t.Context())
			require.NoError(t, err)

			time.Sleep(20 * time.Millisecond)

			b, err := j.Info(t.Context())
			require.NoError(t, err)

			return a, b
		}

		a, b := snapshots()
		assert.Equal(t, descriptor.Running, a.State)
		assert.True(t, a.Equal(b), "expected equal snapshots of running job: got '%+v' and '%+v'", a, b)
		assert.False(t, a.WallclockTime.IsSet())

		require.NoError(t, j.Terminate(t.Context()))

		a, b = snapshots()
		assert.Equal(t, descriptor.Failed, a.State)
		assert.True(t, a.Equal(b), "expected equal snapshots of terminated job: got '%+v' and '%+v'", a, b)
		assert.True(t, a.WallclockTime.IsSet())
	})

	t.Run("Test invalid template", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		_, err := s.RunJob(t.Context(), descriptor.NewJobTemplate())
		assert.ErrorIs(t, err, drmerr.InvalidArgument)

		_, err = s.RunJob(t.Context(), nil)
		assert.ErrorIs(t, err, drmerr.InvalidArgument)
	})

	t.Run("Test closed session", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")
		j := runJob(t, s, "true")

		require.NoError(t, s.Close(t.Context()))

		_, err := s.RunJob(t.Context(), newTemplate("true"))
		assert.ErrorIs(t, err, drmerr.InvalidSession)
		assert.ErrorIs(t, err, jobsession.ErrSessionClosed)

		_, _, err = j.State(t.Context())
		assert.ErrorIs(t, err, drmerr.InvalidSession)
	})

	t.Run("Test control", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")
		j := runJob(t, s, "sleep", "10")

		require.NoError(t, j.WaitStarted(t.Context(), waitTimeout))

		require.NoError(t, j.Suspend(t.Context()))
		assert.Equal(t, descriptor.Suspended, jobState(t, j))

		assert.ErrorIs(t, j.Suspend(t.Context()), drmerr.InvalidState)
		assert.ErrorIs(t, j.Hold(t.Context()), drmerr.InvalidState)

		require.NoError(t, j.Resume(t.Context()))
		assert.Equal(t, descriptor.Running, jobState(t, j))

		require.NoError(t, j.Terminate(t.Context()))
		assert.Equal(t, descriptor.Failed, jobState(t, j))

		assert.ErrorIs(t, j.Terminate(t.Context()), drmerr.InvalidState)
	})

	t.Run("Test reap", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")
		j := runJob(t, s, "sleep", "10")

		assert.ErrorIs(t, j.Reap(t.Context()), drmerr.InvalidState)

		require.NoError(t, j.Terminate(t.Context()))
		require.NoError(t, j.Reap(t.Context()))

		_, _, err := j.State(t.Context())
		assert.ErrorIs(t, err, drmerr.InvalidState)
		assert.ErrorIs(t, err, jobsession.ErrJobReaped)

		jobs, err := s.Jobs(t.Context(), nil)
		require.NoError(t, err)
		assert.Equal(t, 0, jobs.Size())
	})

	t.Run("Test jobs with filter", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		done := runJob(t, s, "true")
		running := runJob(t, s, "sleep", "10")
		t.Cleanup(func() { running.Terminate(context.Background()) })

		require.NoError(t, done.WaitTerminated(t.Context(), waitTimeout))
		require.NoError(t, running.WaitStarted(t.Context(), waitTimeout))

		all, err := s.Jobs(t.Context(), nil)
		require.NoError(t, err)
		values, err := all.Values()
		require.NoError(t, err)
		assert.Equal(t, []*jobsession.Job{done, running}, values)

		filtered, err := s.Jobs(t.Context(), &descriptor.JobInfoFilter{
			States: []descriptor.JobState{descriptor.Running},
		})
		require.NoError(t, err)
		values, err = filtered.Values()
		require.NoError(t, err)
		assert.Equal(t, []*jobsession.Job{running}, values)

		filtered, err = s.Jobs(t.Context(), &descriptor.JobInfoFilter{JobID: done.ID()})
		require.NoError(t, err)
		assert.Equal(t, 1, filtered.Size())
	})

	t.Run("Test reopen adopts jobs", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")
		j := runJob(t, s, "sleep", "10")
		t.Cleanup(func() { f.manager.Control(context.Background(), j.ID(), drm.ActionTerminate) })

		require.NoError(t, s.Close(t.Context()))

		s, err := f.rt.OpenSession(t.Context(), "s1")
		require.NoError(t, err)

		jobs, err := s.Jobs(t.Context(), nil)
		require.NoError(t, err)
		require.Equal(t, 1, jobs.Size())

		adopted, err := jobs.Get(0)
		require.NoError(t, err)
		assert.Equal(t, j.ID(), adopted.ID())

		_, err = adopted.Template()
		assert.ErrorIs(t, err, drmerr.UnsupportedOperation)

		require.NoError(t, adopted.Terminate(t.Context()))
	})

	t.Run("Test job categories", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		categories, err := s.JobCategories(t.Context())
		require.NoError(t, err)
		assert.Contains(t, categories, "shell")
	})

	t.Run("Test open outputs", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		a := runJob(t, s, "echo", "a")
		b := runJob(t, s, "echo", "b")

		outputs, err := s.OpenOutputs(t.Context(), container.Of(a, b))
		require.NoError(t, err)
		defer outputs.Destroy()

		assert.True(t, outputs.Owns())

		var got []string
		for _, r := range outputs.All() {
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			got = append(got, string(data))
		}

		assert.Equal(t, []string{"a\n", "b\n"}, got)
	})
}

func TestSessionBulkJobs(t *testing.T) {
	t.Parallel()

	t.Run("Test run bulk jobs", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		arr, err := s.RunBulkJobs(t.Context(), newTemplate("true"), 1, 5, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, "s1", arr.SessionName())
		assert.Equal(t, 3, arr.Jobs().Size())

		var finished int
		for j, err := range s.Terminated(t.Context(), arr.Jobs(), waitTimeout) {
			require.NoError(t, err)
			assert.Equal(t, descriptor.Done, jobState(t, j))
			finished++
		}

		assert.Equal(t, 3, finished)

		got, err := s.JobArray(t.Context(), arr.ID())
		require.NoError(t, err)
		assert.Equal(t, arr.ID(), got.ID())

		want, err := arr.Jobs().Values()
		require.NoError(t, err)
		values, err := got.Jobs().Values()
		require.NoError(t, err)
		assert.Equal(t, want, values)

		jt, err := got.Template()
		require.NoError(t, err)
		assert.Equal(t, "true", jt.RemoteCommand)
	})

	t.Run("Test invalid range", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		_, err := s.RunBulkJobs(t.Context(), newTemplate("true"), 3, 1, 1, 0)
		assert.ErrorIs(t, err, drmerr.InvalidArgument)

		_, err = s.RunBulkJobs(t.Context(), newTemplate("true"), 1, 3, 0, 0)
		assert.ErrorIs(t, err, drmerr.InvalidArgument)
	})

	t.Run("Test array control joins errors", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		arr, err := s.RunBulkJobs(t.Context(), newTemplate("sleep", "10"), 1, 2, 1, 1)
		require.NoError(t, err)
		t.Cleanup(func() { arr.Terminate(context.Background()) })

		first, err := arr.Jobs().Get(0)
		require.NoError(t, err)
		require.NoError(t, first.WaitStarted(t.Context(), waitTimeout))

		// One member runs and one is queued behind it, so hold only applies
		// to the second.
		err = arr.Hold(t.Context())
		assert.ErrorIs(t, err, drmerr.InvalidState)

		second, err := arr.Jobs().Get(1)
		require.NoError(t, err)
		assert.Equal(t, descriptor.QueuedHeld, jobState(t, second))

		require.NoError(t, arr.Terminate(t.Context()))
		assert.Equal(t, descriptor.Failed, jobState(t, first))
		assert.Equal(t, descriptor.Failed, jobState(t, second))
	})

	t.Run("Test unknown array", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		_, err := s.JobArray(t.Context(), "missing")
		assert.ErrorIs(t, err, drmerr.InvalidArgument)
	})
}

func TestWaitAny(t *testing.T) {
	t.Parallel()

	t.Run("Test returns first eligible in list order", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		a := runJob(t, s, "true")
		b := runJob(t, s, "true")

		require.NoError(t, a.WaitTerminated(t.Context(), waitTimeout))
		require.NoError(t, b.WaitTerminated(t.Context(), waitTimeout))

		got, err := s.WaitAnyTerminated(t.Context(), container.Of(b, a), descriptor.ZeroTime)
		require.NoError(t, err)
		assert.Same(t, b, got)
	})

	t.Run("Test returns the job that terminated", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		slow := runJob(t, s, "sleep", "10")
		t.Cleanup(func() { slow.Terminate(context.Background()) })
		fast := runJob(t, s, "sleep", "0.1")

		got, err := s.WaitAnyTerminated(t.Context(), container.Of(slow, fast), descriptor.InfiniteTime)
		require.NoError(t, err)
		assert.Same(t, fast, got)
	})

	t.Run("Test started", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		j := runJob(t, s, "sleep", "10")
		t.Cleanup(func() { j.Terminate(context.Background()) })

		got, err := s.WaitAnyStarted(t.Context(), container.Of(j), waitTimeout)
		require.NoError(t, err)
		assert.Same(t, j, got)
	})

	t.Run("Test zero timeout checks once", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		j := runJob(t, s, "sleep", "10")
		t.Cleanup(func() { j.Terminate(context.Background()) })

		_, err := s.WaitAnyTerminated(t.Context(), container.Of(j), descriptor.ZeroTime)
		assert.ErrorIs(t, err, drmerr.Timeout)
	})

	t.Run("Test timeout elapses", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		j := runJob(t, s, "sleep", "10")
		t.Cleanup(func() { j.Terminate(context.Background()) })

		start := time.Now()
		err := j.WaitTerminated(t.Context(), 100*time.Millisecond)
		assert.ErrorIs(t, err, drmerr.Timeout)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("Test context cancelled", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		j := runJob(t, s, "sleep", "10")
		t.Cleanup(func() { j.Terminate(context.Background()) })

		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()

		_, err := s.WaitAnyTerminated(ctx, container.Of(j), descriptor.InfiniteTime)
		assert.ErrorIs(t, err, drmerr.Timeout)
	})

	t.Run("Test session closed while waiting", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		j := runJob(t, s, "sleep", "10")
		t.Cleanup(func() { f.manager.Control(context.Background(), j.ID(), drm.ActionTerminate) })

		errs := make(chan error, 1)
		go func() {
			_, err := s.WaitAnyTerminated(context.Background(), container.Of(j), descriptor.InfiniteTime)
			errs <- err
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, s.Close(t.Context()))

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, drmerr.InvalidSession)
		case <-time.After(waitTimeout):
			t.Fatal("expected wait to return after close")
		}
	})

	t.Run("Test invalid lists", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")
		other := f.session(t, "s2")

		foreign := runJob(t, other, "true")

		_, err := s.WaitAnyStarted(t.Context(), nil, descriptor.ZeroTime)
		assert.ErrorIs(t, err, drmerr.InvalidArgument)

		_, err = s.WaitAnyStarted(t.Context(), container.Of[*jobsession.Job](), descriptor.ZeroTime)
		assert.ErrorIs(t, err, drmerr.InvalidArgument)

		destroyed := container.Of(foreign)
		require.NoError(t, destroyed.Destroy())
		_, err = s.WaitAnyStarted(t.Context(), destroyed, descriptor.ZeroTime)
		assert.ErrorIs(t, err, drmerr.InvalidArgument)

		_, err = s.WaitAnyStarted(t.Context(), container.Of(foreign), descriptor.ZeroTime)
		assert.ErrorIs(t, err, drmerr.InvalidArgument)
		assert.ErrorIs(t, err, jobsession.ErrForeignJob)
	})

	t.Run("Test reaped job", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		j := runJob(t, s, "true")
		require.NoError(t, j.WaitTerminated(t.Context(), waitTimeout))
		require.NoError(t, j.Reap(t.Context()))

		_, err := s.WaitAnyTerminated(t.Context(), container.Of(j), descriptor.ZeroTime)
		assert.ErrorIs(t, err, drmerr.InvalidState)
	})

	t.Run("Test terminated iterator stops on break", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		s := f.session(t, "s1")

		jobs := container.Of(runJob(t, s, "true"), runJob(t, s, "true"))

		var seen int
		for _, err := range s.Terminated(t.Context(), jobs, waitTimeout) {
			require.NoError(t, err)
			seen++
			break
		}

		assert.Equal(t, 1, seen)
		assert.Equal(t, 2, jobs.Size())
	})
}
