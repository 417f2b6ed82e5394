package kube_test

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drm/kube"
	"github.com/nixpig/jobsession/internal/drmerr"
)

const (
	testNamespace = "jobs"
	testSession   = "test-session"
)

func newTestManager(t *testing.T) (*kube.Manager, *fake.Clientset) {
	t.Helper()

	client := fake.NewClientset()

	m, err := kube.NewManager(
		client,
		kube.WithNamespace(testNamespace),
		kube.WithImage("alpine:3"),
	)
	require.NoError(t, err)

	return m, client
}

func newTemplate(program string, args ...string) *descriptor.JobTemplate {
	jt := descriptor.NewJobTemplate()
	jt.RemoteCommand = program
	jt.Args = container.Of(args...)

	return jt
}

func getJob(t *testing.T, client *fake.Clientset, id string) *batchv1.Job {
	t.Helper()

	job, err := client.BatchV1().Jobs(testNamespace).Get(t.Context(), "jobsession-"+id, metav1.GetOptions{})
	require.NoError(t, err)

	return job
}

// updateStatus stands in for the Job controller.
func updateStatus(t *testing.T, client *fake.Clientset, id string, update func(*batchv1.JobStatus)) {
	t.Helper()

	job := getJob(t, client, id)
	update(&job.Status)

	_, err := client.BatchV1().Jobs(testNamespace).UpdateStatus(t.Context(), job, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func complete(s *batchv1.JobStatus) {
	now := metav1.Now()
	s.Active = 0
	s.Succeeded = 1
	s.CompletionTime = &now
	s.Conditions = append(s.Conditions, batchv1.JobCondition{
		Type:   batchv1.JobComplete,
		Status: corev1.ConditionTrue,
		Reason: "Completed",
	})
}

func testState(t *testing.T, m *kube.Manager, id string, want descriptor.JobState) {
	t.Helper()

	got, _, err := m.State(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNewManager(t *testing.T) {
	t.Parallel()

	_, err := kube.NewManager(fake.NewClientset(), kube.WithNamespace(""))
	assert.Error(t, err)

	_, err = kube.NewManager(fake.NewClientset(), kube.WithImage(""))
	assert.Error(t, err)

	m, err := kube.NewManager(fake.NewClientset())
	require.NoError(t, err)

	assert.Equal(t, kube.BackendName, m.Name())
	assert.True(t, m.Supports(drm.CapJtMaxSlots))
	assert.False(t, m.Supports(drm.CapBulkJobsMaxParallel))

	categories, err := m.JobCategories(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"shell"}, categories)
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	t.Run("Test job spec", func(t *testing.T) {
		t.Parallel()

		m, client := newTestManager(t)

		jt := newTemplate("echo $GREETING", descriptor.PlaceholderWorkingDir)
		jt.JobCategory = "shell"
		jt.WorkingDirectory = "/work"
		jt.JobEnvironment = container.DictOf(map[string]string{"GREETING": "hello"}, nil)
		jt.MinSlots = descriptor.Some(int64(2))
		jt.MinPhysMemory = descriptor.Some(int64(1024))
		jt.Rerunnable = true
		jt.ResourceLimits = container.DictOf(map[string]string{descriptor.LimitWallclockTime: "90"}, nil)
		jt.Extension = &kube.TemplateExtension{NodeSelector: map[string]string{"disk": "ssd"}}

		id, err := m.Submit(t.Context(), testSession, jt)
		require.NoError(t, err)

		job := getJob(t, client, id)

		assert.Equal(t, "true", job.Labels[kube.LabelManaged])
		assert.Equal(t, testSession, job.Labels[kube.LabelSession])
		assert.Equal(t, id, job.Labels[kube.LabelJobID])
		assert.Equal(t, int32(3), ptr.Deref(job.Spec.BackoffLimit, 0))
		assert.Equal(t, int64(90), ptr.Deref(job.Spec.ActiveDeadlineSeconds, 0))
		assert.False(t, ptr.Deref(job.Spec.Suspend, true))

		pod := job.Spec.Template.Spec
		require.Len(t, pod.Containers, 1)

		c := pod.Containers[0]
		assert.Equal(t, "alpine:3", c.Image)
		assert.Equal(t, []string{"/bin/sh", "-c", "echo $GREETING"}, c.Command)
		assert.Equal(t, []string{"/work"}, c.Args)
		assert.Equal(t, "/work", c.WorkingDir)
		assert.Equal(t, []corev1.EnvVar{{Name: "GREETING", Value: "hello"}}, c.Env)
		assert.Equal(t, int64(2), c.Resources.Requests.Cpu().Value())
		assert.Equal(t, int64(1024*1024), c.Resources.Requests.Memory().Value())
		assert.Equal(t, map[string]string{"disk": "ssd"}, pod.NodeSelector)
		assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)

		testState(t, m, id, descriptor.Queued)
	})

	t.Run("Test submit as hold", func(t *testing.T) {
		t.Parallel()

		m, client := newTestManager(t)

		jt := newTemplate("true")
		jt.SubmitAsHold = true

		id, err := m.Submit(t.Context(), testSession, jt)
		require.NoError(t, err)

		assert.True(t, ptr.Deref(getJob(t, client, id).Spec.Suspend, false))
		testState(t, m, id, descriptor.QueuedHeld)
	})

	scenarios := map[string]struct {
		template func() *descriptor.JobTemplate
		session  string
		kind     drmerr.Kind
	}{
		"Test empty command": {
			template: func() *descriptor.JobTemplate { return newTemplate("") },
			kind:     drmerr.InvalidArgument,
		},
		"Test unknown category": {
			template: func() *descriptor.JobTemplate {
				jt := newTemplate("true")
				jt.JobCategory = "python"
				return jt
			},
			kind: drmerr.InvalidArgument,
		},
		"Test unknown queue": {
			template: func() *descriptor.JobTemplate {
				jt := newTemplate("true")
				jt.QueueName = "batch"
				return jt
			},
			kind: drmerr.InvalidArgument,
		},
		"Test email": {
			template: func() *descriptor.JobTemplate {
				jt := newTemplate("true")
				jt.Email = container.Of("ops@example.com")
				return jt
			},
			kind: drmerr.UnsupportedAttribute,
		},
		"Test output path": {
			template: func() *descriptor.JobTemplate {
				jt := newTemplate("true")
				jt.OutputPath = "/tmp/out"
				return jt
			},
			kind: drmerr.UnsupportedAttribute,
		},
		"Test cpu time limit": {
			template: func() *descriptor.JobTemplate {
				jt := newTemplate("true")
				jt.ResourceLimits = container.DictOf(map[string]string{descriptor.LimitCPUTime: "10"}, nil)
				return jt
			},
			kind: drmerr.UnsupportedAttribute,
		},
		"Test invalid session name": {
			template: func() *descriptor.JobTemplate { return newTemplate("true") },
			session:  "not a label value",
			kind:     drmerr.InvalidArgument,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			m, client := newTestManager(t)

			session := config.session
			if session == "" {
				session = testSession
			}

			_, err := m.Submit(t.Context(), session, config.template())
			assert.ErrorIs(t, err, config.kind)

			list, err := client.BatchV1().Jobs(testNamespace).List(t.Context(), metav1.ListOptions{})
			require.NoError(t, err)
			assert.Empty(t, list.Items)
		})
	}
}

func TestState(t *testing.T) {
	t.Parallel()

	m, client := newTestManager(t)

	id, err := m.Submit(t.Context(), testSession, newTemplate("true"))
	require.NoError(t, err)

	testState(t, m, id, descriptor.Queued)

	updateStatus(t, client, id, func(s *batchv1.JobStatus) { s.Active = 1 })
	testState(t, m, id, descriptor.Running)

	updateStatus(t, client, id, complete)
	testState(t, m, id, descriptor.Done)

	_, _, err = m.State(t.Context(), "missing")
	assert.ErrorIs(t, err, drm.ErrJobNotFound)
	assert.ErrorIs(t, err, drmerr.InvalidState)
}

func TestControl(t *testing.T) {
	t.Parallel()

	t.Run("Test hold and release", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t)

		id, err := m.Submit(t.Context(), testSession, newTemplate("true"))
		require.NoError(t, err)

		require.NoError(t, m.Control(t.Context(), id, drm.ActionHold))
		testState(t, m, id, descriptor.QueuedHeld)

		require.NoError(t, m.Control(t.Context(), id, drm.ActionRelease))
		testState(t, m, id, descriptor.Queued)
	})

	t.Run("Test suspend and resume", func(t *testing.T) {
		t.Parallel()

		m, client := newTestManager(t)

		id, err := m.Submit(t.Context(), testSession, newTemplate("sleep", "30"))
		require.NoError(t, err)

		err = m.Control(t.Context(), id, drm.ActionSuspend)
		assert.ErrorIs(t, err, drmerr.InvalidState)

		updateStatus(t, client, id, func(s *batchv1.JobStatus) { s.Active = 1 })

		require.NoError(t, m.Control(t.Context(), id, drm.ActionSuspend))
		testState(t, m, id, descriptor.Suspended)
		assert.True(t, ptr.Deref(getJob(t, client, id).Spec.Suspend, false))

		require.NoError(t, m.Control(t.Context(), id, drm.ActionResume))
		testState(t, m, id, descriptor.Running)
	})

	t.Run("Test terminate", func(t *testing.T) {
		t.Parallel()

		m, client := newTestManager(t)

		id, err := m.Submit(t.Context(), testSession, newTemplate("sleep", "30"))
		require.NoError(t, err)

		updateStatus(t, client, id, func(s *batchv1.JobStatus) {
			now := metav1.Now()
			s.Active = 1
			s.StartTime = &now
		})

		require.NoError(t, m.Control(t.Context(), id, drm.ActionTerminate))
		testState(t, m, id, descriptor.Failed)

		info, err := m.Info(t.Context(), id)
		require.NoError(t, err)
		assert.True(t, info.FinishTime.IsSet())
		assert.Equal(t, "Terminated", info.SubState)

		err = m.Control(t.Context(), id, drm.ActionTerminate)
		assert.ErrorIs(t, err, drmerr.InvalidState)

		var stateErr drm.InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, descriptor.Failed, stateErr.From)
	})

	t.Run("Test unknown job", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t)

		err := m.Control(t.Context(), "missing", drm.ActionHold)
		assert.ErrorIs(t, err, drm.ErrJobNotFound)
	})
}

func TestReap(t *testing.T) {
	t.Parallel()

	m, client := newTestManager(t)

	id, err := m.Submit(t.Context(), testSession, newTemplate("true"))
	require.NoError(t, err)

	err = m.Reap(t.Context(), id)
	assert.ErrorIs(t, err, drmerr.InvalidState)

	updateStatus(t, client, id, complete)

	require.NoError(t, m.Reap(t.Context(), id))

	_, _, err = m.State(t.Context(), id)
	assert.ErrorIs(t, err, drm.ErrJobNotFound)

	err = m.Reap(t.Context(), id)
	assert.ErrorIs(t, err, drm.ErrJobNotFound)
}

func TestJobs(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	var want []string

	for range 3 {
		id, err := m.Submit(t.Context(), testSession, newTemplate("true"))
		require.NoError(t, err)

		want = append(want, id)
	}

	other, err := m.Submit(t.Context(), "other-session", newTemplate("true"))
	require.NoError(t, err)

	got, err := m.Jobs(t.Context(), testSession)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	all, err := m.Jobs(t.Context(), "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Contains(t, all, other)
}

func TestSubmitBulk(t *testing.T) {
	t.Parallel()

	t.Run("Test array", func(t *testing.T) {
		t.Parallel()

		m, client := newTestManager(t)

		jt := newTemplate("echo", "task $DRMAA2_INDEX$")
		jt.JobName = "render"

		arrayID, ids, err := m.SubmitBulk(t.Context(), testSession, jt, drm.BulkRange{Begin: 1, End: 5, Step: 2})
		require.NoError(t, err)
		require.Len(t, ids, 3)

		for i, id := range ids {
			job := getJob(t, client, id)
			c := job.Spec.Template.Spec.Containers[0]

			index := []string{"1", "3", "5"}[i]
			assert.Equal(t, arrayID, job.Labels[kube.LabelArray])
			assert.Equal(t, []string{"task " + index}, c.Args)
			assert.Contains(t, c.Env, corev1.EnvVar{Name: descriptor.IndexEnv, Value: index})
		}

		record, err := m.JobArray(t.Context(), arrayID)
		require.NoError(t, err)

		assert.Equal(t, arrayID, record.ID)
		assert.Equal(t, testSession, record.Session)
		assert.Equal(t, ids, record.JobIDs)
		require.NotNil(t, record.Template)
		assert.Equal(t, "render", record.Template.JobName)
	})

	t.Run("Test max parallel", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t)

		_, _, err := m.SubmitBulk(
			t.Context(),
			testSession,
			newTemplate("true"),
			drm.BulkRange{Begin: 1, End: 4, Step: 1, MaxParallel: 2},
		)
		assert.ErrorIs(t, err, drmerr.UnsupportedAttribute)
	})

	t.Run("Test invalid range", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t)

		_, _, err := m.SubmitBulk(t.Context(), testSession, newTemplate("true"), drm.BulkRange{Begin: 0, End: 4, Step: 1})
		assert.ErrorIs(t, err, drmerr.InvalidArgument)
	})

	t.Run("Test unknown array", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t)

		_, err := m.JobArray(t.Context(), "missing")
		assert.ErrorIs(t, err, drm.ErrArrayNotFound)
		assert.ErrorIs(t, err, drmerr.InvalidArgument)
	})
}

func TestInfo(t *testing.T) {
	t.Parallel()

	m, client := newTestManager(t)

	id, err := m.Submit(t.Context(), testSession, newTemplate("false"))
	require.NoError(t, err)

	started := metav1.NewTime(time.Now().Add(-time.Minute).Truncate(time.Second))
	finished := metav1.NewTime(started.Add(30 * time.Second))

	_, err = client.CoreV1().Pods(testNamespace).Create(t.Context(), &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "jobsession-" + id + "-abcde",
			Labels: map[string]string{"batch.kubernetes.io/job-name": "jobsession-" + id},
		},
		Spec: corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				Name: "job",
				State: corev1.ContainerState{
					Terminated: &corev1.ContainerStateTerminated{
						ExitCode:   137,
						Signal:     9,
						FinishedAt: finished,
					},
				},
			}},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	updateStatus(t, client, id, func(s *batchv1.JobStatus) {
		s.StartTime = &started
		s.Failed = 1
		s.Conditions = []batchv1.JobCondition{{
			Type:               batchv1.JobFailed,
			Status:             corev1.ConditionTrue,
			Reason:             "BackoffLimitExceeded",
			Message:            "Job has reached the specified backoff limit",
			LastTransitionTime: finished,
		}}
	})

	info, err := m.Info(t.Context(), id)
	require.NoError(t, err)
	defer info.Destroy()

	assert.Equal(t, id, info.JobID)
	assert.Equal(t, descriptor.Failed, info.State)
	assert.Equal(t, "BackoffLimitExceeded", info.SubState)
	assert.Equal(t, "Job has reached the specified backoff limit", info.Annotation)
	assert.Equal(t, testNamespace, info.QueueName)
	assert.Equal(t, descriptor.Some(int64(137)), info.ExitStatus)
	assert.Equal(t, "SIGKILL", info.TerminatingSignal)
	assert.Equal(t, descriptor.Some(30*time.Second), info.WallclockTime)
	assert.True(t, info.SubmissionTime.IsSet())

	machines, err := info.AllocatedMachines.Values()
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, machines)

	ext, ok := info.Extension.(*kube.InfoExtension)
	require.True(t, ok)
	assert.Equal(t, "jobsession-"+id, ext.Name)
	assert.Equal(t, []string{"jobsession-" + id + "-abcde"}, ext.Pods)
	assert.Equal(t, int32(1), ext.Failed)
}

func TestStreamOutput(t *testing.T) {
	t.Parallel()

	m, client := newTestManager(t)

	id, err := m.Submit(t.Context(), testSession, newTemplate("echo", "hello"))
	require.NoError(t, err)

	_, err = m.StreamOutput(t.Context(), id)
	assert.ErrorIs(t, err, drmerr.TryLater)
	assert.ErrorIs(t, err, kube.ErrNotStarted)

	_, err = client.CoreV1().Pods(testNamespace).Create(t.Context(), &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "jobsession-" + id + "-abcde",
			Labels: map[string]string{"batch.kubernetes.io/job-name": "jobsession-" + id},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	rc, err := m.StreamOutput(t.Context(), id)
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	m, client := newTestManager(t)

	id, err := m.Submit(t.Context(), testSession, newTemplate("sleep", "30"))
	require.NoError(t, err)

	ch := m.Subscribe(t.Context())

	// The informer's watch may open after its initial list, so the update
	// is repeated until it is seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	active := int32(0)

	for {
		select {
		case n, ok := <-ch:
			require.True(t, ok)

			if n.JobID == id && n.State == descriptor.Running {
				assert.Equal(t, drm.EventNewState, n.Event)
				assert.Equal(t, testSession, n.Session)
				return
			}
		case <-tick.C:
			active = 1 - active
			updateStatus(t, client, id, func(s *batchv1.JobStatus) { s.Active = active })
		case <-deadline:
			t.Fatal("timed out waiting for notification")
		}
	}
}
