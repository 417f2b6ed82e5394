package kube

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/ptr"

	"github.com/nixpig/jobsession/internal/descriptor"
)

// jobState derives the state of a job from its Kubernetes Job. Held and
// suspended jobs are both suspended Jobs; only suspended ones carry
// annSuspended.
func jobState(job *batchv1.Job) (descriptor.JobState, string) {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}

		switch c.Type {
		case batchv1.JobComplete:
			return descriptor.Done, c.Reason
		case batchv1.JobFailed:
			return descriptor.Failed, c.Reason
		}
	}

	if _, ok := job.Annotations[annTerminated]; ok {
		return descriptor.Failed, "Terminated"
	}

	if ptr.Deref(job.Spec.Suspend, false) {
		if _, ok := job.Annotations[annSuspended]; ok {
			return descriptor.Suspended, "Suspended"
		}

		if job.Status.Failed > 0 {
			return descriptor.RequeuedHeld, "Held"
		}

		return descriptor.QueuedHeld, "Held"
	}

	if job.Status.Active > 0 {
		return descriptor.Running, ""
	}

	if job.Status.Failed > 0 {
		return descriptor.Requeued, "BackoffLimit"
	}

	return descriptor.Queued, ""
}

// finishTime returns when a terminal job finished.
func finishTime(job *batchv1.Job) (time.Time, bool) {
	if job.Status.CompletionTime != nil {
		return job.Status.CompletionTime.Time, true
	}

	for _, c := range job.Status.Conditions {
		if c.Status == corev1.ConditionTrue && c.Type == batchv1.JobFailed {
			return c.LastTransitionTime.Time, true
		}
	}

	if v, ok := job.Annotations[annTerminated]; ok {
		t, err := time.Parse(timeFormat, v)
		return t, err == nil
	}

	return time.Time{}, false
}

// exitStatus returns the exit code and signal of the job's most recent
// terminated container.
func exitStatus(pods []corev1.Pod) (int32, string, bool) {
	var (
		latest   *corev1.ContainerStateTerminated
		finished time.Time
	)

	for i := range pods {
		for _, cs := range pods[i].Status.ContainerStatuses {
			t := cs.State.Terminated
			if t == nil || t.FinishedAt.Time.Before(finished) {
				continue
			}

			latest, finished = t, t.FinishedAt.Time
		}
	}

	if latest == nil {
		return 0, "", false
	}

	var signal string
	if latest.Signal != 0 {
		signal = unix.SignalName(syscall.Signal(latest.Signal))
	}

	return latest.ExitCode, signal, true
}
