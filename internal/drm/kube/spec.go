package kube

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/utils/ptr"

	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drmerr"
)

const (
	labelPrefix = "jobsession.nixpig.dev/"

	LabelManaged = labelPrefix + "managed"
	LabelSession = labelPrefix + "session"
	LabelJobID   = labelPrefix + "job-id"
	LabelArray   = labelPrefix + "array-id"

	annSubmitted = labelPrefix + "submitted"
	annTemplate  = labelPrefix + "template"
	annIndex     = labelPrefix + "array-index"
	annOwner     = labelPrefix + "owner"
	annJobName   = labelPrefix + "job-name"
	annPriority  = labelPrefix + "priority"

	// annSuspended marks a suspended Job apart from a held one.
	annSuspended = labelPrefix + "suspended"

	// annTerminated holds the time a job was terminated.
	annTerminated = labelPrefix + "terminated"

	// jobNameLabel is set on pods by the Job controller.
	jobNameLabel = "batch.kubernetes.io/job-name"

	containerName = "job"

	// timeFormat has a fixed width so annotations sort by time.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

	// rerunBackoffLimit is the number of retries of a rerunnable job.
	rerunBackoffLimit = 3
)

// objectName returns the name of the Kubernetes Job running jobID.
func objectName(jobID string) string {
	return "jobsession-" + jobID
}

// task is a job to create, optionally as part of an array.
type task struct {
	id      string
	session string
	arrayID string
	index   descriptor.Optional[int64]
}

// newJob builds the Kubernetes Job for t from jt.
func (m *Manager) newJob(op string, t task, jt *descriptor.JobTemplate) (*batchv1.Job, error) {
	if errs := validation.IsValidLabelValue(t.session); len(errs) > 0 {
		return nil, drmerr.Errorf(drmerr.InvalidArgument, op, "session name %q is not a valid label value: %s", t.session, errs[0])
	}

	unsupported := map[string]bool{
		"email":           jt.Email.Size() > 0,
		"stage in files":  jt.StageInFiles.Len() > 0,
		"stage out files": jt.StageOutFiles.Len() > 0,
		"reservation id":  jt.ReservationID != "",
		"accounting id":   jt.AccountingID != "",
		"input path":      jt.InputPath != "",
		"output path":     jt.OutputPath != "",
		"error path":      jt.ErrorPath != "",
		"start time":      jt.StartTime.IsSet(),
	}
	for _, name := range slices.Sorted(maps.Keys(unsupported)) {
		if unsupported[name] {
			return nil, drmerr.Errorf(drmerr.UnsupportedAttribute, op, "%s not supported", name)
		}
	}

	if jt.QueueName != "" && jt.QueueName != m.namespace {
		return nil, drmerr.Errorf(drmerr.InvalidArgument, op, "unknown queue %q", jt.QueueName)
	}

	var command []string

	if jt.JobCategory != "" {
		prefix, ok := m.categories[jt.JobCategory]
		if !ok {
			return nil, drmerr.Errorf(drmerr.InvalidArgument, op, "unknown job category %q", jt.JobCategory)
		}

		command = slices.Clone(prefix)
	}

	p := descriptor.Placeholders{WorkingDir: jt.WorkingDirectory, Index: t.index}

	command = append(command, descriptor.ExpandPlaceholders(jt.RemoteCommand, p))

	var args []string
	for _, arg := range jt.ArgValues() {
		args = append(args, descriptor.ExpandPlaceholders(arg, p))
	}

	container := corev1.Container{
		Name:       containerName,
		Image:      m.image,
		Command:    command,
		Args:       args,
		WorkingDir: jt.WorkingDirectory,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{},
			Limits:   corev1.ResourceList{},
		},
	}

	for _, kv := range jt.Environment() {
		k, v, _ := strings.Cut(kv, "=")
		container.Env = append(container.Env, corev1.EnvVar{Name: k, Value: v})
	}

	if idx, ok := t.index.Get(); ok {
		container.Env = append(container.Env, corev1.EnvVar{
			Name:  descriptor.IndexEnv,
			Value: strconv.FormatInt(idx, 10),
		})
	}

	if n, ok := jt.MinSlots.Get(); ok {
		container.Resources.Requests[corev1.ResourceCPU] = *resource.NewQuantity(n, resource.DecimalSI)
	}

	if n, ok := jt.MaxSlots.Get(); ok {
		container.Resources.Limits[corev1.ResourceCPU] = *resource.NewQuantity(n, resource.DecimalSI)
	}

	if kib, ok := jt.MinPhysMemory.Get(); ok {
		container.Resources.Requests[corev1.ResourceMemory] = *resource.NewQuantity(kib*1024, resource.BinarySI)
	}

	pod := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Containers:    []corev1.Container{container},
	}

	if hosts, _ := jt.CandidateMachines.Values(); len(hosts) > 0 {
		pod.Affinity = &corev1.Affinity{
			NodeAffinity: &corev1.NodeAffinity{
				RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
					NodeSelectorTerms: []corev1.NodeSelectorTerm{{
						MatchExpressions: []corev1.NodeSelectorRequirement{{
							Key:      corev1.LabelHostname,
							Operator: corev1.NodeSelectorOpIn,
							Values:   hosts,
						}},
					}},
				},
			},
		}
	}

	deadline, err := activeDeadline(op, jt, &pod.Containers[0])
	if err != nil {
		return nil, err
	}

	if jt.Extension != nil {
		ext, ok := jt.Extension.(*TemplateExtension)
		if !ok {
			return nil, drmerr.Errorf(
				drmerr.UnsupportedAttribute,
				op,
				"extension for backend %q not supported",
				jt.Extension.Backend(),
			)
		}

		if ext.Image != "" {
			pod.Containers[0].Image = ext.Image
		}

		pod.ServiceAccountName = ext.ServiceAccountName
		pod.NodeSelector = maps.Clone(ext.NodeSelector)
	}

	tmpl, err := json.Marshal(jt)
	if err != nil {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	labels := map[string]string{
		LabelManaged: "true",
		LabelSession: t.session,
		LabelJobID:   t.id,
	}

	annotations := map[string]string{
		annSubmitted: time.Now().UTC().Format(timeFormat),
		annTemplate:  string(tmpl),
		annOwner:     m.owner,
	}

	if jt.JobName != "" {
		annotations[annJobName] = jt.JobName
	}

	if n, ok := jt.Priority.Get(); ok {
		annotations[annPriority] = strconv.FormatInt(n, 10)
	}

	if t.arrayID != "" {
		labels[LabelArray] = t.arrayID
	}

	if idx, ok := t.index.Get(); ok {
		annotations[annIndex] = strconv.FormatInt(idx, 10)
	}

	var backoffLimit int32
	if jt.Rerunnable {
		backoffLimit = rerunBackoffLimit
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        objectName(t.id),
			Namespace:   m.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:          ptr.To(backoffLimit),
			ActiveDeadlineSeconds: deadline,
			Suspend:               ptr.To(jt.SubmitAsHold),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						LabelManaged: "true",
						LabelJobID:   t.id,
					},
				},
				Spec: pod,
			},
		},
	}, nil
}

// activeDeadline applies the resource limits of jt to c and returns the
// Job's active deadline from the wallclock limit and deadline time, if any.
func activeDeadline(op string, jt *descriptor.JobTemplate, c *corev1.Container) (*int64, error) {
	var deadline time.Duration

	names, err := jt.ResourceLimits.Keys()
	if err != nil {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	for _, name := range names {
		value, _ := jt.ResourceLimit(name)

		switch name {
		case descriptor.LimitWallclockTime:
			d, err := parseSeconds(value)
			if err != nil {
				return nil, drmerr.Errorf(drmerr.InvalidArgument, op, "parse %s: %v", name, err)
			}

			deadline = d

		case descriptor.LimitVirtualMemory:
			q, err := resource.ParseQuantity(value)
			if err != nil || q.Sign() <= 0 {
				return nil, drmerr.Errorf(drmerr.InvalidArgument, op, "parse %s: %q", name, value)
			}

			c.Resources.Limits[corev1.ResourceMemory] = q

		default:
			return nil, drmerr.Errorf(drmerr.UnsupportedAttribute, op, "resource limit %q not supported", name)
		}
	}

	if t, ok := jt.DeadlineTime.Get(); ok {
		until := time.Until(t)
		if until < time.Second {
			return nil, drmerr.Errorf(drmerr.InvalidArgument, op, "deadline %s has passed", t.Format(time.RFC3339))
		}

		if deadline == 0 || until < deadline {
			deadline = until
		}
	}

	if deadline == 0 {
		return nil, nil
	}

	return ptr.To(int64(deadline / time.Second)), nil
}

// parseSeconds parses a whole number of seconds or a Go duration.
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive: got %s", s)
		}

		return time.Duration(n) * time.Second, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	if d < time.Second {
		return 0, fmt.Errorf("must be at least one second: got %s", s)
	}

	return d, nil
}
