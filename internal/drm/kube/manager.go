package kube

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drm/local"
	"github.com/nixpig/jobsession/internal/drmerr"
)

// ErrNotStarted is returned when output is requested from a job that has
// no pod yet.
var ErrNotStarted = errors.New("job has not started")

// Manager is a drm.Backend that runs each job as a Kubernetes Job in a
// single namespace. It also implements drm.Notifier and drm.OutputStreamer.
type Manager struct {
	client     kubernetes.Interface
	namespace  string
	image      string
	owner      string
	categories map[string][]string

	logger *slog.Logger
}

var (
	_ drm.Backend        = (*Manager)(nil)
	_ drm.Notifier       = (*Manager)(nil)
	_ drm.OutputStreamer = (*Manager)(nil)
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNamespace sets the namespace jobs are created in. It is also the only
// queue name accepted.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		m.namespace = namespace
	}
}

// WithImage sets the container image jobs run in.
func WithImage(image string) Option {
	return func(m *Manager) {
		m.image = image
	}
}

// WithCategories replaces the job categories.
func WithCategories(categories map[string][]string) Option {
	return func(m *Manager) {
		m.categories = categories
	}
}

// NewClientset builds a clientset from the kubeconfig file if it exists and
// from the in-cluster config otherwise.
func NewClientset(kubeconfig string) (*kubernetes.Clientset, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}

	var (
		cfg *rest.Config
		err error
	)

	if abs, _ := filepath.Abs(kubeconfig); kubeconfig != "" && fileExists(abs) {
		if cfg, err = clientcmd.BuildConfigFromFlags("", abs); err != nil {
			return nil, fmt.Errorf("build config from kubeconfig: %w", err)
		}
	} else if cfg, err = rest.InClusterConfig(); err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}

	return cs, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NewManager creates a Manager that talks to the cluster through client.
func NewManager(client kubernetes.Interface, opts ...Option) (*Manager, error) {
	m := &Manager{
		client:     client,
		namespace:  metav1.NamespaceDefault,
		image:      "busybox:1.36",
		categories: local.DefaultCategories,
		logger:     slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.namespace == "" {
		return nil, errors.New("namespace cannot be empty")
	}

	if m.image == "" {
		return nil, errors.New("image cannot be empty")
	}

	m.owner = strconv.Itoa(os.Getuid())
	if u, err := user.Current(); err == nil {
		m.owner = u.Username
	}

	return m, nil
}

func (m *Manager) Name() string {
	return BackendName
}

func (m *Manager) Version() drm.Version {
	return drm.Version{Major: "1", Minor: "0"}
}

func (m *Manager) Supports(c drm.Capability) bool {
	switch c {
	case drm.CapCallback,
		drm.CapJtDeadline,
		drm.CapJtMaxSlots,
		drm.CapRtDuration:
		return true
	}

	return false
}

func (m *Manager) JobCategories(ctx context.Context) ([]string, error) {
	return slices.Sorted(maps.Keys(m.categories)), nil
}

// Submit creates a Job for jt. Jobs submitted as held are created suspended.
func (m *Manager) Submit(
	ctx context.Context,
	session string,
	jt *descriptor.JobTemplate,
) (string, error) {
	const op = "submit job"

	if err := jt.Validate(); err != nil {
		return "", err
	}

	t := task{id: uuid.NewString(), session: session}

	job, err := m.newJob(op, t, jt)
	if err != nil {
		return "", err
	}

	if _, err := m.client.BatchV1().Jobs(m.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", apiError(op, err)
	}

	m.logger.Debug("created job", "id", t.id, "session", session, "name", job.Name)

	return t.id, nil
}

// SubmitBulk creates one Job per index of r, labelled with the array ID.
// Jobs already created are deleted if a later one cannot be.
func (m *Manager) SubmitBulk(
	ctx context.Context,
	session string,
	jt *descriptor.JobTemplate,
	r drm.BulkRange,
) (string, []string, error) {
	const op = "submit bulk jobs"

	if err := r.Validate(); err != nil {
		return "", nil, err
	}

	if err := jt.Validate(); err != nil {
		return "", nil, err
	}

	indices := r.Indices()

	if r.MaxParallel > 0 && r.MaxParallel < len(indices) {
		return "", nil, drmerr.New(drmerr.UnsupportedAttribute, op, "max parallel not supported")
	}

	arrayID := uuid.NewString()

	jobs := make([]*batchv1.Job, 0, len(indices))
	ids := make([]string, 0, len(indices))

	for _, idx := range indices {
		t := task{
			id:      uuid.NewString(),
			session: session,
			arrayID: arrayID,
			index:   descriptor.Some(idx),
		}

		job, err := m.newJob(op, t, jt)
		if err != nil {
			return "", nil, err
		}

		jobs = append(jobs, job)
		ids = append(ids, t.id)
	}

	client := m.client.BatchV1().Jobs(m.namespace)

	for i, job := range jobs {
		if _, err := client.Create(ctx, job, metav1.CreateOptions{}); err != nil {
			for _, created := range jobs[:i] {
				if err := client.Delete(context.WithoutCancel(ctx), created.Name, deleteOptions()); err != nil {
					m.logger.Warn("delete partial array job", "array", arrayID, "name", created.Name, "err", err)
				}
			}

			return "", nil, apiError(op, err)
		}
	}

	m.logger.Debug("created job array", "array", arrayID, "session", session, "jobs", len(ids))

	return arrayID, ids, nil
}

func (m *Manager) JobArray(ctx context.Context, arrayID string) (*drm.ArrayRecord, error) {
	const op = "get job array"

	jobs, err := m.list(ctx, labels.Set{LabelArray: arrayID})
	if err != nil {
		return nil, apiError(op, err)
	}

	if len(jobs) == 0 {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, fmt.Errorf("%s: %w", arrayID, drm.ErrArrayNotFound))
	}

	tmpl, err := decodeTemplate(&jobs[0])
	if err != nil {
		return nil, drmerr.Wrap(drmerr.Internal, op, err)
	}

	record := &drm.ArrayRecord{
		ID:       arrayID,
		Session:  jobs[0].Labels[LabelSession],
		Template: tmpl,
	}

	for _, job := range jobs {
		record.JobIDs = append(record.JobIDs, job.Labels[LabelJobID])
	}

	return record, nil
}

func (m *Manager) State(ctx context.Context, jobID string) (descriptor.JobState, string, error) {
	const op = "get job state"

	job, err := m.get(ctx, op, jobID)
	if err != nil {
		return descriptor.Undetermined, "", err
	}

	state, subState := jobState(job)

	return state, subState, nil
}

func (m *Manager) Info(ctx context.Context, jobID string) (*descriptor.JobInfo, error) {
	const op = "get job info"

	job, err := m.get(ctx, op, jobID)
	if err != nil {
		return nil, err
	}

	pods, err := m.pods(ctx, job)
	if err != nil {
		return nil, apiError(op, err)
	}

	state, subState := jobState(job)

	info := &descriptor.JobInfo{
		JobID:     jobID,
		State:     state,
		SubState:  subState,
		JobOwner:  job.Annotations[annOwner],
		QueueName: job.Namespace,
	}

	ext := &InfoExtension{
		Name:      job.Name,
		Namespace: job.Namespace,
		Active:    job.Status.Active,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
	}

	var machines []string

	for _, pod := range pods {
		ext.Pods = append(ext.Pods, pod.Name)

		if pod.Spec.NodeName != "" && !slices.Contains(machines, pod.Spec.NodeName) {
			machines = append(machines, pod.Spec.NodeName)
		}
	}

	info.Extension = ext

	if len(machines) > 0 {
		info.AllocatedMachines = container.Of(machines...)
	}

	if cs := job.Spec.Template.Spec.Containers; len(cs) > 0 {
		if cpu, ok := cs[0].Resources.Requests[corev1.ResourceCPU]; ok {
			info.Slots = descriptor.Some(cpu.Value())
		}
	}

	for _, c := range job.Status.Conditions {
		if c.Status == corev1.ConditionTrue && c.Message != "" {
			info.Annotation = c.Message
		}
	}

	if v, ok := job.Annotations[annSubmitted]; ok {
		if t, err := time.Parse(timeFormat, v); err == nil {
			info.SubmissionTime = descriptor.Some(t)
		}
	}

	var started time.Time
	if job.Status.StartTime != nil {
		started = job.Status.StartTime.Time
		info.DispatchTime = descriptor.Some(started)
	}

	if state.IsTerminal() {
		if code, signal, ok := exitStatus(pods); ok {
			info.ExitStatus = descriptor.Some(int64(code))
			info.TerminatingSignal = signal
		}

		if finished, ok := finishTime(job); ok {
			info.FinishTime = descriptor.Some(finished)

			if !started.IsZero() {
				info.WallclockTime = descriptor.Some(finished.Sub(started))
			}
		}
	}

	return info, nil
}

// Control applies a to a job by updating its Job. Suspending and holding
// both suspend the Job; terminating also marks it so it reports Failed.
func (m *Manager) Control(ctx context.Context, jobID string, a drm.Action) error {
	op := a.String() + " job"

	client := m.client.BatchV1().Jobs(m.namespace)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		job, err := m.get(ctx, op, jobID)
		if err != nil {
			return err
		}

		from, _ := jobState(job)
		if _, err := drm.Transition(from, a); err != nil {
			return err
		}

		if job.Annotations == nil {
			job.Annotations = make(map[string]string)
		}

		switch a {
		case drm.ActionSuspend:
			job.Spec.Suspend = ptr.To(true)
			job.Annotations[annSuspended] = "true"
		case drm.ActionResume:
			job.Spec.Suspend = ptr.To(false)
			delete(job.Annotations, annSuspended)
		case drm.ActionHold:
			job.Spec.Suspend = ptr.To(true)
		case drm.ActionRelease:
			job.Spec.Suspend = ptr.To(false)
		case drm.ActionTerminate:
			job.Spec.Suspend = ptr.To(true)
			job.Annotations[annTerminated] = time.Now().UTC().Format(timeFormat)
		}

		_, err = client.Update(ctx, job, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		if drmerr.KindOf(err) != drmerr.KindNone {
			return err
		}

		return apiError(op, err)
	}

	m.logger.Debug("controlled job", "id", jobID, "action", a)

	return nil
}

// Reap deletes the Job of a finished job and its pods.
func (m *Manager) Reap(ctx context.Context, jobID string) error {
	const op = "reap job"

	job, err := m.get(ctx, op, jobID)
	if err != nil {
		return err
	}

	if s, _ := jobState(job); !s.IsTerminal() {
		return drmerr.Errorf(drmerr.InvalidState, op, "job %s is %s", jobID, s)
	}

	err = m.client.BatchV1().Jobs(m.namespace).Delete(ctx, job.Name, deleteOptions())
	if apierrors.IsNotFound(err) {
		return drm.JobNotFound(op, jobID)
	} else if err != nil {
		return apiError(op, err)
	}

	return nil
}

func (m *Manager) Jobs(ctx context.Context, session string) ([]string, error) {
	const op = "list jobs"

	set := labels.Set{}
	if session != "" {
		set[LabelSession] = session
	}

	jobs, err := m.list(ctx, set)
	if err != nil {
		return nil, apiError(op, err)
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.Labels[LabelJobID])
	}

	return ids, nil
}

// StreamOutput follows the log of the job's most recent pod.
func (m *Manager) StreamOutput(ctx context.Context, jobID string) (io.ReadCloser, error) {
	const op = "stream job output"

	job, err := m.get(ctx, op, jobID)
	if err != nil {
		return nil, err
	}

	pods, err := m.pods(ctx, job)
	if err != nil {
		return nil, apiError(op, err)
	}

	if len(pods) == 0 {
		if s, _ := jobState(job); s.IsTerminal() {
			return io.NopCloser(strings.NewReader("")), nil
		}

		return nil, drmerr.Wrap(drmerr.TryLater, op, ErrNotStarted)
	}

	pod := slices.MaxFunc(pods, func(a, b corev1.Pod) int {
		return a.CreationTimestamp.Time.Compare(b.CreationTimestamp.Time)
	})

	req := m.client.CoreV1().Pods(m.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
	})

	rc, err := req.Stream(ctx)
	if err != nil {
		return nil, apiError(op, err)
	}

	return rc, nil
}

// Subscribe watches the managed Jobs of the namespace and publishes a
// notification whenever one changes state. The informer's cache is synced
// before Subscribe returns.
func (m *Manager) Subscribe(ctx context.Context) <-chan drm.Notification {
	events := drm.NewBroadcaster()
	ch := events.Subscribe(ctx)

	factory := informers.NewSharedInformerFactoryWithOptions(
		m.client,
		0,
		informers.WithNamespace(m.namespace),
		informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.LabelSelector = labels.Set{LabelManaged: "true"}.String()
		}),
	)

	informer := factory.Batch().V1().Jobs().Informer()

	publish := func(job *batchv1.Job) {
		state, _ := jobState(job)
		events.Publish(drm.Notification{
			Event:   drm.EventNewState,
			JobID:   job.Labels[LabelJobID],
			Session: job.Labels[LabelSession],
			State:   state,
		})
	}

	_, err := informer.AddEventHandler(cache.ResourceEventHandlerDetailedFuncs{
		AddFunc: func(obj any, isInInitialList bool) {
			if job, ok := obj.(*batchv1.Job); ok && !isInInitialList {
				publish(job)
			}
		},
		UpdateFunc: func(oldObj, newObj any) {
			oldJob, ok := oldObj.(*batchv1.Job)
			if !ok {
				return
			}

			newJob, ok := newObj.(*batchv1.Job)
			if !ok {
				return
			}

			before, _ := jobState(oldJob)
			after, _ := jobState(newJob)

			if before != after {
				publish(newJob)
			}
		},
	})
	if err != nil {
		m.logger.Error("add job event handler", "err", err)
		events.Close()
		return ch
	}

	factory.Start(ctx.Done())
	factory.WaitForCacheSync(ctx.Done())

	context.AfterFunc(ctx, factory.Shutdown)

	return ch
}

func (m *Manager) get(ctx context.Context, op, jobID string) (*batchv1.Job, error) {
	job, err := m.client.BatchV1().Jobs(m.namespace).Get(ctx, objectName(jobID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, drm.JobNotFound(op, jobID)
	} else if err != nil {
		return nil, apiError(op, err)
	}

	if job.Labels[LabelManaged] != "true" {
		return nil, drm.JobNotFound(op, jobID)
	}

	return job, nil
}

// list returns the managed Jobs matching set in submission order.
func (m *Manager) list(ctx context.Context, set labels.Set) ([]batchv1.Job, error) {
	selector := maps.Clone(set)
	selector[LabelManaged] = "true"

	list, err := m.client.BatchV1().Jobs(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, err
	}

	jobs := list.Items

	slices.SortFunc(jobs, func(a, b batchv1.Job) int {
		return cmp.Or(
			cmp.Compare(a.Annotations[annSubmitted], b.Annotations[annSubmitted]),
			cmp.Compare(arrayIndex(&a), arrayIndex(&b)),
			cmp.Compare(a.Name, b.Name),
		)
	})

	return jobs, nil
}

func (m *Manager) pods(ctx context.Context, job *batchv1.Job) ([]corev1.Pod, error) {
	list, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set{jobNameLabel: job.Name}.String(),
	})
	if err != nil {
		return nil, err
	}

	return list.Items, nil
}

func arrayIndex(job *batchv1.Job) int64 {
	n, _ := strconv.ParseInt(job.Annotations[annIndex], 10, 64)
	return n
}

func decodeTemplate(job *batchv1.Job) (*descriptor.JobTemplate, error) {
	data, ok := job.Annotations[annTemplate]
	if !ok {
		return nil, fmt.Errorf("job %s has no template", job.Name)
	}

	jt := descriptor.NewJobTemplate()
	if err := json.Unmarshal([]byte(data), jt); err != nil {
		return nil, fmt.Errorf("decode template of job %s: %w", job.Name, err)
	}

	return jt, nil
}

func deleteOptions() metav1.DeleteOptions {
	return metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	}
}

// apiError maps an error from the API server to an error kind.
func apiError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return drmerr.Wrap(drmerr.Timeout, op, err)
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return drmerr.Wrap(drmerr.DeniedByDRM, op, err)
	case apierrors.IsAlreadyExists(err), apierrors.IsInvalid(err):
		return drmerr.Wrap(drmerr.InvalidArgument, op, err)
	case apierrors.IsTooManyRequests(err), apierrors.IsServerTimeout(err):
		return drmerr.Wrap(drmerr.TryLater, op, err)
	}

	return drmerr.Wrap(drmerr.DRMCommunication, op, err)
}
