package local

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/user"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"

	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drm/local/cgroups"
	"github.com/nixpig/jobsession/internal/drmerr"
)

// DefaultCategories are the job categories of a Manager created without
// WithCategories. A category prefixes the remote command.
var DefaultCategories = map[string][]string{
	"shell": {"/bin/sh", "-c"},
}

type array struct {
	record    *drm.ArrayRecord
	running   int
	remaining int
}

// Manager is a drm.Backend that runs Jobs as processes on the local host.
// It also implements drm.Notifier, drm.OutputStreamer and io.Closer.
type Manager struct {
	jobs    map[string]*Job
	arrays  map[string]*array
	pending []*Job
	used    int64
	seq     uint64
	closed  bool

	slots      int64
	cgroupRoot string
	categories map[string][]string
	host       string
	owner      string
	homeDir    string

	events *drm.Broadcaster
	logger *slog.Logger
	wg     sync.WaitGroup

	mu sync.Mutex
}

var (
	_ drm.Backend        = (*Manager)(nil)
	_ drm.Notifier       = (*Manager)(nil)
	_ drm.OutputStreamer = (*Manager)(nil)
	_ io.Closer          = (*Manager)(nil)
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithSlots sets the number of slots shared by running jobs. Each job takes
// its MinSlots, or one.
func WithSlots(n int64) Option {
	return func(m *Manager) {
		m.slots = n
	}
}

// WithCgroupRoot places every job in a cgroup under root.
func WithCgroupRoot(root string) Option {
	return func(m *Manager) {
		m.cgroupRoot = root
	}
}

// WithCategories replaces the job categories.
func WithCategories(categories map[string][]string) Option {
	return func(m *Manager) {
		m.categories = categories
	}
}

// NewManager creates a new Manager ready to run Jobs.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		jobs:       make(map[string]*Job),
		arrays:     make(map[string]*array),
		slots:      4,
		categories: DefaultCategories,
		events:     drm.NewBroadcaster(),
		logger:     slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.slots < 1 {
		return nil, fmt.Errorf("slots must be positive: got %d", m.slots)
	}

	if m.cgroupRoot != "" {
		if err := cgroups.ValidateRoot(m.cgroupRoot); err != nil {
			return nil, err
		}
	}

	var err error

	if m.host, err = os.Hostname(); err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	if m.homeDir, err = homedir.Dir(); err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
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
		drm.CapBulkJobsMaxParallel,
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

// Submit queues a single job. Jobs submitted as held wait for a release.
func (m *Manager) Submit(
	ctx context.Context,
	session string,
	jt *descriptor.JobTemplate,
) (string, error) {
	const op = "submit job"

	j, err := m.newJob(op, session, jt)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		j.template.Destroy()
		return "", drmerr.Wrap(drmerr.DeniedByDRM, op, ErrManagerClosed)
	}

	m.admit(j)
	m.schedule()

	return j.id, nil
}

// SubmitBulk queues one job per index of r. Each job sees its index in the
// DRMAA2_INDEX environment variable and the $DRMAA2_INDEX$ placeholder.
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

	indices := r.Indices()
	arrayID := uuid.NewString()

	jobs := make([]*Job, 0, len(indices))
	ids := make([]string, 0, len(indices))

	for _, idx := range indices {
		j, err := m.newJob(op, session, jt)
		if err != nil {
			for _, j := range jobs {
				j.template.Destroy()
			}

			return "", nil, err
		}

		j.arrayID = arrayID
		j.index = descriptor.Some(idx)

		jobs = append(jobs, j)
		ids = append(ids, j.id)
	}

	tmpl, err := jt.Clone()
	if err != nil {
		return "", nil, drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		tmpl.Destroy()
		for _, j := range jobs {
			j.template.Destroy()
		}

		return "", nil, drmerr.Wrap(drmerr.DeniedByDRM, op, ErrManagerClosed)
	}

	m.arrays[arrayID] = &array{
		record: &drm.ArrayRecord{
			ID:          arrayID,
			Session:     session,
			JobIDs:      ids,
			Template:    tmpl,
			MaxParallel: r.MaxParallel,
		},
		remaining: len(jobs),
	}

	for _, j := range jobs {
		m.admit(j)
	}

	m.schedule()

	return arrayID, slices.Clone(ids), nil
}

// newJob validates jt against what the Manager supports and returns a Job
// owning a copy of it.
func (m *Manager) newJob(op, session string, jt *descriptor.JobTemplate) (*Job, error) {
	if err := jt.Validate(); err != nil {
		return nil, err
	}

	if jt.JobCategory != "" {
		if _, ok := m.categories[jt.JobCategory]; !ok {
			return nil, drmerr.Errorf(drmerr.InvalidArgument, op, "unknown job category %q", jt.JobCategory)
		}
	}

	unsupported := map[string]bool{
		"email":           jt.Email.Size() > 0,
		"stage in files":  jt.StageInFiles.Len() > 0,
		"stage out files": jt.StageOutFiles.Len() > 0,
		"reservation id":  jt.ReservationID != "",
		"accounting id":   jt.AccountingID != "",
	}
	for _, name := range slices.Sorted(maps.Keys(unsupported)) {
		if unsupported[name] {
			return nil, drmerr.Errorf(drmerr.UnsupportedAttribute, op, "%s not supported", name)
		}
	}

	if jt.CandidateMachines.Size() > 0 && jt.CandidateMachines.IndexFunc(func(h string) bool {
		return h == m.host || h == "localhost"
	}) < 0 {
		return nil, drmerr.Errorf(drmerr.DeniedByDRM, op, "host %s is not a candidate machine", m.host)
	}

	j := &Job{
		id:        uuid.NewString(),
		session:   session,
		priority:  jt.Priority.Or(0),
		slots:     jt.MinSlots.Or(1),
		submitted: time.Now(),
		done:      make(chan struct{}),
	}

	if j.slots > m.slots {
		return nil, drmerr.Wrap(
			drmerr.DeniedByDRM,
			op,
			fmt.Errorf("%w: requested %d, have %d", ErrInsufficientSlots, j.slots, m.slots),
		)
	}

	if err := m.applyLimits(op, jt, j); err != nil {
		return nil, err
	}

	tmpl, err := jt.Clone()
	if err != nil {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	j.template = tmpl

	return j, nil
}

func (m *Manager) applyLimits(op string, jt *descriptor.JobTemplate, j *Job) error {
	if jt.Extension != nil {
		ext, ok := jt.Extension.(*TemplateExtension)
		if !ok {
			return drmerr.Errorf(
				drmerr.UnsupportedAttribute,
				op,
				"extension for backend %q not supported",
				jt.Extension.Backend(),
			)
		}

		j.limits = ext.Limits
	}

	names, err := jt.ResourceLimits.Keys()
	if err != nil {
		return drmerr.Wrap(drmerr.InvalidArgument, op, err)
	}

	for _, name := range names {
		value, _ := jt.ResourceLimit(name)

		switch name {
		case descriptor.LimitWallclockTime:
			d, err := parseSeconds(value)
			if err != nil {
				return drmerr.Errorf(drmerr.InvalidArgument, op, "parse %s: %v", name, err)
			}

			j.wallclock = d

		case descriptor.LimitVirtualMemory:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 1 {
				return drmerr.Errorf(drmerr.InvalidArgument, op, "parse %s: %q", name, value)
			}

			j.limits.MemoryMaxBytes = n

		default:
			return drmerr.Errorf(drmerr.UnsupportedAttribute, op, "resource limit %q not supported", name)
		}
	}

	if !j.limits.IsZero() && m.cgroupRoot == "" {
		return drmerr.New(drmerr.UnsupportedAttribute, op, "resource limits require a cgroup root")
	}

	return nil
}

// parseSeconds parses a whole number of seconds or a Go duration.
func parseSeconds(s string) (time.Duration, error) {
	var d time.Duration

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, err
	}

	if d <= 0 {
		return 0, fmt.Errorf("must be positive: got %s", s)
	}

	return d, nil
}

// admit adds a new Job to the queue. The caller holds m.mu.
func (m *Manager) admit(j *Job) {
	m.seq++
	j.seq = m.seq
	m.jobs[j.id] = j

	if j.template.SubmitAsHold {
		j.state.Store(descriptor.QueuedHeld)
	} else {
		j.state.Store(descriptor.Queued)
	}

	m.enqueue(j)

	now := time.Now()

	if start, ok := j.template.StartTime.Get(); ok && start.After(now) {
		j.subState = "waiting for start time"
		j.timers = append(j.timers, time.AfterFunc(start.Sub(now), m.wake))
	}

	if deadline, ok := j.template.DeadlineTime.Get(); ok {
		j.timers = append(j.timers, time.AfterFunc(deadline.Sub(now), func() {
			m.expire(j, nil, "deadline time reached")
		}))
	}

	m.notify(j)
}

// enqueue inserts j into the pending queue, ordered by priority and then
// submission. The caller holds m.mu.
func (m *Manager) enqueue(j *Job) {
	i := slices.IndexFunc(m.pending, func(p *Job) bool {
		return p.priority < j.priority || (p.priority == j.priority && p.seq > j.seq)
	})
	if i < 0 {
		i = len(m.pending)
	}

	m.pending = slices.Insert(m.pending, i, j)
}

func (m *Manager) dequeue(j *Job) {
	m.pending = slices.DeleteFunc(m.pending, func(p *Job) bool { return p == j })
}

func (m *Manager) wake() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schedule()
}

// schedule starts every pending Job that is eligible and fits in the free
// slots. The caller holds m.mu.
func (m *Manager) schedule() {
	if m.closed {
		return
	}

	now := time.Now()

	for i := 0; i < len(m.pending); {
		j := m.pending[i]

		if !m.runnable(j, now) {
			i++
			continue
		}

		m.pending = slices.Delete(m.pending, i, i+1)
		m.dispatch(j)
	}
}

func (m *Manager) runnable(j *Job, now time.Time) bool {
	if s := j.state.Load(); s != descriptor.Queued && s != descriptor.Requeued {
		return false
	}

	if start, ok := j.template.StartTime.Get(); ok && start.After(now) {
		return false
	}

	if j.slots > m.slots-m.used {
		return false
	}

	if a, ok := m.arrays[j.arrayID]; ok {
		if limit := a.record.MaxParallel; limit > 0 && a.running >= limit {
			return false
		}
	}

	return true
}

// dispatch starts a run of j. The caller holds m.mu.
func (m *Manager) dispatch(j *Job) {
	var prefix []string
	if j.template.JobCategory != "" {
		prefix = m.categories[j.template.JobCategory]
	}

	r, err := j.startRun(runConfig{
		prefix:     prefix,
		homeDir:    m.homeDir,
		cgroupRoot: m.cgroupRoot,
	})

	j.runs++

	if err != nil {
		m.logger.Warn("start job", "id", j.id, "err", err)
		j.annotation = err.Error()
		m.finish(j, descriptor.Failed)
		return
	}

	j.run = r
	j.subState = ""
	j.dispatched = descriptor.Some(time.Now())
	j.finished = descriptor.Unset[time.Time]()
	j.exitStatus = descriptor.Unset[int64]()
	j.signal = ""
	j.cpuTime = descriptor.Unset[int64]()

	m.used += j.slots
	if a, ok := m.arrays[j.arrayID]; ok {
		a.running++
	}

	if j.wallclock > 0 {
		r.timer = time.AfterFunc(j.wallclock, func() {
			m.expire(j, r, "wallclock time limit exceeded")
		})
	}

	j.state.Store(descriptor.Running)

	m.logger.Debug("job started", "id", j.id, "pid", r.cmd.Process.Pid, "run", j.runs)
	m.notify(j)

	m.wg.Go(func() {
		cpu := r.wait()

		m.mu.Lock()
		m.exited(j, r, cpu)
		m.schedule()
		m.mu.Unlock()

		close(r.exited)
	})
}

// exited records the end of run r of j. The caller holds m.mu.
func (m *Manager) exited(j *Job, r *run, cpu time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}

	if r.cgroup != nil {
		if err := r.cgroup.Destroy(); err != nil {
			m.logger.Warn("destroy cgroup", "id", j.id, "path", r.cgroup.Path(), "err", err)
		}
	}

	m.used -= j.slots
	if a, ok := m.arrays[j.arrayID]; ok {
		a.running--
	}

	j.exitStatus, j.signal = exitStatus(r.cmd.ProcessState)
	j.cpuTime = descriptor.Some(seconds(cpu))

	code, ok := j.exitStatus.Get()

	m.logger.Debug("job exited", "id", j.id, "exitStatus", j.exitStatus, "signal", j.signal)

	switch {
	case j.interrupted.Load():
		m.finish(j, descriptor.Failed)

	case ok && code == 0:
		m.finish(j, descriptor.Done)

	case ok && code == RequeueExitCode && j.template.Rerunnable:
		j.subState = "requeued"
		j.state.Store(descriptor.RequeuedHeld)
		m.enqueue(j)
		m.notify(j)

	default:
		m.finish(j, descriptor.Failed)
	}
}

// finish moves j to a terminal state. The caller holds m.mu.
func (m *Manager) finish(j *Job, state descriptor.JobState) {
	j.state.Store(state)
	j.finished = descriptor.Some(time.Now())

	for _, t := range j.timers {
		t.Stop()
	}

	close(j.done)
	m.notify(j)
}

func (m *Manager) notify(j *Job) {
	m.events.Publish(drm.Notification{
		Event:   drm.EventNewState,
		JobID:   j.id,
		Session: j.session,
		State:   j.state.Load(),
	})
}

// expire terminates j because a time limit was reached. A non-nil r limits
// the expiry to that run.
func (m *Manager) expire(j *Job, r *run, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.state.Load().IsTerminal() || (r != nil && j.run != r) {
		return
	}

	m.logger.Info("terminate job", "id", j.id, "reason", reason)

	if _, err := m.interrupt(j, reason); err != nil {
		m.logger.Warn("terminate job", "id", j.id, "err", err)
	}
}

// interrupt kills the running process of j, or fails j straight away if it
// has not started. It returns the interrupted run, if any. The caller holds
// m.mu.
func (m *Manager) interrupt(j *Job, reason string) (*run, error) {
	j.annotation = reason

	switch j.state.Load() {
	case descriptor.Running, descriptor.Suspended:
		j.interrupted.Store(true)
		return j.run, j.run.kill()
	}

	m.dequeue(j)
	m.finish(j, descriptor.Failed)

	return nil, nil
}

func (m *Manager) State(ctx context.Context, jobID string) (descriptor.JobState, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return descriptor.Undetermined, "", drm.JobNotFound("get job state", jobID)
	}

	return j.state.Load(), j.subState, nil
}

func (m *Manager) Info(ctx context.Context, jobID string) (*descriptor.JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, drm.JobNotFound("get job info", jobID)
	}

	return j.info(m.host, m.owner), nil
}

// Control applies a to the job. Terminating a running job kills its
// processes and waits for them to exit or for ctx to be done.
func (m *Manager) Control(ctx context.Context, jobID string, a drm.Action) error {
	op := a.String() + " job"

	m.mu.Lock()

	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return drm.JobNotFound(op, jobID)
	}

	from := j.state.Load()

	to, err := drm.Transition(from, a)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	if a == drm.ActionTerminate {
		r, err := m.interrupt(j, "terminated")
		m.mu.Unlock()

		if err != nil {
			return drmerr.Wrap(drmerr.Internal, op, err)
		}

		if r == nil {
			return nil
		}

		select {
		case <-r.exited:
			return nil
		case <-ctx.Done():
			return drmerr.Wrap(drmerr.Timeout, op, ctx.Err())
		}
	}

	defer m.mu.Unlock()

	switch a {
	case drm.ActionSuspend:
		err = j.run.suspend()
	case drm.ActionResume:
		err = j.run.resume()
	}

	if err != nil {
		return drmerr.Wrap(drmerr.Internal, op, err)
	}

	if !j.state.CompareAndSwap(from, to) {
		return drmerr.Wrap(drmerr.InvalidState, op, drm.InvalidStateError{From: j.state.Load(), Action: a})
	}

	m.notify(j)

	if a == drm.ActionRelease {
		m.schedule()
	}

	return nil
}

// Reap forgets a terminated job.
func (m *Manager) Reap(ctx context.Context, jobID string) error {
	const op = "reap job"

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return drm.JobNotFound(op, jobID)
	}

	if s := j.state.Load(); !s.IsTerminal() {
		return drmerr.Errorf(drmerr.InvalidState, op, "job %s is %s", jobID, s)
	}

	delete(m.jobs, jobID)

	if err := j.template.Destroy(); err != nil {
		m.logger.Warn("destroy job template", "id", jobID, "err", err)
	}

	if a, ok := m.arrays[j.arrayID]; ok {
		a.remaining--
		if a.remaining == 0 {
			delete(m.arrays, j.arrayID)
			a.record.Template.Destroy()
		}
	}

	return nil
}

// Jobs returns the IDs of the jobs of session in submission order. An empty
// session returns the jobs of every session.
func (m *Manager) Jobs(ctx context.Context, session string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if session == "" || j.session == session {
			jobs = append(jobs, j)
		}
	}

	slices.SortFunc(jobs, func(a, b *Job) int {
		return cmp.Compare(a.seq, b.seq)
	})

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.id)
	}

	return ids, nil
}

func (m *Manager) JobArray(ctx context.Context, arrayID string) (*drm.ArrayRecord, error) {
	const op = "get job array"

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.arrays[arrayID]
	if !ok {
		return nil, drmerr.Wrap(drmerr.InvalidArgument, op, fmt.Errorf("%s: %w", arrayID, drm.ErrArrayNotFound))
	}

	tmpl, err := a.record.Template.Clone()
	if err != nil {
		return nil, drmerr.Wrap(drmerr.Internal, op, err)
	}

	record := *a.record
	record.JobIDs = slices.Clone(a.record.JobIDs)
	record.Template = tmpl

	return &record, nil
}

// StreamOutput returns the output of the job's latest run from its start.
// Read blocks for new output until the run ends.
func (m *Manager) StreamOutput(ctx context.Context, jobID string) (io.ReadCloser, error) {
	const op = "stream job output"

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, drm.JobNotFound(op, jobID)
	}

	if j.run == nil {
		if j.state.Load().IsTerminal() {
			return io.NopCloser(strings.NewReader("")), nil
		}

		return nil, drmerr.Wrap(drmerr.TryLater, op, ErrNotStarted)
	}

	if j.run.streamer == nil {
		return nil, drmerr.Wrap(drmerr.UnsupportedOperation, op, ErrOutputRedirected)
	}

	return j.run.streamer.Subscribe(), nil
}

// Subscribe implements drm.Notifier.
func (m *Manager) Subscribe(ctx context.Context) <-chan drm.Notification {
	return m.events.Subscribe(ctx)
}

// Close makes a 'best effort' attempt to kill any running Jobs managed by the
// Manager and waits for them to exit. Queued jobs are not started.
func (m *Manager) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true

	var runs []*run

	for _, j := range m.jobs {
		for _, t := range j.timers {
			t.Stop()
		}

		switch j.state.Load() {
		case descriptor.Running, descriptor.Suspended:
			j.interrupted.Store(true)
			j.annotation = "manager closed"
			runs = append(runs, j.run)
		}
	}

	m.mu.Unlock()

	var wg sync.WaitGroup

	for _, r := range runs {
		wg.Go(func() {
			if err := r.kill(); err != nil {
				m.logger.Warn("kill job", "pid", r.cmd.Process.Pid, "err", err)
			}
		})
	}

	wg.Wait()
	m.wg.Wait()
	m.events.Close()

	return nil
}
