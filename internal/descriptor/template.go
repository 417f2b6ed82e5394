package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/drmerr"
)

// JobTemplate describes a job to submit. Every field starts unset: nil
// containers, empty strings and unset Optionals. A template owns its
// containers; Destroy releases them exactly once.
type JobTemplate struct {
	JobName          string                          `json:"jobName,omitempty"`
	RemoteCommand    string                          `json:"remoteCommand,omitempty"`
	Args             *container.List[string]         `json:"args,omitempty"`
	SubmitAsHold     bool                            `json:"submitAsHold,omitempty"`
	Rerunnable       bool                            `json:"rerunnable,omitempty"`
	JobCategory      string                          `json:"jobCategory,omitempty"`
	JobEnvironment   *container.Dict[string, string] `json:"jobEnvironment,omitempty"`
	WorkingDirectory string                          `json:"workingDirectory,omitempty"`

	Email             *container.List[string] `json:"email,omitempty"`
	EmailOnStarted    bool                    `json:"emailOnStarted,omitempty"`
	EmailOnTerminated bool                    `json:"emailOnTerminated,omitempty"`

	InputPath  string `json:"inputPath,omitempty"`
	OutputPath string `json:"outputPath,omitempty"`
	ErrorPath  string `json:"errorPath,omitempty"`
	JoinFiles  bool   `json:"joinFiles,omitempty"`

	ReservationID     string                  `json:"reservationId,omitempty"`
	QueueName         string                  `json:"queueName,omitempty"`
	MinSlots          Optional[int64]         `json:"minSlots"`
	MaxSlots          Optional[int64]         `json:"maxSlots"`
	Priority          Optional[int64]         `json:"priority"`
	CandidateMachines *container.List[string] `json:"candidateMachines,omitempty"`
	MinPhysMemory     Optional[int64]         `json:"minPhysMemory"`

	StartTime    Optional[time.Time] `json:"startTime"`
	DeadlineTime Optional[time.Time] `json:"deadlineTime"`

	StageInFiles   *container.Dict[string, string] `json:"stageInFiles,omitempty"`
	StageOutFiles  *container.Dict[string, string] `json:"stageOutFiles,omitempty"`
	ResourceLimits *container.Dict[string, string] `json:"resourceLimits,omitempty"`
	AccountingID   string                          `json:"accountingId,omitempty"`

	// Extension holds backend specific attributes.
	Extension Extension `json:"-"`

	destroyed bool
}

// Resource limit names understood in JobTemplate.ResourceLimits.
const (
	LimitWallclockTime = "wallclock_time"
	LimitVirtualMemory = "virtual_memory"
	LimitCPUTime       = "cpu_time"
)

// NewJobTemplate returns a template with every field unset.
func NewJobTemplate() *JobTemplate {
	return &JobTemplate{}
}

func (jt *JobTemplate) lists() []*container.List[string] {
	return []*container.List[string]{jt.Args, jt.Email, jt.CandidateMachines}
}

func (jt *JobTemplate) dicts() []*container.Dict[string, string] {
	return []*container.Dict[string, string]{
		jt.JobEnvironment,
		jt.StageInFiles,
		jt.StageOutFiles,
		jt.ResourceLimits,
	}
}

// Destroy destroys every container owned by the template. Destroying a
// template twice returns container.ErrDestroyed.
func (jt *JobTemplate) Destroy() error {
	if jt.destroyed {
		return container.ErrDestroyed
	}

	jt.destroyed = true

	var errs []error

	for _, l := range jt.lists() {
		errs = append(errs, l.Destroy())
	}

	for _, d := range jt.dicts() {
		errs = append(errs, d.Destroy())
	}

	return errors.Join(errs...)
}

// Destroyed reports whether the template or any of its containers has been
// destroyed.
func (jt *JobTemplate) Destroyed() bool {
	if jt.destroyed {
		return true
	}

	for _, l := range jt.lists() {
		if l.Destroyed() {
			return true
		}
	}

	for _, d := range jt.dicts() {
		if d.Destroyed() {
			return true
		}
	}

	return false
}

// Validate checks the template can be submitted.
func (jt *JobTemplate) Validate() error {
	const op = "validate job template"

	if jt == nil {
		return drmerr.New(drmerr.InvalidArgument, op, "job template is nil")
	}

	if jt.Destroyed() {
		return drmerr.Wrap(drmerr.InvalidArgument, op, container.ErrDestroyed)
	}

	if jt.RemoteCommand == "" {
		return drmerr.New(drmerr.InvalidArgument, op, "remote command cannot be empty")
	}

	minSlots, minSet := jt.MinSlots.Get()
	maxSlots, maxSet := jt.MaxSlots.Get()

	if minSet && minSlots < 1 {
		return drmerr.Errorf(drmerr.InvalidArgument, op, "min slots must be positive: got %d", minSlots)
	}

	if maxSet && maxSlots < 1 {
		return drmerr.Errorf(drmerr.InvalidArgument, op, "max slots must be positive: got %d", maxSlots)
	}

	if minSet && maxSet && minSlots > maxSlots {
		return drmerr.Errorf(
			drmerr.InvalidArgument,
			op,
			"min slots %d exceeds max slots %d",
			minSlots,
			maxSlots,
		)
	}

	if mem, ok := jt.MinPhysMemory.Get(); ok && mem < 0 {
		return drmerr.Errorf(drmerr.InvalidArgument, op, "min phys memory must not be negative: got %d", mem)
	}

	start, startSet := jt.StartTime.Get()
	deadline, deadlineSet := jt.DeadlineTime.Get()

	if startSet && deadlineSet && deadline.Before(start) {
		return drmerr.New(drmerr.InvalidArgument, op, "deadline time is before start time")
	}

	return nil
}

// Clone returns a deep copy of the template. The copy owns its own
// containers.
func (jt *JobTemplate) Clone() (*JobTemplate, error) {
	if jt.Destroyed() {
		return nil, fmt.Errorf("clone job template: %w", container.ErrDestroyed)
	}

	c := *jt
	c.destroyed = false

	var err error

	lists := []**container.List[string]{&c.Args, &c.Email, &c.CandidateMachines}
	for _, l := range lists {
		if *l, err = (*l).Clone(); err != nil {
			return nil, fmt.Errorf("clone job template: %w", err)
		}
	}

	dicts := []**container.Dict[string, string]{
		&c.JobEnvironment,
		&c.StageInFiles,
		&c.StageOutFiles,
		&c.ResourceLimits,
	}
	for _, d := range dicts {
		if *d, err = (*d).Clone(); err != nil {
			return nil, fmt.Errorf("clone job template: %w", err)
		}
	}

	c.Extension = cloneExtension(jt.Extension)

	return &c, nil
}

// Equal reports whether two templates hold the same attributes, including
// their extensions.
func (jt *JobTemplate) Equal(other *JobTemplate) bool {
	if jt == nil || other == nil {
		return jt == other
	}

	eqInt := func(a, b int64) bool { return a == b }
	eqTime := func(a, b time.Time) bool { return a.Equal(b) }

	return jt.JobName == other.JobName &&
		jt.RemoteCommand == other.RemoteCommand &&
		equalLists(jt.Args, other.Args) &&
		jt.SubmitAsHold == other.SubmitAsHold &&
		jt.Rerunnable == other.Rerunnable &&
		jt.JobCategory == other.JobCategory &&
		equalDicts(jt.JobEnvironment, other.JobEnvironment) &&
		jt.WorkingDirectory == other.WorkingDirectory &&
		equalLists(jt.Email, other.Email) &&
		jt.EmailOnStarted == other.EmailOnStarted &&
		jt.EmailOnTerminated == other.EmailOnTerminated &&
		jt.InputPath == other.InputPath &&
		jt.OutputPath == other.OutputPath &&
		jt.ErrorPath == other.ErrorPath &&
		jt.JoinFiles == other.JoinFiles &&
		jt.ReservationID == other.ReservationID &&
		jt.QueueName == other.QueueName &&
		equalOptional(jt.MinSlots, other.MinSlots, eqInt) &&
		equalOptional(jt.MaxSlots, other.MaxSlots, eqInt) &&
		equalOptional(jt.Priority, other.Priority, eqInt) &&
		equalLists(jt.CandidateMachines, other.CandidateMachines) &&
		equalOptional(jt.MinPhysMemory, other.MinPhysMemory, eqInt) &&
		equalOptional(jt.StartTime, other.StartTime, eqTime) &&
		equalOptional(jt.DeadlineTime, other.DeadlineTime, eqTime) &&
		equalDicts(jt.StageInFiles, other.StageInFiles) &&
		equalDicts(jt.StageOutFiles, other.StageOutFiles) &&
		equalDicts(jt.ResourceLimits, other.ResourceLimits) &&
		jt.AccountingID == other.AccountingID &&
		equalExtension(jt.Extension, other.Extension)
}

// ArgValues returns the arguments as a slice.
func (jt *JobTemplate) ArgValues() []string {
	args, _ := jt.Args.Values()
	return args
}

// Environment returns the job environment in insertion order as KEY=VALUE
// pairs.
func (jt *JobTemplate) Environment() []string {
	keys, _ := jt.JobEnvironment.Keys()
	m, _ := jt.JobEnvironment.Map()

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m[k])
	}

	return env
}

// ResourceLimit returns the named resource limit.
func (jt *JobTemplate) ResourceLimit(name string) (string, bool) {
	if jt.ResourceLimits == nil {
		return "", false
	}

	v, ok, _ := jt.ResourceLimits.Get(name)

	return v, ok
}

func (jt *JobTemplate) MarshalJSON() ([]byte, error) {
	type alias JobTemplate

	env, err := encodeExtension(jt.Extension)
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		*alias
		Extension *extensionEnvelope `json:"extension,omitempty"`
	}{(*alias)(jt), env})
}

func (jt *JobTemplate) UnmarshalJSON(data []byte) error {
	type alias JobTemplate

	aux := struct {
		*alias
		Extension *extensionEnvelope `json:"extension,omitempty"`
	}{alias: (*alias)(jt)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ext, err := decodeExtension(ExtensionKindTemplate, aux.Extension)
	if err != nil {
		return drmerr.Wrap(drmerr.UnsupportedAttribute, "decode job template", err)
	}

	jt.Extension = ext

	return nil
}

func equalLists(a, b *container.List[string]) bool {
	if a == nil || b == nil {
		return a == b
	}

	av, errA := a.Values()
	bv, errB := b.Values()

	return errA == nil && errB == nil && slices.Equal(av, bv)
}

func equalDicts(a, b *container.Dict[string, string]) bool {
	if a == nil || b == nil {
		return a == b
	}

	am, errA := a.Map()
	bm, errB := b.Map()

	return errA == nil && errB == nil && maps.Equal(am, bm)
}
