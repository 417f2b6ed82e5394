package descriptor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/drmerr"
)

// JobInfo is an immutable snapshot of a job's observable attributes. Unset
// attributes are reported as unset Optionals, empty strings or nil
// containers rather than zero values.
type JobInfo struct {
	JobID             string                  `json:"jobId"`
	ExitStatus        Optional[int64]         `json:"exitStatus"`
	TerminatingSignal string                  `json:"terminatingSignal,omitempty"`
	Annotation        string                  `json:"annotation,omitempty"`
	State             JobState                `json:"state"`
	SubState          string                  `json:"subState,omitempty"`
	AllocatedMachines *container.List[string] `json:"allocatedMachines,omitempty"`
	SubmissionMachine string                  `json:"submissionMachine,omitempty"`
	JobOwner          string                  `json:"jobOwner,omitempty"`
	Slots             Optional[int64]         `json:"slots"`
	QueueName         string                  `json:"queueName,omitempty"`

	// WallclockTime is set once the job has finished.
	WallclockTime Optional[time.Duration] `json:"wallclockTime"`
	CPUTime       Optional[int64]         `json:"cpuTime"`

	SubmissionTime Optional[time.Time] `json:"submissionTime"`
	DispatchTime   Optional[time.Time] `json:"dispatchTime"`
	FinishTime     Optional[time.Time] `json:"finishTime"`

	// Extension holds backend specific attributes.
	Extension Extension `json:"-"`

	destroyed bool
}

// Destroy destroys the containers owned by the snapshot.
func (ji *JobInfo) Destroy() error {
	if ji.destroyed {
		return container.ErrDestroyed
	}

	ji.destroyed = true

	return ji.AllocatedMachines.Destroy()
}

// Clone returns a deep copy of the snapshot.
func (ji *JobInfo) Clone() (*JobInfo, error) {
	if ji.destroyed {
		return nil, fmt.Errorf("clone job info: %w", container.ErrDestroyed)
	}

	c := *ji

	machines, err := ji.AllocatedMachines.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone job info: %w", err)
	}

	c.AllocatedMachines = machines
	c.Extension = cloneExtension(ji.Extension)

	return &c, nil
}

// Equal reports whether two snapshots hold the same attributes.
func (ji *JobInfo) Equal(other *JobInfo) bool {
	if ji == nil || other == nil {
		return ji == other
	}

	eqInt := func(a, b int64) bool { return a == b }
	eqDuration := func(a, b time.Duration) bool { return a == b }
	eqTime := func(a, b time.Time) bool { return a.Equal(b) }

	return ji.JobID == other.JobID &&
		equalOptional(ji.ExitStatus, other.ExitStatus, eqInt) &&
		ji.TerminatingSignal == other.TerminatingSignal &&
		ji.Annotation == other.Annotation &&
		ji.State == other.State &&
		ji.SubState == other.SubState &&
		equalLists(ji.AllocatedMachines, other.AllocatedMachines) &&
		ji.SubmissionMachine == other.SubmissionMachine &&
		ji.JobOwner == other.JobOwner &&
		equalOptional(ji.Slots, other.Slots, eqInt) &&
		ji.QueueName == other.QueueName &&
		equalOptional(ji.WallclockTime, other.WallclockTime, eqDuration) &&
		equalOptional(ji.CPUTime, other.CPUTime, eqInt) &&
		equalOptional(ji.SubmissionTime, other.SubmissionTime, eqTime) &&
		equalOptional(ji.DispatchTime, other.DispatchTime, eqTime) &&
		equalOptional(ji.FinishTime, other.FinishTime, eqTime) &&
		equalExtension(ji.Extension, other.Extension)
}

func (ji *JobInfo) MarshalJSON() ([]byte, error) {
	type alias JobInfo

	env, err := encodeExtension(ji.Extension)
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		*alias
		Extension *extensionEnvelope `json:"extension,omitempty"`
	}{(*alias)(ji), env})
}

func (ji *JobInfo) UnmarshalJSON(data []byte) error {
	type alias JobInfo

	aux := struct {
		*alias
		Extension *extensionEnvelope `json:"extension,omitempty"`
	}{alias: (*alias)(ji)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ext, err := decodeExtension(ExtensionKindInfo, aux.Extension)
	if err != nil {
		return drmerr.Wrap(drmerr.UnsupportedAttribute, "decode job info", err)
	}

	ji.Extension = ext

	return nil
}
