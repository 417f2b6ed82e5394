package descriptor

import "fmt"

// JobState is the state of a job as reported by the resource manager.
type JobState int

const (
	// Undetermined indicates the state could not be determined, e.g. the
	// resource manager lost track of the job.
	Undetermined JobState = iota

	// Queued indicates the job is waiting to be dispatched.
	Queued

	// QueuedHeld indicates the job is queued but held back from dispatch
	// until released.
	QueuedHeld

	// Running indicates the job is executing.
	Running

	// Suspended indicates the job was running and has been suspended.
	Suspended

	// Requeued indicates the job ran and was put back in the queue.
	Requeued

	// RequeuedHeld indicates the job was requeued and is held.
	RequeuedHeld

	// Done indicates the job finished successfully.
	Done

	// Failed indicates the job finished unsuccessfully, was terminated or
	// could not be started.
	Failed
)

// NOTE: This slice needs to be kept in sync with any changes to the JobState
// values.
var jobStates = []string{
	"Undetermined",
	"Queued",
	"QueuedHeld",
	"Running",
	"Suspended",
	"Requeued",
	"RequeuedHeld",
	"Done",
	"Failed",
}

// String implements the Stringer interface for JobState.
func (s JobState) String() string {
	if int(s) < 0 || int(s) >= len(jobStates) {
		return jobStates[0]
	}

	return jobStates[s]
}

// IsTerminal reports whether s is Done or Failed.
func (s JobState) IsTerminal() bool {
	return s == Done || s == Failed
}

// HasStarted reports whether a job in state s has reached the started
// milestone, i.e. it is executing or has executed.
func (s JobState) HasStarted() bool {
	switch s {
	case Running, Suspended, Done, Failed:
		return true
	default:
		return false
	}
}

// ParseJobState returns the JobState with the given name.
func ParseJobState(name string) (JobState, error) {
	for i, n := range jobStates {
		if n == name {
			return JobState(i), nil
		}
	}

	return Undetermined, fmt.Errorf("unknown job state %q", name)
}

// JobStates returns every JobState.
func JobStates() []JobState {
	states := make([]JobState, len(jobStates))
	for i := range jobStates {
		states[i] = JobState(i)
	}

	return states
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobState) UnmarshalText(text []byte) error {
	parsed, err := ParseJobState(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}
