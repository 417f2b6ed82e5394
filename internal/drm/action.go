package drm

import (
	"fmt"

	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drmerr"
)

// Action is a control operation applied to a job.
type Action int

const (
	ActionSuspend Action = iota + 1
	ActionResume
	ActionHold
	ActionRelease
	ActionTerminate
)

var actionNames = map[Action]string{
	ActionSuspend:   "suspend",
	ActionResume:    "resume",
	ActionHold:      "hold",
	ActionRelease:   "release",
	ActionTerminate: "terminate",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}

	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction returns the Action with the given name.
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}

	return 0, fmt.Errorf("unknown action %q", name)
}

func (a Action) MarshalText() ([]byte, error) {
	if _, ok := actionNames[a]; !ok {
		return nil, fmt.Errorf("unknown action %d", int(a))
	}

	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// InvalidStateError is returned when an action is not legal in a job's
// current state.
type InvalidStateError struct {
	From   descriptor.JobState
	Action Action
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job in state %s", e.Action, e.From)
}

// Transition returns the state a job in state from moves to when a is
// applied. Terminating moves any non-terminal job to Failed.
func Transition(from descriptor.JobState, a Action) (descriptor.JobState, error) {
	to, ok := transitions[a][from]
	if !ok {
		return from, drmerr.Wrap(
			drmerr.InvalidState,
			a.String()+" job",
			InvalidStateError{From: from, Action: a},
		)
	}

	return to, nil
}

var transitions = map[Action]map[descriptor.JobState]descriptor.JobState{
	ActionSuspend: {
		descriptor.Running: descriptor.Suspended,
	},
	ActionResume: {
		descriptor.Suspended: descriptor.Running,
	},
	ActionHold: {
		descriptor.Queued:   descriptor.QueuedHeld,
		descriptor.Requeued: descriptor.RequeuedHeld,
	},
	ActionRelease: {
		descriptor.QueuedHeld:   descriptor.Queued,
		descriptor.RequeuedHeld: descriptor.Requeued,
	},
	ActionTerminate: {
		descriptor.Undetermined: descriptor.Failed,
		descriptor.Queued:       descriptor.Failed,
		descriptor.QueuedHeld:   descriptor.Failed,
		descriptor.Running:      descriptor.Failed,
		descriptor.Suspended:    descriptor.Failed,
		descriptor.Requeued:     descriptor.Failed,
		descriptor.RequeuedHeld: descriptor.Failed,
	},
}
