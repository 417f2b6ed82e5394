package descriptor

import "slices"

// JobInfoFilter selects jobs by their observable attributes. Empty fields
// match everything.
type JobInfoFilter struct {
	JobID    string     `json:"jobId,omitempty"`
	States   []JobState `json:"states,omitempty"`
	JobOwner string     `json:"jobOwner,omitempty"`
	Queue    string     `json:"queue,omitempty"`
}

// Match reports whether info satisfies every set field of f. A nil filter
// matches everything.
func (f *JobInfoFilter) Match(info *JobInfo) bool {
	if f == nil {
		return true
	}

	if f.JobID != "" && f.JobID != info.JobID {
		return false
	}

	if len(f.States) > 0 && !slices.Contains(f.States, info.State) {
		return false
	}

	if f.JobOwner != "" && f.JobOwner != info.JobOwner {
		return false
	}

	if f.Queue != "" && f.Queue != info.QueueName {
		return false
	}

	return true
}
