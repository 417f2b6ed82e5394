package local

import (
	"sync/atomic"

	"github.com/nixpig/jobsession/internal/descriptor"
)

// AtomicJobState is a wrapper around an atomic.Int32 to provide atomic
// operations on a descriptor.JobState. State reads never take the Manager's
// lock; transitions use CompareAndSwap so that two concurrent control actions
// cannot both succeed.
type AtomicJobState struct {
	v atomic.Int32
}

// Load atomically loads the JobState value.
func (a *AtomicJobState) Load() descriptor.JobState {
	return descriptor.JobState(a.v.Load())
}

// Store atomically stores the JobState value.
func (a *AtomicJobState) Store(s descriptor.JobState) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new JobState.
func (a *AtomicJobState) CompareAndSwap(o, n descriptor.JobState) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
