// Package registry persists job sessions by name so they outlive the process
// that created them.
//
// A Store holds one Record per session. Each process that opens a session
// attaches a Handle to the record and detaches it on close; a session can
// only be deleted once no live process holds it. A Registry tracks which
// sessions the current process holds open.
package registry

import (
	"context"
	"errors"
	"os"
	"regexp"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nixpig/jobsession/internal/drmerr"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session in use")
	ErrSessionOpen     = errors.New("session already open in this process")
	ErrInvalidName     = errors.New("invalid session name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// ValidateName checks name can be used as a session name.
func ValidateName(name string) error {
	if len(name) > 128 || !namePattern.MatchString(name) {
		return drmerr.Wrap(drmerr.InvalidArgument, "validate session name", ErrInvalidName)
	}

	return nil
}

// Handle records a process holding a session open.
type Handle struct {
	Contact  string    `json:"contact"`
	Host     string    `json:"host"`
	PID      int       `json:"pid"`
	OpenedAt time.Time `json:"openedAt"`
}

// NewHandle returns a Handle for the current process.
func NewHandle(contact string) Handle {
	host, _ := os.Hostname()

	return Handle{
		Contact:  contact,
		Host:     host,
		PID:      os.Getpid(),
		OpenedAt: time.Now().UTC(),
	}
}

// Live reports whether the process holding h may still be running. Handles
// from other hosts cannot be checked and are assumed live.
func (h Handle) Live(host string) bool {
	if h.Host != host || h.PID <= 0 {
		return true
	}

	err := unix.Kill(h.PID, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

// Record is the persisted state of a session.
type Record struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Handles   []Handle  `json:"handles"`
}

// Open reports whether any process holds the session.
func (r *Record) Open() bool {
	return len(r.Handles) > 0
}

// Contact returns the contact of the most recently attached handle, or the
// empty string if nothing holds the session.
func (r *Record) Contact() string {
	if len(r.Handles) == 0 {
		return ""
	}

	return r.Handles[len(r.Handles)-1].Contact
}

// prune drops handles of dead processes on host. It reports whether any
// were dropped.
func (r *Record) prune(host string) bool {
	n := len(r.Handles)
	r.Handles = slices.DeleteFunc(r.Handles, func(h Handle) bool {
		return !h.Live(host)
	})

	return len(r.Handles) != n
}

// Store is the durable session registry. Implementations return errors
// carrying a drmerr.Kind: SessionManagement for ErrSessionExists and
// ErrSessionBusy, InvalidSession for ErrSessionNotFound and DRMCommunication
// when the store cannot be reached.
type Store interface {
	// Create persists a new session held by h.
	Create(ctx context.Context, name string, h Handle) (*Record, error)

	// Attach adds h to an existing session.
	Attach(ctx context.Context, name string, h Handle) (*Record, error)

	// Detach removes the handle with the given contact. Unknown contacts are
	// ignored.
	Detach(ctx context.Context, name, contact string) error

	// Delete removes a session no live process holds. Handles of dead
	// processes on the store's host are pruned first.
	Delete(ctx context.Context, name string) error

	// Get returns the record of a session.
	Get(ctx context.Context, name string) (*Record, error)

	// Names returns the names of every session, sorted.
	Names(ctx context.Context) ([]string, error)
}
