// Package jobsession provides named, persistent job sessions on top of a
// resource manager.
//
// A Runtime opens and creates Sessions by name. A Session submits jobs and
// job arrays described by descriptor.JobTemplate, hands back Job handles and
// blocks until any of a set of jobs starts or terminates. Session names and
// the processes holding them are persisted in a registry.Store, so a session
// can be reopened by a later process to pick up its outstanding jobs.
package jobsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nixpig/jobsession/internal/container"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
	"github.com/nixpig/jobsession/internal/registry"
)

// DefaultPollInterval bounds how long a wait goes without asking the
// resource manager for job states.
const DefaultPollInterval = 100 * time.Millisecond

var (
	ErrSessionClosed = errors.New("session closed")
	ErrJobReaped     = errors.New("job reaped")
	ErrForeignJob    = errors.New("job belongs to another session")
)

// Runtime is the entry point for job sessions. It is safe for concurrent
// use.
type Runtime struct {
	backend  drm.Backend
	registry *registry.Registry
	logger   *slog.Logger
	poll     time.Duration

	sessions map[string]*Session
	mu       sync.Mutex
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// WithPollInterval sets how often waits poll job states.
func WithPollInterval(d time.Duration) Option {
	return func(rt *Runtime) {
		if d > 0 {
			rt.poll = d
		}
	}
}

// New creates a Runtime that runs jobs on backend and persists sessions in
// store.
func New(backend drm.Backend, store registry.Store, opts ...Option) *Runtime {
	rt := &Runtime{
		backend:  backend,
		registry: registry.New(store),
		logger:   slog.New(slog.DiscardHandler),
		poll:     DefaultPollInterval,
		sessions: make(map[string]*Session),
	}

	for _, opt := range opts {
		opt(rt)
	}

	return rt
}

// Backend returns the resource manager.
func (rt *Runtime) Backend() drm.Backend {
	return rt.backend
}

// DRMSName returns the name of the resource manager.
func (rt *Runtime) DRMSName() string {
	return rt.backend.Name()
}

// DRMSVersion returns the version of the resource manager.
func (rt *Runtime) DRMSVersion() drm.Version {
	return rt.backend.Version()
}

// Supports reports whether the resource manager supports c.
func (rt *Runtime) Supports(c drm.Capability) bool {
	return rt.backend.Supports(c)
}

// JobTemplateAttributes returns the implementation specific job template
// attributes of the resource manager, each with a description.
func (rt *Runtime) JobTemplateAttributes() map[string]string {
	return descriptor.Attributes(rt.backend.Name(), descriptor.ExtensionKindTemplate)
}

// JobInfoAttributes returns the implementation specific job info attributes
// of the resource manager, each with a description.
func (rt *Runtime) JobInfoAttributes() map[string]string {
	return descriptor.Attributes(rt.backend.Name(), descriptor.ExtensionKindInfo)
}

// DescribeAttribute returns the description of an implementation specific
// job template or job info attribute. It fails with InvalidArgument if the
// resource manager has no attribute called name.
func (rt *Runtime) DescribeAttribute(name string) (string, error) {
	if desc, ok := rt.JobTemplateAttributes()[name]; ok {
		return desc, nil
	}

	if desc, ok := rt.JobInfoAttributes()[name]; ok {
		return desc, nil
	}

	return "", drmerr.Errorf(drmerr.InvalidArgument, "describe attribute", "unknown attribute %q", name)
}

// CreateSession persists a new session and opens it. An empty contact is
// replaced with a generated one. It fails with SessionManagement if the name
// is taken, including by a session nothing holds open.
func (rt *Runtime) CreateSession(ctx context.Context, name, contact string) (*Session, error) {
	if err := registry.ValidateName(name); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	contact, err := rt.registry.Create(ctx, name, contact)
	if err != nil {
		return nil, err
	}

	s := newSession(rt, name, contact)
	rt.sessions[name] = s

	rt.logger.Debug("session created", "name", name, "contact", contact)

	return s, nil
}

// OpenSession opens an existing session and adopts the jobs the resource
// manager still holds for it.
func (rt *Runtime) OpenSession(ctx context.Context, name string) (*Session, error) {
	if err := registry.ValidateName(name); err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	contact, err := rt.registry.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	s := newSession(rt, name, contact)

	ids, err := rt.backend.Jobs(ctx, name)
	if err != nil {
		if cerr := rt.registry.Close(ctx, name); cerr != nil {
			rt.logger.Warn("close session", "name", name, "err", cerr)
		}

		return nil, fmt.Errorf("adopt jobs: %w", err)
	}

	for _, id := range ids {
		s.job(id, nil)
	}

	rt.sessions[name] = s

	rt.logger.Debug("session opened", "name", name, "contact", contact, "jobs", len(ids))

	return s, nil
}

// EnsureSession creates the named session, or opens it if it exists.
func (rt *Runtime) EnsureSession(ctx context.Context, name string) (*Session, error) {
	s, err := rt.CreateSession(ctx, name, "")
	if errors.Is(err, registry.ErrSessionExists) {
		return rt.OpenSession(ctx, name)
	}

	return s, err
}

// CreateSessionWithRetry creates the named session. A SessionManagement or
// Internal failure destroys whatever is persisted under the name and tries
// again, up to attempts times in total.
func (rt *Runtime) CreateSessionWithRetry(
	ctx context.Context,
	name, contact string,
	attempts int,
) (*Session, error) {
	var err error

	for attempt := 1; attempt <= max(attempts, 1); attempt++ {
		var s *Session

		if s, err = rt.CreateSession(ctx, name, contact); err == nil {
			return s, nil
		}

		if !errors.Is(err, drmerr.SessionManagement) && !errors.Is(err, drmerr.Internal) {
			return nil, err
		}

		rt.logger.Info("recreate session", "name", name, "attempt", attempt, "err", err)

		if derr := rt.DestroySession(ctx, name); derr != nil {
			rt.logger.Warn("destroy session", "name", name, "err", derr)
		}
	}

	return nil, err
}

// DestroySession removes a session's persisted state and reaps its
// terminated jobs. It fails with SessionManagement if the session is open in
// this process or held by another live process.
func (rt *Runtime) DestroySession(ctx context.Context, name string) error {
	if err := registry.ValidateName(name); err != nil {
		return err
	}

	if err := rt.registry.Destroy(ctx, name); err != nil {
		return err
	}

	ids, err := rt.backend.Jobs(ctx, name)
	if err != nil {
		rt.logger.Warn("list session jobs", "name", name, "err", err)
		return nil
	}

	for _, id := range ids {
		state, _, err := rt.backend.State(ctx, id)
		if err != nil || !state.IsTerminal() {
			continue
		}

		if err := rt.backend.Reap(ctx, id); err != nil {
			rt.logger.Warn("reap job", "id", id, "err", err)
		}
	}

	return nil
}

// SessionNames returns the names of every persisted session.
func (rt *Runtime) SessionNames(ctx context.Context) (*container.List[string], error) {
	names, err := rt.registry.Names(ctx)
	if err != nil {
		return nil, err
	}

	return container.Of(names...), nil
}

// Close closes every session this Runtime holds open.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	sessions := make([]*Session, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		sessions = append(sessions, s)
	}
	rt.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close(ctx))
	}

	return errors.Join(errs...)
}

func (rt *Runtime) forget(s *Session) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.sessions[s.name] == s {
		delete(rt.sessions, s.name)
	}
}
