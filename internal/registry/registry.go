package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/nixpig/jobsession/internal/drmerr"
)

// Registry tracks the sessions held open by the current process on top of
// a Store. At most one open handle per session name exists per Registry.
type Registry struct {
	store Store
	open  map[string]string

	mu sync.Mutex
}

// New creates a Registry backed by store.
func New(store Store) *Registry {
	return &Registry{
		store: store,
		open:  make(map[string]string),
	}
}

// Store returns the underlying Store.
func (r *Registry) Store() Store {
	return r.store
}

// Create persists a new session and opens it. An empty contact is replaced
// with a generated one. It returns the contact of the new handle.
func (r *Registry) Create(ctx context.Context, name, contact string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[name]; ok {
		return "", drmerr.Wrap(drmerr.SessionManagement, "create session", fmt.Errorf("%s: %w", name, ErrSessionExists))
	}

	if contact == "" {
		contact = uuid.NewString()
	}

	if _, err := r.store.Create(ctx, name, NewHandle(contact)); err != nil {
		return "", err
	}

	r.open[name] = contact

	return contact, nil
}

// Open attaches to an existing session. It returns the contact of the new
// handle.
func (r *Registry) Open(ctx context.Context, name string) (string, error) {
	const op = "open session"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[name]; ok {
		return "", drmerr.Wrap(drmerr.SessionManagement, op, fmt.Errorf("%s: %w", name, ErrSessionOpen))
	}

	contact := uuid.NewString()

	if _, err := r.store.Attach(ctx, name, NewHandle(contact)); err != nil {
		return "", err
	}

	r.open[name] = contact

	return contact, nil
}

// Close releases the handle of an open session. Closing a session that is
// not open is a no-op.
func (r *Registry) Close(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	contact, ok := r.open[name]
	if !ok {
		return nil
	}

	delete(r.open, name)

	return r.store.Detach(ctx, name, contact)
}

// Destroy removes a session's persisted state. It fails if the session is
// open in this process or held by another live process.
func (r *Registry) Destroy(ctx context.Context, name string) error {
	const op = "destroy session"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[name]; ok {
		return drmerr.Wrap(drmerr.SessionManagement, op, fmt.Errorf("%s: %w", name, ErrSessionBusy))
	}

	return r.store.Delete(ctx, name)
}

// Names returns the names of every persisted session.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	return r.store.Names(ctx)
}

// Get returns the persisted record of a session.
func (r *Registry) Get(ctx context.Context, name string) (*Record, error) {
	return r.store.Get(ctx, name)
}

// IsOpen reports whether this process holds the session open, and its
// contact.
func (r *Registry) IsOpen(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contact, ok := r.open[name]

	return contact, ok
}

// OpenNames returns the names of the sessions this process holds open.
func (r *Registry) OpenNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Sorted(maps.Keys(r.open))
}
