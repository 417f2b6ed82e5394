package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/sys/unix"

	"github.com/nixpig/jobsession/internal/drmerr"
)

const (
	// DefaultDir is where a FileStore keeps sessions unless told otherwise.
	DefaultDir = "~/.jobsession/sessions"

	lockFile         = ".lock"
	lockPollInterval = 10 * time.Millisecond
)

// FileStore is a Store keeping one JSON file per session in a directory.
// Every read-modify-write holds an exclusive flock on the directory's lock
// file, so several processes can share a directory.
type FileStore struct {
	dir  string
	host string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore in dir, creating it if necessary. A
// leading ~ is expanded to the home directory.
func NewFileStore(dir string) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expand sessions dir: %w", err)
	}

	if err := os.MkdirAll(expanded, 0700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	return &FileStore{dir: expanded, host: host}, nil
}

// Dir returns the session storage directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Create(ctx context.Context, name string, h Handle) (*Record, error) {
	const op = "create session"

	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var rec *Record

	err := s.locked(ctx, op, func() error {
		if _, err := os.Stat(s.path(name)); err == nil {
			return drmerr.Wrap(drmerr.SessionManagement, op, fmt.Errorf("%s: %w", name, ErrSessionExists))
		} else if !errors.Is(err, os.ErrNotExist) {
			return drmerr.Wrap(drmerr.DRMCommunication, op, err)
		}

		rec = &Record{
			Name:      name,
			CreatedAt: time.Now().UTC(),
			Handles:   []Handle{h},
		}

		return s.write(op, rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *FileStore) Attach(ctx context.Context, name string, h Handle) (*Record, error) {
	const op = "attach session"

	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var rec *Record

	err := s.locked(ctx, op, func() error {
		var err error

		if rec, err = s.read(op, name); err != nil {
			return err
		}

		rec.prune(s.host)
		rec.Handles = append(rec.Handles, h)

		return s.write(op, rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *FileStore) Detach(ctx context.Context, name, contact string) error {
	const op = "detach session"

	if err := ValidateName(name); err != nil {
		return err
	}

	return s.locked(ctx, op, func() error {
		rec, err := s.read(op, name)
		if err != nil {
			return err
		}

		n := len(rec.Handles)
		rec.Handles = slices.DeleteFunc(rec.Handles, func(h Handle) bool {
			return h.Contact == contact
		})

		if len(rec.Handles) == n {
			return nil
		}

		return s.write(op, rec)
	})
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	const op = "destroy session"

	if err := ValidateName(name); err != nil {
		return err
	}

	return s.locked(ctx, op, func() error {
		rec, err := s.read(op, name)
		if err != nil {
			return err
		}

		rec.prune(s.host)

		if rec.Open() {
			return drmerr.Wrap(
				drmerr.SessionManagement,
				op,
				fmt.Errorf("%s held by %d process(es): %w", name, len(rec.Handles), ErrSessionBusy),
			)
		}

		if err := os.Remove(s.path(name)); err != nil {
			return drmerr.Wrap(drmerr.DRMCommunication, op, err)
		}

		return nil
	})
}

func (s *FileStore) Get(ctx context.Context, name string) (*Record, error) {
	const op = "get session"

	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var rec *Record

	err := s.locked(ctx, op, func() error {
		var err error
		rec, err = s.read(op, name)
		return err
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *FileStore) Names(ctx context.Context) ([]string, error) {
	const op = "list sessions"

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, drmerr.Wrap(drmerr.DRMCommunication, op, err)
	}

	var names []string
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok || strings.HasPrefix(name, ".") {
			continue
		}

		names = append(names, name)
	}

	slices.Sort(names)

	return names, nil
}

// Prune drops the handles of dead processes on this host from every session
// and returns the number dropped.
func (s *FileStore) Prune(ctx context.Context) (int, error) {
	const op = "prune sessions"

	names, err := s.Names(ctx)
	if err != nil {
		return 0, err
	}

	var pruned int

	err = s.locked(ctx, op, func() error {
		for _, name := range names {
			rec, err := s.read(op, name)
			if errors.Is(err, ErrSessionNotFound) {
				continue
			} else if err != nil {
				return err
			}

			n := len(rec.Handles)
			if !rec.prune(s.host) {
				continue
			}

			if err := s.write(op, rec); err != nil {
				return err
			}

			pruned += n - len(rec.Handles)
		}

		return nil
	})

	return pruned, err
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// locked runs fn holding the directory lock. Waiting for the lock gives up
// when ctx is done.
func (s *FileStore) locked(ctx context.Context, op string, fn func() error) error {
	f, err := os.OpenFile(filepath.Join(s.dir, lockFile), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return drmerr.Wrap(drmerr.DRMCommunication, op, fmt.Errorf("open lock file: %w", err))
	}
	defer f.Close()

	fd := int(f.Fd())

	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}

		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return drmerr.Wrap(drmerr.DRMCommunication, op, fmt.Errorf("lock sessions dir: %w", err))
		}

		select {
		case <-ctx.Done():
			return drmerr.Wrap(drmerr.Timeout, op, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}

	defer unix.Flock(fd, unix.LOCK_UN)

	return fn()
}

func (s *FileStore) read(op, name string) (*Record, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, drmerr.Wrap(drmerr.InvalidSession, op, fmt.Errorf("%s: %w", name, ErrSessionNotFound))
		}

		return nil, drmerr.Wrap(drmerr.DRMCommunication, op, fmt.Errorf("read session file: %w", err))
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, drmerr.Wrap(drmerr.Internal, op, fmt.Errorf("unmarshal session %s: %w", name, err))
	}

	return &rec, nil
}

// write replaces the session file atomically.
func (s *FileStore) write(op string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return drmerr.Wrap(drmerr.Internal, op, fmt.Errorf("marshal session: %w", err))
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.Name+"-*.tmp")
	if err != nil {
		return drmerr.Wrap(drmerr.DRMCommunication, op, fmt.Errorf("create temp file: %w", err))
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return drmerr.Wrap(drmerr.DRMCommunication, op, fmt.Errorf("write session file: %w", err))
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return drmerr.Wrap(drmerr.DRMCommunication, op, fmt.Errorf("sync session file: %w", err))
	}

	tmp.Close()

	if err := os.Rename(tmp.Name(), s.path(rec.Name)); err != nil {
		os.Remove(tmp.Name())
		return drmerr.Wrap(drmerr.DRMCommunication, op, fmt.Errorf("rename session file: %w", err))
	}

	return nil
}
