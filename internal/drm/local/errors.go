package local

import (
	"errors"

	"github.com/nixpig/jobsession/internal/drm"
)

var (
	ErrJobNotFound   = drm.ErrJobNotFound
	ErrManagerClosed = errors.New("manager closed")

	// ErrNotStarted is returned when output is requested for a job that has
	// not run yet.
	ErrNotStarted = errors.New("job not started")

	// ErrOutputRedirected is returned when output is requested for a job
	// whose output goes to a file.
	ErrOutputRedirected = errors.New("job output redirected to file")

	// ErrInsufficientSlots is returned when a job asks for more slots than
	// the Manager has.
	ErrInsufficientSlots = errors.New("insufficient slots")
)
