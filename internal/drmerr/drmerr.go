// Package drmerr defines the error taxonomy shared by every layer of the job
// session runtime. Each failure carries a Kind for programmatic handling and
// a human-readable description.
package drmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kind implements error so callers can match it
// directly with errors.Is(err, drmerr.Timeout).
type Kind int

const (
	// KindNone is the zero value returned by KindOf for errors that carry no
	// Kind.
	KindNone Kind = iota

	// DeniedByDRM indicates the resource manager rejected the request.
	DeniedByDRM

	// DRMCommunication indicates the resource manager or durable store could
	// not be reached.
	DRMCommunication

	// TryLater indicates a transient condition; retrying may succeed.
	TryLater

	// SessionManagement indicates a session lifecycle conflict, e.g. a name
	// that already exists or a session that is still in use.
	SessionManagement

	// Timeout indicates a blocking call returned before its condition was
	// met.
	Timeout

	// Internal indicates an unexpected failure inside the runtime.
	Internal

	// InvalidArgument indicates a malformed request.
	InvalidArgument

	// InvalidSession indicates the session is unknown or closed.
	InvalidSession

	// InvalidState indicates the operation is not legal in the current job
	// state, including jobs that have been reaped.
	InvalidState

	// OutOfResource indicates the runtime ran out of a local resource.
	OutOfResource

	// UnsupportedAttribute indicates a template or extension attribute the
	// backend does not support.
	UnsupportedAttribute

	// UnsupportedOperation indicates an operation the backend does not
	// support.
	UnsupportedOperation

	// ImplementationSpecific indicates a backend specific failure.
	ImplementationSpecific
)

// NOTE: This slice needs to be kept in sync with the Kind values.
var kindNames = []string{
	"None",
	"DeniedByDRM",
	"DRMCommunication",
	"TryLater",
	"SessionManagement",
	"Timeout",
	"Internal",
	"InvalidArgument",
	"InvalidSession",
	"InvalidState",
	"OutOfResource",
	"UnsupportedAttribute",
	"UnsupportedOperation",
	"ImplementationSpecific",
}

// String returns the name of the Kind.
func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return kindNames[0]
	}

	return kindNames[k]
}

// Error implements the error interface so a Kind can be used as a target for
// errors.Is.
func (k Kind) Error() string {
	return k.String()
}

// ParseKind returns the Kind with the given name.
func ParseKind(name string) (Kind, bool) {
	for i, n := range kindNames {
		if i > 0 && n == name {
			return Kind(i), true
		}
	}

	return KindNone, false
}

// Kinds returns every defined Kind, excluding KindNone.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames)-1)
	for i := 1; i < len(kindNames); i++ {
		kinds = append(kinds, Kind(i))
	}

	return kinds
}

// Error is a failure with a Kind, the operation that failed and the
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

// Description returns the human-readable description without the Kind.
func (e *Error) Description() string {
	if e.Err == nil {
		return e.Kind.String()
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an Error of the given Kind with a plain message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Errorf returns an Error of the given Kind with a formatted cause. The
// format supports %w.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap returns an Error of the given Kind wrapping err, or nil when err is
// nil. If err already carries a Kind, it is returned with op prepended and
// its Kind preserved.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if op == "" {
			return err
		}

		return &Error{Kind: e.Kind, Op: op, Err: err}
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	var k Kind
	if errors.As(err, &k) {
		return k
	}

	return KindNone
}

// Describe returns the human-readable description of err.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Description()
	}

	return err.Error()
}
