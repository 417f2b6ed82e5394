package v1

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
	"github.com/nixpig/jobsession/internal/registry"
)

// ErrorDomain is the errdetails.ErrorInfo domain of API errors.
const ErrorDomain = "drm.v1"

const sentinelKey = "sentinel"

// sentinels are the package errors restored on the client, keyed by the
// name carried in ErrorInfo metadata.
var sentinels = map[string]error{
	"job_not_found":     drm.ErrJobNotFound,
	"array_not_found":   drm.ErrArrayNotFound,
	"session_exists":    registry.ErrSessionExists,
	"session_not_found": registry.ErrSessionNotFound,
	"session_busy":      registry.ErrSessionBusy,
	"session_open":      registry.ErrSessionOpen,
	"invalid_name":      registry.ErrInvalidName,
}

var kindCodes = map[drmerr.Kind]codes.Code{
	drmerr.DeniedByDRM:            codes.PermissionDenied,
	drmerr.DRMCommunication:       codes.Unavailable,
	drmerr.TryLater:               codes.Unavailable,
	drmerr.SessionManagement:      codes.Aborted,
	drmerr.Timeout:                codes.DeadlineExceeded,
	drmerr.Internal:               codes.Internal,
	drmerr.InvalidArgument:        codes.InvalidArgument,
	drmerr.InvalidSession:         codes.NotFound,
	drmerr.InvalidState:           codes.FailedPrecondition,
	drmerr.OutOfResource:          codes.ResourceExhausted,
	drmerr.UnsupportedAttribute:   codes.Unimplemented,
	drmerr.UnsupportedOperation:   codes.Unimplemented,
	drmerr.ImplementationSpecific: codes.Unknown,
}

// Status converts an error carrying a drmerr.Kind to a gRPC status. The kind
// and any known sentinel travel as ErrorInfo details. Errors without a kind
// become codes.Internal.
func Status(err error) *status.Status {
	if err == nil {
		return nil
	}

	kind := drmerr.KindOf(err)
	if kind == drmerr.KindNone {
		return status.New(codes.Internal, "internal server error")
	}

	info := &errdetails.ErrorInfo{
		Domain: ErrorDomain,
		Reason: kind.String(),
	}

	for name, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			info.Metadata = map[string]string{sentinelKey: name}
			break
		}
	}

	st := status.New(kindCodes[kind], drmerr.Describe(err))

	detailed, derr := st.WithDetails(info)
	if derr != nil {
		return st
	}

	return detailed
}

// Error restores the error sent by Status. op names the client operation
// that failed. Statuses without ErrorInfo, such as transport and auth
// failures, are classified by their code.
func Error(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return drmerr.Wrap(drmerr.Timeout, op, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return drmerr.Wrap(drmerr.DRMCommunication, op, err)
	}

	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}

		kind, ok := drmerr.ParseKind(info.GetReason())
		if !ok {
			break
		}

		return &drmerr.Error{
			Kind: kind,
			Op:   op,
			Err:  &remoteError{msg: st.Message(), sentinel: sentinels[info.GetMetadata()[sentinelKey]]},
		}
	}

	return drmerr.Wrap(codeKind(st.Code()), op, errors.New(st.Message()))
}

// remoteError is a server error description that still matches the
// server's sentinel with errors.Is.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string {
	return e.msg
}

func (e *remoteError) Unwrap() error {
	return e.sentinel
}

func codeKind(code codes.Code) drmerr.Kind {
	switch code {
	case codes.Canceled, codes.DeadlineExceeded:
		return drmerr.Timeout
	case codes.PermissionDenied, codes.Unauthenticated:
		return drmerr.DeniedByDRM
	case codes.InvalidArgument:
		return drmerr.InvalidArgument
	case codes.Unimplemented:
		return drmerr.UnsupportedOperation
	case codes.Internal:
		return drmerr.Internal
	default:
		return drmerr.DRMCommunication
	}
}
