package v1_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	api "github.com/nixpig/jobsession/api/v1"
	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
	"github.com/nixpig/jobsession/internal/registry"
)

func TestErrorRoundTrip(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		err      error
		code     codes.Code
		kind     drmerr.Kind
		sentinel error
	}{
		"Test job not found": {
			err:      drm.JobNotFound("get job state", "abc"),
			code:     codes.FailedPrecondition,
			kind:     drmerr.InvalidState,
			sentinel: drm.ErrJobNotFound,
		},
		"Test session exists": {
			err: drmerr.Wrap(
				drmerr.SessionManagement,
				"create session",
				fmt.Errorf("s1: %w", registry.ErrSessionExists),
			),
			code:     codes.Aborted,
			kind:     drmerr.SessionManagement,
			sentinel: registry.ErrSessionExists,
		},
		"Test kind only": {
			err:  drmerr.New(drmerr.TryLater, "stream output", "job not started"),
			code: codes.Unavailable,
			kind: drmerr.TryLater,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			st := api.Status(config.err)
			assert.Equal(t, config.code, st.Code())

			got := api.Error("remote call", st.Err())
			assert.ErrorIs(t, got, config.kind)
			assert.Equal(t, drmerr.Describe(config.err), drmerr.Describe(got))

			if config.sentinel != nil {
				assert.ErrorIs(t, got, config.sentinel)
			}
		})
	}
}

func TestErrorWithoutKind(t *testing.T) {
	t.Parallel()

	st := api.Status(errors.New("boom"))
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "boom")

	assert.Nil(t, api.Status(nil))
	assert.NoError(t, api.Error("op", nil))
}

func TestErrorFromPlainStatus(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		code codes.Code
		kind drmerr.Kind
	}{
		"Test permission denied": {code: codes.PermissionDenied, kind: drmerr.DeniedByDRM},
		"Test unauthenticated":   {code: codes.Unauthenticated, kind: drmerr.DeniedByDRM},
		"Test unavailable":       {code: codes.Unavailable, kind: drmerr.DRMCommunication},
		"Test deadline":          {code: codes.DeadlineExceeded, kind: drmerr.Timeout},
		"Test unimplemented":     {code: codes.Unimplemented, kind: drmerr.UnsupportedOperation},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			err := api.Error("op", status.Error(config.code, "nope"))
			assert.ErrorIs(t, err, config.kind)
		})
	}

	err := api.Error("op", errors.New("connection reset"))
	assert.ErrorIs(t, err, drmerr.DRMCommunication)
}

func TestCodec(t *testing.T) {
	t.Parallel()

	codec := encoding.GetCodec(api.CodecName)
	require.NotNil(t, codec)

	t.Run("Test protobuf messages", func(t *testing.T) {
		t.Parallel()

		data, err := codec.Marshal(&emptypb.Empty{})
		require.NoError(t, err)
		assert.Equal(t, "{}", string(data))

		require.NoError(t, codec.Unmarshal(data, &emptypb.Empty{}))
	})

	t.Run("Test plain messages", func(t *testing.T) {
		t.Parallel()

		jt := descriptor.NewJobTemplate()
		jt.RemoteCommand = "echo"

		data, err := codec.Marshal(&api.SubmitJobRequest{Session: "s1", Template: jt})
		require.NoError(t, err)

		var got api.SubmitJobRequest
		require.NoError(t, codec.Unmarshal(data, &got))
		assert.Equal(t, "s1", got.Session)
		assert.True(t, jt.Equal(got.Template))
	})

	t.Run("Test actions travel by name", func(t *testing.T) {
		t.Parallel()

		data, err := codec.Marshal(&api.ControlJobRequest{ID: "j1", Action: drm.ActionHold})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"j1","action":"hold"}`, string(data))
	})
}
