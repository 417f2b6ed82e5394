package drm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		from   descriptor.JobState
		action drm.Action
		to     descriptor.JobState
		legal  bool
	}{
		"Test suspend running": {
			from: descriptor.Running, action: drm.ActionSuspend, to: descriptor.Suspended, legal: true,
		},
		"Test suspend queued": {
			from: descriptor.Queued, action: drm.ActionSuspend,
		},
		"Test resume suspended": {
			from: descriptor.Suspended, action: drm.ActionResume, to: descriptor.Running, legal: true,
		},
		"Test resume running": {
			from: descriptor.Running, action: drm.ActionResume,
		},
		"Test hold queued": {
			from: descriptor.Queued, action: drm.ActionHold, to: descriptor.QueuedHeld, legal: true,
		},
		"Test hold requeued": {
			from: descriptor.Requeued, action: drm.ActionHold, to: descriptor.RequeuedHeld, legal: true,
		},
		"Test hold running": {
			from: descriptor.Running, action: drm.ActionHold,
		},
		"Test release queued held": {
			from: descriptor.QueuedHeld, action: drm.ActionRelease, to: descriptor.Queued, legal: true,
		},
		"Test release requeued held": {
			from: descriptor.RequeuedHeld, action: drm.ActionRelease, to: descriptor.Requeued, legal: true,
		},
		"Test terminate suspended": {
			from: descriptor.Suspended, action: drm.ActionTerminate, to: descriptor.Failed, legal: true,
		},
		"Test terminate done": {
			from: descriptor.Done, action: drm.ActionTerminate,
		},
		"Test terminate failed": {
			from: descriptor.Failed, action: drm.ActionTerminate,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			got, err := drm.Transition(config.from, config.action)
			if !config.legal {
				assert.ErrorIs(t, err, drmerr.InvalidState)
				assert.True(t, errors.As(err, &drm.InvalidStateError{}))
				assert.Equal(t, config.from, got)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, config.to, got)
		})
	}
}

func TestAction(t *testing.T) {
	t.Parallel()

	for _, a := range []drm.Action{
		drm.ActionSuspend,
		drm.ActionResume,
		drm.ActionHold,
		drm.ActionRelease,
		drm.ActionTerminate,
	} {
		text, err := a.MarshalText()
		require.NoError(t, err)

		var parsed drm.Action
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, a, parsed)
	}

	_, err := drm.ParseAction("explode")
	assert.Error(t, err)
}

func TestBulkRange(t *testing.T) {
	t.Parallel()

	r := drm.BulkRange{Begin: 1, End: 10, Step: 3}
	require.NoError(t, r.Validate())
	assert.Equal(t, []int64{1, 4, 7, 10}, r.Indices())

	for name, bad := range map[string]drm.BulkRange{
		"Test zero begin":      {Begin: 0, End: 1, Step: 1},
		"Test begin after end": {Begin: 3, End: 1, Step: 1},
		"Test zero step":       {Begin: 1, End: 2, Step: 0},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, bad.Validate(), drmerr.InvalidArgument)
		})
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	for _, c := range drm.Capabilities() {
		parsed, err := drm.ParseCapability(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
}

func TestBroadcaster(t *testing.T) {
	t.Parallel()

	t.Run("Test publish reaches subscribers", func(t *testing.T) {
		t.Parallel()

		b := drm.NewBroadcaster()

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		sub1 := b.Subscribe(ctx)
		sub2 := b.Subscribe(ctx)

		n := drm.Notification{Event: drm.EventNewState, JobID: "1", State: descriptor.Running}
		b.Publish(n)

		assert.Equal(t, n, <-sub1)
		assert.Equal(t, n, <-sub2)
	})

	t.Run("Test cancel closes subscription", func(t *testing.T) {
		t.Parallel()

		b := drm.NewBroadcaster()

		ctx, cancel := context.WithCancel(t.Context())
		sub := b.Subscribe(ctx)
		cancel()

		select {
		case _, ok := <-sub:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Errorf("expected subscription to close")
		}
	})

	t.Run("Test slow subscriber does not block publisher", func(t *testing.T) {
		t.Parallel()

		b := drm.NewBroadcaster()
		b.Subscribe(t.Context())

		done := make(chan struct{})
		go func() {
			for range 1000 {
				b.Publish(drm.Notification{Event: drm.EventNewState})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("expected publish not to block")
		}
	})

	t.Run("Test close", func(t *testing.T) {
		t.Parallel()

		b := drm.NewBroadcaster()
		sub := b.Subscribe(t.Context())
		b.Close()

		_, ok := <-sub
		assert.False(t, ok)

		_, ok = <-b.Subscribe(t.Context())
		assert.False(t, ok)
	})
}
