package drm

import (
	"context"
	"fmt"
	"sync"

	"github.com/nixpig/jobsession/internal/descriptor"
)

// Event is the kind of a Notification.
type Event int

const (
	EventNewState Event = iota + 1
	EventMigrated
	EventAttributeChange
)

var eventNames = map[Event]string{
	EventNewState:        "NewState",
	EventMigrated:        "Migrated",
	EventAttributeChange: "AttributeChange",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}

	return fmt.Sprintf("Event(%d)", int(e))
}

func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Event) UnmarshalText(text []byte) error {
	for ev, name := range eventNames {
		if name == string(text) {
			*e = ev
			return nil
		}
	}

	return fmt.Errorf("unknown event %q", text)
}

// Notification reports a change to a job.
type Notification struct {
	Event   Event               `json:"event"`
	JobID   string              `json:"jobId"`
	Session string              `json:"session"`
	State   descriptor.JobState `json:"state"`
}

const subscriberBufferSize = 64

// Broadcaster fans notifications out to subscribers without blocking the
// publisher. It implements Notifier.
type Broadcaster struct {
	subs   map[int]chan Notification
	nextID int
	closed bool

	mu sync.Mutex
}

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Notification)}
}

// Subscribe implements Notifier.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Notification {
	ch := make(chan Notification, subscriberBufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	})

	return ch
}

// Publish delivers n to every subscriber with room in its buffer.
func (b *Broadcaster) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close closes every subscription. Later subscriptions are closed
// immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
