package output

import (
	"io"
	"sync/atomic"
)

// reader is a subscription to a Streamer. It tracks its own position in the
// buffer and blocks for new data as it arrives. Safe for concurrent use.
type reader struct {
	position int
	closed   atomic.Bool

	s *Streamer
}

// Read performs a blocking read from the Streamer's buffer. It returns
// io.EOF once the stream has ended and everything has been read, or once the
// reader is closed.
func (r *reader) Read(p []byte) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for r.position >= len(r.s.buffer) && !r.isFinished() {
		r.s.cond.Wait()
	}

	if r.closed.Load() || r.position >= len(r.s.buffer) {
		return 0, io.EOF
	}

	n := copy(p, r.s.buffer[r.position:])
	r.position += n

	return n, nil
}

// Close cancels the subscription and wakes any blocked Read. Closing twice
// returns io.ErrClosedPipe.
func (r *reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return io.ErrClosedPipe
	}

	r.s.mu.Lock()
	r.s.cond.Broadcast()
	r.s.mu.Unlock()

	return nil
}

func (r *reader) isFinished() bool {
	return r.closed.Load() || (r.s.isDone() && r.position >= len(r.s.buffer))
}
