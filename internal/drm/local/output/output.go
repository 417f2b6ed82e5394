// Package output provides concurrent streaming of job output. Multiple
// clients can subscribe to a Streamer and each receive the complete output
// of the job from the beginning.
package output

import (
	"io"
	"sync"
	"time"
)

const (
	// initialBufferCapacity is the starting size for the output buffer.
	initialBufferCapacity = 4096

	// readBufferSize is the temporary buffer size for reading from source.
	// 4KB aligns with typical pipe buffer sizes.
	readBufferSize = 4096

	// drainTimeout bounds how long output is still read after the job has
	// exited. Descendants of the job may keep the write end of a pipe open
	// indefinitely.
	drainTimeout = 100 * time.Millisecond
)

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Streamer reads job output from a source and stores it in an internal
// buffer for use by subscribers. The stream ends once the job has finished
// and the source is drained.
type Streamer struct {
	// NOTE: the buffer grows with no upper bound. Jobs writing large amounts
	// of output should set an output path instead.
	buffer []byte

	done chan struct{}
	mu   sync.Mutex
	cond sync.Cond
}

// NewStreamer creates a Streamer that immediately begins reading from source.
// Subscribers see the end of the stream only after jobDone is closed and
// source is exhausted.
func NewStreamer(source io.ReadCloser, jobDone <-chan struct{}) *Streamer {
	s := &Streamer{
		buffer: make([]byte, 0, initialBufferCapacity),
		done:   make(chan struct{}),
	}

	s.cond.L = &s.mu

	go s.stopReadingAfter(source, jobDone)
	go s.processOutput(source, jobDone)

	return s
}

// stopReadingAfter unblocks processOutput once the job has finished. Sources
// supporting read deadlines are given drainTimeout to deliver what is left.
func (s *Streamer) stopReadingAfter(source io.ReadCloser, jobDone <-chan struct{}) {
	select {
	case <-jobDone:
	case <-s.done:
		return
	}

	if d, ok := source.(deadliner); ok {
		if err := d.SetReadDeadline(time.Now().Add(drainTimeout)); err == nil {
			return
		}
	}

	source.Close()
}

func (s *Streamer) processOutput(source io.ReadCloser, jobDone <-chan struct{}) {
	defer func() {
		source.Close()

		<-jobDone

		s.mu.Lock()
		close(s.done)
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	buffer := make([]byte, readBufferSize)

	for {
		n, err := source.Read(buffer)
		if n > 0 {
			s.mu.Lock()
			s.buffer = append(s.buffer, buffer[:n]...)
			s.cond.Broadcast()
			s.mu.Unlock()
		}

		if err != nil {
			// io.EOF, a closed source or an expired drain deadline all end
			// the stream.
			return
		}
	}
}

// Subscribe returns an io.ReadCloser for reading the output. Close cancels
// the subscription.
func (s *Streamer) Subscribe() io.ReadCloser {
	return &reader{s: s}
}

// Done returns a channel that is closed when the stream has ended.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

// Len returns the number of bytes captured so far.
func (s *Streamer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buffer)
}

func (s *Streamer) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
