package output_test

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/jobsession/internal/drm/local/output"
)

type readResult struct {
	data []byte
	err  error
}

// readAllAsync reads r to the end in a new goroutine.
func readAllAsync(r io.Reader) <-chan readResult {
	ch := make(chan readResult, 1)

	go func() {
		data, err := io.ReadAll(r)
		ch <- readResult{data: data, err: err}
	}()

	return ch
}

func waitForLen(t *testing.T, s *output.Streamer, want int) {
	t.Helper()

	deadline := time.Now().Add(time.Second)

	for s.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected length: got '%d', want '%d'", s.Len(), want)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamerEnd(t *testing.T) {
	t.Parallel()

	t.Run("Test source EOF before job done", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		jobDone := make(chan struct{})

		s := output.NewStreamer(pr, jobDone)

		sub := s.Subscribe()
		defer sub.Close()

		resultCh := readAllAsync(sub)

		if _, err := pw.Write([]byte("partial")); err != nil {
			t.Fatalf("expected write not to return error: got '%v'", err)
		}
		pw.Close()

		select {
		case <-s.Done():
			t.Fatal("expected stream to stay open until the job is done")
		case res := <-resultCh:
			t.Fatalf("expected read to block until the job is done: got '%s'", res.data)
		case <-time.After(50 * time.Millisecond):
		}

		close(jobDone)

		select {
		case res := <-resultCh:
			if res.err != nil {
				t.Errorf("expected read not to return error: got '%v'", res.err)
			}

			if string(res.data) != "partial" {
				t.Errorf("expected output: got '%s', want 'partial'", res.data)
			}
		case <-time.After(time.Second):
			t.Fatal("expected read to end once the job is done")
		}
	})

	t.Run("Test job done before EOF closes source without deadline", func(t *testing.T) {
		t.Parallel()

		// An io.PipeReader has no read deadline, so the streamer closes it.
		pr, pw := io.Pipe()
		jobDone := make(chan struct{})

		s := output.NewStreamer(pr, jobDone)

		if _, err := pw.Write([]byte("before exit")); err != nil {
			t.Fatalf("expected write not to return error: got '%v'", err)
		}

		close(jobDone)

		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("expected stream to end once the job is done")
		}

		if _, err := pw.Write([]byte("after exit")); !errors.Is(err, io.ErrClosedPipe) {
			t.Errorf("expected write to closed source to fail: got '%v'", err)
		}

		got, err := io.ReadAll(s.Subscribe())
		if err != nil {
			t.Errorf("expected read not to return error: got '%v'", err)
		}

		if string(got) != "before exit" {
			t.Errorf("expected output: got '%s', want 'before exit'", got)
		}
	})

	t.Run("Test job done before EOF drains source with deadline", func(t *testing.T) {
		t.Parallel()

		pr, pw, err := os.Pipe()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer pw.Close()

		jobDone := make(chan struct{})

		s := output.NewStreamer(pr, jobDone)

		// Written before the job is done but not yet read.
		if _, err := pw.Write([]byte("still buffered")); err != nil {
			t.Fatalf("expected write not to return error: got '%v'", err)
		}

		// pw stays open, as it would when a descendant of the job inherits it.
		close(jobDone)

		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("expected stream to end after the drain timeout")
		}

		got, err := io.ReadAll(s.Subscribe())
		if err != nil {
			t.Errorf("expected read not to return error: got '%v'", err)
		}

		if string(got) != "still buffered" {
			t.Errorf("expected buffered output to be drained: got '%s'", got)
		}
	})

	t.Run("Test empty output", func(t *testing.T) {
		t.Parallel()

		jobDone := make(chan struct{})
		close(jobDone)

		s := output.NewStreamer(io.NopCloser(strings.NewReader("")), jobDone)

		got, err := io.ReadAll(s.Subscribe())
		if err != nil {
			t.Errorf("expected read not to return error: got '%v'", err)
		}

		if len(got) != 0 || s.Len() != 0 {
			t.Errorf("expected no output: got '%s'", got)
		}
	})
}

func TestStreamerSubscribers(t *testing.T) {
	t.Parallel()

	t.Run("Test subscribers see output from the beginning", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		jobDone := make(chan struct{})

		s := output.NewStreamer(pr, jobDone)

		early := s.Subscribe()
		defer early.Close()
		earlyCh := readAllAsync(early)

		pw.Write([]byte("first "))
		waitForLen(t, s, len("first "))

		middle := s.Subscribe()
		defer middle.Close()
		middleCh := readAllAsync(middle)

		pw.Write([]byte("second"))
		pw.Close()
		close(jobDone)
		<-s.Done()

		late := s.Subscribe()
		defer late.Close()

		for name, ch := range map[string]<-chan readResult{
			"early":  earlyCh,
			"middle": middleCh,
			"late":   readAllAsync(late),
		} {
			select {
			case res := <-ch:
				if res.err != nil {
					t.Errorf("expected %s read not to return error: got '%v'", name, res.err)
				}

				if string(res.data) != "first second" {
					t.Errorf("expected %s output: got '%s', want 'first second'", name, res.data)
				}
			case <-time.After(time.Second):
				t.Errorf("expected %s read to end", name)
			}
		}
	})

	t.Run("Test concurrent readers of a sequential writer", func(t *testing.T) {
		t.Parallel()

		const (
			lines   = 2000
			readers = 50
		)

		var want strings.Builder
		for i := range lines {
			fmt.Fprintf(&want, "line %d\n", i)
		}

		pr, pw := io.Pipe()
		jobDone := make(chan struct{})

		s := output.NewStreamer(pr, jobDone)

		errCh := make(chan error, readers)

		var wg sync.WaitGroup

		for range readers {
			wg.Go(func() {
				sub := s.Subscribe()
				defer sub.Close()

				got, err := io.ReadAll(sub)
				if err != nil {
					errCh <- fmt.Errorf("expected read not to return error: got '%v'", err)
					return
				}

				if string(got) != want.String() {
					errCh <- fmt.Errorf("expected %d bytes in order: got %d bytes", want.Len(), len(got))
				}
			})
		}

		for i := range lines {
			fmt.Fprintf(pw, "line %d\n", i)
		}

		pw.Close()
		close(jobDone)
		wg.Wait()

		close(errCh)

		for err := range errCh {
			t.Error(err)
		}

		if s.Len() != want.Len() {
			t.Errorf("expected length: got '%d', want '%d'", s.Len(), want.Len())
		}
	})
}

func TestStreamerLen(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	jobDone := make(chan struct{})

	s := output.NewStreamer(pr, jobDone)

	if s.Len() != 0 {
		t.Errorf("expected empty stream: got '%d'", s.Len())
	}

	pw.Write([]byte("12345"))
	waitForLen(t, s, 5)

	pw.Write([]byte("678"))
	waitForLen(t, s, 8)

	pw.Close()
	close(jobDone)
	<-s.Done()

	if s.Len() != 8 {
		t.Errorf("expected length after the stream ended: got '%d', want '8'", s.Len())
	}
}

func TestReader(t *testing.T) {
	t.Parallel()

	t.Run("Test short reads keep position", func(t *testing.T) {
		t.Parallel()

		jobDone := make(chan struct{})
		close(jobDone)

		s := output.NewStreamer(io.NopCloser(strings.NewReader("abcdefgh")), jobDone)
		<-s.Done()

		sub := s.Subscribe()
		defer sub.Close()

		p := make([]byte, 3)

		var got []string

		for {
			n, err := sub.Read(p)
			if err == io.EOF {
				break
			}

			if err != nil {
				t.Fatalf("expected read not to return error: got '%v'", err)
			}

			got = append(got, string(p[:n]))
		}

		if strings.Join(got, "|") != "abc|def|gh" {
			t.Errorf("expected reads: got '%v'", got)
		}
	})

	t.Run("Test close wakes a blocked read", func(t *testing.T) {
		t.Parallel()

		pr, pw := io.Pipe()
		defer pw.Close()

		jobDone := make(chan struct{})
		defer close(jobDone)

		s := output.NewStreamer(pr, jobDone)

		sub := s.Subscribe()
		resultCh := readAllAsync(sub)

		select {
		case <-resultCh:
			t.Fatal("expected read to block while the job runs")
		case <-time.After(20 * time.Millisecond):
		}

		if err := sub.Close(); err != nil {
			t.Errorf("expected close not to return error: got '%v'", err)
		}

		select {
		case res := <-resultCh:
			if res.err != nil || len(res.data) != 0 {
				t.Errorf("expected empty read to end cleanly: got '%s', '%v'", res.data, res.err)
			}
		case <-time.After(time.Second):
			t.Fatal("expected close to wake the blocked read")
		}

		if err := sub.Close(); err != io.ErrClosedPipe {
			t.Errorf("expected second close to return ErrClosedPipe: got '%v'", err)
		}
	})

	t.Run("Test closed reader skips buffered output", func(t *testing.T) {
		t.Parallel()

		jobDone := make(chan struct{})
		close(jobDone)

		s := output.NewStreamer(io.NopCloser(strings.NewReader("unread")), jobDone)
		<-s.Done()

		sub := s.Subscribe()
		sub.Close()

		if n, err := sub.Read(make([]byte, 8)); n != 0 || err != io.EOF {
			t.Errorf("expected EOF from closed reader: got '%d', '%v'", n, err)
		}
	})
}
