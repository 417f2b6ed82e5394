package remote

import (
	"context"
	"io"

	"google.golang.org/grpc"

	api "github.com/nixpig/jobsession/api/v1"
)

// outputReader reads job output chunks off a gRPC stream.
type outputReader struct {
	stream   grpc.ServerStreamingClient[api.StreamJobOutputResponse]
	cancel   context.CancelFunc
	mapError func(error) error
	buf      []byte
	err      error
}

func (r *outputReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		resp, err := r.stream.Recv()
		if err != nil {
			if err == io.EOF {
				r.err = io.EOF
			} else {
				r.err = r.mapError(err)
			}

			continue
		}

		r.buf = resp.Output
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]

	return n, nil
}

// Close stops the stream. Reads after Close fail.
func (r *outputReader) Close() error {
	r.cancel()
	return nil
}
