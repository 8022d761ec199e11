package service

import (
	"context"
	"io"
)

// Reply is the outcome of an outgoing request: either a single content
// value, or a lazy stream consumed with Next.
type Reply struct {
	svc         *Service
	requestID   string
	target      string
	requestType string

	stream  bool
	content any
	frames  chan envelope
	closed  bool
}

// IsStream reports whether the peer opened a stream.
func (r *Reply) IsStream() bool { return r.stream }

// Content returns the single response value. Nil for streams and for
// bare end terminators.
func (r *Reply) Content() any { return r.content }

// Next yields the next content frame of a stream. It returns io.EOF
// when the peer ends the stream normally and a *ServiceError when the
// peer reports an internal fault. After either terminator every call
// returns io.EOF.
func (r *Reply) Next(ctx context.Context) (any, error) {
	if !r.stream || r.closed {
		return nil, io.EOF
	}

	select {
	case e := <-r.frames:
		switch e.responseType() {
		case respContent:
			return e["content"], nil
		case respEnd:
			r.close()
			return nil, io.EOF
		case respError:
			r.close()
			return nil, &ServiceError{Target: r.target, RequestType: r.requestType}
		default:
			// stray frame on an open stream; skip it
			return r.Next(ctx)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Collect drains the whole stream into a slice.
func (r *Reply) Collect(ctx context.Context) ([]any, error) {
	var out []any
	for {
		item, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}

func (r *Reply) close() {
	if !r.closed {
		r.closed = true
		r.svc.unregisterWaiter(r.requestID)
	}
}
