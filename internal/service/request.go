package service

import (
	"encoding/json"
	"fmt"
	"sync"
)

type requestState int

const (
	stateFresh requestState = iota
	stateStreamOpen
	stateSimpleSent
	stateEnded
	stateRejected
	stateErrored
)

func (s requestState) terminal() bool {
	return s == stateSimpleSent || s == stateEnded || s == stateRejected || s == stateErrored
}

// Request is one inbound request being handled. Every request emits
// exactly one terminator: a simple response, an end, a reject or an
// error. Sends after the terminator fail.
type Request struct {
	svc *Service

	sourceName   string
	sourceWorker int
	requestType  string
	requestID    string
	fields       envelope

	mu    sync.Mutex
	state requestState
}

func newRequest(svc *Service, e envelope) *Request {
	return &Request{
		svc:          svc,
		sourceName:   e.source(),
		sourceWorker: e.worker(),
		requestType:  e.requestType(),
		requestID:    e.requestID(),
		fields:       e,
	}
}

// Type returns the request_type the caller asked for.
func (r *Request) Type() string { return r.requestType }

// Source returns the canonical listener id of the caller.
func (r *Request) Source() string {
	return fmt.Sprintf("%s@%d", r.sourceName, r.sourceWorker)
}

// Field returns one application field from the envelope, nil when
// absent.
func (r *Request) Field(key string) any { return r.fields[key] }

// Str returns one application field as a string.
func (r *Request) Str(key string) string { return r.fields.str(key) }

// Int returns one application field as an int.
func (r *Request) Int(key string) int { return r.fields.integer(key) }

// Bind decodes the application fields into v via JSON round-trip.
func (r *Request) Bind(v any) error {
	raw, err := json.Marshal(map[string]any(r.fields))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Alive reports whether no terminator has been emitted yet.
func (r *Request) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.state.terminal()
}

// OpenStream commits the response to streaming. Subsequent Send calls
// emit content frames until End or Error terminates the stream.
func (r *Request) OpenStream() error {
	return r.transition(stateFresh, stateStreamOpen, respStream, nil)
}

// Send emits the response content. On a fresh request it is the
// terminal simple response; on an open stream it is one content frame.
func (r *Request) Send(content any) error {
	r.mu.Lock()
	switch r.state {
	case stateFresh:
		r.state = stateSimpleSent
		r.mu.Unlock()
		return r.emit(respSimple, map[string]any{"content": content})
	case stateStreamOpen:
		r.mu.Unlock()
		return r.emit(respContent, map[string]any{"content": content})
	default:
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("send on terminated request %s (state %d)", r.requestID, state)
	}
}

// End terminates the request without content. Legal from the fresh
// state or an open stream.
func (r *Request) End() error {
	r.mu.Lock()
	if r.state != stateFresh && r.state != stateStreamOpen {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("end on terminated request %s (state %d)", r.requestID, state)
	}
	r.state = stateEnded
	r.mu.Unlock()
	return r.emit(respEnd, nil)
}

// Reject terminates the request with a typed domain rejection. Only
// legal before streaming: once the stream opener is out, the caller
// has committed to consuming content.
func (r *Request) Reject(kind string, args ...any) error {
	return r.RejectKW(kind, args, nil)
}

// RejectKW is Reject with additional keyword-style arguments.
func (r *Request) RejectKW(kind string, args []any, kwargs map[string]any) error {
	if args == nil {
		args = []any{}
	}
	extra := map[string]any{
		"rejection_type": kind,
		"args":           args,
	}
	if kwargs != nil {
		extra["kwargs"] = kwargs
	}
	return r.transition(stateFresh, stateRejected, respReject, extra)
}

// Error terminates the request reporting an internal fault. Legal from
// any non-terminal state.
func (r *Request) Error() error {
	r.mu.Lock()
	if r.state.terminal() {
		r.mu.Unlock()
		return fmt.Errorf("error on terminated request %s", r.requestID)
	}
	r.state = stateErrored
	r.mu.Unlock()
	return r.emit(respError, nil)
}

func (r *Request) transition(from, to requestState, responseType string, extra map[string]any) error {
	r.mu.Lock()
	if r.state != from {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%s illegal on request %s (state %d)", responseType, r.requestID, state)
	}
	r.state = to
	r.mu.Unlock()
	return r.emit(responseType, extra)
}

func (r *Request) emit(responseType string, extra map[string]any) error {
	return r.svc.respond(r.sourceName, r.sourceWorker, r.requestID, responseType, extra)
}
