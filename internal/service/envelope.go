package service

import (
	"encoding/json"
	"fmt"
)

// Message types carried in the envelope "type" key.
const (
	typeRequest    = "request"
	typeResponse   = "response"
	typePing       = "ping"
	typePong       = "pong"
	typePingResult = "ping-result"
)

// Response frame kinds carried in the "response_type" key.
const (
	respSimple  = "simple"
	respStream  = "stream"
	respContent = "content"
	respEnd     = "end"
	respReject  = "reject"
	respError   = "error"
)

// envelope is the decoded form of every bus payload. Application
// request fields live at the top level next to the common keys, so
// the natural representation is a plain map with typed accessors.
type envelope map[string]any

func parseEnvelope(payload string) (envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return e, nil
}

func (e envelope) str(key string) string {
	s, _ := e[key].(string)
	return s
}

func (e envelope) integer(key string) int {
	// JSON numbers decode as float64.
	f, _ := e[key].(float64)
	return int(f)
}

func (e envelope) msgType() string      { return e.str("type") }
func (e envelope) source() string       { return e.str("source") }
func (e envelope) worker() int          { return e.integer("worker") }
func (e envelope) requestID() string    { return e.str("request_id") }
func (e envelope) requestType() string  { return e.str("request_type") }
func (e envelope) responseType() string { return e.str("response_type") }
func (e envelope) pingID() string       { return e.str("ping_id") }

// listener formats the envelope's origin as a canonical listener id.
func (e envelope) listener() string {
	return fmt.Sprintf("%s@%d", e.source(), e.worker())
}

// requestEnvelope builds the wire form of an outgoing request. Payload
// keys are merged at the top level; common keys win on collision.
func requestEnvelope(source string, worker int, requestType, requestID string, payload map[string]any) ([]byte, error) {
	e := make(map[string]any, len(payload)+5)
	for k, v := range payload {
		e[k] = v
	}
	e["type"] = typeRequest
	e["source"] = source
	e["worker"] = worker
	e["request_type"] = requestType
	e["request_id"] = requestID
	return json.Marshal(e)
}

// responseEnvelope builds one response frame. extra carries the
// kind-specific keys (content, rejection_type, args, kwargs).
func responseEnvelope(source string, worker int, requestID, responseType string, extra map[string]any) ([]byte, error) {
	e := make(map[string]any, len(extra)+5)
	for k, v := range extra {
		e[k] = v
	}
	e["type"] = typeResponse
	e["source"] = source
	e["worker"] = worker
	e["request_id"] = requestID
	e["response_type"] = responseType
	return json.Marshal(e)
}

// controlEnvelope builds ping, pong and ping-result frames.
func controlEnvelope(source string, worker int, msgType string, extra map[string]any) ([]byte, error) {
	e := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		e[k] = v
	}
	e["type"] = msgType
	e["source"] = source
	e["worker"] = worker
	return json.Marshal(e)
}
