package service

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheeseformice/backend/internal/config"
	"github.com/cheeseformice/backend/internal/metrics"
)

type sentFrame struct {
	channel  string
	envelope envelope
}

// stubService builds a service whose publishes are captured instead of
// hitting a broker.
func stubService(t *testing.T, name string) (*Service, *[]sentFrame) {
	t.Helper()

	cfg := config.Service{Workers: 1, WorkerIndex: 0}
	svc := New(name, cfg, metrics.New(), zerolog.Nop())

	var sent []sentFrame
	svc.publish = func(channel, payload string) {
		var e envelope
		require.NoError(t, json.Unmarshal([]byte(payload), &e))
		sent = append(sent, sentFrame{channel, e})
	}
	return svc, &sent
}

func inboundRequest(svc *Service, requestType string, fields map[string]any) *Request {
	e := envelope{
		"type":         typeRequest,
		"source":       "caller",
		"worker":       float64(0),
		"request_type": requestType,
		"request_id":   "req-1",
	}
	for k, v := range fields {
		e[k] = v
	}
	return newRequest(svc, e)
}

func TestRequestSimpleIsTerminal(t *testing.T) {
	svc, sent := stubService(t, "auth")
	req := inboundRequest(svc, "get-me", nil)

	require.NoError(t, req.Send(map[string]any{"ok": true}))
	assert.False(t, req.Alive())

	// Any further emission is illegal.
	assert.Error(t, req.Send("again"))
	assert.Error(t, req.End())
	assert.Error(t, req.Reject(RejectBadRequest))
	assert.Error(t, req.Error())

	require.Len(t, *sent, 1)
	frame := (*sent)[0]
	assert.Equal(t, "service:caller@0", frame.channel)
	assert.Equal(t, respSimple, frame.envelope.responseType())
	assert.Equal(t, "req-1", frame.envelope.requestID())
}

func TestRequestStreamLifecycle(t *testing.T) {
	svc, sent := stubService(t, "auth")
	req := inboundRequest(svc, "list", nil)

	require.NoError(t, req.OpenStream())
	require.NoError(t, req.Send("a"))
	require.NoError(t, req.Send("b"))
	require.NoError(t, req.End())
	assert.False(t, req.Alive())
	assert.Error(t, req.Send("c"), "content after terminator")

	types := make([]string, 0, len(*sent))
	for _, frame := range *sent {
		types = append(types, frame.envelope.responseType())
	}
	assert.Equal(t, []string{respStream, respContent, respContent, respEnd}, types)
}

func TestRequestRejectOnlyBeforeStreaming(t *testing.T) {
	svc, _ := stubService(t, "auth")
	req := inboundRequest(svc, "login", nil)
	require.NoError(t, req.OpenStream())

	assert.Error(t, req.Reject(RejectInvalidCredentials), "caller already committed to stream consumption")
	assert.True(t, req.Alive())
}

func TestRequestErrorFromStream(t *testing.T) {
	svc, sent := stubService(t, "auth")
	req := inboundRequest(svc, "list", nil)

	require.NoError(t, req.OpenStream())
	require.NoError(t, req.Error())
	assert.False(t, req.Alive())
	assert.Error(t, req.Error(), "second terminator")

	last := (*sent)[len(*sent)-1]
	assert.Equal(t, respError, last.envelope.responseType())
}

func TestRequestRejectCarriesKindAndArgs(t *testing.T) {
	svc, sent := stubService(t, "auth")
	req := inboundRequest(svc, "login", nil)

	require.NoError(t, req.RejectKW(RejectExpiredToken, []any{"Token has expired"}, map[string]any{"since": 42}))

	frame := (*sent)[0].envelope
	assert.Equal(t, respReject, frame.responseType())
	assert.Equal(t, RejectExpiredToken, frame.str("rejection_type"))
	assert.Equal(t, []any{"Token has expired"}, frame["args"])
	assert.Equal(t, map[string]any{"since": float64(42)}, frame["kwargs"])
}

func TestRequestBind(t *testing.T) {
	svc, _ := stubService(t, "auth")
	req := inboundRequest(svc, "login", map[string]any{
		"username": "Pikashu#0095",
		"remember": true,
	})

	var payload struct {
		Username string `json:"username"`
		Remember bool   `json:"remember"`
	}
	require.NoError(t, req.Bind(&payload))
	assert.Equal(t, "Pikashu#0095", payload.Username)
	assert.True(t, payload.Remember)
	assert.Equal(t, "Pikashu#0095", req.Str("username"))
}
