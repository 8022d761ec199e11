package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheeseformice/backend/internal/broker"
	"github.com/cheeseformice/backend/internal/metrics"
)

type received struct {
	channel string
	payload string
}

func newTestClient(t *testing.T, addr string) (*Client, chan received, chan bool, chan struct{}) {
	t.Helper()

	messages := make(chan received, 16)
	made := make(chan bool, 4)
	lost := make(chan struct{}, 4)

	c := New(addr, 50*time.Millisecond, Events{
		ConnectionMade: func(reconnection bool) { made <- reconnection },
		ConnectionLost: func() { lost <- struct{}{} },
		ChannelMessage: func(channel, payload string) {
			messages <- received{channel, payload}
		},
	}, metrics.New(), zerolog.Nop())
	t.Cleanup(c.Close)

	return c, messages, made, lost
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	srv := miniredis.RunT(t)
	c, messages, made, _ := newTestClient(t, srv.Addr())

	c.Connect(context.Background())
	assert.False(t, waitFor(t, made, "connection"), "first connection is not a reconnection")

	c.Subscribe("service:ranking")
	// The server registers the subscription asynchronously from our
	// write; Publish reports how many subscribers received it.
	require.Eventually(t, func() bool {
		return srv.Publish("service:ranking", "warmup") > 0
	}, 3*time.Second, 10*time.Millisecond)

	c.Publish("service:ranking", `{"type":"request"}`)

	msg := waitFor(t, messages, "channel message")
	for msg.payload == "warmup" {
		msg = waitFor(t, messages, "channel message")
	}
	assert.Equal(t, "service:ranking", msg.channel)
	assert.Equal(t, `{"type":"request"}`, msg.payload)
}

func TestPublishQueuedWhileDisconnected(t *testing.T) {
	srv := miniredis.RunT(t)

	// Independent subscriber, confirmed before the client connects, so
	// the flushed publishes cannot race their own subscription replay.
	messages := rawSubscriber(t, srv.Addr(), "updates")

	c, _, made, _ := newTestClient(t, srv.Addr())

	// Publishes issued before the session exists must be flushed, in
	// order, on connection; never silently dropped.
	c.Publish("updates", "first")
	c.Publish("updates", "second")

	c.Connect(context.Background())
	waitFor(t, made, "connection")

	assert.Equal(t, "first", waitFor(t, messages, "first queued publish"))
	assert.Equal(t, "second", waitFor(t, messages, "second queued publish"))
}

// rawSubscriber subscribes over a bare TCP connection and returns the
// payloads pushed to it. It only returns once the broker has confirmed
// the subscription.
func rawSubscriber(t *testing.T, addr, channel string) chan string {
	t.Helper()

	tcp, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { tcp.Close() })

	_, err = tcp.Write(broker.Encode("subscribe", channel))
	require.NoError(t, err)

	payloads := make(chan string, 16)
	confirmed := make(chan struct{})

	go func() {
		buf := make([]byte, 0, 4096)
		chunk := make([]byte, 4096)
		sawConfirm := false
		for {
			n, rerr := tcp.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				for len(buf) > 0 {
					consumed, value, derr := broker.Decode(buf)
					if derr != nil || consumed == 0 {
						break
					}
					buf = buf[consumed:]

					array, ok := value.([]any)
					if !ok || len(array) != 3 {
						continue
					}
					switch array[0] {
					case "subscribe":
						if !sawConfirm {
							sawConfirm = true
							close(confirmed)
						}
					case "message":
						if payload, ok := array[2].(string); ok {
							payloads <- payload
						}
					}
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	select {
	case <-confirmed:
	case <-time.After(3 * time.Second):
		t.Fatal("subscription never confirmed")
	}
	return payloads
}

func TestConnectionLostFiresOncePerOutage(t *testing.T) {
	srv := miniredis.RunT(t)
	c, _, made, lost := newTestClient(t, srv.Addr())

	c.Connect(context.Background())
	waitFor(t, made, "connection")

	// Dropping the server kills both sub-connections, but the outage
	// is reported once.
	srv.Close()
	waitFor(t, lost, "connection lost")

	select {
	case <-lost:
		t.Fatal("outage reported more than once")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDoCorrelatesReplies(t *testing.T) {
	srv := miniredis.RunT(t)
	c, _, made, _ := newTestClient(t, srv.Addr())

	c.Connect(context.Background())
	waitFor(t, made, "connection")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	reply, err := c.Do(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "PONG", reply)

	reply, err = c.Do(ctx, "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
}
