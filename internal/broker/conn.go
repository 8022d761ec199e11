package broker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const dialTimeout = 3 * time.Second

// Handlers receives connection lifecycle and pushed-frame events.
// All callbacks run on the connection's reader goroutine.
type Handlers struct {
	// OnMessage fires for pushed ["message", channel, payload] frames.
	OnMessage func(channel, payload string)
	// OnUp fires after a successful connect, once queued frames have
	// been flushed.
	OnUp func()
	// OnDown fires when the TCP connection is lost or closed.
	OnDown func()
}

type reply struct {
	value any
	err   error
}

// Conn is one logical sub-connection to the broker.
//
// A client holds two: the "main" connection correlates every command
// with the next reply in strict FIFO order; the "channels" connection
// never correlates and only receives pushed frames for its
// subscriptions.
type Conn struct {
	name         string
	awaitReplies bool
	handlers     Handlers
	log          zerolog.Logger

	mu      sync.Mutex
	tcp     net.Conn
	open    bool
	pending []chan reply // FIFO reply waiters, main connection only
	sendq   [][]byte     // frames queued while disconnected
	gen     uint64       // connection generation, guards stale readers
}

// NewConn builds an unconnected sub-connection.
func NewConn(name string, awaitReplies bool, handlers Handlers, logger zerolog.Logger) *Conn {
	return &Conn{
		name:         name,
		awaitReplies: awaitReplies,
		handlers:     handlers,
		log:          logger.With().Str("conn", name).Logger(),
	}
}

// Connect dials addr with a 3 second timeout, flushes frames queued
// while disconnected (preserving FIFO order) and starts the reader.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	tcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tcp = tcp
	c.open = true
	c.gen++
	gen := c.gen
	queued := c.sendq
	c.sendq = nil
	for _, frame := range queued {
		if _, err := tcp.Write(frame); err != nil {
			c.mu.Unlock()
			c.closeLocked(tcp)
			return err
		}
	}
	c.mu.Unlock()

	go c.readLoop(tcp, gen)

	if c.handlers.OnUp != nil {
		c.handlers.OnUp()
	}
	return nil
}

// Open reports whether the connection is currently usable.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send writes one command without waiting for its reply. While
// disconnected the frame is queued and flushed on the next connect.
// On a reply-correlated connection the reply slot is still consumed,
// keeping later replies aligned with their commands.
func (c *Conn) Send(argv ...string) error {
	frame := Encode(argv...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		c.sendq = append(c.sendq, frame)
		return nil
	}

	if c.awaitReplies {
		// Discarded waiter; buffered so the reader never blocks on it.
		c.pending = append(c.pending, make(chan reply, 1))
	}
	if _, err := c.tcp.Write(frame); err != nil {
		return err
	}
	return nil
}

// Do writes one command and waits for its reply. Replies are strictly
// ordered with commands, so the waiter is registered under the same
// lock as the write.
func (c *Conn) Do(ctx context.Context, argv ...string) (any, error) {
	frame := Encode(argv...)
	waiter := make(chan reply, 1)

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	if !c.awaitReplies {
		// Pushed-frame connections have no reply stream; a reply wait
		// would never resolve.
		c.mu.Unlock()
		return nil, ErrInvalidMessage
	}
	c.pending = append(c.pending, waiter)
	if _, err := c.tcp.Write(frame); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	select {
	case r := <-waiter:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the TCP connection down. Outstanding replies fail with
// ErrConnectionLost via the reader goroutine.
func (c *Conn) Close() {
	c.mu.Lock()
	tcp := c.tcp
	c.mu.Unlock()
	if tcp != nil {
		tcp.Close()
	}
}

func (c *Conn) closeLocked(tcp net.Conn) {
	tcp.Close()
	c.mu.Lock()
	if c.tcp == tcp {
		c.open = false
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop(tcp net.Conn, gen uint64) {
	defer c.connectionLost(tcp, gen)

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		n, err := tcp.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			for len(buf) > 0 {
				consumed, value, derr := Decode(buf)
				if derr != nil {
					c.log.Error().Err(derr).Msg("Dropping undecodable frame, closing connection")
					return
				}
				if consumed == 0 {
					break // truncated frame, keep buffer
				}
				buf = buf[consumed:]
				c.dispatch(value)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) dispatch(value any) {
	if c.awaitReplies {
		c.mu.Lock()
		var waiter chan reply
		if len(c.pending) > 0 {
			waiter = c.pending[0]
			c.pending = c.pending[1:]
		}
		c.mu.Unlock()

		if waiter != nil {
			waiter <- reply{value: value}
		} else {
			c.log.Warn().Msg("Reply received with no pending command")
		}
		return
	}

	if array, ok := value.([]any); ok && len(array) == 3 {
		if kind, ok := array[0].(string); ok && kind == "message" {
			channel, okc := array[1].(string)
			payload, okp := array[2].(string)
			if okc && okp && c.handlers.OnMessage != nil {
				c.handlers.OnMessage(channel, payload)
			}
			return
		}
	}
	// subscribe/unsubscribe confirmations and other pushed frames are
	// intentionally ignored
}

func (c *Conn) connectionLost(tcp net.Conn, gen uint64) {
	tcp.Close()

	c.mu.Lock()
	if c.gen != gen {
		// A newer connection replaced this one already.
		c.mu.Unlock()
		return
	}
	c.open = false
	failed := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, waiter := range failed {
		waiter <- reply{err: ErrConnectionLost}
	}

	if c.handlers.OnDown != nil {
		c.handlers.OnDown()
	}
}
