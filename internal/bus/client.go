// Package bus maintains the duplex broker session used by every
// service: one sub-connection dedicated to pushed channel messages and
// one for commands, with automatic reconnection, subscription replay
// and a FIFO queue for publishes issued while disconnected.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cheeseformice/backend/internal/broker"
	"github.com/cheeseformice/backend/internal/metrics"
)

// Events receives session lifecycle notifications. ChannelMessage runs
// on the channels connection's reader goroutine; handlers must not
// block on bus operations.
type Events struct {
	// ConnectionMade fires when both sub-connections are usable.
	// reconnection is false only for the very first time.
	ConnectionMade func(reconnection bool)
	// ConnectionLost fires once per outage, however many
	// sub-connections dropped.
	ConnectionLost func()
	// ChannelMessage fires for every pushed message on a subscribed
	// channel.
	ChannelMessage func(channel, payload string)
}

type queuedPublish struct {
	channel string
	payload string
}

// Client is the broker session. The zero value is not usable; build
// one with New and call Connect once.
type Client struct {
	addr      string
	reconnect time.Duration
	events    Events
	log       zerolog.Logger
	met       *metrics.Metrics

	channels *broker.Conn
	main     *broker.Conn

	mu         sync.Mutex
	subs       map[string]struct{}
	pending    []queuedPublish
	channelsUp bool
	mainUp     bool
	wasReady   bool
	everReady  bool
	closed     bool
}

// New builds a disconnected client. reconnect is the delay between
// redial attempts after a drop; zero retries immediately.
func New(addr string, reconnect time.Duration, events Events, met *metrics.Metrics, logger zerolog.Logger) *Client {
	c := &Client{
		addr:      addr,
		reconnect: reconnect,
		events:    events,
		log:       logger.With().Str("component", "bus").Logger(),
		met:       met,
		subs:      make(map[string]struct{}),
	}

	c.channels = broker.NewConn("channels", false, broker.Handlers{
		OnMessage: c.onChannelMessage,
		OnUp:      func() { c.subUp(&c.channelsUp) },
		OnDown:    func() { c.subDown(&c.channelsUp, c.channels) },
	}, logger)
	c.main = broker.NewConn("main", true, broker.Handlers{
		OnUp:   func() { c.subUp(&c.mainUp) },
		OnDown: func() { c.subDown(&c.mainUp, c.main) },
	}, logger)

	return c
}

// Connect dials both sub-connections. A failed dial starts the
// reconnect loop instead of returning an error, so services come up
// even when the broker is still booting.
func (c *Client) Connect(ctx context.Context) {
	for _, conn := range []*broker.Conn{c.channels, c.main} {
		if err := conn.Connect(ctx, c.addr); err != nil {
			c.log.Warn().Err(err).Str("addr", c.addr).Msg("Initial broker dial failed, retrying")
			go c.redial(conn)
		}
	}
}

// Close tears the session down. No events fire after Close returns
// and queued publishes are dropped.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	c.channels.Close()
	c.main.Close()
}

// Subscribe registers interest in a channel. The subscription survives
// reconnections: the desired set is replayed on every session
// recovery, before any queued publish is flushed.
func (c *Client) Subscribe(channel string) {
	c.mu.Lock()
	c.subs[channel] = struct{}{}
	up := c.channelsUp
	c.mu.Unlock()

	if up {
		if err := c.channels.Send("subscribe", channel); err != nil {
			c.log.Warn().Err(err).Str("channel", channel).Msg("Subscribe failed, will replay on reconnect")
		}
	}
}

// Unsubscribe removes a channel from the desired set.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subs, channel)
	up := c.channelsUp
	c.mu.Unlock()

	if up {
		if err := c.channels.Send("unsubscribe", channel); err != nil {
			c.log.Warn().Err(err).Str("channel", channel).Msg("Unsubscribe failed")
		}
	}
}

// Publish sends a payload to a channel. While the session is down the
// publish is queued and flushed, in order, once the session recovers;
// it is never silently dropped.
func (c *Client) Publish(channel, payload string) {
	c.mu.Lock()
	if !c.ready() {
		if !c.closed {
			c.pending = append(c.pending, queuedPublish{channel, payload})
			c.met.BusQueuedSize.Set(float64(len(c.pending)))
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.met.BusPublishes.Inc()
	if err := c.main.Send("publish", channel, payload); err != nil {
		c.log.Warn().Err(err).Str("channel", channel).Msg("Publish write failed, queueing")
		c.mu.Lock()
		if !c.closed {
			c.pending = append(c.pending, queuedPublish{channel, payload})
			c.met.BusQueuedSize.Set(float64(len(c.pending)))
		}
		c.mu.Unlock()
	}
}

// Do runs one command on the main connection and waits for its reply.
func (c *Client) Do(ctx context.Context, argv ...string) (any, error) {
	return c.main.Do(ctx, argv...)
}

// mu must be held.
func (c *Client) ready() bool { return c.channelsUp && c.mainUp }

func (c *Client) onChannelMessage(channel, payload string) {
	if c.events.ChannelMessage != nil {
		c.events.ChannelMessage(channel, payload)
	}
}

func (c *Client) subUp(flag *bool) {
	c.mu.Lock()
	*flag = true
	if !c.ready() || c.wasReady {
		c.mu.Unlock()
		return
	}
	c.wasReady = true
	reconnection := c.everReady
	c.everReady = true

	// Replay the desired subscriptions first so no pushed message is
	// missed, then flush queued publishes in their original order.
	subs := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		subs = append(subs, channel)
	}
	flush := c.pending
	c.pending = nil
	c.met.BusQueuedSize.Set(0)
	c.mu.Unlock()

	for _, channel := range subs {
		if err := c.channels.Send("subscribe", channel); err != nil {
			c.log.Warn().Err(err).Str("channel", channel).Msg("Subscription replay failed")
		}
	}
	for _, pub := range flush {
		c.met.BusPublishes.Inc()
		if err := c.main.Send("publish", pub.channel, pub.payload); err != nil {
			c.log.Warn().Err(err).Str("channel", pub.channel).Msg("Queued publish flush failed")
		}
	}

	c.log.Info().Bool("reconnection", reconnection).Msg("Broker session established")
	if c.events.ConnectionMade != nil {
		c.events.ConnectionMade(reconnection)
	}
}

func (c *Client) subDown(flag *bool, conn *broker.Conn) {
	c.mu.Lock()
	*flag = false
	notify := c.wasReady
	c.wasReady = false
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	if notify {
		c.log.Warn().Msg("Broker session lost")
		if c.events.ConnectionLost != nil {
			c.events.ConnectionLost()
		}
	}

	go c.redial(conn)
}

func (c *Client) redial(conn *broker.Conn) {
	for {
		time.Sleep(c.reconnect)

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		c.met.BusReconnects.Inc()
		err := conn.Connect(context.Background(), c.addr)
		if err == nil {
			return
		}
		c.log.Warn().Err(err).Str("addr", c.addr).Dur("retry_in", c.reconnect).Msg("Broker redial failed")
	}
}
