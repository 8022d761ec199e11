// Package service turns the bus into a typed request/response
// substrate: handler registries, response streaming, liveness-aware
// worker selection and cooperative shutdown.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cheeseformice/backend/internal/bus"
	"github.com/cheeseformice/backend/internal/config"
	"github.com/cheeseformice/backend/internal/metrics"
)

// HealthcheckChannel carries ping/pong/ping-result traffic for every
// service on the bus.
const HealthcheckChannel = "service:healthcheck"

const (
	defaultRequestTimeout = 5 * time.Second
	drainPollInterval     = 50 * time.Millisecond
	drainDeadline         = 30 * time.Second
	waiterBuffer          = 64
)

// Handler processes one inbound request. Returning a non-nil error
// (or panicking) produces an error response when no terminator was
// emitted yet; returning nil on a request still alive synthesizes an
// end.
type Handler func(ctx context.Context, req *Request) error

// Option customizes a Service at construction.
type Option func(*Service)

// WithCoordinator makes worker 0 of this service drive the ping rounds
// and publish ping-result broadcasts. Exactly one service on the bus
// should carry this role.
func WithCoordinator() Option {
	return func(s *Service) { s.coordinator = true }
}

// WithOnStop registers a hook that runs after the request drain during
// shutdown, before the bus closes.
func WithOnStop(hook func()) Option {
	return func(s *Service) { s.onStop = hook }
}

// Service is one worker process of a named service.
type Service struct {
	name string
	cfg  config.Service
	bus  *bus.Client
	log  zerolog.Logger
	met  *metrics.Metrics

	// publish indirection; always the bus outside of tests
	publish func(channel, payload string)

	handlers   map[string]Handler
	rejections map[string]RejectionFactory

	sel      *selector
	liveness *livenessTable
	host     *hostStats

	coordinator bool
	onStop      func()

	runCtx context.Context

	mu      sync.Mutex
	waiters map[string]chan envelope
	round   *pingRound

	accepting  atomic.Bool
	open       atomic.Int64
	success    atomic.Uint64
	errors     atomic.Uint64
	nextPingAt atomic.Int64 // unix nanos; when the next ping is due, see expectingPings
}

type pingRound struct {
	id    string
	start time.Time
	pings map[string]any // listener id -> {ping, success, errors}
}

// New builds a service bound to its listener channel. Register
// handlers and rejections before calling Run.
func New(name string, cfg config.Service, met *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		name:       name,
		cfg:        cfg,
		met:        met,
		handlers:   make(map[string]Handler),
		rejections: make(map[string]RejectionFactory),
		sel:        newSelector(),
		liveness:   newLivenessTable(),
		host:       newHostStats(),
		waiters:    make(map[string]chan envelope),
		runCtx:     context.Background(),
	}
	s.log = logger.With().Str("service", s.Listener()).Logger()
	s.accepting.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	s.bus = bus.New(cfg.BrokerAddr(), cfg.Reconnect, bus.Events{
		ConnectionMade: s.onConnectionMade,
		ConnectionLost: s.onConnectionLost,
		ChannelMessage: s.onMessage,
	}, met, logger)
	s.publish = s.bus.Publish

	return s
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Listener returns the canonical listener id, "<name>@<worker>".
func (s *Service) Listener() string {
	return fmt.Sprintf("%s@%d", s.name, s.cfg.WorkerIndex)
}

func (s *Service) listenerChannel() string {
	return "service:" + s.Listener()
}

// Handle registers the handler for a request type. Not safe to call
// after Run.
func (s *Service) Handle(requestType string, h Handler) {
	s.handlers[requestType] = h
}

// RegisterRejection maps a rejection kind to a caller-defined error
// constructor used when a peer rejects an outgoing request.
func (s *Service) RegisterRejection(kind string, factory RejectionFactory) {
	s.rejections[kind] = factory
}

// Run connects to the bus, spawns sibling workers when this is the
// primary, and blocks until ctx is cancelled. Shutdown stops accepting
// requests, drains in-flight handlers, fires the stop hook, reaps the
// children and closes the bus.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.runCtx = runCtx

	s.bus.Subscribe(s.listenerChannel())
	s.bus.Subscribe(HealthcheckChannel)
	s.bus.Connect(ctx)

	children, err := s.spawnWorkers()
	if err != nil {
		s.bus.Close()
		return fmt.Errorf("spawn workers: %w", err)
	}

	if s.coordinator && s.cfg.WorkerIndex == 0 {
		go s.pingLoop(runCtx)
	}

	s.log.Info().Int("workers", s.cfg.Workers).Msg("Service running")
	<-ctx.Done()

	s.log.Info().Msg("Shutting down, draining open requests")
	s.accepting.Store(false)
	s.drain()

	if s.onStop != nil {
		s.onStop()
	}

	cancel()
	stopChildren(children, s.log)
	s.bus.Close()
	return nil
}

func (s *Service) drain() {
	deadline := time.Now().Add(drainDeadline)
	for s.open.Load() > 0 {
		if time.Now().After(deadline) {
			s.log.Warn().Int64("open", s.open.Load()).Msg("Drain deadline hit, abandoning open requests")
			return
		}
		time.Sleep(drainPollInterval)
	}
}

func (s *Service) onConnectionMade(reconnection bool) {
	s.log.Info().Bool("reconnection", reconnection).Msg("Bus connected")
}

func (s *Service) onConnectionLost() {
	// Outstanding reply waiters would never resolve; their requests
	// fail at the timeout. The bus handles reconnection itself.
	s.log.Warn().Msg("Bus connection lost")
}

func (s *Service) onMessage(channel, payload string) {
	e, err := parseEnvelope(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed envelope")
		return
	}

	switch channel {
	case s.listenerChannel():
		switch e.msgType() {
		case typeRequest:
			s.handleRequest(e)
		case typeResponse:
			s.deliver(e)
		}
	case HealthcheckChannel:
		switch e.msgType() {
		case typePing:
			s.onPing(e)
		case typePong:
			s.onPong(e)
		case typePingResult:
			s.onPingResult(e)
		}
	}
}

// --- inbound requests ---

func (s *Service) handleRequest(e envelope) {
	if !s.accepting.Load() {
		s.endImmediately(e)
		return
	}

	handler, ok := s.handlers[e.requestType()]
	if !ok {
		s.log.Warn().Str("request_type", e.requestType()).Str("from", e.listener()).Msg("No handler for request type")
		s.endImmediately(e)
		return
	}

	req := newRequest(s, e)
	s.open.Add(1)
	s.met.OpenRequests.Inc()

	go func() {
		defer func() {
			s.open.Add(-1)
			s.met.OpenRequests.Dec()

			if r := recover(); r != nil {
				s.log.Error().Any("panic", r).Str("request_type", req.requestType).Msg("Handler panicked")
				s.failRequest(req)
			}
		}()

		if err := handler(s.runCtx, req); err != nil {
			s.log.Error().Err(err).Str("request_type", req.requestType).Str("from", req.Source()).Msg("Handler failed")
			s.failRequest(req)
			return
		}

		// Handlers that return without a terminator still owe one.
		if req.Alive() {
			if err := req.End(); err != nil {
				s.log.Warn().Err(err).Msg("Synthesized end failed")
			}
		}
		s.success.Add(1)
		s.met.RequestsHandled.WithLabelValues("success").Inc()
	}()
}

func (s *Service) failRequest(req *Request) {
	if req.Alive() {
		if err := req.Error(); err != nil {
			s.log.Warn().Err(err).Msg("Error response failed")
		}
	}
	s.errors.Add(1)
	s.met.RequestsHandled.WithLabelValues("error").Inc()
}

func (s *Service) endImmediately(e envelope) {
	if err := s.respond(e.source(), e.worker(), e.requestID(), respEnd, nil); err != nil {
		s.log.Warn().Err(err).Msg("Immediate end failed")
	}
}

func (s *Service) respond(targetName string, targetWorker int, requestID, responseType string, extra map[string]any) error {
	raw, err := responseEnvelope(s.name, s.cfg.WorkerIndex, requestID, responseType, extra)
	if err != nil {
		return err
	}
	s.publish(fmt.Sprintf("service:%s@%d", targetName, targetWorker), string(raw))
	return nil
}

// --- outgoing requests ---

// RequestOption tunes one outgoing request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	worker  int
	timeout time.Duration
}

// ToWorker pins the request to a specific worker instead of the
// round-robin choice.
func ToWorker(index int) RequestOption {
	return func(o *requestOptions) { o.worker = index }
}

// WithTimeout bounds the wait for the first reply frame.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// Request sends one request to a target service and waits for its
// first reply. A stream reply is consumed lazily through the returned
// Reply; any other reply resolves it immediately. When the liveness
// window is valid and no live worker exists the call fails fast with
// ErrServiceUnavailable.
func (s *Service) Request(ctx context.Context, target, requestType string, payload map[string]any, opts ...RequestOption) (*Reply, error) {
	o := requestOptions{worker: -1, timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	worker := o.worker
	if worker < 0 {
		worker = s.sel.pick(target, s.liveness.workersOf(target), func(index int) bool {
			alive, _ := s.liveness.isAlive(target, index)
			return alive
		})
	}

	if alive, known := s.liveness.isAlive(target, worker); known && !alive && s.expectingPings() {
		s.met.RequestsSent.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %s@%d", ErrServiceUnavailable, target, worker)
	}

	requestID := uuid.NewString()
	raw, err := requestEnvelope(s.name, s.cfg.WorkerIndex, requestType, requestID, payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	frames := make(chan envelope, waiterBuffer)
	s.mu.Lock()
	s.waiters[requestID] = frames
	s.mu.Unlock()

	s.publish(fmt.Sprintf("service:%s@%d", target, worker), string(raw))

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case e := <-frames:
		return s.resolveFirstFrame(e, frames, requestID, target, requestType)
	case <-timer.C:
		s.unregisterWaiter(requestID)
		s.met.RequestsSent.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: %s to %s@%d after %s", ErrRequestTimeout, requestType, target, worker, o.timeout)
	case <-ctx.Done():
		s.unregisterWaiter(requestID)
		return nil, ctx.Err()
	}
}

func (s *Service) resolveFirstFrame(e envelope, frames chan envelope, requestID, target, requestType string) (*Reply, error) {
	reply := &Reply{
		svc:         s,
		requestID:   requestID,
		target:      target,
		requestType: requestType,
	}

	switch e.responseType() {
	case respStream:
		reply.stream = true
		reply.frames = frames
		s.met.RequestsSent.WithLabelValues("ok").Inc()
		return reply, nil

	case respSimple:
		s.unregisterWaiter(requestID)
		reply.content = e["content"]
		s.met.RequestsSent.WithLabelValues("ok").Inc()
		return reply, nil

	case respEnd:
		s.unregisterWaiter(requestID)
		s.met.RequestsSent.WithLabelValues("ok").Inc()
		return reply, nil

	case respReject:
		s.unregisterWaiter(requestID)
		s.met.RequestsSent.WithLabelValues("rejected").Inc()
		return nil, s.rejectionError(e)

	case respError:
		s.unregisterWaiter(requestID)
		s.met.RequestsSent.WithLabelValues("error").Inc()
		return nil, &ServiceError{Target: target, RequestType: requestType}

	default:
		s.unregisterWaiter(requestID)
		return nil, fmt.Errorf("unexpected response_type %q from %s", e.responseType(), target)
	}
}

func (s *Service) rejectionError(e envelope) error {
	kind := e.str("rejection_type")
	args, _ := e["args"].([]any)
	kwargs, _ := e["kwargs"].(map[string]any)

	if factory, ok := s.rejections[kind]; ok {
		return factory(args, kwargs)
	}
	return &RejectionError{Kind: kind, Args: args, Kwargs: kwargs}
}

func (s *Service) deliver(e envelope) {
	s.mu.Lock()
	frames, ok := s.waiters[e.requestID()]
	s.mu.Unlock()

	if !ok {
		// Reply for a request that timed out or was never ours.
		return
	}

	select {
	case frames <- e:
	default:
		s.log.Warn().Str("request_id", e.requestID()).Msg("Reply waiter full, dropping frame")
	}
}

func (s *Service) unregisterWaiter(requestID string) {
	s.mu.Lock()
	delete(s.waiters, requestID)
	s.mu.Unlock()
}

// --- liveness ---

func (s *Service) onPing(e envelope) {
	report := counters{
		Success: s.success.Swap(0),
		Errors:  s.errors.Swap(0),
	}
	s.nextPingAt.Store(time.Now().Add(s.cfg.PingDelay - s.cfg.PingTimeout).UnixNano())

	extra := map[string]any{
		"ping_id":  e.pingID(),
		"counters": map[string]any{"success": report.Success, "errors": report.Errors},
	}
	if health := s.host.snapshot(); health != nil {
		extra["health"] = health
	}
	raw, err := controlEnvelope(s.name, s.cfg.WorkerIndex, typePong, extra)
	if err != nil {
		s.log.Warn().Err(err).Msg("Pong encode failed")
		return
	}
	s.publish(HealthcheckChannel, string(raw))
}

// expectingPings reports whether ping rounds are still on schedule.
// Each ping records when the next one is due; once the coordinator
// misses a whole round past that, known-dead verdicts are suspect and
// requests go out optimistically instead of failing fast.
func (s *Service) expectingPings() bool {
	at := s.nextPingAt.Load()
	if at == 0 {
		return false
	}
	return time.Now().UnixNano() < at+s.cfg.PingDelay.Nanoseconds()
}

func (s *Service) onPong(e envelope) {
	s.mu.Lock()
	round := s.round
	if round != nil && round.id == e.pingID() {
		// Each entry carries the pong's counters plus the round-trip
		// time, the shape health consumers aggregate per service.
		entry := map[string]any{
			"ping": time.Since(round.start).Milliseconds(),
		}
		if c, ok := e["counters"].(map[string]any); ok {
			entry["success"] = c["success"]
			entry["errors"] = c["errors"]
		}
		round.pings[e.listener()] = entry
	}
	s.mu.Unlock()
}

func (s *Service) onPingResult(e envelope) {
	pings, ok := e["pings"].(map[string]any)
	if !ok {
		s.log.Warn().Msg("Malformed ping-result, ignoring")
		return
	}
	s.liveness.apply(pings, s.cfg.PingDelay)
	s.log.Debug().Int("listeners", len(pings)).Msg("Liveness table refreshed")
}

// pingLoop drives one ping round every pingDelay: broadcast a ping,
// give the fleet pingTimeout to answer, then publish the collected
// map as the authoritative ping-result.
func (s *Service) pingLoop(ctx context.Context) {
	for {
		pingID := uuid.NewString()

		s.mu.Lock()
		s.round = &pingRound{id: pingID, start: time.Now(), pings: make(map[string]any)}
		s.mu.Unlock()

		raw, err := controlEnvelope(s.name, s.cfg.WorkerIndex, typePing, map[string]any{"ping_id": pingID})
		if err != nil {
			s.log.Error().Err(err).Msg("Ping encode failed")
			return
		}
		s.publish(HealthcheckChannel, string(raw))

		select {
		case <-time.After(s.cfg.PingTimeout):
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		pings := s.round.pings
		s.round = nil
		s.mu.Unlock()

		result, err := controlEnvelope(s.name, s.cfg.WorkerIndex, typePingResult, map[string]any{"pings": pings})
		if err != nil {
			s.log.Error().Err(err).Msg("Ping-result encode failed")
			return
		}
		s.publish(HealthcheckChannel, string(result))
		s.log.Debug().Int("answered", len(pings)).Msg("Ping round complete")

		select {
		case <-time.After(s.cfg.PingDelay - s.cfg.PingTimeout):
		case <-ctx.Done():
			return
		}
	}
}
