package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GameclubPro/girl-sub002/internal/endpoint"
)

var errNotObject = errors.New("frame is not a JSON object")

// Clock schedules callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Supervisor owns the socket for one identity key, its reconnect state
// machine and its two listener sets.
type Supervisor struct {
	key        string
	serverBase string
	userID     string

	cfg       Config
	backoff   Backoff
	connector Connector
	resolver  endpoint.Resolver
	clock     Clock
	observer  Observer
	logger    *slog.Logger
	parent    context.Context

	notify *notifier

	mu      sync.Mutex
	status  Status
	conn    Conn
	epoch   uuid.UUID // Current connection attempt, uuid.Nil when none
	dialing bool
	dropped bool    // Socket closed before the dial returned
	early   []Event // Frames read before the dial returned
	cancel  context.CancelFunc
	attempt int
	closed  bool

	reconnectTimer Timer
	reconnectSeq   uint64
	idleTimer      Timer
	idleSeq        uint64

	nextID          uint64
	listeners       map[uint64]*entry[Event]
	statusListeners map[uint64]*entry[Status]
}

func newSupervisor(ctx context.Context, key, serverBase, userID string, o options) *Supervisor {
	logger := o.logger.With("server", serverBase, "user", userID)
	return &Supervisor{
		key:             key,
		serverBase:      serverBase,
		userID:          userID,
		cfg:             o.cfg,
		backoff:         o.backoff,
		connector:       o.connector,
		resolver:        o.resolver,
		clock:           o.clock,
		observer:        o.observer,
		logger:          logger,
		parent:          ctx,
		notify:          newNotifier(logger),
		status:          StatusIdle,
		listeners:       make(map[uint64]*entry[Event]),
		statusListeners: make(map[uint64]*entry[Status]),
	}
}

// Key returns the identity key.
func (s *Supervisor) Key() string {
	return s.key
}

// Status returns the current connection status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stats returns a snapshot of the supervisor state.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SupervisorStats{
		Key:             s.key,
		Status:          s.status,
		Attempt:         s.attempt,
		Listeners:       len(s.listeners),
		StatusListeners: len(s.statusListeners),
		Connected:       s.conn != nil,
	}
}

// Subscribe registers a data listener and makes sure a connection is open
// or being opened. The returned func removes exactly this listener; it is
// safe to call more than once.
func (s *Supervisor) Subscribe(l Listener) (unsubscribe func()) {
	e := newEntry[Event](l)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = e
	s.cancelIdleLocked()
	s.ensureConnectedLocked()
	s.mu.Unlock()

	s.notify.drain()

	return func() {
		if !e.active.CompareAndSwap(true, false) {
			return
		}
		s.mu.Lock()
		delete(s.listeners, id)
		s.maybeArmIdleLocked()
		s.mu.Unlock()
	}
}

// SubscribeStatus registers a status listener. The listener is called with
// the current status before SubscribeStatus returns, then with every later
// transition.
func (s *Supervisor) SubscribeStatus(l StatusListener) (unsubscribe func()) {
	e := newEntry[Status](l)
	nested := s.notify.owned()

	s.mu.Lock()
	s.cancelIdleLocked()
	s.ensureConnectedLocked()
	id := s.nextID
	s.nextID++
	s.statusListeners[id] = e
	current := s.status
	if !nested {
		s.notify.enqueue(func() { e.deliver(current) })
	}
	s.mu.Unlock()

	if nested {
		// The queue waits on the listener that called us, so the replay
		// goes ahead of it. Later transitions are still queued behind.
		s.notify.run(func() { e.deliver(current) })
	}
	s.notify.drain()

	return func() {
		if !e.active.CompareAndSwap(true, false) {
			return
		}
		s.mu.Lock()
		delete(s.statusListeners, id)
		s.maybeArmIdleLocked()
		s.mu.Unlock()
	}
}

// Send writes payload if the socket is open. []byte and json.RawMessage
// are sent as is, anything else is JSON encoded. Nothing is queued.
func (s *Supervisor) Send(payload any) bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return false
	}

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			s.logger.Warn("cannot encode payload", "error", err)
			return false
		}
	}

	if err := conn.Send(data); err != nil {
		s.logger.Debug("send failed", "error", err)
		return false
	}
	return true
}

// Close releases the socket and timers for good. Listeners stay
// registered but no further connection attempts are made.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	conn := s.releaseLocked()
	s.cancelIdleLocked()
	s.setStatusLocked(StatusOffline)
	s.closed = true
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.notify.drain()
}

func (s *Supervisor) hasListenersLocked() bool {
	return len(s.listeners) > 0 || len(s.statusListeners) > 0
}

// setStatusLocked records a transition and queues it for status listeners.
func (s *Supervisor) setStatusLocked(to Status) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	s.observer.StatusChanged(s.key, from, to)
	s.logger.Debug("status changed", "from", from, "to", to)

	calls := make([]func(), 0, len(s.statusListeners))
	for _, e := range s.statusListeners {
		calls = append(calls, func() { e.deliver(to) })
	}
	s.notify.enqueue(calls...)
}

// ensureConnectedLocked starts a connection attempt unless one is open,
// in flight or scheduled.
func (s *Supervisor) ensureConnectedLocked() {
	if s.closed || s.conn != nil || s.reconnectTimer != nil {
		return
	}
	if s.dialing {
		// An evicted attempt is still unwinding; it redials on return.
		s.setStatusLocked(StatusConnecting)
		return
	}
	s.startConnectLocked()
}

// startConnectLocked resolves the endpoint and dials it in the background.
func (s *Supervisor) startConnectLocked() {
	var url string
	if s.resolver != nil {
		url = s.resolver(s.serverBase, s.userID)
	}
	if url == "" {
		s.logger.Debug("no endpoint configured, not connecting")
		s.setStatusLocked(StatusIdle)
		return
	}

	epoch := uuid.New()
	ctx, cancel := context.WithCancel(s.parent)

	s.epoch = epoch
	s.dialing = true
	s.dropped = false
	s.early = nil
	s.cancel = cancel
	s.setStatusLocked(StatusConnecting)

	go s.dial(ctx, cancel, epoch, url)
}

// dial runs one connection attempt and applies its outcome.
func (s *Supervisor) dial(ctx context.Context, cancel context.CancelFunc, epoch uuid.UUID, url string) {
	logger := s.logger.With("epoch", epoch)
	logger.Debug("connecting", "url", url)

	conn, err := s.connector.Connect(ctx, url, Handlers{
		OnMessage: func(data []byte, receivedAt time.Time) {
			s.handleFrame(epoch, data, receivedAt)
		},
		OnClose: func(err error) {
			s.handleClose(epoch, err)
		},
	})
	cancel()

	s.mu.Lock()
	s.dialing = false
	s.cancel = nil
	early := s.early
	s.early = nil

	if s.closed || s.epoch != epoch {
		// Evicted while dialing.
		if !s.closed && s.hasListenersLocked() && s.conn == nil && s.reconnectTimer == nil {
			s.startConnectLocked()
		}
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		s.notify.drain()
		return
	}

	switch {
	case err != nil:
		logger.Warn("connect failed", "attempt", s.attempt, "error", err)
		s.disconnectedLocked()
	case s.dropped:
		logger.Warn("connection closed during handshake", "attempt", s.attempt)
		s.disconnectedLocked()
	default:
		s.conn = conn
		s.attempt = 0
		s.setStatusLocked(StatusConnected)
		for _, ev := range early {
			s.fanOutLocked(ev)
		}
		logger.Info("connected", "early_frames", len(early))
	}
	s.mu.Unlock()

	s.notify.drain()
}

// handleClose treats every close, clean or not, as a drop.
func (s *Supervisor) handleClose(epoch uuid.UUID, err error) {
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if s.dialing {
		s.dropped = true
		s.mu.Unlock()
		return
	}

	s.logger.Warn("connection lost", "epoch", epoch, "error", err)
	s.disconnectedLocked()
	s.mu.Unlock()

	s.notify.drain()
}

// disconnectedLocked clears the socket and either schedules a reconnect or
// goes offline.
func (s *Supervisor) disconnectedLocked() {
	s.conn = nil
	s.epoch = uuid.Nil

	if s.hasListenersLocked() {
		s.scheduleReconnectLocked()
		return
	}
	s.setStatusLocked(StatusOffline)
	s.armIdleLocked()
}

// scheduleReconnectLocked arms the reconnect timer. The delay uses the
// current attempt count; the count is bumped when the timer fires, so the
// first reconnect after a drop always waits the attempt-0 delay.
func (s *Supervisor) scheduleReconnectLocked() {
	if s.reconnectTimer != nil {
		return
	}

	delay := s.backoff.Delay(s.attempt)
	s.reconnectSeq++
	seq := s.reconnectSeq
	s.reconnectTimer = s.clock.AfterFunc(delay, func() { s.fireReconnect(seq) })

	s.observer.ReconnectScheduled(s.key, s.attempt, delay)
	s.logger.Info("reconnect scheduled", "attempt", s.attempt, "delay", delay)
	s.setStatusLocked(StatusReconnecting)
}

func (s *Supervisor) fireReconnect(seq uint64) {
	s.mu.Lock()
	if s.closed || s.reconnectTimer == nil || seq != s.reconnectSeq {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil

	if !s.hasListenersLocked() {
		s.setStatusLocked(StatusOffline)
	} else {
		s.attempt++
		s.startConnectLocked()
	}
	s.mu.Unlock()

	s.notify.drain()
}

func (s *Supervisor) maybeArmIdleLocked() {
	if !s.hasListenersLocked() {
		s.armIdleLocked()
	}
}

func (s *Supervisor) armIdleLocked() {
	if s.closed || s.idleTimer != nil {
		return
	}
	s.idleSeq++
	seq := s.idleSeq
	s.idleTimer = s.clock.AfterFunc(s.cfg.IdleGrace, func() { s.fireIdle(seq) })
}

func (s *Supervisor) cancelIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// fireIdle releases the socket once the grace period passed with no
// listeners. The supervisor stays usable.
func (s *Supervisor) fireIdle(seq uint64) {
	s.mu.Lock()
	if s.closed || s.idleTimer == nil || seq != s.idleSeq {
		s.mu.Unlock()
		return
	}
	s.idleTimer = nil

	if s.hasListenersLocked() {
		s.mu.Unlock()
		return
	}

	conn := s.releaseLocked()
	if s.status != StatusIdle {
		s.setStatusLocked(StatusOffline)
	}
	s.logger.Info("idle grace elapsed, connection released")
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.notify.drain()
}

// releaseLocked detaches the socket, cancels any dial and stops the
// reconnect timer. The caller closes the returned socket without the lock.
func (s *Supervisor) releaseLocked() Conn {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	conn := s.conn
	s.conn = nil
	s.epoch = uuid.Nil
	return conn
}

// handleFrame decodes one inbound frame and fans it out.
func (s *Supervisor) handleFrame(epoch uuid.UUID, data []byte, receivedAt time.Time) {
	ev, err := decodeEvent(data, receivedAt)

	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		s.observer.FrameDropped(s.key, err)
		s.mu.Unlock()
		return
	}

	if s.dialing {
		// Held until the dial returns so listeners never see data
		// before connected.
		s.early = append(s.early, ev)
		s.mu.Unlock()
		return
	}

	s.fanOutLocked(ev)
	s.mu.Unlock()

	s.notify.drain()
}

// fanOutLocked queues ev for every current data listener.
func (s *Supervisor) fanOutLocked(ev Event) {
	calls := make([]func(), 0, len(s.listeners))
	for _, e := range s.listeners {
		calls = append(calls, func() { e.deliver(ev) })
	}
	s.notify.enqueue(calls...)
	s.observer.EventDelivered(s.key, ev.Type, len(calls))
}

// decodeEvent parses a frame into an Event. The frame must be a JSON object.
func decodeEvent(data []byte, receivedAt time.Time) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, errNotObject
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Event{}, err
	}

	typ := discriminant(env.Type)
	if typ == "" {
		typ = discriminant(env.Kind)
	}

	return Event{
		Type:       typ,
		Raw:        json.RawMessage(trimmed),
		ReceivedAt: receivedAt,
	}, nil
}

// discriminant renders a type or kind value as text. Strings are unquoted;
// numbers, booleans and other values keep their JSON form.
func discriminant(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
