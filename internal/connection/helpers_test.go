package connection

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/GameclubPro/girl-sub002/internal/endpoint"
)

const waitTimeout = 2 * time.Second

var discardLogger = slog.New(slog.DiscardHandler)

// manualClock records timers; tests fire them explicitly.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d time.Duration
	f func()

	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{d: d, f: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (t *manualTimer) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

func (t *manualTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

// pending returns timers that are neither stopped nor fired, optionally
// filtered by delay.
func (c *manualClock) pending(d ...time.Duration) []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*manualTimer
	for _, t := range c.timers {
		if !t.pending() {
			continue
		}
		if len(d) > 0 && t.d != d[0] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// onePending fails unless exactly one pending timer has delay d.
func (c *manualClock) onePending(t *testing.T, d time.Duration) *manualTimer {
	t.Helper()
	timers := c.pending(d)
	if len(timers) != 1 {
		t.Fatalf("pending timers with delay %v = %d, want 1 (all pending: %d)", d, len(timers), len(c.pending()))
	}
	return timers[0]
}

// fakeConnector hands every dial to the test, which decides its outcome.
type fakeConnector struct {
	dials chan *pendingDial

	mu          sync.Mutex
	total       int
	inFlight    int
	maxInFlight int
	live        int
	maxLive     int
}

type pendingDial struct {
	url    string
	h      Handlers
	fc     *fakeConnector
	result chan dialResult
}

type dialResult struct {
	conn Conn
	err  error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{dials: make(chan *pendingDial, 64)}
}

func (f *fakeConnector) Connect(ctx context.Context, url string, h Handlers) (Conn, error) {
	f.mu.Lock()
	f.total++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	d := &pendingDial{url: url, h: h, fc: f, result: make(chan dialResult, 1)}
	f.dials <- d

	select {
	case r := <-d.result:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConnector) nextDial(t *testing.T) *pendingDial {
	t.Helper()
	select {
	case d := <-f.dials:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a connect attempt")
		return nil
	}
}

func (f *fakeConnector) noDial(t *testing.T) {
	t.Helper()
	select {
	case d := <-f.dials:
		t.Fatalf("unexpected connect attempt to %s", d.url)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fakeConnector) stats() (total, maxInFlight, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, f.maxInFlight, f.maxLive
}

func (d *pendingDial) succeed() *fakeConn {
	c := &fakeConn{h: d.h, fc: d.fc}
	d.fc.mu.Lock()
	d.fc.live++
	if d.fc.live > d.fc.maxLive {
		d.fc.maxLive = d.fc.live
	}
	d.fc.mu.Unlock()
	d.result <- dialResult{conn: c}
	return c
}

func (d *pendingDial) fail(err error) {
	d.result <- dialResult{err: err}
}

// fakeConn is an open socket driven by the test.
type fakeConn struct {
	h  Handlers
	fc *fakeConnector

	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.end(ErrAlreadyClosed)
	return nil
}

// drop simulates the server or network closing the socket.
func (c *fakeConn) drop(err error) {
	c.end(err)
}

func (c *fakeConn) end(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.fc.mu.Lock()
	c.fc.live--
	c.fc.mu.Unlock()

	c.h.OnClose(err)
}

func (c *fakeConn) deliver(frame string) {
	c.h.OnMessage([]byte(frame), time.Now())
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

// statusRecorder collects status deliveries.
type statusRecorder struct {
	ch chan Status

	mu  sync.Mutex
	all []Status
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan Status, 256)}
}

func (r *statusRecorder) listener(s Status) {
	r.mu.Lock()
	r.all = append(r.all, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.all...)
}

// expect consumes the next deliveries and compares them with want.
func (r *statusRecorder) expect(t *testing.T, want ...Status) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-r.ch:
			if got != w {
				t.Fatalf("status = %s, want %s (history %v)", got, w, r.snapshot())
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for status %s (history %v)", w, r.snapshot())
		}
	}
}

func (r *statusRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.ch:
		t.Fatalf("unexpected status %s (history %v)", got, r.snapshot())
	case <-time.After(50 * time.Millisecond):
	}
}

// eventRecorder collects data events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listener(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// countingObserver counts observer callbacks.
type countingObserver struct {
	mu          sync.Mutex
	transitions []Status
	reconnects  []time.Duration
	dropped     int
	delivered   int
}

func (o *countingObserver) StatusChanged(_ string, _, to Status) {
	o.mu.Lock()
	o.transitions = append(o.transitions, to)
	o.mu.Unlock()
}

func (o *countingObserver) ReconnectScheduled(_ string, _ int, delay time.Duration) {
	o.mu.Lock()
	o.reconnects = append(o.reconnects, delay)
	o.mu.Unlock()
}

func (o *countingObserver) FrameDropped(string, error) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *countingObserver) EventDelivered(string, string, int) {
	o.mu.Lock()
	o.delivered++
	o.mu.Unlock()
}

type testEnv struct {
	registry  *Registry
	connector *fakeConnector
	clock     *manualClock
	observer  *countingObserver
}

func newTestEnv(t *testing.T, resolver endpoint.Resolver, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		connector: newFakeConnector(),
		clock:     &manualClock{},
		observer:  &countingObserver{},
	}
	if resolver == nil {
		resolver = endpoint.NewResolver("/ws")
	}
	base := []Option{
		WithClock(env.clock),
		WithRand(func() float64 { return 0 }),
		WithLogger(discardLogger),
		WithObserver(env.observer),
	}
	env.registry = NewRegistry(DefaultConfig(), env.connector, resolver, append(base, opts...)...)
	t.Cleanup(env.registry.Close)
	return env
}

// connect subscribes a status recorder and completes the first dial.
func (e *testEnv) connect(t *testing.T, sup *Supervisor) (*statusRecorder, func(), *fakeConn) {
	t.Helper()
	rec := newStatusRecorder()
	unsub := sup.SubscribeStatus(rec.listener)
	rec.expect(t, StatusConnecting)
	conn := e.connector.nextDial(t).succeed()
	rec.expect(t, StatusConnected)
	return rec, unsub, conn
}

