package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GameclubPro/girl-sub002/internal/connection"
)

const testKey = "17:https://a.example|u1"

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg), reg
}

func TestCollector_StatusChanged(t *testing.T) {
	c, _ := newTestCollector(t)

	c.StatusChanged(testKey, connection.StatusIdle, connection.StatusConnecting)
	c.StatusChanged(testKey, connection.StatusConnecting, connection.StatusConnected)

	if v := testutil.ToFloat64(c.status.WithLabelValues(testKey, "connected")); v != 1 {
		t.Errorf("connected gauge = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.status.WithLabelValues(testKey, "connecting")); v != 0 {
		t.Errorf("connecting gauge = %v, want 0", v)
	}
	if n := testutil.CollectAndCount(c.status); n != len(connection.Statuses) {
		t.Errorf("status series = %d, want %d", n, len(connection.Statuses))
	}
	if v := testutil.ToFloat64(c.transitions.WithLabelValues(testKey, "connected")); v != 1 {
		t.Errorf("transitions to connected = %v, want 1", v)
	}
}

func TestCollector_ReconnectScheduled(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ReconnectScheduled(testKey, 0, 600*time.Millisecond)
	c.ReconnectScheduled(testKey, 1, 1200*time.Millisecond)

	if v := testutil.ToFloat64(c.reconnects.WithLabelValues(testKey)); v != 2 {
		t.Errorf("reconnects = %v, want 2", v)
	}
	if n := testutil.CollectAndCount(c.reconnectDelay); n != 1 {
		t.Errorf("delay histogram series = %d, want 1", n)
	}
}

func TestCollector_Frames(t *testing.T) {
	c, _ := newTestCollector(t)

	c.FrameDropped(testKey, errors.New("bad json"))
	c.EventDelivered(testKey, "booking.created", 3)
	c.EventDelivered(testKey, "booking.created", 2)

	if v := testutil.ToFloat64(c.framesDropped.WithLabelValues(testKey)); v != 1 {
		t.Errorf("frames dropped = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.eventsReceived.WithLabelValues(testKey)); v != 2 {
		t.Errorf("events received = %v, want 2", v)
	}
	if v := testutil.ToFloat64(c.eventDeliveries.WithLabelValues(testKey)); v != 5 {
		t.Errorf("deliveries = %v, want 5", v)
	}
}

func TestCollector_Recorder(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordFlush(10, 5*time.Millisecond, nil)
	c.RecordFlush(4, time.Millisecond, errors.New("insert failed"))
	c.RecordBufferDrop(3)

	if v := testutil.ToFloat64(c.flushes.WithLabelValues("ok")); v != 1 {
		t.Errorf("ok flushes = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.flushes.WithLabelValues("error")); v != 1 {
		t.Errorf("error flushes = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.bufferDropped); v != 3 {
		t.Errorf("buffer dropped = %v, want 3", v)
	}
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.FrameDropped(testKey, errors.New("bad json"))

	server := httptest.NewServer(Handler(reg))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "test_frames_dropped_total") {
		t.Errorf("metrics output missing frames counter:\n%s", body)
	}
}
