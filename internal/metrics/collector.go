package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GameclubPro/girl-sub002/internal/connection"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "streamtap"

// Collector records connection and recorder activity. It implements
// connection.Observer.
type Collector struct {
	// Connection metrics
	status          *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	reconnectDelay  *prometheus.HistogramVec
	framesDropped   *prometheus.CounterVec
	eventsReceived  *prometheus.CounterVec
	eventDeliveries *prometheus.CounterVec

	// Recorder metrics
	flushes       *prometheus.CounterVec
	flushRows     prometheus.Histogram
	flushDuration prometheus.Histogram
	bufferDropped prometheus.Counter
}

var _ connection.Observer = (*Collector)(nil)

// NewCollector registers the metrics with reg. A nil reg uses the default
// Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{}

	c.status = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current status of each connection, 0 otherwise",
		},
		[]string{"key", "status"},
	)

	c.transitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Total number of status transitions",
		},
		[]string{"key", "to"},
	)

	c.reconnects = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_reconnects_total",
			Help:      "Total number of scheduled reconnects",
		},
		[]string{"key"},
	)

	c.reconnectDelay = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_reconnect_delay_seconds",
			Help:      "Backoff delay before each reconnect",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 12, 16},
		},
		[]string{"key"},
	)

	c.framesDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of malformed inbound frames",
		},
		[]string{"key"},
	)

	c.eventsReceived = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of decoded inbound events",
		},
		[]string{"key"},
	)

	c.eventDeliveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_deliveries_total",
			Help:      "Total number of listener deliveries",
		},
		[]string{"key"},
	)

	c.flushes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_flushes_total",
			Help:      "Total number of recorder batch flushes",
		},
		[]string{"result"}, // result: ok, error
	)

	c.flushRows = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recorder_flush_rows",
			Help:      "Rows per recorder batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	c.flushDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recorder_flush_duration_seconds",
			Help:      "Recorder batch insert latency",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.bufferDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_buffer_dropped_total",
			Help:      "Events discarded because the recorder buffer was full",
		},
	)

	return c
}

// StatusChanged implements connection.Observer.
func (c *Collector) StatusChanged(key string, from, to connection.Status) {
	for _, s := range connection.Statuses {
		v := 0.0
		if s == to {
			v = 1
		}
		c.status.WithLabelValues(key, string(s)).Set(v)
	}
	c.transitions.WithLabelValues(key, string(to)).Inc()
}

// ReconnectScheduled implements connection.Observer.
func (c *Collector) ReconnectScheduled(key string, attempt int, delay time.Duration) {
	c.reconnects.WithLabelValues(key).Inc()
	c.reconnectDelay.WithLabelValues(key).Observe(delay.Seconds())
}

// FrameDropped implements connection.Observer.
func (c *Collector) FrameDropped(key string, err error) {
	c.framesDropped.WithLabelValues(key).Inc()
}

// EventDelivered implements connection.Observer.
func (c *Collector) EventDelivered(key, eventType string, listeners int) {
	c.eventsReceived.WithLabelValues(key).Inc()
	c.eventDeliveries.WithLabelValues(key).Add(float64(listeners))
}

// RecordFlush records one recorder batch insert.
func (c *Collector) RecordFlush(rows int, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.flushes.WithLabelValues(result).Inc()
	c.flushRows.Observe(float64(rows))
	c.flushDuration.Observe(d.Seconds())
}

// RecordBufferDrop counts events the recorder had to discard.
func (c *Collector) RecordBufferDrop(n int) {
	c.bufferDropped.Add(float64(n))
}

// Handler serves the metrics gathered by g. A nil g uses the default
// Prometheus gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
