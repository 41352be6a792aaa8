package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrEmptyEndpoint = errors.New("no endpoint configured")
)

// Status is the connection state of a supervisor.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusOffline      Status = "offline"
)

// Statuses lists every status value.
var Statuses = []Status{
	StatusIdle,
	StatusConnecting,
	StatusConnected,
	StatusReconnecting,
	StatusOffline,
}

// Event is a decoded inbound frame.
type Event struct {
	Type       string          // Discriminant from the "type" (or "kind") field
	Raw        json.RawMessage // Full frame as received
	ReceivedAt time.Time       // Local timestamp when the frame was read
}

// envelope holds the event discriminant of an inbound frame. Values are
// kept raw so any JSON value names the event.
type envelope struct {
	Type json.RawMessage `json:"type"`
	Kind json.RawMessage `json:"kind"`
}

// Listener receives data events.
type Listener func(Event)

// StatusListener receives connection status values.
type StatusListener func(Status)

// Config configures supervisors and the websocket connector.
type Config struct {
	ReconnectBaseDelay time.Duration // Delay for attempt 0
	ReconnectMaxDelay  time.Duration // Cap applied before jitter
	ReconnectJitter    time.Duration // Upper bound (exclusive) of random jitter
	IdleGrace          time.Duration // Time with no listeners before the socket is released
	HandshakeTimeout   time.Duration // Websocket handshake timeout
	WriteTimeout       time.Duration // Write deadline for sends
	PingInterval       time.Duration // Keepalive ping interval (0 disables)
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay: 600 * time.Millisecond,
		ReconnectMaxDelay:  12 * time.Second,
		ReconnectJitter:    400 * time.Millisecond,
		IdleGrace:          12 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingInterval:       30 * time.Second,
	}
}

// SupervisorStats is a point-in-time view of a supervisor.
type SupervisorStats struct {
	Key             string
	Status          Status
	Attempt         int
	Listeners       int
	StatusListeners int
	Connected       bool
}

// Observer is notified of supervisor activity. Implementations are called
// with the supervisor lock held and must not call back into the supervisor.
type Observer interface {
	StatusChanged(key string, from, to Status)
	ReconnectScheduled(key string, attempt int, delay time.Duration)
	FrameDropped(key string, err error)
	EventDelivered(key, eventType string, listeners int)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(string, Status, Status) {}
func (nopObserver) ReconnectScheduled(string, int, time.Duration) {}
func (nopObserver) FrameDropped(string, error) {}
func (nopObserver) EventDelivered(string, string, int) {}
