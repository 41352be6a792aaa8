package connection

import (
	"log/slog"
	"net/http"

	"github.com/GameclubPro/girl-sub002/internal/endpoint"
)

// Manager is the consumer-facing entry point. Subscriptions create the
// supervisor for (serverBase, userID) on first use; Send and Status only
// look it up.
type Manager struct {
	registry *Registry
	logger   *slog.Logger
}

// NewManager creates a manager that dials real websockets.
func NewManager(cfg Config, resolver endpoint.Resolver, header http.Header, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	connector := NewWSConnector(cfg, header, logger)
	opts = append([]Option{WithLogger(logger)}, opts...)
	return NewManagerWithRegistry(NewRegistry(cfg, connector, resolver, opts...), logger)
}

// NewManagerWithRegistry wraps an existing registry.
func NewManagerWithRegistry(registry *Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: registry, logger: logger}
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Subscribe registers a data listener for (serverBase, userID).
func (m *Manager) Subscribe(serverBase, userID string, l Listener) (unsubscribe func()) {
	return m.registry.Resolve(serverBase, userID).Subscribe(l)
}

// SubscribeStatus registers a status listener for (serverBase, userID).
// The listener is called with the current status before this returns.
func (m *Manager) SubscribeStatus(serverBase, userID string, l StatusListener) (unsubscribe func()) {
	return m.registry.Resolve(serverBase, userID).SubscribeStatus(l)
}

// Send transmits payload if the connection for (serverBase, userID) is open.
// An identity nobody subscribed to has no connection and reports false.
func (m *Manager) Send(serverBase, userID string, payload any) bool {
	sup, ok := m.registry.Lookup(Key(serverBase, userID))
	if !ok {
		return false
	}
	return sup.Send(payload)
}

// Status returns the connection status for (serverBase, userID), or
// StatusIdle if nobody subscribed to it yet.
func (m *Manager) Status(serverBase, userID string) Status {
	sup, ok := m.registry.Lookup(Key(serverBase, userID))
	if !ok {
		return StatusIdle
	}
	return sup.Status()
}

// Stats returns a snapshot of every supervisor.
func (m *Manager) Stats() []SupervisorStats {
	return m.registry.Stats()
}

// Close shuts down every connection.
func (m *Manager) Close() {
	m.logger.Info("stopping connection manager", "supervisors", m.registry.Len())
	m.registry.Close()
	m.logger.Info("connection manager stopped")
}
