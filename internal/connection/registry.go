package connection

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/GameclubPro/girl-sub002/internal/endpoint"
)

// Key derives the identity key for a (server, user) pair. Surrounding
// whitespace is ignored; the length prefix keeps the encoding unambiguous.
func Key(serverBase, userID string) string {
	serverBase = strings.TrimSpace(serverBase)
	userID = strings.TrimSpace(userID)
	return strconv.Itoa(len(serverBase)) + ":" + serverBase + "|" + userID
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	cfg       Config
	backoff   Backoff
	connector Connector
	resolver  endpoint.Resolver
	clock     Clock
	observer  Observer
	logger    *slog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver sets the activity observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithClock replaces the timer source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRand replaces the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(o *options) {
		if f != nil {
			o.backoff.Rand = f
		}
	}
}

// Registry maps identity keys to supervisors. It never dials by itself.
type Registry struct {
	opts   options
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	supervisors map[string]*Supervisor
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, connector Connector, resolver endpoint.Resolver, opts ...Option) *Registry {
	o := options{
		cfg:       cfg,
		backoff:   NewBackoff(cfg),
		connector: connector,
		resolver:  resolver,
		clock:     realClock{},
		observer:  nopObserver{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:        o,
		ctx:         ctx,
		cancel:      cancel,
		supervisors: make(map[string]*Supervisor),
	}
}

// Resolve returns the supervisor for (serverBase, userID), creating it on
// first use.
func (r *Registry) Resolve(serverBase, userID string) *Supervisor {
	serverBase = strings.TrimSpace(serverBase)
	userID = strings.TrimSpace(userID)
	key := Key(serverBase, userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.supervisors[key]; ok {
		return s
	}

	s := newSupervisor(r.ctx, key, serverBase, userID, r.opts)
	r.supervisors[key] = s
	r.opts.logger.Debug("supervisor created", "server", serverBase, "user", userID)
	return s
}

// Lookup returns the supervisor for key if one exists.
func (r *Registry) Lookup(key string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.supervisors[key]
	return s, ok
}

// Len returns the number of supervisors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.supervisors)
}

// Stats returns a snapshot of every supervisor, ordered by key.
func (r *Registry) Stats() []SupervisorStats {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, s := range r.supervisors {
		sups = append(sups, s)
	}
	r.mu.Unlock()

	stats := make([]SupervisorStats, 0, len(sups))
	for _, s := range sups {
		stats = append(stats, s.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// Close shuts every supervisor down.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, s := range r.supervisors {
		sups = append(sups, s)
	}
	r.mu.Unlock()

	for _, s := range sups {
		s.Close()
	}
}
