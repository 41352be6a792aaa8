// streamtap connects to a realtime server and logs every status change and
// event it delivers. Events can optionally be journaled to PostgreSQL.
// Usage: go run ./cmd/streamtap --config configs/streamtap.example.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/GameclubPro/girl-sub002/internal/config"
	"github.com/GameclubPro/girl-sub002/internal/connection"
	"github.com/GameclubPro/girl-sub002/internal/database"
	"github.com/GameclubPro/girl-sub002/internal/endpoint"
	"github.com/GameclubPro/girl-sub002/internal/metrics"
	"github.com/GameclubPro/girl-sub002/internal/recorder"
	"github.com/GameclubPro/girl-sub002/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		serverBase  string
		userID      string
		verbose     bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("streamtap", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "configs/streamtap.example.yaml", "path to config file")
	flagSet.StringVar(&serverBase, "server", "", "override server.base_url")
	flagSet.StringVar(&userID, "user", "", "override server.user_id")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "print full event JSON")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(version.Get())
		return nil
	}

	// Load configuration
	cfg, err := config.LoadWithDefaults(configPath)
	if err != nil {
		return err
	}
	if serverBase != "" {
		cfg.Server.BaseURL = serverBase
	}
	if userID != "" {
		cfg.Server.UserID = userID
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamtap",
		"build", version.Get(),
		"config", configPath,
		"server", cfg.Server.BaseURL,
		"user", cfg.Server.UserID,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.DefaultNamespace, reg)

	header := http.Header{}
	if cfg.Server.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Server.Token)
	}

	mgr := connection.NewManager(
		cfg.ConnectionConfig(),
		endpoint.NewResolver(cfg.Server.Path),
		header,
		logger,
		connection.WithObserver(collector),
	)
	defer mgr.Close()

	// Optional event journal
	if cfg.Recorder.Enabled {
		rec, cleanup, err := startRecorder(ctx, cfg, collector, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		key := connection.Key(cfg.Server.BaseURL, cfg.Server.UserID)
		unsubscribe := mgr.Subscribe(cfg.Server.BaseURL, cfg.Server.UserID, rec.Listener(key))
		defer unsubscribe()
	}

	unsubscribeStatus := mgr.SubscribeStatus(cfg.Server.BaseURL, cfg.Server.UserID, func(s connection.Status) {
		logger.Info("connection status", "status", s)
	})
	defer unsubscribeStatus()

	unsubscribeEvents := mgr.Subscribe(cfg.Server.BaseURL, cfg.Server.UserID, func(ev connection.Event) {
		if verbose {
			logger.Info("event", "type", ev.Type, "payload", string(ev.Raw))
			return
		}
		logger.Info("event", "type", ev.Type, "size", len(ev.Raw))
	})
	defer unsubscribeEvents()

	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(mgr))
	mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("streamtap stopped")
	return err
}

// startRecorder connects to the journal database and starts the recorder.
// The returned cleanup stops the recorder and closes the pool.
func startRecorder(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*recorder.Recorder, func(), error) {
	logger.Info("connecting to database",
		"host", cfg.Recorder.Database.Host,
		"port", cfg.Recorder.Database.Port,
		"database", cfg.Recorder.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Recorder.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	rec := recorder.New(recorder.Config{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
		BufferSize:    cfg.Recorder.BufferSize,
	}, pool, collector, logger)

	if err := rec.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create schema: %w", err)
	}
	if err := rec.Start(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("start recorder: %w", err)
	}

	cleanup := func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := rec.Stop(stopCtx); err != nil {
			logger.Warn("recorder stop failed", "error", err)
		}
		pool.Close()
	}
	return rec, cleanup, nil
}

// healthHandler reports the status of every connection. Any connection
// that is not connected marks the service degraded.
func healthHandler(mgr *connection.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type supervisorHealth struct {
			Key             string `json:"key"`
			Status          string `json:"status"`
			Attempt         int    `json:"attempt"`
			Listeners       int    `json:"listeners"`
			StatusListeners int    `json:"status_listeners"`
		}

		health := struct {
			Status      string             `json:"status"`
			Build       version.Info       `json:"build"`
			Connections []supervisorHealth `json:"connections"`
		}{
			Status:      "healthy",
			Build:       version.Get(),
			Connections: []supervisorHealth{},
		}

		for _, s := range mgr.Stats() {
			if s.Status != connection.StatusConnected {
				health.Status = "degraded"
			}
			health.Connections = append(health.Connections, supervisorHealth{
				Key:             s.Key,
				Status:          string(s.Status),
				Attempt:         s.Attempt,
				Listeners:       s.Listeners,
				StatusListeners: s.StatusListeners,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	}
}
