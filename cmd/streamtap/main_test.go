package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GameclubPro/girl-sub002/internal/connection"
	"github.com/GameclubPro/girl-sub002/internal/endpoint"
)

func TestHealthHandler(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	mgr := connection.NewManager(connection.DefaultConfig(), endpoint.Static(""), nil, logger)
	defer mgr.Close()

	// No endpoint: the connection stays idle.
	mgr.Subscribe("https://api.example.com", "42", func(connection.Event) {})

	rec := httptest.NewRecorder()
	healthHandler(mgr).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body struct {
		Status      string `json:"status"`
		Build       struct {
			Version string `json:"version"`
		} `json:"build"`
		Connections []struct {
			Key       string `json:"key"`
			Status    string `json:"status"`
			Listeners int    `json:"listeners"`
		} `json:"connections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Build.Version != "dev" {
		t.Errorf("build version = %q, want dev", body.Build.Version)
	}
	if len(body.Connections) != 1 {
		t.Fatalf("connections = %d, want 1", len(body.Connections))
	}
	c := body.Connections[0]
	if c.Key != connection.Key("https://api.example.com", "42") || c.Status != "idle" || c.Listeners != 1 {
		t.Errorf("connection = %+v", c)
	}
}

func TestHealthHandler_NoConnections(t *testing.T) {
	mgr := connection.NewManager(connection.DefaultConfig(), endpoint.Static(""), nil, slog.New(slog.DiscardHandler))
	defer mgr.Close()

	rec := httptest.NewRecorder()
	healthHandler(mgr).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
}
