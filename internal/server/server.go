// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the flashd REST + SSE API consumed by the browser
// IDE.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/flashio/flashd/internal/collab"
	"github.com/flashio/flashd/internal/config"
	"github.com/flashio/flashd/internal/preview"
	"github.com/flashio/flashd/internal/sandbox"
	"github.com/flashio/flashd/internal/storage"
	"github.com/flashio/flashd/internal/store"
	"github.com/flashio/flashd/internal/tasks"
	"github.com/flashio/flashd/internal/terminal"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// maxJSONBody caps JSON request bodies.
	maxJSONBody = 1 << 20 // 1 MB

	// maxFileBody caps file upload bodies.
	maxFileBody = 32 << 20 // 32 MB

	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 10 * time.Second
)

// =============================================================================
// SERVER
// =============================================================================

// Options wires the server to its collaborators.
type Options struct {
	Config  *config.Config
	Store   *store.Store
	Manager *sandbox.Manager
	Bridge  *terminal.Bridge
	Preview *preview.Registry
	Hub     *collab.Hub
	Storage *storage.Manager
	Queue   *tasks.Queue
}

// serverStats tracks API-level counters for the stats endpoint.
type serverStats struct {
	mu         sync.Mutex
	startTime  time.Time
	sseClients int
}

// Server is the flashd HTTP API server.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	manager *sandbox.Manager
	bridge  *terminal.Bridge
	preview *preview.Registry
	hub     *collab.Hub
	storage *storage.Manager
	queue   *tasks.Queue

	httpServer *http.Server
	stats      serverStats
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		manager: opts.Manager,
		bridge:  opts.Bridge,
		preview: opts.Preview,
		hub:     opts.Hub,
		storage: opts.Storage,
		queue:   opts.Queue,
	}
	s.stats.startTime = time.Now()
	return s
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Projects
	mux.HandleFunc("POST /v1/projects", s.handleCreateProject)
	mux.HandleFunc("GET /v1/projects", s.handleListProjects)
	mux.HandleFunc("GET /v1/projects/{id}", s.handleGetProject)
	mux.HandleFunc("DELETE /v1/projects/{id}", s.handleDeleteProject)

	// Instance lifecycle
	mux.HandleFunc("POST /v1/projects/{id}/boot", s.handleBoot)
	mux.HandleFunc("GET /v1/projects/{id}/instance", s.handleGetInstance)
	mux.HandleFunc("DELETE /v1/projects/{id}/instance", s.handleTeardown)

	// Workspace files
	mux.HandleFunc("GET /v1/projects/{id}/files", s.handleListFiles)
	mux.HandleFunc("GET /v1/projects/{id}/files/{path...}", s.handleReadFile)
	mux.HandleFunc("PUT /v1/projects/{id}/files/{path...}", s.handleWriteFile)
	mux.HandleFunc("DELETE /v1/projects/{id}/files/{path...}", s.handleDeleteFile)

	// Terminals
	mux.HandleFunc("POST /v1/projects/{id}/terminals", s.handleOpenTerminal)
	mux.HandleFunc("POST /v1/terminals/{id}/input", s.handleTerminalInput)
	mux.HandleFunc("POST /v1/terminals/{id}/resize", s.handleTerminalResize)
	mux.HandleFunc("GET /v1/terminals/{id}/stream", s.handleTerminalStream)
	mux.HandleFunc("DELETE /v1/terminals/{id}", s.handleCloseTerminal)

	// Preview
	mux.HandleFunc("GET /v1/projects/{id}/preview", s.handlePreview)

	// Collaboration
	mux.HandleFunc("POST /v1/projects/{id}/presence", s.handlePresence)
	mux.HandleFunc("DELETE /v1/projects/{id}/presence", s.handlePresenceLeave)
	mux.HandleFunc("GET /v1/projects/{id}/events", s.handleProjectEvents)

	// Background tasks
	mux.HandleFunc("POST /v1/projects/{id}/sync", s.handleSync)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)

	// Operational
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	auth := &AuthConfig{
		Enabled:     s.cfg.Server.BearerToken != "",
		BearerToken: s.cfg.Server.BearerToken,
		AllowedIPs:  s.cfg.Server.AllowedIPs,
	}

	chain := Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		RateLimitMiddleware(NewRateLimiter(s.cfg.Server.RateLimit, time.Minute)),
		CORSMiddleware(DefaultCORSConfig()),
		AuthMiddleware(auth),
	)
	return chain(mux)
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and tears down the live instance.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("SERVER_SHUTDOWN_START")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(shutdownCtx)
	}

	s.bridge.CloseAll()
	if err := s.manager.Teardown(shutdownCtx); err != nil {
		log.Printf("SERVER_SHUTDOWN_TEARDOWN_FAILED | error=%v", err)
	}

	log.Printf("SERVER_SHUTDOWN_COMPLETE")
	return httpErr
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_ENCODE_FAILED | error=%v", err)
	}
}

// writeError writes a JSON error body. Detail stays in the server log; the
// client gets the message only.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a size-capped JSON request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// =============================================================================
// OPERATIONAL HANDLERS
// =============================================================================

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats reports server and lifecycle counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.stats.mu.Lock()
	uptime := time.Since(s.stats.startTime)
	sseClients := s.stats.sseClients
	s.stats.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_secs":   int(uptime.Seconds()),
		"sse_clients":   sseClients,
		"sandbox":       s.manager.Stats(),
		"tasks_total":   s.queue.Count(),
		"tasks_running": s.queue.RunningCount(),
		"backends":      s.storage.Backends(),
	})
}

// trackSSEClient bumps the SSE gauge, returning the corresponding decrement.
func (s *Server) trackSSEClient() func() {
	s.stats.mu.Lock()
	s.stats.sseClients++
	s.stats.mu.Unlock()
	return func() {
		s.stats.mu.Lock()
		s.stats.sseClients--
		s.stats.mu.Unlock()
	}
}
