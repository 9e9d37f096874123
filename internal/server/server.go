// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jeranaias/smartreply/internal/gateway"
	"github.com/jeranaias/smartreply/internal/protocol"
	"github.com/jeranaias/smartreply/internal/router"
)

// maxRequestBody bounds one message body. Generous because analyze/generate
// may carry a base64 screenshot.
const maxRequestBody = 5 * 1024 * 1024

// Config holds the server configuration.
type Config struct {
	Host            string
	Port            int
	BearerToken     string
	RateLimitPerMin int
}

// Server is the HTTP bridge between the extension and the router.
type Server struct {
	router     *router.Router
	gw         *gateway.Gateway
	httpServer *http.Server
	draining   atomic.Bool
}

// New builds the server around a router and gateway.
func New(cfg Config, rt *router.Router, gw *gateway.Gateway) *Server {
	s := &Server{router: rt, gw: gw}

	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 120
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/message", s.handleMessage)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	chain := Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(),
		CORSMiddleware(),
		AuthMiddleware(cfg.BearerToken),
		RateLimitMiddleware(NewRateLimiter(perMin)),
	)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           chain(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Printf("SERVER_START | addr=%s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests. New message requests are answered
// with RUNTIME_UNAVAILABLE while draining so the extension retries against
// the restarted daemon instead of hanging.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	log.Printf("SERVER_DRAIN | addr=%s", s.httpServer.Addr)
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// HANDLERS
// ============================================================================

// handleMessage serves the cross-context message: one request in, exactly
// one response envelope out, HTTP 200 either way. Transport-level errors
// (wrong method, unparseable body) are the only non-200s.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.draining.Load() {
		writeJSON(w, http.StatusOK, protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "daemon is shutting down"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.router.Handle(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus reports the model session state for polling UIs.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.gw.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WRITE_JSON_FAILED | err=%v", err)
	}
}
