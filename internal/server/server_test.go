// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jeranaias/smartreply/internal/gateway"
	"github.com/jeranaias/smartreply/internal/protocol"
	"github.com/jeranaias/smartreply/internal/router"
	"github.com/jeranaias/smartreply/internal/secret"
	"github.com/jeranaias/smartreply/internal/store"
)

// echoBackend answers every invoke with a fixed string.
type echoBackend struct{ reply string }

func (e *echoBackend) Kind() gateway.BackendKind   { return gateway.KindOnDevice }
func (e *echoBackend) Detect(context.Context) bool { return true }

func (e *echoBackend) EnsureReady(ctx context.Context, interactive bool, progress func(int, string)) error {
	return nil
}

func (e *echoBackend) Invoke(ctx context.Context, req gateway.InvokeRequest) (string, error) {
	return e.reply, nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	box, err := secret.Open(filepath.Join(dir, "secret.key"))
	if err != nil {
		t.Fatal(err)
	}

	gw := gateway.New([]gateway.Backend{&echoBackend{reply: "pong"}})
	rt := router.New(gw, st, box, nil, 0)
	return New(cfg, rt, gw)
}

func postMessage(t *testing.T, handler http.Handler, req protocol.Request, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/message", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httpReq)
	return rec
}

func TestMessageRoundTrip(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0})

	rec := postMessage(t, s.Handler(), protocol.Request{
		Action: protocol.ActionGenerate, Text: "hello?",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp protocol.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Text != "pong" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFailuresStayHTTP200(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0})

	rec := postMessage(t, s.Handler(), protocol.Request{Action: "bogus"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with failure envelope", rec.Code)
	}
	var resp protocol.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success || resp.Error != protocol.ErrCodeUnknownAction {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMessageRejectsNonPOST(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0})

	req := httptest.NewRequest(http.MethodGet, "/v1/message", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status gateway.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.State != gateway.StateNotInitialized {
		t.Errorf("state = %s", status.State)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0, BearerToken: "sekrit"})

	rec := postMessage(t, s.Handler(), protocol.Request{Action: protocol.ActionGenerate, Text: "x"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	rec = postMessage(t, s.Handler(), protocol.Request{Action: protocol.ActionGenerate, Text: "x"},
		map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}

	rec = postMessage(t, s.Handler(), protocol.Request{Action: protocol.ActionGenerate, Text: "x"},
		map[string]string{"Authorization": "Bearer sekrit"})
	if rec.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", rec.Code)
	}
}

func TestCORSForExtensionOrigins(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0})

	// Extension preflight is answered with the origin echoed back.
	req := httptest.NewRequest(http.MethodOptions, "/v1/message", nil)
	req.Header.Set("Origin", "chrome-extension://abcdefghijklmnop")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "chrome-extension://abcdefghijklmnop" {
		t.Errorf("allow-origin = %q", got)
	}

	// Arbitrary web origins get no CORS grant.
	req = httptest.NewRequest(http.MethodOptions, "/v1/message", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin for web origin = %q, want empty", got)
	}
}

func TestRateLimiting(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0, RateLimitPerMin: 2})

	var last int
	for i := 0; i < 3; i++ {
		rec := postMessage(t, s.Handler(), protocol.Request{Action: protocol.ActionGenerate, Text: "x"}, nil)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestDrainingAnswersRuntimeUnavailable(t *testing.T) {
	s := newTestServer(t, Config{Host: "127.0.0.1", Port: 0})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	rec := postMessage(t, s.Handler(), protocol.Request{Action: protocol.ActionGenerate, Text: "x"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp protocol.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Success || resp.Error != protocol.ErrCodeRuntimeUnavailable {
		t.Errorf("resp = %+v, want RUNTIME_UNAVAILABLE", resp)
	}
}
