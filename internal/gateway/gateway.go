// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway owns the model backends and their lifecycle: which backend
// is available, whether it is ready, and the single shared initialization
// that makes it ready.
//
// Callers never talk to a backend directly. They ask the gateway to ensure
// readiness and then invoke; concurrent ensure calls coalesce onto one
// in-flight initialization whose outcome every waiter shares.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ============================================================================
// STATES
// ============================================================================

// State is the model session lifecycle state.
type State string

const (
	StateNotInitialized State = "not_initialized"
	StateInitializing   State = "initializing"
	StateDownloading    State = "downloading"
	StateReady          State = "ready"
	StateError          State = "error"
	StateNotAvailable   State = "not_available"
)

// BackendKind identifies where inference runs.
type BackendKind string

const (
	KindOnDevice BackendKind = "on-device"
	KindRemote   BackendKind = "remote"
)

// Status is a snapshot of the session state for polling UIs.
type Status struct {
	State    State       `json:"state"`
	Progress int         `json:"progress"` // 0-100, meaningful while downloading
	Message  string      `json:"message,omitempty"`
	Backend  BackendKind `json:"backend,omitempty"`
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrNotAvailable means no backend can serve requests on this machine.
	ErrNotAvailable = errors.New("no AI backend is available")
	// ErrUserGestureRequired means initialization needs an explicit user
	// action (the on-device model must be downloaded first).
	ErrUserGestureRequired = errors.New("initialization requires an explicit user action")
	// ErrTimeout means initialization exceeded its configured bound.
	ErrTimeout = errors.New("initialization timed out")
	// ErrNotReady means Invoke was called before a successful EnsureReady.
	ErrNotReady = errors.New("no backend is ready")
)

// UpstreamError reports a failed call to a remote AI service.
type UpstreamError struct {
	Status int    // HTTP status, 0 when the request never completed
	Body   string // truncated response body or transport error text
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream request failed: %s", e.Body)
	}
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Status, e.Body)
}

// ============================================================================
// BACKEND INTERFACE
// ============================================================================

// InvokeRequest is one model invocation.
type InvokeRequest struct {
	// Prompt is the fully rendered prompt text.
	Prompt string
	// Image is an optional data URL. Backends that cannot consume images
	// ignore it.
	Image string
	// JSONOutput asks the backend to constrain output to a JSON object,
	// where the backend supports that.
	JSONOutput bool
}

// Backend is one way to run a model. Implementations must be safe for
// concurrent use.
type Backend interface {
	Kind() BackendKind

	// Detect cheaply reports whether this backend could serve requests
	// right now. It must not trigger downloads or other heavy work.
	Detect(ctx context.Context) bool

	// EnsureReady performs whatever one-time work readiness needs. When the
	// work requires an explicit user action (an on-device model download)
	// and interactive is false, it returns ErrUserGestureRequired.
	// Long-running work reports progress as 0-100.
	EnsureReady(ctx context.Context, interactive bool, progress func(pct int, message string)) error

	// Invoke runs one prompt and returns the raw model text.
	Invoke(ctx context.Context, req InvokeRequest) (string, error)
}

// Summarizer is implemented by backends with a dedicated summarization
// capability. Backends without it are served through a generic prompt.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// ============================================================================
// GATEWAY
// ============================================================================

// initAttempt is one in-flight initialization. Waiters block on done and
// then read err; both are written exactly once.
type initAttempt struct {
	done chan struct{}
	err  error
}

// Gateway multiplexes the configured backends behind the session state
// machine. Backends are tried in order, so on-device comes first.
type Gateway struct {
	backends      []Backend
	initTimeout   time.Duration
	invokeTimeout time.Duration

	mu        sync.Mutex
	status    Status
	active    Backend
	attempt   *initAttempt
	listeners []func(Status)
	hintSink  func(state State)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithInitTimeout bounds one initialization, downloads included.
func WithInitTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.initTimeout = d }
}

// WithInvokeTimeout bounds a single invocation.
func WithInvokeTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.invokeTimeout = d }
}

// WithHintSink registers a callback that receives terminal states (ready,
// not_available, error) for persistence as the coarse availability hint.
func WithHintSink(sink func(state State)) Option {
	return func(g *Gateway) { g.hintSink = sink }
}

// New builds a gateway over backends, tried in the given order.
func New(backends []Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backends:      backends,
		initTimeout:   10 * time.Minute,
		invokeTimeout: 60 * time.Second,
		status:        Status{State: StateNotInitialized},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Status returns the current session snapshot.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Subscribe registers a listener for status changes. Listeners run on the
// goroutine that caused the transition and must return quickly.
func (g *Gateway) Subscribe(fn func(Status)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Active returns the ready backend, or nil before a successful EnsureReady.
func (g *Gateway) Active() Backend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// DetectBackend returns the first backend reporting availability, or nil.
// Once ready, the active backend is returned without probing again.
func (g *Gateway) DetectBackend(ctx context.Context) Backend {
	g.mu.Lock()
	if g.status.State == StateReady && g.active != nil {
		b := g.active
		g.mu.Unlock()
		return b
	}
	backends := g.backends
	g.mu.Unlock()

	for _, b := range backends {
		if b.Detect(ctx) {
			return b
		}
	}
	return nil
}

// Reset returns the session to not_initialized so the next request probes
// availability again. Called after configuration changes (a new API key or
// proxy URL may make a backend available).
func (g *Gateway) Reset() {
	g.mu.Lock()
	if g.attempt != nil {
		// An initialization is running; let it finish and publish its own
		// outcome.
		g.mu.Unlock()
		return
	}
	g.active = nil
	g.mu.Unlock()
	g.setStatus(Status{State: StateNotInitialized})
}

// ============================================================================
// ENSURE READY (single-flight)
// ============================================================================

// EnsureReady makes some backend ready, performing at most one
// initialization at a time. Concurrent callers share the in-flight attempt
// and its outcome. A caller whose context ends while waiting detaches with
// its context error; the initialization itself continues.
func (g *Gateway) EnsureReady(ctx context.Context, interactive bool) error {
	g.mu.Lock()
	if g.status.State == StateReady {
		g.mu.Unlock()
		return nil
	}

	attempt := g.attempt
	if attempt == nil {
		attempt = &initAttempt{done: make(chan struct{})}
		g.attempt = attempt

		// The attempt outlives any single caller: it runs under its own
		// deadline, not the caller's.
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.initTimeout)
		go func() {
			defer cancel()
			err := g.initialize(initCtx, interactive)

			g.mu.Lock()
			g.attempt = nil
			g.mu.Unlock()

			attempt.err = err
			close(attempt.done)
		}()
	}
	g.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initialize runs one full initialization: detect, make ready, publish.
func (g *Gateway) initialize(ctx context.Context, interactive bool) error {
	g.setStatus(Status{State: StateInitializing, Message: "detecting backends"})

	var backend Backend
	for _, b := range g.backends {
		if b.Detect(ctx) {
			backend = b
			break
		}
	}
	if backend == nil {
		log.Printf("GATEWAY_INIT_FAILED | reason=no_backend")
		g.setStatus(Status{State: StateNotAvailable, Message: "no AI backend detected"})
		return ErrNotAvailable
	}

	log.Printf("GATEWAY_INIT_START | backend=%s interactive=%v", backend.Kind(), interactive)
	start := time.Now()

	err := backend.EnsureReady(ctx, interactive, func(pct int, message string) {
		g.setStatus(Status{
			State:    StateDownloading,
			Progress: pct,
			Message:  message,
			Backend:  backend.Kind(),
		})
	})

	switch {
	case err == nil:
		g.mu.Lock()
		g.active = backend
		g.mu.Unlock()
		g.setStatus(Status{State: StateReady, Progress: 100, Backend: backend.Kind()})
		log.Printf("GATEWAY_INIT_OK | backend=%s duration=%s", backend.Kind(), time.Since(start).Round(time.Millisecond))
		return nil

	case errors.Is(err, ErrUserGestureRequired):
		// Not a failure: a later interactive attempt can proceed.
		g.setStatus(Status{State: StateNotInitialized, Message: "model download requires user action", Backend: backend.Kind()})
		return err

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Printf("GATEWAY_INIT_TIMEOUT | backend=%s bound=%s", backend.Kind(), g.initTimeout)
		g.setStatus(Status{State: StateError, Message: "initialization timed out", Backend: backend.Kind()})
		return ErrTimeout

	default:
		log.Printf("GATEWAY_INIT_FAILED | backend=%s err=%v", backend.Kind(), err)
		g.setStatus(Status{State: StateError, Message: err.Error(), Backend: backend.Kind()})
		return err
	}
}

// ============================================================================
// INVOKE
// ============================================================================

// Invoke runs one request on the active backend under the invoke timeout.
func (g *Gateway) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	backend := g.Active()
	if backend == nil {
		return "", ErrNotReady
	}

	ctx, cancel := context.WithTimeout(ctx, g.invokeTimeout)
	defer cancel()
	return backend.Invoke(ctx, req)
}

// Summarize runs the active backend's dedicated summarization capability.
// ok is false when the backend has none; the caller falls back to a generic
// prompt.
func (g *Gateway) Summarize(ctx context.Context, text string) (result string, ok bool, err error) {
	backend := g.Active()
	if backend == nil {
		return "", false, ErrNotReady
	}
	s, has := backend.(Summarizer)
	if !has {
		return "", false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.invokeTimeout)
	defer cancel()
	result, err = s.Summarize(ctx, text)
	return result, true, err
}

// ============================================================================
// STATUS PLUMBING
// ============================================================================

// setStatus publishes a transition. Listeners and the hint sink run after
// the lock is released so they may call back into the gateway.
func (g *Gateway) setStatus(s Status) {
	g.mu.Lock()
	g.status = s
	listeners := make([]func(Status), len(g.listeners))
	copy(listeners, g.listeners)
	sink := g.hintSink
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
	if sink != nil {
		switch s.State {
		case StateReady, StateNotAvailable, StateError:
			sink(s.State)
		}
	}
}
