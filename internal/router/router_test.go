// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/smartreply/internal/gateway"
	"github.com/jeranaias/smartreply/internal/protocol"
	"github.com/jeranaias/smartreply/internal/secret"
	"github.com/jeranaias/smartreply/internal/store"
)

// fakeBackend is a scriptable backend for router tests.
type fakeBackend struct {
	kind        gateway.BackendKind
	detect      bool
	ensureErr   error
	invokeFn    func(req gateway.InvokeRequest) (string, error)
	ensureCalls atomic.Int32
}

func (f *fakeBackend) Kind() gateway.BackendKind   { return f.kind }
func (f *fakeBackend) Detect(context.Context) bool { return f.detect }

func (f *fakeBackend) EnsureReady(ctx context.Context, interactive bool, progress func(int, string)) error {
	f.ensureCalls.Add(1)
	return f.ensureErr
}

func (f *fakeBackend) Invoke(ctx context.Context, req gateway.InvokeRequest) (string, error) {
	if f.invokeFn != nil {
		return f.invokeFn(req)
	}
	return "fake output", nil
}

// capturingSink records credential pushes.
type capturingSink struct {
	apiKey, proxyURL string
}

func (c *capturingSink) SetCredentials(apiKey, proxyURL string) {
	c.apiKey, c.proxyURL = apiKey, proxyURL
}

func newTestRouter(t *testing.T, backend gateway.Backend, softLimit int) (*Router, *store.Store, *capturingSink) {
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

	var backends []gateway.Backend
	if backend != nil {
		backends = []gateway.Backend{backend}
	}
	sink := &capturingSink{}
	return New(gateway.New(backends), st, box, sink, softLimit), st, sink
}

func TestMalformedAnalysisFallsBackToNeutral(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json at all", "I think the sender is happy!"},
		{"truncated json", `{"emotion":"Happy","inten`},
		{"empty output", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{
				kind: gateway.KindOnDevice, detect: true,
				invokeFn: func(gateway.InvokeRequest) (string, error) { return tt.raw, nil },
			}
			r, _, _ := newTestRouter(t, backend, 0)

			resp := r.Handle(context.Background(), protocol.Request{
				Action: protocol.ActionAnalyze, Text: "hey, dinner tonight?",
			})
			if !resp.Success {
				t.Fatalf("success = false, error = %s", resp.Error)
			}
			want := protocol.NeutralAnalysis()
			if resp.Analysis == nil || *resp.Analysis != want {
				t.Errorf("analysis = %+v, want neutral default", resp.Analysis)
			}
		})
	}
}

func TestAnalysisSurvivesCodeFencesAndProse(t *testing.T) {
	backend := &fakeBackend{
		kind: gateway.KindOnDevice, detect: true,
		invokeFn: func(req gateway.InvokeRequest) (string, error) {
			if !req.JSONOutput {
				t.Error("analyze did not request JSON output")
			}
			return "Here you go:\n```json\n{\"emotion\":\"Excited\",\"intent\":\"Question\",\"suggestedAction\":\"Answer\"}\n```", nil
		},
	}
	r, _, _ := newTestRouter(t, backend, 0)

	resp := r.Handle(context.Background(), protocol.Request{Action: protocol.ActionAnalyze, Text: "coming?"})
	if !resp.Success || resp.Analysis == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Analysis.Emotion != "Excited" || resp.Analysis.Intent != "Question" {
		t.Errorf("analysis = %+v", resp.Analysis)
	}
}

func TestNoBackendShortCircuits(t *testing.T) {
	backend := &fakeBackend{kind: gateway.KindOnDevice, detect: false}
	r, _, _ := newTestRouter(t, backend, 0)

	for _, action := range []protocol.Action{
		protocol.ActionAnalyze, protocol.ActionGenerate,
		protocol.ActionRefine, protocol.ActionSummarize,
	} {
		resp := r.Handle(context.Background(), protocol.Request{Action: action, Text: "x"})
		if resp.Success || resp.Error != protocol.ErrCodeNotAvailable {
			t.Errorf("%s: resp = %+v, want NOT_AVAILABLE", action, resp)
		}
	}
	// The short-circuit happens before any initialization.
	if backend.ensureCalls.Load() != 0 {
		t.Errorf("EnsureReady called %d times, want 0", backend.ensureCalls.Load())
	}
}

func TestRefinePassesRewrittenTextThrough(t *testing.T) {
	backend := &fakeBackend{
		kind: gateway.KindOnDevice, detect: true,
		invokeFn: func(req gateway.InvokeRequest) (string, error) {
			if !strings.Contains(req.Prompt, "formal") {
				t.Errorf("refine prompt missing tone: %q", req.Prompt)
			}
			return "  Good afternoon; I trust this finds you well.  ", nil
		},
	}
	r, _, _ := newTestRouter(t, backend, 0)

	resp := r.Handle(context.Background(), protocol.Request{
		Action: protocol.ActionRefine, Text: "hey what's up", Tone: "formal",
	})
	if !resp.Success {
		t.Fatalf("error = %s: %s", resp.Error, resp.Message)
	}
	if resp.Text != "Good afternoon; I trust this finds you well." {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestSummarizeFallsBackToGenericPrompt(t *testing.T) {
	// fakeBackend has no dedicated summarizer, so the router must fall back
	// to a generic prompt and still produce a plain success envelope.
	var sawPrompt string
	backend := &fakeBackend{
		kind: gateway.KindOnDevice, detect: true,
		invokeFn: func(req gateway.InvokeRequest) (string, error) {
			sawPrompt = req.Prompt
			return "A short summary.", nil
		},
	}
	r, _, _ := newTestRouter(t, backend, 0)

	resp := r.Handle(context.Background(), protocol.Request{
		Action: protocol.ActionSummarize, Text: "a very long article",
	})
	if !resp.Success || resp.Text != "A short summary." {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.Contains(sawPrompt, "Summarize") {
		t.Errorf("fallback prompt = %q", sawPrompt)
	}
}

func TestUnknownActionIsRejected(t *testing.T) {
	r, _, _ := newTestRouter(t, &fakeBackend{kind: gateway.KindOnDevice, detect: true}, 0)

	resp := r.Handle(context.Background(), protocol.Request{Action: "translate"})
	if resp.Success || resp.Error != protocol.ErrCodeUnknownAction {
		t.Errorf("resp = %+v, want UNKNOWN_ACTION", resp)
	}
}

func TestUserGestureRequiredMapsToStableCode(t *testing.T) {
	backend := &fakeBackend{
		kind: gateway.KindOnDevice, detect: true,
		ensureErr: gateway.ErrUserGestureRequired,
	}
	r, _, _ := newTestRouter(t, backend, 0)

	resp := r.Handle(context.Background(), protocol.Request{Action: protocol.ActionGenerate, Text: "hi"})
	if resp.Success || resp.Error != protocol.ErrCodeUserGestureRequired {
		t.Errorf("resp = %+v, want USER_GESTURE_REQUIRED", resp)
	}

	// The explicit init action is the interactive path and may proceed.
	backend.ensureErr = nil
	resp = r.Handle(context.Background(), protocol.Request{Action: protocol.ActionInitBuiltinAI})
	if !resp.Success {
		t.Errorf("initBuiltinAI resp = %+v", resp)
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	backend := &fakeBackend{
		kind: gateway.KindRemote, detect: true,
		invokeFn: func(gateway.InvokeRequest) (string, error) {
			return "", &gateway.UpstreamError{Status: 503, Body: "overloaded"}
		},
	}
	r, _, _ := newTestRouter(t, backend, 0)

	resp := r.Handle(context.Background(), protocol.Request{Action: protocol.ActionGenerate, Text: "hi"})
	if resp.Success || resp.Error != protocol.ErrCodeUpstreamError {
		t.Errorf("resp = %+v, want UPSTREAM_ERROR", resp)
	}
	if !strings.Contains(resp.Message, "503") {
		t.Errorf("message = %q, want upstream status", resp.Message)
	}
}

func TestRemoteUsageCountingAndAdvisory(t *testing.T) {
	backend := &fakeBackend{kind: gateway.KindRemote, detect: true}
	r, st, _ := newTestRouter(t, backend, 2)

	var lastAdvisory string
	for i := 0; i < 3; i++ {
		resp := r.Handle(context.Background(), protocol.Request{Action: protocol.ActionGenerate, Text: "hi"})
		if !resp.Success {
			t.Fatalf("call %d failed: %+v", i+1, resp)
		}
		lastAdvisory = resp.Advisory
	}

	usage, err := st.UsageOn(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if usage.Count != 3 {
		t.Errorf("usage count = %d, want 3", usage.Count)
	}
	// Third call crossed the soft limit of 2: advisory set, never a failure.
	if lastAdvisory == "" {
		t.Error("advisory empty after crossing the soft limit")
	}
}

func TestOnDeviceUsageIsNotCounted(t *testing.T) {
	backend := &fakeBackend{kind: gateway.KindOnDevice, detect: true}
	r, st, _ := newTestRouter(t, backend, 2)

	resp := r.Handle(context.Background(), protocol.Request{Action: protocol.ActionGenerate, Text: "hi"})
	if !resp.Success {
		t.Fatal(resp)
	}
	usage, err := st.UsageOn(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if usage.Count != 0 {
		t.Errorf("on-device calls counted: %d", usage.Count)
	}
}

func TestSaveAPIKeySealsAndPushes(t *testing.T) {
	r, st, sink := newTestRouter(t, &fakeBackend{kind: gateway.KindRemote, detect: true}, 0)

	resp := r.Handle(context.Background(), protocol.Request{
		Action: protocol.ActionSaveAPIKey, APIKey: "AIzaSy-test-key",
	})
	if !resp.Success {
		t.Fatalf("saveApiKey failed: %+v", resp)
	}

	// Stored sealed, never plaintext.
	stored := st.GetOr(store.KeyAPIKey, "")
	if !secret.IsSealed(stored) {
		t.Errorf("stored key is not sealed: %q", stored)
	}
	if strings.Contains(stored, "AIzaSy") {
		t.Error("stored key leaks plaintext")
	}

	// The remote client received the plaintext.
	if sink.apiKey != "AIzaSy-test-key" {
		t.Errorf("sink key = %q", sink.apiKey)
	}

	// getConfig reports presence without the value.
	resp = r.Handle(context.Background(), protocol.Request{Action: protocol.ActionGetConfig})
	var view configView
	if err := json.Unmarshal(resp.Data, &view); err != nil {
		t.Fatal(err)
	}
	if !view.HasAPIKey {
		t.Error("getConfig hasApiKey = false after save")
	}
}

func TestSetProxyURLValidatesScheme(t *testing.T) {
	r, st, sink := newTestRouter(t, &fakeBackend{kind: gateway.KindRemote, detect: true}, 0)

	resp := r.Handle(context.Background(), protocol.Request{
		Action: protocol.ActionSetProxyURL, ProxyURL: "ftp://bad",
	})
	if resp.Success {
		t.Error("ftp proxy URL accepted")
	}

	resp = r.Handle(context.Background(), protocol.Request{
		Action: protocol.ActionSetProxyURL, ProxyURL: "https://proxy.example.com/gemini",
	})
	if !resp.Success {
		t.Fatalf("setProxyUrl failed: %+v", resp)
	}
	if st.GetOr(store.KeyProxyURL, "") != "https://proxy.example.com/gemini" {
		t.Error("proxy URL not persisted")
	}
	if sink.proxyURL != "https://proxy.example.com/gemini" {
		t.Error("proxy URL not pushed to the remote client")
	}
}

func TestGetBuiltinStatusReportsState(t *testing.T) {
	r, _, _ := newTestRouter(t, &fakeBackend{kind: gateway.KindOnDevice, detect: true}, 0)

	resp := r.Handle(context.Background(), protocol.Request{Action: protocol.ActionGetBuiltinStatus})
	if !resp.Success {
		t.Fatal(resp)
	}
	var status gateway.Status
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.State != gateway.StateNotInitialized {
		t.Errorf("state = %s, want not_initialized", status.State)
	}
}
