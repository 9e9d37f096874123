// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router turns operation requests into exactly one response each.
//
// The router owns the request-scoped decisions: availability short-circuit,
// readiness, prompt construction, lenient result decoding, error-to-code
// mapping, and the usage counter. It never lets an error or panic escape as
// anything but a failure envelope.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/smartreply/internal/gateway"
	"github.com/jeranaias/smartreply/internal/gemini"
	"github.com/jeranaias/smartreply/internal/protocol"
	"github.com/jeranaias/smartreply/internal/secret"
	"github.com/jeranaias/smartreply/internal/store"
	"github.com/jeranaias/smartreply/internal/util"
)

// CredentialSink receives credential changes saved through the extension.
type CredentialSink interface {
	SetCredentials(apiKey, proxyURL string)
}

// Router dispatches operation requests.
type Router struct {
	gw        *gateway.Gateway
	store     *store.Store
	box       *secret.Box
	creds     CredentialSink
	softLimit int
}

// New builds a router. softLimit of 0 disables the usage advisory.
func New(gw *gateway.Gateway, st *store.Store, box *secret.Box, creds CredentialSink, softLimit int) *Router {
	return &Router{gw: gw, store: st, box: box, creds: creds, softLimit: softLimit}
}

// ============================================================================
// DISPATCH
// ============================================================================

// Handle processes one request and always returns exactly one response.
func (r *Router) Handle(ctx context.Context, req protocol.Request) (resp protocol.Response) {
	id := uuid.NewString()[:8]
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ROUTER_PANIC | id=%s action=%s panic=%v", id, req.Action, rec)
			resp = protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "internal error")
		}
		log.Printf("REQUEST_COMPLETE | id=%s action=%s success=%v duration=%s",
			id, req.Action, resp.Success, time.Since(start).Round(time.Millisecond))
	}()

	log.Printf("ROUTING | id=%s action=%s text_len=%d", id, req.Action, len(req.Text))

	if !req.Action.Valid() {
		return protocol.Fail(protocol.ErrCodeUnknownAction, "unknown action: "+string(req.Action))
	}

	switch req.Action {
	case protocol.ActionGetBuiltinStatus:
		return r.handleStatus()
	case protocol.ActionGetConfig:
		return r.handleGetConfig()
	case protocol.ActionSaveAPIKey:
		return r.handleSaveAPIKey(req.APIKey)
	case protocol.ActionSetProxyURL:
		return r.handleSetProxyURL(req.ProxyURL)
	case protocol.ActionInitBuiltinAI:
		return r.handleInit(ctx)
	}

	return r.handleAI(ctx, req)
}

// ============================================================================
// AI OPERATIONS
// ============================================================================

// handleAI serves analyze/generate/refine/summarize.
func (r *Router) handleAI(ctx context.Context, req protocol.Request) protocol.Response {
	// Availability short-circuit: no backend means no initialization work,
	// just the stable failure code.
	if r.gw.DetectBackend(ctx) == nil {
		return protocol.Fail(protocol.ErrCodeNotAvailable, "no AI backend is available")
	}

	if err := r.gw.EnsureReady(ctx, false); err != nil {
		return failFromError(err)
	}

	var resp protocol.Response
	switch req.Action {
	case protocol.ActionAnalyze:
		resp = r.analyze(ctx, req)
	case protocol.ActionGenerate:
		resp = r.generate(ctx, req)
	case protocol.ActionRefine:
		resp = r.refine(ctx, req)
	case protocol.ActionSummarize:
		resp = r.summarize(ctx, req)
	default:
		return protocol.Fail(protocol.ErrCodeUnknownAction, "unknown action: "+string(req.Action))
	}

	if resp.Success {
		r.recordUsage(&resp)
	}
	return resp
}

func (r *Router) analyze(ctx context.Context, req protocol.Request) protocol.Response {
	raw, err := r.gw.Invoke(ctx, gateway.InvokeRequest{
		Prompt:     buildAnalyzePrompt(req.Text),
		Image:      req.Image,
		JSONOutput: true,
	})
	if err != nil {
		return failFromError(err)
	}
	// Malformed model output is absorbed, never surfaced as a failure.
	return protocol.OKAnalysis(decodeAnalysis(raw))
}

func (r *Router) generate(ctx context.Context, req protocol.Request) protocol.Response {
	out, err := r.gw.Invoke(ctx, gateway.InvokeRequest{
		Prompt: buildGeneratePrompt(req.Text, req.Context),
		Image:  req.Image,
	})
	if err != nil {
		return failFromError(err)
	}
	return protocol.OK(strings.TrimSpace(out))
}

func (r *Router) refine(ctx context.Context, req protocol.Request) protocol.Response {
	out, err := r.gw.Invoke(ctx, gateway.InvokeRequest{
		Prompt: buildRefinePrompt(req.Text, req.Tone),
	})
	if err != nil {
		return failFromError(err)
	}
	return protocol.OK(strings.TrimSpace(out))
}

// summarize prefers the backend's dedicated capability and falls back to a
// generic prompt. Both paths produce the same envelope; callers cannot tell
// which one served them.
func (r *Router) summarize(ctx context.Context, req protocol.Request) protocol.Response {
	out, handled, err := r.gw.Summarize(ctx, req.Text)
	if err != nil {
		return failFromError(err)
	}
	if !handled {
		out, err = r.gw.Invoke(ctx, gateway.InvokeRequest{
			Prompt: buildSummarizePrompt(req.Text),
		})
		if err != nil {
			return failFromError(err)
		}
	}
	return protocol.OK(strings.TrimSpace(out))
}

// recordUsage bumps the daily counter after successful remote calls and
// attaches the soft-limit advisory. Counting failures are logged, never
// surfaced: usage tracking must not break a good response.
func (r *Router) recordUsage(resp *protocol.Response) {
	active := r.gw.Active()
	if active == nil || active.Kind() != gateway.KindRemote {
		return
	}

	usage, err := r.store.RecordUsage(time.Now())
	if err != nil {
		log.Printf("USAGE_RECORD_FAILED | err=%v", err)
		return
	}
	if r.softLimit > 0 && usage.Count > r.softLimit {
		log.Printf("USAGE_SOFT_LIMIT | count=%d limit=%d", usage.Count, r.softLimit)
		resp.Advisory = "daily remote usage is above the configured soft limit"
	}
}

// ============================================================================
// CONTROL OPERATIONS
// ============================================================================

// handleInit is the user-gesture path: it may trigger the model download.
func (r *Router) handleInit(ctx context.Context) protocol.Response {
	if r.gw.DetectBackend(ctx) == nil {
		return protocol.Fail(protocol.ErrCodeNotAvailable, "no AI backend is available")
	}
	if err := r.gw.EnsureReady(ctx, true); err != nil {
		return failFromError(err)
	}
	return r.handleStatus()
}

func (r *Router) handleStatus() protocol.Response {
	data, err := json.Marshal(r.gw.Status())
	if err != nil {
		return protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "internal error")
	}
	return protocol.OKData(data)
}

// configView is what the extension sees of the daemon's configuration. The
// key itself never leaves the daemon.
type configView struct {
	HasAPIKey bool   `json:"hasApiKey"`
	ProxyURL  string `json:"proxyUrl"`
	State     string `json:"state"`
}

func (r *Router) handleGetConfig() protocol.Response {
	view := configView{
		HasAPIKey: r.store.GetOr(store.KeyAPIKey, "") != "",
		ProxyURL:  r.store.GetOr(store.KeyProxyURL, ""),
		State:     string(r.gw.Status().State),
	}
	data, err := json.Marshal(view)
	if err != nil {
		return protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "internal error")
	}
	return protocol.OKData(data)
}

func (r *Router) handleSaveAPIKey(apiKey string) protocol.Response {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		if err := r.store.Delete(store.KeyAPIKey); err != nil {
			return protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "failed to clear API key")
		}
	} else {
		sealed, err := r.box.Seal(apiKey)
		if err != nil {
			return protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "failed to seal API key")
		}
		if err := r.store.Set(store.KeyAPIKey, sealed); err != nil {
			return protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "failed to persist API key")
		}
	}

	log.Printf("API_KEY_SAVED | key=%s", secret.Fingerprint(apiKey))
	r.pushCredentials()
	return protocol.Response{Success: true}
}

func (r *Router) handleSetProxyURL(proxyURL string) protocol.Response {
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL != "" && !strings.HasPrefix(proxyURL, "http://") && !strings.HasPrefix(proxyURL, "https://") {
		return protocol.Fail(protocol.ErrCodeUnknownAction, "proxy URL must be http or https")
	}

	if proxyURL == "" {
		if err := r.store.Delete(store.KeyProxyURL); err != nil {
			return protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "failed to clear proxy URL")
		}
	} else if err := r.store.Set(store.KeyProxyURL, proxyURL); err != nil {
		return protocol.Fail(protocol.ErrCodeRuntimeUnavailable, "failed to persist proxy URL")
	}

	log.Printf("PROXY_URL_SAVED | proxy=%s", util.Truncate(proxyURL, 64))
	r.pushCredentials()
	return protocol.Response{Success: true}
}

// pushCredentials rereads the stored credentials, hands them to the remote
// client, and resets the gateway so the next request probes availability
// with the new configuration.
func (r *Router) pushCredentials() {
	if r.creds != nil {
		apiKey := ""
		if sealed := r.store.GetOr(store.KeyAPIKey, ""); sealed != "" {
			var err error
			apiKey, err = r.box.Unseal(sealed)
			if err != nil {
				log.Printf("API_KEY_UNSEAL_FAILED | err=%v", err)
			}
		}
		r.creds.SetCredentials(apiKey, r.store.GetOr(store.KeyProxyURL, ""))
	}
	r.gw.Reset()
}

// ============================================================================
// DECODING AND ERROR MAPPING
// ============================================================================

// decodeAnalysis leniently parses the model's analyze output: code fences
// and surrounding prose are stripped, missing fields are filled from the
// neutral default, and anything unparseable becomes the neutral default.
func decodeAnalysis(raw string) protocol.Analysis {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return protocol.NeutralAnalysis()
	}

	var a protocol.Analysis
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &a); err != nil {
		return protocol.NeutralAnalysis()
	}

	neutral := protocol.NeutralAnalysis()
	if a.Emotion == "" {
		a.Emotion = neutral.Emotion
	}
	if a.Intent == "" {
		a.Intent = neutral.Intent
	}
	if a.SuggestedAction == "" {
		a.SuggestedAction = neutral.SuggestedAction
	}
	return a
}

// failFromError maps internal errors to the stable error codes.
func failFromError(err error) protocol.Response {
	var upErr *gateway.UpstreamError
	switch {
	case errors.Is(err, gateway.ErrNotAvailable), errors.Is(err, gemini.ErrNoCredentials):
		return protocol.Fail(protocol.ErrCodeNotAvailable, "no AI backend is available")
	case errors.Is(err, gateway.ErrUserGestureRequired):
		return protocol.Fail(protocol.ErrCodeUserGestureRequired, "the on-device model must be downloaded first")
	case errors.Is(err, gateway.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return protocol.Fail(protocol.ErrCodeTimeout, "the operation timed out")
	case errors.Is(err, gateway.ErrNotReady):
		return protocol.Fail(protocol.ErrCodeNotAvailable, "no AI backend is ready")
	case errors.As(err, &upErr):
		return protocol.Fail(protocol.ErrCodeUpstreamError, upErr.Error())
	default:
		return protocol.Fail(protocol.ErrCodeUpstreamError, err.Error())
	}
}
