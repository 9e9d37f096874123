// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the message envelope exchanged between the
// extension content script and the daemon: the operation request, the
// operation response, the closed action set, and the error codes the UI
// layer branches on.
package protocol

import "encoding/json"

// ============================================================================
// ACTIONS
// ============================================================================

// Action identifies one operation the daemon can perform.
type Action string

const (
	// AI operations.
	ActionAnalyze   Action = "analyze"
	ActionGenerate  Action = "generate"
	ActionRefine    Action = "refine"
	ActionSummarize Action = "summarize"

	// Control operations.
	ActionInitBuiltinAI    Action = "initBuiltinAI"
	ActionGetBuiltinStatus Action = "getBuiltinStatus"
	ActionGetConfig        Action = "getConfig"
	ActionSaveAPIKey       Action = "saveApiKey"
	ActionSetProxyURL      Action = "setProxyUrl"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAnalyze, ActionGenerate, ActionRefine, ActionSummarize,
		ActionInitBuiltinAI, ActionGetBuiltinStatus, ActionGetConfig,
		ActionSaveAPIKey, ActionSetProxyURL:
		return true
	}
	return false
}

// ============================================================================
// ERROR CODES
// ============================================================================

// ErrorCode is the stable, machine-readable failure classification. The
// extension UI branches on these strings, so they never change.
type ErrorCode string

const (
	ErrCodeNotAvailable        ErrorCode = "NOT_AVAILABLE"
	ErrCodeUserGestureRequired ErrorCode = "USER_GESTURE_REQUIRED"
	ErrCodeRuntimeUnavailable  ErrorCode = "RUNTIME_UNAVAILABLE"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrCodeUnknownAction       ErrorCode = "UNKNOWN_ACTION"
)

// ============================================================================
// ANALYSIS
// ============================================================================

// Analysis is the structured read of a message produced by the analyze
// action and consumed as context by generate.
type Analysis struct {
	Emotion         string `json:"emotion"`
	Intent          string `json:"intent"`
	SuggestedAction string `json:"suggestedAction"`
}

// NeutralAnalysis is the defensive default used when the model's analyze
// output cannot be decoded.
func NeutralAnalysis() Analysis {
	return Analysis{
		Emotion:         "Neutral",
		Intent:          "Statement",
		SuggestedAction: "Generate Reply",
	}
}

// ============================================================================
// REQUEST / RESPONSE
// ============================================================================

// Request is one operation request from the extension.
type Request struct {
	Action Action `json:"action"`

	// Text is the message or page content the operation works on.
	Text string `json:"text,omitempty"`

	// Context carries a prior analysis into generate.
	Context *Analysis `json:"context,omitempty"`

	// Tone selects the rewrite style for refine.
	Tone string `json:"tone,omitempty"`

	// Image is an optional data URL attached to analyze/generate.
	Image string `json:"image,omitempty"`

	// Control payloads.
	APIKey   string `json:"apiKey,omitempty"`
	ProxyURL string `json:"proxyUrl,omitempty"`
}

// Response is the single reply every request receives. Success carries the
// result; failure carries a code plus a human-readable message.
type Response struct {
	Success bool `json:"success"`

	// Result payloads (success only).
	Text     string          `json:"text,omitempty"`
	Analysis *Analysis       `json:"analysis,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	// Failure payload.
	Error   ErrorCode `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`

	// Advisory is set (never blocking) when the daily remote-usage soft
	// limit has been crossed.
	Advisory string `json:"advisory,omitempty"`
}

// OK builds a success response carrying text.
func OK(text string) Response {
	return Response{Success: true, Text: text}
}

// OKAnalysis builds a success response carrying an analysis.
func OKAnalysis(a Analysis) Response {
	return Response{Success: true, Analysis: &a}
}

// OKData builds a success response carrying a pre-encoded JSON payload.
func OKData(data json.RawMessage) Response {
	return Response{Success: true, Data: data}
}

// Fail builds a failure response.
func Fail(code ErrorCode, message string) Response {
	return Response{Success: false, Error: code, Message: message}
}
