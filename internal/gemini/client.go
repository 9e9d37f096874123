// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gemini provides the HTTP client for the Gemini generateContent API
// and the remote model backend built on it. Requests go either directly to
// the API with the user's key or through a user-operated proxy that holds
// the key server-side.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/smartreply/internal/gateway"
	"github.com/jeranaias/smartreply/internal/secret"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultEndpoint is the generateContent API base.
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultMaxRetries bounds attempts against transient upstream failures.
	DefaultMaxRetries = 3

	// retryBaseDelay and retryMaxDelay shape the exponential backoff.
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// maxResponseSize caps upstream response reads (memory exhaustion guard).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBody caps the upstream body carried inside error values.
	maxErrorBody = 512
)

var (
	// ErrNoCredentials means neither an API key nor a proxy URL is set.
	ErrNoCredentials = errors.New("no API key or proxy URL configured")
	// ErrEmptyResponse means the upstream answered 200 with no usable text.
	ErrEmptyResponse = errors.New("upstream returned no text")
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the Gemini client.
type ClientConfig struct {
	// Endpoint is the generateContent API base URL.
	Endpoint string
	// Model is the remote model identifier.
	Model string
	// APIKey authenticates direct API calls.
	APIKey string
	// ProxyURL, when set, wins over the key: calls go to the proxy instead.
	ProxyURL string
	// Timeout bounds one attempt (default: 60s).
	Timeout time.Duration
	// MaxRetries bounds attempts on 429/5xx (default: 3).
	MaxRetries int
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Gemini API. Credentials may be
// swapped at runtime (the extension saves a new key without a daemon
// restart); everything else is immutable after construction.
type Client struct {
	endpoint   string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client

	mu       sync.RWMutex
	apiKey   string
	proxyURL string
}

// NewClient creates a new Gemini client, filling defaults for zero values.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := config.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		model:      model,
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     config.APIKey,
		proxyURL:   config.ProxyURL,
	}
}

// SetCredentials swaps the API key and proxy URL at runtime.
func (c *Client) SetCredentials(apiKey, proxyURL string) {
	c.mu.Lock()
	c.apiKey = apiKey
	c.proxyURL = proxyURL
	c.mu.Unlock()
	log.Printf("GEMINI_CREDENTIALS_SET | key=%s proxy=%v", secret.Fingerprint(apiKey), proxyURL != "")
}

// credentials returns the current key and proxy URL.
func (c *Client) credentials() (apiKey, proxyURL string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey, c.proxyURL
}

// Configured reports whether the client can reach an upstream at all.
func (c *Client) Configured() bool {
	apiKey, proxyURL := c.credentials()
	return apiKey != "" || proxyURL != ""
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// generateContentRequest is the direct API request body.
type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

// generateContentResponse is decoded defensively: candidates are the
// documented location, but proxies often flatten to a bare text field.
type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Text    string `json:"text"`
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

// proxyRequest is the body sent to a user-operated proxy.
type proxyRequest struct {
	Prompt           string            `json:"prompt"`
	Model            string            `json:"model"`
	Image            string            `json:"image,omitempty"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

// =============================================================================
// GENERATE
// =============================================================================

// Generate runs one prompt against the remote model, retrying transient
// upstream failures with exponential backoff.
func (c *Client) Generate(ctx context.Context, req gateway.InvokeRequest) (string, error) {
	apiKey, proxyURL := c.credentials()
	if apiKey == "" && proxyURL == "" {
		return "", ErrNoCredentials
	}

	url, body, err := c.buildRequest(req, apiKey, proxyURL)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt)
			log.Printf("GEMINI_RETRY | attempt=%d delay=%s", attempt+1, delay)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		text, retryable, err := c.doRequest(ctx, url, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

// buildRequest renders the request for whichever upstream is configured.
func (c *Client) buildRequest(req gateway.InvokeRequest, apiKey, proxyURL string) (url string, body []byte, err error) {
	genCfg := &generationConfig{Temperature: 0.7, MaxOutputTokens: 1024}
	if req.JSONOutput {
		genCfg.ResponseMimeType = "application/json"
	}

	if proxyURL != "" {
		body, err = json.Marshal(proxyRequest{
			Prompt:           req.Prompt,
			Model:            c.model,
			Image:            req.Image,
			GenerationConfig: genCfg,
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode proxy request: %w", err)
		}
		return proxyURL, body, nil
	}

	parts := []part{{Text: req.Prompt}}
	if req.Image != "" {
		if inline, ok := decodeDataURL(req.Image); ok {
			parts = append(parts, part{InlineData: inline})
		}
	}
	body, err = json.Marshal(generateContentRequest{
		Contents:         []content{{Parts: parts}},
		GenerationConfig: genCfg,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode request: %w", err)
	}
	url = fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.endpoint, c.model, apiKey)
	return url, body, nil
}

// doRequest performs one attempt. retryable marks failures worth another
// attempt (429, 5xx, transport errors).
func (c *Client) doRequest(ctx context.Context, url string, body []byte) (text string, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, &gateway.UpstreamError{Body: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", true, &gateway.UpstreamError{Status: resp.StatusCode, Body: "failed to read response body"}
	}

	if resp.StatusCode != http.StatusOK {
		upErr := &gateway.UpstreamError{
			Status: resp.StatusCode,
			Body:   truncate(string(raw), maxErrorBody),
		}
		retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", retryable, upErr
	}

	text, err = extractText(raw)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

// extractText pulls model text out of a 200 response, trying the documented
// candidates path first and proxy-style flat fields second.
func extractText(raw []byte) (string, error) {
	var resp generateContentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &gateway.UpstreamError{Status: http.StatusOK, Body: "unparseable response body"}
	}

	if resp.Success != nil && !*resp.Success {
		return "", &gateway.UpstreamError{Status: http.StatusOK, Body: truncate(resp.Error, maxErrorBody)}
	}

	if len(resp.Candidates) > 0 {
		var sb strings.Builder
		for _, p := range resp.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}
	if resp.Text != "" {
		return resp.Text, nil
	}
	return "", ErrEmptyResponse
}

// decodeDataURL splits a data URL into the inline-data part the API wants.
// The payload stays base64; only the header is parsed.
func decodeDataURL(dataURL string) (*inlineData, bool) {
	const prefix = "data:"
	if !strings.HasPrefix(dataURL, prefix) {
		return nil, false
	}
	rest := dataURL[len(prefix):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return nil, false
	}
	mime := rest[:sep]
	data := rest[sep+len(";base64,"):]
	if mime == "" || data == "" {
		return nil, false
	}
	return &inlineData{MimeType: mime, Data: data}, true
}

func calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: 500ms, 1000ms, 2000ms, etc.
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
