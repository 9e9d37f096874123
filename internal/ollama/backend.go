// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"log"

	"github.com/jeranaias/smartreply/internal/gateway"
)

// Backend adapts the Ollama client to the gateway's backend interface. It is
// the on-device path: private, free, and present only when the user runs a
// local Ollama server.
type Backend struct {
	client *Client
}

// NewBackend builds the on-device backend.
func NewBackend(client *Client) *Backend {
	return &Backend{client: client}
}

// Kind identifies this as the on-device backend.
func (b *Backend) Kind() gateway.BackendKind {
	return gateway.KindOnDevice
}

// Detect reports whether a local Ollama server answers the health probe.
// Bounded by the client's detect timeout, so it stays cheap per request.
func (b *Backend) Detect(ctx context.Context) bool {
	return b.client.CheckRunning(ctx) == nil
}

// EnsureReady makes the configured model usable. A missing model means a
// multi-gigabyte download, so it only proceeds when the call is interactive;
// otherwise the caller gets ErrUserGestureRequired and surfaces it to the
// user.
func (b *Backend) EnsureReady(ctx context.Context, interactive bool, progress func(pct int, message string)) error {
	exists, err := b.client.ModelExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if !interactive {
		log.Printf("OLLAMA_MODEL_MISSING | model=%s interactive=false", b.client.config.Model)
		return gateway.ErrUserGestureRequired
	}

	log.Printf("OLLAMA_PULL_START | model=%s", b.client.config.Model)
	if err := b.client.Pull(ctx, progress); err != nil {
		return err
	}
	log.Printf("OLLAMA_PULL_OK | model=%s", b.client.config.Model)
	return nil
}

// Invoke runs one prompt. Images are ignored: the on-device path is
// text-only.
func (b *Backend) Invoke(ctx context.Context, req gateway.InvokeRequest) (string, error) {
	return b.client.Generate(ctx, req.Prompt, req.JSONOutput)
}

// Summarize is the dedicated summarization capability. Ollama has no
// separate summarizer API, but the constrained local prompt counts as one:
// callers skip their generic fallback when this succeeds.
func (b *Backend) Summarize(ctx context.Context, text string) (string, error) {
	prompt := "Summarize the following text in 3-5 concise sentences. " +
		"Reply with the summary only.\n\n" + text
	return b.client.Generate(ctx, prompt, false)
}
