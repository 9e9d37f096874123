// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gemini

import (
	"context"

	"github.com/jeranaias/smartreply/internal/gateway"
)

// Backend adapts the Gemini client to the gateway's backend interface. It is
// the remote fallback: always ready once credentials exist, no downloads, no
// dedicated summarizer (callers use the generic prompt path).
type Backend struct {
	client *Client
}

// NewBackend builds the remote backend.
func NewBackend(client *Client) *Backend {
	return &Backend{client: client}
}

// Kind identifies this as the remote backend.
func (b *Backend) Kind() gateway.BackendKind {
	return gateway.KindRemote
}

// Detect is a pure configuration check; no network round trip.
func (b *Backend) Detect(ctx context.Context) bool {
	return b.client.Configured()
}

// EnsureReady is immediate: a remote model needs no local initialization.
func (b *Backend) EnsureReady(ctx context.Context, interactive bool, progress func(pct int, message string)) error {
	if !b.client.Configured() {
		return gateway.ErrNotAvailable
	}
	return nil
}

// Invoke runs one prompt, forwarding any image as an inline part.
func (b *Backend) Invoke(ctx context.Context, req gateway.InvokeRequest) (string, error) {
	return b.client.Generate(ctx, req)
}
