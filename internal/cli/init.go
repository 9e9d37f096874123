// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/smartreply/internal/gateway"
	"github.com/jeranaias/smartreply/internal/tui"
)

// runInitView drives the interactive initialization TUI and reports the
// outcome on plain stdout for scripts that pipe it.
func runInitView(ctx context.Context, app *App) error {
	if app.Gateway.DetectBackend(ctx) == nil {
		return errors.New("no AI backend available: start a local Ollama server or run 'smartreply setup'")
	}

	if err := tui.RunInit(ctx, app.Gateway); err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("initialization canceled")
		}
		return err
	}

	status := app.Gateway.Status()
	if status.State != gateway.StateReady {
		return fmt.Errorf("initialization ended in state %s", status.State)
	}
	fmt.Printf("backend ready: %s\n", status.Backend)
	return nil
}
