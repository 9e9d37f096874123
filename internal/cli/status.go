// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/smartreply/internal/gateway"
	"github.com/jeranaias/smartreply/internal/store"
)

// runInit performs the interactive initialization (the user-gesture path).
func runInit(args Args) error {
	app, err := buildApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	return runInitView(context.Background(), app)
}

// runStatus prints backend availability, session state, and today's usage.
func runStatus(args Args) error {
	app, err := buildApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Println(TitleStyle.Render("smartreply status"))

	backend := app.Gateway.DetectBackend(context.Background())
	switch {
	case backend == nil:
		fmt.Printf("%s %s\n", LabelStyle.Render("Backend:"), ErrorStyle.Render("none available"))
		fmt.Printf("%s %s\n", LabelStyle.Render("Hint:"),
			DimStyle.Render("run a local Ollama server or store an API key with 'smartreply setup'"))
	case backend.Kind() == gateway.KindOnDevice:
		fmt.Printf("%s %s\n", LabelStyle.Render("Backend:"), SuccessStyle.Render("on-device (Ollama)"))
		fmt.Printf("%s %s\n", LabelStyle.Render("Model:"), ValueStyle.Render(app.Config.OnDevice.Model))
	default:
		fmt.Printf("%s %s\n", LabelStyle.Render("Backend:"), SuccessStyle.Render("remote (Gemini)"))
		fmt.Printf("%s %s\n", LabelStyle.Render("Model:"), ValueStyle.Render(app.Config.Remote.Model))
	}

	status := app.Gateway.Status()
	fmt.Printf("%s %s\n", LabelStyle.Render("Session:"), ValueStyle.Render(string(status.State)))
	if hint := app.Store.GetOr(store.KeyAvailabilityHint, ""); hint != "" {
		fmt.Printf("%s %s\n", LabelStyle.Render("Last known:"), DimStyle.Render(hint))
	}

	usage, err := app.Store.UsageOn(time.Now())
	if err != nil {
		return err
	}
	usageLine := fmt.Sprintf("%d remote calls today", usage.Count)
	if limit := app.Config.Limits.DailySoftLimit; limit > 0 {
		usageLine = fmt.Sprintf("%s (soft limit %d)", usageLine, limit)
		if usage.Count > limit {
			fmt.Printf("%s %s\n", LabelStyle.Render("Usage:"), WarningStyle.Render(usageLine))
			return nil
		}
	}
	fmt.Printf("%s %s\n", LabelStyle.Render("Usage:"), ValueStyle.Render(usageLine))
	return nil
}
