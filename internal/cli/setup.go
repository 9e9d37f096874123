// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/jeranaias/smartreply/internal/secret"
	"github.com/jeranaias/smartreply/internal/store"
)

// runSetup is the first-run flow: store the Gemini API key (sealed) and an
// optional proxy URL.
func runSetup(args Args) error {
	app, err := buildApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Println(TitleStyle.Render("smartreply setup"))
	fmt.Println(DimStyle.Render("The API key is encrypted at rest and never leaves this machine."))
	fmt.Println(DimStyle.Render("Leave a field empty to keep its current value."))
	fmt.Println()

	// No-echo key entry.
	fmt.Print(LabelStyle.Render("Gemini API key:") + " ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}
	apiKey := strings.TrimSpace(string(keyBytes))

	if apiKey != "" {
		sealed, err := app.Box.Seal(apiKey)
		if err != nil {
			return fmt.Errorf("failed to seal API key: %w", err)
		}
		if err := app.Store.Set(store.KeyAPIKey, sealed); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", SuccessStyle.Render("✓ API key stored"),
			DimStyle.Render(secret.Fingerprint(apiKey)))
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print(LabelStyle.Render("Proxy URL (optional):") + " ")
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read proxy URL: %w", err)
	}
	proxyURL := strings.TrimSpace(line)

	if proxyURL != "" {
		if !strings.HasPrefix(proxyURL, "http://") && !strings.HasPrefix(proxyURL, "https://") {
			return fmt.Errorf("proxy URL must be http or https")
		}
		if err := app.Store.Set(store.KeyProxyURL, proxyURL); err != nil {
			return err
		}
		fmt.Println(SuccessStyle.Render("✓ proxy URL stored"))
	}

	if apiKey == "" && proxyURL == "" {
		fmt.Println(DimStyle.Render("nothing changed"))
		return nil
	}

	fmt.Println()
	fmt.Println(DimStyle.Render("Run 'smartreply serve' to start the daemon."))
	return nil
}
