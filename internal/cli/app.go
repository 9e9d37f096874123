// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"log"
	"path/filepath"
	"time"

	"github.com/jeranaias/smartreply/internal/config"
	"github.com/jeranaias/smartreply/internal/gateway"
	"github.com/jeranaias/smartreply/internal/gemini"
	"github.com/jeranaias/smartreply/internal/ollama"
	"github.com/jeranaias/smartreply/internal/router"
	"github.com/jeranaias/smartreply/internal/secret"
	"github.com/jeranaias/smartreply/internal/store"
)

// App bundles the wired-up daemon components shared by the commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Store      *store.Store
	Box        *secret.Box
	Gemini     *gemini.Client
	Gateway    *gateway.Gateway
	Router     *router.Router
}

// buildApp loads configuration and wires the backends, gateway, and router.
func buildApp(args Args) (*App, error) {
	configPath := args.ConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.Path()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}

	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, err
	}

	box, err := secret.Open(filepath.Join(dir, "secret.key"))
	if err != nil {
		st.Close()
		return nil, err
	}

	geminiClient := gemini.NewClient(&gemini.ClientConfig{
		Endpoint: cfg.Remote.Endpoint,
		Model:    cfg.Remote.Model,
		Timeout:  time.Duration(cfg.Limits.InvokeTimeoutSecs) * time.Second,
	})
	apiKey, proxyURL := effectiveCredentials(cfg, st, box)
	geminiClient.SetCredentials(apiKey, proxyURL)

	var backends []gateway.Backend
	if !cfg.OnDevice.Disabled {
		backends = append(backends, ollama.NewBackend(ollama.NewClient(&ollama.ClientConfig{
			BaseURL: cfg.OnDevice.OllamaURL,
			Model:   cfg.OnDevice.Model,
			Timeout: time.Duration(cfg.Limits.InvokeTimeoutSecs) * time.Second,
		})))
	}
	backends = append(backends, gemini.NewBackend(geminiClient))

	gw := gateway.New(backends,
		gateway.WithInitTimeout(time.Duration(cfg.Limits.InitTimeoutSecs)*time.Second),
		gateway.WithInvokeTimeout(time.Duration(cfg.Limits.InvokeTimeoutSecs)*time.Second),
		gateway.WithHintSink(func(state gateway.State) {
			if err := st.Set(store.KeyAvailabilityHint, string(state)); err != nil {
				log.Printf("HINT_PERSIST_FAILED | err=%v", err)
			}
		}),
	)

	rt := router.New(gw, st, box, geminiClient, cfg.Limits.DailySoftLimit)

	return &App{
		Config:     cfg,
		ConfigPath: configPath,
		Store:      st,
		Box:        box,
		Gemini:     geminiClient,
		Gateway:    gw,
		Router:     rt,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
}

// effectiveCredentials resolves the remote credentials: config file and env
// win over the values saved through the extension.
func effectiveCredentials(cfg *config.Config, st *store.Store, box *secret.Box) (apiKey, proxyURL string) {
	apiKey = cfg.Remote.APIKey
	if apiKey == "" {
		if sealed := st.GetOr(store.KeyAPIKey, ""); sealed != "" {
			plain, err := box.Unseal(sealed)
			if err != nil {
				log.Printf("API_KEY_UNSEAL_FAILED | err=%v", err)
			} else {
				apiKey = plain
			}
		}
	}

	proxyURL = cfg.Remote.ProxyURL
	if proxyURL == "" {
		proxyURL = st.GetOr(store.KeyProxyURL, "")
	}
	return apiKey, proxyURL
}

// applyConfig pushes a reloaded config's credentials into the running app.
func (a *App) applyConfig(cfg *config.Config) {
	a.Config = cfg
	apiKey, proxyURL := effectiveCredentials(cfg, a.Store, a.Box)
	a.Gemini.SetCredentials(apiKey, proxyURL)
	a.Gateway.Reset()
}
