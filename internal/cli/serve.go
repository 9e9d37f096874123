// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/smartreply/internal/config"
	"github.com/jeranaias/smartreply/internal/server"
)

// shutdownGrace bounds the drain of in-flight requests on shutdown.
const shutdownGrace = 10 * time.Second

// runServe runs the daemon until SIGINT/SIGTERM.
func runServe(args Args) error {
	app, err := buildApp(args)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := server.New(server.Config{
		Host:            app.Config.Listen.Host,
		Port:            app.Config.Listen.Port,
		BearerToken:     app.Config.Listen.BearerToken,
		RateLimitPerMin: app.Config.Listen.RateLimitPerMin,
	}, app.Router, app.Gateway)

	// Live-reload credential edits so saving a key in the config file takes
	// effect without a restart.
	watcher, err := config.NewWatcher(app.ConfigPath, app.applyConfig)
	if err != nil {
		log.Printf("CONFIG_WATCH_UNAVAILABLE | err=%v", err)
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("SERVER_SIGNAL | sig=%s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(ctx)
}
