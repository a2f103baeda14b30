// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/syncd/internal/client"
	"github.com/nishisan-dev/syncd/internal/config"
	"github.com/nishisan-dev/syncd/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/syncd/client.yaml", "path to client config file")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	sess, err := client.Dial(ctx, cfg.Server.Address, cfg.Client.User, cfg.Client.SyncDir, logger)
	if err != nil {
		logger.Error("connecting to server failed", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	// RunListener is the transport's sole reader for the rest of the
	// session's life; it must be running before Reconcile (or the CLI, or
	// the watcher) issues any request, since those now route their
	// responses through it rather than reading the transport directly.
	go sess.RunListener()
	go sess.RunEchoSweeper()

	if err := sess.Reconcile(); err != nil {
		logger.Error("initial reconciliation failed", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := sess.RunWatcher(); err != nil {
			logger.Error("change watcher stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		sess.Close()
	}()

	if err := sess.RunCLI(os.Stdin, os.Stdout); err != nil {
		logger.Error("command loop stopped", "error", err)
		os.Exit(1)
	}
}
