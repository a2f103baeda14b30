// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/syncd/internal/archive"
	"github.com/nishisan-dev/syncd/internal/config"
	"github.com/nishisan-dev/syncd/internal/logging"
	"github.com/nishisan-dev/syncd/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/syncd/server.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archiver := startArchiver(ctx, *cfg, logger)

	srv := server.New(server.Config{
		ListenAddr:        cfg.Server.Listen,
		StorageRoot:       cfg.Storage.Root,
		FanoutWorkers:     cfg.Fanout.Workers,
		FanoutBytesPerSec: int(cfg.Fanout.BandwidthLimitRaw),
		SessionLogDir:     cfg.Logging.SessionLogDir,
	}, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			cancel()
			if archiver != nil {
				archiver.Stop(context.Background())
			}
			if err != nil {
				logger.Error("server error", "error", err)
				os.Exit(1)
			}
			return

		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, reloading config", "path", *configPath)
				newCfg, loadErr := config.LoadServerConfig(*configPath)
				if loadErr != nil {
					logger.Error("reload failed, keeping current config", "error", loadErr)
					continue
				}

				if archiver != nil {
					stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
					archiver.Stop(stopCtx)
					stopCancel()
				}
				archiver = startArchiver(ctx, *newCfg, logger)

				srv.ReloadFanoutLimits(newCfg.Fanout.Workers, int(newCfg.Fanout.BandwidthLimitRaw))

				cfg = newCfg
				logger.Info("config reloaded successfully", "listen", cfg.Server.Listen)
				continue
			}

			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			<-serveErr
			if archiver != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
				archiver.Stop(stopCtx)
				stopCancel()
			}
			return
		}
	}
}

// startArchiver configures and starts the background archiver when enabled,
// logging and returning nil on failure rather than aborting the process — a
// misconfigured archiver should not take down an otherwise healthy server,
// and SIGHUP reload needs to be able to retry it.
func startArchiver(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) *archive.Archiver {
	if !cfg.Archive.Enabled {
		return nil
	}
	a, err := archive.New(ctx, cfg.Archive, cfg.Storage.Root, logger)
	if err != nil {
		logger.Error("configuring archiver failed", "error", err)
		return nil
	}
	if err := a.Start(); err != nil {
		logger.Error("starting archiver failed", "error", err)
		return nil
	}
	return a
}
