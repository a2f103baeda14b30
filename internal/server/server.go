// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/syncd/internal/protocol"
	"github.com/nishisan-dev/syncd/internal/session"
)

// Config configures one server instance.
type Config struct {
	ListenAddr  string
	StorageRoot string
	// FanoutWorkers sizes the fan-out push pool.
	FanoutWorkers int
	// FanoutBytesPerSec feeds the shared fan-out limiter, which charges a
	// fixed 4096 tokens per peer push (see NewFanout); 0 disables.
	FanoutBytesPerSec int
	// SessionLogDir, when non-empty, makes every connection also write a
	// dedicated DEBUG-level log file under SessionLogDir/<user>/<connID>.log.
	SessionLogDir string
}

// Server accepts connections and drives one protocol engine per connection.
type Server struct {
	cfg      Config
	registry *session.Registry
	fanout   *Fanout
	health   *HealthMonitor
	log      *slog.Logger
}

// New constructs a Server. It does not start listening.
func New(cfg Config, log *slog.Logger) *Server {
	registry := session.NewRegistry()
	return &Server{
		cfg:      cfg,
		registry: registry,
		fanout:   NewFanout(registry, cfg.FanoutWorkers, cfg.FanoutBytesPerSec, log),
		health:   NewHealthMonitor(cfg.StorageRoot, log),
		log:      log,
	}
}

// Run listens on cfg.ListenAddr and serves connections until ctx is
// cancelled, at which point the listener is closed and Run returns.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	s.log.Info("server listening", "addr", s.cfg.ListenAddr)

	s.health.Start()
	defer s.health.Stop()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if max := time.Second; backoff > max {
				backoff = max
			}
			s.log.Warn("accept error, backing off", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	s.log.Debug("connection accepted", "remote", conn.RemoteAddr())
	t := protocol.NewTransport(conn)
	e := newEngine(t, s.registry, s.fanout, s.health, s.cfg.StorageRoot, s.cfg.SessionLogDir, s.log)
	e.run()
}

// ReloadFanoutLimits applies a reloaded config's fan-out settings to the
// running server, for the SIGHUP config-reload path. FanoutWorkers is not
// hot-reloadable (the worker semaphore is sized once at construction); a
// changed value is logged and otherwise ignored. FanoutBytesPerSec is
// applied immediately.
func (s *Server) ReloadFanoutLimits(workers, bytesPerSec int) {
	if workers > 0 && workers != s.cfg.FanoutWorkers {
		s.log.Warn("fanout.workers changed but requires a restart to take effect",
			"running", s.cfg.FanoutWorkers, "configured", workers)
	}
	s.cfg.FanoutBytesPerSec = bytesPerSec
	s.fanout.SetBandwidthLimit(bytesPerSec)
}

// Serve drives a single already-accepted connection through one protocol
// engine. Exported so callers that bind their own listener (tests, or an
// embedder that wants its own accept loop) can still reuse the engine Run
// builds internally.
func (s *Server) Serve(conn net.Conn) {
	s.serve(conn)
}
