// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// maxSessionLogsPerUser caps how many per-connection log files accumulate
// under sessionLogDir/<username> before NewSessionLogger prunes the oldest.
// A long-lived sync client reconnects indefinitely, and unlike a finished
// backup run a sync connection's log is never archived elsewhere, so without
// a cap the directory would grow one file per reconnect forever.
const maxSessionLogsPerUser = 20

// fanOutHandler is a slog.Handler that dispatches each record to two handlers.
// Used by NewSessionLogger to write simultaneously to the global handler and
// a connection's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() individually before dispatching, so a
	// DEBUG record isn't sent to a primary handler that only accepts INFO+.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the connection log must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewSessionLogger builds a logger that writes to both the base (global)
// logger and a file dedicated to one client connection. The file is created
// at:
//
//	{sessionLogDir}/{username}/{connectionID}.log
//
// Returns the enriched logger, an io.Closer for the connection log file, and
// the path of the file created (absolute only if sessionLogDir is). The Closer MUST be called (defer)
// when the connection ends.
//
// If sessionLogDir is empty, returns the base logger unmodified (no-op).
func NewSessionLogger(baseLogger *slog.Logger, sessionLogDir, username, connectionID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(sessionLogDir, username)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating session log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, connectionID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening session log file %s: %w", logPath, err)
	}

	pruneSessionLogs(dir, maxSessionLogsPerUser)

	// The connection log always uses JSON at DEBUG level for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan out to the base logger's handler plus the file handler.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// pruneSessionLogs keeps at most keep of dir's newest *.log files, removing
// the rest oldest-first by modification time. dir is one user's session log
// directory, so this runs per user rather than globally. Errors listing or
// removing entries are silently ignored: a failed prune just means the
// directory grows a little more, not a reason to fail the new connection.
func pruneSessionLogs(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type logFile struct {
		name    string
		modTime int64
	}
	var logs []logFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logFile{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	if len(logs) <= keep {
		return
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].modTime < logs[j].modTime })
	for _, lf := range logs[:len(logs)-keep] {
		os.Remove(filepath.Join(dir, lf.name))
	}
}

// RemoveSessionLog removes the log file of a connection that ended cleanly.
// No-op if sessionLogDir is empty or the file doesn't exist.
func RemoveSessionLog(sessionLogDir, username, connectionID string) {
	if sessionLogDir == "" {
		return
	}
	logPath := filepath.Join(sessionLogDir, username, connectionID+".log")
	os.Remove(logPath)
}
