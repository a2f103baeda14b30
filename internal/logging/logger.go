// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// maxLogFileBytes bounds how large a server/client log file grows before
// NewLogger rotates it aside on the next startup. Connections log
// continuously for as long as the process runs, so unlike the per-connection
// session logs (see session_logger.go) there is no natural per-request
// boundary to prune on; size is the only signal available.
const maxLogFileBytes = 100 * 1024 * 1024

// NewLogger builds a slog.Logger configured with the given level, format and output.
// Supported formats: "json" (default) and "text".
// Supported levels: "debug", "info" (default), "warn", "error".
// If filePath is non-empty, logs go to stdout + file (MultiWriter), rotating
// the existing file aside first if it has grown past maxLogFileBytes.
// Returns the logger and an io.Closer that must be called on shutdown to close the file.
// If filePath is empty, the returned Closer is a no-op.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		rotateIfOversize(filePath)

		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			// Can't open the file: fall back to stderr and keep going with stdout only.
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

// rotateIfOversize renames path aside with a timestamp suffix if it already
// exists and exceeds maxLogFileBytes, so NewLogger's O_APPEND open starts a
// fresh file instead of growing the existing one without bound. A stat or
// rename failure is logged to stderr and otherwise ignored — falling behind
// on rotation is not a reason to refuse to start logging.
func rotateIfOversize(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() < maxLogFileBytes {
		return
	}
	rotated := fmt.Sprintf("%s.%s", path, time.Now().Format("20060102T150405"))
	if err := os.Rename(path, rotated); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: could not rotate oversized log file %q: %v\n", path, err)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
