// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriter commits a file by writing to a temp name and renaming into
// place, so a failed or partial upload never leaves a half-written file
// visible to a concurrent listing (§4.2, §3's "no half-file" invariant).
type AtomicWriter struct {
	dir       string
	finalPath string
	f         *os.File
	tmpPath   string
}

// NewAtomicWriter opens a temp file inside dir for the eventual final name.
// The temp name starts with "." so the client's change watcher, which
// ignores hidden files, never reports it as a local change.
func NewAtomicWriter(dir, name string) (*AtomicWriter, error) {
	f, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &AtomicWriter{
		dir:       dir,
		finalPath: filepath.Join(dir, name),
		f:         f,
		tmpPath:   f.Name(),
	}, nil
}

// Write implements io.Writer, appending to the temp file.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit closes the temp file and renames it over the final name.
func (w *AtomicWriter) Commit() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("renaming temp to final: %w", err)
	}
	return nil
}

// Abort closes and removes the temp file, leaving the prior final file (if
// any) untouched.
func (w *AtomicWriter) Abort() error {
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}
