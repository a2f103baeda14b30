// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store implements the flat, per-user local store of §4.2: the
// server's canonical `<root>/<user>/sync_dir/` mirror and, with the same
// operations, a client's local sync directory.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/syncd/internal/protocol"
)

// Store is a flat directory of files, never recursing into subdirectories.
type Store struct {
	dir string
}

// New wraps an existing directory. The directory is not created here; call
// EnsureDir for that (server side, per user) or create the client sync dir
// at startup.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// EnsureDir creates the store's directory if missing.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ensuring store directory %s: %w", s.dir, err)
	}
	return nil
}

// List returns metadata for every regular file directly under the store's
// directory. It never recurses.
func (s *Store) List() ([]protocol.FileStat, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing store directory %s: %w", s.dir, err)
	}

	var files []protocol.FileStat
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Omit unreadable entries rather than fail the whole listing (§7).
			continue
		}
		files = append(files, protocol.FileStat{
			Name:  e.Name(),
			Size:  info.Size(),
			Mtime: info.ModTime(),
			Atime: accessTime(info),
			Ctime: changeTime(info),
		})
	}
	return files, nil
}

// Stat returns metadata for a single file, or an error if it is absent.
func (s *Store) Stat(name string) (protocol.FileStat, error) {
	if err := ValidateName(name, "filename"); err != nil {
		return protocol.FileStat{}, fmt.Errorf("%w: %s", protocol.ErrBadFilename, err)
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return protocol.FileStat{}, fmt.Errorf("stat %s: %w", name, err)
	}
	return protocol.FileStat{
		Name:  name,
		Size:  info.Size(),
		Mtime: info.ModTime(),
		Atime: accessTime(info),
		Ctime: changeTime(info),
	}, nil
}

// OpenRead opens name for reading. It fails if the file is absent.
func (s *Store) OpenRead(name string) (*os.File, error) {
	if err := ValidateName(name, "filename"); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadFilename, err)
	}
	path := filepath.Join(s.dir, name)
	if err := ValidatePathInBaseDir(s.dir, path); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadFilename, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s for read: %w", name, err)
	}
	return f, nil
}

// OpenWrite opens an AtomicWriter for name: truncate-or-create semantics via
// temp-file-then-rename, so the file is only visible to List once the full
// byte stream has committed (§4.2).
func (s *Store) OpenWrite(name string) (*AtomicWriter, error) {
	if err := ValidateName(name, "filename"); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadFilename, err)
	}
	path := filepath.Join(s.dir, name)
	if err := ValidatePathInBaseDir(s.dir, path); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadFilename, err)
	}
	w, err := NewAtomicWriter(s.dir, name)
	if err != nil {
		return nil, fmt.Errorf("opening %s for write: %w", name, err)
	}
	return w, nil
}

// Delete removes name. An absent file is not an error (§4.2).
func (s *Store) Delete(name string) error {
	if err := ValidateName(name, "filename"); err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrBadFilename, err)
	}
	path := filepath.Join(s.dir, name)
	if err := ValidatePathInBaseDir(s.dir, path); err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrBadFilename, err)
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}
