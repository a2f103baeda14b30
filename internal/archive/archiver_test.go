// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/syncd/internal/config"
)

func TestSweepArchivesStaleFilesOnly(t *testing.T) {
	root := t.TempDir()
	syncDir := filepath.Join(root, "alice", "sync_dir")
	if err := os.MkdirAll(syncDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	stalePath := filepath.Join(syncDir, "old.txt")
	freshPath := filepath.Join(syncDir, "new.txt")
	if err := os.WriteFile(stalePath, []byte("stale content"), 0o644); err != nil {
		t.Fatalf("writing stale file: %v", err)
	}
	if err := os.WriteFile(freshPath, []byte("fresh content"), 0o644); err != nil {
		t.Fatalf("writing fresh file: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cfg := config.ArchiveConfig{
		Dir:         filepath.Join(root, ".archive"),
		Compression: "zstd",
		StaleAfter:  24 * time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, root, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.Dir, "alice", "old.txt.zst")); err != nil {
		t.Errorf("expected old.txt to be archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Dir, "alice", "new.txt.zst")); !os.IsNotExist(err) {
		t.Errorf("expected new.txt to not be archived, stat err = %v", err)
	}
	if _, err := os.Stat(stalePath); err != nil {
		t.Errorf("expected the live file to remain after archival: %v", err)
	}
}

func TestSweepSkipsUsersWithNoSyncDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bob"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg := config.ArchiveConfig{Dir: filepath.Join(root, ".archive"), Compression: "zstd", StaleAfter: time.Hour}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, root, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.sweep(context.Background()); err != nil {
		t.Fatalf("sweep should tolerate a user directory with no sync_dir: %v", err)
	}
}
