// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/syncd/internal/config"
)

// Archiver runs the cron-scheduled cold-storage sweep of every user's sync
// directory under storageRoot: files untouched since StaleAfter are
// compressed into cfg.Dir and, if cfg.S3.Enabled, mirrored to a bucket.
// The live file the sync protocol serves is never modified.
type Archiver struct {
	cfg         config.ArchiveConfig
	storageRoot string
	log         *slog.Logger
	mirror      *s3Mirror

	cron *cron.Cron
}

// New builds an Archiver for storageRoot. It does not start the cron
// schedule; call Start for that. Constructing one when cfg.S3.Enabled is
// false never touches the AWS SDK.
func New(ctx context.Context, cfg config.ArchiveConfig, storageRoot string, log *slog.Logger) (*Archiver, error) {
	a := &Archiver{
		cfg:         cfg,
		storageRoot: storageRoot,
		log:         log.With("component", "archiver"),
	}

	if cfg.S3.Enabled {
		mirror, err := newS3Mirror(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("configuring S3 mirror: %w", err)
		}
		a.mirror = mirror
	}

	return a, nil
}

// Start registers the sweep on cfg.Schedule and starts the cron scheduler.
func (a *Archiver) Start() error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(a.log.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(a.cfg.Schedule, func() {
		if err := a.sweep(context.Background()); err != nil {
			a.log.Error("archive sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling archive sweep %q: %w", a.cfg.Schedule, err)
	}
	a.cron = c
	a.cron.Start()
	a.log.Info("archiver scheduled", "schedule", a.cfg.Schedule, "stale_after", a.cfg.StaleAfter)
	return nil
}

// Stop waits for any in-progress sweep to finish, bounded by ctx.
func (a *Archiver) Stop(ctx context.Context) {
	if a.cron == nil {
		return
	}
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		a.log.Warn("archiver stop timed out")
	}
}

// sweep walks every <storageRoot>/<user>/sync_dir, archiving files whose
// mtime is older than StaleAfter.
func (a *Archiver) sweep(ctx context.Context) error {
	users, err := os.ReadDir(a.storageRoot)
	if err != nil {
		return fmt.Errorf("reading storage root: %w", err)
	}

	cutoff := time.Now().Add(-a.cfg.StaleAfter)
	var archived int
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		syncDir := filepath.Join(a.storageRoot, u.Name(), "sync_dir")
		n, err := a.sweepUserDir(ctx, u.Name(), syncDir, cutoff)
		if err != nil {
			a.log.Warn("archiving user directory failed", "user", u.Name(), "err", err)
			continue
		}
		archived += n
	}
	a.log.Info("archive sweep complete", "files_archived", archived)
	return nil
}

func (a *Archiver) sweepUserDir(ctx context.Context, user, syncDir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(syncDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", syncDir, err)
	}

	userArchiveDir := filepath.Join(a.cfg.Dir, user)
	var archived int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.MkdirAll(userArchiveDir, 0o755); err != nil {
			return archived, fmt.Errorf("creating archive directory %s: %w", userArchiveDir, err)
		}

		srcPath := filepath.Join(syncDir, e.Name())
		dstPath := filepath.Join(userArchiveDir, e.Name()+archiveExt(a.cfg.Compression))
		if err := compressFile(srcPath, dstPath, a.cfg.Compression); err != nil {
			a.log.Warn("compressing file failed", "user", user, "name", e.Name(), "err", err)
			continue
		}

		if a.mirror != nil {
			if err := a.mirror.upload(ctx, dstPath); err != nil {
				a.log.Warn("S3 mirror upload failed", "user", user, "name", e.Name(), "err", err)
			}
		}

		archived++
	}
	return archived, nil
}
