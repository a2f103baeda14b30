// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive implements the background cold-storage mirror: files
// that have not been touched in a configurable window are compressed out
// of the live sync directory into a separate archive directory, optionally
// mirrored to S3. It never deletes or rewrites the live file the sync
// protocol serves.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// compressFile writes a compressed copy of src into dstPath using the
// configured codec, leaving src untouched. The destination is written via
// temp-then-rename so a crash mid-compression never leaves a truncated
// archive entry visible.
func compressFile(srcPath, dstPath, compression string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening %s for archival: %w", srcPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), "archive-*.tmp")
	if err != nil {
		return fmt.Errorf("creating archive temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := writeCompressed(tmp, src, compression); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing archive temp file: %w", err)
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming archive file into place: %w", err)
	}
	return nil
}

func writeCompressed(w io.Writer, r io.Reader, compression string) error {
	switch compression {
	case "gzip":
		gz := pgzip.NewWriter(w)
		if _, err := io.Copy(gz, r); err != nil {
			gz.Close()
			return fmt.Errorf("compressing (gzip): %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("closing gzip writer: %w", err)
		}
		return nil
	case "zstd", "":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if _, err := io.Copy(zw, r); err != nil {
			zw.Close()
			return fmt.Errorf("compressing (zstd): %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("closing zstd writer: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown compression %q", compression)
	}
}

// archiveExt returns the file suffix to use for a given codec.
func archiveExt(compression string) string {
	switch compression {
	case "gzip":
		return ".gz"
	default:
		return ".zst"
	}
}
