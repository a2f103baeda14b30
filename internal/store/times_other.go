// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build !linux && !darwin

package store

import (
	"io/fs"
	"time"
)

// accessTime and changeTime fall back to mtime on platforms without a
// syscall.Stat_t exposing atime/ctime.
func accessTime(info fs.FileInfo) time.Time {
	return info.ModTime()
}

func changeTime(info fs.FileInfo) time.Time {
	return info.ModTime()
}
