// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxNameLength bounds a username or filename exchanged on the wire.
const maxNameLength = 255

// ValidateName enforces §3's wire invariant: a filename (or username) must be
// a non-empty basename, no longer than maxNameLength, with no path
// separator, NUL byte, or "..".
func ValidateName(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s is empty", fieldName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%s exceeds max length %d", fieldName, maxNameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s contains a path separator", fieldName)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL byte", fieldName)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%s contains a path traversal sequence", fieldName)
	}
	return nil
}

// ValidatePathInBaseDir is defense in depth: it verifies that a resolved
// path still lives inside baseDir, guarding against any traversal that
// ValidateName's string checks might miss (e.g. platform-specific separators).
func ValidatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}
	return nil
}
