// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileStat is one entry of a server listing.
type FileStat struct {
	Name  string
	Size  int64
	Mtime time.Time
	Atime time.Time
	Ctime time.Time
}

const timeLayout = "2006-01-02 15:04:05"

// sizeAnchor is the fixed token the reconciler's parser keys off of.
const sizeAnchor = " bytes\t"

// EncodeListing renders the textual listing format of §6, one line per file.
func EncodeListing(files []FileStat) []byte {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s\t%d bytes\tmtime:%s\tatime:%s\tctime:%s\n",
			f.Name, f.Size,
			f.Mtime.Format(timeLayout),
			f.Atime.Format(timeLayout),
			f.Ctime.Format(timeLayout),
		)
	}
	return []byte(b.String())
}

// ParsedEntry is what the initial reconciler needs from a listing line: just
// name and size, per §6 and §9 ("the reconciler's parser only needs size").
type ParsedEntry struct {
	Name string
	Size int64
}

// ParseListing extracts (name, size) pairs from a textual listing, anchoring
// on the "\t<size> bytes\t" token and ignoring the remaining informational
// fields.
func ParseListing(payload []byte) ([]ParsedEntry, error) {
	var entries []ParsedEntry
	lines := strings.Split(string(payload), "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		idx := strings.Index(line, "\t")
		if idx < 0 {
			return nil, fmt.Errorf("protocol: malformed listing line %q", line)
		}
		name := line[:idx]
		rest := line[idx+1:]

		anchorIdx := strings.Index(rest, sizeAnchor)
		if anchorIdx < 0 {
			return nil, fmt.Errorf("protocol: listing line %q missing size anchor", line)
		}
		size, err := strconv.ParseInt(rest[:anchorIdx], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("protocol: parsing size in listing line %q: %w", line, err)
		}

		entries = append(entries, ParsedEntry{Name: name, Size: size})
	}
	return entries, nil
}
