// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// headerSize is the fixed on-wire header: type(2) + seq(4) + total(4) + size(4).
const headerSize = 2 + 4 + 4 + 4

// ReadFrame reads one complete frame from r. It loops until the full header
// and payload are read or the transport fails; no partial frame is ever
// returned.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	typ := Type(binary.BigEndian.Uint16(hdr[0:2]))
	seq := binary.BigEndian.Uint32(hdr[2:6])
	total := binary.BigEndian.Uint32(hdr[6:10])
	size := binary.BigEndian.Uint32(hdr[10:14])

	if size > MaxPayload {
		return nil, fmt.Errorf("reading frame payload: %w", ErrPayloadTooLarge)
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}

	return &Frame{Type: typ, Seq: seq, Total: total, Payload: payload}, nil
}

// ReadFilenamePayload parses a NUL-terminated filename out of a frame payload
// (UPLOAD_REQ, DOWNLOAD_REQ, DELETE_REQ, GET_SYNC_DIR, SYNC_EVENT).
func ReadFilenamePayload(payload []byte) (string, error) {
	idx := -1
	for i, b := range payload {
		if b == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: missing NUL terminator", ErrBadFilename)
	}
	return string(payload[:idx]), nil
}
