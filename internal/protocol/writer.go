// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes one complete frame to w. total is written as 1 when
// f.Total is zero (see SPEC_FULL.md §5), otherwise as f.Total; callers that
// need a different seq set it on f.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("writing frame: %w", ErrPayloadTooLarge)
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(f.Type))
	binary.BigEndian.PutUint32(hdr[2:6], f.Seq)
	total := f.Total
	if total == 0 {
		total = 1
	}
	binary.BigEndian.PutUint32(hdr[6:10], total)
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(f.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// FilenamePayload builds a NUL-terminated filename payload.
func FilenamePayload(name string) []byte {
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	buf[len(name)] = 0
	return buf
}
