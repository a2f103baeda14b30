// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []*Frame{
		{Type: TypeUploadReq, Seq: 1, Payload: FilenamePayload("hello.txt")},
		{Type: TypeUploadData, Seq: 2, Payload: bytes.Repeat([]byte{0xAB}, MaxPayload)},
		{Type: TypeAck, Seq: 0, Payload: nil},
		{Type: TypeUploadData, Seq: 3, Payload: []byte{}}, // terminator
	}

	for _, f := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got.Type != f.Type || got.Seq != f.Seq || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
		}
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, byte(TypeUploadData)})
	buf.Write([]byte{0, 0, 0, 1})              // seq
	buf.Write([]byte{0, 0, 0, 1})              // total
	buf.Write([]byte{0, 0, 0x10, 0x01})        // size = MaxPayload+1
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized payload size")
	}
	// No payload bytes should have been consumed from a source beyond the header.
	if buf.Len() != 0 {
		t.Fatalf("expected no payload bytes consumed, %d remain", buf.Len())
	}
}

func TestValidFilename(t *testing.T) {
	good := []string{"a.txt", "file-name_1.bin"}
	bad := []string{"", "../secret", "a/b", "a\\b", "..", "a\x00b"}

	for _, name := range good {
		if !ValidFilename(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	for _, name := range bad {
		if ValidFilename(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestListingRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	files := []FileStat{
		{Name: "a.bin", Size: 8192, Mtime: now, Atime: now, Ctime: now},
		{Name: "b.txt", Size: 0, Mtime: now, Atime: now, Ctime: now},
	}

	encoded := EncodeListing(files)
	entries, err := ParseListing(encoded)
	if err != nil {
		t.Fatalf("ParseListing: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "a.bin" || entries[0].Size != 8192 {
		t.Errorf("entry 0 mismatch: %+v", entries[0])
	}
	if entries[1].Name != "b.txt" || entries[1].Size != 0 {
		t.Errorf("entry 1 mismatch: %+v", entries[1])
	}
}
