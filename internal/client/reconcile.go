// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nishisan-dev/syncd/internal/protocol"
)

// Reconcile runs the initial reconciliation of §4.8: list the server's
// sync directory, then pull any file that is missing locally or whose size
// differs. RunListener must already be running as the transport's sole
// reader (see the Session doc comment) before this is called, so it goes
// through sendAndAwait/lockRequest like every other requester rather than
// reading the transport directly; it still runs before the watcher starts
// publishing local events, so nothing races it for EchoSet purposes.
func (s *Session) Reconcile() error {
	s.lockRequest()
	res, err := s.sendAndAwait(&protocol.Frame{Type: protocol.TypeListServerReq})
	s.unlockRequest()
	if err != nil {
		return fmt.Errorf("reconcile: awaiting listing: %w", err)
	}
	if res.Type != protocol.TypeListServerRes {
		return fmt.Errorf("reconcile: unexpected response type %d", res.Type)
	}

	entries, err := protocol.ParseListing(res.Payload)
	if err != nil {
		return fmt.Errorf("reconcile: parsing listing: %w", err)
	}

	for _, entry := range entries {
		needed, err := s.needsDownload(entry)
		if err != nil {
			s.log.Warn("reconcile: could not stat local file", "name", entry.Name, "err", err)
			continue
		}
		if !needed {
			continue
		}
		if err := s.downloadFile(entry.Name); err != nil {
			s.log.Warn("reconcile: download failed", "name", entry.Name, "err", err)
		}
	}
	return nil
}

// needsDownload reports whether a server entry is missing locally or
// differs in size. Content hashing is deliberately out of scope (§4.8).
func (s *Session) needsDownload(entry protocol.ParsedEntry) (bool, error) {
	stat, err := s.store.Stat(entry.Name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	return stat.Size != entry.Size, nil
}

// downloadFile issues DOWNLOAD_REQ for name and writes the incoming
// DOWNLOAD_DATA stream atomically, acknowledging each chunk. Called from
// Reconcile and from the CLI's `download` command, both of which may run
// concurrently with the watcher issuing its own requests, so the whole
// interaction is bracketed by reqMu and every response comes through
// RunListener via awaitResponse rather than a direct transport read.
func (s *Session) downloadFile(name string) error {
	s.lockRequest()
	defer s.unlockRequest()

	ack, err := s.sendAndAwait(&protocol.Frame{Type: protocol.TypeDownloadReq, Payload: protocol.FilenamePayload(name)})
	if err != nil {
		return fmt.Errorf("awaiting download ack: %w", err)
	}
	if ack.Type != protocol.TypeAck {
		return fmt.Errorf("download request rejected: %s", string(ack.Payload))
	}

	w, err := s.store.OpenWrite(name)
	if err != nil {
		return fmt.Errorf("opening %s for write: %w", name, err)
	}

	if err := s.pullDownloadStream(w); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// pullDownloadStream reads DOWNLOAD_DATA frames routed through RunListener
// until a size==0 terminator (unacked, per §9's resolved open question).
// Caller must hold reqMu. This is the requester-side counterpart of
// listener.go's receivePushedUploadStream, which reads the analogous
// UPLOAD_DATA stream directly because it runs on RunListener's own
// goroutine instead of waiting on one of its responses.
func (s *Session) pullDownloadStream(w io.Writer) error {
	for {
		f, err := s.awaitResponse()
		if err != nil {
			return fmt.Errorf("receiving download data: %w", err)
		}
		if f.Type != protocol.TypeDownloadData {
			return fmt.Errorf("unexpected frame type %d during download", f.Type)
		}
		if len(f.Payload) == 0 {
			return nil
		}
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("writing download data: %w", err)
		}
		ack := &protocol.Frame{Type: protocol.TypeAck, Seq: f.Seq}
		if err := s.transport.Send(ack); err != nil {
			return fmt.Errorf("acking download chunk: %w", err)
		}
	}
}
