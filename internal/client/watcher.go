// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/nishisan-dev/syncd/internal/protocol"
)

// RunWatcher observes the local sync directory and translates filesystem
// events into outgoing UPLOAD_REQ/DELETE_REQ requests (§4.6), swallowing
// any event that the push listener marked as an echo of its own write.
//
// It returns when the watcher cannot be created, when stop is closed, or
// when the fsnotify event channel closes; the caller runs this in its own
// goroutine after Reconcile has completed.
func (s *Session) RunWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.store.Dir()); err != nil {
		return fmt.Errorf("watcher: watching %s: %w", s.store.Dir(), err)
	}

	for {
		select {
		case <-s.stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher: fsnotify error", "err", err)
		}
	}
}

// handleEvent normalizes one fsnotify event and dispatches an upload or
// delete, ignoring directory events, hidden files, and names containing a
// path separator (§4.6).
func (s *Session) handleEvent(ev fsnotify.Event) {
	if filepath.Dir(ev.Name) != s.store.Dir() {
		// Defensive: an event for something outside our watched directory.
		return
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return
	}

	if s.echoes.Consume(name) {
		return
	}

	switch {
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		s.handleLocalUpload(name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		s.handleLocalDelete(name)
	}
}

// handleLocalUpload streams name to the server. Per §4.6, failures are
// logged and not retried: the next reconciliation repairs any gap.
func (s *Session) handleLocalUpload(name string) {
	info, err := os.Stat(filepath.Join(s.store.Dir(), name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The write was immediately followed by a remove (e.g. editors
			// that write-then-rename through a swap file); nothing to send.
			return
		}
		s.log.Warn("watcher: stat before upload failed", "name", name, "err", err)
		return
	}
	if info.IsDir() {
		return
	}

	f, err := s.store.OpenRead(name)
	if err != nil {
		s.log.Warn("watcher: opening changed file failed", "name", name, "err", err)
		return
	}
	defer f.Close()

	// Hold reqMu for the whole request+stream so the CLI's own requests
	// cannot interleave their frames with this one on the shared transport
	// (RunListener is the sole reader; see the Session doc comment).
	s.lockRequest()
	defer s.unlockRequest()

	ack, err := s.sendAndAwait(&protocol.Frame{Type: protocol.TypeUploadReq, Payload: protocol.FilenamePayload(name)})
	if err != nil || ack.Type != protocol.TypeAck {
		s.log.Warn("watcher: upload request not acked", "name", name)
		return
	}

	if err := s.streamUpload(f); err != nil {
		s.log.Warn("watcher: upload stream failed", "name", name, "err", err)
	}
}

// streamUpload sends the contents of r as UPLOAD_DATA frames, waiting for
// an ACK after each chunk, then an unacked size==0 terminator. Callers must
// hold reqMu for the duration (see handleLocalUpload, cmdUpload).
func (s *Session) streamUpload(r io.Reader) error {
	buf := make([]byte, protocol.MaxPayload)
	var seq uint32
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			seq++
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ack, err := s.sendAndAwait(&protocol.Frame{Type: protocol.TypeUploadData, Seq: seq, Payload: chunk})
			if err != nil || ack.Type != protocol.TypeAck || ack.Seq != seq {
				return fmt.Errorf("chunk %d not acked", seq)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("reading source: %w", readErr)
		}
	}
	return s.transport.Send(&protocol.Frame{Type: protocol.TypeUploadData, Seq: seq + 1})
}

// handleLocalDelete issues DELETE_REQ for name and awaits ACK.
func (s *Session) handleLocalDelete(name string) {
	s.lockRequest()
	defer s.unlockRequest()

	ack, err := s.sendAndAwait(&protocol.Frame{Type: protocol.TypeDeleteReq, Payload: protocol.FilenamePayload(name)})
	if err != nil || ack.Type != protocol.TypeAck {
		s.log.Warn("watcher: delete request not acked", "name", name)
	}
}
