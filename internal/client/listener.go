// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"fmt"
	"io"
	"time"

	"github.com/nishisan-dev/syncd/internal/protocol"
)

// RunListener is the single reader of the session's transport for the
// session's entire life, starting before Reconcile's first request (§4.7).
// It applies server-initiated pushes, marking each touched name in the
// EchoSet before mutating the local file so the watcher does not echo the
// change back, and it routes every other frame to whichever requester
// (Reconcile, the watcher, the CLI) is currently waiting on a response via
// sendAndAwait — see the Session doc comment for why this one goroutine
// must be the transport's sole reader.
//
// It returns when the transport fails or stop is closed; the caller is
// expected to run this in its own goroutine. A fatal transport error also
// closes the session so any requester blocked in awaitResponse wakes up.
func (s *Session) RunListener() {
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		f, err := s.transport.RecvWithDeadline(listenerRecvTimeout)
		if err != nil {
			if protocol.IsTimeout(err) {
				continue
			}
			s.log.Debug("listener: transport error", "err", err)
			s.Close()
			return
		}

		switch f.Type {
		case protocol.TypeUploadReq:
			s.handlePushedUpload(f)
		case protocol.TypeDeleteReq:
			s.handlePushedDelete(f)
		default:
			// ACK/NACK/LIST_SERVER_RES/DOWNLOAD_DATA answering a pending
			// requester, or a stray SYNC_EVENT with nobody waiting — either
			// way, hand it to whoever is listening on respCh and move on;
			// deliverResponse does not block forever if nobody is.
			s.deliverResponse(f)
		}
	}
}

// deliverResponse hands f to the single in-flight requester, if any. Since
// every requester holds reqMu around its sendAndAwait calls, at most one caller is
// ever waiting on respCh at a time; a frame arriving with nobody waiting
// (a stray SYNC_EVENT, a late response after a timed-out caller gave up)
// is dropped rather than blocking the sole reader goroutine.
func (s *Session) deliverResponse(f *protocol.Frame) {
	select {
	case s.respCh <- f:
	case <-s.stop:
	case <-time.After(listenerRecvTimeout):
	}
}

func (s *Session) handlePushedUpload(req *protocol.Frame) {
	name, err := protocol.ReadFilenamePayload(req.Payload)
	if err != nil || !protocol.ValidFilename(name) {
		s.log.Warn("listener: server pushed an invalid filename", "err", err)
		return
	}

	s.echoes.Add(name)

	w, err := s.store.OpenWrite(name)
	if err != nil {
		s.log.Warn("listener: could not open file for write", "name", name, "err", err)
		return
	}

	if err := s.transport.Send(&protocol.Frame{Type: protocol.TypeAck}); err != nil {
		w.Abort()
		s.log.Warn("listener: acking push request failed", "name", name, "err", err)
		return
	}

	if err := s.receivePushedUploadStream(w); err != nil {
		w.Abort()
		s.log.Warn("listener: receiving pushed upload failed", "name", name, "err", err)
		return
	}
	if err := w.Commit(); err != nil {
		s.log.Warn("listener: committing pushed upload failed", "name", name, "err", err)
	}
}

func (s *Session) handlePushedDelete(req *protocol.Frame) {
	name, err := protocol.ReadFilenamePayload(req.Payload)
	if err != nil || !protocol.ValidFilename(name) {
		s.log.Warn("listener: server pushed an invalid filename", "err", err)
		return
	}

	s.echoes.Add(name)

	if err := s.store.Delete(name); err != nil {
		s.log.Warn("listener: deleting pushed file failed", "name", name, "err", err)
	}

	if err := s.transport.Send(&protocol.Frame{Type: protocol.TypeAck}); err != nil {
		s.log.Warn("listener: acking push delete failed", "name", name, "err", err)
	}
}

// receivePushedUploadStream reads UPLOAD_DATA frames directly off the
// transport until a size==0 terminator (unacked, per §9). The server's
// fan-out push reuses client-upload framing end-to-end (§4.5), so a
// server-initiated push streams UPLOAD_DATA, not DOWNLOAD_DATA. This reads
// raw rather than through awaitResponse because it runs on RunListener's
// own goroutine — the transport's sole reader — not as a separate
// requester waiting for a routed response.
func (s *Session) receivePushedUploadStream(w io.Writer) error {
	for {
		f, err := s.transport.Recv()
		if err != nil {
			return fmt.Errorf("receiving pushed upload data: %w", err)
		}
		if f.Type != protocol.TypeUploadData {
			return fmt.Errorf("unexpected frame type %d during pushed upload", f.Type)
		}
		if len(f.Payload) == 0 {
			return nil
		}
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("writing pushed upload data: %w", err)
		}
		ack := &protocol.Frame{Type: protocol.TypeAck, Seq: f.Seq}
		if err := s.transport.Send(ack); err != nil {
			return fmt.Errorf("acking pushed upload chunk: %w", err)
		}
	}
}
