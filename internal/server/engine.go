// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implements the server side of the syncd protocol: the
// per-connection engine of §4.4 and the fan-out engine of §4.5, built on
// top of internal/session's connection registry and internal/store's local
// store.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/syncd/internal/logging"
	"github.com/nishisan-dev/syncd/internal/protocol"
	"github.com/nishisan-dev/syncd/internal/session"
	"github.com/nishisan-dev/syncd/internal/store"
)

// maxDownloadRetries bounds how many times a single DOWNLOAD_DATA frame is
// resent after a NACK or mismatched ack before the download is abandoned.
// §9 fixes the reference policy at "fail on any NACK", so this is 0 unless
// a future caller asks for bounded retry.
const maxDownloadRetries = 0

// engine drives one accepted connection through the states of §4.4:
// INITIAL, READY, UPLOAD_RECV, DOWNLOAD_SEND.
type engine struct {
	transport     *protocol.Transport
	registry      *session.Registry
	fanout        *Fanout
	health        *HealthMonitor
	storageRoot   string
	sessionLogDir string
	log           *slog.Logger

	user         string
	connectionID string
	logCloser    io.Closer
	cleanClose   bool
	peer         *session.Peer

	// pushMu, awaitingPush and pushResp let the fan-out worker drive a
	// server-initiated push (§4.5) through this connection's own reader
	// loop (run) instead of reading the transport from a second goroutine.
	// §4.1/§5 require exactly one reader per transport; pushMu serializes
	// one push interaction at a time on this peer, awaitingPush tells run
	// that the next ACK/NACK it reads belongs to that push rather than
	// being a stray frame, and pushResp is where run delivers it.
	pushMu       sync.Mutex
	awaitingPush atomic.Bool
	pushResp     chan *protocol.Frame
	closed       chan struct{}
	closeOnce    sync.Once
}

func newEngine(t *protocol.Transport, registry *session.Registry, fanout *Fanout, health *HealthMonitor, storageRoot, sessionLogDir string, log *slog.Logger) *engine {
	return &engine{
		transport:     t,
		registry:      registry,
		fanout:        fanout,
		health:        health,
		storageRoot:   storageRoot,
		sessionLogDir: sessionLogDir,
		log:           log,
		pushResp:      make(chan *protocol.Frame),
		closed:        make(chan struct{}),
	}
}

// run executes the full lifetime of one connection: handshake, then READY
// dispatch until a transport error or EOF, then teardown.
func (e *engine) run() {
	defer e.teardown()

	if err := e.handshake(); err != nil {
		e.log.Debug("handshake failed", "err", err)
		return
	}

	for {
		f, err := e.transport.Recv()
		if err != nil {
			e.cleanClose = errors.Is(err, io.EOF)
			e.log.Debug("connection read failed", "user", e.user, "err", err)
			return
		}

		if (f.Type == protocol.TypeAck || f.Type == protocol.TypeNack) && e.awaitingPush.Load() {
			e.deliverPushResponse(f)
			continue
		}

		if err := e.dispatch(f); err != nil {
			e.log.Debug("dispatch error", "user", e.user, "type", f.Type, "err", err)
			return
		}
	}
}

// deliverPushResponse hands f to the push currently blocked in
// sendPushFrame, if the connection is not already tearing down.
func (e *engine) deliverPushResponse(f *protocol.Frame) {
	select {
	case e.pushResp <- f:
	case <-e.closed:
	}
}

// handshake processes the mandatory first frame: GET_SYNC_DIR with a
// username payload. Any other first frame or a session-full registry
// response closes the connection (§4.4).
func (e *engine) handshake() error {
	f, err := e.transport.Recv()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if f.Type != protocol.TypeGetSyncDir {
		e.sendNack(protocol.NackBadName, "first frame must be GET_SYNC_DIR")
		return fmt.Errorf("handshake: unexpected first frame type %d", f.Type)
	}

	user, err := protocol.ReadFilenamePayload(f.Payload)
	if err != nil || user == "" {
		e.sendNack(protocol.NackBadName, "missing or empty username")
		return fmt.Errorf("handshake: bad username payload: %w", err)
	}
	e.user = user
	e.connectionID = randomConnectionID()

	if e.health != nil && e.health.LowDisk() {
		e.sendNack(protocol.NackLowDisk, "server storage is critically low on disk space")
		return fmt.Errorf("handshake: rejecting %s, disk usage %.1f%% >= %.1f%%",
			user, e.health.Stats().DiskUsagePercent, lowDiskThresholdPercent)
	}

	sessionLog, closer, logPath, err := logging.NewSessionLogger(e.log, e.sessionLogDir, user, e.connectionID)
	if err != nil {
		e.log.Warn("could not open per-connection log file", "user", user, "err", err)
	} else {
		e.log = sessionLog
		e.logCloser = closer
		if logPath != "" {
			e.log.Debug("connection log opened", "path", logPath)
		}
	}

	peer := &session.Peer{Transport: e.transport}
	peer.Push = func(c session.Change) error { return e.push(peer, c) }
	if err := e.registry.Attach(user, peer); err != nil {
		e.sendNack(protocol.NackSessionFull, "session full")
		return fmt.Errorf("handshake: %w", err)
	}
	e.peer = peer

	if err := e.userStore().EnsureDir(); err != nil {
		e.registry.Detach(user, peer)
		e.sendNack(protocol.NackIOError, "could not create sync directory")
		return fmt.Errorf("handshake: %w", err)
	}

	if err := e.transport.Send(&protocol.Frame{Type: protocol.TypeAck}); err != nil {
		return fmt.Errorf("handshake: sending ACK: %w", err)
	}
	return nil
}

// dispatch services one READY-state frame per the table in §4.4.
func (e *engine) dispatch(f *protocol.Frame) error {
	switch f.Type {
	case protocol.TypeGetSyncDir:
		// Idempotent re-handshake: just ACK, the user is already bound.
		return e.transport.Send(&protocol.Frame{Type: protocol.TypeAck})

	case protocol.TypeUploadReq:
		return e.handleUpload(f)

	case protocol.TypeDownloadReq:
		return e.handleDownload(f)

	case protocol.TypeDeleteReq:
		return e.handleDelete(f)

	case protocol.TypeListServerReq:
		return e.handleList()

	case protocol.TypeSyncEvent:
		// Clients must not send this; silently ignored per §4.4.
		return nil

	default:
		e.sendNack(protocol.NackBadName, "unsupported frame type")
		return nil
	}
}

func (e *engine) userStore() *store.Store {
	return store.New(filepath.Join(e.storageRoot, e.user, "sync_dir"))
}

func (e *engine) handleUpload(req *protocol.Frame) error {
	name, err := protocol.ReadFilenamePayload(req.Payload)
	if err != nil || !protocol.ValidFilename(name) {
		e.sendNack(protocol.NackBadName, "invalid filename")
		return nil
	}

	w, err := e.userStore().OpenWrite(name)
	if err != nil {
		e.sendNack(protocol.NackIOError, "could not open file for write")
		return nil
	}

	if err := e.transport.Send(&protocol.Frame{Type: protocol.TypeAck}); err != nil {
		w.Abort()
		return fmt.Errorf("acking UPLOAD_REQ: %w", err)
	}

	if err := e.receiveUploadStream(w); err != nil {
		w.Abort()
		return err
	}

	if err := w.Commit(); err != nil {
		return fmt.Errorf("committing upload %s: %w", name, err)
	}

	e.fanout.Submit(e.user, e.peer, uploadChange(name))
	return nil
}

// receiveUploadStream reads UPLOAD_DATA frames, acking each with the same
// seq, until a size==0 terminator (unacked, per §9's open-question choice).
func (e *engine) receiveUploadStream(w *store.AtomicWriter) error {
	for {
		f, err := e.transport.Recv()
		if err != nil {
			return fmt.Errorf("receiving upload data: %w", err)
		}
		if f.Type != protocol.TypeUploadData {
			return fmt.Errorf("receiving upload data: unexpected frame type %d", f.Type)
		}
		if len(f.Payload) == 0 {
			return nil
		}
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("writing upload data: %w", err)
		}
		ack := &protocol.Frame{Type: protocol.TypeAck, Seq: f.Seq}
		if err := e.transport.Send(ack); err != nil {
			return fmt.Errorf("acking upload data: %w", err)
		}
	}
}

func (e *engine) handleDownload(req *protocol.Frame) error {
	name, err := protocol.ReadFilenamePayload(req.Payload)
	if err != nil || !protocol.ValidFilename(name) {
		e.sendNack(protocol.NackBadName, "invalid filename")
		return nil
	}

	f, err := e.userStore().OpenRead(name)
	if err != nil {
		e.sendNack(protocol.NackNotFound, "file not found")
		return nil
	}
	defer f.Close()

	if err := e.transport.Send(&protocol.Frame{Type: protocol.TypeAck}); err != nil {
		return fmt.Errorf("acking DOWNLOAD_REQ: %w", err)
	}

	return streamDownload(e.transport, f)
}

// streamDownload sends the contents of r as DOWNLOAD_DATA frames, one
// MaxPayload chunk at a time, waiting for each chunk's ACK before sending
// the next, then an unacked size==0 terminator (§4.4, §9).
func streamDownload(t *protocol.Transport, r io.Reader) error {
	buf := make([]byte, protocol.MaxPayload)
	var seq uint32 = 1
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := sendDownloadChunk(t, seq, buf[:n]); err != nil {
				return err
			}
			seq++
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("reading download source: %w", readErr)
		}
	}
	return t.Send(&protocol.Frame{Type: protocol.TypeDownloadData, Seq: seq})
}

func sendDownloadChunk(t *protocol.Transport, seq uint32, payload []byte) error {
	chunk := make([]byte, len(payload))
	copy(chunk, payload)

	attempts := maxDownloadRetries + 1
	for i := 0; i < attempts; i++ {
		if err := t.Send(&protocol.Frame{Type: protocol.TypeDownloadData, Seq: seq, Payload: chunk}); err != nil {
			return fmt.Errorf("sending download chunk %d: %w", seq, err)
		}
		ack, err := t.Recv()
		if err != nil {
			return fmt.Errorf("awaiting ack for chunk %d: %w", seq, err)
		}
		if ack.Type == protocol.TypeAck && ack.Seq == seq {
			return nil
		}
		// NACK or mismatched seq: reference policy is fail the download (§9).
		if i == attempts-1 {
			return fmt.Errorf("download chunk %d not acked, got type=%d seq=%d", seq, ack.Type, ack.Seq)
		}
	}
	return nil
}

func (e *engine) handleDelete(req *protocol.Frame) error {
	name, err := protocol.ReadFilenamePayload(req.Payload)
	if err != nil || !protocol.ValidFilename(name) {
		e.sendNack(protocol.NackBadName, "invalid filename")
		return nil
	}

	if err := e.userStore().Delete(name); err != nil {
		e.sendNack(protocol.NackIOError, "could not delete file")
		return nil
	}

	if err := e.transport.Send(&protocol.Frame{Type: protocol.TypeAck}); err != nil {
		return fmt.Errorf("acking DELETE_REQ: %w", err)
	}

	e.fanout.Submit(e.user, e.peer, deleteChange(name))
	return nil
}

func (e *engine) handleList() error {
	files, err := e.userStore().List()
	if err != nil {
		e.sendNack(protocol.NackIOError, "could not list sync directory")
		return nil
	}
	payload := protocol.EncodeListing(files)
	return e.transport.Send(&protocol.Frame{Type: protocol.TypeListServerRes, Payload: payload})
}

func (e *engine) sendNack(reason protocol.NackReason, detail string) {
	payload := []byte(reason.String() + ": " + detail)
	_ = e.transport.Send(&protocol.Frame{Type: protocol.TypeNack, Payload: payload})
}

// push delivers one fanned-out change to peer, using the same framing as a
// client-originated upload or delete (§4.5). It runs on the fan-out
// worker, not on peer's own reader goroutine: every frame it sends is
// written directly (Transport.Send already serializes writers), but every
// response it needs is read by peer's own engine.run loop and handed back
// through sendPushFrame, so this connection never has two concurrent
// readers (§4.1, §5). pushMu bounds the whole interaction to one push at a
// time on this peer.
func (e *engine) push(peer *session.Peer, c session.Change) error {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	switch c.Kind {
	case protocol.TypeUploadReq:
		return e.pushUpload(c.Name)
	case protocol.TypeDeleteReq:
		return e.pushDelete(c.Name)
	default:
		return fmt.Errorf("push: unsupported change kind %d", c.Kind)
	}
}

// sendPushFrame sends f and blocks for the response that run's single
// reader loop routes back via pushResp, or until the connection tears
// down. Callers must hold pushMu.
func (e *engine) sendPushFrame(f *protocol.Frame) (*protocol.Frame, error) {
	e.awaitingPush.Store(true)
	defer e.awaitingPush.Store(false)

	if err := e.transport.Send(f); err != nil {
		return nil, err
	}
	select {
	case resp := <-e.pushResp:
		return resp, nil
	case <-e.closed:
		return nil, fmt.Errorf("connection closed while awaiting push response")
	}
}

func (e *engine) pushUpload(name string) error {
	f, err := e.userStore().OpenRead(name)
	if err != nil {
		// The file may have been deleted again since the change was queued;
		// skipping this peer is correct per §4.5 (other peers continue).
		return fmt.Errorf("push upload %s: %w", name, err)
	}
	defer f.Close()

	ack, err := e.sendPushFrame(&protocol.Frame{Type: protocol.TypeUploadReq, Payload: protocol.FilenamePayload(name)})
	if err != nil || ack.Type != protocol.TypeAck {
		return fmt.Errorf("push upload %s: peer did not ack request", name)
	}

	buf := make([]byte, protocol.MaxPayload)
	var seq uint32
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			seq++
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ack, err := e.sendPushFrame(&protocol.Frame{Type: protocol.TypeUploadData, Seq: seq, Payload: chunk})
			if err != nil || ack.Type != protocol.TypeAck || ack.Seq != seq {
				return fmt.Errorf("push upload %s: chunk %d not acked", name, seq)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("push upload %s: reading source: %w", name, readErr)
		}
	}
	// The terminator is never acked (§9), so it is sent directly rather
	// than through sendPushFrame.
	return e.transport.Send(&protocol.Frame{Type: protocol.TypeUploadData, Seq: seq + 1})
}

func (e *engine) pushDelete(name string) error {
	ack, err := e.sendPushFrame(&protocol.Frame{Type: protocol.TypeDeleteReq, Payload: protocol.FilenamePayload(name)})
	if err != nil || ack.Type != protocol.TypeAck {
		return fmt.Errorf("push delete %s: peer did not ack request", name)
	}
	return nil
}

func (e *engine) teardown() {
	e.closeOnce.Do(func() { close(e.closed) })
	if e.user != "" && e.peer != nil {
		e.registry.Detach(e.user, e.peer)
	}
	e.transport.Close()
	if e.logCloser != nil {
		e.logCloser.Close()
		if e.cleanClose {
			logging.RemoveSessionLog(e.sessionLogDir, e.user, e.connectionID)
		}
	}
}

// randomConnectionID returns a short random hex identifier used only to
// name a connection's dedicated log file; it is never sent on the wire.
func randomConnectionID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
