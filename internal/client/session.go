// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implements the client side of the syncd protocol: the
// persistent transport session, the change watcher and echo suppression of
// §4.6, the server-push listener of §4.7, the initial reconciler of §4.8,
// and the interactive command surface of §6.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/nishisan-dev/syncd/internal/protocol"
	"github.com/nishisan-dev/syncd/internal/store"
)

// listenerRecvTimeout bounds how long the push listener blocks on a single
// recv, so it stays responsive to shutdown (§5's "Suspension points").
const listenerRecvTimeout = 200 * time.Millisecond

// errSessionClosed is returned to a pending requester when the session is
// torn down before its response arrives.
var errSessionClosed = errors.New("client: session closed")

// Session owns one client's connection to the server: the transport, the
// local store, the echo set, and the goroutines built on top of them.
//
// §5 notes that a client transport has interleaved writers (the CLI, the
// watcher, the reconciler) but a single designated reader. RunListener is
// that single reader for the session's whole lifetime: it both applies
// server-initiated pushes (§4.7) and routes every other frame to whichever
// caller is currently waiting on a response, via reqMu/respCh. Every other
// component — Reconcile included — goes through sendAndAwait/awaitResponse
// rather than calling transport.Recv directly, and the caller must start
// RunListener before issuing the first request (see cmd/syncd-client and
// the client package's tests). Reconcile still runs before the watcher
// starts publishing local events, preserving §4.8's ordering even though
// it shares the routing machinery with everything that comes after it.
type Session struct {
	user      string
	transport *protocol.Transport
	store     *store.Store
	echoes    *EchoSet
	log       *slog.Logger

	stop      chan struct{}
	closeOnce sync.Once

	reqMu  sync.Mutex
	respCh chan *protocol.Frame
}

// Dial connects to addr, performs the GET_SYNC_DIR handshake for user, and
// ensures the local sync directory exists. syncDir is the local mirror
// directory name (relative or absolute); it is created if missing but
// never wiped, unlike original_source's client which recreated it from
// scratch on every launch (see DESIGN.md).
func Dial(ctx context.Context, addr, user, syncDir string, log *slog.Logger) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	tr := protocol.NewTransport(conn)

	absDir, err := filepath.Abs(syncDir)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("resolving sync dir %s: %w", syncDir, err)
	}
	st := store.New(absDir)
	if err := st.EnsureDir(); err != nil {
		tr.Close()
		return nil, err
	}

	if err := tr.Send(&protocol.Frame{Type: protocol.TypeGetSyncDir, Payload: protocol.FilenamePayload(user)}); err != nil {
		tr.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}
	ack, err := tr.Recv()
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("awaiting handshake response: %w", err)
	}
	if ack.Type != protocol.TypeAck {
		tr.Close()
		return nil, fmt.Errorf("handshake rejected: %s", string(ack.Payload))
	}

	return &Session{
		user:      user,
		transport: tr,
		store:     st,
		echoes:    NewEchoSet(),
		log:       log.With("user", user, "sync_dir", absDir),
		stop:      make(chan struct{}),
		respCh:    make(chan *protocol.Frame),
	}, nil
}

// RunEchoSweeper periodically evicts expired EchoSet entries until the
// session is closed. Without it, a name added by the listener but never
// observed by the watcher (a swallowed fsnotify event, a name the watcher
// never gets to see) would sit in the map forever instead of just until its
// TTL; Consume already treats an expired entry as unconsumed, this only
// bounds the map's size (§9's bounded-TTL open question).
func (s *Session) RunEchoSweeper() {
	s.echoes.RunSweeper(s.stop)
}

// Close tears down the session: stops background goroutines and closes the
// transport, which causes the listener and watcher to observe a transport
// error and return. Safe to call more than once (e.g. from both a signal
// handler and a fatal pump error).
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return s.transport.Close()
}

// sendAndAwait sends f and hands back the next response frame RunListener
// routes to this caller. It takes no lock itself: the caller must hold
// reqMu (lockRequest/unlockRequest) so that other requesters (watcher, CLI)
// sharing this transport cannot interleave with it. Multi-frame
// interactions (an upload or download stream) call this once per frame
// while holding the lock for the whole interaction, so a second requester
// cannot slip its own request frame into the middle of one already in
// flight.
func (s *Session) sendAndAwait(f *protocol.Frame) (*protocol.Frame, error) {
	if err := s.transport.Send(f); err != nil {
		return nil, err
	}
	return s.awaitResponse()
}

// awaitResponse blocks until RunListener routes a non-push frame to this
// caller, or the session is closed.
func (s *Session) awaitResponse() (*protocol.Frame, error) {
	select {
	case f := <-s.respCh:
		return f, nil
	case <-s.stop:
		return nil, errSessionClosed
	}
}

// lockRequest/unlockRequest bracket a whole multi-frame request/response
// interaction (e.g. a full upload or download stream) so it is not
// interleaved with another requester's frames on the same transport.
func (s *Session) lockRequest()   { s.reqMu.Lock() }
func (s *Session) unlockRequest() { s.reqMu.Unlock() }
