// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Transport wraps a net.Conn with the write-serialization invariant of §5:
// at most one write in flight at any time, enforced by writeMu. Reads are
// not serialized here — the contract is that exactly one goroutine reads a
// given Transport (the server engine, or the client's push listener).
type Transport struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// NewTransport wraps conn.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

// Conn exposes the underlying connection (for RemoteAddr logging, Close, etc).
func (t *Transport) Conn() net.Conn {
	return t.conn
}

// Send writes one frame, holding the write mutex only for this call as §5
// specifies — a multi-frame interaction (upload/download) must call Send
// once per frame rather than holding the mutex across the whole exchange.
func (t *Transport) Send(f *Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := WriteFrame(t.conn, f); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// Recv reads the next frame with no deadline.
func (t *Transport) Recv() (*Frame, error) {
	f, err := ReadFrame(t.conn)
	if err != nil {
		return nil, fmt.Errorf("transport recv: %w", err)
	}
	return f, nil
}

// RecvWithDeadline reads the next frame, failing if none arrives within d.
// Used by components that must stay responsive to shutdown (§4.7, §5).
func (t *Transport) RecvWithDeadline(d time.Duration) (*Frame, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, fmt.Errorf("transport recv: setting deadline: %w", err)
	}
	f, err := ReadFrame(t.conn)
	// Clear the deadline on the happy path so a subsequent Recv() without a
	// deadline is not accidentally bound by a stale one.
	_ = t.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("transport recv: %w", err)
	}
	return f, nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// IsTimeout reports whether err is a deadline-exceeded error from a
// RecvWithDeadline call, distinguishing "nothing arrived yet" from a real
// transport failure.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
