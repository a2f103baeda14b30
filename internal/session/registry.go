// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session implements the server-side per-user connection registry
// of §4.3: a bounded set of live connections per username, used to fan sync
// events out to every other connection belonging to the same user.
package session

import (
	"fmt"
	"sync"

	"github.com/nishisan-dev/syncd/internal/protocol"
)

// MaxConnsPerUser bounds how many simultaneous connections one username may
// hold open. The limit is small and fixed, matching MAX_SESSIONS_PER_USER in
// the original C server: one desktop, one laptop, say.
const MaxConnsPerUser = 2

// ErrSessionFull is returned by Attach when a user already holds
// MaxConnsPerUser live connections.
var ErrSessionFull = fmt.Errorf("session full")

// Peer is a single live connection belonging to a user session. Handlers
// attach their own *protocol.Transport and an opaque push callback; the
// registry never performs I/O itself, it only tracks membership.
type Peer struct {
	Transport *protocol.Transport
	// Push delivers a change notification to this peer. It must not block
	// the registry's mutex: callers invoke it after Peers has returned a
	// snapshot and the mutex has been released.
	Push func(Change) error
}

// Change describes a single file-level event to fan out to a user's other
// connections (§4.5).
type Change struct {
	Kind protocol.Type // TypeUploadReq or TypeDeleteReq, the two watchable kinds
	Name string
}

type userSession struct {
	peers map[*Peer]struct{}
}

// Registry tracks live connections per username. One mutex guards
// membership only; pushing to peers happens outside the lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*userSession
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*userSession)}
}

// Attach registers p under user, failing with ErrSessionFull once the user
// already holds MaxConnsPerUser peers. A username's entry is created lazily
// on first attach and, per the original server's design, is never removed
// even once every peer has detached — looking a session up is cheaper than
// reconstructing it, and the leak is bounded by the number of distinct
// usernames ever seen.
func (r *Registry) Attach(user string, p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[user]
	if !ok {
		s = &userSession{peers: make(map[*Peer]struct{})}
		r.sessions[user] = s
	}
	if len(s.peers) >= MaxConnsPerUser {
		return ErrSessionFull
	}
	s.peers[p] = struct{}{}
	return nil
}

// Detach removes p from user's session, if present. It is a no-op if the
// user or peer is unknown.
func (r *Registry) Detach(user string, p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[user]
	if !ok {
		return
	}
	delete(s.peers, p)
}

// Peers returns a snapshot of every peer attached to user other than
// except. Callers push to each returned peer without holding the registry's
// mutex.
func (r *Registry) Peers(user string, except *Peer) []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[user]
	if !ok {
		return nil
	}
	out := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		if p == except {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Count returns how many connections user currently holds.
func (r *Registry) Count(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[user]
	if !ok {
		return 0
	}
	return len(s.peers)
}
