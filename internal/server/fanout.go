// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/syncd/internal/session"
	"golang.org/x/time/rate"
)

// job is one (user, change) tuple queued for delivery to that user's other
// connections, plus the connection it originated from so peers() can
// exclude it.
type job struct {
	user   string
	origin *session.Peer
	change session.Change
}

// userQueue holds one user's pending fan-out jobs in arrival order, plus
// whether a drain goroutine is currently working through them.
type userQueue struct {
	mu      sync.Mutex
	pending []job
	running bool
}

// Fanout is the server-driven broadcast engine of §4.5: given a change, it
// delivers it to every other connection of the same user, skipping peers
// that fail a step and continuing with the rest.
//
// §4.5 requires per-user fan-out order to equal server arrival order, and
// §4.3/§9 require that a peer connection never has two writers racing on
// it: a naive shared worker pool pulling jobs off one channel would let
// two goroutines both be mid-push (interleaving UPLOAD_REQ/UPLOAD_DATA
// frames from two different changes) to the very same peer whenever two
// jobs for the same user land back to back. Fanout instead keeps one
// per-user FIFO queue and guarantees at most one goroutine drains a given
// user's queue at a time, while still running up to `workers` different
// users' drains concurrently via the semaphore.
type Fanout struct {
	registry *session.Registry
	log      *slog.Logger

	limiterMu sync.RWMutex
	limiter   *rate.Limiter

	sem chan struct{}

	mu     sync.Mutex
	queues map[string]*userQueue
}

// NewFanout returns a Fanout that allows up to workers users' queues to
// drain concurrently. bytesPerSec, if positive, sets up one limiter shared
// by every user; deliver draws a fixed protocolMaxPayloadBurst (4096) tokens
// from it before each peer push, whatever the size of the file, so it bounds
// how many pushes start per second rather than how many bytes they send.
// 0 disables the limiter.
func NewFanout(registry *session.Registry, workers int, bytesPerSec int, log *slog.Logger) *Fanout {
	if workers < 1 {
		workers = 1
	}
	f := &Fanout{
		registry: registry,
		log:      log,
		sem:      make(chan struct{}, workers),
		queues:   make(map[string]*userQueue),
	}
	if bytesPerSec > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), protocolMaxPayloadBurst)
	}
	return f
}

// protocolMaxPayloadBurst sizes the limiter's burst to one max-size frame so
// a single chunk is never starved by its own rate check.
const protocolMaxPayloadBurst = 4096

// SetBandwidthLimit replaces the shared fan-out limiter (see NewFanout) in place,
// for the server's SIGHUP config-reload path. bytesPerSec <= 0 disables the
// limiter; any in-flight WaitN call observes the new limiter on its next
// call, not mid-wait.
func (f *Fanout) SetBandwidthLimit(bytesPerSec int) {
	f.limiterMu.Lock()
	defer f.limiterMu.Unlock()
	if bytesPerSec > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), protocolMaxPayloadBurst)
	} else {
		f.limiter = nil
	}
}

func (f *Fanout) rateLimiter() *rate.Limiter {
	f.limiterMu.RLock()
	defer f.limiterMu.RUnlock()
	return f.limiter
}

// Submit enqueues a change for fan-out, appending to that user's FIFO
// queue and starting a drain goroutine only if one is not already running
// for this user. It never blocks the calling connection's protocol engine
// on I/O.
func (f *Fanout) Submit(user string, origin *session.Peer, change session.Change) {
	f.mu.Lock()
	q, ok := f.queues[user]
	if !ok {
		q = &userQueue{}
		f.queues[user] = q
	}
	f.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, job{user: user, origin: origin, change: change})
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		go f.drain(q)
	}
}

// drain processes q's pending jobs strictly in FIFO order until the queue
// is empty, holding a semaphore slot for the duration so at most `workers`
// users' queues drain at once. A job submitted while drain is running is
// simply appended by Submit and picked up before drain exits, so no second
// drain goroutine is ever started for the same user concurrently.
func (f *Fanout) drain(q *userQueue) {
	f.sem <- struct{}{}
	defer func() { <-f.sem }()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		f.deliver(j)
	}
}

func (f *Fanout) deliver(j job) {
	peers := f.registry.Peers(j.user, j.origin)
	for _, p := range peers {
		if limiter := f.rateLimiter(); limiter != nil {
			if err := limiter.WaitN(context.Background(), protocolMaxPayloadBurst); err != nil {
				f.log.Warn("fanout rate limiter wait failed", "user", j.user, "err", err)
			}
		}
		if err := p.Push(j.change); err != nil {
			f.log.Debug("fanout push failed, skipping peer", "user", j.user, "name", j.change.Name, "err", err)
			continue
		}
	}
}
