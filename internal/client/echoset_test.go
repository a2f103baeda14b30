// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"testing"
	"time"
)

func TestEchoSetConsumeRemovesEntry(t *testing.T) {
	s := NewEchoSet()
	s.Add("a.txt")

	if !s.Consume("a.txt") {
		t.Fatal("expected Consume to report a pending echo")
	}
	if s.Consume("a.txt") {
		t.Fatal("expected second Consume to find nothing")
	}
}

func TestEchoSetConsumeUnknownIsFalse(t *testing.T) {
	s := NewEchoSet()
	if s.Consume("never-added.txt") {
		t.Fatal("expected Consume on unknown name to be false")
	}
}

func TestEchoSetExpiredEntryIsNotConsumed(t *testing.T) {
	s := NewEchoSet()
	s.mu.Lock()
	s.entries["stale.txt"] = time.Now().Add(-time.Second)
	s.mu.Unlock()

	if s.Consume("stale.txt") {
		t.Fatal("expected an expired entry to not be consumed as a valid echo")
	}
}

func TestEchoSetSweepEvictsExpired(t *testing.T) {
	s := NewEchoSet()
	s.mu.Lock()
	s.entries["stale.txt"] = time.Now().Add(-time.Second)
	s.entries["fresh.txt"] = time.Now().Add(time.Minute)
	s.mu.Unlock()

	s.sweep()

	s.mu.Lock()
	_, staleStillThere := s.entries["stale.txt"]
	_, freshStillThere := s.entries["fresh.txt"]
	s.mu.Unlock()

	if staleStillThere {
		t.Error("expected sweep to evict the expired entry")
	}
	if !freshStillThere {
		t.Error("expected sweep to keep the unexpired entry")
	}
}
