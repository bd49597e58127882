package main

import (
	"testing"
	"time"
)

func TestPresenceLoginOverwritesPrior(t *testing.T) {
	p := newPresence()
	first := &PresenceEntry{Username: "alice", Conn: &Conn{}, LastSeen: time.Now()}
	second := &PresenceEntry{Username: "alice", Conn: &Conn{}, LastSeen: time.Now()}

	if prev := p.Login(first); prev != nil {
		t.Fatalf("expected no previous connection on first login")
	}
	prev := p.Login(second)
	if prev != first.Conn {
		t.Fatalf("expected Login to return the prior connection")
	}
	if p.Lookup("alice").Conn != second.Conn {
		t.Fatalf("expected second entry to be current")
	}
}

func TestPresenceSnapshotExcludesSelf(t *testing.T) {
	p := newPresence()
	p.Login(&PresenceEntry{Username: "alice", Conn: &Conn{}, LastSeen: time.Now()})
	p.Login(&PresenceEntry{Username: "bob", Conn: &Conn{}, LastSeen: time.Now()})

	snap := p.Snapshot("alice")
	if len(snap) != 1 || snap[0].Username != "bob" {
		t.Fatalf("expected only bob in alice's snapshot, got %+v", snap)
	}
}

func TestPresenceHeartbeatAdvancesLastSeen(t *testing.T) {
	p := newPresence()
	start := time.Now().Add(-time.Minute)
	p.Login(&PresenceEntry{Username: "alice", Conn: &Conn{}, LastSeen: start})

	if !p.Heartbeat("alice") {
		t.Fatalf("expected heartbeat to find alice")
	}
	if !p.Lookup("alice").LastSeen.After(start) {
		t.Fatalf("expected LastSeen to advance")
	}
	if p.Heartbeat("nobody") {
		t.Fatalf("expected heartbeat on unknown user to report false")
	}
}

func TestPresenceRemoveAndIdleSince(t *testing.T) {
	p := newPresence()
	old := time.Now().Add(-time.Hour)
	p.Login(&PresenceEntry{Username: "alice", Conn: &Conn{}, LastSeen: old})
	p.Login(&PresenceEntry{Username: "bob", Conn: &Conn{}, LastSeen: time.Now()})

	stale := p.IdleSince(time.Now().Add(-time.Minute))
	if len(stale) != 1 || stale[0] != "alice" {
		t.Fatalf("expected only alice idle, got %v", stale)
	}

	removed := p.Remove("alice")
	if removed == nil || removed.Username != "alice" {
		t.Fatalf("expected Remove to return alice's entry")
	}
	if p.Lookup("alice") != nil {
		t.Fatalf("expected alice removed from presence")
	}
	if p.Count() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", p.Count())
	}
}

func TestPresenceRemoveIfOwnerIgnoresSupersededConnection(t *testing.T) {
	p := newPresence()
	oldConn := &Conn{}
	newConn := &Conn{}

	p.Login(&PresenceEntry{Username: "alice", Conn: oldConn, LastSeen: time.Now()})
	p.Login(&PresenceEntry{Username: "alice", Conn: newConn, LastSeen: time.Now()})

	// The old connection's own teardown must not evict the new login.
	if removed := p.RemoveIfOwner("alice", oldConn); removed != nil {
		t.Fatalf("expected RemoveIfOwner to no-op for a superseded connection, got %+v", removed)
	}
	if p.Lookup("alice") == nil || p.Lookup("alice").Conn != newConn {
		t.Fatalf("expected the new login to remain in presence")
	}

	if removed := p.RemoveIfOwner("alice", newConn); removed == nil {
		t.Fatalf("expected RemoveIfOwner to remove the current connection's entry")
	}
	if p.Lookup("alice") != nil {
		t.Fatalf("expected alice removed from presence")
	}
}
