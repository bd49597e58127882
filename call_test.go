package main

import (
	"testing"
	"time"
)

func TestCallsStartRejectsBusyParticipant(t *testing.T) {
	c := newCalls()

	call, ok := c.Start("c1", "alice", "bob", "audio")
	if !ok || call == nil {
		t.Fatalf("expected first call to start")
	}
	if call.ID != "c1" {
		t.Fatalf("expected the client-supplied call id to be preserved, got %q", call.ID)
	}

	if _, ok := c.Start("c2", "alice", "carol", "audio"); ok {
		t.Fatalf("expected alice (already in a call) to be rejected")
	}
	if _, ok := c.Start("c3", "dave", "bob", "audio"); ok {
		t.Fatalf("expected bob (already in a call) to be rejected")
	}
}

func TestCallsAcceptTransitionsState(t *testing.T) {
	c := newCalls()
	call, _ := c.Start("c1", "alice", "bob", "video")

	active, ok := c.Accept(call.ID)
	if !ok || active.State != callActive {
		t.Fatalf("expected call to become active")
	}
	if active.AnsweredAt.IsZero() {
		t.Fatalf("expected AnsweredAt to be set")
	}

	if _, ok := c.Accept("no-such-id"); ok {
		t.Fatalf("expected Accept on unknown id to fail")
	}
}

func TestCallsRemoveFreesParticipants(t *testing.T) {
	c := newCalls()
	call, _ := c.Start("c1", "alice", "bob", "audio")

	c.Remove(call.ID)
	if c.Get(call.ID) != nil {
		t.Fatalf("expected call removed from table")
	}
	if _, ok := c.Start("c2", "alice", "carol", "audio"); !ok {
		t.Fatalf("expected alice to be free to start a new call after removal")
	}
}

func TestCallsRingingAndActiveOlderThan(t *testing.T) {
	c := newCalls()
	call, _ := c.Start("c1", "alice", "bob", "audio")
	call.StartedAt = time.Now().Add(-200 * time.Second)

	ringing := c.RingingOlderThan(time.Now().Add(-120 * time.Second))
	if len(ringing) != 1 || ringing[0].ID != call.ID {
		t.Fatalf("expected call to be reported stuck ringing")
	}

	c.Accept(call.ID)
	call.AnsweredAt = time.Now().Add(-400 * time.Second)
	active := c.ActiveOlderThan(time.Now().Add(-300 * time.Second))
	if len(active) != 1 || active[0].ID != call.ID {
		t.Fatalf("expected call to be reported stuck active")
	}
}

func TestCallsBusy(t *testing.T) {
	c := newCalls()
	if c.Busy("alice") {
		t.Fatalf("expected alice to be free before any call")
	}
	c.Start("c1", "alice", "bob", "audio")
	if !c.Busy("alice") || !c.Busy("bob") {
		t.Fatalf("expected both participants to be reported busy")
	}
	if c.Busy("carol") {
		t.Fatalf("expected an uninvolved user to be reported free")
	}
}

func TestCallOtherParty(t *testing.T) {
	call := &Call{Caller: "alice", Callee: "bob"}

	if other, err := call.OtherParty("alice"); err != nil || other != "bob" {
		t.Fatalf("expected bob, got %q, err %v", other, err)
	}
	if other, err := call.OtherParty("bob"); err != nil || other != "alice" {
		t.Fatalf("expected alice, got %q, err %v", other, err)
	}
	if _, err := call.OtherParty("mallory"); err == nil {
		t.Fatalf("expected error for non-participant")
	}
}
