package main

import (
	"fmt"
	"sync"
	"time"
)

// callState enumerates the non-terminal states a Call occupies in the
// in-memory table; "terminated" is not represented because terminated
// calls are removed from the table outright (spec.md §3).
type callState string

const (
	callRinging callState = "ringing"
	callActive  callState = "active"
)

// Call mirrors spec.md §3's Call record.
type Call struct {
	ID       string
	Caller   string
	Callee   string
	Kind     string // "audio" | "video"
	State    callState
	StartedAt  time.Time
	AnsweredAt time.Time
}

// Calls is the call table keyed by callId, protected by a single mutex
// (spec.md §5: "Three coarse locks: ... Calls mutex"). Lock ordering:
// Presence before Calls whenever both are needed (teardown), and a
// connection's write mutex is always acquired last — callers of methods
// on Calls must already respect that ordering; Calls itself never takes a
// Presence lock internally.
type Calls struct {
	mu    sync.Mutex
	byID  map[string]*Call
}

func newCalls() *Calls {
	return &Calls{byID: make(map[string]*Call)}
}

// busy reports whether username already participates in a non-terminal
// call (spec.md invariant 2: "at most one non-terminal entry per
// participant"). Caller must hold c.mu.
func (c *Calls) busy(username string) bool {
	for _, call := range c.byID {
		if call.Caller == username || call.Callee == username {
			return true
		}
	}
	return false
}

// Busy is the exported, lock-protected form of busy, used by
// handleCallRequest to decide user_busy vs. user_offline precedence before
// attempting to insert (spec.md §4.8: busy is checked before offline).
func (c *Calls) Busy(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy(username)
}

// Start inserts a new ringing call under callID if neither caller nor
// callee is already busy. callID is supplied by the calling client
// (spec.md §3: "callId is globally unique (UUID)", minted client-side —
// confirmed by original_source's client, which generates it with
// uuid.uuid4() before ever contacting the server). Returns the created
// Call, or nil and ok=false if either party is busy.
func (c *Calls) Start(callID, caller, callee, kind string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy(caller) || c.busy(callee) {
		return nil, false
	}
	call := &Call{
		ID:        callID,
		Caller:    caller,
		Callee:    callee,
		Kind:      kind,
		State:     callRinging,
		StartedAt: time.Now(),
	}
	c.byID[call.ID] = call
	return call, true
}

// Get returns the call for id, or nil if absent.
func (c *Calls) Get(id string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[id]
}

// Accept transitions a ringing call to active, setting AnsweredAt. Returns
// the call and true on success; false if absent or not ringing.
func (c *Calls) Accept(id string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.byID[id]
	if !ok || call.State != callRinging {
		return nil, false
	}
	call.State = callActive
	call.AnsweredAt = time.Now()
	return call, true
}

// Remove deletes id from the table and returns the call that was there (or
// nil if none).
func (c *Calls) Remove(id string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.byID[id]
	if !ok {
		return nil
	}
	delete(c.byID, id)
	return call
}

// RingingOlderThan returns every ringing call whose StartedAt predates
// cutoff, for the stuck-call sweep.
func (c *Calls) RingingOlderThan(cutoff time.Time) []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Call
	for _, call := range c.byID {
		if call.State == callRinging && call.StartedAt.Before(cutoff) {
			out = append(out, call)
		}
	}
	return out
}

// ActiveOlderThan returns every active call whose AnsweredAt predates
// cutoff, for the stuck-call sweep.
func (c *Calls) ActiveOlderThan(cutoff time.Time) []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Call
	for _, call := range c.byID {
		if call.State == callActive && call.AnsweredAt.Before(cutoff) {
			out = append(out, call)
		}
	}
	return out
}

// ForUser returns every non-terminal call naming username as either party,
// used by connection teardown (spec.md §4.9).
func (c *Calls) ForUser(username string) []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Call
	for _, call := range c.byID {
		if call.Caller == username || call.Callee == username {
			out = append(out, call)
		}
	}
	return out
}

// Count returns the number of non-terminal calls (admin/status surface).
func (c *Calls) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// OtherParty returns the participant of call that is not username, or an
// error if username is not actually a participant.
func (call *Call) OtherParty(username string) (string, error) {
	switch username {
	case call.Caller:
		return call.Callee, nil
	case call.Callee:
		return call.Caller, nil
	default:
		return "", fmt.Errorf("user %q is not a participant in call %s", username, call.ID)
	}
}
