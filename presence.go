package main

import (
	"sync"
	"time"
)

// PresenceEntry is the live state for one connected username: its
// connection handle, the advertised peer-reach hints other clients use to
// dial it for media, and the heartbeat clock the idle sweeper reads.
// Exclusively owned by Presence; its mutable fields are read and written
// only while holding Presence's lock (spec.md §4.5, §3), and Username and
// Conn never change after the entry is inserted.
type PresenceEntry struct {
	Username  string
	Conn      *Conn
	LastSeen  time.Time

	AdvertisedHost      string
	AdvertisedMediaPort int
}

// Presence is the in-memory map from username to PresenceEntry. All
// operations take a single RWMutex; entries are short-lived in terms of
// writes (login, logout, info update, heartbeat) per spec.md §4.5.
type Presence struct {
	mu      sync.RWMutex
	entries map[string]*PresenceEntry
}

func newPresence() *Presence {
	return &Presence{entries: make(map[string]*PresenceEntry)}
}

// Login inserts entry, overwriting (and returning) any prior connection for
// the same username so the caller can close it — "login inserts an entry,
// overwriting any prior entry for the same username (previous connection is
// closed)" (spec.md §4.5).
func (p *Presence) Login(entry *PresenceEntry) (previous *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.entries[entry.Username]; ok {
		previous = old.Conn
	}
	p.entries[entry.Username] = entry
	return previous
}

// Lookup returns the entry for username, or nil if absent.
func (p *Presence) Lookup(username string) *PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[username]
}

// Heartbeat refreshes lastSeen for username if present, reporting whether an
// entry existed.
func (p *Presence) Heartbeat(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[username]
	if !ok {
		return false
	}
	e.LastSeen = time.Now()
	return true
}

// UpdateClientInfo sets advertised peer-reach info for username.
func (p *Presence) UpdateClientInfo(username, host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[username]
	if !ok {
		return false
	}
	e.AdvertisedHost = host
	e.AdvertisedMediaPort = port
	return true
}

// Remove deletes username's entry unconditionally, returning it (or nil if
// absent) so the caller can act on the connection it held. Only appropriate
// when the caller is certain the entry still belongs to the connection it is
// tearing down (e.g. an explicit logout acting on its own connection); for
// teardown triggered by a read-loop exit, use RemoveIfOwner instead.
func (p *Presence) Remove(username string) *PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[username]
	if !ok {
		return nil
	}
	delete(p.entries, username)
	return e
}

// RemoveIfOwner deletes username's entry only if it is still bound to conn,
// returning it (or nil if absent or already superseded by a newer login). A
// connection's own teardown must never evict a different connection's
// presence entry for the same username — the relogin race spec.md §4.5
// implies but doesn't spell out: Login already closed the old connection, so
// when that old connection's read loop subsequently exits and tears down, the
// entry it would otherwise delete unconditionally may by then belong to the
// new connection.
func (p *Presence) RemoveIfOwner(username string, conn *Conn) *PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[username]
	if !ok || e.Conn != conn {
		return nil
	}
	delete(p.entries, username)
	return e
}

// Snapshot returns a copy of all entries except excludeUsername — used to
// build the roster sent back by get_user_list (spec.md S1: "Alice's list
// never contains alice").
func (p *Presence) Snapshot(excludeUsername string) []*PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PresenceEntry, 0, len(p.entries))
	for name, e := range p.entries {
		if name == excludeUsername {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// IdleSince returns every username whose lastSeen predates cutoff, for the
// idle-connection sweep (spec.md §4.9).
func (p *Presence) IdleSince(cutoff time.Time) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var stale []string
	for name, e := range p.entries {
		if e.LastSeen.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	return stale
}

// Count returns the number of connected users (admin/status surface only).
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
