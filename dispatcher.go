package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"broker/server/store"
)

// handleConnection runs the full lifetime of one accepted socket: handshake,
// then an unauthenticated window where only register/login are accepted,
// then an authenticated read loop, then teardown on any exit path. It is
// the one goroutine spawned per connection by the listener (spec.md §4.6,
// §4.9 "Listener").
func (s *Server) handleConnection(raw net.Conn) {
	addr := raw.RemoteAddr().String()
	defer raw.Close()

	key, err := performHandshake(raw)
	if err != nil {
		slog.Warn("dispatcher: handshake failed", "conn", addr, "err", err)
		return
	}

	c := newConn(raw, key)
	slog.Info("dispatcher: handshake complete", "conn", addr)

	for {
		payload, err := c.reader.readFrame()
		if err != nil {
			slog.Debug("dispatcher: connection read ended", "conn", addr, "user", c.username, "err", err)
			break
		}

		rec, err := decodeRecord(c.key, payload)
		if err != nil {
			slog.Warn("dispatcher: decode failed", "conn", addr, "err", err)
			_ = c.send(errorRecord("malformed or undecryptable frame"))
			continue
		}

		s.dispatch(c, rec)
	}

	s.teardown(c)
}

// dispatch routes one decoded record by its type tag, enforcing the
// authorization rule from spec.md §4.6 step 3 before invoking the tag's
// handler, and writes exactly one synchronous reply (ice_candidate, whose
// handler returns nil, gets none).
func (s *Server) dispatch(c *Conn, rec Record) {
	tag := rec.str("type")

	if requiresAuth(tag) {
		if err := s.authorize(c, rec); err != nil {
			_ = c.send(errorRecord("not authorized"))
			return
		}
	}

	var reply Record
	switch tag {
	case TypeRegister:
		reply = s.handleRegister(rec)
	case TypeLogin:
		reply = s.handleLogin(c, rec)
	case TypeLogout:
		reply = s.handleLogout(c, rec)
	case TypeGetUserList:
		reply = s.handleGetUserList(c)
	case TypeClientInfo:
		reply = s.handleClientInfo(c, rec)
	case TypeHeartbeat:
		reply = s.handleHeartbeat(c)
	case TypeP2PMessage:
		reply = s.handleP2PMessage(c, rec)
	case TypeCallRequest:
		reply = s.handleCallRequest(c, rec)
	case TypeCallAnswer:
		reply = s.handleCallAnswer(c, rec)
	case TypeCallEnd:
		reply = s.handleCallEnd(c, rec)
	case TypeICECandidate:
		reply = s.handleICECandidate(c, rec)
		if reply == nil {
			return // forwarded or silently dropped; no reply either way
		}
	default:
		reply = errorRecord(fmt.Sprintf("unknown record type %q", tag))
	}

	if reply == nil {
		return
	}
	if err := c.send(reply); err != nil {
		slog.Warn("dispatcher: reply send failed", "conn", c.remoteAddr(), "user", c.username, "err", err)
	}
}

// authorize requires a valid session_token whose account matches the
// connection's own bound username (spec.md §4.6 step 3).
func (s *Server) authorize(c *Conn, rec Record) error {
	token := rec.str("session_token")
	if token == "" {
		return fmt.Errorf("missing session_token")
	}
	accountID, err := s.store.ValidateSession(token)
	if err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	username, err := s.store.LookupID(accountID)
	if err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}
	if c.username == "" {
		// First authenticated record on this connection after a reconnect
		// that skipped an explicit login is not a defined path (spec.md
		// Design Note (c) leaves login as the canonical re-entry point),
		// but we bind defensively so a valid token always maps consistently.
		c.username = username
	}
	if c.username != username {
		return fmt.Errorf("session does not match connection's bound user")
	}
	return nil
}

func (s *Server) handleRegister(rec Record) Record {
	username := rec.str("username")
	password := rec.str("password")
	email := rec.str("email")

	if username == "" || password == "" {
		return Record{"type": TypeAuthResponse, "status": "error", "message": "username and password required"}
	}

	err := s.store.Register(username, password, email)
	switch {
	case err == nil:
		return Record{"type": TypeAuthResponse, "status": "success", "message": "registered"}
	case errors.Is(err, store.ErrNameTaken):
		return Record{"type": TypeAuthResponse, "status": "error", "message": "name_taken"}
	default:
		slog.Error("dispatcher: register failed", "err", err)
		return Record{"type": TypeAuthResponse, "status": "error", "message": "internal error"}
	}
}

func (s *Server) handleLogin(c *Conn, rec Record) Record {
	username := rec.str("username")
	password := rec.str("password")

	accountID, err := s.store.VerifyPassword(username, password)
	if err != nil {
		return Record{"type": TypeAuthResponse, "status": "error", "message": "denied"}
	}

	token, err := s.store.IssueSession(accountID, s.cfg.SessionLifetime)
	if err != nil {
		slog.Error("dispatcher: issue session failed", "err", err)
		return Record{"type": TypeAuthResponse, "status": "error", "message": "internal error"}
	}

	c.username = username

	entry := &PresenceEntry{
		Username:            username,
		Conn:                c,
		LastSeen:            time.Now(),
		AdvertisedHost:      c.remoteHost(),
		AdvertisedMediaPort: intField(rec, "p2p_port"),
	}
	if prev := s.presence.Login(entry); prev != nil && prev != c {
		slog.Info("dispatcher: evicting prior connection on login", "user", username)
		prev.close()
	}

	return Record{"type": TypeAuthResponse, "status": "success", "message": "logged in", "session_token": token}
}

func (s *Server) handleLogout(c *Conn, rec Record) Record {
	token := rec.str("session_token")
	_ = s.store.ClearSession(token)
	if c.username != "" {
		s.removeFromPresence(c.username, c)
	}
	return Record{"type": TypeAuthResponse, "status": "success", "message": "logged out"}
}

func (s *Server) handleGetUserList(c *Conn) Record {
	entries := s.presence.Snapshot(c.username)
	users := make([]Record, 0, len(entries))
	for _, e := range entries {
		users = append(users, Record{
			"username":    e.Username,
			"p2p_port":    e.AdvertisedMediaPort,
			"external_ip": e.AdvertisedHost,
			"last_seen":   e.LastSeen.Unix(),
		})
	}
	return Record{"type": TypeUserListUpdate, "users": users}
}

func (s *Server) handleClientInfo(c *Conn, rec Record) Record {
	if c.username == "" {
		return errorRecord("not authorized")
	}
	// Per SPEC_FULL.md §3 / spec.md Design Note (d), the observed TCP peer
	// host overrides whatever the client claims as external_ip.
	s.presence.UpdateClientInfo(c.username, c.remoteHost(), intField(rec, "p2p_port"))
	return Record{"type": TypeAuthResponse, "status": "success", "message": "client_info updated"}
}

func (s *Server) handleHeartbeat(c *Conn) Record {
	if c.username != "" {
		s.presence.Heartbeat(c.username)
	}
	return Record{"type": TypeHeartbeatAck}
}

// intField extracts an integer-valued field that may arrive as a JSON
// number (float64) or be entirely absent.
func intField(rec Record, key string) int {
	if v, ok := rec.num(key); ok {
		return int(v)
	}
	return 0
}

// removeFromPresence removes username's entry — but only if it is still
// bound to conn — and tears down any calls it participates in. The shared
// core of logout and connection teardown (spec.md §4.9 "Connection
// teardown"). If conn no longer owns the entry (a newer login already
// replaced it), this is a no-op: the old connection has nothing left to tear
// down, and must not disturb the new session.
func (s *Server) removeFromPresence(username string, conn *Conn) {
	if s.presence.RemoveIfOwner(username, conn) == nil {
		return
	}
	s.endCallsForUser(username, "user_disconnected")
}

// teardown runs on every exit path from handleConnection: clean logout
// (already handled separately), network error, or loop break.
func (s *Server) teardown(c *Conn) {
	if c.username != "" {
		s.removeFromPresence(c.username, c)
	}
}
