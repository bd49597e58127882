package main

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/fernet/fernet-go"
)

// Conn wraps one accepted TCP socket plus the per-connection state that
// follows it through the handshake, the unauthenticated window, and
// authenticated life. Its write path is serialized by writeMu so the
// connection's own dispatcher, the message relay acting on behalf of
// another user, the call coordinator, and the sweepers can all safely push
// frames to it concurrently (spec.md §4.6 "Write concurrency" /
// §5 "connection write mutex is always acquired last").
//
// Reads happen only from the owning dispatcher goroutine, so no read mutex
// is needed — mirroring the teacher's Client.ctrlMu, which guarded writes
// only.
type Conn struct {
	raw    net.Conn
	reader *frameReader
	key    *fernet.Key

	writeMu sync.Mutex

	// username is set by the dispatcher after a successful login, or bound
	// by authorize on the first record carrying a valid session token.
	// Empty until then. Only the owning dispatcher goroutine writes
	// it, so plain field access (not atomic) is safe: nothing else
	// reads it before the write happens-before relationship established
	// by presence registration.
	username string
}

func newConn(raw net.Conn, key *fernet.Key) *Conn {
	return &Conn{
		raw:    raw,
		reader: newFrameReader(raw),
		key:    key,
	}
}

// remoteAddr returns the observed peer address string, used both for
// logging and for overriding client-supplied external_ip (spec.md Design
// Note (d), SPEC_FULL.md §3).
func (c *Conn) remoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// remoteHost returns just the host portion of remoteAddr.
func (c *Conn) remoteHost() string {
	host, _, err := net.SplitHostPort(c.remoteAddr())
	if err != nil {
		return c.remoteAddr()
	}
	return host
}

// send encrypts and writes rec under writeMu. Safe to call from any
// goroutine holding a reference to c.
func (c *Conn) send(rec Record) error {
	payload, err := encodeRecord(c.key, rec)
	if err != nil {
		return fmt.Errorf("encode outbound record: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(c.raw, payload); err != nil {
		return fmt.Errorf("write outbound frame: %w", err)
	}
	return nil
}

// sendBestEffort sends rec and logs any failure, also returning it. Used by
// the relay, call coordinator, and sweepers for pushes whose failure must
// not fail the caller's own request; every caller discards the returned
// error, so a failed push evicts no one.
func (c *Conn) sendBestEffort(rec Record) error {
	if err := c.send(rec); err != nil {
		slog.Warn("conn: best-effort send failed", "user", c.username, "conn", c.remoteAddr(), "err", err)
		return err
	}
	return nil
}

func (c *Conn) close() {
	_ = c.raw.Close()
}
