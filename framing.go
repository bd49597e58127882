package main

import (
	"bytes"
	"fmt"
	"net"
)

// frameSentinel terminates every frame on the wire. Record payloads are
// base64 URL-safe ciphertext (Fernet tokens) and the client's handshake
// frame is PEM text; neither alphabet contains '<', so the sentinel cannot
// appear inside those payloads. The server's handshake reply is raw
// RSA-OAEP ciphertext, which is binary and not covered by that guarantee.
// Payloads are not escaped.
var frameSentinel = []byte("<END>")

// frameReader pulls complete <END>-terminated frames out of a TCP stream.
// Reads are never assumed to align with frame boundaries: a single Read
// call may deliver part of a frame, a whole frame, or several frames, so
// the reader keeps leftover bytes in buf across calls.
type frameReader struct {
	conn net.Conn
	buf  []byte
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{conn: conn}
}

// readFrame blocks until one complete frame is available, returning its
// payload with the sentinel stripped. A zero-byte read means the peer
// closed; any read error is fatal to the connection per spec.md §4.1.
func (fr *frameReader) readFrame() ([]byte, error) {
	for {
		if idx := bytes.Index(fr.buf, frameSentinel); idx >= 0 {
			frame := fr.buf[:idx]
			fr.buf = fr.buf[idx+len(frameSentinel):]
			out := make([]byte, len(frame))
			copy(out, frame)
			return out, nil
		}

		chunk := make([]byte, 4096)
		n, err := fr.conn.Read(chunk)
		if n > 0 {
			fr.buf = append(fr.buf, chunk[:n]...)
		}
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("read frame: peer closed")
		}
	}
}

// writeFrame appends the sentinel and writes the result in a retry loop
// that accepts partial writes until the whole frame is accepted or the
// socket errors (spec.md §4.1: "writes of a frame use a send loop").
func writeFrame(conn net.Conn, payload []byte) error {
	buf := make([]byte, 0, len(payload)+len(frameSentinel))
	buf = append(buf, payload...)
	buf = append(buf, frameSentinel...)

	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}
