package main

import "log/slog"

// handleP2PMessage implements spec.md §4.7: resolve the receiver in
// Presence, forward the message through its own connection, and report
// delivery status back to the sender synchronously (the return value here).
// For an offline recipient (§4.7 step 1) the user_offline status is also
// pushed asynchronously to the sender's own connection — clients dedup by
// message_id, so the duplicate is benign. delivered and failed are returned
// only synchronously.
func (s *Server) handleP2PMessage(c *Conn, rec Record) Record {
	to := rec.str("to")
	message := rec.str("message")
	messageID := rec.str("message_id")
	timestamp := rec.str("timestamp")

	target := s.presence.Lookup(to)
	if target == nil {
		status := Record{"type": TypeMessageStatus, "status": "user_offline", "message_id": messageID, "details": "recipient not connected"}
		_ = c.sendBestEffort(status)
		return status
	}

	forwarded := Record{
		"type":       TypeP2PMessage,
		"from":       c.username,
		"message":    message,
		"message_id": messageID,
		"timestamp":  timestamp,
	}

	if err := target.Conn.send(forwarded); err != nil {
		slog.Warn("relay: forward failed, evicting recipient", "to", to, "err", err)
		s.removeFromPresence(to, target.Conn)
		return Record{"type": TypeMessageStatus, "status": "failed", "message_id": messageID, "details": "delivery failed"}
	}

	return Record{"type": TypeMessageStatus, "status": "delivered", "message_id": messageID}
}
