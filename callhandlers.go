package main

import (
	"log/slog"
	"time"
)

// handleCallRequest implements the call_request branch of spec.md §4.8.
func (s *Server) handleCallRequest(c *Conn, rec Record) Record {
	to := rec.str("to")
	callType := rec.str("call_type")
	callID := rec.str("call_id")

	// §4.8 checks busy (S or T) before offline (T).
	if s.calls.Busy(c.username) || s.calls.Busy(to) {
		return Record{"type": TypeCallResponse, "status": "user_busy", "call_id": callID, "message": "a participant is already in a call"}
	}

	target := s.presence.Lookup(to)
	if target == nil {
		return Record{"type": TypeCallResponse, "status": "user_offline", "call_id": callID, "message": "recipient not connected"}
	}

	call, ok := s.calls.Start(callID, c.username, to, callType)
	if !ok {
		// Lost a race against a concurrent call_request touching the same
		// participant between the Busy check above and this insert.
		return Record{"type": TypeCallResponse, "status": "user_busy", "call_id": callID, "message": "a participant is already in a call"}
	}

	if _, err := s.store.AppendCall(call.ID, call.Caller, call.Callee, call.Kind, call.StartedAt.Unix(), "initiated"); err != nil {
		slog.Error("call: journal append failed", "call_id", call.ID, "err", err)
	}

	forward := Record{
		"type":      TypeCallRequest,
		"from":      c.username,
		"call_type": callType,
		"call_id":   callID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	_ = target.Conn.sendBestEffort(forward)

	return Record{"type": TypeCallResponse, "status": "ringing", "call_id": callID, "message": "ringing"}
}

// handleCallAnswer implements the call_answer branch of spec.md §4.8.
func (s *Server) handleCallAnswer(c *Conn, rec Record) Record {
	callID := rec.str("call_id")
	answer := rec.str("answer")

	call := s.calls.Get(callID)
	if call == nil {
		return Record{"type": TypeCallAnswerResponse, "status": "call_not_found", "call_id": callID}
	}
	if call.Callee != c.username {
		return errorRecord("not a participant in this call")
	}

	caller := s.presence.Lookup(call.Caller)

	switch answer {
	case "accept":
		active, ok := s.calls.Accept(callID)
		if !ok {
			return Record{"type": TypeCallAnswerResponse, "status": "call_not_found", "call_id": callID}
		}
		if err := s.store.UpdateCall(callID, 0, "accepted", 0); err != nil {
			slog.Error("call: journal accept failed", "call_id", callID, "err", err)
		}
		if caller != nil {
			accepted := Record{"type": TypeCallAccepted, "from": c.username, "call_id": callID}
			if port := rec.strPtr("call_port"); port != nil {
				accepted["call_port"] = *port
			} else if v, ok := rec.num("call_port"); ok {
				accepted["call_port"] = v
			}
			_ = caller.Conn.sendBestEffort(accepted)
		}
		_ = active
		return Record{"type": TypeCallAnswerResponse, "status": "accepted", "call_id": callID}

	case "reject":
		s.calls.Remove(callID)
		if err := s.store.UpdateCall(callID, time.Now().Unix(), "rejected", 0); err != nil {
			slog.Error("call: journal reject failed", "call_id", callID, "err", err)
		}
		if caller != nil {
			rejected := Record{"type": TypeCallRejected, "from": c.username, "call_id": callID}
			_ = caller.Conn.sendBestEffort(rejected)
		}
		return Record{"type": TypeCallAnswerResponse, "status": "rejected", "call_id": callID}

	default:
		return errorRecord("invalid answer value")
	}
}

// handleCallEnd implements the call_end branch of spec.md §4.8.
func (s *Server) handleCallEnd(c *Conn, rec Record) Record {
	callID := rec.str("call_id")

	call := s.calls.Get(callID)
	if call == nil {
		return Record{"type": TypeCallEndResponse, "status": "already_ended", "call_id": callID}
	}
	other, err := call.OtherParty(c.username)
	if err != nil {
		return errorRecord("not a participant in this call")
	}

	duration := int64(time.Since(call.StartedAt).Seconds())
	s.calls.Remove(callID)
	if err := s.store.UpdateCall(callID, time.Now().Unix(), "ended", duration); err != nil {
		slog.Error("call: journal end failed", "call_id", callID, "err", err)
	}

	if otherEntry := s.presence.Lookup(other); otherEntry != nil {
		ended := Record{"type": TypeCallEnded, "from": c.username, "call_id": callID}
		_ = otherEntry.Conn.sendBestEffort(ended)
	}

	return Record{"type": TypeCallEndResponse, "status": "ended", "call_id": callID, "duration": duration}
}

// handleICECandidate implements the ice_candidate pass-through. It always
// returns nil: a valid candidate is forwarded to target_user and an invalid
// one is silently dropped, per spec.md §4.8 and the round-trip property in
// §8 ("no state is mutated"); in neither case does the sender get a reply.
func (s *Server) handleICECandidate(c *Conn, rec Record) Record {
	callID := rec.str("call_id")
	targetUser := rec.str("target_user")
	candidate := rec.str("candidate")

	call := s.calls.Get(callID)
	if call == nil {
		return nil
	}
	if call.Caller != c.username && call.Callee != c.username {
		return nil
	}
	if targetUser != call.Caller && targetUser != call.Callee {
		return nil
	}

	target := s.presence.Lookup(targetUser)
	if target == nil {
		return nil
	}

	forward := Record{
		"type":      TypeICECandidate,
		"call_id":   callID,
		"candidate": candidate,
		"from_user": c.username,
	}
	_ = target.Conn.sendBestEffort(forward)
	return nil
}

// endCallsForUser tears down every non-terminal call referencing username,
// notifying the other participant and journaling "ended_abruptly". Used by
// both explicit logout and connection teardown (spec.md §4.9).
func (s *Server) endCallsForUser(username, reason string) {
	for _, call := range s.calls.ForUser(username) {
		s.calls.Remove(call.ID)

		duration := int64(0)
		if call.State == callActive {
			duration = int64(time.Since(call.StartedAt).Seconds())
		}
		if err := s.store.UpdateCall(call.ID, time.Now().Unix(), "ended_abruptly", duration); err != nil {
			slog.Error("call: journal abrupt end failed", "call_id", call.ID, "err", err)
		}

		other, err := call.OtherParty(username)
		if err != nil {
			continue
		}
		if otherEntry := s.presence.Lookup(other); otherEntry != nil {
			ended := Record{"type": TypeCallEnded, "from": username, "call_id": call.ID, "reason": reason}
			_ = otherEntry.Conn.sendBestEffort(ended)
		}
	}
}
