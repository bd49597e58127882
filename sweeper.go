package main

import (
	"context"
	"log/slog"
	"time"
)

// runSweepers launches the two independent periodic tasks described in
// spec.md §4.9 as goroutines and returns at once; each goroutine stops when
// ctx is cancelled. Each runs on its own
// ticker, matching the teacher main.go's pattern of one goroutine per
// periodic concern rather than a single multiplexed timer.
func (s *Server) runSweepers(ctx context.Context) {
	go s.runIdleSweep(ctx)
	go s.runCallSweep(ctx)
}

func (s *Server) runIdleSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdleConnections()
		}
	}
}

func (s *Server) runCallSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CallSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStuckCalls()
		}
	}
}

// sweepIdleConnections evicts Presence entries whose lastSeen predates the
// idle threshold, closing the connection and running the same teardown path
// used by a clean disconnect.
func (s *Server) sweepIdleConnections() {
	cutoff := time.Now().Add(-s.cfg.IdleThreshold)
	for _, username := range s.presence.IdleSince(cutoff) {
		entry := s.presence.Remove(username)
		if entry == nil {
			continue
		}
		slog.Info("sweeper: evicting idle connection", "user", username)
		s.endCallsForUser(username, "user_disconnected")
		entry.Conn.close()
	}
}

// sweepStuckCalls ends any ringing call older than RingingTimeout and any
// active call older than ActiveTimeout, notifying whichever participants
// are still present and journaling status "timeout" (spec.md §4.9).
func (s *Server) sweepStuckCalls() {
	now := time.Now()

	for _, call := range s.calls.RingingOlderThan(now.Add(-s.cfg.RingingTimeout)) {
		s.timeoutCall(call)
	}
	for _, call := range s.calls.ActiveOlderThan(now.Add(-s.cfg.ActiveTimeout)) {
		s.timeoutCall(call)
	}
}

func (s *Server) timeoutCall(call *Call) {
	removed := s.calls.Remove(call.ID)
	if removed == nil {
		return // already handled by another path between the scan and here
	}

	var duration int64
	if call.State == callActive {
		duration = int64(time.Since(call.StartedAt).Seconds())
	}
	if err := s.store.UpdateCall(call.ID, time.Now().Unix(), "timeout", duration); err != nil {
		slog.Error("sweeper: journal timeout failed", "call_id", call.ID, "err", err)
	}

	slog.Info("sweeper: ending stuck call", "call_id", call.ID, "state", call.State)
	for _, username := range []string{call.Caller, call.Callee} {
		if entry := s.presence.Lookup(username); entry != nil {
			ended := Record{"type": TypeCallEnded, "from": "system", "call_id": call.ID, "reason": "timeout"}
			_ = entry.Conn.sendBestEffort(ended)
		}
	}
}
