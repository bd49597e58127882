package main

import (
	"context"
	"log/slog"
	"time"
)

// RunMetrics logs presence/call counts every interval in which at least one
// of them is nonzero, until ctx is cancelled, the same shape as the
// teacher's room-stats ticker.
func RunMetrics(ctx context.Context, s *Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users := s.presence.Count()
			calls := s.calls.Count()
			if users > 0 || calls > 0 {
				slog.Info("metrics", "connected_users", users, "active_calls", calls)
			}
		}
	}
}
