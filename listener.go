package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
)

// listen binds addr and accepts connections unboundedly, spawning one
// dispatcher goroutine per connection, until ctx is cancelled (spec.md
// §4.9 "Listener": "No admission control").
func (s *Server) listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	slog.Info("listener: accepting connections", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("listener: accept failed", "err", err)
			continue
		}
		go s.handleConnection(conn)
	}
}
