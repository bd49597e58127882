package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"broker/server/store"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		cliDB := "broker.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	cfg := DefaultConfig()

	addr := flag.String("addr", cfg.ListenAddr, "TCP listen address for the signaling protocol")
	apiAddr := flag.String("api-addr", cfg.AdminAddr, "admin REST API listen address (empty to disable)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	sessionLifetime := flag.Duration("session-lifetime", cfg.SessionLifetime, "session token validity window")
	idleSweep := flag.Duration("idle-sweep-interval", cfg.IdleSweepInterval, "idle-connection sweep tick interval")
	idleThreshold := flag.Duration("idle-threshold", cfg.IdleThreshold, "age past which an idle connection is evicted")
	callSweep := flag.Duration("call-sweep-interval", cfg.CallSweepInterval, "stuck-call sweep tick interval")
	ringingTimeout := flag.Duration("ringing-timeout", cfg.RingingTimeout, "age past which a ringing call is timed out")
	activeTimeout := flag.Duration("active-timeout", cfg.ActiveTimeout, "age past which an active call without heartbeat is timed out")
	flag.Parse()

	cfg.ListenAddr = *addr
	cfg.AdminAddr = *apiAddr
	cfg.DBPath = *dbPath
	cfg.SessionLifetime = *sessionLifetime
	cfg.IdleSweepInterval = *idleSweep
	cfg.IdleThreshold = *idleThreshold
	cfg.CallSweepInterval = *callSweep
	cfg.RingingTimeout = *ringingTimeout
	cfg.ActiveTimeout = *activeTimeout

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("store: open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	srv := newServer(cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("server: shutting down")
		cancel()
	}()

	go RunMetrics(ctx, srv, 30*time.Second)

	// Periodically optimize the SQLite query planner, matching the
	// teacher's own hourly-optimize ticker.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					slog.Warn("store: optimize failed", "err", err)
				}
			}
		}
	}()

	srv.runSweepers(ctx)

	if cfg.AdminAddr != "" {
		api := NewAPIServer(srv)
		go api.Run(ctx, cfg.AdminAddr)
		slog.Info("api: listening", "addr", cfg.AdminAddr)
	}

	if err := srv.listen(ctx, cfg.ListenAddr); err != nil {
		slog.Error("listener: fatal", "err", err)
		os.Exit(1)
	}
}
