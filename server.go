package main

import (
	"time"

	"broker/server/store"
)

// Config collects the tunables exposed on the command line (SPEC_FULL.md §1
// "Configuration"). Durations are sweeper/timeout knobs; spec.md's own
// numbers are the defaults.
type Config struct {
	ListenAddr string
	AdminAddr  string
	DBPath     string

	SessionLifetime time.Duration

	IdleSweepInterval time.Duration
	IdleThreshold     time.Duration

	CallSweepInterval time.Duration
	RingingTimeout    time.Duration
	ActiveTimeout     time.Duration
}

// DefaultConfig mirrors the numbers spec.md states explicitly.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:5555",
		AdminAddr:         "127.0.0.1:5556",
		DBPath:            "broker.db",
		SessionLifetime:   store.SessionLifetime,
		IdleSweepInterval: 30 * time.Second,
		IdleThreshold:     300 * time.Second,
		CallSweepInterval: 60 * time.Second,
		RingingTimeout:    120 * time.Second,
		ActiveTimeout:     300 * time.Second,
	}
}

// Server owns every piece of shared mutable state described in spec.md §9's
// "Global mutable singletons" design note: "Replace with a Server value
// that owns these maps and exposes methods; sweepers and dispatchers
// receive a reference to it on spawn." Dispatchers, the relay, the call
// coordinator, and the sweepers all operate through this value instead of
// package-level globals.
type Server struct {
	cfg   Config
	store *store.Store

	presence *Presence
	calls    *Calls
}

func newServer(cfg Config, st *store.Store) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		presence: newPresence(),
		calls:    newCalls(),
	}
}
