// Package store provides persistent account, session, and call-history state
// backed by an embedded SQLite database. It owns the database lifecycle and
// exposes a minimal API used by the rest of the server: UserStore
// (accounts + passwords), Session registry (opaque bearer tokens), and the
// Journal (append/update call history).
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// ErrNameTaken is returned by Register when the username already exists.
var ErrNameTaken = errors.New("username taken")

// ErrDenied is returned by VerifyPassword on a bad username/password pair.
var ErrDenied = errors.New("credentials denied")

// ErrSessionInvalid is returned by ValidateSession for an unknown or expired token.
var ErrSessionInvalid = errors.New("session expired or unknown")

// SessionLifetime is the default validity window for a freshly issued session.
const SessionLifetime = 24 * time.Hour

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — accounts
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		email         TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — sessions (at most one live row per user_id; enforced in code, not
	// by a UNIQUE constraint, because issueSession first deletes then inserts)
	`CREATE TABLE IF NOT EXISTS sessions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id       INTEGER NOT NULL REFERENCES users(id),
		session_token TEXT NOT NULL UNIQUE,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch()),
		expires_at    INTEGER NOT NULL
	)`,
	// v3 — call history journal
	`CREATE TABLE IF NOT EXISTS call_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id    TEXT NOT NULL,
		from_user  TEXT NOT NULL,
		to_user    TEXT NOT NULL,
		call_type  TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time   INTEGER,
		status     TEXT NOT NULL,
		duration_s INTEGER NOT NULL DEFAULT 0
	)`,
	// v4-v6 — indexes for lookup paths actually used by the server
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_call_history_call_id ON call_history(call_id)`,
	`CREATE INDEX IF NOT EXISTS idx_call_history_start ON call_history(start_time)`,
	// v7 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes account/session/journal
// operations. A single mutex-equivalent is provided by SQLite's own
// serialization under WAL + busy_timeout; spec.md §4.4/§5 call for a single
// store mutex, which maps naturally onto database/sql's own connection
// pool discipline here (see New).
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single writer connection serializes all mutations, matching spec.md's
	// "single mutex protects the backing store's connection" requirement.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("store: enable WAL mode failed (non-fatal)", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: set busy_timeout failed (non-fatal)", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Info("store: applied migration", "version", v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// UserStore (spec.md §4.4)
// ---------------------------------------------------------------------------

// Register creates a new account. Passwords are hashed with bcrypt and never
// logged. Returns ErrNameTaken if the username already exists; in that case
// the store is left unmodified (spec.md §8 invariant 4: register is
// idempotent on outcome).
func (s *Store) Register(username, password, email string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO users(username, password_hash, email) VALUES(?, ?, ?)`,
		username, string(hash), email,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// VerifyPassword checks username/password using a constant-time bcrypt
// comparison and returns the account id on success.
func (s *Store) VerifyPassword(username, password string) (int64, error) {
	var id int64
	var hash string
	err := s.db.QueryRow(
		`SELECT id, password_hash FROM users WHERE username = ?`, username,
	).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDenied
	}
	if err != nil {
		return 0, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return 0, ErrDenied
	}
	return id, nil
}

// LookupID returns the username for an account id.
func (s *Store) LookupID(accountID int64) (string, error) {
	var username string
	err := s.db.QueryRow(`SELECT username FROM users WHERE id = ?`, accountID).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDenied
	}
	return username, err
}

// UserCount returns the number of registered accounts.
func (s *Store) UserCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// AccountSummary is one row of the account roster, used by the CLI's users
// subcommand.
type AccountSummary struct {
	Username  string
	Email     string
	CreatedAt int64
}

// ListUsers returns every registered account, most recently created first.
func (s *Store) ListUsers() ([]AccountSummary, error) {
	rows, err := s.db.Query(`SELECT username, email, created_at FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountSummary
	for rows.Next() {
		var a AccountSummary
		if err := rows.Scan(&a.Username, &a.Email, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
// modernc.org/sqlite reports these with "UNIQUE constraint failed" in the
// error text; there is no typed sentinel to compare against.
func isUniqueViolation(err error) bool {
	return err != nil && containsFold(err.Error(), "unique constraint")
}

func containsFold(haystack, needle string) bool {
	hl, nl := []rune(haystack), []rune(needle)
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j, r := range nl {
			hr := hl[i+j]
			if 'A' <= hr && hr <= 'Z' {
				hr += 'a' - 'A'
			}
			if 'A' <= r && r <= 'Z' {
				r += 'a' - 'A'
			}
			if hr != r {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Session registry (spec.md §4.4)
// ---------------------------------------------------------------------------

// IssueSession revokes any existing session for accountID, then issues a
// fresh 32-byte URL-safe token with the given expiry window (spec.md §4.4
// default: 24h, via SessionLifetime).
func (s *Store) IssueSession(accountID int64, lifetime time.Duration) (string, error) {
	tok, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	expiresAt := time.Now().Add(lifetime).Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions WHERE user_id = ?`, accountID); err != nil {
		return "", fmt.Errorf("revoke prior sessions: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO sessions(user_id, session_token, expires_at) VALUES(?, ?, ?)`,
		accountID, tok, expiresAt,
	); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return tok, nil
}

// ValidateSession returns the account id bound to token. Expired tokens are
// deleted lazily on lookup (spec.md Design Note (b)): the 24h lifetime is
// enforced only when a lookup happens to land after expiry, not by a
// background sweep of the sessions table.
func (s *Store) ValidateSession(token string) (int64, error) {
	var accountID, expiresAt int64
	err := s.db.QueryRow(
		`SELECT user_id, expires_at FROM sessions WHERE session_token = ?`, token,
	).Scan(&accountID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionInvalid
	}
	if err != nil {
		return 0, fmt.Errorf("lookup session: %w", err)
	}
	if time.Now().Unix() > expiresAt {
		_, _ = s.db.Exec(`DELETE FROM sessions WHERE session_token = ?`, token)
		return 0, ErrSessionInvalid
	}
	return accountID, nil
}

// ClearSession deletes a session token outright (used by explicit logout).
func (s *Store) ClearSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_token = ?`, token)
	return err
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ---------------------------------------------------------------------------
// Call history journal (spec.md §3, §4.8)
// ---------------------------------------------------------------------------

// CallRecord mirrors one row of call_history.
type CallRecord struct {
	ID        int64
	CallID    string
	FromUser  string
	ToUser    string
	CallType  string
	StartTime int64
	EndTime   sql.NullInt64
	Status    string
	DurationS int64
}

// AppendCall inserts a new call_history row in status "initiated" (or
// whatever initial status is passed) when a call_request is accepted into
// the in-memory call table. Returns the new row's id; UpdateCall locates
// rows by callID, not by this id.
func (s *Store) AppendCall(callID, fromUser, toUser, callType string, startTime int64, status string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO call_history(call_id, from_user, to_user, call_type, start_time, status) VALUES(?,?,?,?,?,?)`,
		callID, fromUser, toUser, callType, startTime, status,
	)
	if err != nil {
		return 0, fmt.Errorf("insert call history: %w", err)
	}
	return res.LastInsertId()
}

// UpdateCall sets the terminal status, end time, and duration for a call
// identified by its callID (the most recent row matching is updated, since
// callIDs are UUIDs and thus globally unique per spec.md §3).
func (s *Store) UpdateCall(callID string, endTime int64, status string, durationS int64) error {
	_, err := s.db.Exec(
		`UPDATE call_history SET end_time = ?, status = ?, duration_s = ?
		 WHERE call_id = ? AND id = (SELECT id FROM call_history WHERE call_id = ? ORDER BY id DESC LIMIT 1)`,
		endTime, status, durationS, callID, callID,
	)
	return err
}

// RecentCalls returns the most recent call_history rows, newest first.
func (s *Store) RecentCalls(limit int) ([]CallRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, call_id, from_user, to_user, call_type, start_time, end_time, status, duration_s
		 FROM call_history ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var c CallRecord
		if err := rows.Scan(&c.ID, &c.CallID, &c.FromUser, &c.ToUser, &c.CallType, &c.StartTime, &c.EndTime, &c.Status, &c.DurationS); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// CLI / admin helpers
// ---------------------------------------------------------------------------

// Backup creates a copy of the database at the given path using SQLite's
// backup facility through VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

// Optimize runs PRAGMA optimize for the SQLite query planner.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}
