// Package history is a best-effort, append-only audit trail of dispatch
// outcomes, backed by SQLite. The session store in internal/session
// remains the durable record of truth for resume decisions; this exists
// purely so an operator can ask "what happened on past dispatches for
// this session key" without replaying the store's compacted state.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kade-ridge/three/internal/dispatch"
)

// DB wraps the dispatch-history SQLite database.
type DB struct {
	conn *sql.DB
	Path string
}

// Open creates (if needed) and opens the dispatch-history database at
// path, enabling WAL mode so reads of the history do not block appends
// (appends themselves are still serialized by SQLite).
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &DB{conn: conn, Path: path}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_history (
	id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL,
	backend TEXT NOT NULL,
	role_id TEXT NOT NULL,
	model TEXT NOT NULL,
	resumed INTEGER NOT NULL,
	success INTEGER NOT NULL,
	warnings TEXT,
	error TEXT,
	recorded_at_unix_secs INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_history_session_key ON dispatch_history(session_key);
`

// Close closes the underlying database connection.
func (d *DB) Close() error { return d.conn.Close() }

// RecordDispatch implements dispatch.HistorySink. It is best-effort,
// fire-and-forget: any failure is swallowed, since history is
// supplemental and never part of a dispatch's success/failure path.
func (d *DB) RecordDispatch(key string, result *dispatch.Result) {
	if d == nil || result == nil {
		return
	}
	id := uuid.New().String()
	_, _ = d.conn.Exec(
		`INSERT INTO dispatch_history (id, session_key, backend, role_id, model, resumed, success, warnings, error, recorded_at_unix_secs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, key, result.Backend, result.RoleID, result.Model,
		boolToInt(result.Resumed), boolToInt(result.Success),
		result.Warnings, result.Error, time.Now().Unix(),
	)
}

// Entry is one row of the dispatch history, for the `three history`
// inspection command.
type Entry struct {
	ID              string `json:"id"`
	SessionKey      string `json:"session_key"`
	Backend         string `json:"backend"`
	RoleID          string `json:"role_id"`
	Model           string `json:"model"`
	Resumed         bool   `json:"resumed"`
	Success         bool   `json:"success"`
	Warnings        string `json:"warnings,omitempty"`
	Error           string `json:"error,omitempty"`
	RecordedAtUnix  int64  `json:"recorded_at_unix_secs"`
}

// ForSessionKey returns the dispatch history rows for a given session key,
// most recent first.
func (d *DB) ForSessionKey(key string) ([]Entry, error) {
	rows, err := d.conn.Query(
		`SELECT id, session_key, backend, role_id, model, resumed, success, warnings, error, recorded_at_unix_secs
		 FROM dispatch_history WHERE session_key = ? ORDER BY recorded_at_unix_secs DESC`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dispatch history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var resumed, success int
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.Backend, &e.RoleID, &e.Model, &resumed, &success, &e.Warnings, &e.Error, &e.RecordedAtUnix); err != nil {
			return nil, fmt.Errorf("scanning dispatch history row: %w", err)
		}
		e.Resumed = resumed != 0
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarshalEntries is a convenience used by the CLI's JSON output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
