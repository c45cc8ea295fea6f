package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/fableworks/fableworks-gateway/internal/sessionlog"
)

// Store implements sessionlog.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session log directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS relay_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	session_key TEXT,
	endpoint TEXT NOT NULL,
	outcome TEXT NOT NULL,
	frames INTEGER NOT NULL,
	chunks INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relay_sessions_started ON relay_sessions(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_relay_sessions_outcome ON relay_sessions(outcome);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping reports whether the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one finished session.
func (s *Store) Record(ctx context.Context, rec sessionlog.Record) error {
	if rec.SessionID == "" {
		return errors.New("session log record requires session id")
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO relay_sessions(session_id, session_key, endpoint, outcome, frames, chunks, started_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID,
		rec.SessionKey,
		rec.Endpoint,
		rec.Outcome,
		rec.Frames,
		rec.Chunks,
		started,
		rec.DurationMs,
	)
	return err
}

// Summary aggregates session outcomes.
func (s *Store) Summary(ctx context.Context) (sessionlog.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN outcome='completed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome NOT IN ('completed','client-disconnected') THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(frames), 0)
FROM relay_sessions`)
	var sum sessionlog.Summary
	if err := row.Scan(&sum.Sessions, &sum.Completed, &sum.Errored, &sum.Frames); err != nil {
		return sessionlog.Summary{}, fmt.Errorf("query summary: %w", err)
	}
	return sum, nil
}

// ListRecent returns the most recent sessions, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]sessionlog.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, session_key, endpoint, outcome, frames, chunks, started_at, duration_ms
FROM relay_sessions
ORDER BY started_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	var out []sessionlog.Record
	for rows.Next() {
		var rec sessionlog.Record
		var key sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionID, &key, &rec.Endpoint, &rec.Outcome, &rec.Frames, &rec.Chunks, &rec.StartedAt, &rec.DurationMs); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		rec.SessionKey = key.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
