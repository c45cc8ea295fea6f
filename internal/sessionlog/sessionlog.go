package sessionlog

import (
	"context"
	"time"
)

// Record is one finished relay session as persisted for diagnostics. Outcome
// is either "completed" or the relay error class that ended the session.
type Record struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	SessionKey string    `json:"session_key,omitempty"`
	Endpoint   string    `json:"endpoint"`
	Outcome    string    `json:"outcome"`
	Frames     int64     `json:"frames"`
	Chunks     int64     `json:"chunks"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Summary aggregates session outcomes across the store.
type Summary struct {
	Sessions  int64 `json:"sessions"`
	Completed int64 `json:"completed"`
	Errored   int64 `json:"errored"`
	Frames    int64 `json:"frames"`
}

// Store defines persistence behaviour for the session log.
type Store interface {
	Record(ctx context.Context, rec Record) error
	Summary(ctx context.Context) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}
