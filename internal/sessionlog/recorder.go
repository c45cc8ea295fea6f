package sessionlog

import (
	"context"
	"log"

	"github.com/fableworks/fableworks-gateway/internal/relay"
)

// Recorder adapts a Store to the relay engine's Recorder interface. Write
// failures are logged and dropped: session diagnostics must never block or
// fail a relay.
type Recorder struct {
	store  Store
	logger *log.Logger
}

// NewRecorder wraps the store for use by the relay engine.
func NewRecorder(store Store, logger *log.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// RecordSession persists one finished session.
func (r *Recorder) RecordSession(ctx context.Context, rec relay.SessionRecord) {
	if r.store == nil {
		return
	}
	err := r.store.Record(ctx, Record{
		SessionID:  rec.SessionID,
		SessionKey: rec.SessionKey,
		Endpoint:   rec.Endpoint,
		Outcome:    rec.Outcome,
		Frames:     rec.Frames,
		Chunks:     rec.Chunks,
		StartedAt:  rec.StartedAt,
		DurationMs: rec.Duration.Milliseconds(),
	})
	if err != nil && r.logger != nil {
		r.logger.Printf("sessionlog record failed session=%s: %v", rec.SessionID, err)
	}
}
