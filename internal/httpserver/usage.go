package httpserver

import (
	"net/http"
	"strconv"

	"github.com/fableworks/fableworks-gateway/internal/relay"
)

// handleUsageSummary returns aggregate session counts from the session log.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		relay.RespondError(w, relay.Errf(relay.ClassInternal, "session log not configured"))
		return
	}
	summary, err := s.sessions.Summary(r.Context())
	if err != nil {
		s.logger.Printf("usage.summary failed: %v", err)
		relay.RespondError(w, relay.Errf(relay.ClassInternal, "session log unavailable"))
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleUsageRecent returns the most recent sessions, newest first. The
// limit query parameter caps the page size (default 50, max 500).
func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		relay.RespondError(w, relay.Errf(relay.ClassInternal, "session log not configured"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			relay.RespondError(w, relay.Errf(relay.ClassBadRequest, "limit must be a positive integer"))
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}
	records, err := s.sessions.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Printf("usage.recent failed: %v", err)
		relay.RespondError(w, relay.Errf(relay.ClassInternal, "session log unavailable"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": records})
}
