package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fableworks/fableworks-gateway/internal/relay"
)

// maxGenerateBody bounds generation request bodies. Prompts are short; a
// megabyte is already generous.
const maxGenerateBody = 1 << 20

// generateRequest is the client payload for POST /api/v1/generate. Fields
// beyond topic are forwarded verbatim, so only topic is modelled here.
type generateRequest struct {
	Topic string `json:"topic"`
}

// handleGenerate starts a generation upstream and relays its event stream.
// The body is validated locally before any upstream work: a missing topic is
// this gateway's error, not the job API's.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxGenerateBody))
	if err != nil {
		relay.RespondError(w, relay.Errf(relay.ClassBadRequest, "read request body: %v", err))
		return
	}
	var req generateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		relay.RespondError(w, relay.Errf(relay.ClassBadRequest, "invalid JSON body: %v", err))
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		relay.RespondError(w, relay.Errf(relay.ClassBadRequest, "topic is required"))
		return
	}

	s.debugf("generate topic_len=%d", len(req.Topic))
	s.engine.Relay(w, r, "generate", relay.Target{
		Method:            http.MethodPost,
		Path:              "/v1/generate",
		Body:              raw,
		TotalTimeout:      s.totalTimeout("generate", s.engine.Config().GenerateTimeout),
		InactivityTimeout: s.inactivityTimeout("generate"),
	})
}

// handleJobEvents attaches to an existing job's event stream.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if strings.TrimSpace(jobID) == "" {
		relay.RespondError(w, relay.Errf(relay.ClassBadRequest, "job id is required"))
		return
	}

	s.engine.Relay(w, r, "subscribe", relay.Target{
		Method:            http.MethodGet,
		Path:              "/v1/jobs/" + jobID + "/events",
		SessionKey:        jobID,
		TotalTimeout:      s.totalTimeout("subscribe", s.engine.Config().SubscribeTimeout),
		InactivityTimeout: s.inactivityTimeout("subscribe"),
	})
}
