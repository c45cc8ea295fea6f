package httpserver

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fableworks/fableworks-gateway/internal/relay"
)

// passthroughTimeout bounds the plain JSON calls. These are quick control
// operations, nothing like the streaming endpoints.
const passthroughTimeout = 30 * time.Second

const maxPassthroughBody = 4 << 20

// handleCreateJob forwards POST /api/v1/jobs to the job API unchanged and
// returns its JSON response as-is.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	s.passthrough(w, r, http.MethodPost, "/v1/jobs")
}

// handleJobStatus forwards GET /api/v1/jobs/{jobID}.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if strings.TrimSpace(jobID) == "" {
		relay.RespondError(w, relay.Errf(relay.ClassBadRequest, "job id is required"))
		return
	}
	s.passthrough(w, r, http.MethodGet, "/v1/jobs/"+jobID)
}

// passthrough proxies one non-streaming call. It shares the relay's
// credential rules but none of its session machinery: the response is
// buffered and returned whole.
func (s *Server) passthrough(w http.ResponseWriter, r *http.Request, method, path string) {
	cfg := s.engine.Config()
	credential, ok := relay.ResolveCredential(r, cfg.SessionCookie, cfg.FallbackCookie)
	if !ok {
		relay.RespondError(w, relay.Errf(relay.ClassUnauthenticated, "authentication required"))
		return
	}

	var body io.Reader
	if method != http.MethodGet {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxPassthroughBody))
		if err != nil {
			relay.RespondError(w, relay.Errf(relay.ClassBadRequest, "read request body: %v", err))
			return
		}
		body = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(r.Context(), passthroughTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.UpstreamBaseURL+path, body)
	if err != nil {
		relay.RespondError(w, relay.Errf(relay.ClassInternal, "build upstream request: %v", err))
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := cfg.Client.Do(req)
	if err != nil {
		relay.RespondError(w, relay.Errf(relay.ClassUpstreamUnreachable, "upstream unreachable: %v", err))
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPassthroughBody))
	if err != nil {
		relay.RespondError(w, relay.Errf(relay.ClassMalformedResponse, "read upstream response: %v", err))
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(raw)
}
