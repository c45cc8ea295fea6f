package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fableworks/fableworks-gateway/internal/config"
	"github.com/fableworks/fableworks-gateway/internal/health"
	"github.com/fableworks/fableworks-gateway/internal/metrics"
	"github.com/fableworks/fableworks-gateway/internal/ratelimit"
	"github.com/fableworks/fableworks-gateway/internal/relay"
	"github.com/fableworks/fableworks-gateway/internal/sessionlog"
	"github.com/fableworks/fableworks-gateway/internal/version"
)

// Server owns the HTTP surface of the gateway: the two relay endpoints, the
// non-streaming job passthroughs, and the operational endpoints (health,
// metrics, usage). All dependencies are injected through setters so main can
// assemble them in any order.
type Server struct {
	engine   *relay.Engine
	logger   *log.Logger
	logLevel string

	metrics  *metrics.Relay
	limiter  *ratelimit.Middleware
	sessions sessionlog.Store
	rules    config.Rules
	checker  *health.Checker
}

// NewServer builds a Server around a relay engine. Everything else is
// optional and attached with setters.
func NewServer(engine *relay.Engine) *Server {
	return &Server{
		engine: engine,
		logger: log.Default(),
	}
}

func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = level
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) SetMetrics(m *metrics.Relay) { s.metrics = m }

func (s *Server) SetRateLimit(mw *ratelimit.Middleware) { s.limiter = mw }

func (s *Server) SetSessionStore(store sessionlog.Store) { s.sessions = store }

// SetRules installs per-endpoint overrides for relay timing.
func (s *Server) SetRules(rules config.Rules) { s.rules = rules }

// SetHealthChecker attaches dependency probes to /healthz.
func (s *Server) SetHealthChecker(c *health.Checker) { s.checker = c }

// totalTimeout resolves the lifetime ceiling for an endpoint, preferring a
// rules-file override over the configured default.
func (s *Server) totalTimeout(endpoint string, fallback time.Duration) time.Duration {
	if rule, ok := s.rules.Endpoint(endpoint); ok && rule.TotalTimeout > 0 {
		return rule.TotalTimeout
	}
	return fallback
}

func (s *Server) inactivityTimeout(endpoint string) time.Duration {
	if rule, ok := s.rules.Endpoint(endpoint); ok && rule.InactivityTimeout > 0 {
		return rule.InactivityTimeout
	}
	return 0 // engine default
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Wrap)
		}
		api.Post("/generate", s.handleGenerate)
		api.Post("/jobs", s.handleCreateJob)
		api.Get("/jobs/{jobID}", s.handleJobStatus)
		api.Get("/jobs/{jobID}/events", s.handleJobEvents)
		api.Get("/usage/summary", s.handleUsageSummary)
		api.Get("/usage/recent", s.handleUsageRecent)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Info(),
		})
		return
	}
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"status":     report.Status,
		"version":    version.Info(),
		"components": report.Components,
		"checked_at": report.CheckedAt,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf(format, args...)
	}
}
