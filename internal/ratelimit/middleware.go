package ratelimit

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
)

// Middleware applies per-caller rate limits to HTTP handlers. The key is
// resolved by the supplied function; typically the bearer credential when
// present and the client address otherwise.
type Middleware struct {
	limiter *Limiter
	keyFn   func(*http.Request) string
	enabled bool
	logger  *log.Logger
	onHit   func()
}

// NewMiddleware creates rate limiting middleware. onHit, when non-nil, is
// invoked once per rejected request (metrics hook).
func NewMiddleware(limiter *Limiter, keyFn func(*http.Request) string, enabled bool, logger *log.Logger, onHit func()) *Middleware {
	return &Middleware{
		limiter: limiter,
		keyFn:   keyFn,
		enabled: enabled,
		logger:  logger,
		onHit:   onHit,
	}
}

// Wrap applies the limit to a handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled || m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if m.keyFn != nil {
			key = m.keyFn(r)
		}
		if !m.limiter.Allow(r.Context(), key) {
			m.addHeaders(w, key, r)
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded path=%s", r.URL.Path)
			}
			if m.onHit != nil {
				m.onHit()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":   "rate-limited",
				"message": "too many requests, try again later",
			})
			return
		}
		m.addHeaders(w, key, r)
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) addHeaders(w http.ResponseWriter, key string, r *http.Request) {
	remaining := m.limiter.Remaining(r.Context(), key)
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(m.limiter.capacity, 'f', -1, 64))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Floor(remaining))))
}
