package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay aggregates the gateway's streaming metrics. Sessions are labelled by
// endpoint ("generate" or "subscribe") and, on completion, by outcome class.
type Relay struct {
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	FramesForwarded *prometheus.CounterVec
	HeartbeatsSent  *prometheus.CounterVec
	SessionSeconds  *prometheus.HistogramVec
	RateLimitHits   prometheus.Counter

	registry *prometheus.Registry
}

// NewRelay builds the collector set on a fresh registry.
func NewRelay() *Relay {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Relay{
		registry: reg,
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_relay_sessions_active",
			Help: "Relay sessions currently streaming to a client.",
		}, []string{"endpoint"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_relay_sessions_total",
			Help: "Completed relay sessions by outcome class.",
		}, []string{"endpoint", "outcome"}),
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_relay_frames_forwarded_total",
			Help: "Content frames forwarded to clients.",
		}, []string{"endpoint"}),
		HeartbeatsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_relay_heartbeats_sent_total",
			Help: "Heartbeat comment frames sent during idle upstream periods.",
		}, []string{"endpoint"}),
		SessionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_relay_session_duration_seconds",
			Help:    "Wall-clock duration of relay sessions.",
			Buckets: []float64{1, 5, 15, 60, 300, 600, 1200, 1800},
		}, []string{"endpoint"}),
		RateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
