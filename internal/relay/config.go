package relay

import (
	"log"
	"net/http"
	"time"
)

// Defaults applied by Config.withDefaults. Generation calls get a tighter
// ceiling than job subscriptions, which may attach to jobs that run for most
// of their allowed lifetime.
const (
	DefaultGenerateTimeout   = 10 * time.Minute
	DefaultSubscribeTimeout  = 30 * time.Minute
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second

	DefaultSessionCookie  = "fableworks_session"
	DefaultFallbackCookie = "fw_token"
)

// Config carries every knob the relay engine needs. It replaces process-wide
// globals: construct it once and hand it to NewEngine.
type Config struct {
	// UpstreamBaseURL is the job API root, without a trailing slash.
	UpstreamBaseURL string

	// Client issues upstream calls. Its Timeout must stay zero: session
	// lifetimes are enforced by the per-session context, and a client-wide
	// timeout would sever healthy long streams.
	Client *http.Client

	// GenerateTimeout and SubscribeTimeout are the total-lifetime ceilings
	// for the two relay endpoints. InactivityTimeout caps the gap since the
	// last upstream byte.
	GenerateTimeout   time.Duration
	SubscribeTimeout  time.Duration
	InactivityTimeout time.Duration

	// HeartbeatInterval is both the comment-frame cadence and the idle
	// threshold that triggers one.
	HeartbeatInterval time.Duration

	SessionCookie  string
	FallbackCookie string

	Logger   *log.Logger
	LogLevel string
}

func (c Config) withDefaults() Config {
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = DefaultGenerateTimeout
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SessionCookie == "" {
		c.SessionCookie = DefaultSessionCookie
	}
	if c.FallbackCookie == "" {
		c.FallbackCookie = DefaultFallbackCookie
	}
	return c
}
