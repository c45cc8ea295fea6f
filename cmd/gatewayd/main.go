package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fableworks/fableworks-gateway/internal/config"
	"github.com/fableworks/fableworks-gateway/internal/health"
	"github.com/fableworks/fableworks-gateway/internal/httpserver"
	"github.com/fableworks/fableworks-gateway/internal/logging"
	"github.com/fableworks/fableworks-gateway/internal/metrics"
	"github.com/fableworks/fableworks-gateway/internal/ratelimit"
	"github.com/fableworks/fableworks-gateway/internal/relay"
	"github.com/fableworks/fableworks-gateway/internal/sessionlog"
	sessionpg "github.com/fableworks/fableworks-gateway/internal/sessionlog/postgres"
	sessionsqlite "github.com/fableworks/fableworks-gateway/internal/sessionlog/sqlite"
	"github.com/fableworks/fableworks-gateway/internal/version"
)

func main() {
	root := os.Getenv("FABLEWORKS_HOME")
	cfg, err := config.LoadGatewayConfig(root)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024)
	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[gatewayd] ")

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		log.Fatalf("load rules: %v", err)
	}

	store, err := openSessionStore(cfg)
	if err != nil {
		log.Fatalf("open session log: %v", err)
	}
	defer store.Close()

	relayMetrics := metrics.NewRelay()
	relayLogger := log.New(log.Writer(), "[gatewayd/relay] ", log.LstdFlags|log.Lmicroseconds)

	engine := relay.NewEngine(relay.Config{
		UpstreamBaseURL:   cfg.UpstreamBaseURL,
		Client:            &http.Client{},
		GenerateTimeout:   cfg.GenerateTimeout,
		SubscribeTimeout:  cfg.SubscribeTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionCookie:     cfg.SessionCookie,
		FallbackCookie:    cfg.FallbackCookie,
		Logger:            relayLogger,
		LogLevel:          cfg.LogLevel,
	})
	engine.SetMetrics(relayMetrics)
	engine.SetRecorder(sessionlog.NewRecorder(store, relayLogger))

	limiter := buildLimiter(cfg, rules)
	defer limiter.Close()

	srv := httpserver.NewServer(engine)
	srv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[gatewayd/http] ", log.LstdFlags|log.Lmicroseconds))
	srv.SetMetrics(relayMetrics)
	srv.SetSessionStore(store)
	srv.SetRules(rules)
	srv.SetHealthChecker(buildHealthChecker(cfg, store))
	srv.SetRateLimit(ratelimit.NewMiddleware(limiter, rateLimitKey(cfg), cfg.RateLimitEnabled, log.Default(), func() {
		relayMetrics.RateLimitHits.Inc()
	}))

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays zero: it would sever long event streams. The
		// relay enforces its own lifetime and inactivity ceilings.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("gateway starting %s", version.FullInfo())
		log.Printf("gateway listening on %s env=%s upstream=%s", addr, cfg.Environment, cfg.UpstreamBaseURL)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// buildHealthChecker registers probes for the session log database and the
// upstream job API. The session log is critical; the upstream probe only
// degrades health since transient upstream trouble surfaces per-session
// anyway.
func buildHealthChecker(cfg config.GatewayConfig, store sessionlog.Store) *health.Checker {
	checker := health.NewChecker(2 * time.Second)
	checker.AddCheck("session_log", "database", true, store.Ping)
	probe := &http.Client{}
	checker.AddCheck("upstream", "http", false, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.UpstreamBaseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := probe.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	})
	return checker
}

func openSessionStore(cfg config.GatewayConfig) (sessionlog.Store, error) {
	switch cfg.SessionLogDriver {
	case "postgres":
		return sessionpg.New(cfg.SessionLogDSN, 10, 5)
	default:
		return sessionsqlite.New(cfg.SessionLogPath)
	}
}

// buildLimiter assembles the rate limiter. The generate endpoint's rule
// overrides the global rate when present, since generation is the expensive
// call the limits exist for.
func buildLimiter(cfg config.GatewayConfig, rules config.Rules) *ratelimit.Limiter {
	lcfg := ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rule, ok := rules.Endpoint("generate"); ok {
		if rule.RequestsPerSecond > 0 {
			lcfg.RequestsPerSecond = rule.RequestsPerSecond
		}
		if rule.Burst > 0 {
			lcfg.BurstSize = rule.Burst
		}
	}
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		store, err := ratelimit.NewRedisStore(addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("redis store unavailable (%v); falling back to in-memory limits", err)
		} else {
			lcfg.Store = store
		}
	}
	return ratelimit.NewLimiter(lcfg)
}

// rateLimitKey buckets requests by credential when one is present, otherwise
// by client address so anonymous callers cannot drain a shared bucket.
func rateLimitKey(cfg config.GatewayConfig) func(*http.Request) string {
	return func(r *http.Request) string {
		if cred, ok := relay.ResolveCredential(r, cfg.SessionCookie, cfg.FallbackCookie); ok {
			return "cred:" + cred
		}
		return "addr:" + r.RemoteAddr
	}
}
