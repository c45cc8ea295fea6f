package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newConfigRoot(t *testing.T, setting, gateway string) string {
	t.Helper()
	root := t.TempDir()
	if setting != "" {
		writeFile(t, filepath.Join(root, "config/setting.ini"), setting)
	}
	if gateway != "" {
		writeFile(t, filepath.Join(root, "config/dev/gateway.ini"), gateway)
	}
	return root
}

func TestLoadGatewayConfigDefaults(t *testing.T) {
	cfg, err := LoadGatewayConfig(newConfigRoot(t, "environment = dev\n", ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment %q", cfg.Environment)
	}
	if cfg.ListenPort != 8090 {
		t.Fatalf("port %d", cfg.ListenPort)
	}
	if cfg.GenerateTimeout != 10*time.Minute || cfg.SubscribeTimeout != 30*time.Minute {
		t.Fatalf("timeouts %s/%s", cfg.GenerateTimeout, cfg.SubscribeTimeout)
	}
	if cfg.InactivityTimeout != 5*time.Minute || cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("timing %s/%s", cfg.InactivityTimeout, cfg.HeartbeatInterval)
	}
	if cfg.SessionCookie != "fableworks_session" || cfg.FallbackCookie != "fw_token" {
		t.Fatalf("cookies %q/%q", cfg.SessionCookie, cfg.FallbackCookie)
	}
	if cfg.SessionLogDriver != "sqlite" {
		t.Fatalf("driver %q", cfg.SessionLogDriver)
	}
	if !cfg.RateLimitEnabled || cfg.RateLimitRPS != 5 || cfg.RateLimitBurst != 20 {
		t.Fatalf("rate limit defaults %+v", cfg)
	}
}

func TestLoadGatewayConfigMissingSettingsFile(t *testing.T) {
	cfg, err := LoadGatewayConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment %q", cfg.Environment)
	}
}

func TestLoadGatewayConfigIniValues(t *testing.T) {
	root := newConfigRoot(t,
		"environment = dev\nlog_level = debug\n",
		`
port = 9001
upstream_base_url = https://jobs.example.test/
generate_timeout = 2m
subscribe_timeout = 1h
inactivity_timeout = 90s
heartbeat_interval = 10s
session_cookie = sid
ratelimit_enabled = false
ratelimit_rps = 2.5
`)
	cfg, err := LoadGatewayConfig(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenPort != 9001 {
		t.Fatalf("port %d", cfg.ListenPort)
	}
	if cfg.UpstreamBaseURL != "https://jobs.example.test" {
		t.Fatalf("trailing slash kept: %q", cfg.UpstreamBaseURL)
	}
	if cfg.GenerateTimeout != 2*time.Minute || cfg.SubscribeTimeout != time.Hour {
		t.Fatalf("timeouts %s/%s", cfg.GenerateTimeout, cfg.SubscribeTimeout)
	}
	if cfg.InactivityTimeout != 90*time.Second || cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("timing %s/%s", cfg.InactivityTimeout, cfg.HeartbeatInterval)
	}
	if cfg.SessionCookie != "sid" {
		t.Fatalf("cookie %q", cfg.SessionCookie)
	}
	if cfg.RateLimitEnabled {
		t.Fatalf("ratelimit should be off")
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("rps %v", cfg.RateLimitRPS)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("setting.ini default not merged: %q", cfg.LogLevel)
	}
}

func TestLoadGatewayConfigEnvOverrides(t *testing.T) {
	root := newConfigRoot(t, "environment = dev\n", "port = 9001\n")
	t.Setenv("FABLEWORKS_PORT", "9002")
	t.Setenv("FABLEWORKS_GENERATE_TIMEOUT", "45s")
	t.Setenv("FABLEWORKS_UPSTREAM_BASE_URL", "http://127.0.0.1:9999")

	cfg, err := LoadGatewayConfig(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenPort != 9002 {
		t.Fatalf("env override lost: %d", cfg.ListenPort)
	}
	if cfg.GenerateTimeout != 45*time.Second {
		t.Fatalf("timeout %s", cfg.GenerateTimeout)
	}
	if cfg.UpstreamBaseURL != "http://127.0.0.1:9999" {
		t.Fatalf("upstream %q", cfg.UpstreamBaseURL)
	}
}

func TestLoadGatewayConfigRejectsBadDuration(t *testing.T) {
	root := newConfigRoot(t, "environment = dev\n", "generate_timeout = tomorrow\n")
	if _, err := LoadGatewayConfig(root); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestLoadGatewayConfigPostgresRequiresDSN(t *testing.T) {
	root := newConfigRoot(t, "environment = dev\n", "sessionlog_driver = postgres\n")
	if _, err := LoadGatewayConfig(root); err == nil {
		t.Fatalf("postgres without dsn accepted")
	}

	root = newConfigRoot(t, "environment = dev\n",
		"sessionlog_driver = postgres\nsessionlog_dsn = postgres://gw@localhost/gw\n")
	cfg, err := LoadGatewayConfig(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionLogDriver != "postgres" {
		t.Fatalf("driver %q", cfg.SessionLogDriver)
	}
}

func TestLoadGatewayConfigRejectsUnknownDriver(t *testing.T) {
	root := newConfigRoot(t, "environment = dev\n", "sessionlog_driver = mongo\n")
	if _, err := LoadGatewayConfig(root); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestParseINISkipsCommentsAndSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.ini")
	writeFile(t, path, `
# comment
; also a comment
[section]
Key = Value
empty_line_above = yes
broken-line-without-equals
`)
	values, err := parseINI(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if values["key"] != "Value" {
		t.Fatalf("keys not lowercased: %v", values)
	}
	if _, ok := values["[section]"]; ok {
		t.Fatalf("section header leaked")
	}
	if len(values) != 2 {
		t.Fatalf("values %v", values)
	}
}
