package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for the gateway daemon.
type GatewayConfig struct {
	Environment string

	// HTTP surface
	ListenPort int

	// Upstream job API
	UpstreamBaseURL string

	// Relay timing
	GenerateTimeout   time.Duration
	SubscribeTimeout  time.Duration
	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration

	// Credential carriers
	SessionCookie  string
	FallbackCookie string

	// Logging
	LogFile  string
	LogLevel string

	// Session log store: driver is "sqlite" or "postgres"
	SessionLogDriver string
	SessionLogPath   string // sqlite file
	SessionLogDSN    string // postgres DSN

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   float64
	RedisAddr        string // non-empty selects the Redis store
	RedisPassword    string
	RedisDB          int

	// Optional per-endpoint rule overrides (yaml)
	RulesFile string
}

// LoadGatewayConfig reads the current environment and loads the appropriate
// gateway config file, with FABLEWORKS_* environment overrides.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return GatewayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := GatewayConfig{
		Environment:     s.Environment,
		ListenPort:      parseOptionalInt(firstNonEmpty(os.Getenv("FABLEWORKS_PORT"), merged["port"]), 8090),
		UpstreamBaseURL: strings.TrimRight(firstNonEmpty(os.Getenv("FABLEWORKS_UPSTREAM_BASE_URL"), merged["upstream_base_url"], DefaultUpstreamBaseURL(s.Environment)), "/"),
		SessionCookie:   firstNonEmpty(os.Getenv("FABLEWORKS_SESSION_COOKIE"), merged["session_cookie"], "fableworks_session"),
		FallbackCookie:  firstNonEmpty(os.Getenv("FABLEWORKS_FALLBACK_COOKIE"), merged["fallback_cookie"], "fw_token"),
		LogFile:         firstNonEmpty(os.Getenv("FABLEWORKS_LOG_FILE"), merged["log_file"]),
		LogLevel:        firstNonEmpty(os.Getenv("FABLEWORKS_LOG_LEVEL"), merged["log_level"], "info"),
		RulesFile:       firstNonEmpty(os.Getenv("FABLEWORKS_RULES_FILE"), merged["rules_file"]),
	}

	durations := []struct {
		dst      *time.Duration
		envKey   string
		iniKey   string
		fallback time.Duration
	}{
		{&cfg.GenerateTimeout, "FABLEWORKS_GENERATE_TIMEOUT", "generate_timeout", 10 * time.Minute},
		{&cfg.SubscribeTimeout, "FABLEWORKS_SUBSCRIBE_TIMEOUT", "subscribe_timeout", 30 * time.Minute},
		{&cfg.InactivityTimeout, "FABLEWORKS_INACTIVITY_TIMEOUT", "inactivity_timeout", 5 * time.Minute},
		{&cfg.HeartbeatInterval, "FABLEWORKS_HEARTBEAT_INTERVAL", "heartbeat_interval", 30 * time.Second},
	}
	for _, d := range durations {
		raw := firstNonEmpty(os.Getenv(d.envKey), merged[d.iniKey])
		if strings.TrimSpace(raw) == "" {
			*d.dst = d.fallback
			continue
		}
		dur, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid %s %q: %w", d.iniKey, raw, err)
		}
		*d.dst = dur
	}

	cfg.SessionLogDriver = strings.ToLower(firstNonEmpty(os.Getenv("FABLEWORKS_SESSIONLOG_DRIVER"), merged["sessionlog_driver"], "sqlite"))
	switch cfg.SessionLogDriver {
	case "sqlite", "postgres":
	default:
		return GatewayConfig{}, fmt.Errorf("invalid sessionlog_driver %q", cfg.SessionLogDriver)
	}
	cfg.SessionLogPath = firstNonEmpty(os.Getenv("FABLEWORKS_SESSIONLOG_PATH"), merged["sessionlog_path"], DefaultSessionLogPath())
	cfg.SessionLogDSN = firstNonEmpty(os.Getenv("FABLEWORKS_SESSIONLOG_DSN"), merged["sessionlog_dsn"])
	if cfg.SessionLogDriver == "postgres" && strings.TrimSpace(cfg.SessionLogDSN) == "" {
		return GatewayConfig{}, errors.New("sessionlog_driver=postgres requires sessionlog_dsn")
	}

	cfg.RateLimitEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("FABLEWORKS_RATELIMIT_ENABLED"), merged["ratelimit_enabled"]), true)
	cfg.RateLimitRPS = parseOptionalFloat(firstNonEmpty(os.Getenv("FABLEWORKS_RATELIMIT_RPS"), merged["ratelimit_rps"]), 5)
	cfg.RateLimitBurst = parseOptionalFloat(firstNonEmpty(os.Getenv("FABLEWORKS_RATELIMIT_BURST"), merged["ratelimit_burst"]), 20)
	cfg.RedisAddr = firstNonEmpty(os.Getenv("FABLEWORKS_REDIS_ADDR"), merged["redis_addr"])
	cfg.RedisPassword = firstNonEmpty(os.Getenv("FABLEWORKS_REDIS_PASSWORD"), merged["redis_password"])
	cfg.RedisDB = parseOptionalInt(firstNonEmpty(os.Getenv("FABLEWORKS_REDIS_DB"), merged["redis_db"]), 0)

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultSessionLogPath returns the fallback session log location under the
// user's home directory.
func DefaultSessionLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sessions.db"
	}
	return filepath.Join(home, ".fableworks", "sessions.db")
}

// DefaultUpstreamBaseURL returns the job API host for the given environment.
func DefaultUpstreamBaseURL(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev":
		return "https://jobs.dev.fableworks.app"
	case "test":
		return "https://jobs.test.fableworks.app"
	case "live", "prod", "production":
		return "https://jobs.fableworks.app"
	default:
		return "http://localhost:8080"
	}
}
