package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EndpointRule overrides relay timing or rate limits for one endpoint
// ("generate" or "subscribe"). Zero values leave the global setting in place.
type EndpointRule struct {
	TotalTimeout      time.Duration
	InactivityTimeout time.Duration
	RequestsPerSecond float64
	Burst             float64
}

// UnmarshalYAML accepts Go duration strings ("15m", "90s") for the timeout
// fields, which yaml.v3 does not decode into time.Duration on its own.
func (r *EndpointRule) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TotalTimeout      string  `yaml:"total_timeout"`
		InactivityTimeout string  `yaml:"inactivity_timeout"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             float64 `yaml:"burst"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parse := func(s string) (time.Duration, error) {
		if strings.TrimSpace(s) == "" {
			return 0, nil
		}
		return time.ParseDuration(strings.TrimSpace(s))
	}
	var err error
	if r.TotalTimeout, err = parse(raw.TotalTimeout); err != nil {
		return fmt.Errorf("total_timeout: %w", err)
	}
	if r.InactivityTimeout, err = parse(raw.InactivityTimeout); err != nil {
		return fmt.Errorf("inactivity_timeout: %w", err)
	}
	r.RequestsPerSecond = raw.RequestsPerSecond
	r.Burst = raw.Burst
	return nil
}

// Rules is the full per-endpoint override set.
type Rules struct {
	Endpoints map[string]EndpointRule `yaml:"endpoints"`
}

// LoadRules parses a yaml rules file. A missing path returns empty rules.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return Rules{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Rules{}, nil
		}
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for name, rule := range rules.Endpoints {
		if rule.TotalTimeout < 0 || rule.InactivityTimeout < 0 {
			return Rules{}, fmt.Errorf("rules: endpoint %s has negative timeout", name)
		}
	}
	return rules, nil
}

// Endpoint returns the rule for an endpoint, if one is defined.
func (r Rules) Endpoint(name string) (EndpointRule, bool) {
	rule, ok := r.Endpoints[name]
	return rule, ok
}
