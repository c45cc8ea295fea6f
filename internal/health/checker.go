package health

import (
	"context"
	"sync"
	"time"
)

// Status is the health of one component or of the gateway overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	kind     string // database, http, cache
	critical bool
	fn       CheckFunc
}

// Component is the reported result for one registered check.
type Component struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Report is the full health picture returned by Check.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Checker runs registered dependency probes concurrently. A failed critical
// check makes the gateway unhealthy; a failed non-critical one only degrades
// it.
type Checker struct {
	mu      sync.Mutex
	checks  []check
	timeout time.Duration
}

// NewChecker creates a checker with a per-probe timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout}
}

// AddCheck registers a dependency probe.
func (c *Checker) AddCheck(name, kind string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check{name: name, kind: kind, critical: critical, fn: fn})
}

// Check runs every registered probe and aggregates the result.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	checks := make([]check, len(c.checks))
	copy(checks, c.checks)
	c.mu.Unlock()

	components := make([]Component, len(checks))
	var wg sync.WaitGroup
	for i, chk := range checks {
		wg.Add(1)
		go func(i int, chk check) {
			defer wg.Done()
			components[i] = c.run(ctx, chk)
		}(i, chk)
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Components: components, CheckedAt: time.Now().UTC()}
	for i, comp := range components {
		if comp.Status == StatusHealthy {
			continue
		}
		if checks[i].critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, chk check) Component {
	comp := Component{Name: chk.name, Type: chk.kind, Status: StatusHealthy}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := chk.fn(probeCtx)
	comp.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
	}
	return comp
}
