package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
)

// ComponentStatus is the health of one component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

func (s ComponentStatus) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return -1
}

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the report of a single check.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth aggregates every component; Status is the worst of them.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     string                     `json:"uptime"`
}

// HealthMonitor runs registered checks on demand or periodically and logs
// status changes.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
	}
}

// Register adds or replaces a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run checks every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs all checks now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(checks))
	for name, fn := range checks {
		h := fn(ctx)
		h.Name = name
		h.LastChecked = time.Now()
		results[name] = h
	}

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	for name, cur := range results {
		if old, ok := prev[name]; ok && old.Status == cur.Status {
			continue
		}
		ev := log.Info()
		if cur.Status != StatusHealthy {
			ev = log.Warn()
		}
		ev.Str("component", name).Str("status", string(cur.Status)).Str("message", cur.Message).
			Msg("health: status changed")
	}
	return m.snapshot(results)
}

func (m *HealthMonitor) snapshot(results map[string]ComponentHealth) SystemHealth {
	worst := StatusHealthy
	for _, h := range results {
		if h.Status.severity() > worst.severity() {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: results,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime).Round(time.Second).String(),
	}
}

// ServeHTTP runs the checks and writes them as JSON. Unhealthy systems answer
// 503.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// -----------------------------------------------------------------------
// Checks
// -----------------------------------------------------------------------

// ChainSource is satisfied by *monitor.Subscription.
type ChainSource interface {
	State(c chain.Chain) monitor.State
	Stats() monitor.SubscriptionStats
}

// ChainCheck maps a chain's subscription state to health: streaming is
// healthy, connecting or reconnecting is degraded, anything else unhealthy.
func ChainCheck(src ChainSource, c chain.Chain) HealthCheck {
	return func(context.Context) ComponentHealth {
		st := src.State(c)
		h := ComponentHealth{Status: StatusUnhealthy}
		switch st {
		case monitor.Streaming:
			h.Status = StatusHealthy
		case monitor.Connecting, monitor.Reconnecting:
			h.Status = StatusDegraded
		}
		if cs, ok := src.Stats().Chains[string(c)]; ok {
			h.Details = map[string]any{
				"state":      cs.State,
				"endpoint":   cs.Endpoint,
				"emitted":    cs.Emitted,
				"reconnects": cs.Reconnects,
			}
			if cs.LastError != "" && h.Status != StatusHealthy {
				h.Message = cs.LastError
			}
		}
		if h.Message == "" && h.Status != StatusHealthy {
			h.Message = fmt.Sprintf("subscription %s", st)
		}
		return h
	}
}

// StalenessCheck is degraded when last() is older than maxAge, or has never
// been set.
func StalenessCheck(last func() time.Time, maxAge time.Duration) HealthCheck {
	return func(context.Context) ComponentHealth {
		t := last()
		if t.IsZero() {
			return ComponentHealth{Status: StatusDegraded, Message: "never ran"}
		}
		if age := time.Since(t); age > maxAge {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("last run %s ago", age.Round(time.Second)),
			}
		}
		return ComponentHealth{Status: StatusHealthy, Details: map[string]any{"last_run": t}}
	}
}

// PingCheck is degraded while ping fails. It suits optional dependencies
// whose outage weakens decisions without stopping them.
func PingCheck(ping func(context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDegraded, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}
