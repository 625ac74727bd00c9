package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/risk"
)

// FeedStats tracks data quality for one chain feed.
type FeedStats struct {
	Chain         string           `json:"chain"`
	LastEventTime time.Time        `json:"last_event_time"`
	EventCount    int64            `json:"event_count"`
	DropCount     int64            `json:"drop_count"`
	DropReasons   map[string]int64 `json:"drop_reasons"`
	StartTime     time.Time        `json:"start_time"`
}

// Alert represents a data quality alert.
type Alert struct {
	Level   string    `json:"level"` // warn|critical
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// Monitor tracks data quality across chain feeds and token metrics. It
// implements risk.Observer.
type Monitor struct {
	mu              sync.RWMutex
	feeds           map[string]*FeedStats
	issues          map[string]int64 // "factor.reason" -> count
	alertCh         chan Alert
	staleAfter      time.Duration
	dropAlertStride int64
}

var _ risk.Observer = (*Monitor)(nil)

// NewMonitor creates a data quality monitor. Feeds with no events for
// staleAfter raise a critical alert.
func NewMonitor(staleAfter time.Duration) *Monitor {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Monitor{
		feeds:           make(map[string]*FeedStats),
		issues:          make(map[string]int64),
		alertCh:         make(chan Alert, 256),
		staleAfter:      staleAfter,
		dropAlertStride: 100,
	}
}

// getOrCreate returns the stats for a chain. Caller must hold m.mu write lock.
func (m *Monitor) getOrCreate(chain string) *FeedStats {
	stats, ok := m.feeds[chain]
	if !ok {
		stats = &FeedStats{
			Chain:       chain,
			DropReasons: make(map[string]int64),
			StartTime:   time.Now(),
		}
		m.feeds[chain] = stats
	}
	return stats
}

// RecordEvent counts an emitted event for chain.
func (m *Monitor) RecordEvent(chain string, observedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(chain)
	stats.EventCount++
	stats.LastEventTime = observedAt
}

// RecordDrop counts a dropped message. Every dropAlertStride drops of a chain
// raise a warning alert.
func (m *Monitor) RecordDrop(chain, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(chain)
	stats.DropCount++
	stats.DropReasons[reason]++

	if stats.DropCount%m.dropAlertStride == 0 {
		m.emitAlert(Alert{
			Level:   "warn",
			Source:  chain,
			Message: fmt.Sprintf("%d messages dropped (last reason: %s)", stats.DropCount, reason),
			Ts:      time.Now(),
		})
	}
}

// ObserveDataQuality records a degraded token metric.
func (m *Monitor) ObserveDataQuality(issue risk.DataQualityIssue) {
	m.mu.Lock()
	m.issues[issue.Factor.String()+"."+issue.Reason]++
	m.mu.Unlock()

	log.Warn().
		Str("token", issue.Token).
		Str("factor", issue.Factor.String()).
		Str("field", issue.Field).
		Str("reason", issue.Reason).
		Msg("quality: degraded metric, using worst bucket")
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of all feed stats.
func (m *Monitor) Snapshot() map[string]FeedStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]FeedStats, len(m.feeds))
	for k, v := range m.feeds {
		cp := *v
		cp.DropReasons = make(map[string]int64, len(v.DropReasons))
		for r, n := range v.DropReasons {
			cp.DropReasons[r] = n
		}
		snap[k] = cp
	}
	return snap
}

// IssueCounts returns data quality issue counts keyed by "factor.reason".
func (m *Monitor) IssueCounts() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.issues))
	for k, v := range m.issues {
		out[k] = v
	}
	return out
}

// Start checks for stale feeds every interval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("stale_after", m.staleAfter).Msg("quality: monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("quality: monitor stopped")
			return
		case now := <-ticker.C:
			m.checkStaleFeeds(now)
		}
	}
}

// checkStaleFeeds emits a critical alert for every feed silent for longer
// than staleAfter.
func (m *Monitor) checkStaleFeeds(now time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, stats := range m.feeds {
		if stats.LastEventTime.IsZero() {
			continue
		}
		silent := now.Sub(stats.LastEventTime)
		if silent > m.staleAfter {
			m.emitAlert(Alert{
				Level:   "critical",
				Source:  stats.Chain,
				Message: fmt.Sprintf("feed stale for %.0fs", silent.Seconds()),
				Ts:      now,
			})
		}
	}
}

// emitAlert sends without blocking; a full channel drops the alert.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		log.Warn().
			Str("source", alert.Source).
			Str("level", alert.Level).
			Str("message", alert.Message).
			Msg("quality: alert channel full, dropping alert")
	}
}
