package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/risk"
)

func TestRecordEvent_UpdatesStats(t *testing.T) {
	m := NewMonitor(time.Minute)

	now := time.Now()
	m.RecordEvent("solana", now)
	m.RecordEvent("solana", now)
	m.RecordEvent("ethereum", now)

	snap := m.Snapshot()
	stats, ok := snap["solana"]
	require.True(t, ok)

	assert.Equal(t, int64(2), stats.EventCount)
	assert.Equal(t, now, stats.LastEventTime)
	assert.False(t, stats.StartTime.IsZero())
	assert.Equal(t, int64(1), snap["ethereum"].EventCount)
}

func TestRecordDrop_CountsReasonsAndAlerts(t *testing.T) {
	m := NewMonitor(time.Minute)
	m.dropAlertStride = 2

	m.RecordDrop("binance", "malformed")
	m.RecordDrop("binance", "buffer_full")

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap["binance"].DropCount)
	assert.Equal(t, int64(1), snap["binance"].DropReasons["malformed"])

	select {
	case alert := <-m.Alerts():
		assert.Equal(t, "warn", alert.Level)
		assert.Equal(t, "binance", alert.Source)
		assert.Contains(t, alert.Message, "2 messages dropped")
	default:
		t.Fatal("expected a drop alert")
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	m := NewMonitor(time.Minute)
	m.RecordDrop("solana", "malformed")

	snap := m.Snapshot()
	snap["solana"].DropReasons["malformed"] = 99

	assert.Equal(t, int64(1), m.Snapshot()["solana"].DropReasons["malformed"])
}

func TestObserveDataQuality(t *testing.T) {
	m := NewMonitor(time.Minute)

	scorer, err := risk.NewScorer(risk.DefaultWeights(), risk.WithObserver(m))
	require.NoError(t, err)

	score := scorer.Score(risk.TokenMetrics{Address: "tok"})
	assert.Equal(t, 1.0, score)

	counts := m.IssueCounts()
	assert.Equal(t, int64(1), counts["market_cap.missing"])
	assert.Equal(t, int64(1), counts["trading_history.missing"])
	assert.Len(t, counts, 6)
}

func TestCheckStaleFeeds(t *testing.T) {
	m := NewMonitor(time.Second)
	m.RecordEvent("ethereum", time.Now().Add(-time.Minute))

	m.checkStaleFeeds(time.Now())

	select {
	case alert := <-m.Alerts():
		assert.Equal(t, "critical", alert.Level)
		assert.Equal(t, "ethereum", alert.Source)
		assert.Contains(t, alert.Message, "stale")
	default:
		t.Fatal("expected stale alert")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	m := NewMonitor(time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestEmitAlert_DropsWhenFull(t *testing.T) {
	m := NewMonitor(time.Second)
	for i := 0; i < cap(m.alertCh)+10; i++ {
		m.emitAlert(Alert{Level: "warn", Source: "x"})
	}
	assert.Len(t, m.alertCh, cap(m.alertCh))
}
