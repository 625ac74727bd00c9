// Package storage defines the historical trade store the optimizer reads.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

var (
	// ErrDuplicateKey is returned when an outcome with the same ID exists.
	// Stores are append-only.
	ErrDuplicateKey = errors.New("duplicate key: append-only store does not allow updates")

	// ErrInvalidInput is returned when an outcome fails validation.
	ErrInvalidInput = errors.New("invalid input")
)

// OutcomeFilter narrows LoadOutcomes. Zero fields do not filter. Since is
// inclusive and Until exclusive, both on ClosedAt.
type OutcomeFilter struct {
	Chain chain.Chain
	Since time.Time
	Until time.Time
	Limit int
}

// Matches reports whether o passes every set field except Limit.
func (f OutcomeFilter) Matches(o strategy.TradeOutcome) bool {
	if f.Chain != "" && o.Chain != f.Chain {
		return false
	}
	if !f.Since.IsZero() && o.ClosedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !o.ClosedAt.Before(f.Until) {
		return false
	}
	return true
}

// HistoricalTradeStore serves closed trades ordered by ClosedAt, oldest
// first. When Limit is set the most recent Limit outcomes are returned.
type HistoricalTradeStore interface {
	LoadOutcomes(ctx context.Context, f OutcomeFilter) ([]strategy.TradeOutcome, error)
}

// Validate checks the fields every store requires.
func Validate(o strategy.TradeOutcome) error {
	if o.ID == "" || !o.Chain.Supported() || o.ClosedAt.IsZero() {
		return ErrInvalidInput
	}
	return nil
}

// HistoryFunc adapts a store to strategy.HistoryFunc.
func HistoryFunc(s HistoricalTradeStore, lookback time.Duration, now func() time.Time) strategy.HistoryFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) ([]strategy.TradeOutcome, error) {
		var f OutcomeFilter
		if lookback > 0 {
			f.Since = now().Add(-lookback)
		}
		return s.LoadOutcomes(ctx, f)
	}
}
