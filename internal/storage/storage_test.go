package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

type captureStore struct {
	got OutcomeFilter
}

func (c *captureStore) LoadOutcomes(_ context.Context, f OutcomeFilter) ([]strategy.TradeOutcome, error) {
	c.got = f
	return nil, nil
}

func TestOutcomeFilter_Matches(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := strategy.TradeOutcome{ID: "t1", Chain: chain.Solana, ClosedAt: base}

	assert.True(t, OutcomeFilter{}.Matches(o))
	assert.True(t, OutcomeFilter{Chain: chain.Solana}.Matches(o))
	assert.False(t, OutcomeFilter{Chain: chain.Ethereum}.Matches(o))
	assert.True(t, OutcomeFilter{Since: base}.Matches(o), "since is inclusive")
	assert.False(t, OutcomeFilter{Until: base}.Matches(o), "until is exclusive")
	assert.True(t, OutcomeFilter{Since: base.Add(-time.Hour), Until: base.Add(time.Hour)}.Matches(o))
}

func TestValidate(t *testing.T) {
	ok := strategy.TradeOutcome{ID: "t1", Chain: chain.Binance, ClosedAt: time.Now()}
	require.NoError(t, Validate(ok))

	noID := ok
	noID.ID = ""
	assert.True(t, errors.Is(Validate(noID), ErrInvalidInput))

	badChain := ok
	badChain.Chain = "tron"
	assert.True(t, errors.Is(Validate(badChain), ErrInvalidInput))
}

func TestHistoryFunc_AppliesLookback(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	s := &captureStore{}

	_, err := HistoryFunc(s, 72*time.Hour, func() time.Time { return now })(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(-72*time.Hour), s.got.Since)

	_, err = HistoryFunc(s, 0, nil)(context.Background())
	require.NoError(t, err)
	assert.True(t, s.got.Since.IsZero())
}
