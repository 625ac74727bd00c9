package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/storage"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func outcome(i int, c chain.Chain) strategy.TradeOutcome {
	return strategy.TradeOutcome{
		ID:         fmt.Sprintf("trade-%02d", i),
		Chain:      c,
		EntryPrice: 1,
		ExitPrice:  1.1,
		Amount:     100,
		OpenedAt:   t0.Add(time.Duration(i) * time.Hour),
		ClosedAt:   t0.Add(time.Duration(i)*time.Hour + 30*time.Minute),
	}
}

func TestStore_LoadOrdersByCloseTime(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, outcome(3, chain.Solana), outcome(1, chain.Solana), outcome(2, chain.Ethereum)))

	got, err := s.LoadOutcomes(ctx, storage.OutcomeFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "trade-01", got[0].ID)
	assert.Equal(t, "trade-02", got[1].ID)
	assert.Equal(t, "trade-03", got[2].ID)
}

func TestStore_Filters(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c := chain.Solana
		if i%2 == 1 {
			c = chain.Binance
		}
		require.NoError(t, s.Add(ctx, outcome(i, c)))
	}

	got, err := s.LoadOutcomes(ctx, storage.OutcomeFilter{Chain: chain.Binance})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = s.LoadOutcomes(ctx, storage.OutcomeFilter{Since: t0.Add(5 * time.Hour), Until: t0.Add(8 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "trade-05", got[0].ID)

	got, err = s.LoadOutcomes(ctx, storage.OutcomeFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "trade-08", got[0].ID, "limit keeps the most recent")
	assert.Equal(t, "trade-09", got[1].ID)
}

func TestStore_AddRejectsDuplicatesAtomically(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, outcome(1, chain.Solana)))

	err := s.Add(ctx, outcome(2, chain.Solana), outcome(1, chain.Solana))
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))
	assert.Equal(t, 1, s.Len(), "batch is all-or-nothing")

	err = s.Add(ctx, outcome(4, chain.Solana), outcome(4, chain.Solana))
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	bad := outcome(5, chain.Solana)
	bad.ClosedAt = time.Time{}
	assert.True(t, errors.Is(s.Add(ctx, bad), storage.ErrInvalidInput))
}

func TestStore_FeedsOptimizerWorker(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, outcome(1, chain.Solana), outcome(2, chain.Solana)))

	history := storage.HistoryFunc(s, 0, nil)
	got, err := history(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
