package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/storage"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

// setupStore starts a throwaway Postgres and applies the schema. It skips
// under -short and when Docker is not reachable.
func setupStore(t *testing.T) *TradeStore {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tokenpilot"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrate is idempotent")
	return s
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func outcome(i int, c chain.Chain) strategy.TradeOutcome {
	return strategy.TradeOutcome{
		ID:           fmt.Sprintf("trade-%02d", i),
		TokenAddress: fmt.Sprintf("token-%d", i),
		Chain:        c,
		GenomeUsed:   strategy.Genome{StopLossPercent: 5, TakeProfitPercent: 15, TradeAmount: 200},
		EntryPrice:   1.0,
		ExitPrice:    1.25,
		Amount:       200,
		PnL:          30,
		OpenedAt:     t0.Add(time.Duration(i) * time.Hour),
		ClosedAt:     t0.Add(time.Duration(i)*time.Hour + 10*time.Minute),
	}
}

func TestTradeStore_InsertAndLoad(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	want := outcome(1, chain.Ethereum)
	require.NoError(t, s.Insert(ctx, outcome(2, chain.Ethereum), want))

	got, err := s.LoadOutcomes(ctx, storage.OutcomeFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, want.ID, first.ID)
	assert.Equal(t, want.TokenAddress, first.TokenAddress)
	assert.Equal(t, want.Chain, first.Chain)
	assert.Equal(t, want.GenomeUsed, first.GenomeUsed)
	assert.Equal(t, want.PnL, first.PnL)
	assert.True(t, want.ClosedAt.Equal(first.ClosedAt))
	assert.Equal(t, "trade-02", got[1].ID)
}

func TestTradeStore_Filters(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		c := chain.Solana
		if i >= 4 {
			c = chain.Binance
		}
		require.NoError(t, s.Insert(ctx, outcome(i, c)))
	}

	got, err := s.LoadOutcomes(ctx, storage.OutcomeFilter{Chain: chain.Binance})
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = s.LoadOutcomes(ctx, storage.OutcomeFilter{Since: t0.Add(2 * time.Hour), Until: t0.Add(5 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "trade-02", got[0].ID)

	got, err = s.LoadOutcomes(ctx, storage.OutcomeFilter{Chain: chain.Solana, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "trade-02", got[0].ID)
	assert.Equal(t, "trade-03", got[1].ID)
}

func TestTradeStore_DuplicateRollsBackBatch(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, outcome(1, chain.Solana)))

	err := s.Insert(ctx, outcome(2, chain.Solana), outcome(1, chain.Solana))
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	got, err := s.LoadOutcomes(ctx, storage.OutcomeFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBuildLoadQuery(t *testing.T) {
	q, args := buildLoadQuery(storage.OutcomeFilter{})
	assert.Empty(t, args)
	assert.Contains(t, q, "ORDER BY closed_at, id")
	assert.NotContains(t, q, "WHERE")

	q, args = buildLoadQuery(storage.OutcomeFilter{Chain: chain.Solana, Since: t0, Limit: 10})
	require.Len(t, args, 3)
	assert.Equal(t, "solana", args[0])
	assert.Equal(t, 10, args[2])
	assert.Contains(t, q, "chain = $1 AND closed_at >= $2")
	assert.Contains(t, q, "LIMIT $3")
}
