package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/risk"
)

func TestHTTPAggregator_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokens/0xabc":
			_, _ = w.Write([]byte(`{"market_cap_usd": 2500000, "contract_verified": true,
				"holder_distribution": {"top_holder_percentage": 12.5}, "created_at": "2025-01-02T03:04:05Z"}`))
		case "/tokens/broken":
			_, _ = w.Write([]byte(`{not json`))
		default:
			http.Error(w, "unknown token", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	agg := NewHTTPAggregator(srv.URL+"/tokens/", time.Second)

	m, err := agg.Fetch(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", m.Address)
	require.NotNil(t, m.MarketCapUSD)
	assert.Equal(t, 2_500_000.0, *m.MarketCapUSD)
	require.NotNil(t, m.ContractVerified)
	assert.True(t, *m.ContractVerified)
	assert.Equal(t, 12.5, m.HolderDistribution.TopHolderPercentage)
	assert.Nil(t, m.Volume24hUSD)
	assert.Equal(t, 2025, m.CreatedAt.Year())

	_, err = agg.Fetch(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	_, err = agg.Fetch(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestMerge_FillsMissingFieldsInOrder(t *testing.T) {
	indexer := MetricsAggregatorFunc(func(_ context.Context, token string) (risk.TokenMetrics, error) {
		return risk.TokenMetrics{Address: token, MarketCapUSD: risk.Float(1_000_000), ContractVerified: risk.Bool(false)}, nil
	})
	onChain := MetricsAggregatorFunc(func(_ context.Context, _ string) (risk.TokenMetrics, error) {
		return risk.TokenMetrics{
			Address:            "mint",
			MarketCapUSD:       risk.Float(5),
			ContractVerified:   risk.Bool(true),
			HolderDistribution: &risk.HolderStats{TopHolderPercentage: 30},
			CreatedAt:          time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		}, nil
	})

	m, err := Merge(indexer, onChain).Fetch(context.Background(), "sig")
	require.NoError(t, err)
	assert.Equal(t, "sig", m.Address)
	assert.Equal(t, 1_000_000.0, *m.MarketCapUSD, "first source wins")
	assert.False(t, *m.ContractVerified)
	assert.Equal(t, 30.0, m.HolderDistribution.TopHolderPercentage, "gap filled by the second source")
	assert.Equal(t, 2025, m.CreatedAt.Year())
	assert.Nil(t, m.Volume24hUSD)
}

func TestMerge_SkipsFailingSources(t *testing.T) {
	failing := MetricsAggregatorFunc(func(context.Context, string) (risk.TokenMetrics, error) {
		return risk.TokenMetrics{}, errors.New("indexer down")
	})
	ok := MetricsAggregatorFunc(func(_ context.Context, token string) (risk.TokenMetrics, error) {
		return risk.TokenMetrics{Address: token, Volume24hUSD: risk.Float(10)}, nil
	})

	m, err := Merge(failing, ok).Fetch(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 10.0, *m.Volume24hUSD)

	_, err = Merge(failing, failing).Fetch(context.Background(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer down")
}
