package rates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/chain"
)

func TestStaticTable(t *testing.T) {
	tbl := PlaceholderRates()

	r, err := tbl.Rate(context.Background(), chain.Solana)
	require.NoError(t, err)
	assert.True(t, r.Equal(decimal.NewFromInt(100)))

	_, err = StaticTable{}.Rate(context.Background(), chain.Ethereum)
	assert.True(t, errors.Is(err, ErrRateUnavailable))
}

func TestParseStaticTable(t *testing.T) {
	tbl, err := ParseStaticTable(map[string]string{"eth": "2500.5", "bsc": "610"})
	require.NoError(t, err)
	assert.Equal(t, "2500.5", tbl[chain.Ethereum].String())
	assert.Equal(t, "610", tbl[chain.Binance].String())

	_, err = ParseStaticTable(map[string]string{"dogechain": "1"})
	assert.True(t, errors.Is(err, chain.ErrUnsupportedChain))

	_, err = ParseStaticTable(map[string]string{"sol": "abc"})
	assert.Error(t, err)

	_, err = ParseStaticTable(map[string]string{"sol": "-1"})
	assert.Error(t, err)
}

func TestBinanceLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		switch sym := r.URL.Query().Get("symbol"); sym {
		case "ETHUSDT":
			fmt.Fprint(w, `{"symbol":"ETHUSDT","price":"3150.42000000"}`)
		case "BNBUSDT":
			fmt.Fprint(w, `{"symbol":"BNBUSDT","price":"not-a-number"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		}
	}))
	defer srv.Close()

	lookup := NewBinanceLookup(srv.URL, map[chain.Chain]string{
		chain.Ethereum: "ETHUSDT",
		chain.Binance:  "BNBUSDT",
		chain.Solana:   "SOLXXX",
	})

	r, err := lookup.Rate(context.Background(), chain.Ethereum)
	require.NoError(t, err)
	assert.True(t, r.Equal(decimal.RequireFromString("3150.42")))

	_, err = lookup.Rate(context.Background(), chain.Binance)
	assert.True(t, errors.Is(err, ErrRateUnavailable))

	_, err = lookup.Rate(context.Background(), chain.Solana)
	assert.True(t, errors.Is(err, ErrRateUnavailable))

	empty := NewBinanceLookup(srv.URL, map[chain.Chain]string{chain.Ethereum: "ETHUSDT"})
	_, err = empty.Rate(context.Background(), chain.Solana)
	assert.True(t, errors.Is(err, ErrRateUnavailable))
}

func TestCache_ServesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	upstream := LookupFunc(func(context.Context, chain.Chain) (decimal.Decimal, error) {
		calls.Add(1)
		return decimal.NewFromInt(42), nil
	})

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(upstream, time.Minute)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		r, err := c.Rate(context.Background(), chain.Ethereum)
		require.NoError(t, err)
		assert.True(t, r.Equal(decimal.NewFromInt(42)))
	}
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(2 * time.Minute)
	_, err := c.Rate(context.Background(), chain.Ethereum)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_DoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	upstream := LookupFunc(func(context.Context, chain.Chain) (decimal.Decimal, error) {
		if calls.Add(1) == 1 {
			return decimal.Zero, fmt.Errorf("%w: flaky", ErrRateUnavailable)
		}
		return decimal.NewFromInt(7), nil
	})
	c := NewCache(upstream, time.Minute)

	_, err := c.Rate(context.Background(), chain.Solana)
	assert.True(t, errors.Is(err, ErrRateUnavailable))

	r, err := c.Rate(context.Background(), chain.Solana)
	require.NoError(t, err)
	assert.True(t, r.Equal(decimal.NewFromInt(7)))
}

func TestCache_CollapsesConcurrentMisses(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	upstream := LookupFunc(func(context.Context, chain.Chain) (decimal.Decimal, error) {
		calls.Add(1)
		<-release
		return decimal.NewFromInt(1), nil
	})
	c := NewCache(upstream, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Rate(context.Background(), chain.Binance)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestCache_EarlyCallerDoesNotCancelSharedLookup(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	upstream := LookupFunc(func(ctx context.Context, _ chain.Chain) (decimal.Decimal, error) {
		calls.Add(1)
		select {
		case <-release:
			return decimal.NewFromInt(150), nil
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	})
	c := NewCache(upstream, time.Minute)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Rate(short, chain.Solana)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	got := make(chan decimal.Decimal, 1)
	go func() {
		r, err := c.Rate(context.Background(), chain.Solana)
		assert.NoError(t, err)
		got <- r
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case r := <-got:
		assert.True(t, r.Equal(decimal.NewFromInt(150)), "got %s", r)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never received the shared result")
	}
	assert.Equal(t, int32(1), calls.Load(), "the early caller's deadline must not abort the upstream call")
}

func TestCache_FetchTimeoutBoundsUpstream(t *testing.T) {
	upstream := LookupFunc(func(ctx context.Context, _ chain.Chain) (decimal.Decimal, error) {
		<-ctx.Done()
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, ctx.Err())
	})
	c := NewCache(upstream, time.Minute, WithFetchTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := c.Rate(context.Background(), chain.Ethereum)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateUnavailable))
	assert.Less(t, time.Since(start), time.Second)
}
