package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/risk"
)

// HTTPAggregator fetches token metrics from an indexer that serves
// GET {base}/{token} as a risk.TokenMetrics JSON document. Fields the indexer
// omits stay unset and score as worst case.
type HTTPAggregator struct {
	base       string
	httpClient *http.Client
}

var _ MetricsAggregator = (*HTTPAggregator)(nil)

// NewHTTPAggregator creates an aggregator for baseURL.
func NewHTTPAggregator(baseURL string, timeout time.Duration) *HTTPAggregator {
	return &HTTPAggregator{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAggregator) Fetch(ctx context.Context, token string) (risk.TokenMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/"+url.PathEscape(token), nil)
	if err != nil {
		return risk.TokenMetrics{}, fmt.Errorf("aggregator: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return risk.TokenMetrics{}, fmt.Errorf("aggregator: %s: %w", token, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return risk.TokenMetrics{}, fmt.Errorf("aggregator: %s: read response: %w", token, err)
	}
	if resp.StatusCode != http.StatusOK {
		return risk.TokenMetrics{}, fmt.Errorf("aggregator: %s: HTTP %d: %s", token, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var m risk.TokenMetrics
	if err := json.Unmarshal(body, &m); err != nil {
		return risk.TokenMetrics{}, fmt.Errorf("aggregator: %s: unmarshal: %w", token, err)
	}
	m.Address = token
	return m, nil
}

// Merge queries every source in order and fills each metric from the first
// source that has it. A failing source is logged and skipped; Merge fails
// only when all of them do.
func Merge(sources ...MetricsAggregator) MetricsAggregator {
	return MetricsAggregatorFunc(func(ctx context.Context, token string) (risk.TokenMetrics, error) {
		var (
			out  risk.TokenMetrics
			errs []error
		)
		for _, src := range sources {
			m, err := src.Fetch(ctx, token)
			if err != nil {
				log.Debug().Err(err).Str("token", token).Msg("aggregator: source failed")
				errs = append(errs, err)
				continue
			}
			fillMissing(&out, m)
		}
		if len(errs) > 0 && len(errs) == len(sources) {
			return risk.TokenMetrics{}, fmt.Errorf("aggregator: all %d sources failed: %w", len(sources), errors.Join(errs...))
		}
		return out, nil
	})
}

func fillMissing(dst *risk.TokenMetrics, src risk.TokenMetrics) {
	if dst.Address == "" {
		dst.Address = src.Address
	}
	if dst.MarketCapUSD == nil {
		dst.MarketCapUSD = src.MarketCapUSD
	}
	if dst.Volume24hUSD == nil {
		dst.Volume24hUSD = src.Volume24hUSD
	}
	if dst.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if dst.HolderDistribution == nil {
		dst.HolderDistribution = src.HolderDistribution
	}
	if dst.ContractVerified == nil {
		dst.ContractVerified = src.ContractVerified
	}
	if dst.TradingHistory == nil {
		dst.TradingHistory = src.TradingHistory
	}
}
