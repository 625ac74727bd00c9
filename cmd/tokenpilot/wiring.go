package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/config"
	"github.com/nexus-trading/tokenpilot/internal/fees"
	"github.com/nexus-trading/tokenpilot/internal/rates"
	"github.com/nexus-trading/tokenpilot/internal/risk"
	"github.com/nexus-trading/tokenpilot/internal/storage"
	"github.com/nexus-trading/tokenpilot/internal/storage/memory"
	"github.com/nexus-trading/tokenpilot/internal/storage/postgres"
)

// buildRates returns the configured exchange-rate source.
func buildRates(cfg *config.Config) (rates.Lookup, error) {
	switch cfg.Fees.RateSource {
	case "static":
		table, err := cfg.StaticRates()
		if err != nil {
			return nil, err
		}
		log.Warn().Msg("fees: using static exchange rates")
		return table, nil
	default:
		var lookup rates.Lookup = rates.NewBinanceLookup(cfg.Fees.BinanceURL, nil)
		if cfg.Fees.RateCacheTTL > 0 {
			lookup = rates.NewCache(lookup, cfg.Fees.RateCacheTTL, rates.WithFetchTimeout(cfg.Fees.RateTimeout))
		}
		return lookup, nil
	}
}

// buildEstimator wires rates, gas defaults and live gas sources. The returned
// func closes the gas RPC clients.
func buildEstimator(ctx context.Context, cfg *config.Config, rec fees.Recorder) (*fees.Estimator, func(), error) {
	lookup, err := buildRates(cfg)
	if err != nil {
		return nil, nil, err
	}
	defaults, err := cfg.GasDefaults()
	if err != nil {
		return nil, nil, err
	}

	opts := []fees.Option{fees.WithRateTimeout(cfg.Fees.RateTimeout)}
	if rec != nil {
		opts = append(opts, fees.WithRecorder(rec))
	}
	for c, d := range defaults {
		opts = append(opts, fees.WithGasDefaults(c, d))
	}

	var clients []*ethclient.Client
	for c, url := range cfg.GasRPCs() {
		client, err := fees.DialGasSource(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("chain", string(c)).Msg("fees: gas source unavailable, using configured default")
			continue
		}
		clients = append(clients, client)
		opts = append(opts, fees.WithGasSource(c, client))
	}
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	return fees.NewEstimator(lookup, opts...), closeAll, nil
}

// buildStore opens Postgres when a DSN is configured and otherwise falls back
// to an empty in-memory store.
func buildStore(ctx context.Context, cfg *config.Config) (storage.HistoricalTradeStore, func(), error) {
	if cfg.Storage.PostgresDSN == "" {
		log.Warn().Msg("storage: no postgres_dsn, using empty in-memory trade history")
		return memory.NewStore(), func() {}, nil
	}
	store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

// buildScorer creates the risk scorer; every observer sees each data quality
// issue.
func buildScorer(cfg *config.Config, observers ...risk.Observer) (*risk.Scorer, error) {
	weights, err := cfg.RiskWeights()
	if err != nil {
		return nil, err
	}
	var opts []risk.Option
	if len(observers) > 0 {
		opts = append(opts, risk.WithObserver(risk.ObserverFunc(func(issue risk.DataQualityIssue) {
			for _, o := range observers {
				o.ObserveDataQuality(issue)
			}
		})))
	}
	s, err := risk.NewScorer(weights, opts...)
	if err != nil {
		return nil, fmt.Errorf("risk scorer: %w", err)
	}
	return s, nil
}
