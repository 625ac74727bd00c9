package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/fees"
	"github.com/nexus-trading/tokenpilot/internal/risk"
	"github.com/nexus-trading/tokenpilot/internal/storage"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// finite drops values JSON cannot carry (NaN, ±Inf).
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// ----------------------------------------------------------------
// optimize
// ----------------------------------------------------------------

type optimizeReport struct {
	Best         strategy.Genome `json:"best"`
	Fitness      *float64        `json:"fitness"`
	Seed         uint64          `json:"seed"`
	Generations  int             `json:"generations"`
	Outcomes     int             `json:"outcomes"`
	Skipped      int             `json:"skipped_outcomes"`
	Excluded     int             `json:"excluded"`
	TotalPnL     float64         `json:"total_pnl"`
	TradeCount   int             `json:"trade_count"`
	WinRate      float64         `json:"win_rate"`
	ProfitFactor *float64        `json:"profit_factor"` // null when there were no losses
	SharpeRatio  *float64        `json:"sharpe_ratio"`
	MaxDrawdown  float64         `json:"max_drawdown"`
	ExitReasons  map[string]int  `json:"exit_reasons,omitempty"`
	Duration     string          `json:"duration"`
}

func newOptimizeReport(res strategy.Result, outcomes int) optimizeReport {
	return optimizeReport{
		Best:         res.Best,
		Fitness:      finite(res.Fitness),
		Seed:         res.Seed,
		Generations:  len(res.Generations),
		Outcomes:     outcomes,
		Skipped:      res.Skipped,
		Excluded:     res.Excluded,
		TotalPnL:     res.Metrics.TotalPnL,
		TradeCount:   res.Metrics.TradeCount,
		WinRate:      res.Metrics.WinRate,
		ProfitFactor: finite(res.Metrics.ProfitFactor),
		SharpeRatio:  finite(res.Metrics.SharpeRatio),
		MaxDrawdown:  res.Metrics.MaxDrawdown,
		ExitReasons:  res.Metrics.ExitReasons,
		Duration:     res.Duration.Round(time.Millisecond).String(),
	}
}

func (a *app) optimizeCmd() *cobra.Command {
	var (
		chainName   string
		lookback    time.Duration
		limit       int
		seed        uint64
		generations int
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run one strategy optimization over stored trade history and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg

			filter := storage.OutcomeFilter{Limit: limit}
			if chainName != "" {
				c, err := chain.Parse(chainName)
				if err != nil {
					return err
				}
				filter.Chain = c
			}
			if !cmd.Flags().Changed("lookback") {
				lookback = cfg.Strategy.Lookback
			}
			if lookback > 0 {
				filter.Since = time.Now().Add(-lookback)
			}

			optCfg := cfg.Strategy.Config
			if cmd.Flags().Changed("seed") {
				optCfg.Seed = &seed
			}
			if generations > 0 {
				optCfg.Generations = generations
			}
			opt, err := strategy.NewOptimizerFromConfig(optCfg)
			if err != nil {
				return err
			}

			store, closeStore, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			outcomes, err := store.LoadOutcomes(ctx, filter)
			if err != nil {
				return fmt.Errorf("optimize: load outcomes: %w", err)
			}
			res, err := opt.Optimize(ctx, outcomes, cfg.Strategy.SearchSpace)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), newOptimizeReport(res, len(outcomes)))
		},
	}
	cmd.Flags().StringVar(&chainName, "chain", "", "only learn from trades on this chain")
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "history window (default: strategy.lookback)")
	cmd.Flags().IntVar(&limit, "limit", 0, "use at most the N most recent outcomes")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "RNG seed (default: strategy.seed)")
	cmd.Flags().IntVar(&generations, "generations", 0, "override strategy.generations")
	return cmd
}

// ----------------------------------------------------------------
// fee
// ----------------------------------------------------------------

type feeReport struct {
	fees.FeeQuote
	RateError string `json:"rate_error,omitempty"`
}

func (a *app) feeCmd() *cobra.Command {
	var (
		chainName    string
		tierName     string
		gasPriceGwei float64
		gasLimit     uint64
	)
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Quote the transaction fee for a chain and speed tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := chain.Parse(chainName)
			if err != nil {
				return err
			}
			if tierName == "" {
				tierName = a.cfg.Fees.SpeedTier
			}
			tier, err := fees.ParseSpeedTier(tierName)
			if err != nil {
				return err
			}

			var hints fees.Hints
			if gasPriceGwei > 0 {
				hints.GasPrice = decimal.NewFromFloat(gasPriceGwei).Shift(9).BigInt()
			}
			hints.GasLimit = gasLimit

			estimator, closeGas, err := buildEstimator(ctx, a.cfg, nil)
			if err != nil {
				return err
			}
			defer closeGas()

			q, err := estimator.Estimate(ctx, c, tier, hints)
			if err != nil {
				return err
			}
			report := feeReport{FeeQuote: q}
			if q.RateErr != nil {
				report.RateError = q.RateErr.Error()
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&chainName, "chain", "ethereum", "chain to quote (ethereum|solana|binance)")
	cmd.Flags().StringVar(&tierName, "tier", "", "speed tier slow|standard|fast (default: fees.speed_tier)")
	cmd.Flags().Float64Var(&gasPriceGwei, "gas-price-gwei", 0, "EVM gas price override")
	cmd.Flags().Uint64Var(&gasLimit, "gas-limit", 0, "EVM gas limit override")
	return cmd
}

// ----------------------------------------------------------------
// score
// ----------------------------------------------------------------

func (a *app) scoreCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score token metrics read as JSON from a file or stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			var m risk.TokenMetrics
			if err := json.NewDecoder(r).Decode(&m); err != nil {
				return fmt.Errorf("score: decode metrics: %w", err)
			}

			scorer, err := buildScorer(a.cfg)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), scorer.Assess(m))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "metrics JSON file, - for stdin")
	return cmd
}
