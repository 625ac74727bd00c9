package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/tokenpilot/internal/audit"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/evm"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
	"github.com/nexus-trading/tokenpilot/internal/observability"
	"github.com/nexus-trading/tokenpilot/internal/pipeline"
	"github.com/nexus-trading/tokenpilot/internal/quality"
	"github.com/nexus-trading/tokenpilot/internal/solana"
	"github.com/nexus-trading/tokenpilot/internal/storage"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Monitor chains and admit new tokens until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

// paramsAuditor forwards optimizer runs to metrics and writes every newly
// published parameter set to the audit trail.
type paramsAuditor struct {
	metrics *observability.Metrics
	params  *strategy.ParamStore
	trail   *audit.Trail
	version atomic.Uint64
}

func (p *paramsAuditor) ObserveOptimizerRun(bestFitness float64, d time.Duration, err error) {
	p.metrics.ObserveOptimizerRun(bestFitness, d, err)

	live := p.params.Load()
	if p.version.Swap(live.Version) != live.Version {
		p.trail.RecordParams(live)
		log.Info().
			Uint64("version", live.Version).
			Float64("stop_loss", live.StopLossPercent).
			Float64("take_profit", live.TakeProfitPercent).
			Float64("trade_amount", live.TradeAmount).
			Float64("fitness", live.Fitness).
			Msg("strategy: live params updated")
	}
}

func (a *app) run(ctx context.Context) error {
	cfg := a.cfg

	log.Info().
		Str("environment", cfg.General.Environment).
		Int("chains", len(cfg.Chains)).
		Msg("tokenpilot starting")

	chains, err := cfg.MonitorChains()
	if err != nil {
		return err
	}
	if len(chains) == 0 {
		return fmt.Errorf("run: no chains configured")
	}

	// ----------------------------------------------------------------
	// Ambient: metrics, feed quality, audit
	// ----------------------------------------------------------------
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}
	feeds := quality.NewMonitor(cfg.Monitor.StaleAfter)
	trail := audit.NewTrail(cfg.Audit.Size)

	// ----------------------------------------------------------------
	// Strategy: live params + optimizer worker
	// ----------------------------------------------------------------
	params := strategy.NewParamStore(cfg.Strategy.Initial)
	trail.RecordParams(params.Load())

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	opt, err := strategy.NewOptimizerFromConfig(cfg.Strategy.Config)
	if err != nil {
		return err
	}
	auditor := &paramsAuditor{metrics: metrics, params: params, trail: trail}
	auditor.version.Store(params.Load().Version)
	worker := strategy.NewWorker(opt,
		storage.HistoryFunc(store, cfg.Strategy.Lookback, nil),
		params,
		strategy.WorkerConfig{
			Interval:    cfg.Strategy.Interval,
			Space:       cfg.Strategy.SearchSpace,
			MinOutcomes: cfg.Strategy.MinOutcomes,
		},
		auditor)

	// ----------------------------------------------------------------
	// Risk + fees
	// ----------------------------------------------------------------
	scorer, err := buildScorer(cfg, feeds, metrics)
	if err != nil {
		return err
	}
	estimator, closeGas, err := buildEstimator(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer closeGas()

	// ----------------------------------------------------------------
	// Monitor
	// ----------------------------------------------------------------
	mon, err := monitor.New(cfg.Monitor.Config,
		map[monitor.Protocol]monitor.Dialer{
			monitor.ProtocolSolanaWS: solana.NewDialer(cfg.SolanaConfig()),
			monitor.ProtocolEVMWS:    evm.NewDialer(cfg.EVMFilters()),
		},
		monitor.WithMetrics(metrics),
		monitor.WithFeedRecorder(feeds),
		monitor.WithTransitionHook(trail.RecordTransition),
	)
	if err != nil {
		return err
	}

	// ----------------------------------------------------------------
	// Admission
	// ----------------------------------------------------------------
	health := observability.NewHealthMonitor()

	var aggregator pipeline.MetricsAggregator
	if cfg.Admission.MetricsURL != "" {
		aggregator = pipeline.NewHTTPAggregator(cfg.Admission.MetricsURL, cfg.Admission.FetchTimeout)
	} else {
		log.Warn().Msg("admission: no metrics_url, market data is missing from every score")
	}
	admitOpts := []pipeline.Option{
		pipeline.WithTrail(trail),
		pipeline.WithRecorder(metrics),
		pipeline.WithDecisionHook(func(d pipeline.Decision) {
			if !d.Allowed {
				return
			}
			log.Info().
				Str("token", d.Token).
				Str("chain", string(d.Chain)).
				Float64("risk", d.RiskScore).
				Uint64("params_version", d.Params.Version).
				Msg("[CANDIDATE] token admitted")
		}),
	}
	if rpcCfg, ok := cfg.SolanaRPC(); ok {
		rpc := solana.NewRPCClient(rpcCfg)
		defer rpc.Close()
		sources := []pipeline.MetricsAggregator{solana.NewMetricsSource(rpc)}
		if aggregator != nil {
			sources = append([]pipeline.MetricsAggregator{aggregator}, sources...)
		}
		admitOpts = append(admitOpts, pipeline.WithChainAggregator(chain.Solana, pipeline.Merge(sources...)))
		health.Register("solana.rpc", observability.PingCheck(rpc.Health))
		log.Info().Str("endpoint", rpcCfg.Endpoint).Msg("admission: solana on-chain metrics enabled")
	}
	admitter, err := pipeline.NewAdmitter(cfg.Admission, scorer, estimator, params, aggregator, admitOpts...)
	if err != nil {
		return err
	}

	sub, err := mon.Start(ctx, chains)
	if err != nil {
		return err
	}

	// ----------------------------------------------------------------
	// Health + HTTP
	// ----------------------------------------------------------------
	for _, cc := range chains {
		health.Register("chain."+string(cc.Chain), observability.ChainCheck(sub, cc.Chain))
	}
	health.Register("optimizer", observability.StalenessCheck(
		func() time.Time { return worker.Stats().LastRun }, 2*cfg.Strategy.Interval))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := admitter.Run(gctx, sub.Events())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		feeds.Start(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case alert := <-feeds.Alerts():
				log.Warn().
					Str("level", alert.Level).
					Str("source", alert.Source).
					Msg("quality: " + alert.Message)
			}
		}
	})
	g.Go(func() error {
		if err := worker.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		worker.Stop()
		return nil
	})
	g.Go(func() error {
		health.Run(gctx, 15*time.Second)
		return nil
	})
	if cfg.Metrics.Enabled {
		srv := observability.NewServer(cfg.Metrics.ListenAddr, metrics, health, trail)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		if err := sub.Cancel(); err != nil {
			log.Warn().Err(err).Msg("monitor: cancel incomplete")
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logStats(sub, admitter, worker)
			}
		}
	})

	log.Info().Str("subscription", sub.ID()).Msg("tokenpilot running")

	err = g.Wait()
	logStats(sub, admitter, worker)
	log.Info().Msg("tokenpilot stopped")
	return err
}

func logStats(sub *monitor.Subscription, admitter *pipeline.Admitter, worker *strategy.Worker) {
	ms := sub.Stats()
	as := admitter.Stats()
	ws := worker.Stats()

	ev := log.Info().
		Int("buffered", ms.Buffered).
		Int64("dropped", ms.Dropped).
		Int64("evaluated", as.Evaluated).
		Int64("allowed", as.Allowed).
		Int64("denied", as.Denied).
		Int64("skipped", as.Skipped).
		Int64("optimizer_runs", ws.Runs).
		Int64("optimizer_failures", ws.Failures)
	for _, c := range chain.All() {
		if cs, ok := ms.Chains[string(c)]; ok {
			ev = ev.Str(string(c), cs.State)
		}
	}
	ev.Msg("[STATS]")
}
