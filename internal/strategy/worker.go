package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HistoryFunc loads the outcomes an optimization run learns from.
type HistoryFunc func(ctx context.Context) ([]TradeOutcome, error)

// RunRecorder receives the result of each optimizer run.
type RunRecorder interface {
	ObserveOptimizerRun(bestFitness float64, duration time.Duration, err error)
}

// WorkerConfig configures the background optimizer.
type WorkerConfig struct {
	Interval time.Duration
	Space    SearchSpace
	// MinOutcomes is the least history needed before a result replaces the
	// live parameters.
	MinOutcomes int
}

// WorkerStats exposes worker counters.
type WorkerStats struct {
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	Published int64     `json:"published"`
	LastRun   time.Time `json:"last_run"`
}

// Worker periodically re-optimizes from stored history and publishes the best
// genome into a ParamStore. It runs on its own goroutine so optimization never
// stalls scoring or fee quotes.
type Worker struct {
	opt      *Optimizer
	load     HistoryFunc
	params   *ParamStore
	cfg      WorkerConfig
	recorder RunRecorder

	cancel context.CancelFunc
	wg     sync.WaitGroup

	started   atomic.Bool
	runs      atomic.Int64
	failures  atomic.Int64
	published atomic.Int64
	lastRun   atomic.Int64 // unix nanos
}

// NewWorker wires an optimizer to its history source and the live store.
func NewWorker(opt *Optimizer, load HistoryFunc, params *ParamStore, cfg WorkerConfig, recorder RunRecorder) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Worker{
		opt:      opt,
		load:     load,
		params:   params,
		cfg:      cfg,
		recorder: recorder,
	}
}

// RunOnce loads history, optimizes and publishes the winner when it is
// usable.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	w.runs.Add(1)
	w.lastRun.Store(time.Now().UnixNano())

	res, err := w.runOnce(ctx)
	if w.recorder != nil {
		w.recorder.ObserveOptimizerRun(res.Fitness, res.Duration, err)
	}
	if err != nil {
		w.failures.Add(1)
	}
	return res, err
}

func (w *Worker) runOnce(ctx context.Context) (Result, error) {
	history, err := w.load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("strategy: load history: %w", err)
	}

	res, err := w.opt.Optimize(ctx, history, w.cfg.Space)
	if err != nil {
		return res, err
	}

	used := len(history) - res.Skipped
	switch {
	case used < w.cfg.MinOutcomes:
		log.Info().
			Int("outcomes", used).
			Int("min_outcomes", w.cfg.MinOutcomes).
			Msg("strategy: not enough history, keeping live parameters")
	case math.IsNaN(res.Fitness):
		log.Warn().Msg("strategy: run produced no finite fitness, keeping live parameters")
	default:
		p := w.params.Publish(res.Best, res.Fitness, "optimizer")
		w.published.Add(1)
		log.Info().
			Uint64("version", p.Version).
			Stringer("genome", res.Best).
			Float64("fitness", res.Fitness).
			Int("outcomes", used).
			Dur("took", res.Duration).
			Msg("strategy: published new live parameters")
	}
	return res, nil
}

// Start runs the optimizer immediately and then every Interval until Stop or
// ctx cancellation.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("strategy: worker already started")
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		log.Info().Dur("interval", w.cfg.Interval).Msg("strategy: optimizer worker started")

		w.safeRun(ctx)
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("strategy: optimizer worker stopped")
				return
			case <-ticker.C:
				w.safeRun(ctx)
			}
		}
	}()

	return nil
}

// safeRun keeps a panicking run from killing the worker loop.
func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.failures.Add(1)
			log.Error().Interface("panic", r).Msg("strategy: optimizer run panicked")
		}
	}()
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("strategy: optimizer run failed")
	}
}

// Stop cancels the loop and waits for an in-flight run to observe it.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.started.Store(false)
}

// Stats returns worker counters.
func (w *Worker) Stats() WorkerStats {
	s := WorkerStats{
		Runs:      w.runs.Load(),
		Failures:  w.failures.Load(),
		Published: w.published.Load(),
	}
	if ns := w.lastRun.Load(); ns > 0 {
		s.LastRun = time.Unix(0, ns)
	}
	return s
}
