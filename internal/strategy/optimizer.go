package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/tokenpilot/internal/backtest"
	"github.com/nexus-trading/tokenpilot/internal/errs"
)

// ---------------------------------------------------------------------------
// Strategy Optimizer: genetic search over stop-loss / take-profit / size
// Fitness = re-simulated profitability - risk penalty.
// Best-ever genome is kept across generations (elitism).
// ---------------------------------------------------------------------------

// ErrNumeric marks a genome whose fitness was NaN or infinite. Such genomes are
// excluded from selection; the run continues.
var ErrNumeric = errors.New("strategy: non-finite fitness")

// Config holds optimizer parameters.
type Config struct {
	Generations       int     `yaml:"generations" json:"generations"`
	PopulationSize    int     `yaml:"population_size" json:"population_size"`
	MutationRate      float64 `yaml:"mutation_rate" json:"mutation_rate"`
	EliteCount        int     `yaml:"elite_count" json:"elite_count"`
	RiskPenaltyWeight float64 `yaml:"risk_penalty_weight" json:"risk_penalty_weight"`
	Seed              *uint64 `yaml:"seed" json:"seed"` // nil = time-based
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Generations:       100,
		PopulationSize:    50,
		MutationRate:      0.2,
		EliteCount:        2,
		RiskPenaltyWeight: 1.0,
	}
}

// Option overrides one Config field.
type Option func(*Config)

func WithGenerations(n int) Option { return func(c *Config) { c.Generations = n } }

func WithPopulationSize(n int) Option { return func(c *Config) { c.PopulationSize = n } }

func WithMutationRate(r float64) Option { return func(c *Config) { c.MutationRate = r } }

func WithEliteCount(n int) Option { return func(c *Config) { c.EliteCount = n } }

func WithRiskPenaltyWeight(w float64) Option { return func(c *Config) { c.RiskPenaltyWeight = w } }

// WithSeed fixes the RNG seed so runs are reproducible. Zero is a valid seed.
func WithSeed(seed uint64) Option { return func(c *Config) { c.Seed = &seed } }

// Validate checks the optimizer parameters.
func (c Config) Validate() error {
	if c.Generations < 0 {
		return errs.Config("strategy.generations", "must be >= 0, got %d", c.Generations)
	}
	if c.PopulationSize < 1 {
		return errs.Config("strategy.population_size", "must be >= 1, got %d", c.PopulationSize)
	}
	if math.IsNaN(c.MutationRate) || c.MutationRate < 0 || c.MutationRate > 1 {
		return errs.Config("strategy.mutation_rate", "must be in [0,1], got %v", c.MutationRate)
	}
	if c.EliteCount < 0 || c.EliteCount > c.PopulationSize {
		return errs.Config("strategy.elite_count", "must be in [0,%d], got %d", c.PopulationSize, c.EliteCount)
	}
	if math.IsNaN(c.RiskPenaltyWeight) || math.IsInf(c.RiskPenaltyWeight, 0) || c.RiskPenaltyWeight < 0 {
		return errs.Config("strategy.risk_penalty_weight", "must be finite and >= 0, got %v", c.RiskPenaltyWeight)
	}
	return nil
}

// GenerationStats summarizes one evaluated population. Generation 0 is the
// initial random population.
type GenerationStats struct {
	Generation  int     `json:"generation"`
	BestFitness float64 `json:"best_fitness"`
	MeanFitness float64 `json:"mean_fitness"`
	BestEver    float64 `json:"best_ever"`
	Excluded    int     `json:"excluded"`
}

// Result is the outcome of one optimization run.
type Result struct {
	Best        Genome                      `json:"best"`
	Fitness     float64                     `json:"fitness"`
	Seed        uint64                      `json:"seed"`
	Generations []GenerationStats           `json:"generations"`
	Excluded    int                         `json:"excluded"`
	Skipped     int                         `json:"skipped_outcomes"`
	Metrics     backtest.PerformanceMetrics `json:"metrics"`
	Duration    time.Duration               `json:"duration"`
}

// Optimizer runs genetic searches. It holds only configuration; every call to
// Optimize owns its own population and RNG, so one Optimizer may serve
// concurrent runs.
type Optimizer struct {
	cfg Config

	// fitness is swapped in tests to inject numeric failures.
	fitness func(g Genome, history []TradeOutcome, space SearchSpace) float64
}

// NewOptimizer builds an optimizer from DefaultConfig plus opts.
func NewOptimizer(opts ...Option) (*Optimizer, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewOptimizerFromConfig(cfg)
}

// NewOptimizerFromConfig validates cfg and builds an optimizer.
func NewOptimizerFromConfig(cfg Config) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{cfg: cfg}
	o.fitness = o.evaluate
	return o, nil
}

// Config returns the optimizer's parameters.
func (o *Optimizer) Config() Config { return o.cfg }

func (o *Optimizer) evaluate(g Genome, history []TradeOutcome, space SearchSpace) float64 {
	return Profitability(g, history) - RiskPenalty(g, space, o.cfg.RiskPenaltyWeight)
}

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type scored struct {
	genome  Genome
	fitness float64
	valid   bool
}

// Optimize searches space for the genome with the highest fitness over
// history. With zero generations the best of the initial population is
// returned. If ctx is cancelled between generations the best genome found so
// far is returned together with the context error.
func (o *Optimizer) Optimize(ctx context.Context, history []TradeOutcome, space SearchSpace) (Result, error) {
	if err := space.Validate(); err != nil {
		return Result{}, err
	}
	start := time.Now()

	seed := uint64(time.Now().UnixNano())
	if o.cfg.Seed != nil {
		seed = *o.cfg.Seed
	}
	rng := newRNG(seed)

	clean := make([]TradeOutcome, 0, len(history))
	for _, h := range history {
		if h.usable() {
			clean = append(clean, h)
		}
	}
	res := Result{Seed: seed, Skipped: len(history) - len(clean)}
	if res.Skipped > 0 {
		log.Warn().Int("skipped", res.Skipped).Msg("strategy: skipping outcomes with unusable prices")
	}

	pop := make([]Genome, o.cfg.PopulationSize)
	for i := range pop {
		pop[i] = RandomGenome(rng, space)
	}

	// Fallback when no genome ever scores finitely.
	best := scored{genome: pop[0], fitness: math.NaN()}

	gen := 0
	for {
		evaluated, err := o.evaluateAll(ctx, pop, clean, space)
		if err != nil {
			return o.finish(res, best, clean, start), fmt.Errorf("strategy: optimize: %w", err)
		}

		stats := GenerationStats{Generation: gen}
		sum, n := 0.0, 0
		for _, s := range evaluated {
			if !s.valid {
				stats.Excluded++
				continue
			}
			sum += s.fitness
			if n == 0 || s.fitness > stats.BestFitness {
				stats.BestFitness = s.fitness
			}
			n++
			if !best.valid || s.fitness > best.fitness {
				best = s
			}
		}
		if n > 0 {
			stats.MeanFitness = sum / float64(n)
		}
		if best.valid {
			stats.BestEver = best.fitness
		}
		res.Excluded += stats.Excluded
		res.Generations = append(res.Generations, stats)

		log.Debug().
			Int("generation", gen).
			Float64("best", stats.BestFitness).
			Float64("best_ever", stats.BestEver).
			Int("excluded", stats.Excluded).
			Msg("strategy: generation evaluated")

		if gen == o.cfg.Generations {
			break
		}
		if err := ctx.Err(); err != nil {
			return o.finish(res, best, clean, start), fmt.Errorf("strategy: optimize: %w", err)
		}

		pop = o.breed(evaluated, rng, space)
		gen++
	}

	return o.finish(res, best, clean, start), nil
}

func (o *Optimizer) finish(res Result, best scored, history []TradeOutcome, start time.Time) Result {
	res.Best = best.genome
	res.Fitness = best.fitness
	res.Metrics = backtest.ComputeMetrics(SimulateTrades(best.genome, history))
	res.Duration = time.Since(start)
	if !best.valid {
		log.Warn().Err(ErrNumeric).Int("excluded", res.Excluded).Msg("strategy: no genome produced a finite fitness")
	}
	return res
}

// evaluateAll scores pop in parallel. Results keep population order so the
// run stays deterministic.
func (o *Optimizer) evaluateAll(ctx context.Context, pop []Genome, history []TradeOutcome, space SearchSpace) ([]scored, error) {
	out := make([]scored, len(pop))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range pop {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			genome := pop[i]
			f := math.NaN()
			if genome.finite() {
				f = o.fitness(genome, history, space)
			}
			out[i] = scored{
				genome:  genome,
				fitness: f,
				valid:   !math.IsNaN(f) && !math.IsInf(f, 0),
			}
			if !out[i].valid {
				log.Debug().Err(ErrNumeric).Stringer("genome", genome).Msg("strategy: genome excluded")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// breed builds the next population: elites first, then children of
// rank-selected parents. RNG use depends only on the current population.
func (o *Optimizer) breed(evaluated []scored, rng *rand.Rand, space SearchSpace) []Genome {
	size := o.cfg.PopulationSize
	next := make([]Genome, 0, size)

	ranked := make([]scored, 0, len(evaluated))
	for _, s := range evaluated {
		if s.valid {
			ranked = append(ranked, s)
		}
	}
	if len(ranked) == 0 {
		for len(next) < size {
			next = append(next, RandomGenome(rng, space))
		}
		return next
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].fitness > ranked[j].fitness })

	for i := 0; i < o.cfg.EliteCount && i < len(ranked); i++ {
		next = append(next, ranked[i].genome)
	}
	for len(next) < size {
		a := selectRank(ranked, rng)
		b := selectRank(ranked, rng)
		next = append(next, Mutate(Crossover(a, b), rng, o.cfg.MutationRate, space))
	}
	return next
}

// selectRank picks a genome with probability proportional to its reversed
// rank: the best of n has weight n, the worst weight 1.
func selectRank(ranked []scored, rng *rand.Rand) Genome {
	n := len(ranked)
	total := n * (n + 1) / 2
	pick := rng.IntN(total)
	for i := range ranked {
		w := n - i
		if pick < w {
			return ranked[i].genome
		}
		pick -= w
	}
	return ranked[n-1].genome
}
