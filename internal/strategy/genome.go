package strategy

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/nexus-trading/tokenpilot/internal/errs"
)

// mutationSpan is the maximum relative perturbation applied by Mutate.
const mutationSpan = 0.10

// Range is an inclusive [Min, Max] interval. Min == Max is valid and pins the
// parameter to a constant.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

func (r Range) validate(field string) error {
	if math.IsNaN(r.Min) || math.IsInf(r.Min, 0) || math.IsNaN(r.Max) || math.IsInf(r.Max, 0) {
		return errs.Config(field, "bounds must be finite, got [%v, %v]", r.Min, r.Max)
	}
	if r.Min < 0 {
		return errs.Config(field, "min %v must be >= 0", r.Min)
	}
	if r.Min > r.Max {
		return errs.Config(field, "min %v exceeds max %v", r.Min, r.Max)
	}
	return nil
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	return math.Min(math.Max(v, r.Min), r.Max)
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// sample draws uniformly from the range. It always consumes one value from
// rng so the draw sequence does not depend on the bounds.
func (r Range) sample(rng *rand.Rand) float64 {
	u := rng.Float64()
	if r.Min == r.Max {
		return r.Min
	}
	return r.Clamp(r.Min + u*(r.Max-r.Min))
}

// SearchSpace bounds every genome parameter.
type SearchSpace struct {
	StopLoss    Range `yaml:"stop_loss" json:"stop_loss"`
	TakeProfit  Range `yaml:"take_profit" json:"take_profit"`
	TradeAmount Range `yaml:"trade_amount" json:"trade_amount"`
}

// Validate returns a configuration error for non-finite, negative or inverted
// ranges.
func (s SearchSpace) Validate() error {
	if err := s.StopLoss.validate("strategy.search_space.stop_loss"); err != nil {
		return err
	}
	if err := s.TakeProfit.validate("strategy.search_space.take_profit"); err != nil {
		return err
	}
	return s.TradeAmount.validate("strategy.search_space.trade_amount")
}

// Genome is one candidate parameter set. Percentages are in percent units
// (5 means 5%).
type Genome struct {
	StopLossPercent   float64 `yaml:"stop_loss_percent" json:"stop_loss_percent"`
	TakeProfitPercent float64 `yaml:"take_profit_percent" json:"take_profit_percent"`
	TradeAmount       float64 `yaml:"trade_amount" json:"trade_amount"`
}

func (g Genome) String() string {
	return fmt.Sprintf("sl=%.4f%% tp=%.4f%% amount=%.4f", g.StopLossPercent, g.TakeProfitPercent, g.TradeAmount)
}

// finite reports whether every parameter is a finite number.
func (g Genome) finite() bool {
	for _, v := range [...]float64{g.StopLossPercent, g.TakeProfitPercent, g.TradeAmount} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// RandomGenome draws every parameter uniformly from space.
func RandomGenome(rng *rand.Rand, space SearchSpace) Genome {
	return Genome{
		StopLossPercent:   space.StopLoss.sample(rng),
		TakeProfitPercent: space.TakeProfit.sample(rng),
		TradeAmount:       space.TradeAmount.sample(rng),
	}
}

// Crossover returns the parameter-wise arithmetic mean of a and b.
func Crossover(a, b Genome) Genome {
	return Genome{
		StopLossPercent:   mid(a.StopLossPercent, b.StopLossPercent),
		TakeProfitPercent: mid(a.TakeProfitPercent, b.TakeProfitPercent),
		TradeAmount:       mid(a.TradeAmount, b.TradeAmount),
	}
}

// mid is exact for a == b.
func mid(a, b float64) float64 {
	if a == b {
		return a
	}
	return a/2 + b/2
}

// Mutate perturbs stop-loss and take-profit, each with probability rate, by a
// uniform factor in [-10%, +10%] of its current value, clamped to space.
// TradeAmount is never mutated; it only moves through crossover.
func Mutate(g Genome, rng *rand.Rand, rate float64, space SearchSpace) Genome {
	g.StopLossPercent = space.StopLoss.Clamp(perturb(g.StopLossPercent, rng, rate))
	g.TakeProfitPercent = space.TakeProfit.Clamp(perturb(g.TakeProfitPercent, rng, rate))
	return g
}

// perturb consumes exactly two draws regardless of outcome.
func perturb(v float64, rng *rand.Rand, rate float64) float64 {
	hit := rng.Float64() < rate
	delta := (rng.Float64()*2 - 1) * mutationSpan
	if !hit {
		return v
	}
	return v * (1 + delta)
}
