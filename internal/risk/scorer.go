package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenpilot/internal/errs"
)

// ---------------------------------------------------------------------------
// Risk Scorer: weighted bucketed factors, result in [0,1]
// Missing or invalid fields fall into the worst bucket for their factor.
// ---------------------------------------------------------------------------

// TokenMetrics is a snapshot of aggregated token data. Nil pointers and a zero
// CreatedAt mean the aggregator could not supply the field.
type TokenMetrics struct {
	Address            string        `json:"address"`
	MarketCapUSD       *float64      `json:"market_cap_usd,omitempty"`
	Volume24hUSD       *float64      `json:"volume_24h_usd,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	HolderDistribution *HolderStats  `json:"holder_distribution,omitempty"`
	ContractVerified   *bool         `json:"contract_verified,omitempty"`
	TradingHistory     *TradingStats `json:"trading_history,omitempty"`
}

// HolderStats is the concentration of the largest holder.
type HolderStats struct {
	TopHolderPercentage float64 `json:"top_holder_percentage"`
}

// TradingStats summarizes on-chain trading behaviour.
type TradingStats struct {
	SuspiciousTransactionCount int `json:"suspicious_transaction_count"`
}

// Float returns a pointer to v, for building TokenMetrics literals.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// DataQualityIssue reports a missing or malformed metric field. It is
// recovered locally by the scorer and only surfaces through the Observer.
type DataQualityIssue struct {
	Token  string     `json:"token,omitempty"`
	Factor FactorKind `json:"factor"`
	Field  string     `json:"field"`
	Reason string     `json:"reason"`
}

func (i DataQualityIssue) Error() string {
	return fmt.Sprintf("data quality: %s: %s %s", i.Factor, i.Field, i.Reason)
}

// Observer receives data quality issues found while scoring.
type Observer interface {
	ObserveDataQuality(issue DataQualityIssue)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(issue DataQualityIssue)

func (f ObserverFunc) ObserveDataQuality(issue DataQualityIssue) { f(issue) }

type logObserver struct{}

func (logObserver) ObserveDataQuality(issue DataQualityIssue) {
	log.Warn().
		Str("token", issue.Token).
		Str("factor", issue.Factor.String()).
		Str("field", issue.Field).
		Str("reason", issue.Reason).
		Msg("risk: degraded metric, using worst bucket")
}

// FactorWeight assigns a weight in [0,1] to a factor.
type FactorWeight struct {
	Kind   FactorKind
	Weight float64
}

// DefaultWeights returns the production weights. They sum to 1.0.
func DefaultWeights() []FactorWeight {
	return []FactorWeight{
		{Kind: MarketCap, Weight: 0.20},
		{Kind: Volume24h, Weight: 0.15},
		{Kind: TokenAge, Weight: 0.15},
		{Kind: HolderDistribution, Weight: 0.20},
		{Kind: ContractVerification, Weight: 0.15},
		{Kind: TradingHistory, Weight: 0.15},
	}
}

const weightSumTolerance = 1e-9

// FactorScore is the contribution of one factor to an assessment.
type FactorScore struct {
	Kind         FactorKind `json:"kind"`
	Weight       float64    `json:"weight"`
	Risk         float64    `json:"risk"`
	Contribution float64    `json:"contribution"`
}

// Assessment is a scored token with per-factor detail.
type Assessment struct {
	Score   float64            `json:"score"`
	Factors []FactorScore      `json:"factors"`
	Issues  []DataQualityIssue `json:"issues,omitempty"`
}

type weighted struct {
	kind   FactorKind
	weight decimal.Decimal
	fn     factorFunc
}

// Scorer computes risk scores. It holds only immutable configuration and is
// safe for concurrent use.
type Scorer struct {
	factors  []weighted
	observer Observer
	now      func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithObserver routes data quality issues to o instead of the log.
func WithObserver(o Observer) Option {
	return func(s *Scorer) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock overrides the time source used for token age.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScorer validates the weight table and binds each factor to its scoring
// function. Invalid weights are a configuration error.
func NewScorer(weights []FactorWeight, opts ...Option) (*Scorer, error) {
	if len(weights) == 0 {
		return nil, errs.Config("risk.weights", "no factors configured")
	}

	s := &Scorer{
		observer: logObserver{},
		now:      time.Now,
	}

	seen := make(map[FactorKind]bool, len(weights))
	sum := decimal.Zero
	for _, fw := range weights {
		if !fw.Kind.Valid() {
			return nil, errs.Config("risk.weights", "unknown factor %d", int(fw.Kind))
		}
		if seen[fw.Kind] {
			return nil, errs.Config("risk.weights."+fw.Kind.String(), "duplicate factor")
		}
		seen[fw.Kind] = true
		if math.IsNaN(fw.Weight) || fw.Weight < 0 || fw.Weight > 1 {
			return nil, errs.Config("risk.weights."+fw.Kind.String(), "weight %v outside [0,1]", fw.Weight)
		}
		w := decimal.NewFromFloat(fw.Weight)
		sum = sum.Add(w)
		s.factors = append(s.factors, weighted{kind: fw.Kind, weight: w, fn: factorFuncs[fw.Kind]})
	}

	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.NewFromFloat(weightSumTolerance)) {
		return nil, errs.Config("risk.weights", "weights sum to %s, want 1.0", sum.String())
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score returns the risk of m in [0,1]. It never fails.
func (s *Scorer) Score(m TokenMetrics) float64 {
	return s.Assess(m).Score
}

// Assess scores m and returns the per-factor breakdown.
func (s *Scorer) Assess(m TokenMetrics) Assessment {
	now := s.now()
	a := Assessment{Factors: make([]FactorScore, 0, len(s.factors))}

	total := decimal.Zero
	for _, f := range s.factors {
		bucket, dq := f.fn(m, now)
		if dq != nil {
			dq.Token = m.Address
			a.Issues = append(a.Issues, *dq)
			s.observer.ObserveDataQuality(*dq)
		}
		contribution := f.weight.Mul(bucket)
		total = total.Add(contribution)

		a.Factors = append(a.Factors, FactorScore{
			Kind:         f.kind,
			Weight:       f.weight.InexactFloat64(),
			Risk:         bucket.InexactFloat64(),
			Contribution: contribution.InexactFloat64(),
		})
	}

	// Clamp against weight drift within the validation tolerance.
	one := decimal.NewFromInt(1)
	if total.GreaterThan(one) {
		total = one
	}
	if total.IsNegative() {
		total = decimal.Zero
	}
	a.Score = total.InexactFloat64()
	return a
}
