// Package pipeline turns monitor events into admission decisions: risk score
// first, then a fee check against the live strategy parameters.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/tokenpilot/internal/audit"
	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/errs"
	"github.com/nexus-trading/tokenpilot/internal/fees"
	"github.com/nexus-trading/tokenpilot/internal/risk"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

// Reason codes. Details follow a colon, e.g. "RISK_TOO_HIGH:score=0.82,max=0.60".
const (
	ReasonRiskTooHigh     = "RISK_TOO_HIGH"
	ReasonFeeUnavailable  = "FEE_UNAVAILABLE"
	ReasonFeeUnpriced     = "FEE_UNPRICED"
	ReasonFeeErodesProfit = "FEE_ERODES_PROFIT"
)

// MetricsAggregator builds TokenMetrics for a candidate token.
type MetricsAggregator interface {
	Fetch(ctx context.Context, tokenAddress string) (risk.TokenMetrics, error)
}

// MetricsAggregatorFunc adapts a function to MetricsAggregator.
type MetricsAggregatorFunc func(ctx context.Context, tokenAddress string) (risk.TokenMetrics, error)

func (f MetricsAggregatorFunc) Fetch(ctx context.Context, tokenAddress string) (risk.TokenMetrics, error) {
	return f(ctx, tokenAddress)
}

// Scorer is satisfied by *risk.Scorer.
type Scorer interface {
	Assess(m risk.TokenMetrics) risk.Assessment
}

// FeeEstimator is satisfied by *fees.Estimator.
type FeeEstimator interface {
	Estimate(ctx context.Context, c chain.Chain, tier fees.SpeedTier, hints fees.Hints) (fees.FeeQuote, error)
}

// ParamSource is satisfied by *strategy.ParamStore.
type ParamSource interface {
	Load() strategy.LiveParams
}

// Recorder receives one observation per decision.
type Recorder interface {
	ObserveRiskScore(c chain.Chain, score float64)
	ObserveAdmission(c chain.Chain, allowed bool, reasons []string)
}

// Config holds admission thresholds.
type Config struct {
	MaxRiskScore      float64        `yaml:"max_risk_score"`
	FeeBudgetFraction float64        `yaml:"fee_budget_fraction"`
	SpeedTier         fees.SpeedTier `yaml:"speed_tier"`
	FetchTimeout      time.Duration  `yaml:"fetch_timeout"`
	Workers           int            `yaml:"workers"`

	// MetricsURL is the base URL of the token metrics indexer. Empty means no
	// aggregator: every token scores as unknown.
	MetricsURL string `yaml:"metrics_url"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxRiskScore:      0.6,
		FeeBudgetFraction: 0.5,
		SpeedTier:         fees.Standard,
		FetchTimeout:      5 * time.Second,
		Workers:           4,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if math.IsNaN(c.MaxRiskScore) || c.MaxRiskScore < 0 || c.MaxRiskScore > 1 {
		return errs.Config("admission.max_risk_score", "must be in [0,1], got %v", c.MaxRiskScore)
	}
	if math.IsNaN(c.FeeBudgetFraction) || c.FeeBudgetFraction <= 0 || c.FeeBudgetFraction > 1 {
		return errs.Config("admission.fee_budget_fraction", "must be in (0,1], got %v", c.FeeBudgetFraction)
	}
	if _, err := c.SpeedTier.Multiplier(); err != nil {
		return errs.Config("admission.speed_tier", "%v", err)
	}
	if c.FetchTimeout <= 0 {
		return errs.Config("admission.fetch_timeout", "must be > 0, got %s", c.FetchTimeout)
	}
	if c.Workers < 1 {
		return errs.Config("admission.workers", "must be >= 1, got %d", c.Workers)
	}
	return nil
}

// Decision is the outcome of one admission check.
type Decision struct {
	EventID     string              `json:"event_id"`
	Token       string              `json:"token"`
	Chain       chain.Chain         `json:"chain"`
	Allowed     bool                `json:"allowed"`
	RiskScore   float64             `json:"risk_score"`
	Assessment  risk.Assessment     `json:"assessment"`
	Quote       *fees.FeeQuote      `json:"quote,omitempty"`
	FeeBudget   decimal.NullDecimal `json:"fee_budget_usd"`
	Params      strategy.LiveParams `json:"params"`
	ReasonCodes []string            `json:"reason_codes"`
	Timestamp   time.Time           `json:"ts"`
}

// Option configures an Admitter.
type Option func(*Admitter)

// WithTrail records every decision in the audit trail.
func WithTrail(t *audit.Trail) Option {
	return func(a *Admitter) { a.trail = t }
}

// WithRecorder attaches a metrics sink.
func WithRecorder(r Recorder) Option {
	return func(a *Admitter) { a.recorder = r }
}

// WithChainAggregator fetches metrics for tokens on c from agg instead of the
// default aggregator.
func WithChainAggregator(c chain.Chain, agg MetricsAggregator) Option {
	return func(a *Admitter) {
		if a.byChain == nil {
			a.byChain = make(map[chain.Chain]MetricsAggregator)
		}
		a.byChain[c] = agg
	}
}

// WithDecisionHook is called with every decision produced by Run.
func WithDecisionHook(fn func(Decision)) Option {
	return func(a *Admitter) { a.hook = fn }
}

// Admitter evaluates candidate tokens. It is safe for concurrent use.
type Admitter struct {
	cfg        Config
	scorer     Scorer
	fees       FeeEstimator
	params     ParamSource
	aggregator MetricsAggregator
	byChain    map[chain.Chain]MetricsAggregator

	trail    *audit.Trail
	recorder Recorder
	hook     func(Decision)
	now      func() time.Time

	evaluated atomic.Int64
	allowed   atomic.Int64
	denied    atomic.Int64
	skipped   atomic.Int64
}

// NewAdmitter validates cfg and wires the collaborators.
func NewAdmitter(cfg Config, scorer Scorer, estimator FeeEstimator, params ParamSource, aggregator MetricsAggregator, opts ...Option) (*Admitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Admitter{
		cfg:        cfg,
		scorer:     scorer,
		fees:       estimator,
		params:     params,
		aggregator: aggregator,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// CandidateToken is the address admission scores for ev. Solana log
// notifications carry no mint, so the signature stands in and the aggregator
// resolves it.
func CandidateToken(ev bus.ChainEvent) string {
	if ev.Payload.TokenAddress != "" {
		return ev.Payload.TokenAddress
	}
	if ev.Chain == chain.Solana && ev.Payload.TxHash != "" {
		return ev.Payload.TxHash
	}
	return ev.Token()
}

// Evaluate scores ev's token and checks the fee against the expected profit
// of the live parameters. A failed metrics fetch scores empty metrics, which
// the scorer treats as worst case.
func (a *Admitter) Evaluate(ctx context.Context, ev bus.ChainEvent) Decision {
	params := a.params.Load()
	d := Decision{
		EventID:   ev.EventID,
		Token:     CandidateToken(ev),
		Chain:     ev.Chain,
		Params:    params,
		Timestamp: a.now(),
	}

	metrics := a.fetchMetrics(ctx, ev.Chain, d.Token)
	d.Assessment = a.scorer.Assess(metrics)
	d.RiskScore = d.Assessment.Score
	if a.recorder != nil {
		a.recorder.ObserveRiskScore(ev.Chain, d.RiskScore)
	}

	if d.RiskScore > a.cfg.MaxRiskScore {
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("%s:score=%.3f,max=%.3f", ReasonRiskTooHigh, d.RiskScore, a.cfg.MaxRiskScore))
	} else {
		a.checkFee(ctx, ev.Chain, params, &d)
	}

	d.Allowed = len(d.ReasonCodes) == 0
	a.evaluated.Add(1)
	if d.Allowed {
		a.allowed.Add(1)
		log.Debug().Str("event_id", d.EventID).Str("token", d.Token).Float64("risk", d.RiskScore).Msg("admission: ALLOW")
	} else {
		a.denied.Add(1)
		log.Info().Str("event_id", d.EventID).Str("token", d.Token).Strs("reasons", d.ReasonCodes).Msg("admission: DENY")
	}
	if a.recorder != nil {
		a.recorder.ObserveAdmission(ev.Chain, d.Allowed, d.ReasonCodes)
	}
	if a.trail != nil {
		a.trail.RecordAdmission(audit.Admission{
			TraceID:     d.EventID,
			Token:       d.Token,
			Chain:       string(d.Chain),
			Allowed:     d.Allowed,
			ReasonCodes: d.ReasonCodes,
			Timestamp:   d.Timestamp,
			Detail:      auditDetail(d),
		})
	}
	return d
}

func (a *Admitter) fetchMetrics(ctx context.Context, c chain.Chain, token string) risk.TokenMetrics {
	agg := a.aggregator
	if byChain, ok := a.byChain[c]; ok {
		agg = byChain
	}
	if agg == nil {
		return risk.TokenMetrics{Address: token}
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()

	m, err := agg.Fetch(ctx, token)
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("admission: metrics unavailable, scoring as unknown")
		return risk.TokenMetrics{Address: token}
	}
	if m.Address == "" {
		m.Address = token
	}
	return m
}

// checkFee requires a priced quote no larger than
// TradeAmount * TakeProfit% * FeeBudgetFraction.
func (a *Admitter) checkFee(ctx context.Context, c chain.Chain, p strategy.LiveParams, d *Decision) {
	q, err := a.fees.Estimate(ctx, c, a.cfg.SpeedTier, fees.Hints{})
	if err != nil {
		d.ReasonCodes = append(d.ReasonCodes, fmt.Sprintf("%s:%v", ReasonFeeUnavailable, err))
		return
	}
	d.Quote = &q
	if !q.Priced() {
		d.ReasonCodes = append(d.ReasonCodes, fmt.Sprintf("%s:%v", ReasonFeeUnpriced, q.RateErr))
		return
	}

	budget := decimal.NewFromFloat(p.TradeAmount).
		Mul(decimal.NewFromFloat(p.TakeProfitPercent)).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(a.cfg.FeeBudgetFraction))
	d.FeeBudget = decimal.NewNullDecimal(budget)
	if q.USDFee.Decimal.GreaterThan(budget) {
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("%s:fee=%s,budget=%s", ReasonFeeErodesProfit, q.USDFee.Decimal.StringFixed(4), budget.StringFixed(4)))
	}
}

func auditDetail(d Decision) any {
	detail := struct {
		RiskScore     float64  `json:"risk_score"`
		ParamsVersion uint64   `json:"params_version"`
		NativeFee     string   `json:"native_fee,omitempty"`
		USDFee        string   `json:"usd_fee,omitempty"`
		FeeBudget     string   `json:"fee_budget_usd,omitempty"`
		ReasonCodes   []string `json:"reason_codes"`
	}{
		RiskScore:     d.RiskScore,
		ParamsVersion: d.Params.Version,
		ReasonCodes:   d.ReasonCodes,
	}
	if d.Quote != nil {
		detail.NativeFee = d.Quote.NativeFee.String() + " " + d.Quote.NativeFeeUnit
		if d.Quote.Priced() {
			detail.USDFee = d.Quote.USDFee.Decimal.String()
		}
	}
	if d.FeeBudget.Valid {
		detail.FeeBudget = d.FeeBudget.Decimal.String()
	}
	return detail
}

// Run evaluates new_token events until events is closed or ctx is done.
// Other kinds are counted as skipped. Up to Workers events are evaluated at
// once.
func (a *Admitter) Run(ctx context.Context, events <-chan bus.ChainEvent) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)

	defer log.Info().Msg("admission: stopped")
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return g.Wait()
			}
			if ev.Kind != bus.KindNewToken {
				a.skipped.Add(1)
				continue
			}
			g.Go(func() error {
				d := a.Evaluate(gctx, ev)
				if a.hook != nil {
					a.hook(d)
				}
				return nil
			})
		}
	}
}

// Stats are admission counters.
type Stats struct {
	Evaluated int64 `json:"evaluated"`
	Allowed   int64 `json:"allowed"`
	Denied    int64 `json:"denied"`
	Skipped   int64 `json:"skipped"`
}

// Stats returns a snapshot of the counters.
func (a *Admitter) Stats() Stats {
	return Stats{
		Evaluated: a.evaluated.Load(),
		Allowed:   a.allowed.Load(),
		Denied:    a.denied.Load(),
		Skipped:   a.skipped.Load(),
	}
}
