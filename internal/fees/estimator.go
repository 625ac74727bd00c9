package fees

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/rates"
)

// ---------------------------------------------------------------------------
// Fee Estimator
// Account-model chains: gasPrice * multiplier * gasLimit.
// Solana: 5000 lamports * multiplier.
// USD conversion is best effort: a missing rate nulls USDFee only.
// ---------------------------------------------------------------------------

const (
	// SolanaBaseFeeLamports is the protocol fee per signature.
	SolanaBaseFeeLamports = 5000

	// DefaultRateTimeout bounds the exchange-rate lookup.
	DefaultRateTimeout = 2 * time.Second

	// DefaultGasSourceTimeout bounds a SuggestGasPrice call.
	DefaultGasSourceTimeout = 1 * time.Second
)

// ErrInvalidSpeedTier is returned for tiers other than slow, standard and fast.
var ErrInvalidSpeedTier = errors.New("invalid speed tier")

// SpeedTier is a named fee-aggressiveness level.
type SpeedTier string

const (
	Slow     SpeedTier = "slow"
	Standard SpeedTier = "standard"
	Fast     SpeedTier = "fast"
)

var multipliers = map[SpeedTier]decimal.Decimal{
	Slow:     decimal.RequireFromString("0.8"),
	Standard: decimal.RequireFromString("1"),
	Fast:     decimal.RequireFromString("1.5"),
}

// ParseSpeedTier resolves a tier name, case-insensitively.
func ParseSpeedTier(s string) (SpeedTier, error) {
	t := SpeedTier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := multipliers[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSpeedTier, s)
	}
	return t, nil
}

// Multiplier returns the fee multiplier for the tier.
func (t SpeedTier) Multiplier() (decimal.Decimal, error) {
	m, ok := multipliers[t]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidSpeedTier, string(t))
	}
	return m, nil
}

// Hints are optional caller-supplied overrides for EVM chains.
type Hints struct {
	GasPrice *big.Int // wei
	GasLimit uint64
}

// GasDefaults are the configured fallbacks for an EVM chain.
type GasDefaults struct {
	GasPrice *big.Int // wei
	GasLimit uint64
}

// GasPriceSource suggests a current gas price in wei. *ethclient.Client
// satisfies it.
type GasPriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// FeeQuote is the result of one estimate. USDFee is null when the exchange
// rate could not be obtained; RateErr then says why.
type FeeQuote struct {
	Chain         chain.Chain         `json:"chain"`
	SpeedTier     SpeedTier           `json:"speed_tier"`
	NativeFee     decimal.Decimal     `json:"native_fee"`
	NativeFeeUnit string              `json:"native_fee_unit"`
	USDFee        decimal.NullDecimal `json:"usd_fee"`
	GasPriceWei   *big.Int            `json:"gas_price_wei,omitempty"`
	GasLimit      uint64              `json:"gas_limit,omitempty"`
	RateErr       error               `json:"-"`
}

// Priced reports whether the USD fee is known.
func (q FeeQuote) Priced() bool { return q.USDFee.Valid }

// Recorder receives one observation per produced quote.
type Recorder interface {
	ObserveFeeQuote(c chain.Chain, tier string, priced bool)
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithRateTimeout bounds each exchange-rate lookup.
func WithRateTimeout(d time.Duration) Option {
	return func(e *Estimator) {
		if d > 0 {
			e.rateTimeout = d
		}
	}
}

// WithGasSource sets the live gas-price source for an EVM chain.
func WithGasSource(c chain.Chain, src GasPriceSource) Option {
	return func(e *Estimator) { e.gasSources[c] = src }
}

// WithGasDefaults overrides the fallback gas price and limit for an EVM chain.
// Zero fields keep the built-in value.
func WithGasDefaults(c chain.Chain, d GasDefaults) Option {
	return func(e *Estimator) {
		cur := e.gasDefaults[c]
		if d.GasPrice != nil && d.GasPrice.Sign() > 0 {
			cur.GasPrice = new(big.Int).Set(d.GasPrice)
		}
		if d.GasLimit > 0 {
			cur.GasLimit = d.GasLimit
		}
		e.gasDefaults[c] = cur
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Estimator) { e.recorder = r }
}

// Estimator computes fee quotes. Its configuration is fixed at construction
// and it is safe for concurrent use.
type Estimator struct {
	rates       rates.Lookup
	rateTimeout time.Duration
	gasTimeout  time.Duration
	gasSources  map[chain.Chain]GasPriceSource
	gasDefaults map[chain.Chain]GasDefaults
	recorder    Recorder
}

// Gwei converts a gwei amount to wei.
func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// NewEstimator creates an estimator that prices fees through lookup.
func NewEstimator(lookup rates.Lookup, opts ...Option) *Estimator {
	e := &Estimator{
		rates:       lookup,
		rateTimeout: DefaultRateTimeout,
		gasTimeout:  DefaultGasSourceTimeout,
		gasSources:  make(map[chain.Chain]GasPriceSource),
		gasDefaults: map[chain.Chain]GasDefaults{
			chain.Ethereum: {GasPrice: Gwei(30), GasLimit: 21_000},
			chain.Binance:  {GasPrice: Gwei(3), GasLimit: 21_000},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate quotes the fee for one transaction on c at tier. The error is
// non-nil only for an unsupported chain or an invalid tier; a missing
// exchange rate yields a quote with a null USDFee and RateErr set.
func (e *Estimator) Estimate(ctx context.Context, c chain.Chain, tier SpeedTier, hints Hints) (FeeQuote, error) {
	if !c.Supported() {
		return FeeQuote{}, fmt.Errorf("fees: estimate: %w: %q", chain.ErrUnsupportedChain, string(c))
	}
	mult, err := tier.Multiplier()
	if err != nil {
		return FeeQuote{}, fmt.Errorf("fees: estimate: %w", err)
	}

	q := FeeQuote{
		Chain:         c,
		SpeedTier:     tier,
		NativeFeeUnit: c.NativeUnit(),
	}

	if c.IsAccountModel() {
		gasPrice, gasLimit := e.resolveGas(ctx, c, hints)
		q.GasPriceWei = gasPrice
		q.GasLimit = gasLimit
		q.NativeFee = decimal.NewFromBigInt(gasPrice, 0).
			Mul(mult).
			Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(gasLimit), 0)).
			Shift(-c.Decimals())
	} else {
		q.NativeFee = decimal.NewFromInt(SolanaBaseFeeLamports).Mul(mult).Shift(-c.Decimals())
	}

	rate, err := e.lookupRate(ctx, c)
	if err != nil {
		q.RateErr = err
		log.Warn().Err(err).Str("chain", string(c)).Msg("fees: quoting without USD price")
	} else {
		q.USDFee = decimal.NewNullDecimal(q.NativeFee.Mul(rate))
	}

	if e.recorder != nil {
		e.recorder.ObserveFeeQuote(c, string(tier), q.Priced())
	}
	return q, nil
}

// resolveGas picks the gas price from the hint, then the live source, then
// the configured default.
func (e *Estimator) resolveGas(ctx context.Context, c chain.Chain, hints Hints) (*big.Int, uint64) {
	def := e.gasDefaults[c]

	limit := def.GasLimit
	if hints.GasLimit > 0 {
		limit = hints.GasLimit
	}

	if hints.GasPrice != nil && hints.GasPrice.Sign() > 0 {
		return new(big.Int).Set(hints.GasPrice), limit
	}

	if src, ok := e.gasSources[c]; ok && src != nil {
		gctx, cancel := context.WithTimeout(ctx, e.gasTimeout)
		price, err := src.SuggestGasPrice(gctx)
		cancel()
		if err == nil && price != nil && price.Sign() > 0 {
			return price, limit
		}
		log.Debug().Err(err).Str("chain", string(c)).Msg("fees: gas source failed, using default")
	}

	return new(big.Int).Set(def.GasPrice), limit
}

// lookupRate runs the rate lookup on its own goroutine so a lookup that
// ignores its context still cannot hold the quote past the timeout.
func (e *Estimator) lookupRate(ctx context.Context, c chain.Chain) (decimal.Decimal, error) {
	if e.rates == nil {
		return decimal.Zero, fmt.Errorf("%w: no rate source configured", rates.ErrRateUnavailable)
	}

	rctx, cancel := context.WithTimeout(ctx, e.rateTimeout)
	defer cancel()

	type result struct {
		rate decimal.Decimal
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := e.rates.Rate(rctx, c)
		ch <- result{rate: r, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, rates.ErrRateUnavailable) {
				return decimal.Zero, res.err
			}
			return decimal.Zero, fmt.Errorf("%w: %v", rates.ErrRateUnavailable, res.err)
		}
		if !res.rate.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", rates.ErrRateUnavailable, res.rate)
		}
		return res.rate, nil
	case <-rctx.Done():
		return decimal.Zero, fmt.Errorf("%w: %s lookup: %v", rates.ErrRateUnavailable, c, rctx.Err())
	}
}
