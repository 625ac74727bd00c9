package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FactorKind enumerates the independent risk factors.
type FactorKind int

const (
	MarketCap FactorKind = iota
	Volume24h
	TokenAge
	HolderDistribution
	ContractVerification
	TradingHistory

	numFactors
)

var factorNames = [numFactors]string{
	"market_cap",
	"volume_24h",
	"token_age",
	"holder_distribution",
	"contract_verification",
	"trading_history",
}

func (k FactorKind) String() string {
	if k < 0 || k >= numFactors {
		return fmt.Sprintf("factor(%d)", int(k))
	}
	return factorNames[k]
}

// MarshalText encodes the factor by name.
func (k FactorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts any name understood by ParseFactorKind.
func (k *FactorKind) UnmarshalText(b []byte) error {
	v, err := ParseFactorKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Valid reports whether k is a known factor.
func (k FactorKind) Valid() bool {
	return k >= 0 && k < numFactors
}

// ParseFactorKind resolves a factor name as used in configuration. The short
// aliases "volume", "holders", "contract" and "history" are accepted.
func ParseFactorKind(s string) (FactorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "market_cap", "marketcap":
		return MarketCap, nil
	case "volume_24h", "volume", "volume24h":
		return Volume24h, nil
	case "token_age", "age", "tokenage":
		return TokenAge, nil
	case "holder_distribution", "holders":
		return HolderDistribution, nil
	case "contract_verification", "contract":
		return ContractVerification, nil
	case "trading_history", "history":
		return TradingHistory, nil
	}
	return 0, fmt.Errorf("unknown risk factor %q", s)
}

// AllFactors lists every factor kind in declaration order.
func AllFactors() []FactorKind {
	out := make([]FactorKind, 0, numFactors)
	for k := FactorKind(0); k < numFactors; k++ {
		out = append(out, k)
	}
	return out
}

// Risk buckets. Lower is safer.
var (
	bucketCritical = decimal.RequireFromString("1.0")
	bucketHigh     = decimal.RequireFromString("0.7")
	bucketMedium   = decimal.RequireFromString("0.4")
	bucketLow      = decimal.RequireFromString("0.1")
)

// factorFunc maps metrics to a risk bucket. A non-nil issue means the field
// was missing or invalid and the critical bucket was used.
type factorFunc func(m TokenMetrics, now time.Time) (decimal.Decimal, *DataQualityIssue)

var factorFuncs = [numFactors]factorFunc{
	MarketCap:            scoreMarketCap,
	Volume24h:            scoreVolume,
	TokenAge:             scoreTokenAge,
	HolderDistribution:   scoreHolders,
	ContractVerification: scoreContract,
	TradingHistory:       scoreHistory,
}

func issue(k FactorKind, field, reason string) *DataQualityIssue {
	return &DataQualityIssue{Factor: k, Field: field, Reason: reason}
}

func checkAmount(k FactorKind, field string, v *float64) *DataQualityIssue {
	switch {
	case v == nil:
		return issue(k, field, "missing")
	case math.IsNaN(*v) || math.IsInf(*v, 0):
		return issue(k, field, "not finite")
	case *v < 0:
		return issue(k, field, "negative")
	}
	return nil
}

func scoreMarketCap(m TokenMetrics, _ time.Time) (decimal.Decimal, *DataQualityIssue) {
	if dq := checkAmount(MarketCap, "market_cap_usd", m.MarketCapUSD); dq != nil {
		return bucketCritical, dq
	}
	switch v := *m.MarketCapUSD; {
	case v < 1_000_000:
		return bucketCritical, nil
	case v < 10_000_000:
		return bucketHigh, nil
	case v < 100_000_000:
		return bucketMedium, nil
	}
	return bucketLow, nil
}

func scoreVolume(m TokenMetrics, _ time.Time) (decimal.Decimal, *DataQualityIssue) {
	if dq := checkAmount(Volume24h, "volume_24h_usd", m.Volume24hUSD); dq != nil {
		return bucketCritical, dq
	}
	switch v := *m.Volume24hUSD; {
	case v < 10_000:
		return bucketCritical, nil
	case v < 100_000:
		return bucketHigh, nil
	case v < 1_000_000:
		return bucketMedium, nil
	}
	return bucketLow, nil
}

func scoreTokenAge(m TokenMetrics, now time.Time) (decimal.Decimal, *DataQualityIssue) {
	if m.CreatedAt.IsZero() {
		return bucketCritical, issue(TokenAge, "created_at", "missing")
	}
	if m.CreatedAt.After(now) {
		return bucketCritical, issue(TokenAge, "created_at", "in the future")
	}
	days := now.Sub(m.CreatedAt).Hours() / 24
	switch {
	case days < 30:
		return bucketCritical, nil
	case days < 90:
		return bucketHigh, nil
	case days < 180:
		return bucketMedium, nil
	}
	return bucketLow, nil
}

func scoreHolders(m TokenMetrics, _ time.Time) (decimal.Decimal, *DataQualityIssue) {
	const field = "holder_distribution.top_holder_percentage"
	if m.HolderDistribution == nil {
		return bucketCritical, issue(HolderDistribution, field, "missing")
	}
	v := m.HolderDistribution.TopHolderPercentage
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
		return bucketCritical, issue(HolderDistribution, field, "outside [0,100]")
	}
	switch {
	case v > 50:
		return bucketCritical, nil
	case v > 30:
		return bucketHigh, nil
	case v > 20:
		return bucketMedium, nil
	}
	return bucketLow, nil
}

func scoreContract(m TokenMetrics, _ time.Time) (decimal.Decimal, *DataQualityIssue) {
	if m.ContractVerified == nil {
		return bucketCritical, issue(ContractVerification, "contract_verified", "missing")
	}
	if *m.ContractVerified {
		return bucketLow, nil
	}
	return bucketCritical, nil
}

func scoreHistory(m TokenMetrics, _ time.Time) (decimal.Decimal, *DataQualityIssue) {
	const field = "trading_history.suspicious_transaction_count"
	if m.TradingHistory == nil {
		return bucketCritical, issue(TradingHistory, field, "missing")
	}
	n := m.TradingHistory.SuspiciousTransactionCount
	switch {
	case n < 0:
		return bucketCritical, issue(TradingHistory, field, "negative")
	case n > 10:
		return bucketCritical, nil
	case n > 5:
		return bucketHigh, nil
	case n > 0:
		return bucketMedium, nil
	}
	return bucketLow, nil
}
