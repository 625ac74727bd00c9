package solana

import (
	"context"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenpilot/internal/risk"
)

// MetricsSource builds the on-chain part of TokenMetrics for Solana
// candidates. Launch events carry only a signature, so the mint is resolved
// from the transaction first. Market data (market cap, volume) and trading
// history are not on-chain facts and stay unset.
type MetricsSource struct {
	rpc *RPCClient
}

// NewMetricsSource wraps an RPC client.
func NewMetricsSource(rpc *RPCClient) *MetricsSource {
	return &MetricsSource{rpc: rpc}
}

// Fetch accepts either a transaction signature or a mint address.
//
//   - CreatedAt: block time of the launch transaction (signatures only)
//   - ContractVerified: mint and freeze authority both renounced
//   - HolderDistribution: largest token account as a share of supply
func (s *MetricsSource) Fetch(ctx context.Context, token string) (risk.TokenMetrics, error) {
	raw, err := base58.Decode(token)
	if err != nil {
		return risk.TokenMetrics{}, fmt.Errorf("solana metrics: %q is not base58: %w", short(token), err)
	}

	var m risk.TokenMetrics
	mint := token
	switch len(raw) {
	case signatureLen:
		tx, err := s.rpc.Transaction(ctx, token)
		if err != nil {
			return risk.TokenMetrics{}, fmt.Errorf("solana metrics: resolve launch: %w", err)
		}
		mint = LaunchedMint(tx.Mints)
		if mint == "" {
			return risk.TokenMetrics{}, fmt.Errorf("solana metrics: transaction %s moved no token", short(token))
		}
		m.CreatedAt = tx.BlockTime
	case pubkeyLen:
	default:
		return risk.TokenMetrics{}, fmt.Errorf("solana metrics: %q is neither a signature nor a mint", short(token))
	}
	m.Address = mint

	info, err := s.rpc.MintAccount(ctx, mint)
	if err != nil {
		return risk.TokenMetrics{}, fmt.Errorf("solana metrics: %w", err)
	}
	m.ContractVerified = risk.Bool(info.Renounced())

	if info.Supply.IsPositive() {
		largest, err := s.rpc.LargestHolding(ctx, mint)
		if err != nil {
			log.Debug().Err(err).Str("mint", mint).Msg("solana metrics: holder distribution unavailable")
		} else {
			pct := largest.Div(info.Supply).Mul(decimal.NewFromInt(100)).InexactFloat64()
			m.HolderDistribution = &risk.HolderStats{TopHolderPercentage: pct}
		}
	}
	return m, nil
}

// LaunchedMint picks the launched token from a transaction's mints: the first
// one that is not wrapped SOL.
func LaunchedMint(mints []string) string {
	for _, m := range mints {
		if m != WrappedSOLMint {
			return m
		}
	}
	return ""
}
