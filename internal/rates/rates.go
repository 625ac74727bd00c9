// Package rates provides USD-per-native-unit exchange rates for fee quotes.
package rates

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenpilot/internal/chain"
)

// ErrRateUnavailable is wrapped by every lookup failure.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Lookup returns the USD price of one native unit of a chain.
type Lookup interface {
	Rate(ctx context.Context, c chain.Chain) (decimal.Decimal, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, c chain.Chain) (decimal.Decimal, error)

func (f LookupFunc) Rate(ctx context.Context, c chain.Chain) (decimal.Decimal, error) {
	return f(ctx, c)
}

// StaticTable serves fixed rates. It is meant for tests and offline runs,
// never for live quoting.
type StaticTable map[chain.Chain]decimal.Decimal

// PlaceholderRates returns a fixed table for offline use.
func PlaceholderRates() StaticTable {
	return StaticTable{
		chain.Ethereum: decimal.NewFromInt(2000),
		chain.Solana:   decimal.NewFromInt(100),
		chain.Binance:  decimal.NewFromInt(300),
	}
}

// ParseStaticTable builds a table from configuration values keyed by chain
// name or alias.
func ParseStaticTable(raw map[string]string) (StaticTable, error) {
	t := make(StaticTable, len(raw))
	for name, v := range raw {
		c, err := chain.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("rates: static table: %w", err)
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("rates: static table: %s: %w", name, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("rates: static table: %s: rate must be positive", name)
		}
		t[c] = d
	}
	return t, nil
}

func (t StaticTable) Rate(_ context.Context, c chain.Chain) (decimal.Decimal, error) {
	r, ok := t[c]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no static rate for %s", ErrRateUnavailable, c)
	}
	return r, nil
}
