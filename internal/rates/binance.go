package rates

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenpilot/internal/chain"
)

// DefaultSymbols maps each chain's native unit to its USDT spot pair.
func DefaultSymbols() map[chain.Chain]string {
	return map[chain.Chain]string{
		chain.Ethereum: "ETHUSDT",
		chain.Solana:   "SOLUSDT",
		chain.Binance:  "BNBUSDT",
	}
}

// BinanceLookup reads spot prices from the Binance public ticker endpoint.
type BinanceLookup struct {
	client  *binance.Client
	symbols map[chain.Chain]string
}

// NewBinanceLookup creates a lookup against baseURL (empty = production API).
// Ticker prices are public, so no API key is needed.
func NewBinanceLookup(baseURL string, symbols map[chain.Chain]string) *BinanceLookup {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if len(symbols) == 0 {
		symbols = DefaultSymbols()
	}
	return &BinanceLookup{client: client, symbols: symbols}
}

func (b *BinanceLookup) Rate(ctx context.Context, c chain.Chain) (decimal.Decimal, error) {
	symbol, ok := b.symbols[c]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no ticker symbol for %s", ErrRateUnavailable, c)
	}

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: binance %s: %v", ErrRateUnavailable, symbol, err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		d, err := decimal.NewFromString(p.Price)
		if err != nil || !d.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: binance %s: bad price %q", ErrRateUnavailable, symbol, p.Price)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("%w: binance %s: symbol missing from response", ErrRateUnavailable, symbol)
}
