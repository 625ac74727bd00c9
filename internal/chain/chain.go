package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedChain is returned for chain identifiers outside the supported set.
var ErrUnsupportedChain = errors.New("unsupported chain")

// Chain identifies a supported blockchain.
type Chain string

const (
	Ethereum Chain = "ethereum"
	Solana   Chain = "solana"
	Binance  Chain = "binance"
)

// All lists the supported chains in a stable order.
func All() []Chain {
	return []Chain{Ethereum, Solana, Binance}
}

// Parse resolves a chain name or common alias (eth, sol, bsc, bnb).
func Parse(s string) (Chain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ethereum", "eth", "mainnet":
		return Ethereum, nil
	case "solana", "sol":
		return Solana, nil
	case "binance", "bsc", "bnb":
		return Binance, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, s)
}

// Supported reports whether c is one of the known chains.
func (c Chain) Supported() bool {
	switch c {
	case Ethereum, Solana, Binance:
		return true
	}
	return false
}

// NativeUnit is the ticker of the chain's fee currency.
func (c Chain) NativeUnit() string {
	switch c {
	case Ethereum:
		return "ETH"
	case Solana:
		return "SOL"
	case Binance:
		return "BNB"
	}
	return ""
}

// Decimals is the number of base units (wei, lamports) per native unit, as a power of ten.
func (c Chain) Decimals() int32 {
	switch c {
	case Ethereum, Binance:
		return 18
	case Solana:
		return 9
	}
	return 0
}

// IsAccountModel reports whether fees follow gasPrice * gasLimit.
func (c Chain) IsAccountModel() bool {
	return c == Ethereum || c == Binance
}

func (c Chain) String() string {
	return string(c)
}
