package evm

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
)

// Producers stamped on events built here.
const (
	ProducerMempool = "evm-mempool"
	ProducerLogs    = "evm-logs"
)

// PairCreatedTopic is topic0 of the Uniswap V2 style factory event
// PairCreated(address indexed token0, address indexed token1, address pair, uint256).
var PairCreatedTopic = crypto.Keccak256Hash([]byte("PairCreated(address,address,address,uint256)"))

var factories = map[common.Address]string{
	common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"): "uniswap-v2",
	common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"): "sushiswap",
	common.HexToAddress("0xcA143Ce32Fe78f1f7019d7d551a6402fC5350c73"): "pancakeswap-v2",
}

// Quote assets. When a pair includes one, the other side is the launch.
var quoteAssets = map[chain.Chain]map[common.Address]bool{
	chain.Ethereum: {
		common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"): true, // WETH
		common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): true, // USDC
		common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"): true, // USDT
	},
	chain.Binance: {
		common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"): true, // WBNB
		common.HexToAddress("0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56"): true, // BUSD
		common.HexToAddress("0x55d398326f99059fF775485246999027B3197955"): true, // USDT
	},
}

// NormalizePendingTx builds a mempool_tx event from a pending transaction hash.
func NormalizePendingTx(c chain.Chain, hash common.Hash, endpoint string, observedAt time.Time) bus.ChainEvent {
	return bus.NewChainEvent(c, bus.KindMempoolTx, bus.Payload{TxHash: hash.Hex()}, observedAt, ProducerMempool, endpoint)
}

// NormalizeLog builds a log or new_token event. Removed logs, logs without
// topics and truncated PairCreated logs are malformed.
func NormalizeLog(c chain.Chain, lg types.Log, endpoint string, observedAt time.Time) (bus.ChainEvent, error) {
	if lg.Removed {
		return bus.ChainEvent{}, monitor.Malformed("evm: log %s#%d removed by reorg", lg.TxHash.Hex(), lg.Index)
	}
	if len(lg.Topics) == 0 {
		return bus.ChainEvent{}, monitor.Malformed("evm: log %s#%d has no topics", lg.TxHash.Hex(), lg.Index)
	}

	p := bus.Payload{
		TxHash:  lg.TxHash.Hex(),
		Address: lg.Address.Hex(),
		Block:   lg.BlockNumber,
		Topics:  topicStrings(lg.Topics),
		Data:    lg.Data,
	}

	if lg.Topics[0] != PairCreatedTopic {
		return bus.NewChainEvent(c, bus.KindLog, p, observedAt, ProducerLogs, endpoint), nil
	}

	if len(lg.Topics) < 3 || len(lg.Data) < 32 {
		return bus.ChainEvent{}, monitor.Malformed("evm: PairCreated %s: %d topics, %d data bytes",
			lg.TxHash.Hex(), len(lg.Topics), len(lg.Data))
	}
	token0 := common.BytesToAddress(lg.Topics[1].Bytes())
	token1 := common.BytesToAddress(lg.Topics[2].Bytes())
	token, quote := launchSide(c, token0, token1)

	p.TokenAddress = token.Hex()
	p.QuoteAddress = quote.Hex()
	p.PoolAddress = common.BytesToAddress(lg.Data[:32]).Hex()
	p.DEX = dexFor(lg.Address)
	return bus.NewChainEvent(c, bus.KindNewToken, p, observedAt, ProducerLogs, endpoint), nil
}

// launchSide orders a pair as (new token, quote asset).
func launchSide(c chain.Chain, token0, token1 common.Address) (common.Address, common.Address) {
	if quoteAssets[c][token0] && !quoteAssets[c][token1] {
		return token1, token0
	}
	return token0, token1
}

func dexFor(factory common.Address) string {
	if name, ok := factories[factory]; ok {
		return name
	}
	return "unknown"
}

func topicStrings(topics []common.Hash) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = t.Hex()
	}
	return out
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
