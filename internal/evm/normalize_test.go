package evm

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/errs"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
)

var (
	uniswapFactory = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	weth           = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	newToken       = common.HexToAddress("0x1111111111111111111111111111111111111111")
	pair           = common.HexToAddress("0x2222222222222222222222222222222222222222")
	transferTopic  = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
)

func pairCreatedLog(token0, token1 common.Address) types.Log {
	data := append(common.LeftPadBytes(pair.Bytes(), 32), common.LeftPadBytes([]byte{7}, 32)...)
	return types.Log{
		Address:     uniswapFactory,
		Topics:      []common.Hash{PairCreatedTopic, common.BytesToHash(token0.Bytes()), common.BytesToHash(token1.Bytes())},
		Data:        data,
		BlockNumber: 19_000_000,
		TxHash:      common.HexToHash("0xabc"),
	}
}

func TestPairCreatedTopic(t *testing.T) {
	assert.Equal(t, "0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9", PairCreatedTopic.Hex())
}

func TestNormalizeLog_PairCreatedIsNewToken(t *testing.T) {
	ev, err := NormalizeLog(chain.Ethereum, pairCreatedLog(weth, newToken), "wss://eth", time.Now())
	require.NoError(t, err)

	assert.Equal(t, bus.KindNewToken, ev.Kind)
	assert.Equal(t, chain.Ethereum, ev.Chain)
	assert.Equal(t, newToken.Hex(), ev.Payload.TokenAddress, "quote side is skipped")
	assert.Equal(t, weth.Hex(), ev.Payload.QuoteAddress)
	assert.Equal(t, pair.Hex(), ev.Payload.PoolAddress)
	assert.Equal(t, "uniswap-v2", ev.Payload.DEX)
	assert.Equal(t, uint64(19_000_000), ev.Payload.Block)
	assert.Equal(t, newToken.Hex(), ev.Token())
	assert.Equal(t, ProducerLogs, ev.Producer)
}

func TestNormalizeLog_PairWithoutQuoteKeepsOrder(t *testing.T) {
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	ev, err := NormalizeLog(chain.Ethereum, pairCreatedLog(newToken, other), "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, newToken.Hex(), ev.Payload.TokenAddress)
	assert.Equal(t, other.Hex(), ev.Payload.QuoteAddress)
}

func TestNormalizeLog_OtherTopicIsLog(t *testing.T) {
	lg := types.Log{Address: newToken, Topics: []common.Hash{transferTopic}, Data: []byte{1, 2}}

	ev, err := NormalizeLog(chain.Binance, lg, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, bus.KindLog, ev.Kind)
	assert.Equal(t, []string{transferTopic.Hex()}, ev.Payload.Topics)
	assert.Equal(t, []byte{1, 2}, ev.Payload.Data)
	assert.Empty(t, ev.Payload.TokenAddress)
}

func TestNormalizeLog_Malformed(t *testing.T) {
	removed := pairCreatedLog(weth, newToken)
	removed.Removed = true

	truncated := pairCreatedLog(weth, newToken)
	truncated.Data = nil

	cases := map[string]types.Log{
		"removed":   removed,
		"no topics": {Address: newToken},
		"truncated": truncated,
	}
	for name, lg := range cases {
		_, err := NormalizeLog(chain.Ethereum, lg, "", time.Now())
		assert.True(t, errors.Is(err, monitor.ErrMalformed), name)
	}
}

func TestNormalizePendingTx(t *testing.T) {
	h := common.HexToHash("0xfeed")
	ev := NormalizePendingTx(chain.Binance, h, "wss://bsc", time.Now())
	assert.Equal(t, bus.KindMempoolTx, ev.Kind)
	assert.Equal(t, h.Hex(), ev.Payload.TxHash)
	assert.Equal(t, ProducerMempool, ev.Producer)
}

func TestFilter_Validate(t *testing.T) {
	require.NoError(t, DefaultFilter().Validate("chains.ethereum"))
	require.NoError(t, Filter{Mempool: true}.Validate("chains.ethereum"))

	cases := map[string]Filter{
		"empty":       {},
		"bad address": {Addresses: []string{"0xnope"}},
		"bad topic":   {Topics: []string{"0x1234"}},
	}
	for name, f := range cases {
		assert.True(t, errors.Is(f.Validate("chains.ethereum"), errs.ErrConfiguration), name)
	}
}

func TestFilter_QueryMatchesAnyTopic0(t *testing.T) {
	f := Filter{
		Addresses: []string{uniswapFactory.Hex()},
		Topics:    []string{PairCreatedTopic.Hex(), transferTopic.Hex()},
	}
	q := f.query()
	assert.Equal(t, []common.Address{uniswapFactory}, q.Addresses)
	require.Len(t, q.Topics, 1)
	assert.Equal(t, []common.Hash{PairCreatedTopic, transferTopic}, q.Topics[0])
}
