package solana

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
)

const (
	raydium  = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	pumpfun  = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	orca     = "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"
	meteora  = "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo"
	validSig = "2Ana1pUpv2ZbMVkwF5FXapYeBEjdxDatLn7nvJkhgTSXbs59SyZSx866bXirPgj8QQVB57uxHJBG1YFvkRbFj4T"
	shortSig = "4wBqpZM9xaSheZzJSMawUKKwhdpChKbZ5eu5ky4Vigw" // 32 bytes
)

func notification(sig string, slot uint64, logs ...string) []byte {
	quoted := "["
	for i, l := range logs {
		if i > 0 {
			quoted += ","
		}
		quoted += fmt.Sprintf("%q", l)
	}
	quoted += "]"
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"logsNotification","params":{"subscription":7,`+
		`"result":{"context":{"slot":%d},"value":{"signature":%q,"err":null,"logs":%s}}}}`, slot, sig, quoted))
}

func TestNormalize_RaydiumLaunch(t *testing.T) {
	observed := time.Now()
	data := notification(validSig, 250_000_001,
		"Program "+raydium+" invoke [1]",
		"Program log: initialize2: InitializeInstruction2 { nonce: 254 }",
		"Program "+raydium+" success",
	)

	ev, ok, err := Normalize(data, "wss://rpc", observed)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, chain.Solana, ev.Chain)
	assert.Equal(t, bus.KindNewToken, ev.Kind)
	assert.Equal(t, validSig, ev.Payload.TxHash)
	assert.Equal(t, raydium, ev.Payload.Address)
	assert.Equal(t, uint64(250_000_001), ev.Payload.Block)
	assert.Equal(t, "raydium", ev.Payload.DEX)
	assert.Len(t, ev.Payload.Logs, 3)
	assert.Equal(t, Producer, ev.Producer)
	assert.Equal(t, "wss://rpc", ev.Endpoint)
	assert.Equal(t, observed, ev.ObservedAt)
	assert.NotEmpty(t, ev.EventID)
}

func TestNormalize_SwapIsPlainLog(t *testing.T) {
	data := notification(validSig, 1,
		"Program "+raydium+" invoke [1]",
		"Program log: Swap",
	)

	ev, ok, err := Normalize(data, "", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bus.KindLog, ev.Kind)
}

func TestNormalize_SubscriptionConfirmationSkipped(t *testing.T) {
	_, ok, err := Normalize([]byte(`{"jsonrpc":"2.0","result":7,"id":1}`), "", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalize_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"invalid json":      []byte(`{"method":`),
		"unknown method":    []byte(`{"jsonrpc":"2.0","method":"slotNotification","params":{}}`),
		"missing params":    []byte(`{"jsonrpc":"2.0","method":"logsNotification"}`),
		"missing signature": notification("", 1, "Program log: Swap"),
		"not base58":        notification("0OIl-not-base58", 1, "Program log: Swap"),
		"wrong length":      notification(shortSig, 1, "Program log: Swap"),
	}
	for name, data := range cases {
		_, ok, err := Normalize(data, "", time.Now())
		assert.False(t, ok, name)
		assert.True(t, errors.Is(err, monitor.ErrMalformed), "%s: %v", name, err)
	}
}

func TestHasLaunchMarkers(t *testing.T) {
	assert.True(t, hasLaunchMarkers([]string{"Program log: InitializeInstruction2"}))
	assert.True(t, hasLaunchMarkers([]string{"Program log: InitializePool"}))
	assert.True(t, hasLaunchMarkers([]string{"Program log: InitializeLbPair"}))
	assert.True(t, hasLaunchMarkers([]string{"Program log: Create", "Program log: InitializeMint2"}))

	assert.False(t, hasLaunchMarkers([]string{"Program log: Create"}), "pump.fun needs both markers")
	assert.False(t, hasLaunchMarkers([]string{"Program log: Swap"}))
	assert.False(t, hasLaunchMarkers(nil))
}

func TestDexFromLogs(t *testing.T) {
	cases := map[string]string{
		raydium: "raydium",
		pumpfun: "pumpfun",
		orca:    "orca",
		meteora: "meteora",
	}
	for program, want := range cases {
		assert.Equal(t, want, dexFromLogs([]string{"Program " + program + " invoke [1]"}))
	}
	assert.Equal(t, "unknown", dexFromLogs([]string{"something else"}))
}

func TestInvokedProgram(t *testing.T) {
	logs := []string{
		"Program log: noise",
		"Program " + pumpfun + " invoke [1]",
		"Program " + raydium + " invoke [2]",
	}
	assert.Equal(t, pumpfun, invokedProgram(logs))
	assert.Empty(t, invokedProgram([]string{"Program nope invoke [1]"}))
}

func TestValidPubkey(t *testing.T) {
	assert.True(t, ValidPubkey(raydium))
	assert.False(t, ValidPubkey(validSig))
	assert.False(t, ValidPubkey("not-a-key"))
}
