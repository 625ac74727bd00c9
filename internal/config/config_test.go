package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/errs"
	"github.com/nexus-trading/tokenpilot/internal/evm"
	"github.com/nexus-trading/tokenpilot/internal/fees"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
	"github.com/nexus-trading/tokenpilot/internal/risk"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ETH_WS", "wss://eth.example")
	path := writeConfig(t, `
general:
  instance_id: "test-node"
  log_level: "debug"
  log_format: "text"

chains:
  - chain: solana
    endpoints:
      - url: "wss://api.mainnet-beta.solana.com"
    program_ids:
      - "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
    rpc: "https://rpc.example"
    rpc_rate_limit: 4
  - chain: eth
    endpoints:
      - url: "${ETH_WS}"
        protocol: evm-ws
      - url: "wss://backup.example"
    mempool: true

monitor:
  buffer_size: 256
  backoff_base: 500ms
  backoff_max: 30s

risk:
  weights:
    market_cap: 0.5
    holders: 0.5

fees:
  rate_source: static
  static_rates:
    eth: "2500"
    sol: "150"
  gas:
    ethereum:
      default_gas_price_gwei: 12.5
      default_gas_limit: 60000
      gas_rpc: "https://eth-rpc.example"

strategy:
  generations: 10
  seed: 42
  search_space:
    stop_loss: {min: 2, max: 20}
  interval: 15m

admission:
  max_risk_score: 0.4

storage:
  postgres_dsn: "postgres://localhost/tokenpilot"

metrics:
  enabled: true
  listen_addr: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "development", cfg.General.Environment)
	assert.Equal(t, "debug", cfg.General.LogLevel)

	assert.Equal(t, 256, cfg.Monitor.BufferSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Monitor.BackoffMax)
	assert.Equal(t, 5*time.Second, cfg.Monitor.GracePeriod, "default kept")

	assert.Equal(t, 10, cfg.Strategy.Generations)
	assert.Equal(t, 50, cfg.Strategy.PopulationSize)
	require.NotNil(t, cfg.Strategy.Seed)
	assert.Equal(t, uint64(42), *cfg.Strategy.Seed)
	assert.Equal(t, 2.0, cfg.Strategy.SearchSpace.StopLoss.Min)
	assert.Equal(t, 1000.0, cfg.Strategy.SearchSpace.TradeAmount.Max, "unset ranges keep defaults")
	assert.Equal(t, 15*time.Minute, cfg.Strategy.Interval)

	assert.Equal(t, 0.4, cfg.Admission.MaxRiskScore)
	assert.Equal(t, fees.Standard, cfg.Admission.SpeedTier)
	assert.Equal(t, "postgres://localhost/tokenpilot", cfg.Storage.PostgresDSN)
	assert.Equal(t, ":9100", cfg.Metrics.ListenAddr)
	assert.Equal(t, 1000, cfg.Audit.Size)

	chains, err := cfg.MonitorChains()
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, chain.Solana, chains[0].Chain)
	assert.Equal(t, monitor.ProtocolSolanaWS, chains[0].Endpoints[0].Protocol)
	assert.Equal(t, chain.Ethereum, chains[1].Chain)
	assert.Equal(t, "wss://eth.example", chains[1].Endpoints[0].URL)
	assert.Equal(t, monitor.ProtocolEVMWS, chains[1].Endpoints[1].Protocol)

	sol := cfg.SolanaConfig()
	assert.Equal(t, []string{"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"}, sol.ProgramIDs)
	assert.Equal(t, "confirmed", sol.Commitment)

	rpc, ok := cfg.SolanaRPC()
	require.True(t, ok)
	assert.Equal(t, "https://rpc.example", rpc.Endpoint)
	assert.Equal(t, 4.0, rpc.RateLimitRPS)
	assert.Equal(t, cfg.Admission.FetchTimeout, rpc.Timeout)

	filters := cfg.EVMFilters()
	require.Contains(t, filters, chain.Ethereum)
	assert.True(t, filters[chain.Ethereum].Mempool)
	assert.Equal(t, evm.DefaultFilter().Topics, filters[chain.Ethereum].Topics)

	table, err := cfg.StaticRates()
	require.NoError(t, err)
	assert.Equal(t, "2500", table[chain.Ethereum].String())

	gas, err := cfg.GasDefaults()
	require.NoError(t, err)
	assert.Equal(t, "12500000000", gas[chain.Ethereum].GasPrice.String())
	assert.Equal(t, uint64(60000), gas[chain.Ethereum].GasLimit)
	assert.Equal(t, map[chain.Chain]string{chain.Ethereum: "https://eth-rpc.example"}, cfg.GasRPCs())
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "json", cfg.General.LogFormat)
	assert.Equal(t, "binance", cfg.Fees.RateSource)
	_, ok := cfg.SolanaRPC()
	assert.False(t, ok)

	weights, err := cfg.RiskWeights()
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultWeights(), weights)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "chains: [unterminated"))
	assert.Error(t, err)
}

func TestLoad_NaNAdmissionThresholdsAreRejected(t *testing.T) {
	for _, field := range []string{"max_risk_score", "fee_budget_fraction"} {
		cfg, err := Load(writeConfig(t, "admission:\n  "+field+": .nan\n"))
		require.NoError(t, err, field)
		err = cfg.Validate()
		require.Error(t, err, field)
		assert.True(t, errors.Is(err, errs.ErrConfiguration), field)
		assert.Contains(t, err.Error(), "admission."+field)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":           func(c *Config) { c.General.LogLevel = "verbose" },
		"unknown chain":       func(c *Config) { c.Chains = []ChainConfig{{Chain: "tron", Endpoints: []monitor.Endpoint{{URL: "ws://x"}}}} },
		"no endpoints":        func(c *Config) { c.Chains = []ChainConfig{{Chain: "solana"}} },
		"protocol mismatch":   func(c *Config) { c.Chains = []ChainConfig{{Chain: "solana", Endpoints: []monitor.Endpoint{{URL: "ws://x", Protocol: monitor.ProtocolEVMWS}}}} },
		"bad program id":      func(c *Config) { c.Chains = []ChainConfig{{Chain: "solana", Endpoints: []monitor.Endpoint{{URL: "ws://x"}}, ProgramIDs: []string{"0xnope"}}} },
		"bad log address":     func(c *Config) { c.Chains = []ChainConfig{{Chain: "bsc", Endpoints: []monitor.Endpoint{{URL: "ws://x"}}, LogAddresses: []string{"nope"}}} },
		"rpc on evm":          func(c *Config) { c.Chains = []ChainConfig{{Chain: "eth", Endpoints: []monitor.Endpoint{{URL: "ws://x"}}, RPC: "https://x"}} },
		"rpc scheme":          func(c *Config) { c.Chains = []ChainConfig{{Chain: "sol", Endpoints: []monitor.Endpoint{{URL: "ws://x"}}, RPC: "wss://x"}} },
		"duplicate chain":     func(c *Config) { c.Chains = []ChainConfig{{Chain: "eth", Endpoints: []monitor.Endpoint{{URL: "ws://x"}}}, {Chain: "ethereum", Endpoints: []monitor.Endpoint{{URL: "ws://y"}}}} },
		"weights sum":         func(c *Config) { c.Risk.Weights = map[string]float64{"market_cap": 0.5} },
		"unknown factor":      func(c *Config) { c.Risk.Weights = map[string]float64{"vibes": 1} },
		"rate source":         func(c *Config) { c.Fees.RateSource = "coingecko" },
		"static without rate": func(c *Config) { c.Fees.RateSource = "static" },
		"gas on solana":       func(c *Config) { c.Fees.Gas = map[string]GasConfig{"solana": {DefaultGasLimit: 1}} },
		"inverted range":      func(c *Config) { c.Strategy.SearchSpace.TakeProfit.Min = 500 },
		"population":          func(c *Config) { c.Strategy.PopulationSize = -1 },
		"admission":           func(c *Config) { c.Admission.FeeBudgetFraction = 2 },
		"monitor backoff":     func(c *Config) { c.Monitor.BackoffMax = time.Millisecond },
		"audit size":          func(c *Config) { c.Audit.Size = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		assert.True(t, errors.Is(err, errs.ErrConfiguration), "%s: %v", name, err)
	}
}
