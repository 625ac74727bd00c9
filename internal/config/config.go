package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/errs"
	"github.com/nexus-trading/tokenpilot/internal/evm"
	"github.com/nexus-trading/tokenpilot/internal/fees"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
	"github.com/nexus-trading/tokenpilot/internal/pipeline"
	"github.com/nexus-trading/tokenpilot/internal/rates"
	"github.com/nexus-trading/tokenpilot/internal/risk"
	"github.com/nexus-trading/tokenpilot/internal/solana"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

// Config is the root configuration structure for tokenpilot.
type Config struct {
	General   GeneralConfig   `yaml:"general"`
	Chains    []ChainConfig   `yaml:"chains"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Risk      RiskConfig      `yaml:"risk"`
	Fees      FeesConfig      `yaml:"fees"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Admission pipeline.Config `yaml:"admission"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Audit     AuditConfig     `yaml:"audit"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`   // debug|info|warn|error
	LogFormat   string `yaml:"log_format"`  // json|text
}

// ChainConfig is one monitored chain. Endpoints are in priority order.
// program_ids and rpc apply to Solana; mempool and log_* to EVM chains.
type ChainConfig struct {
	Chain        string             `yaml:"chain"`
	Endpoints    []monitor.Endpoint `yaml:"endpoints"`
	ProgramIDs   []string           `yaml:"program_ids"`
	Mempool      bool               `yaml:"mempool"`
	LogAddresses []string           `yaml:"log_addresses"`
	LogTopics    []string           `yaml:"log_topics"`

	// RPC is a Solana JSON-RPC (HTTP) endpoint used to read on-chain token
	// metrics for admission. Empty disables it.
	RPC          string  `yaml:"rpc"`
	RPCRateLimit float64 `yaml:"rpc_rate_limit"`
}

type MonitorConfig struct {
	monitor.Config   `yaml:",inline"`
	Commitment       string        `yaml:"commitment"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	StaleAfter       time.Duration `yaml:"stale_after"`
}

type RiskConfig struct {
	// Weights maps factor names (market_cap, volume_24h, token_age,
	// holder_distribution, contract_verification, trading_history) to
	// weights summing to 1.0. Empty means the built-in weights.
	Weights map[string]float64 `yaml:"weights"`
}

type FeesConfig struct {
	SpeedTier    string               `yaml:"speed_tier"`
	RateSource   string               `yaml:"rate_source"` // static|binance
	RateTimeout  time.Duration        `yaml:"rate_timeout"`
	RateCacheTTL time.Duration        `yaml:"rate_cache_ttl"`
	BinanceURL   string               `yaml:"binance_url"`
	StaticRates  map[string]string    `yaml:"static_rates"`
	Gas          map[string]GasConfig `yaml:"gas"`
}

type GasConfig struct {
	DefaultGasPriceGwei float64 `yaml:"default_gas_price_gwei"`
	DefaultGasLimit     uint64  `yaml:"default_gas_limit"`
	RPC                 string  `yaml:"gas_rpc"`
}

type StrategyConfig struct {
	strategy.Config `yaml:",inline"`
	SearchSpace     strategy.SearchSpace `yaml:"search_space"`
	Initial         strategy.Genome      `yaml:"initial"`
	Interval        time.Duration        `yaml:"interval"`
	Lookback        time.Duration        `yaml:"lookback"`
	MinOutcomes     int                  `yaml:"min_outcomes"`
}

type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"` // empty = in-memory
	Migrate     bool   `yaml:"migrate"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type AuditConfig struct {
	Size int `yaml:"size"`
}

// Load reads and parses a YAML configuration file. ${VAR} references are
// expanded from the environment. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with every default applied and no chains.
func Default() *Config {
	cfg := &Config{
		Monitor:   MonitorConfig{Config: monitor.DefaultConfig()},
		Admission: pipeline.DefaultConfig(),
		Strategy:  StrategyConfig{Config: strategy.DefaultConfig()},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "tokenpilot-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	mon := monitor.DefaultConfig()
	if cfg.Monitor.BufferSize == 0 {
		cfg.Monitor.BufferSize = mon.BufferSize
	}
	if cfg.Monitor.BackoffBase == 0 {
		cfg.Monitor.BackoffBase = mon.BackoffBase
	}
	if cfg.Monitor.BackoffMax == 0 {
		cfg.Monitor.BackoffMax = mon.BackoffMax
	}
	if cfg.Monitor.GracePeriod == 0 {
		cfg.Monitor.GracePeriod = mon.GracePeriod
	}
	sol := solana.DefaultConfig()
	if cfg.Monitor.Commitment == "" {
		cfg.Monitor.Commitment = sol.Commitment
	}
	if cfg.Monitor.HandshakeTimeout == 0 {
		cfg.Monitor.HandshakeTimeout = sol.HandshakeTimeout
	}
	if cfg.Monitor.PingInterval == 0 {
		cfg.Monitor.PingInterval = sol.PingInterval
	}
	if cfg.Monitor.ReadTimeout == 0 {
		cfg.Monitor.ReadTimeout = sol.ReadTimeout
	}
	if cfg.Monitor.StaleAfter == 0 {
		cfg.Monitor.StaleAfter = 2 * time.Minute
	}

	if cfg.Fees.SpeedTier == "" {
		cfg.Fees.SpeedTier = string(fees.Standard)
	}
	if cfg.Fees.RateSource == "" {
		cfg.Fees.RateSource = "binance"
	}
	if cfg.Fees.RateTimeout == 0 {
		cfg.Fees.RateTimeout = fees.DefaultRateTimeout
	}
	if cfg.Fees.RateCacheTTL == 0 {
		cfg.Fees.RateCacheTTL = 30 * time.Second
	}

	opt := strategy.DefaultConfig()
	if cfg.Strategy.Generations == 0 {
		cfg.Strategy.Generations = opt.Generations
	}
	if cfg.Strategy.PopulationSize == 0 {
		cfg.Strategy.PopulationSize = opt.PopulationSize
	}
	if cfg.Strategy.MutationRate == 0 {
		cfg.Strategy.MutationRate = opt.MutationRate
	}
	if cfg.Strategy.EliteCount == 0 {
		cfg.Strategy.EliteCount = opt.EliteCount
	}
	if cfg.Strategy.RiskPenaltyWeight == 0 {
		cfg.Strategy.RiskPenaltyWeight = opt.RiskPenaltyWeight
	}
	if cfg.Strategy.SearchSpace == (strategy.SearchSpace{}) {
		cfg.Strategy.SearchSpace = strategy.SearchSpace{
			StopLoss:    strategy.Range{Min: 1, Max: 50},
			TakeProfit:  strategy.Range{Min: 5, Max: 300},
			TradeAmount: strategy.Range{Min: 10, Max: 1000},
		}
	}
	if cfg.Strategy.Initial == (strategy.Genome{}) {
		cfg.Strategy.Initial = strategy.Genome{StopLossPercent: 10, TakeProfitPercent: 50, TradeAmount: 100}
	}
	if cfg.Strategy.Interval == 0 {
		cfg.Strategy.Interval = time.Hour
	}
	if cfg.Strategy.Lookback == 0 {
		cfg.Strategy.Lookback = 30 * 24 * time.Hour
	}
	if cfg.Strategy.MinOutcomes == 0 {
		cfg.Strategy.MinOutcomes = 20
	}

	adm := pipeline.DefaultConfig()
	if cfg.Admission.MaxRiskScore == 0 {
		cfg.Admission.MaxRiskScore = adm.MaxRiskScore
	}
	if cfg.Admission.FeeBudgetFraction == 0 {
		cfg.Admission.FeeBudgetFraction = adm.FeeBudgetFraction
	}
	if cfg.Admission.SpeedTier == "" {
		cfg.Admission.SpeedTier = fees.SpeedTier(cfg.Fees.SpeedTier)
	}
	if cfg.Admission.FetchTimeout == 0 {
		cfg.Admission.FetchTimeout = adm.FetchTimeout
	}
	if cfg.Admission.Workers == 0 {
		cfg.Admission.Workers = adm.Workers
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Audit.Size == 0 {
		cfg.Audit.Size = 1000
	}
}

// Validate checks the whole configuration. Every failure is an
// errs.ConfigError naming the offending field.
func (c *Config) Validate() error {
	switch c.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errs.Config("general.log_level", "unknown level %q", c.General.LogLevel)
	}
	switch c.General.LogFormat {
	case "json", "text":
	default:
		return errs.Config("general.log_format", "must be json or text, got %q", c.General.LogFormat)
	}

	seen := make(map[chain.Chain]bool, len(c.Chains))
	for i, cc := range c.Chains {
		id, err := c.validateChain(i, cc)
		if err != nil {
			return err
		}
		if seen[id] {
			return errs.Config(fmt.Sprintf("chains[%d].chain", i), "%s configured twice", id)
		}
		seen[id] = true
	}

	if err := c.Monitor.Config.Validate(); err != nil {
		return err
	}
	if c.Monitor.StaleAfter < 0 {
		return errs.Config("monitor.stale_after", "must be >= 0, got %s", c.Monitor.StaleAfter)
	}

	weights, err := c.RiskWeights()
	if err != nil {
		return err
	}
	if _, err := risk.NewScorer(weights); err != nil {
		return err
	}

	if _, err := fees.ParseSpeedTier(c.Fees.SpeedTier); err != nil {
		return errs.Config("fees.speed_tier", "%v", err)
	}
	switch c.Fees.RateSource {
	case "static", "binance":
	default:
		return errs.Config("fees.rate_source", "must be static or binance, got %q", c.Fees.RateSource)
	}
	if c.Fees.RateSource == "static" && len(c.Fees.StaticRates) == 0 {
		return errs.Config("fees.static_rates", "required when rate_source is static")
	}
	if _, err := c.StaticRates(); err != nil {
		return errs.Config("fees.static_rates", "%v", err)
	}
	if c.Fees.RateTimeout <= 0 {
		return errs.Config("fees.rate_timeout", "must be > 0, got %s", c.Fees.RateTimeout)
	}
	if c.Fees.RateCacheTTL < 0 {
		return errs.Config("fees.rate_cache_ttl", "must be >= 0, got %s", c.Fees.RateCacheTTL)
	}
	if _, err := c.GasDefaults(); err != nil {
		return err
	}

	if err := c.Strategy.Config.Validate(); err != nil {
		return err
	}
	if err := c.Strategy.SearchSpace.Validate(); err != nil {
		return err
	}
	if c.Strategy.Interval <= 0 {
		return errs.Config("strategy.interval", "must be > 0, got %s", c.Strategy.Interval)
	}
	if c.Strategy.Lookback <= 0 {
		return errs.Config("strategy.lookback", "must be > 0, got %s", c.Strategy.Lookback)
	}
	if c.Strategy.MinOutcomes < 0 {
		return errs.Config("strategy.min_outcomes", "must be >= 0, got %d", c.Strategy.MinOutcomes)
	}
	g := c.Strategy.Initial
	if g.StopLossPercent < 0 || g.TakeProfitPercent < 0 || g.TradeAmount < 0 {
		return errs.Config("strategy.initial", "parameters must be >= 0, got %s", g)
	}

	if err := c.Admission.Validate(); err != nil {
		return err
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return errs.Config("metrics.listen_addr", "required when metrics are enabled")
	}
	if c.Audit.Size < 0 {
		return errs.Config("audit.size", "must be >= 0, got %d", c.Audit.Size)
	}
	return nil
}

func (c *Config) validateChain(i int, cc ChainConfig) (chain.Chain, error) {
	field := fmt.Sprintf("chains[%d]", i)
	id, err := chain.Parse(cc.Chain)
	if err != nil {
		return "", errs.Config(field+".chain", "%v", err)
	}
	if len(cc.Endpoints) == 0 {
		return "", errs.Config(field+".endpoints", "%s needs at least one endpoint", id)
	}
	want := monitor.ProtocolEVMWS
	if id == chain.Solana {
		want = monitor.ProtocolSolanaWS
	}
	for j, ep := range cc.Endpoints {
		epField := fmt.Sprintf("%s.endpoints[%d]", field, j)
		if ep.URL == "" {
			return "", errs.Config(epField+".url", "must not be empty")
		}
		if ep.Protocol != "" && ep.Protocol != want {
			return "", errs.Config(epField+".protocol", "%s endpoints use %s, got %q", id, want, ep.Protocol)
		}
	}
	if cc.RPCRateLimit < 0 {
		return "", errs.Config(field+".rpc_rate_limit", "must be >= 0, got %v", cc.RPCRateLimit)
	}
	if id == chain.Solana {
		for j, p := range cc.ProgramIDs {
			if !solana.ValidPubkey(p) {
				return "", errs.Config(fmt.Sprintf("%s.program_ids[%d]", field, j), "invalid program id %q", p)
			}
		}
		if cc.RPC != "" && !strings.HasPrefix(cc.RPC, "http://") && !strings.HasPrefix(cc.RPC, "https://") {
			return "", errs.Config(field+".rpc", "must be an http(s) URL, got %q", cc.RPC)
		}
		return id, nil
	}
	if cc.RPC != "" {
		return "", errs.Config(field+".rpc", "only used on solana")
	}
	if err := evmFilter(cc).Validate(field); err != nil {
		return "", err
	}
	return id, nil
}

// -----------------------------------------------------------------------
// Derived component settings
// -----------------------------------------------------------------------

// MonitorChains returns the monitor's per-chain endpoint lists. Endpoints
// without a protocol get the chain's default one.
func (c *Config) MonitorChains() ([]monitor.ChainConfig, error) {
	out := make([]monitor.ChainConfig, 0, len(c.Chains))
	for _, cc := range c.Chains {
		id, err := chain.Parse(cc.Chain)
		if err != nil {
			return nil, err
		}
		proto := monitor.ProtocolEVMWS
		if id == chain.Solana {
			proto = monitor.ProtocolSolanaWS
		}
		eps := make([]monitor.Endpoint, len(cc.Endpoints))
		for i, ep := range cc.Endpoints {
			if ep.Protocol == "" {
				ep.Protocol = proto
			}
			eps[i] = ep
		}
		out = append(out, monitor.ChainConfig{Chain: id, Endpoints: eps})
	}
	return out, nil
}

// SolanaConfig returns the Solana dialer settings.
func (c *Config) SolanaConfig() solana.Config {
	cfg := solana.Config{
		Commitment:       c.Monitor.Commitment,
		HandshakeTimeout: c.Monitor.HandshakeTimeout,
		PingInterval:     c.Monitor.PingInterval,
		ReadTimeout:      c.Monitor.ReadTimeout,
	}
	for _, cc := range c.Chains {
		if id, err := chain.Parse(cc.Chain); err == nil && id == chain.Solana {
			cfg.ProgramIDs = cc.ProgramIDs
		}
	}
	return cfg
}

// SolanaRPC returns the metrics RPC settings of the Solana chain. ok is false
// when none is configured.
func (c *Config) SolanaRPC() (cfg solana.RPCConfig, ok bool) {
	for _, cc := range c.Chains {
		if id, err := chain.Parse(cc.Chain); err != nil || id != chain.Solana || cc.RPC == "" {
			continue
		}
		cfg = solana.DefaultRPCConfig()
		cfg.Endpoint = cc.RPC
		cfg.Timeout = c.Admission.FetchTimeout
		if cc.RPCRateLimit > 0 {
			cfg.RateLimitRPS = cc.RPCRateLimit
		}
		return cfg, true
	}
	return cfg, false
}

// EVMFilters returns the subscription filter of every configured EVM chain.
func (c *Config) EVMFilters() map[chain.Chain]evm.Filter {
	out := make(map[chain.Chain]evm.Filter)
	for _, cc := range c.Chains {
		id, err := chain.Parse(cc.Chain)
		if err != nil || !id.IsAccountModel() {
			continue
		}
		out[id] = evmFilter(cc)
	}
	return out
}

func evmFilter(cc ChainConfig) evm.Filter {
	f := evm.Filter{Mempool: cc.Mempool, Addresses: cc.LogAddresses, Topics: cc.LogTopics}
	if len(f.Addresses) == 0 && len(f.Topics) == 0 {
		f.Topics = evm.DefaultFilter().Topics
	}
	return f
}

// RiskWeights converts the configured weight map. An empty map yields the
// built-in weights.
func (c *Config) RiskWeights() ([]risk.FactorWeight, error) {
	if len(c.Risk.Weights) == 0 {
		return risk.DefaultWeights(), nil
	}
	out := make([]risk.FactorWeight, 0, len(c.Risk.Weights))
	for name, w := range c.Risk.Weights {
		k, err := risk.ParseFactorKind(name)
		if err != nil {
			return nil, errs.Config("risk.weights", "%v", err)
		}
		out = append(out, risk.FactorWeight{Kind: k, Weight: w})
	}
	return out, nil
}

// StaticRates parses fees.static_rates.
func (c *Config) StaticRates() (rates.StaticTable, error) {
	return rates.ParseStaticTable(c.Fees.StaticRates)
}

// GasDefaults converts the per-chain gas fallbacks to wei.
func (c *Config) GasDefaults() (map[chain.Chain]fees.GasDefaults, error) {
	out := make(map[chain.Chain]fees.GasDefaults, len(c.Fees.Gas))
	for name, g := range c.Fees.Gas {
		field := "fees.gas." + name
		id, err := chain.Parse(name)
		if err != nil {
			return nil, errs.Config(field, "%v", err)
		}
		if !id.IsAccountModel() {
			return nil, errs.Config(field, "gas settings apply to EVM chains only, got %s", id)
		}
		if g.DefaultGasPriceGwei < 0 {
			return nil, errs.Config(field+".default_gas_price_gwei", "must be >= 0, got %v", g.DefaultGasPriceGwei)
		}
		out[id] = fees.GasDefaults{GasPrice: gweiToWei(g.DefaultGasPriceGwei), GasLimit: g.DefaultGasLimit}
	}
	return out, nil
}

// GasRPCs returns the gas-price RPC URL per EVM chain, where configured.
func (c *Config) GasRPCs() map[chain.Chain]string {
	out := make(map[chain.Chain]string)
	for name, g := range c.Fees.Gas {
		id, err := chain.Parse(name)
		if err != nil || strings.TrimSpace(g.RPC) == "" {
			continue
		}
		out[id] = g.RPC
	}
	return out
}

func gweiToWei(gwei float64) *big.Int {
	if gwei <= 0 {
		return nil
	}
	return decimal.NewFromFloat(gwei).Shift(9).BigInt()
}
