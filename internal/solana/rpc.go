package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// WrappedSOLMint is the SPL mint of wrapped SOL. It is the quote side of most
// launch pools and never the launched token.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// RPCConfig configures the JSON-RPC client used for token metrics.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultRPCConfig returns public mainnet defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

const (
	circuitBreakerThreshold = 10
	circuitBreakerCooldown  = 30 * time.Second
)

// RPCClient is a rate-limited, retrying Solana JSON-RPC client over HTTP.
type RPCClient struct {
	cfg        RPCConfig
	httpClient *http.Client

	// Token bucket refilled at RateLimitRPS.
	limiter chan struct{}
	stop    context.CancelFunc

	nextID atomic.Int64

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // microseconds
	lastRequestAt atomic.Int64 // unix millis
}

// NewRPCClient starts the limiter; Close stops it.
func NewRPCClient(cfg RPCConfig) *RPCClient {
	def := DefaultRPCConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = def.RateLimitRPS
	}

	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}
	c := &RPCClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    make(chan struct{}, burst),
	}
	for i := 0; i < burst; i++ {
		c.limiter <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	go c.refill(ctx)
	return c
}

func (c *RPCClient) refill(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / c.cfg.RateLimitRPS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case c.limiter <- struct{}{}:
			default:
			}
		}
	}
}

// Close stops the rate limiter.
func (c *RPCClient) Close() {
	c.stop()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request. Transport failures and non-200
// responses are retried with doubling backoff; JSON-RPC errors are not.
func (c *RPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("rpc: %s: circuit breaker open", method)
	}

	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: marshal request: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, retry, err := c.do(ctx, method, body)
		if err == nil {
			c.consecutiveErrors.Store(0)
			return result, nil
		}
		if !retry || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("rpc: %s: failed after %d attempts: %w", method, c.cfg.MaxRetries+1, lastErr)
}

func (c *RPCClient) do(ctx context.Context, method string, body []byte) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("rpc: %s: create request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError()
		return nil, true, fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.recordError()
		return nil, true, fmt.Errorf("rpc: %s: read response: %w", method, err)
	}
	c.requestCount.Add(1)
	c.latencySum.Add(time.Since(start).Microseconds())
	c.lastRequestAt.Store(time.Now().UnixMilli())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// Rate limiting is the endpoint's signal, not a fault.
		c.errorCount.Add(1)
		return nil, true, fmt.Errorf("rpc: %s: rate limited (429)", method)
	case resp.StatusCode != http.StatusOK:
		c.recordError()
		return nil, true, fmt.Errorf("rpc: %s: HTTP %d: %s", method, resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var rr rpcResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		c.recordError()
		return nil, true, fmt.Errorf("rpc: %s: unmarshal response: %w", method, err)
	}
	if rr.Error != nil {
		c.consecutiveErrors.Store(0)
		return nil, false, fmt.Errorf("rpc: %s: error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	return rr.Result, false, nil
}

// recordError opens the circuit breaker after too many consecutive failures.
// It closes again after the cooldown.
func (c *RPCClient) recordError() {
	c.errorCount.Add(1)
	n := c.consecutiveErrors.Add(1)
	if n < circuitBreakerThreshold || !c.circuitOpen.CompareAndSwap(false, true) {
		return
	}
	log.Error().Int64("errors", n).Str("endpoint", c.cfg.Endpoint).Msg("rpc: circuit breaker open")
	time.AfterFunc(circuitBreakerCooldown, func() {
		c.consecutiveErrors.Store(0)
		c.circuitOpen.Store(false)
		log.Info().Str("endpoint", c.cfg.Endpoint).Msg("rpc: circuit breaker reset")
	})
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// TxInfo is the part of a confirmed transaction needed to identify a launch.
type TxInfo struct {
	Signature string
	Slot      uint64
	BlockTime time.Time // zero when the node does not report it
	Mints     []string  // SPL mints with balances after the transaction, in order
}

// Transaction fetches a confirmed transaction by signature.
func (c *RPCClient) Transaction(ctx context.Context, signature string) (TxInfo, error) {
	result, err := c.call(ctx, "getTransaction", []any{
		signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return TxInfo{}, err
	}
	if isNull(result) {
		return TxInfo{}, fmt.Errorf("rpc: transaction %s not found", short(signature))
	}

	var tx struct {
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
		Meta      *struct {
			PostTokenBalances []struct {
				Mint string `json:"mint"`
			} `json:"postTokenBalances"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(result, &tx); err != nil {
		return TxInfo{}, fmt.Errorf("rpc: parse transaction: %w", err)
	}

	info := TxInfo{Signature: signature, Slot: tx.Slot}
	if tx.BlockTime != nil {
		info.BlockTime = time.Unix(*tx.BlockTime, 0).UTC()
	}
	if tx.Meta != nil {
		seen := make(map[string]bool)
		for _, b := range tx.Meta.PostTokenBalances {
			if b.Mint != "" && !seen[b.Mint] {
				seen[b.Mint] = true
				info.Mints = append(info.Mints, b.Mint)
			}
		}
	}
	return info, nil
}

// MintInfo is a parsed SPL mint account. Supply is in base units.
type MintInfo struct {
	Mint            string
	Decimals        uint8
	Supply          decimal.Decimal
	MintAuthority   string // empty = renounced
	FreezeAuthority string // empty = renounced
}

// Renounced reports whether nobody can mint more or freeze holders.
func (m MintInfo) Renounced() bool {
	return m.MintAuthority == "" && m.FreezeAuthority == ""
}

// MintAccount fetches and parses a mint account.
func (c *RPCClient) MintAccount(ctx context.Context, mint string) (MintInfo, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		mint,
		map[string]any{"encoding": "jsonParsed", "commitment": "confirmed"},
	})
	if err != nil {
		return MintInfo{}, err
	}

	var resp struct {
		Value *struct {
			Data struct {
				Parsed struct {
					Type string `json:"type"`
					Info struct {
						Decimals        uint8   `json:"decimals"`
						Supply          string  `json:"supply"`
						MintAuthority   *string `json:"mintAuthority"`
						FreezeAuthority *string `json:"freezeAuthority"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return MintInfo{}, fmt.Errorf("rpc: parse mint %s: %w", short(mint), err)
	}
	if resp.Value == nil {
		return MintInfo{}, fmt.Errorf("rpc: mint %s not found", short(mint))
	}
	parsed := resp.Value.Data.Parsed
	if parsed.Type != "" && parsed.Type != "mint" {
		return MintInfo{}, fmt.Errorf("rpc: account %s is a %s, not a mint", short(mint), parsed.Type)
	}
	supply, err := decimal.NewFromString(parsed.Info.Supply)
	if err != nil {
		return MintInfo{}, fmt.Errorf("rpc: mint %s: supply %q: %w", short(mint), parsed.Info.Supply, err)
	}

	return MintInfo{
		Mint:            mint,
		Decimals:        parsed.Info.Decimals,
		Supply:          supply,
		MintAuthority:   deref(parsed.Info.MintAuthority),
		FreezeAuthority: deref(parsed.Info.FreezeAuthority),
	}, nil
}

// LargestHolding returns the balance, in base units, of the largest token
// account of mint.
func (c *RPCClient) LargestHolding(ctx context.Context, mint string) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{
		mint,
		map[string]any{"commitment": "confirmed"},
	})
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse largest accounts: %w", err)
	}
	if len(resp.Value) == 0 {
		return decimal.Zero, fmt.Errorf("rpc: mint %s has no token accounts", short(mint))
	}

	// The node sorts by amount; take the max anyway.
	largest := decimal.Zero
	for _, a := range resp.Value {
		amt, err := decimal.NewFromString(a.Amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("rpc: holder %s: amount %q: %w", short(a.Address), a.Amount, err)
		}
		if amt.GreaterThan(largest) {
			largest = amt
		}
	}
	return largest, nil
}

// Health calls getHealth.
func (c *RPCClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(ctx, "getHealth", nil)
	return err
}

// RPCStats are client counters.
type RPCStats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *RPCClient) Stats() RPCStats {
	n := c.requestCount.Load()
	var avg int64
	if n > 0 {
		avg = c.latencySum.Load() / n
	}
	return RPCStats{
		RequestCount:  n,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avg,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
