package solana

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
)

// Producer is stamped on every event built here.
const Producer = "solana-logs"

const (
	signatureLen = 64
	pubkeyLen    = 32
)

// Well-known DEX programs, keyed by program id.
var dexPrograms = map[string]string{
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8": "raydium",
	"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P":  "pumpfun",
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc":  "orca",
	"LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo":  "meteora",
}

// DefaultProgramIDs are the programs watched when none are configured.
func DefaultProgramIDs() []string {
	return []string{
		"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", // Raydium AMM V4
		"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P",  // Pump.fun
	}
}

// Single-line markers of pool initialization.
var poolInitMarkers = []string{
	"InitializeInstruction2", // Raydium
	"initialize2",            // Raydium
	"InitializePool",         // Orca Whirlpool
	"InitializeLbPair",       // Meteora DLMM
}

type rpcNotification struct {
	Method string `json:"method"`
	Params *struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`

	// Set on request responses (subscription confirmations, errors).
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Normalize turns one raw logsSubscribe frame into a ChainEvent. ok is false
// for frames that carry no event (subscription confirmations). Undecodable
// frames and invalid signatures return an error wrapping monitor.ErrMalformed.
func Normalize(data []byte, endpoint string, observedAt time.Time) (ev bus.ChainEvent, ok bool, err error) {
	var n rpcNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return ev, false, monitor.Malformed("solana: decode: %v", err)
	}
	if n.Method == "" && n.ID != nil {
		return ev, false, nil
	}
	if n.Method != "logsNotification" {
		return ev, false, monitor.Malformed("solana: unexpected method %q", n.Method)
	}
	if n.Params == nil {
		return ev, false, monitor.Malformed("solana: notification without params")
	}

	v := n.Params.Result.Value
	if err := validateSignature(v.Signature); err != nil {
		return ev, false, err
	}

	kind := bus.KindLog
	if hasLaunchMarkers(v.Logs) {
		kind = bus.KindNewToken
	}
	p := bus.Payload{
		TxHash:  v.Signature,
		Address: invokedProgram(v.Logs),
		Block:   n.Params.Result.Context.Slot,
		Logs:    v.Logs,
		DEX:     dexFromLogs(v.Logs),
	}
	return bus.NewChainEvent(chain.Solana, kind, p, observedAt, Producer, endpoint), true, nil
}

func validateSignature(sig string) error {
	if sig == "" {
		return monitor.Malformed("solana: missing signature")
	}
	raw, err := base58.Decode(sig)
	if err != nil {
		return monitor.Malformed("solana: signature %q: %v", short(sig), err)
	}
	if len(raw) != signatureLen {
		return monitor.Malformed("solana: signature %q decodes to %d bytes", short(sig), len(raw))
	}
	return nil
}

// ValidPubkey reports whether s is a base58 32-byte public key.
func ValidPubkey(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == pubkeyLen
}

// hasLaunchMarkers reports whether the logs show a pool or bonding-curve
// being created. Pump.fun spreads its markers over separate lines, so both
// must be present.
func hasLaunchMarkers(logs []string) bool {
	var create, initMint bool
	for _, l := range logs {
		for _, m := range poolInitMarkers {
			if strings.Contains(l, m) {
				return true
			}
		}
		create = create || strings.Contains(l, "Create")
		initMint = initMint || strings.Contains(l, "InitializeMint2")
	}
	return create && initMint
}

// dexFromLogs names the first known DEX program mentioned in the logs.
func dexFromLogs(logs []string) string {
	for _, l := range logs {
		for id, dex := range dexPrograms {
			if strings.Contains(l, id) {
				return dex
			}
		}
	}
	return "unknown"
}

// invokedProgram returns the top-level program from "Program <id> invoke [1]".
func invokedProgram(logs []string) string {
	for _, l := range logs {
		f := strings.Fields(l)
		if len(f) >= 3 && f[0] == "Program" && f[2] == "invoke" && ValidPubkey(f[1]) {
			return f[1]
		}
	}
	return ""
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
