package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
)

var (
	// ErrMalformed marks a raw message that could not be normalized. Streams
	// return it wrapped; the monitor drops the message and keeps reading.
	ErrMalformed = errors.New("malformed message")

	// ErrEndpointUnavailable is reported when every endpoint of a chain failed
	// to subscribe. It only surfaces through state transitions.
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
)

// Malformed wraps a normalization failure in ErrMalformed.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Protocol selects the Dialer for an endpoint.
type Protocol string

const (
	ProtocolSolanaWS Protocol = "solana-ws"
	ProtocolEVMWS    Protocol = "evm-ws"
)

// Endpoint is one candidate RPC/WS endpoint.
type Endpoint struct {
	URL      string   `yaml:"url" json:"url"`
	Protocol Protocol `yaml:"protocol" json:"protocol"`
}

// ChainConfig lists a chain's endpoints in priority order.
type ChainConfig struct {
	Chain     chain.Chain
	Endpoints []Endpoint
}

// Stream yields normalized events from one live subscription.
type Stream interface {
	// Next blocks for the next event. Errors wrapping ErrMalformed are
	// per-message; any other error ends the stream.
	Next(ctx context.Context) (bus.ChainEvent, error)
	Close() error
}

// Dialer opens a subscription on one endpoint.
type Dialer interface {
	Dial(ctx context.Context, c chain.Chain, ep Endpoint) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, c chain.Chain, ep Endpoint) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, c chain.Chain, ep Endpoint) (Stream, error) {
	return f(ctx, c, ep)
}

// State is the per-chain subscription state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
	Cancelled
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transition describes one state change of a chain loop.
type Transition struct {
	Chain    chain.Chain
	From     State
	To       State
	Endpoint string
	Attempt  int
	Err      error
	At       time.Time
}

// Metrics receives monitor counters. observability.Metrics implements it.
type Metrics interface {
	SetChainState(chain string, state string)
	IncEventsEmitted(chain string)
	IncEventsDropped(chain, reason string)
	IncReconnects(chain string)
	IncEndpointFailures(chain, endpoint string)
}

// FeedRecorder tracks feed health. quality.Monitor implements it.
type FeedRecorder interface {
	RecordEvent(chain string, observedAt time.Time)
	RecordDrop(chain, reason string)
}

// Drop reasons.
const (
	DropMalformed  = "malformed"
	DropBufferFull = "buffer_full"
)
