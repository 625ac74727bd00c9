package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenpilot/internal/chain"
)

// EventKind classifies a normalized chain event.
type EventKind string

const (
	KindMempoolTx EventKind = "mempool_tx"
	KindLog       EventKind = "log"
	KindNewToken  EventKind = "new_token"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID  string `json:"event_id"`
	Producer string `json:"producer"`
	Endpoint string `json:"endpoint,omitempty"`
}

// NewBaseEvent creates a BaseEvent with a generated ID.
func NewBaseEvent(producer, endpoint string) BaseEvent {
	return BaseEvent{
		EventID:  uuid.New().String(),
		Producer: producer,
		Endpoint: endpoint,
	}
}

// Payload carries the chain-specific fields of an event. Which fields are
// populated depends on the chain and the kind.
type Payload struct {
	TxHash       string          `json:"tx_hash,omitempty"` // EVM tx hash or Solana signature
	From         string          `json:"from,omitempty"`
	To           string          `json:"to,omitempty"`
	Address      string          `json:"address,omitempty"`       // emitting contract / program
	TokenAddress string          `json:"token_address,omitempty"` // candidate token for new_token
	QuoteAddress string          `json:"quote_address,omitempty"`
	PoolAddress  string          `json:"pool_address,omitempty"`
	Value        decimal.Decimal `json:"value"`
	Block        uint64          `json:"block,omitempty"` // block number or slot
	Topics       []string        `json:"topics,omitempty"`
	Data         []byte          `json:"data,omitempty"`
	Logs         []string        `json:"logs,omitempty"`
	DEX          string          `json:"dex,omitempty"`
}

func (p Payload) clone() Payload {
	if p.Topics != nil {
		p.Topics = append([]string(nil), p.Topics...)
	}
	if p.Data != nil {
		p.Data = append([]byte(nil), p.Data...)
	}
	if p.Logs != nil {
		p.Logs = append([]string(nil), p.Logs...)
	}
	return p
}

// ChainEvent is a normalized, chain-agnostic observation. It is produced by
// the chain monitor and never mutated afterwards: the constructor copies the
// payload slices so the producer cannot alias them.
type ChainEvent struct {
	BaseEvent
	Chain      chain.Chain `json:"chain"`
	Kind       EventKind   `json:"kind"`
	Payload    Payload     `json:"payload"`
	ObservedAt time.Time   `json:"observed_at"`
}

// NewChainEvent builds an event with a fresh ID.
func NewChainEvent(c chain.Chain, kind EventKind, p Payload, observedAt time.Time, producer, endpoint string) ChainEvent {
	return ChainEvent{
		BaseEvent:  NewBaseEvent(producer, endpoint),
		Chain:      c,
		Kind:       kind,
		Payload:    p.clone(),
		ObservedAt: observedAt,
	}
}

// Token returns the address the event is about: the candidate token for
// new_token events, otherwise the emitting address.
func (e ChainEvent) Token() string {
	if e.Payload.TokenAddress != "" {
		return e.Payload.TokenAddress
	}
	return e.Payload.Address
}
