package evm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/errs"
	"github.com/nexus-trading/tokenpilot/internal/monitor"
)

// ---------------------------------------------------------------------------
// EVM dialer (Ethereum, BSC)
// eth_subscribe over WebSocket: newPendingTransactions for the mempool and
// logs for factory/contract events.
// ---------------------------------------------------------------------------

var errSubscriptionClosed = errors.New("evm: subscription closed")

// Filter selects what to subscribe to on one chain.
type Filter struct {
	Mempool   bool     `yaml:"mempool"`
	Addresses []string `yaml:"log_addresses"`
	Topics    []string `yaml:"log_topics"`
}

// DefaultFilter watches PairCreated on every contract.
func DefaultFilter() Filter {
	return Filter{Topics: []string{PairCreatedTopic.Hex()}}
}

// Validate checks addresses and topics. field prefixes the ConfigError.
func (f Filter) Validate(field string) error {
	for i, a := range f.Addresses {
		if !common.IsHexAddress(a) {
			return errs.Config(fmt.Sprintf("%s.log_addresses[%d]", field, i), "invalid address %q", a)
		}
	}
	for i, t := range f.Topics {
		if !isHexHash(t) {
			return errs.Config(fmt.Sprintf("%s.log_topics[%d]", field, i), "invalid topic %q", t)
		}
	}
	if !f.Mempool && !f.logs() {
		return errs.Config(field, "neither mempool nor log subscription configured")
	}
	return nil
}

func (f Filter) logs() bool {
	return len(f.Addresses) > 0 || len(f.Topics) > 0
}

// query matches any configured address and any configured topic0.
func (f Filter) query() ethereum.FilterQuery {
	var q ethereum.FilterQuery
	for _, a := range f.Addresses {
		q.Addresses = append(q.Addresses, common.HexToAddress(a))
	}
	if len(f.Topics) > 0 {
		topic0 := make([]common.Hash, 0, len(f.Topics))
		for _, t := range f.Topics {
			topic0 = append(topic0, common.HexToHash(t))
		}
		q.Topics = [][]common.Hash{topic0}
	}
	return q
}

// Dialer implements monitor.Dialer for ProtocolEVMWS endpoints.
type Dialer struct {
	filters map[chain.Chain]Filter
	dial    func(ctx context.Context, url string) (*rpc.Client, error)
}

var _ monitor.Dialer = (*Dialer)(nil)

// NewDialer uses DefaultFilter for chains without an entry.
func NewDialer(filters map[chain.Chain]Filter) *Dialer {
	d := &Dialer{filters: make(map[chain.Chain]Filter, len(filters)), dial: rpc.DialContext}
	for c, f := range filters {
		d.filters[c] = f
	}
	return d
}

func (d *Dialer) filter(c chain.Chain) Filter {
	if f, ok := d.filters[c]; ok {
		return f
	}
	return DefaultFilter()
}

// Dial connects and opens the configured subscriptions.
func (d *Dialer) Dial(ctx context.Context, c chain.Chain, ep monitor.Endpoint) (monitor.Stream, error) {
	if !c.IsAccountModel() {
		return nil, fmt.Errorf("evm: dial: %w: %s", chain.ErrUnsupportedChain, c)
	}
	f := d.filter(c)
	if err := f.Validate("chains." + string(c)); err != nil {
		return nil, err
	}

	rc, err := d.dial(ctx, ep.URL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", ep.URL, err)
	}

	s := &stream{
		chain:    c,
		endpoint: ep.URL,
		rc:       rc,
		hashes:   make(chan common.Hash, 256),
		logs:     make(chan types.Log, 256),
	}

	if f.Mempool {
		sub, err := rc.EthSubscribe(ctx, s.hashes, "newPendingTransactions")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("evm: subscribe pending txs on %s: %w", ep.URL, err)
		}
		s.subs = append(s.subs, sub)
		s.mempoolErr = sub.Err()
	}
	if f.logs() {
		sub, err := ethclient.NewClient(rc).SubscribeFilterLogs(ctx, f.query(), s.logs)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("evm: subscribe logs on %s: %w", ep.URL, err)
		}
		s.subs = append(s.subs, sub)
		s.logErr = sub.Err()
	}

	log.Info().
		Str("chain", string(c)).
		Str("endpoint", ep.URL).
		Bool("mempool", f.Mempool).
		Int("addresses", len(f.Addresses)).
		Int("topics", len(f.Topics)).
		Msg("evm: subscribed")
	return s, nil
}

type stream struct {
	chain    chain.Chain
	endpoint string
	rc       *rpc.Client
	subs     []ethereum.Subscription

	hashes     chan common.Hash
	logs       chan types.Log
	mempoolErr <-chan error
	logErr     <-chan error

	once sync.Once
}

// Next returns the next pending tx or log. A failed subscription ends the
// stream.
func (s *stream) Next(ctx context.Context) (bus.ChainEvent, error) {
	select {
	case <-ctx.Done():
		return bus.ChainEvent{}, ctx.Err()
	case h := <-s.hashes:
		return NormalizePendingTx(s.chain, h, s.endpoint, time.Now()), nil
	case lg := <-s.logs:
		ev, err := NormalizeLog(s.chain, lg, s.endpoint, time.Now())
		if err == nil && ev.Kind == bus.KindNewToken {
			log.Info().
				Str("chain", string(s.chain)).
				Str("token", ev.Payload.TokenAddress).
				Str("pair", ev.Payload.PoolAddress).
				Str("dex", ev.Payload.DEX).
				Msg("evm: pair created")
		}
		return ev, err
	case err := <-s.mempoolErr:
		return bus.ChainEvent{}, subscriptionErr("pending txs", err)
	case err := <-s.logErr:
		return bus.ChainEvent{}, subscriptionErr("logs", err)
	}
}

func subscriptionErr(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", errSubscriptionClosed, what)
	}
	return fmt.Errorf("evm: %s subscription: %w", what, err)
}

func (s *stream) Close() error {
	s.once.Do(func() {
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		s.rc.Close()
	})
	return nil
}
