package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/errs"
)

// ---------------------------------------------------------------------------
// Chain Event Monitor
// One reconnect/stream loop per chain, sticky-first endpoint failover,
// exponential backoff capped at BackoffMax, one shared drop-oldest buffer.
// ---------------------------------------------------------------------------

// Config holds monitor settings.
type Config struct {
	BufferSize  int           `yaml:"buffer_size"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:  1024,
		BackoffBase: time.Second,
		BackoffMax:  60 * time.Second,
		GracePeriod: 5 * time.Second,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.BufferSize < 1 {
		return errs.Config("monitor.buffer_size", "must be >= 1, got %d", c.BufferSize)
	}
	if c.BackoffBase <= 0 {
		return errs.Config("monitor.backoff_base", "must be > 0, got %s", c.BackoffBase)
	}
	if c.BackoffMax < c.BackoffBase {
		return errs.Config("monitor.backoff_max", "must be >= backoff_base, got %s", c.BackoffMax)
	}
	if c.GracePeriod <= 0 {
		return errs.Config("monitor.grace_period", "must be > 0, got %s", c.GracePeriod)
	}
	return nil
}

// backoff returns BackoffBase * 2^attempt, capped at BackoffMax.
func (c Config) backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax || d <= 0 {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTransitionHook is called synchronously on every state change. It must
// not block.
func WithTransitionHook(fn func(Transition)) Option {
	return func(m *Monitor) { m.hook = fn }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithFeedRecorder attaches a feed-health recorder for emitted and dropped
// messages.
func WithFeedRecorder(r FeedRecorder) Option {
	return func(m *Monitor) { m.feed = r }
}

// Monitor starts chain subscriptions. It holds configuration only; every
// Start call returns an independent Subscription.
type Monitor struct {
	cfg     Config
	dialers map[Protocol]Dialer
	hook    func(Transition)
	metrics Metrics
	feed    FeedRecorder
}

// New creates a monitor with one Dialer per supported protocol.
func New(cfg Config, dialers map[Protocol]Dialer, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{cfg: cfg, dialers: make(map[Protocol]Dialer, len(dialers))}
	for p, d := range dialers {
		m.dialers[p] = d
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Monitor) validate(chains []ChainConfig) error {
	if len(chains) == 0 {
		return errs.Config("monitor.chains", "no chains configured")
	}
	seen := make(map[chain.Chain]bool, len(chains))
	for _, cc := range chains {
		field := "monitor.chains." + string(cc.Chain)
		if !cc.Chain.Supported() {
			return errs.Config(field, "%s: %q", chain.ErrUnsupportedChain, string(cc.Chain))
		}
		if seen[cc.Chain] {
			return errs.Config(field, "configured twice")
		}
		seen[cc.Chain] = true
		if len(cc.Endpoints) == 0 {
			return errs.Config(field, "no endpoints")
		}
		for i, ep := range cc.Endpoints {
			if ep.URL == "" {
				return errs.Config(fmt.Sprintf("%s.endpoints[%d]", field, i), "empty url")
			}
			if _, ok := m.dialers[ep.Protocol]; !ok {
				return errs.Config(fmt.Sprintf("%s.endpoints[%d]", field, i), "no dialer for protocol %q", ep.Protocol)
			}
		}
	}
	return nil
}

// Start validates chains and launches one loop per chain. The returned
// subscription runs until Cancel is called or ctx is done.
func (m *Monitor) Start(ctx context.Context, chains []ChainConfig) (*Subscription, error) {
	if err := m.validate(chains); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		id:           uuid.New().String(),
		m:            m,
		ctx:          ctx,
		cancel:       cancel,
		buf:          newRingBuffer(m.cfg.BufferSize),
		out:          make(chan bus.ChainEvent),
		chains:       make(map[chain.Chain]*chainState, len(chains)),
		dispatchDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, cc := range chains {
		eps := append([]Endpoint(nil), cc.Endpoints...)
		s.chains[cc.Chain] = &chainState{chain: cc.Chain, endpoints: eps}
	}

	go s.dispatch()
	for _, cs := range s.chains {
		s.loops.Add(1)
		go s.runChain(cs)
	}
	go func() {
		<-ctx.Done()
		_ = s.Cancel()
	}()

	log.Info().
		Str("subscription", s.id).
		Int("chains", len(chains)).
		Int("buffer", m.cfg.BufferSize).
		Msg("monitor: subscription started")

	return s, nil
}
