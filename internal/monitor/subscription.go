package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/bus"
	"github.com/nexus-trading/tokenpilot/internal/chain"
)

// chainState is the live state of one chain loop.
type chainState struct {
	chain     chain.Chain
	endpoints []Endpoint

	state        atomic.Int32
	emitted      atomic.Int64
	malformed    atomic.Int64
	overflowed   atomic.Int64
	reconnects   atomic.Int64
	dialFailures atomic.Int64

	mu        sync.Mutex
	endpoint  string
	lastError string
}

// ChainStats is a point-in-time view of one chain loop.
type ChainStats struct {
	Chain        string `json:"chain"`
	State        string `json:"state"`
	Endpoint     string `json:"endpoint,omitempty"`
	Emitted      int64  `json:"emitted"`
	Malformed    int64  `json:"malformed"`
	Overflowed   int64  `json:"overflowed"`
	Reconnects   int64  `json:"reconnects"`
	DialFailures int64  `json:"dial_failures"`
	LastError    string `json:"last_error,omitempty"`
}

// SubscriptionStats aggregates all chains of a subscription.
type SubscriptionStats struct {
	ID       string                `json:"id"`
	Buffered int                   `json:"buffered"`
	Dropped  int64                 `json:"dropped"`
	Chains   map[string]ChainStats `json:"chains"`
}

// Subscription is a live, cancellable event stream over a set of chains.
// Events are FIFO within a chain; there is no ordering across chains. When
// the consumer falls behind, the shared buffer drops the oldest event.
type Subscription struct {
	id     string
	m      *Monitor
	ctx    context.Context
	cancel context.CancelFunc

	buf     *ringBuffer
	out     chan bus.ChainEvent
	chains  map[chain.Chain]*chainState
	dropped atomic.Int64

	loops        sync.WaitGroup
	dispatchDone chan struct{}
	done         chan struct{}
	once         sync.Once
	cancelErr    error
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Events returns the event stream. It is closed once Cancel completes.
func (s *Subscription) Events() <-chan bus.ChainEvent { return s.out }

// Done is closed once Cancel completes.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// State returns the current state of a chain loop. Unknown chains report
// Disconnected.
func (s *Subscription) State(c chain.Chain) State {
	cs, ok := s.chains[c]
	if !ok {
		return Disconnected
	}
	return State(cs.state.Load())
}

// Stats returns a snapshot of all counters.
func (s *Subscription) Stats() SubscriptionStats {
	out := SubscriptionStats{
		ID:       s.id,
		Buffered: s.buf.len(),
		Dropped:  s.dropped.Load(),
		Chains:   make(map[string]ChainStats, len(s.chains)),
	}
	for c, cs := range s.chains {
		cs.mu.Lock()
		ep, lastErr := cs.endpoint, cs.lastError
		cs.mu.Unlock()
		out.Chains[string(c)] = ChainStats{
			Chain:        string(c),
			State:        State(cs.state.Load()).String(),
			Endpoint:     ep,
			Emitted:      cs.emitted.Load(),
			Malformed:    cs.malformed.Load(),
			Overflowed:   cs.overflowed.Load(),
			Reconnects:   cs.reconnects.Load(),
			DialFailures: cs.dialFailures.Load(),
			LastError:    lastErr,
		}
	}
	return out
}

// Cancel stops every chain loop and closes the event stream. No event is
// emitted after Cancel returns. Loops still blocked in I/O after the grace
// period are abandoned and reported in the returned error. Cancel is
// idempotent; later calls return the first result.
func (s *Subscription) Cancel() error {
	s.once.Do(func() {
		s.cancel()

		<-s.dispatchDone
		close(s.out)

		loopsDone := make(chan struct{})
		go func() {
			s.loops.Wait()
			close(loopsDone)
		}()

		timer := time.NewTimer(s.m.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-loopsDone:
		case <-timer.C:
			var stuck []string
			for c, cs := range s.chains {
				if State(cs.state.Load()) != Cancelled {
					stuck = append(stuck, string(c))
				}
			}
			s.cancelErr = fmt.Errorf("monitor: cancel: chain loops %v still running after %s", stuck, s.m.cfg.GracePeriod)
			log.Warn().Err(s.cancelErr).Str("subscription", s.id).Msg("monitor: abandoning chain loops")
			for _, cs := range s.chains {
				s.setState(cs, Cancelled, 0, nil)
			}
		}

		log.Info().Str("subscription", s.id).Msg("monitor: subscription cancelled")
		close(s.done)
	})
	return s.cancelErr
}

// dispatch is the only sender on s.out.
func (s *Subscription) dispatch() {
	defer close(s.dispatchDone)
	for {
		ev, ok := s.buf.pop()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.buf.signal:
				continue
			}
		}

		select {
		case s.out <- ev:
			if cs, ok := s.chains[ev.Chain]; ok {
				cs.emitted.Add(1)
			}
			if s.m.metrics != nil {
				s.m.metrics.IncEventsEmitted(string(ev.Chain))
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// setState records a transition and notifies the hook. Transitions out of
// Cancelled are ignored.
func (s *Subscription) setState(cs *chainState, to State, attempt int, err error) {
	from := State(cs.state.Load())
	if from == Cancelled || (from == to && err == nil) {
		return
	}
	cs.state.Store(int32(to))

	cs.mu.Lock()
	ep := cs.endpoint
	if err != nil {
		cs.lastError = err.Error()
	}
	cs.mu.Unlock()

	if s.m.metrics != nil {
		s.m.metrics.SetChainState(string(cs.chain), to.String())
	}
	if s.m.hook != nil {
		s.m.hook(Transition{
			Chain:    cs.chain,
			From:     from,
			To:       to,
			Endpoint: ep,
			Attempt:  attempt,
			Err:      err,
			At:       time.Now(),
		})
	}

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("chain", string(cs.chain)).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("endpoint", ep).
		Int("attempt", attempt).
		Msg("monitor: state change")
}

// runChain drives one chain through Connecting, Streaming and Reconnecting
// until the subscription is cancelled.
func (s *Subscription) runChain(cs *chainState) {
	defer s.loops.Done()
	defer s.setState(cs, Cancelled, 0, nil)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("chain", string(cs.chain)).Msg("monitor: chain loop panicked")
		}
	}()

	attempt := 0
	for s.ctx.Err() == nil {
		s.setState(cs, Connecting, attempt, nil)

		stream, err := s.connect(cs)
		if err == nil {
			attempt = 0
			s.setState(cs, Streaming, 0, nil)
			err = s.consume(cs, stream)
			_ = stream.Close()
		}
		if s.ctx.Err() != nil {
			return
		}

		cs.reconnects.Add(1)
		if s.m.metrics != nil {
			s.m.metrics.IncReconnects(string(cs.chain))
		}
		s.setState(cs, Reconnecting, attempt, err)

		if !s.sleep(s.m.cfg.backoff(attempt)) {
			return
		}
		attempt++
	}
}

// connect tries the endpoints in priority order and returns the first stream
// that subscribes.
func (s *Subscription) connect(cs *chainState) (Stream, error) {
	var failures []error
	for _, ep := range cs.endpoints {
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		stream, err := s.m.dialers[ep.Protocol].Dial(s.ctx, cs.chain, ep)
		if err == nil {
			cs.mu.Lock()
			cs.endpoint = ep.URL
			cs.mu.Unlock()
			return stream, nil
		}

		cs.dialFailures.Add(1)
		if s.m.metrics != nil {
			s.m.metrics.IncEndpointFailures(string(cs.chain), ep.URL)
		}
		log.Debug().Err(err).Str("chain", string(cs.chain)).Str("endpoint", ep.URL).Msg("monitor: endpoint failed")
		failures = append(failures, fmt.Errorf("%s: %w", ep.URL, err))
	}

	cs.mu.Lock()
	cs.endpoint = ""
	cs.mu.Unlock()
	return nil, fmt.Errorf("%w: %s: all %d endpoints failed: %w",
		ErrEndpointUnavailable, cs.chain, len(cs.endpoints), errors.Join(failures...))
}

// consume reads from stream until it fails. Malformed messages are counted
// and skipped.
func (s *Subscription) consume(cs *chainState, stream Stream) error {
	for {
		ev, err := stream.Next(s.ctx)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				cs.malformed.Add(1)
				s.recordDrop(cs.chain, DropMalformed)
				log.Warn().Err(err).Str("chain", string(cs.chain)).Msg("monitor: dropping malformed message")
				continue
			}
			return err
		}

		if old, evicted := s.buf.push(ev); evicted {
			s.dropped.Add(1)
			if ocs, ok := s.chains[old.Chain]; ok {
				ocs.overflowed.Add(1)
			}
			s.recordDrop(old.Chain, DropBufferFull)
			log.Debug().Str("chain", string(old.Chain)).Str("event_id", old.EventID).Msg("monitor: buffer full, dropped oldest event")
		}
		if s.m.feed != nil {
			s.m.feed.RecordEvent(string(ev.Chain), ev.ObservedAt)
		}
	}
}

func (s *Subscription) recordDrop(c chain.Chain, reason string) {
	if s.m.metrics != nil {
		s.m.metrics.IncEventsDropped(string(c), reason)
	}
	if s.m.feed != nil {
		s.m.feed.RecordDrop(string(c), reason)
	}
}

// sleep waits d or until cancellation. It reports whether the loop should
// continue.
func (s *Subscription) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
