// Package memory is an in-process HistoricalTradeStore for tests and
// single-binary runs without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nexus-trading/tokenpilot/internal/storage"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

// Store keeps outcomes in memory, keyed by ID.
type Store struct {
	mu   sync.RWMutex
	data map[string]strategy.TradeOutcome
}

var _ storage.HistoricalTradeStore = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string]strategy.TradeOutcome)}
}

// Add inserts outcomes atomically. The whole batch fails on any invalid or
// duplicate outcome.
func (s *Store) Add(_ context.Context, outcomes ...strategy.TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		if err := storage.Validate(o); err != nil {
			return err
		}
		if _, exists := s.data[o.ID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, dup := batch[o.ID]; dup {
			return storage.ErrDuplicateKey
		}
		batch[o.ID] = struct{}{}
	}
	for _, o := range outcomes {
		s.data[o.ID] = o
	}
	return nil
}

// LoadOutcomes returns matching outcomes ordered by ClosedAt then ID.
func (s *Store) LoadOutcomes(ctx context.Context, f storage.OutcomeFilter) ([]strategy.TradeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]strategy.TradeOutcome, 0, len(s.data))
	for _, o := range s.data {
		if f.Matches(o) {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ClosedAt.Equal(out[j].ClosedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ClosedAt.Before(out[j].ClosedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Len returns the number of stored outcomes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
