package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/nexus-trading/tokenpilot/internal/chain"
)

// DefaultFetchTimeout bounds one upstream lookup made on behalf of the cache.
const DefaultFetchTimeout = 10 * time.Second

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Cache keeps successful lookups for a TTL and collapses concurrent misses for
// the same chain into one upstream call. Failures are not cached.
//
// The shared upstream call runs under its own timeout, detached from the
// callers' contexts: a caller that gives up early gets its own context error
// and leaves the call running for the others.
type Cache struct {
	next         Lookup
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	entries map[chain.Chain]cachedRate
	flight  singleflight.Group
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// NewCache wraps next with a TTL cache.
func NewCache(next Lookup, ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		next:         next,
		ttl:          ttl,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		entries:      make(map[chain.Chain]cachedRate),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Rate(ctx context.Context, ch chain.Chain) (decimal.Decimal, error) {
	c.mu.RLock()
	e, ok := c.entries[ch]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.rate, nil
	}

	res := c.flight.DoChan(string(ch), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		r, err := c.next.Rate(fctx, ch)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[ch] = cachedRate{rate: r, fetchedAt: c.now()}
		c.mu.Unlock()
		return r, nil
	})

	select {
	case r := <-res:
		if r.Err != nil {
			return decimal.Zero, r.Err
		}
		return r.Val.(decimal.Decimal), nil
	case <-ctx.Done():
		return decimal.Zero, fmt.Errorf("%w: %s: %w", ErrRateUnavailable, ch, ctx.Err())
	}
}
