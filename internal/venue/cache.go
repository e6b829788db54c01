package venue

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SpecCache caches ExchangeInfo results, refreshing on a timer and on
// explicit Invalidate calls triggered by invalid-param responses that
// reference lot/tick rules (SPEC_FULL.md §4.2).
type SpecCache struct {
	client          VenueClient
	refreshInterval time.Duration

	mu        sync.RWMutex
	specs     map[string]SymbolSpec
	fetchedAt time.Time
}

func NewSpecCache(client VenueClient, refreshInterval time.Duration) *SpecCache {
	return &SpecCache{client: client, refreshInterval: refreshInterval, specs: map[string]SymbolSpec{}}
}

// Get returns the cached spec for symbol, refreshing first if the cache is
// empty, stale, or was explicitly invalidated.
func (c *SpecCache) Get(ctx context.Context, symbol string) (SymbolSpec, bool, error) {
	c.mu.RLock()
	stale := time.Since(c.fetchedAt) > c.refreshInterval || c.fetchedAt.IsZero()
	spec, ok := c.specs[symbol]
	c.mu.RUnlock()

	if !stale && ok {
		return spec, true, nil
	}

	if err := c.Refresh(ctx); err != nil {
		// Serve stale data if we have it; otherwise propagate the error.
		if ok {
			return spec, true, nil
		}
		return SymbolSpec{}, false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok = c.specs[symbol]
	return spec, ok, nil
}

// Refresh forces an ExchangeInfo re-fetch.
func (c *SpecCache) Refresh(ctx context.Context) error {
	specs, err := c.client.ExchangeInfo(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.specs = specs
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached entry for symbol so the next Get re-fetches.
func (c *SpecCache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.specs, symbol)
	c.fetchedAt = time.Time{}
}

// RoundPriceDown rounds price to the nearest tick, toward the less
// aggressive side (down), per SPEC_FULL.md §4.6.
func RoundPriceDown(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// RoundPriceUp rounds price to the nearest tick, up.
func RoundPriceUp(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// RoundQtyDown rounds qty to the nearest step, down (never over-commit size).
func RoundQtyDown(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
