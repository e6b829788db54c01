// Package window implements the Window Aggregator (C5): a per-(symbol,
// liquidated-side) rolling USDT-volume sum. Grounded almost directly on the
// teacher's liquidation_monitor.go — same push/lazy-cleanup/cutoff shape —
// generalized to decimal arithmetic and to rebuild from the store on startup.
package window

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/store"
)

type entry struct {
	t     time.Time
	value decimal.Decimal
}

type key struct {
	symbol string
	side   model.Side
}

// Aggregator maintains the rolling sums. Safe for concurrent use.
type Aggregator struct {
	mu     sync.RWMutex
	window time.Duration
	events map[key][]entry
	sums   map[key]decimal.Decimal
}

func New(window time.Duration) *Aggregator {
	return &Aggregator{
		window: window,
		events: make(map[key][]entry),
		sums:   make(map[key]decimal.Decimal),
	}
}

// Recover rebuilds the deque from the store by scanning the last `window` of
// events, per SPEC_FULL.md §4.5's crash-recovery requirement.
func (a *Aggregator) Recover(s store.Store, symbols []string, now time.Time) error {
	since := now.Add(-a.window).UnixMilli()
	for _, sym := range symbols {
		liqs, err := s.RecentLiquidations(sym, since)
		if err != nil {
			return err
		}
		for _, l := range liqs {
			a.Add(sym, l.LiquidatedSide, l.UsdtValue, time.UnixMilli(l.EventTimeMs))
		}
	}
	return nil
}

// Add pushes a new event to the tail of its (symbol, side) deque and
// incrementally updates the running sum.
func (a *Aggregator) Add(symbol string, side model.Side, usdtValue decimal.Decimal, at time.Time) {
	k := key{symbol, side}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.events[k] = append(a.events[k], entry{t: at, value: usdtValue})
	a.sums[k] = a.sums[k].Add(usdtValue)
	a.cleanupLocked(k, at)
}

// Current returns the running sum for (symbol, side) in O(1).
func (a *Aggregator) Current(symbol string, side model.Side) decimal.Decimal {
	k := key{symbol, side}

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sums[k]
}

func (a *Aggregator) cleanupLocked(k key, now time.Time) {
	cutoff := now.Add(-a.window)
	events := a.events[k]

	idx := 0
	for idx < len(events) && !events[idx].t.After(cutoff) {
		a.sums[k] = a.sums[k].Sub(events[idx].value)
		idx++
	}
	if idx > 0 {
		a.events[k] = append(events[:0], events[idx:]...)
	}
}
