// Package fastpath implements the Fast-Path Price Monitor (C9): a mark-price
// stream subscriber that force-exits a tranche the instant its target is hit
// instead of waiting for the resting TP order to be matched. Grounded on
// predator_engine.go's monitorPositions green-guard ticker and
// execution_service.go's MonitorPosition breakeven loop — both already
// cancel a resting order and fire a reduce-only close on a price condition;
// this generalizes that from a REST-polling loop to a pushed mark-price
// stream, per SPEC_FULL.md §4.9.
package fastpath

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/governor"
	"github.com/aster-quant/lick-engine/internal/metrics"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/store"
	"github.com/aster-quant/lick-engine/internal/venue"
)

const streamURL = "wss://fstream.binance.com/ws/!markPrice@arr@1s"

// epsilon defines "close enough to trigger" so the fast path fires slightly
// ahead of where the resting TP would actually match, absorbing network
// latency between the mark-price push and the market order landing.
const epsilon = "0.0005"

type markPriceEntry struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

// Dialer abstracts websocket.DefaultDialer so tests can substitute a fake.
type Dialer interface {
	Dial(url string, header map[string][]string) (Conn, error)
}

// Conn abstracts *websocket.Conn's read surface.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type realDialer struct{}

func (realDialer) Dial(url string, _ map[string][]string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

// CircuitBreaker is the subset of protection.Manager's circuit state the
// fast path shares, so persistent venue rejects halt both rebuild and
// fast-exit attempts together.
type CircuitBreaker interface {
	CircuitOpen(key model.Key) bool
	RecordFailure(key model.Key)
	RecordSuccess(key model.Key)
}

// Monitor watches mark prices and triggers an immediate market reduce when a
// tranche's take-profit level is crossed.
type Monitor struct {
	dialer    Dialer
	store     store.Store
	venue     venue.VenueClient
	cfg       *config.Config
	circuit   CircuitBreaker
	gov       *governor.Governor
	refresh   time.Duration
	reconnect time.Duration
}

func New(st store.Store, vc venue.VenueClient, cfg *config.Config, circuit CircuitBreaker, gov *governor.Governor) *Monitor {
	return &Monitor{
		dialer:    realDialer{},
		store:     st,
		venue:     vc,
		cfg:       cfg,
		circuit:   circuit,
		gov:       gov,
		refresh:   5 * time.Second,
		reconnect: 3 * time.Second,
	}
}

// Run blocks, reconnecting with jitter until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := m.dialer.Dial(streamURL, nil)
		if err != nil {
			log.Printf("[fastpath] dial error: %v, retrying", err)
			if !sleepCtx(ctx, jitter(m.reconnect)) {
				return ctx.Err()
			}
			continue
		}

		m.readLoop(ctx, conn)
		conn.Close()

		if !sleepCtx(ctx, jitter(m.reconnect)) {
			return ctx.Err()
		}
	}
}

func (m *Monitor) readLoop(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[fastpath] read error: %v, reconnecting", err)
			return
		}

		var entries []markPriceEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			continue
		}

		for _, e := range entries {
			mark, err := decimal.NewFromString(e.Price)
			if err != nil {
				continue
			}
			m.checkSymbol(ctx, e.Symbol, mark)
		}
	}
}

func (m *Monitor) checkSymbol(ctx context.Context, symbol string, mark decimal.Decimal) {
	if !m.cfg.InstantTPEnabled {
		return
	}
	if _, ok := m.cfg.Symbols[symbol]; !ok {
		return
	}

	for _, side := range []model.PositionSide{model.PositionLong, model.PositionShort} {
		key := model.Key{Symbol: symbol, PositionSide: side}
		if m.circuit != nil && m.circuit.CircuitOpen(key) {
			continue
		}

		tranches, err := m.store.ListTranches(key)
		if err != nil || len(tranches) == 0 {
			continue
		}

		sc := m.cfg.Symbols[symbol]
		if !sc.TakeProfitEnabled {
			continue
		}

		for _, t := range tranches {
			tpPct := decimal.NewFromFloat(sc.TakeProfitPct).Div(decimal.NewFromInt(100))
			var tpPrice decimal.Decimal
			var overshot bool
			eps := decimal.RequireFromString(epsilon)

			if side == model.PositionLong {
				tpPrice = t.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(tpPct))
				overshot = mark.GreaterThanOrEqual(tpPrice.Mul(decimal.NewFromInt(1).Sub(eps)))
			} else {
				tpPrice = t.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(tpPct))
				overshot = mark.LessThanOrEqual(tpPrice.Mul(decimal.NewFromInt(1).Add(eps)))
			}

			if overshot {
				m.fastExit(ctx, key, t)
			}
		}
	}
}

func (m *Monitor) fastExit(ctx context.Context, key model.Key, t model.Tranche) {
	metrics.FastPathTriggers.WithLabelValues(key.Symbol, string(key.PositionSide)).Inc()
	if t.TPOrderID != nil {
		if err := m.gov.WaitAdmit(ctx, 1, false, governor.Critical); err != nil {
			log.Printf("[fastpath] %s/%s: admission for cancel resting tp failed: %v", key.Symbol, key.PositionSide, err)
		} else if err := m.venue.CancelOrder(ctx, key.Symbol, *t.TPOrderID); err != nil {
			log.Printf("[fastpath] %s/%s: cancel resting tp failed (treated as already-filled if order gone): %v", key.Symbol, key.PositionSide, err)
		}
	}

	exitSide := model.SideSell
	if key.PositionSide == model.PositionShort {
		exitSide = model.SideBuy
	}

	req := venue.PlaceOrderRequest{
		Symbol: key.Symbol, Side: exitSide, PositionSide: key.PositionSide,
		Type: venue.OrderTypeMarket, Qty: t.Quantity, ReduceOnly: !m.cfg.HedgeMode,
	}

	if err := m.gov.WaitAdmit(ctx, 1, true, governor.Critical); err != nil {
		log.Printf("[fastpath] %s/%s: admission for market reduce failed: %v", key.Symbol, key.PositionSide, err)
		if m.circuit != nil {
			m.circuit.RecordFailure(key)
		}
		return
	}

	if _, err := m.venue.PlaceOrder(ctx, req); err != nil {
		log.Printf("[fastpath] %s/%s: market reduce failed: %v", key.Symbol, key.PositionSide, err)
		if m.circuit != nil {
			m.circuit.RecordFailure(key)
		}
		return
	}
	if m.circuit != nil {
		m.circuit.RecordSuccess(key)
	}
}

func jitter(base time.Duration) time.Duration {
	j := time.Duration(rand.Int63n(int64(base)))
	return base + j/2
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
