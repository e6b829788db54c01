// Package evaluator implements the Trade Evaluator (C6): on each
// liquidation, decides whether to submit a contrarian entry order, gated by
// exposure, open-order-count, min-notional, and position caps. Grounded on
// the teacher's execution_service.go ExecuteTrade/ExecuteApprovedTrade and
// predator_engine.go's GlobalExposureGuard, generalized from a single
// account-wide mutex guard to a per-symbol worker with decimal bookkeeping.
package evaluator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/engineerr"
	"github.com/aster-quant/lick-engine/internal/governor"
	"github.com/aster-quant/lick-engine/internal/metrics"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/store"
	"github.com/aster-quant/lick-engine/internal/venue"
	"github.com/aster-quant/lick-engine/internal/window"
)

// exposureGuard tracks total outstanding notional across all symbols so an
// evaluation a few hundred milliseconds later sees the updated total even
// before the order fill or cancellation is observed from the venue.
// Grounded on predator_engine.go's GlobalExposureGuard, generalized from a
// concurrent-trade count to a decimal notional ledger.
type exposureGuard struct {
	mu     sync.Mutex
	total  decimal.Decimal
	bySym  map[string]decimal.Decimal
}

func newExposureGuard() *exposureGuard {
	return &exposureGuard{bySym: map[string]decimal.Decimal{}}
}

func (g *exposureGuard) Total() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

func (g *exposureGuard) Increment(symbol string, notional decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bySym[symbol] = g.bySym[symbol].Add(notional)
	g.total = g.total.Add(notional)
}

func (g *exposureGuard) Release(symbol string, notional decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bySym[symbol] = g.bySym[symbol].Sub(notional)
	g.total = g.total.Sub(notional)
}

// Evaluator consumes liquidation events and submits entry orders per
// SPEC_FULL.md §4.6. One worker goroutine per symbol guarantees at most one
// inflight evaluation per symbol while letting different symbols proceed in
// parallel.
type Evaluator struct {
	cfg      *config.Config
	win      *window.Aggregator
	store    store.Store
	venue    venue.VenueClient
	specs    *venue.SpecCache
	gov      *governor.Governor
	exposure *exposureGuard

	mu      sync.Mutex
	workers map[string]chan model.Liquidation

	leverageSet   map[string]int
	marginTypeSet map[string]model.MarginType
}

func New(cfg *config.Config, win *window.Aggregator, st store.Store, vc venue.VenueClient, specs *venue.SpecCache, gov *governor.Governor) *Evaluator {
	return &Evaluator{
		cfg:           cfg,
		win:           win,
		store:         st,
		venue:         vc,
		specs:         specs,
		gov:           gov,
		exposure:      newExposureGuard(),
		workers:       make(map[string]chan model.Liquidation),
		leverageSet:   make(map[string]int),
		marginTypeSet: make(map[string]model.MarginType),
	}
}

// Consume runs until ctx is canceled, dispatching each event to its symbol's
// worker, creating the worker lazily on first sight of that symbol.
func (e *Evaluator) Consume(ctx context.Context, in <-chan model.Liquidation) {
	for {
		select {
		case <-ctx.Done():
			return
		case liq, ok := <-in:
			if !ok {
				return
			}
			e.dispatch(ctx, liq)
		}
	}
}

func (e *Evaluator) dispatch(ctx context.Context, liq model.Liquidation) {
	e.mu.Lock()
	ch, ok := e.workers[liq.Symbol]
	if !ok {
		ch = make(chan model.Liquidation, 64)
		e.workers[liq.Symbol] = ch
		go e.worker(ctx, liq.Symbol, ch)
	}
	e.mu.Unlock()

	select {
	case ch <- liq:
	default:
		log.Printf("[evaluator] %s worker queue full, dropping event", liq.Symbol)
	}
}

func (e *Evaluator) worker(ctx context.Context, symbol string, ch chan model.Liquidation) {
	for {
		select {
		case <-ctx.Done():
			return
		case liq := <-ch:
			if err := e.Evaluate(ctx, liq); err != nil {
				log.Printf("[evaluator] %s: %v", symbol, err)
			}
		}
	}
}

// Evaluate runs the full admission-gate chain for a single event and
// submits an entry order if every gate passes.
func (e *Evaluator) Evaluate(ctx context.Context, liq model.Liquidation) error {
	sc, ok := e.cfg.Symbols[liq.Symbol]
	if !ok {
		return nil // unconfigured symbol, ignore
	}

	entrySide := contrarianSide(liq.LiquidatedSide, sc.TradeSide)

	threshold := decimal.NewFromFloat(sc.VolumeThresholdShort)
	if entrySide == model.PositionLong {
		threshold = decimal.NewFromFloat(sc.VolumeThresholdLong)
	}
	current := e.win.Current(liq.Symbol, liq.LiquidatedSide)
	if current.LessThan(threshold) {
		metrics.EntriesRejected.WithLabelValues("volume_threshold").Inc()
		return nil
	}

	tradeNotional := decimal.NewFromFloat(sc.TradeValueUSDT)

	if err := e.admissionGates(liq.Symbol, entrySide, sc, tradeNotional); err != nil {
		return err
	}

	spec, found, err := e.specs.Get(ctx, liq.Symbol)
	if err != nil || !found {
		return fmt.Errorf("evaluate %s: symbol spec unavailable: %w", liq.Symbol, err)
	}

	depth, err := e.venue.Depth(ctx, liq.Symbol, 5)
	if err != nil {
		return fmt.Errorf("evaluate %s: depth fetch failed: %w", liq.Symbol, err)
	}
	price, err := entryPrice(depth, entrySide, sc.PriceOffsetPct, spec.TickSize)
	if err != nil {
		return err
	}

	qty := tradeNotional.Div(price)
	qty = venue.RoundQtyDown(qty, spec.StepSize)
	if qty.IsZero() {
		return engineerr.InvalidParamVenue(fmt.Sprintf("%s: rounded quantity is zero", liq.Symbol), 0, nil)
	}

	effectiveNotional := qty.Mul(price).Mul(decimal.NewFromInt(int64(sc.Leverage)))
	if effectiveNotional.LessThan(spec.MinNotional) {
		metrics.EntriesRejected.WithLabelValues("min_notional").Inc()
		return nil
	}

	if !e.cfg.SimulateOnly {
		if err := e.ensureLeverageAndMargin(ctx, liq.Symbol, sc); err != nil {
			return err
		}
	}

	req := venue.PlaceOrderRequest{
		Symbol:        liq.Symbol,
		Side:          sideForEntry(entrySide),
		PositionSide:  entrySide,
		Type:          venue.OrderTypeLimit,
		Qty:           qty,
		Price:         price,
		TimeInForce:   e.cfg.TimeInForce,
		ClientOrderID: uuid.NewString(),
	}

	placed := venue.PlacedOrder{OrderID: req.ClientOrderID, Status: model.StatusNew}
	if e.cfg.SimulateOnly {
		log.Printf("[evaluator] %s: simulate_only, recording entry without submitting: %+v", liq.Symbol, req)
	} else {
		if res := e.gov.Admit(1, true, governor.Critical); !res.OK {
			metrics.EntriesRejected.WithLabelValues("rate_limited").Inc()
			return engineerr.RateLimitedErr(fmt.Sprintf("%s: rate governor denied order admission, retry after %s", liq.Symbol, res.WaitHint), nil)
		}

		var err error
		placed, err = e.venue.PlaceOrder(ctx, req)
		if err != nil {
			return fmt.Errorf("evaluate %s: place order failed: %w", liq.Symbol, err)
		}
	}
	metrics.EntriesSubmitted.WithLabelValues(liq.Symbol, string(entrySide)).Inc()

	order := model.Order{
		OrderID:      placed.OrderID,
		ClientID:     req.ClientOrderID,
		Symbol:       liq.Symbol,
		PositionSide: entrySide,
		Side:         req.Side,
		Kind:         model.KindEntry,
		Qty:          qty,
		Price:        &price,
		Status:       placed.Status,
	}
	if err := e.store.UpsertOrder(order); err != nil {
		log.Printf("[evaluator] %s: failed to persist entry order %s: %v", liq.Symbol, placed.OrderID, err)
	}

	e.exposure.Increment(liq.Symbol, tradeNotional)
	return nil
}

func (e *Evaluator) admissionGates(symbol string, side model.PositionSide, sc config.SymbolConfig, tradeNotional decimal.Decimal) error {
	if e.exposure.Total().Add(tradeNotional).GreaterThan(decimal.NewFromFloat(e.cfg.MaxTotalExposureUSDT)) {
		metrics.EntriesRejected.WithLabelValues("exposure_cap").Inc()
		return engineerr.ConsistencyViolationf("%s: total exposure cap reached", symbol)
	}

	openOrders, err := e.store.OpenEntryOrders(symbol)
	if err != nil {
		return err
	}
	if len(openOrders) >= e.cfg.MaxOpenOrdersPerSymbol {
		metrics.EntriesRejected.WithLabelValues("max_open_orders").Inc()
		return nil
	}

	if tradeNotional.LessThan(decimal.Zero) {
		metrics.EntriesRejected.WithLabelValues("invalid_notional").Inc()
		return engineerr.InvalidParamVenue("negative trade notional", 0, nil)
	}

	if sc.MaxPositionUSDT > 0 {
		projected := tradeNotional
		tranches, err := e.store.ListTranches(model.Key{Symbol: symbol, PositionSide: side})
		if err == nil {
			for _, tr := range tranches {
				projected = projected.Add(tr.Quantity.Mul(tr.AvgEntryPrice))
			}
		}
		if projected.GreaterThan(decimal.NewFromFloat(sc.MaxPositionUSDT)) {
			metrics.EntriesRejected.WithLabelValues("position_cap").Inc()
			return engineerr.ConsistencyViolationf("%s: position cap reached", symbol)
		}
	}

	return nil
}

func (e *Evaluator) ensureLeverageAndMargin(ctx context.Context, symbol string, sc config.SymbolConfig) error {
	e.mu.Lock()
	curLev, levSet := e.leverageSet[symbol]
	curMargin, marginSet := e.marginTypeSet[symbol]
	e.mu.Unlock()

	if !levSet || curLev != sc.Leverage {
		if err := e.venue.SetLeverage(ctx, symbol, sc.Leverage); err != nil {
			return fmt.Errorf("set leverage for %s: %w", symbol, err)
		}
		e.mu.Lock()
		e.leverageSet[symbol] = sc.Leverage
		e.mu.Unlock()
	}

	if !marginSet || curMargin != sc.MarginType {
		if err := e.venue.SetMarginType(ctx, symbol, sc.MarginType); err != nil {
			return fmt.Errorf("set margin type for %s: %w", symbol, err)
		}
		e.mu.Lock()
		e.marginTypeSet[symbol] = sc.MarginType
		e.mu.Unlock()
	}
	return nil
}

// contrarianSide maps the liquidated side to the side we enter, honoring the
// per-symbol trade_side override (SPEC_FULL.md §9 Open Question 1).
func contrarianSide(liquidatedSide model.Side, tradeSide model.TradeSide) model.PositionSide {
	// Binance forced-order side SELL means longs were liquidated, which opens
	// a SHORT; a BUY (shorts liquidated) opens a LONG.
	contrarian := model.PositionLong
	if liquidatedSide == model.SideSell {
		contrarian = model.PositionShort
	}
	if tradeSide == model.TradeSideSame {
		return contrarian.Opposite()
	}
	return contrarian
}

func sideForEntry(positionSide model.PositionSide) model.Side {
	if positionSide == model.PositionLong {
		return model.SideBuy
	}
	return model.SideSell
}

func entryPrice(depth venue.Depth, side model.PositionSide, offsetPct float64, tick decimal.Decimal) (decimal.Decimal, error) {
	offset := decimal.NewFromFloat(offsetPct).Div(decimal.NewFromInt(100))

	if side == model.PositionLong {
		if len(depth.Bids) == 0 {
			return decimal.Zero, fmt.Errorf("no bid depth available")
		}
		best := depth.Bids[0].Price
		price := best.Mul(decimal.NewFromInt(1).Sub(offset))
		return venue.RoundPriceDown(price, tick), nil
	}

	if len(depth.Asks) == 0 {
		return decimal.Zero, fmt.Errorf("no ask depth available")
	}
	best := depth.Asks[0].Price
	price := best.Mul(decimal.NewFromInt(1).Add(offset))
	return venue.RoundPriceUp(price, tick), nil
}
