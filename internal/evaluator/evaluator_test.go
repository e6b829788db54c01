package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/governor"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/store"
	"github.com/aster-quant/lick-engine/internal/venue"
	"github.com/aster-quant/lick-engine/internal/window"
)

type memStore struct {
	orders   map[string]model.Order
	tranches map[model.Key][]model.Tranche
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]model.Order{}, tranches: map[model.Key][]model.Tranche{}}
}

func (s *memStore) InsertLiquidation(model.Liquidation) error { return nil }
func (s *memStore) SumUSDTVolume(string, model.Side, int64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *memStore) RecentLiquidations(string, int64) ([]model.Liquidation, error) { return nil, nil }
func (s *memStore) UpsertOrder(o model.Order) error {
	s.orders[o.OrderID] = o
	return nil
}
func (s *memStore) UpdateOrderStatus(string, model.OrderStatus, *decimal.Decimal, *decimal.Decimal) error {
	return nil
}
func (s *memStore) GetOrder(id string) (*model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}
func (s *memStore) OpenEntryOrders(symbol string) ([]model.Order, error) {
	var out []model.Order
	for _, o := range s.orders {
		if o.Symbol == symbol && o.Kind == model.KindEntry && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}
func (s *memStore) CreateTranche(t model.Tranche) error {
	k := model.Key{Symbol: t.Symbol, PositionSide: t.PositionSide}
	s.tranches[k] = append(s.tranches[k], t)
	return nil
}
func (s *memStore) UpdateTranche(model.Tranche) error               { return nil }
func (s *memStore) DeleteTranche(model.Key, int64) error           { return nil }
func (s *memStore) ListTranches(key model.Key) ([]model.Tranche, error) {
	return s.tranches[key], nil
}
func (s *memStore) ListAllTranches() ([]model.Tranche, error) { return nil, nil }
func (s *memStore) InsertRelationship(model.OrderRelationship) error { return nil }
func (s *memStore) FindCompanions(string) (*model.OrderRelationship, error) {
	return nil, nil
}
func (s *memStore) InsertFill(model.Fill) error { return nil }

var _ store.Store = (*memStore)(nil)

func testConfig() *config.Config {
	return &config.Config{
		MaxOpenOrdersPerSymbol: 3,
		MaxTotalExposureUSDT:   10_000,
		TimeInForce:            "GTC",
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {
				VolumeThresholdLong:  1000,
				VolumeThresholdShort: 1000,
				Leverage:             5,
				MarginType:           model.MarginIsolated,
				TradeSide:            model.TradeSideOpposite,
				TradeValueUSDT:       100,
				PriceOffsetPct:       0.1,
				MaxPositionUSDT:      5000,
			},
		},
	}
}

func setupEvaluator(t *testing.T) (*Evaluator, *venue.Fake, *memStore) {
	t.Helper()
	fake := venue.NewFake()
	fake.Specs["BTCUSDT"] = venue.SymbolSpec{
		TickSize: decimal.NewFromFloat(0.1),
		StepSize: decimal.NewFromFloat(0.001),
	}
	fake.Depths["BTCUSDT"] = venue.Depth{
		Bids: []venue.DepthLevel{{Price: decimal.NewFromFloat(60000), Qty: decimal.NewFromFloat(10)}},
		Asks: []venue.DepthLevel{{Price: decimal.NewFromFloat(60010), Qty: decimal.NewFromFloat(10)}},
	}

	specs := venue.NewSpecCache(fake, time.Hour)
	win := window.New(time.Minute)
	st := newMemStore()
	gov := governor.New(governor.DefaultConfig())

	return New(testConfig(), win, st, fake, specs, gov), fake, st
}

func TestEvaluateSubmitsContrarianEntryAboveThreshold(t *testing.T) {
	ev, fake, st := setupEvaluator(t)
	now := time.Now()

	ev.win.Add("BTCUSDT", model.SideSell, decimal.NewFromInt(5000), now)

	liq := model.Liquidation{
		Symbol:         "BTCUSDT",
		LiquidatedSide: model.SideSell,
		UsdtValue:      decimal.NewFromInt(5000),
		EventTimeMs:    now.UnixMilli(),
	}

	if err := ev.Evaluate(context.Background(), liq); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fake.Orders) != 1 {
		t.Fatalf("expected one order placed, got %d", len(fake.Orders))
	}
	if len(st.orders) != 1 {
		t.Fatalf("expected the order to be persisted")
	}
}

func TestEvaluateSkipsBelowThreshold(t *testing.T) {
	ev, fake, _ := setupEvaluator(t)
	now := time.Now()

	ev.win.Add("BTCUSDT", model.SideSell, decimal.NewFromInt(10), now)

	liq := model.Liquidation{
		Symbol:         "BTCUSDT",
		LiquidatedSide: model.SideSell,
		UsdtValue:      decimal.NewFromInt(10),
		EventTimeMs:    now.UnixMilli(),
	}

	if err := ev.Evaluate(context.Background(), liq); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Orders) != 0 {
		t.Fatalf("expected no order below threshold, got %d", len(fake.Orders))
	}
}

func TestEvaluateIgnoresUnconfiguredSymbol(t *testing.T) {
	ev, fake, _ := setupEvaluator(t)
	liq := model.Liquidation{Symbol: "DOGEUSDT", LiquidatedSide: model.SideSell, UsdtValue: decimal.NewFromInt(99999)}

	if err := ev.Evaluate(context.Background(), liq); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Orders) != 0 {
		t.Fatalf("expected no order for unconfigured symbol")
	}
}

func TestEvaluateRespectsTotalExposureCap(t *testing.T) {
	ev, fake, _ := setupEvaluator(t)
	ev.cfg.MaxTotalExposureUSDT = 50 // below the 100 USDT trade size
	now := time.Now()
	ev.win.Add("BTCUSDT", model.SideSell, decimal.NewFromInt(5000), now)

	liq := model.Liquidation{Symbol: "BTCUSDT", LiquidatedSide: model.SideSell, UsdtValue: decimal.NewFromInt(5000), EventTimeMs: now.UnixMilli()}
	if err := ev.Evaluate(context.Background(), liq); err == nil {
		t.Fatalf("expected exposure cap to veto the trade")
	}
	if len(fake.Orders) != 0 {
		t.Fatalf("expected no order placed when exposure cap exceeded")
	}
}

func TestEvaluateRejectsBelowMinNotional(t *testing.T) {
	ev, fake, _ := setupEvaluator(t)
	spec := fake.Specs["BTCUSDT"]
	spec.MinNotional = decimal.NewFromInt(1_000_000)
	fake.Specs["BTCUSDT"] = spec

	now := time.Now()
	ev.win.Add("BTCUSDT", model.SideSell, decimal.NewFromInt(5000), now)

	liq := model.Liquidation{
		Symbol:         "BTCUSDT",
		LiquidatedSide: model.SideSell,
		UsdtValue:      decimal.NewFromInt(5000),
		EventTimeMs:    now.UnixMilli(),
	}

	if err := ev.Evaluate(context.Background(), liq); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Orders) != 0 {
		t.Fatalf("expected no order below min notional, got %d", len(fake.Orders))
	}
}

func TestEvaluateSimulateOnlyRecordsWithoutSubmitting(t *testing.T) {
	ev, fake, st := setupEvaluator(t)
	ev.cfg.SimulateOnly = true
	now := time.Now()
	ev.win.Add("BTCUSDT", model.SideSell, decimal.NewFromInt(5000), now)

	liq := model.Liquidation{
		Symbol:         "BTCUSDT",
		LiquidatedSide: model.SideSell,
		UsdtValue:      decimal.NewFromInt(5000),
		EventTimeMs:    now.UnixMilli(),
	}

	if err := ev.Evaluate(context.Background(), liq); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Orders) != 0 {
		t.Fatalf("expected no order submitted to the venue in simulate_only mode, got %d", len(fake.Orders))
	}
	if len(st.orders) != 1 {
		t.Fatalf("expected the simulated entry to still be recorded")
	}
}

func TestContrarianSideHonorsSameMapping(t *testing.T) {
	if got := contrarianSide(model.SideSell, model.TradeSideOpposite); got != model.PositionShort {
		t.Fatalf("expected SHORT for opposite mapping on SELL liquidation, got %v", got)
	}
	if got := contrarianSide(model.SideSell, model.TradeSideSame); got != model.PositionLong {
		t.Fatalf("expected LONG for same mapping on SELL liquidation, got %v", got)
	}
}
