package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/clock"
	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/governor"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/protection"
	"github.com/aster-quant/lick-engine/internal/tranche"
	"github.com/aster-quant/lick-engine/internal/venue"
)

type memStore struct {
	mu       sync.Mutex
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = o
	return nil
}
func (s *memStore) UpdateOrderStatus(orderID string, status model.OrderStatus, executedQty, avgFillPrice *decimal.Decimal) error {
	return nil
}
func (s *memStore) GetOrder(orderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}
func (s *memStore) OpenEntryOrders(string) ([]model.Order, error) { return nil, nil }

func (s *memStore) CreateTranche(t model.Tranche) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := model.Key{Symbol: t.Symbol, PositionSide: t.PositionSide}
	s.tranches[k] = append(s.tranches[k], t)
	return nil
}
func (s *memStore) UpdateTranche(t model.Tranche) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := model.Key{Symbol: t.Symbol, PositionSide: t.PositionSide}
	for i, cur := range s.tranches[k] {
		if cur.TrancheID == t.TrancheID {
			s.tranches[k][i] = t
			return nil
		}
	}
	return nil
}
func (s *memStore) DeleteTranche(key model.Key, trancheID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.tranches[key][:0]
	for _, t := range s.tranches[key] {
		if t.TrancheID != trancheID {
			out = append(out, t)
		}
	}
	s.tranches[key] = out
	return nil
}
func (s *memStore) ListTranches(key model.Key) ([]model.Tranche, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Tranche, len(s.tranches[key]))
	copy(out, s.tranches[key])
	return out, nil
}
func (s *memStore) ListAllTranches() ([]model.Tranche, error) { return nil, nil }
func (s *memStore) InsertRelationship(model.OrderRelationship) error { return nil }
func (s *memStore) FindCompanions(string) (*model.OrderRelationship, error) {
	return nil, nil
}
func (s *memStore) InsertFill(model.Fill) error { return nil }

func testCfg() *config.Config {
	return &config.Config{
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {TakeProfitEnabled: true, TakeProfitPct: 2, StopLossEnabled: true, StopLossPct: 1},
		},
		MaxTranchesPerSymbolSide: 3,
		TranchePnLIncrementPct:   2,
		OrderTTLMs:               60_000,
	}
}

func setup() (*Reconciler, *memStore, *venue.Fake) {
	st := newMemStore()
	fake := venue.NewFake()
	specs := venue.NewSpecCache(fake, time.Hour)
	pm := protection.New(testCfg(), st, fake, specs, nil, governor.New(governor.DefaultConfig()))
	part := tranche.New(testCfg(), st, pm, clock.NewFake(time.Unix(1_700_000_000, 0)))
	r := New(testCfg(), st, fake, part, pm, nil)
	return r, st, fake
}

func TestReconcilePositionRecoversUntrackedVenuePosition(t *testing.T) {
	r, st, fake := setup()
	key := model.Key{Symbol: "BTCUSDT", PositionSide: model.PositionLong}
	fake.Positions["BTCUSDT"] = []venue.PositionRisk{
		{Symbol: "BTCUSDT", PositionSide: model.PositionLong, PositionAmt: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(100)},
	}

	r.sweepSymbol(context.Background(), "BTCUSDT")

	tranches, _ := st.ListTranches(key)
	if len(tranches) != 1 {
		t.Fatalf("expected a recovered synthetic tranche, got %d", len(tranches))
	}
	if !tranches[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected recovered qty 2, got %v", tranches[0].Quantity)
	}
	if !tranches[0].Unprotected {
		t.Fatalf("expected recovered tranche to start unprotected")
	}
}

func TestReconcilePositionDropsStaleTranchesWhenVenueIsFlat(t *testing.T) {
	r, st, _ := setup()
	key := model.Key{Symbol: "BTCUSDT", PositionSide: model.PositionLong}
	st.CreateTranche(model.Tranche{Symbol: "BTCUSDT", PositionSide: model.PositionLong, TrancheID: 1, Quantity: decimal.NewFromInt(1)})

	r.sweepSymbol(context.Background(), "BTCUSDT")

	tranches, _ := st.ListTranches(key)
	if len(tranches) != 0 {
		t.Fatalf("expected stale tranche to be dropped, got %d remaining", len(tranches))
	}
}

func TestReconcilePositionRebuildsTrancheMissingALegEvenWithoutDrift(t *testing.T) {
	r, st, fake := setup()
	fake.Specs["BTCUSDT"] = venue.SymbolSpec{TickSize: decimal.NewFromFloat(0.1), StepSize: decimal.NewFromFloat(0.001)}
	key := model.Key{Symbol: "BTCUSDT", PositionSide: model.PositionLong}
	tpID := "tp-1"
	st.CreateTranche(model.Tranche{Symbol: "BTCUSDT", PositionSide: model.PositionLong, TrancheID: 1, AvgEntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), TPOrderID: &tpID, SLOrderID: nil})

	// No drift: local quantity (1) matches the venue-reported quantity exactly.
	r.reconcilePosition(context.Background(), key, decimal.NewFromInt(1))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tranches, _ := st.ListTranches(key)
		if len(tranches) == 1 && tranches[0].SLOrderID != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the missing SL leg to be rebuilt even though the position quantity did not drift")
}

func TestReconcileOrdersCancelsOrphanedVenueOrder(t *testing.T) {
	r, _, fake := setup()
	fake.Orders["999"] = venue.PlacedOrder{OrderID: "999"}

	r.reconcileOrders(context.Background(), "BTCUSDT")

	if _, stillOpen := fake.Orders["999"]; stillOpen {
		t.Fatalf("expected orphaned order to be canceled")
	}
}

func TestReconcileOrdersLeavesKnownOrderAlone(t *testing.T) {
	r, st, fake := setup()
	fake.Orders["1"] = venue.PlacedOrder{OrderID: "1"}
	st.UpsertOrder(model.Order{OrderID: "1", Symbol: "BTCUSDT", Kind: model.KindEntry, Status: model.StatusNew, PlacedAt: time.Now()})

	r.reconcileOrders(context.Background(), "BTCUSDT")

	if _, stillOpen := fake.Orders["1"]; !stillOpen {
		t.Fatalf("expected fresh known entry order to remain open")
	}
}
