package protection

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/governor"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/venue"
)

type memStore struct {
	tranches map[model.Key][]model.Tranche
}

func newMemStore(initial ...model.Tranche) *memStore {
	s := &memStore{tranches: map[model.Key][]model.Tranche{}}
	for _, t := range initial {
		k := model.Key{Symbol: t.Symbol, PositionSide: t.PositionSide}
		s.tranches[k] = append(s.tranches[k], t)
	}
	return s
}

func (s *memStore) InsertLiquidation(model.Liquidation) error { return nil }
func (s *memStore) SumUSDTVolume(string, model.Side, int64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *memStore) RecentLiquidations(string, int64) ([]model.Liquidation, error) { return nil, nil }
func (s *memStore) UpsertOrder(model.Order) error                               { return nil }
func (s *memStore) UpdateOrderStatus(string, model.OrderStatus, *decimal.Decimal, *decimal.Decimal) error {
	return nil
}
func (s *memStore) GetOrder(string) (*model.Order, error)          { return nil, nil }
func (s *memStore) OpenEntryOrders(string) ([]model.Order, error) { return nil, nil }
func (s *memStore) CreateTranche(model.Tranche) error              { return nil }
func (s *memStore) UpdateTranche(t model.Tranche) error {
	k := model.Key{Symbol: t.Symbol, PositionSide: t.PositionSide}
	for i, cur := range s.tranches[k] {
		if cur.TrancheID == t.TrancheID {
			s.tranches[k][i] = t
			return nil
		}
	}
	return nil
}
func (s *memStore) DeleteTranche(model.Key, int64) error { return nil }
func (s *memStore) ListTranches(key model.Key) ([]model.Tranche, error) {
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
			"BTCUSDT": {
				TakeProfitEnabled: true, TakeProfitPct: 2,
				StopLossEnabled: true, StopLossPct: 1,
				WorkingType: model.WorkingMarkPrice,
			},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}

func TestRebuildPlacesTPAndSLAndPersistsIds(t *testing.T) {
	key := model.Key{Symbol: "BTCUSDT", PositionSide: model.PositionLong}
	tranche := model.Tranche{Symbol: "BTCUSDT", PositionSide: model.PositionLong, TrancheID: 1, AvgEntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	st := newMemStore(tranche)

	fake := venue.NewFake()
	fake.Specs["BTCUSDT"] = venue.SymbolSpec{TickSize: decimal.NewFromFloat(0.1), StepSize: decimal.NewFromFloat(0.001)}
	specs := venue.NewSpecCache(fake, time.Hour)

	m := New(testCfg(), st, fake, specs, nil, governor.New(governor.DefaultConfig()))
	m.NotifyRebuild(key, 1)

	waitFor(t, func() bool {
		got, _ := st.ListTranches(key)
		return len(got) == 1 && got[0].TPOrderID != nil && got[0].SLOrderID != nil
	})

	got, _ := st.ListTranches(key)
	if got[0].Unprotected {
		t.Fatalf("expected tranche to be marked protected")
	}
}

func TestRebuildOnMissingTrancheIsNoop(t *testing.T) {
	key := model.Key{Symbol: "BTCUSDT", PositionSide: model.PositionLong}
	st := newMemStore()
	fake := venue.NewFake()
	fake.Specs["BTCUSDT"] = venue.SymbolSpec{TickSize: decimal.NewFromFloat(0.1), StepSize: decimal.NewFromFloat(0.001)}
	specs := venue.NewSpecCache(fake, time.Hour)

	m := New(testCfg(), st, fake, specs, nil, governor.New(governor.DefaultConfig()))
	m.NotifyRebuild(key, 99)

	time.Sleep(100 * time.Millisecond)
	if len(fake.Orders) != 0 {
		t.Fatalf("expected no orders placed for a nonexistent tranche")
	}
}

func TestProtectionPricesRoundAwayFromEntryForLong(t *testing.T) {
	tr := model.Tranche{PositionSide: model.PositionLong, AvgEntryPrice: decimal.NewFromInt(100)}
	sc := config.SymbolConfig{TakeProfitPct: 2, StopLossPct: 1}
	tp, sl := protectionPrices(tr, sc, decimal.NewFromFloat(0.5))

	if !tp.Equal(decimal.NewFromFloat(102.0)) {
		t.Fatalf("expected tp 102.0, got %v", tp)
	}
	if !sl.Equal(decimal.NewFromFloat(99.0)) {
		t.Fatalf("expected sl 99.0, got %v", sl)
	}
}

func TestProtectionPricesRoundAwayFromEntryForShort(t *testing.T) {
	tr := model.Tranche{PositionSide: model.PositionShort, AvgEntryPrice: decimal.NewFromInt(100)}
	sc := config.SymbolConfig{TakeProfitPct: 2, StopLossPct: 1}
	tp, sl := protectionPrices(tr, sc, decimal.NewFromFloat(0.5))

	if !tp.Equal(decimal.NewFromFloat(98.0)) {
		t.Fatalf("expected tp 98.0, got %v", tp)
	}
	if !sl.Equal(decimal.NewFromFloat(101.0)) {
		t.Fatalf("expected sl 101.0, got %v", sl)
	}
}
