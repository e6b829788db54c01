package fillrouter

import (
	"context"
	"encoding/json"
	"errors"
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

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	idx      int
	closed   bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.messages) {
		return 0, nil, errors.New("eof")
	}
	m := c.messages[c.idx]
	c.idx++
	return 1, m, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	conns []*fakeConn
	idx   int
}

func (d *fakeDialer) Dial(string, map[string][]string) (Conn, error) {
	if d.idx >= len(d.conns) {
		return nil, errors.New("no more connections")
	}
	c := d.conns[d.idx]
	d.idx++
	return c, nil
}

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
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	o.Status = status
	if executedQty != nil {
		o.ExecutedQty = *executedQty
	}
	if avgFillPrice != nil {
		o.AvgFillPrice = *avgFillPrice
	}
	s.orders[orderID] = o
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

func tradeUpdateMsg(orderID int64, symbol, status, lastFilled, avgPrice string) []byte {
	evt := userDataEvent{
		EventType: "ORDER_TRADE_UPDATE",
		Order: orderTradeEvent{
			Symbol:        symbol,
			OrderID:       orderID,
			Status:        status,
			LastFilledQty: lastFilled,
			AvgPrice:      avgPrice,
		},
	}
	b, _ := json.Marshal(evt)
	return b
}

func testCfg() *config.Config {
	return &config.Config{
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {TakeProfitEnabled: true, TakeProfitPct: 2, StopLossEnabled: true, StopLossPct: 1},
		},
		MaxTranchesPerSymbolSide: 3,
		TranchePnLIncrementPct:   2,
	}
}

func TestEntryFillRoutesToPartitioner(t *testing.T) {
	st := newMemStore()
	fake := venue.NewFake()
	pm := protection.New(testCfg(), st, fake, venue.NewSpecCache(fake, time.Hour), nil, governor.New(governor.DefaultConfig()))
	part := tranche.New(testCfg(), st, pm, clock.NewFake(time.Unix(1_700_000_000, 0)))

	key := model.Key{Symbol: "BTCUSDT", PositionSide: model.PositionLong}
	price := decimal.NewFromInt(100)
	st.UpsertOrder(model.Order{OrderID: "1", Symbol: "BTCUSDT", PositionSide: model.PositionLong, Kind: model.KindEntry, Price: &price})

	r := New(fake, st, part, pm, nil)
	conn := &fakeConn{messages: [][]byte{tradeUpdateMsg(1, "BTCUSDT", "FILLED", "1", "100")}}
	r.readLoop(context.Background(), conn)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tranches, _ := st.ListTranches(key)
		if len(tranches) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected entry fill to create a tranche")
}

func TestProtectionFillTriggersCompanionCancel(t *testing.T) {
	st := newMemStore()
	fake := venue.NewFake()
	pm := protection.New(testCfg(), st, fake, venue.NewSpecCache(fake, time.Hour), nil, governor.New(governor.DefaultConfig()))
	part := tranche.New(testCfg(), st, pm, clock.NewFake(time.Unix(1_700_000_000, 0)))

	key := model.Key{Symbol: "BTCUSDT", PositionSide: model.PositionLong}
	tpID, slID := "0", "sl-1"
	st.CreateTranche(model.Tranche{Symbol: "BTCUSDT", PositionSide: model.PositionLong, TrancheID: 1, AvgEntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), TPOrderID: &tpID, SLOrderID: &slID})
	fake.Orders[slID] = venue.PlacedOrder{OrderID: slID}
	st.UpsertOrder(model.Order{OrderID: tpID, Symbol: "BTCUSDT", PositionSide: model.PositionLong, Kind: model.KindTP, TrancheID: 1})

	r := New(fake, st, part, pm, nil)
	conn := &fakeConn{messages: [][]byte{tradeUpdateMsg(0, "BTCUSDT", "FILLED", "1", "102")}}

	r.readLoop(context.Background(), conn)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tranches, _ := st.ListTranches(key)
		if len(tranches) == 0 {
			if _, stillOpen := fake.Orders[slID]; !stillOpen {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected protection fill to delete the tranche and cancel the companion leg")
}

func TestReconcileTriggerFiresOnAccountUpdate(t *testing.T) {
	st := newMemStore()
	fake := venue.NewFake()
	pm := protection.New(testCfg(), st, fake, venue.NewSpecCache(fake, time.Hour), nil, governor.New(governor.DefaultConfig()))
	part := tranche.New(testCfg(), st, pm, clock.NewFake(time.Unix(1_700_000_000, 0)))

	trig := &recordingTrigger{}
	r := New(fake, st, part, pm, trig)

	evt := userDataEvent{EventType: "ACCOUNT_UPDATE", Order: orderTradeEvent{Symbol: "BTCUSDT"}}
	b, _ := json.Marshal(evt)
	conn := &fakeConn{messages: [][]byte{b}}
	r.readLoop(context.Background(), conn)

	if len(trig.symbols) != 1 || trig.symbols[0] != "BTCUSDT" {
		t.Fatalf("expected one reconcile trigger for BTCUSDT, got %+v", trig.symbols)
	}
}

type recordingTrigger struct {
	mu      sync.Mutex
	symbols []string
}

func (r *recordingTrigger) TriggerReconcile(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols = append(r.symbols, symbol)
}
