package fastpath

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/governor"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/venue"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	idx      int
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

func (c *fakeConn) Close() error { return nil }

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
	tranches map[model.Key][]model.Tranche
}

func newMemStore(t model.Tranche) *memStore {
	s := &memStore{tranches: map[model.Key][]model.Tranche{}}
	k := model.Key{Symbol: t.Symbol, PositionSide: t.PositionSide}
	s.tranches[k] = []model.Tranche{t}
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
func (s *memStore) UpdateTranche(model.Tranche) error              { return nil }
func (s *memStore) DeleteTranche(model.Key, int64) error           { return nil }
func (s *memStore) ListTranches(key model.Key) ([]model.Tranche, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tranches[key], nil
}
func (s *memStore) ListAllTranches() ([]model.Tranche, error) { return nil, nil }
func (s *memStore) InsertRelationship(model.OrderRelationship) error { return nil }
func (s *memStore) FindCompanions(string) (*model.OrderRelationship, error) {
	return nil, nil
}
func (s *memStore) InsertFill(model.Fill) error { return nil }

type noopCircuit struct{}

func (noopCircuit) CircuitOpen(model.Key) bool { return false }
func (noopCircuit) RecordFailure(model.Key)    {}
func (noopCircuit) RecordSuccess(model.Key)    {}

func markMsg(symbol, price string) []byte {
	entries := []markPriceEntry{{Symbol: symbol, Price: price}}
	b, _ := json.Marshal(entries)
	return b
}

func testConfig() *config.Config {
	return &config.Config{
		InstantTPEnabled: true,
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {TakeProfitEnabled: true, TakeProfitPct: 2},
		},
	}
}

func TestFastExitFiresOnTakeProfitOvershoot(t *testing.T) {
	tranche := model.Tranche{Symbol: "BTCUSDT", PositionSide: model.PositionLong, TrancheID: 1, AvgEntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	st := newMemStore(tranche)
	fake := venue.NewFake()

	conn := &fakeConn{messages: [][]byte{markMsg("BTCUSDT", "102.5")}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	m := New(st, fake, testConfig(), noopCircuit{}, governor.New(governor.DefaultConfig()))
	m.dialer = dialer
	m.reconnect = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if len(fake.Orders) == 0 {
		t.Fatalf("expected a market reduce order to be placed")
	}
}

func TestNoFastExitBelowTakeProfit(t *testing.T) {
	tranche := model.Tranche{Symbol: "BTCUSDT", PositionSide: model.PositionLong, TrancheID: 1, AvgEntryPrice: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)}
	st := newMemStore(tranche)
	fake := venue.NewFake()

	conn := &fakeConn{messages: [][]byte{markMsg("BTCUSDT", "100.5")}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	m := New(st, fake, testConfig(), noopCircuit{}, governor.New(governor.DefaultConfig()))
	m.dialer = dialer
	m.reconnect = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if len(fake.Orders) != 0 {
		t.Fatalf("expected no order below take-profit level, got %d", len(fake.Orders))
	}
}
