package venue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/model"
)

// Fake is an in-memory VenueClient for tests, modeled on the teacher's own
// DryRun execution path (execution_service.go's SafetyConfig.DryRun branch)
// that records orders instead of sending them to the exchange.
type Fake struct {
	mu sync.Mutex

	Specs     map[string]SymbolSpec
	Depths    map[string]Depth
	Positions map[string][]PositionRisk
	Orders    map[string]PlacedOrder

	nextOrderID int64

	PlaceOrderErr error
	CancelErr     error
}

func NewFake() *Fake {
	return &Fake{
		Specs:     map[string]SymbolSpec{},
		Depths:    map[string]Depth{},
		Positions: map[string][]PositionRisk{},
		Orders:    map[string]PlacedOrder{},
	}
}

func (f *Fake) ExchangeInfo(ctx context.Context) (map[string]SymbolSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]SymbolSpec, len(f.Specs))
	for sym, spec := range f.Specs {
		out[sym] = spec
	}
	return out, nil
}

func (f *Fake) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	return f.Depths[symbol], nil
}

func (f *Fake) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlacedOrder, error) {
	if f.PlaceOrderErr != nil {
		return PlacedOrder{}, f.PlaceOrderErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := atomic.AddInt64(&f.nextOrderID, 1)
	o := PlacedOrder{
		OrderID:       fmt.Sprintf("%d", id),
		ClientOrderID: req.ClientOrderID,
		Status:        model.StatusNew,
		ExecutedQty:   decimal.Zero,
		AvgPrice:      decimal.Zero,
	}
	f.Orders[o.OrderID] = o
	return o, nil
}

func (f *Fake) PlaceBatchOrders(ctx context.Context, reqs []PlaceOrderRequest) ([]PlacedOrder, error) {
	out := make([]PlacedOrder, 0, len(reqs))
	for _, r := range reqs {
		o, err := f.PlaceOrder(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *Fake) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Orders, orderID)
	return nil
}

func (f *Fake) CancelAllOpen(ctx context.Context, symbol string) error { return nil }

func (f *Fake) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OpenOrder, 0, len(f.Orders))
	for id, o := range f.Orders {
		out = append(out, OpenOrder{OrderID: id, Symbol: symbol, Qty: o.ExecutedQty})
	}
	return out, nil
}

func (f *Fake) Account(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(100000), nil
}

func (f *Fake) PositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	return f.Positions[symbol], nil
}

func (f *Fake) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *Fake) SetMarginType(ctx context.Context, symbol string, marginType model.MarginType) error {
	return nil
}
func (f *Fake) SetPositionMode(ctx context.Context, hedge bool) error { return nil }

func (f *Fake) CreateListenKey(ctx context.Context) (string, error)        { return "fake-listen-key", nil }
func (f *Fake) KeepAliveListenKey(ctx context.Context, key string) error   { return nil }
func (f *Fake) DeleteListenKey(ctx context.Context, key string) error      { return nil }

var _ VenueClient = (*Fake)(nil)
