// Package venue defines the VenueClient interface (Design Notes §9's
// explicit-interface replacement for duck-typed exchange access) and a
// concrete implementation wrapping go-binance/v2/futures plus resty for the
// one call the SDK doesn't cover natively.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/model"
)

// OrderType is the venue order type requested.
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeStop            OrderType = "STOP"
	OrderTypeStopMarket      OrderType = "STOP_MARKET"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMkt   OrderType = "TAKE_PROFIT_MARKET"
)

// PlaceOrderRequest is the normalized order-placement request the engine
// issues; VenueClient implementations translate it into the wire format.
type PlaceOrderRequest struct {
	Symbol       string
	Side         model.Side
	PositionSide model.PositionSide
	Type         OrderType
	Qty          decimal.Decimal
	Price        decimal.Decimal // zero for market/stop-market
	StopPrice    decimal.Decimal // zero unless Type is a stop variant
	ReduceOnly   bool
	ClosePosition bool
	TimeInForce  string
	WorkingType  model.WorkingType
	PriceProtect bool
	ClientOrderID string
}

// PlacedOrder is the venue's normalized response to a placement call.
type PlacedOrder struct {
	OrderID      string
	ClientOrderID string
	Status       model.OrderStatus
	ExecutedQty  decimal.Decimal
	AvgPrice     decimal.Decimal
}

// SymbolSpec is the cached exchange-info precision data for one symbol.
type SymbolSpec struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// PositionRisk is one row of the venue's position-risk response.
type PositionRisk struct {
	Symbol       string
	PositionSide model.PositionSide
	PositionAmt  decimal.Decimal
	EntryPrice   decimal.Decimal
}

// DepthLevel is a single bid or ask level.
type DepthLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Depth is a symbol's best-of-book snapshot.
type Depth struct {
	Bids []DepthLevel
	Asks []DepthLevel
}

// OpenOrder is one row of the venue's resting-order book for a symbol, used
// by the Reconciler to detect orphaned or stale orders the engine's own
// memory has lost track of.
type OpenOrder struct {
	OrderID      string
	Symbol       string
	Side         model.Side
	PositionSide model.PositionSide
	Type         OrderType
	Qty          decimal.Decimal
	ReduceOnly   bool
}

// VenueClient is the explicit interface standing in for the source's direct
// SDK calls (Design Notes §9). All authenticated calls are signed and are
// expected to be preceded by a caller-side governor.Admit check.
type VenueClient interface {
	ExchangeInfo(ctx context.Context) (map[string]SymbolSpec, error)
	Depth(ctx context.Context, symbol string, limit int) (Depth, error)

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlacedOrder, error)
	PlaceBatchOrders(ctx context.Context, reqs []PlaceOrderRequest) ([]PlacedOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOpen(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	Account(ctx context.Context) (availableBalanceUSDT decimal.Decimal, err error)
	PositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType model.MarginType) error
	SetPositionMode(ctx context.Context, hedge bool) error

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	DeleteListenKey(ctx context.Context, key string) error
}
