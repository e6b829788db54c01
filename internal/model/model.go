// Package model holds the engine's persisted data types: liquidation events,
// orders, tranches, and the order-relationship table that replaces the
// cyclic order<->tranche pointers a duck-typed implementation would use.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a liquidated position or an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the side of the position this engine holds, independent of
// the order side used to open or close it.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Opposite returns the other PositionSide.
func (p PositionSide) Opposite() PositionSide {
	if p == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// OrderKind distinguishes the four roles an order can play in the engine.
type OrderKind string

const (
	KindEntry OrderKind = "ENTRY"
	KindTP    OrderKind = "TP"
	KindSL    OrderKind = "SL"
	KindClose OrderKind = "CLOSE"
)

// OrderStatus mirrors the venue's order lifecycle states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status will never transition further.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// TradeSide configures whether an entry counter-trades or mirror-trades the
// liquidation that triggered it. Both are first-class per SPEC_FULL.md §9.
type TradeSide string

const (
	TradeSideOpposite TradeSide = "OPPOSITE"
	TradeSideSame     TradeSide = "SAME"
)

// MarginType is the venue's isolated/cross margin mode for a symbol.
type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
	MarginCross    MarginType = "CROSS"
)

// WorkingType selects whether stop triggers watch contract price or mark price.
type WorkingType string

const (
	WorkingContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingMarkPrice     WorkingType = "MARK_PRICE"
)

// Liquidation is an append-only record of a venue-wide forced-order event.
// Never mutated after insertion; event_id makes insert_liquidation idempotent.
type Liquidation struct {
	EventID        string `gorm:"column:event_id;primaryKey;type:varchar(64)"`
	Symbol         string `gorm:"column:symbol;index:idx_liq_symbol_time;type:varchar(32)"`
	LiquidatedSide Side   `gorm:"column:side;type:varchar(8)"`
	Qty            decimal.Decimal `gorm:"column:qty;type:decimal(32,12)"`
	Price          decimal.Decimal `gorm:"column:price;type:decimal(32,12)"`
	UsdtValue      decimal.Decimal `gorm:"column:usdt_value;type:decimal(32,12)"`
	EventTimeMs    int64           `gorm:"column:event_time;index:idx_liq_symbol_time"`
	ReceivedTimeMs int64           `gorm:"column:received_time"`
}

func (Liquidation) TableName() string { return "liquidations" }

// Order is an entry, TP, SL, or CLOSE order tracked through its venue lifecycle.
type Order struct {
	OrderID       string          `gorm:"column:order_id;primaryKey;type:varchar(64)"`
	ClientID      string          `gorm:"column:client_id;index;type:varchar(64)"`
	Symbol        string          `gorm:"column:symbol;index:idx_orders_symbol_side;type:varchar(32)"`
	PositionSide  PositionSide    `gorm:"column:position_side;index:idx_orders_symbol_side;type:varchar(8)"`
	Side          Side            `gorm:"column:side;type:varchar(8)"`
	Kind          OrderKind       `gorm:"column:kind;type:varchar(8)"`
	Qty           decimal.Decimal `gorm:"column:qty;type:decimal(32,12)"`
	Price         *decimal.Decimal `gorm:"column:price;type:decimal(32,12)"`
	StopPrice     *decimal.Decimal `gorm:"column:stop_price;type:decimal(32,12)"`
	Status        OrderStatus     `gorm:"column:status;type:varchar(20)"`
	TrancheID     int64           `gorm:"column:tranche_id;index:idx_orders_tranche"`
	ParentOrderID *string         `gorm:"column:parent_order_id;type:varchar(64)"`
	PlacedAt      time.Time       `gorm:"column:placed_at"`
	FinalAt       *time.Time      `gorm:"column:final_at"`
	ExecutedQty   decimal.Decimal `gorm:"column:executed_qty;type:decimal(32,12)"`
	AvgFillPrice  decimal.Decimal `gorm:"column:avg_fill_price;type:decimal(32,12)"`
	TimeInForce   string          `gorm:"column:time_in_force;type:varchar(8)"`
}

func (Order) TableName() string { return "orders" }

// Tranche is an independently protected slice of a (symbol, position_side)
// position. Owned exclusively by the Partitioner except for tp_order_id /
// sl_order_id, which are owned exclusively by the Protection Manager.
type Tranche struct {
	Symbol        string          `gorm:"column:symbol;primaryKey;type:varchar(32)"`
	PositionSide  PositionSide    `gorm:"column:position_side;primaryKey;type:varchar(8)"`
	TrancheID     int64           `gorm:"column:tranche_id;primaryKey"`
	AvgEntryPrice decimal.Decimal `gorm:"column:avg_entry_price;type:decimal(32,12)"`
	Quantity      decimal.Decimal `gorm:"column:quantity;type:decimal(32,12)"`
	TPOrderID     *string         `gorm:"column:tp_order_id;type:varchar(64)"`
	SLOrderID     *string         `gorm:"column:sl_order_id;type:varchar(64)"`
	Unprotected   bool            `gorm:"column:unprotected"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

func (Tranche) TableName() string { return "tranches" }

// Key identifies the (symbol, position_side) partition a Tranche belongs to.
type Key struct {
	Symbol       string
	PositionSide PositionSide
}

// OrderRelationship is the authoritative companion-order mapping used by the
// Reconciler and Protection Manager instead of cyclic order<->tranche pointers.
type OrderRelationship struct {
	MainOrderID string    `gorm:"column:main_order_id;primaryKey;type:varchar(64)"`
	TPOrderID   *string   `gorm:"column:tp_order_id;type:varchar(64)"`
	SLOrderID   *string   `gorm:"column:sl_order_id;type:varchar(64)"`
	TrancheID   int64     `gorm:"column:tranche_id;index"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (OrderRelationship) TableName() string { return "order_relationships" }

// Fill is a single execution against an order, kept for post-trade analysis
// and for replaying the event log during recovery.
type Fill struct {
	OrderID    string          `gorm:"column:order_id;primaryKey;type:varchar(64)"`
	Seq        int64           `gorm:"column:seq;primaryKey"`
	Qty        decimal.Decimal `gorm:"column:qty;type:decimal(32,12)"`
	Price      decimal.Decimal `gorm:"column:price;type:decimal(32,12)"`
	Time       time.Time       `gorm:"column:time"`
	Commission decimal.Decimal `gorm:"column:commission;type:decimal(32,12)"`
}

func (Fill) TableName() string { return "fills" }

// SignedReturn computes the return of price relative to base, signed so that
// a positive value is favorable to side. Used by the Partitioner's
// pnl_pct_of_aggregate computation (SPEC_FULL.md §4.7).
func SignedReturn(base, price decimal.Decimal, side PositionSide) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	delta := price.Sub(base).Div(base)
	if side == PositionShort {
		delta = delta.Neg()
	}
	return delta
}
