// Package store defines the Store interface (the explicit replacement for
// the source's implicit persistence calls, Design Notes §9) and a
// gorm-backed MySQL implementation grounded on ChoSanghyuk-blackholedex's
// transaction_recorder.go.
package store

import (
	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/model"
)

// Store is the durable persistence surface used by C4, C6, C7, C8, C10, C11.
// Writes use short transactions; reads never block writes for more than one
// statement (SPEC_FULL.md §4.3).
type Store interface {
	InsertLiquidation(e model.Liquidation) error
	SumUSDTVolume(symbol string, side model.Side, sinceMs int64) (decimal.Decimal, error)
	RecentLiquidations(symbol string, sinceMs int64) ([]model.Liquidation, error)

	UpsertOrder(o model.Order) error
	UpdateOrderStatus(orderID string, status model.OrderStatus, executedQty, avgFillPrice *decimal.Decimal) error
	GetOrder(orderID string) (*model.Order, error)
	OpenEntryOrders(symbol string) ([]model.Order, error)

	CreateTranche(t model.Tranche) error
	UpdateTranche(t model.Tranche) error
	DeleteTranche(key model.Key, trancheID int64) error
	ListTranches(key model.Key) ([]model.Tranche, error)
	ListAllTranches() ([]model.Tranche, error)

	InsertRelationship(r model.OrderRelationship) error
	FindCompanions(orderID string) (*model.OrderRelationship, error)

	InsertFill(f model.Fill) error
}
