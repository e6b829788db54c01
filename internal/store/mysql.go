package store

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/aster-quant/lick-engine/internal/engineerr"
	"github.com/aster-quant/lick-engine/internal/model"
)

// MySQLStore is the gorm-backed Store implementation. Grounded on
// ChoSanghyuk-blackholedex's MySQLRecorder: gorm.Open + AutoMigrate at
// construction, short Create/Where/Order/Find chains per operation.
type MySQLStore struct {
	db *gorm.DB
}

// NewMySQLStore opens dsn and migrates the engine's tables.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, engineerr.Transient("opening mysql store", err)
	}

	if err := db.AutoMigrate(
		&model.Liquidation{},
		&model.Order{},
		&model.Tranche{},
		&model.OrderRelationship{},
		&model.Fill{},
	); err != nil {
		return nil, engineerr.Transient("migrating schema", err)
	}

	return &MySQLStore{db: db}, nil
}

func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engineerr.OrderNotFoundVenue("record not found", 0, err)
	}
	// gorm surfaces MySQL lock-wait-timeout / deadlock as a generic error;
	// the store treats any write failure that isn't a clean not-found as
	// transient so callers retry per the store-busy policy (SPEC_FULL.md §4.3).
	return engineerr.StoreBusyErr("store write failed", err)
}

func (s *MySQLStore) InsertLiquidation(e model.Liquidation) error {
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&e).Error
	if err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (s *MySQLStore) SumUSDTVolume(symbol string, side model.Side, sinceMs int64) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := s.db.Model(&model.Liquidation{}).
		Where("symbol = ? AND side = ? AND event_time >= ?", symbol, side, sinceMs).
		Select("COALESCE(SUM(usdt_value), 0)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, wrapWriteErr(err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func (s *MySQLStore) RecentLiquidations(symbol string, sinceMs int64) ([]model.Liquidation, error) {
	var out []model.Liquidation
	err := s.db.Where("symbol = ? AND event_time >= ?", symbol, sinceMs).
		Order("event_time ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrapWriteErr(err)
	}
	return out, nil
}

func (s *MySQLStore) UpsertOrder(o model.Order) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "executed_qty", "avg_fill_price", "final_at", "tranche_id"}),
	}).Create(&o).Error
	if err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (s *MySQLStore) UpdateOrderStatus(orderID string, status model.OrderStatus, executedQty, avgFillPrice *decimal.Decimal) error {
	updates := map[string]any{"status": status}
	if executedQty != nil {
		updates["executed_qty"] = *executedQty
	}
	if avgFillPrice != nil {
		updates["avg_fill_price"] = *avgFillPrice
	}
	if status.IsTerminal() {
		now := time.Now()
		updates["final_at"] = now
	}
	err := s.db.Model(&model.Order{}).Where("order_id = ?", orderID).Updates(updates).Error
	if err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (s *MySQLStore) GetOrder(orderID string) (*model.Order, error) {
	var o model.Order
	err := s.db.Where("order_id = ?", orderID).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engineerr.OrderNotFoundVenue("order not found in store", 0, err)
		}
		return nil, wrapWriteErr(err)
	}
	return &o, nil
}

func (s *MySQLStore) OpenEntryOrders(symbol string) ([]model.Order, error) {
	var out []model.Order
	err := s.db.Where("symbol = ? AND kind = ? AND status IN ?", symbol, model.KindEntry,
		[]model.OrderStatus{model.StatusNew, model.StatusPartiallyFilled}).
		Find(&out).Error
	if err != nil {
		return nil, wrapWriteErr(err)
	}
	return out, nil
}

func (s *MySQLStore) CreateTranche(t model.Tranche) error {
	if err := s.db.Create(&t).Error; err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (s *MySQLStore) UpdateTranche(t model.Tranche) error {
	err := s.db.Model(&model.Tranche{}).
		Where("symbol = ? AND position_side = ? AND tranche_id = ?", t.Symbol, t.PositionSide, t.TrancheID).
		Updates(map[string]any{
			"avg_entry_price": t.AvgEntryPrice,
			"quantity":        t.Quantity,
			"tp_order_id":     t.TPOrderID,
			"sl_order_id":     t.SLOrderID,
			"unprotected":     t.Unprotected,
			"updated_at":      time.Now(),
		}).Error
	if err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (s *MySQLStore) DeleteTranche(key model.Key, trancheID int64) error {
	err := s.db.Where("symbol = ? AND position_side = ? AND tranche_id = ?", key.Symbol, key.PositionSide, trancheID).
		Delete(&model.Tranche{}).Error
	if err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (s *MySQLStore) ListTranches(key model.Key) ([]model.Tranche, error) {
	var out []model.Tranche
	err := s.db.Where("symbol = ? AND position_side = ?", key.Symbol, key.PositionSide).
		Order("tranche_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrapWriteErr(err)
	}
	return out, nil
}

func (s *MySQLStore) ListAllTranches() ([]model.Tranche, error) {
	var out []model.Tranche
	err := s.db.Order("symbol ASC, position_side ASC, tranche_id ASC").Find(&out).Error
	if err != nil {
		return nil, wrapWriteErr(err)
	}
	return out, nil
}

func (s *MySQLStore) InsertRelationship(r model.OrderRelationship) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "main_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tp_order_id", "sl_order_id", "tranche_id"}),
	}).Create(&r).Error
	if err != nil {
		return wrapWriteErr(err)
	}
	return nil
}

func (s *MySQLStore) FindCompanions(orderID string) (*model.OrderRelationship, error) {
	var r model.OrderRelationship
	err := s.db.Where("main_order_id = ? OR tp_order_id = ? OR sl_order_id = ?", orderID, orderID, orderID).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapWriteErr(err)
	}
	return &r, nil
}

func (s *MySQLStore) InsertFill(f model.Fill) error {
	if err := s.db.Create(&f).Error; err != nil {
		return wrapWriteErr(err)
	}
	return nil
}
