package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/aster-quant/lick-engine/internal/model"
)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &MySQLStore{db: gdb}, mock
}

func TestInsertLiquidationIsIdempotentOnConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `liquidations` .*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.InsertLiquidation(model.Liquidation{
		EventID:        "evt-1",
		Symbol:         "BTCUSDT",
		LiquidatedSide: model.SideBuy,
		Qty:            decimal.NewFromInt(2),
		Price:          decimal.NewFromInt(60000),
		UsdtValue:      decimal.NewFromInt(120000),
		EventTimeMs:    time.Now().UnixMilli(),
		ReceivedTimeMs: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSumUSDTVolumeReturnsZeroWhenNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"COALESCE(SUM(usdt_value), 0)"}).AddRow(nil)
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(rows)

	total, err := s.SumUSDTVolume("BTCUSDT", model.SideBuy, 0)
	require.NoError(t, err)
	require.True(t, total.IsZero())
}

func TestGetOrderNotFoundMapsToTypedError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

	_, err := s.GetOrder("missing-id")
	require.Error(t, err)
}
