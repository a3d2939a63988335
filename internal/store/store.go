package store

import (
	"context"
	"time"

	"nationalpos/backend/internal/domain"
)

// Tx is the explicit transaction handle passed through every multi-step
// operation. Lock* methods take an exclusive lock held until the unit of work
// ends; callers locking several stock rows pass them together so the store can
// acquire them in ascending id order. Locking a key already held by the same Tx
// is a no-op. GetStockRow and FindStockRowByLocation read without locking and
// see this Tx's own staged writes.
type Tx interface {
	GetStockRow(ctx context.Context, id string) (*domain.StockRow, error)
	FindStockRowByLocation(ctx context.Context, loc domain.StockLocation) (*domain.StockRow, error)
	LockStockRows(ctx context.Context, ids []string) (map[string]domain.StockRow, error)
	CreateStockRow(ctx context.Context, row domain.StockRow) (*domain.StockRow, error)
	UpdateStockRow(ctx context.Context, row domain.StockRow) error
	AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error

	CreateReservation(ctx context.Context, reservation domain.Reservation) error
	LockReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ListReservationsByTransaction(ctx context.Context, transactionID string) ([]domain.Reservation, error)
	UpdateReservation(ctx context.Context, reservation domain.Reservation) error

	NextSequence(ctx context.Context, name string) (int64, error)
	TransactionNumberExists(ctx context.Context, number string) (bool, error)
	CreateSalesTransaction(ctx context.Context, tx domain.SalesTransaction) error
	LockSalesTransaction(ctx context.Context, id string) (*domain.SalesTransaction, error)
	LockSalesTransactionByNumber(ctx context.Context, number string) (*domain.SalesTransaction, error)
	UpdateSalesTransaction(ctx context.Context, tx domain.SalesTransaction) error
	AddPayments(ctx context.Context, transactionID string, payments []domain.Payment) error
	ReturnedLines(ctx context.Context, originalTransactionID string) (map[string]domain.ReturnedLine, error)
	ReturnedLoyaltyPoints(ctx context.Context, originalTransactionID string) (int, error)

	LockLoyaltyAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error)
	CreateLoyaltyAccount(ctx context.Context, account domain.LoyaltyAccount) error
	UpdateLoyaltyAccount(ctx context.Context, account domain.LoyaltyAccount) error
	AppendLoyaltyEntry(ctx context.Context, entry domain.LoyaltyEntry) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// UnitOfWork runs fn inside one all-or-nothing transaction. fn's error, a
// panic, or a cancelled ctx roll everything back and release every lock.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Repository interface {
	UnitOfWork

	GetStockRow(ctx context.Context, id string) (*domain.StockRow, error)
	FindStockRow(ctx context.Context, loc domain.StockLocation) (*domain.StockRow, error)
	ListStockRows(ctx context.Context, filter domain.StockRowFilter) ([]domain.StockRow, error)
	ListLedgerEntries(ctx context.Context, stockRowID string, limit int) ([]domain.LedgerEntry, error)
	// SearchLedgerEntries pages newest first; Total counts every match.
	SearchLedgerEntries(ctx context.Context, filter domain.LedgerEntryFilter) (domain.LedgerEntryPage, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)

	GetSalesTransaction(ctx context.Context, id string) (*domain.SalesTransaction, error)
	GetSalesTransactionByNumber(ctx context.Context, number string) (*domain.SalesTransaction, error)
	ListReturnTransactions(ctx context.Context, originalTransactionID string) ([]domain.SalesTransaction, error)
	SearchTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.TransactionPage, error)

	GetLoyaltyAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error)
	ListLoyaltyEntries(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyEntry, error)

	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.LowStockAlert, error)
	SaveAlert(ctx context.Context, alert domain.LowStockAlert) error

	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
