package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/audit"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
)

// Run executes fn as one retried unit of work and records its outcome under
// operation. Results captured by fn must be reassigned on every attempt.
func (l *Ledger) Run(ctx context.Context, operation string, fn func(ctx context.Context, tx store.Tx) error) error {
	start := time.Now()
	policy := l.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		l.metrics.RecordRetry(operation)
		l.log.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"wait":      wait.String(),
		}).WithError(err).Debug("retrying after concurrency conflict")
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return l.repo.WithinTx(ctx, fn)
	})
	l.metrics.RecordOperation(operation, err, time.Since(start))
	return err
}

func (l *Ledger) ReserveStock(ctx context.Context, req domain.ReserveRequest) (domain.Reservation, domain.StockRow, error) {
	var reservation domain.Reservation
	var row domain.StockRow
	err := l.Run(ctx, "reserve", func(ctx context.Context, tx store.Tx) error {
		var err error
		reservation, row, err = l.Reserve(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.Reservation{}, domain.StockRow{}, err
	}
	l.audit.Record(ctx, row.BranchID, "stock.reserve", "stock_row", row.ID, fmt.Sprintf("reservation=%s qty=%d", reservation.ID, reservation.Quantity))
	return reservation, row, nil
}

func (l *Ledger) ReleaseStock(ctx context.Context, req domain.ReleaseRequest) (domain.StockRow, error) {
	var row domain.StockRow
	err := l.Run(ctx, "release", func(ctx context.Context, tx store.Tx) error {
		var err error
		row, err = l.Release(ctx, tx, req.StockRowID, req.Quantity)
		return err
	})
	if err != nil {
		return domain.StockRow{}, err
	}
	l.audit.Record(ctx, row.BranchID, "stock.release", "stock_row", row.ID, fmt.Sprintf("qty=%d", req.Quantity))
	return row, nil
}

func (l *Ledger) CancelReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	var reservation domain.Reservation
	err := l.Run(ctx, "release_reservation", func(ctx context.Context, tx store.Tx) error {
		var err error
		reservation, err = l.ReleaseReservation(ctx, tx, reservationID, domain.ReservationStatusReleased)
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	l.audit.Record(ctx, "", "stock.reservation_release", "reservation", reservation.ID, fmt.Sprintf("row=%s qty=%d", reservation.StockRowID, reservation.Quantity))
	return reservation, nil
}

func (l *Ledger) DebitStock(ctx context.Context, req domain.DebitRequest) (domain.StockRow, domain.LedgerEntry, error) {
	if req.ActorUserID == "" {
		req.ActorUserID = audit.Actor(ctx).UserID
	}
	var row domain.StockRow
	var entry domain.LedgerEntry
	err := l.Run(ctx, "debit", func(ctx context.Context, tx store.Tx) error {
		var err error
		row, entry, err = l.Debit(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	l.audit.Record(ctx, row.BranchID, "stock.debit", "stock_row", row.ID, fmt.Sprintf("qty=%d ref=%s", req.Quantity, entry.ReferenceNumber))
	return row, entry, nil
}

func (l *Ledger) CreditStock(ctx context.Context, req domain.CreditRequest) (domain.StockRow, domain.LedgerEntry, error) {
	if req.ActorUserID == "" {
		req.ActorUserID = audit.Actor(ctx).UserID
	}
	var row domain.StockRow
	var entry domain.LedgerEntry
	err := l.Run(ctx, "credit", func(ctx context.Context, tx store.Tx) error {
		var err error
		row, entry, err = l.Credit(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	l.audit.Record(ctx, row.BranchID, "stock.credit", "stock_row", row.ID, fmt.Sprintf("qty=%d ref=%s", req.Quantity, entry.ReferenceNumber))
	return row, entry, nil
}

func (l *Ledger) ReceiveStock(ctx context.Context, req domain.ReceiveStockRequest) (domain.StockRow, domain.LedgerEntry, error) {
	actor := audit.Actor(ctx)
	var row domain.StockRow
	var entry domain.LedgerEntry
	err := l.Run(ctx, "receive", func(ctx context.Context, tx store.Tx) error {
		var err error
		row, entry, err = l.Receive(ctx, tx, req, actor.UserID)
		return err
	})
	if err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	l.audit.Record(ctx, row.BranchID, "stock.receive", "stock_row", row.ID, fmt.Sprintf("qty=%d cost=%s ref=%s", req.Quantity, req.UnitCost.String(), entry.ReferenceNumber))
	return row, entry, nil
}

func (l *Ledger) AdjustStock(ctx context.Context, stockRowID string, req domain.AdjustRequest) (domain.StockRow, domain.LedgerEntry, error) {
	actor := audit.Actor(ctx)
	var row domain.StockRow
	var entry domain.LedgerEntry
	err := l.Run(ctx, "adjust", func(ctx context.Context, tx store.Tx) error {
		var err error
		row, entry, err = l.Adjust(ctx, tx, stockRowID, req, actor.UserID)
		return err
	})
	if err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	l.audit.Record(ctx, row.BranchID, "stock.adjust", "stock_row", row.ID, fmt.Sprintf("from=%d to=%d reason=%s", entry.QuantityBefore, entry.QuantityAfter, req.Reason))
	return row, entry, nil
}

func (l *Ledger) TransferStock(ctx context.Context, req domain.TransferRequest) (domain.TransferResult, error) {
	actor := audit.Actor(ctx)
	var result domain.TransferResult
	err := l.Run(ctx, "transfer", func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = l.Transfer(ctx, tx, req, actor.UserID)
		return err
	})
	if err != nil {
		return domain.TransferResult{}, err
	}
	l.audit.Record(ctx, result.FromRow.BranchID, "stock.transfer", "stock_row", result.FromRow.ID,
		fmt.Sprintf("to=%s qty=%d ref=%s", result.ToRow.ID, req.Quantity, result.ReferenceNumber))
	return result, nil
}

func (l *Ledger) BulkAdjustStock(ctx context.Context, req domain.BulkAdjustRequest) (domain.BulkAdjustResult, error) {
	actor := audit.Actor(ctx)
	var result domain.BulkAdjustResult
	err := l.Run(ctx, "bulk_adjust", func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = l.BulkAdjust(ctx, tx, req, actor.UserID)
		return err
	})
	if err != nil {
		return domain.BulkAdjustResult{}, err
	}
	for i, row := range result.Rows {
		entry := result.Entries[i]
		l.audit.Record(ctx, row.BranchID, "stock.adjust", "stock_row", row.ID,
			fmt.Sprintf("from=%d to=%d reason=%s ref=%s", entry.QuantityBefore, entry.QuantityAfter, req.Reason, entry.ReferenceNumber))
	}
	return result, nil
}

func (l *Ledger) BulkTransferStock(ctx context.Context, req domain.BulkTransferRequest) (domain.BulkTransferResult, error) {
	actor := audit.Actor(ctx)
	var result domain.BulkTransferResult
	err := l.Run(ctx, "bulk_transfer", func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = l.BulkTransfer(ctx, tx, req, actor.UserID)
		return err
	})
	if err != nil {
		return domain.BulkTransferResult{}, err
	}
	for i, moved := range result.Transfers {
		l.audit.Record(ctx, moved.FromRow.BranchID, "stock.transfer", "stock_row", moved.FromRow.ID,
			fmt.Sprintf("to=%s qty=%d ref=%s", moved.ToRow.ID, req.Transfers[i].Quantity, moved.ReferenceNumber))
	}
	return result, nil
}

func (l *Ledger) RetireStockRow(ctx context.Context, stockRowID string, reason string) (domain.StockRow, error) {
	actor := audit.Actor(ctx)
	var row domain.StockRow
	err := l.Run(ctx, "retire", func(ctx context.Context, tx store.Tx) error {
		var err error
		row, err = l.Retire(ctx, tx, stockRowID, reason, actor.UserID)
		return err
	})
	if err != nil {
		return domain.StockRow{}, err
	}
	l.audit.Record(ctx, row.BranchID, "stock.retire", "stock_row", row.ID, reason)
	return row, nil
}

func (l *Ledger) GetStockRow(ctx context.Context, id string) (*domain.StockRow, error) {
	return l.repo.GetStockRow(ctx, id)
}

func (l *Ledger) ListStockRows(ctx context.Context, filter domain.StockRowFilter) ([]domain.StockRow, error) {
	return l.repo.ListStockRows(ctx, filter)
}

// ListLedgerEntries returns the newest entries first.
func (l *Ledger) ListLedgerEntries(ctx context.Context, stockRowID string, limit int) ([]domain.LedgerEntry, error) {
	if _, err := l.repo.GetStockRow(ctx, stockRowID); err != nil {
		return nil, err
	}
	return l.repo.ListLedgerEntries(ctx, stockRowID, limit)
}

// SearchMovements pages ledger entries across rows, newest first.
func (l *Ledger) SearchMovements(ctx context.Context, filter domain.LedgerEntryFilter) (domain.LedgerEntryPage, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return domain.LedgerEntryPage{}, store.Invalid("from", "must not be after to")
	}
	return l.repo.SearchLedgerEntries(ctx, filter)
}
