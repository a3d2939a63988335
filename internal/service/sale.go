package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

// ProcessSale debits every line and persists a COMPLETED transaction in one
// unit of work. Any short line aborts the whole sale.
func (s *SalesEngine) ProcessSale(ctx context.Context, req domain.SaleRequest) (domain.SalesTransaction, error) {
	if err := s.check(req); err != nil {
		return domain.SalesTransaction{}, err
	}
	if req.RedeemPoints > 0 && req.CustomerID == "" {
		return domain.SalesTransaction{}, store.Invalid("redeem_points", "requires customer_id")
	}
	tierPct, err := s.tierPercent(ctx, req.CustomerID)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	lines, err := s.priceLines(ctx, req.Items, tierPct)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	userID := s.actorUserID(ctx, req.UserID)

	var result domain.SalesTransaction
	var rowIDs []string
	err = s.run(ctx, "process_sale", func(ctx context.Context, tx store.Tx) error {
		ids, err := resolveRows(ctx, tx, req.BranchID, lines)
		if err != nil {
			return err
		}
		if _, err := tx.LockStockRows(ctx, ids); err != nil {
			return err
		}

		items := make([]domain.SalesItem, len(lines))
		for i, line := range lines {
			items[i] = line.item
		}
		sum := sumItems(items)
		loyaltyValue := s.loyalty.RedemptionValue(req.RedeemPoints)
		payments, paid, change, err := s.buildPayments(req.Payments, loyaltyValue, req.RedeemPoints, sum.Total)
		if err != nil {
			return err
		}

		number, err := s.nextNumber(ctx, tx, "TXN", req.TransactionNumber)
		if err != nil {
			return err
		}
		txnID := xid.New("txn")
		for i := range items {
			items[i].TransactionID = txnID
			if _, _, err := s.stock.Debit(ctx, tx, domain.DebitRequest{
				StockRowID:      items[i].StockRowID,
				Quantity:        items[i].Quantity,
				Reason:          "SALE",
				ReferenceNumber: number,
				ActorUserID:     userID,
			}); err != nil {
				return err
			}
		}

		now := s.now()
		txn := domain.SalesTransaction{
			ID:                  txnID,
			TransactionNumber:   number,
			BranchID:            req.BranchID,
			CustomerID:          req.CustomerID,
			UserID:              userID,
			Type:                domain.TxTypeSale,
			Status:              domain.TxStatusCompleted,
			Subtotal:            sum.Subtotal,
			DiscountAmount:      sum.Discount,
			TaxAmount:           sum.Tax,
			TotalAmount:         sum.Total,
			AmountPaid:          paid,
			ChangeGiven:         change,
			TierDiscountPercent: tierPct,
			Notes:               strings.TrimSpace(req.Notes),
			Items:               items,
			Payments:            payments,
			CreatedAt:           now,
			UpdatedAt:           now,
			CompletedAt:         &now,
		}
		if err := tx.CreateSalesTransaction(ctx, txn); err != nil {
			return err
		}
		if err := s.settleLoyalty(ctx, tx, &txn, req.RedeemPoints, loyaltyValue); err != nil {
			return err
		}

		result = txn
		rowIDs = ids
		return nil
	})
	if err != nil {
		return domain.SalesTransaction{}, err
	}

	s.recordLoyalty(result)
	s.audit.Record(ctx, result.BranchID, "sale.complete", "sales_transaction", result.ID,
		fmt.Sprintf("number=%s total=%s items=%d", result.TransactionNumber, result.TotalAmount.StringFixed(2), len(result.Items)))
	s.notify(ctx, rowIDs)
	return result, nil
}

// settleLoyalty redeems tendered points and earns points on the rest of the
// total. Earning needs an existing active account; redemption fails without
// one. The transaction header is updated with both figures.
func (s *SalesEngine) settleLoyalty(ctx context.Context, tx store.Tx, txn *domain.SalesTransaction, redeemPoints int, loyaltyValue decimal.Decimal) error {
	if txn.CustomerID == "" {
		return nil
	}
	if redeemPoints > 0 {
		if _, _, err := s.loyalty.Redeem(ctx, tx, txn.CustomerID, redeemPoints, "SALE_TENDER", txn.ID); err != nil {
			return err
		}
		txn.LoyaltyPointsRedeemed = redeemPoints
	} else {
		loyaltyValue = decimal.Zero
	}

	account, err := tx.LockLoyaltyAccount(ctx, txn.CustomerID)
	switch {
	case err == nil && account.IsActive:
		if points := s.loyalty.PointsFor(txn.TotalAmount.Sub(loyaltyValue), account.Tier); points > 0 {
			if _, _, err := s.loyalty.Earn(ctx, tx, txn.CustomerID, points, txn.ID, "PURCHASE"); err != nil {
				return err
			}
			txn.LoyaltyPointsEarned = points
		}
	case err == nil, store.KindOf(err) == store.KindNotFound:
	default:
		return err
	}

	if txn.LoyaltyPointsEarned == 0 && txn.LoyaltyPointsRedeemed == 0 {
		return nil
	}
	return tx.UpdateSalesTransaction(ctx, *txn)
}

func (s *SalesEngine) recordLoyalty(txn domain.SalesTransaction) {
	s.metrics.RecordLoyaltyPoints(domain.LoyaltyEntryEarn, txn.LoyaltyPointsEarned)
	s.metrics.RecordLoyaltyPoints(domain.LoyaltyEntryRedeem, txn.LoyaltyPointsRedeemed)
	s.metrics.RecordLoyaltyPoints(domain.LoyaltyEntryReversal, txn.LoyaltyPointsReversed)
}

// BeginCheckout reserves every line and persists a PENDING transaction with no
// payments. The reservations expire after the reservation TTL.
func (s *SalesEngine) BeginCheckout(ctx context.Context, req domain.SaleRequest) (domain.SalesTransaction, error) {
	if err := s.check(req); err != nil {
		return domain.SalesTransaction{}, err
	}
	if len(req.Payments) > 0 || req.RedeemPoints > 0 {
		return domain.SalesTransaction{}, store.Invalid("payments", "tendered when the checkout completes")
	}
	tierPct, err := s.tierPercent(ctx, req.CustomerID)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	lines, err := s.priceLines(ctx, req.Items, tierPct)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	userID := s.actorUserID(ctx, req.UserID)

	var result domain.SalesTransaction
	var rowIDs []string
	err = s.run(ctx, "begin_checkout", func(ctx context.Context, tx store.Tx) error {
		ids, err := resolveRows(ctx, tx, req.BranchID, lines)
		if err != nil {
			return err
		}
		if _, err := tx.LockStockRows(ctx, ids); err != nil {
			return err
		}

		txnID := xid.New("txn")
		items := make([]domain.SalesItem, len(lines))
		for i, line := range lines {
			items[i] = line.item
			items[i].TransactionID = txnID
			reservation, _, err := s.stock.Reserve(ctx, tx, domain.ReserveRequest{
				StockRowID:    items[i].StockRowID,
				TransactionID: txnID,
				Quantity:      items[i].Quantity,
				TTL:           s.reservationTTL,
			})
			if err != nil {
				return err
			}
			items[i].ReservationID = reservation.ID
		}

		number, err := s.nextNumber(ctx, tx, "TXN", req.TransactionNumber)
		if err != nil {
			return err
		}
		sum := sumItems(items)
		now := s.now()
		txn := domain.SalesTransaction{
			ID:                  txnID,
			TransactionNumber:   number,
			BranchID:            req.BranchID,
			CustomerID:          req.CustomerID,
			UserID:              userID,
			Type:                domain.TxTypeSale,
			Status:              domain.TxStatusPending,
			Subtotal:            sum.Subtotal,
			DiscountAmount:      sum.Discount,
			TaxAmount:           sum.Tax,
			TotalAmount:         sum.Total,
			AmountPaid:          decimal.Zero,
			ChangeGiven:         decimal.Zero,
			TierDiscountPercent: tierPct,
			Notes:               strings.TrimSpace(req.Notes),
			Items:               items,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := tx.CreateSalesTransaction(ctx, txn); err != nil {
			return err
		}
		result = txn
		rowIDs = ids
		return nil
	})
	if err != nil {
		return domain.SalesTransaction{}, err
	}

	s.audit.Record(ctx, result.BranchID, "checkout.begin", "sales_transaction", result.ID,
		fmt.Sprintf("number=%s total=%s", result.TransactionNumber, result.TotalAmount.StringFixed(2)))
	s.notify(ctx, rowIDs)
	return result, nil
}

// CompleteCheckout consumes a PENDING transaction's reservations, records the
// tenders and moves it to COMPLETED.
func (s *SalesEngine) CompleteCheckout(ctx context.Context, transactionID string, req domain.CompleteCheckoutRequest) (domain.SalesTransaction, error) {
	if err := s.check(req); err != nil {
		return domain.SalesTransaction{}, err
	}

	var result domain.SalesTransaction
	var rowIDs []string
	err := s.run(ctx, "complete_checkout", func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockSalesTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		txn := *locked
		if !domain.CanTransitionTransaction(txn.Status, domain.TxStatusCompleted) {
			return &store.StateTransitionError{Entity: "sales_transaction", ID: txn.ID, From: txn.Status, To: domain.TxStatusCompleted}
		}
		if req.RedeemPoints > 0 && txn.CustomerID == "" {
			return store.Invalid("redeem_points", "requires customer_id")
		}

		loyaltyValue := s.loyalty.RedemptionValue(req.RedeemPoints)
		payments, paid, change, err := s.buildPayments(req.Payments, loyaltyValue, req.RedeemPoints, txn.TotalAmount)
		if err != nil {
			return err
		}

		for _, item := range txn.Items {
			if item.ReservationID == "" {
				continue
			}
			if _, err := tx.LockReservation(ctx, item.ReservationID); err != nil {
				return err
			}
		}
		ids := make([]string, 0, len(txn.Items))
		for _, item := range txn.Items {
			ids = append(ids, item.StockRowID)
		}
		if _, err := tx.LockStockRows(ctx, ids); err != nil {
			return err
		}
		for _, item := range txn.Items {
			if _, _, err := s.stock.Debit(ctx, tx, domain.DebitRequest{
				StockRowID:      item.StockRowID,
				Quantity:        item.Quantity,
				ReservationID:   item.ReservationID,
				Reason:          "SALE",
				ReferenceNumber: txn.TransactionNumber,
				ActorUserID:     txn.UserID,
			}); err != nil {
				return err
			}
		}

		if err := tx.AddPayments(ctx, txn.ID, payments); err != nil {
			return err
		}
		now := s.now()
		txn.Status = domain.TxStatusCompleted
		txn.AmountPaid = paid
		txn.ChangeGiven = change
		txn.CompletedAt = &now
		txn.Payments = append(txn.Payments, payments...)
		if err := tx.UpdateSalesTransaction(ctx, txn); err != nil {
			return err
		}
		if err := s.settleLoyalty(ctx, tx, &txn, req.RedeemPoints, loyaltyValue); err != nil {
			return err
		}
		result = txn
		rowIDs = ids
		return nil
	})
	if err != nil {
		return domain.SalesTransaction{}, err
	}

	s.recordLoyalty(result)
	s.audit.Record(ctx, result.BranchID, "checkout.complete", "sales_transaction", result.ID,
		fmt.Sprintf("number=%s paid=%s", result.TransactionNumber, result.AmountPaid.StringFixed(2)))
	s.notify(ctx, rowIDs)
	return result, nil
}

// CancelTransaction releases a PENDING transaction's reservations and moves it
// to CANCELLED. Completed sales are reversed with ProcessReturn instead.
func (s *SalesEngine) CancelTransaction(ctx context.Context, transactionID string, req domain.CancelTransactionRequest) (domain.SalesTransaction, error) {
	if err := s.check(req); err != nil {
		return domain.SalesTransaction{}, err
	}
	var result domain.SalesTransaction
	var rowIDs []string
	err := s.run(ctx, "cancel_transaction", func(ctx context.Context, tx store.Tx) error {
		txn, ids, err := s.cancelLocked(ctx, tx, transactionID, req.Reason, domain.ReservationStatusReleased)
		if err != nil {
			return err
		}
		result = txn
		rowIDs = ids
		return nil
	})
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	s.audit.Record(ctx, result.BranchID, "sale.cancel", "sales_transaction", result.ID, "reason="+result.Reason)
	s.notify(ctx, rowIDs)
	return result, nil
}

// cancelLocked moves a PENDING transaction to CANCELLED, marking each ACTIVE
// reservation with releaseAs.
func (s *SalesEngine) cancelLocked(ctx context.Context, tx store.Tx, transactionID string, reason string, releaseAs string) (domain.SalesTransaction, []string, error) {
	locked, err := tx.LockSalesTransaction(ctx, transactionID)
	if err != nil {
		return domain.SalesTransaction{}, nil, err
	}
	txn := *locked
	if !domain.CanTransitionTransaction(txn.Status, domain.TxStatusCancelled) {
		return domain.SalesTransaction{}, nil, &store.StateTransitionError{Entity: "sales_transaction", ID: txn.ID, From: txn.Status, To: domain.TxStatusCancelled}
	}

	reservations, err := tx.ListReservationsByTransaction(ctx, txn.ID)
	if err != nil {
		return domain.SalesTransaction{}, nil, err
	}
	rowIDs, err := s.releaseReservations(ctx, tx, reservations, releaseAs, nil)
	if err != nil {
		return domain.SalesTransaction{}, nil, err
	}

	now := s.now()
	txn.Status = domain.TxStatusCancelled
	txn.CancelledAt = &now
	txn.Reason = strings.TrimSpace(reason)
	if err := tx.UpdateSalesTransaction(ctx, txn); err != nil {
		return domain.SalesTransaction{}, nil, err
	}
	return txn, rowIDs, nil
}

// releaseReservations locks every ACTIVE reservation accepted by due, then all
// of their stock rows in one ascending-id pass, and only then releases them.
// The returned row ids hold one entry per released reservation.
func (s *SalesEngine) releaseReservations(ctx context.Context, tx store.Tx, reservations []domain.Reservation, releaseAs string, due func(domain.Reservation) bool) ([]string, error) {
	held := make([]domain.Reservation, 0, len(reservations))
	for _, r := range reservations {
		locked, err := tx.LockReservation(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if locked.Status != domain.ReservationStatusActive || (due != nil && !due(*locked)) {
			continue
		}
		held = append(held, *locked)
	}
	if len(held) == 0 {
		return nil, nil
	}

	rowIDs := make([]string, 0, len(held))
	for _, r := range held {
		rowIDs = append(rowIDs, r.StockRowID)
	}
	if _, err := tx.LockStockRows(ctx, rowIDs); err != nil {
		return nil, err
	}
	for _, r := range held {
		if _, err := s.stock.ReleaseReservation(ctx, tx, r.ID, releaseAs); err != nil {
			return nil, err
		}
	}
	return rowIDs, nil
}
