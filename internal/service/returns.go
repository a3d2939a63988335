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

// returnPlan is the validated, priced set of lines coming back from one
// original transaction. Amounts are positive; the lines carry them negated.
type returnPlan struct {
	items         []domain.SalesItem
	rowIDs        []string
	gross         decimal.Decimal
	discount      decimal.Decimal
	tax           decimal.Decimal
	fullyReturned bool
	reversePoints int
}

func (p returnPlan) refund() decimal.Decimal {
	return p.gross.Sub(p.discount).Add(p.tax)
}

func returnable(item domain.SalesItem) bool {
	return item.OriginalItemID == "" && item.Quantity > 0 && !item.TotalPrice.IsNegative()
}

func requireReturnable(orig domain.SalesTransaction) error {
	if orig.Type == domain.TxTypeReturn || orig.Status != domain.TxStatusCompleted {
		return &store.StateTransitionError{Entity: "sales_transaction", ID: orig.ID, From: orig.Status, To: "RETURNED"}
	}
	return nil
}

// planReturn checks each requested quantity against what is still returnable
// and prices the returned lines. The return that completes a line takes the
// line's remaining discount and tax so the line nets to zero.
func (s *SalesEngine) planReturn(ctx context.Context, tx store.Tx, orig domain.SalesTransaction, reqs []domain.ReturnItemRequest, returnTxnID string) (returnPlan, error) {
	returned, err := tx.ReturnedLines(ctx, orig.ID)
	if err != nil {
		return returnPlan{}, err
	}

	var order []string
	requested := make(map[string]int)
	for _, r := range reqs {
		if r.Quantity <= 0 {
			return returnPlan{}, &store.InvalidQuantityError{Field: "items.quantity", Value: r.Quantity}
		}
		if _, seen := requested[r.OriginalItemID]; !seen {
			order = append(order, r.OriginalItemID)
		}
		requested[r.OriginalItemID] += r.Quantity
	}

	byID := make(map[string]domain.SalesItem, len(orig.Items))
	for _, item := range orig.Items {
		if returnable(item) {
			byID[item.ID] = item
		}
	}

	plan := returnPlan{gross: decimal.Zero, discount: decimal.Zero, tax: decimal.Zero}
	for _, id := range order {
		item, ok := byID[id]
		if !ok {
			return returnPlan{}, store.NotFound("sales_item", id)
		}
		qty := requested[id]
		prev := returned[id]
		if left := item.Quantity - prev.Quantity; qty > left {
			return returnPlan{}, &store.OverReturnError{OriginalItemID: id, Requested: qty, Returnable: left}
		}

		// The return that completes a line takes exactly what is left of it, so
		// all returns of a line add up to what the line charged.
		remaining := item.TotalPrice.Sub(prev.GrossAmount)
		var gross, discount, tax decimal.Decimal
		if prev.Quantity+qty == item.Quantity {
			gross = remaining
			discount = item.DiscountAmount.Sub(prev.DiscountAmount)
			tax = item.TaxAmount.Sub(prev.TaxAmount)
		} else {
			gross = decimal.Min(round2(item.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))), remaining)
			share := decimal.NewFromInt(int64(qty)).Div(decimal.NewFromInt(int64(item.Quantity)))
			discount = round2(item.DiscountAmount.Mul(share))
			tax = round2(item.TaxAmount.Mul(share))
		}

		plan.items = append(plan.items, domain.SalesItem{
			ID:             xid.New("item"),
			TransactionID:  returnTxnID,
			ProductID:      item.ProductID,
			VariationID:    item.VariationID,
			StockRowID:     item.StockRowID,
			OriginalItemID: item.ID,
			SKU:            item.SKU,
			Name:           item.Name,
			Quantity:       qty,
			UnitPrice:      item.UnitPrice,
			UnitCost:       item.UnitCost,
			DiscountAmount: discount.Neg(),
			TaxRate:        item.TaxRate,
			TaxAmount:      tax.Neg(),
			TotalPrice:     gross.Neg(),
		})
		plan.rowIDs = append(plan.rowIDs, item.StockRowID)
		plan.gross = plan.gross.Add(gross)
		plan.discount = plan.discount.Add(discount)
		plan.tax = plan.tax.Add(tax)
	}

	plan.fullyReturned = true
	origGross := decimal.Zero
	returnedGross := decimal.Zero
	for _, item := range byID {
		total := returned[item.ID].Quantity + requested[item.ID]
		if total < item.Quantity {
			plan.fullyReturned = false
		}
		origGross = origGross.Add(item.TotalPrice)
		returnedGross = returnedGross.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(total))))
	}

	if orig.CustomerID != "" && orig.LoyaltyPointsEarned > 0 {
		already, err := tx.ReturnedLoyaltyPoints(ctx, orig.ID)
		if err != nil {
			return returnPlan{}, err
		}
		target := orig.LoyaltyPointsEarned
		if !plan.fullyReturned && origGross.IsPositive() {
			target = int(decimal.NewFromInt(int64(orig.LoyaltyPointsEarned)).Mul(returnedGross).Div(origGross).Floor().IntPart())
		}
		if target > orig.LoyaltyPointsEarned {
			target = orig.LoyaltyPointsEarned
		}
		if target > already {
			plan.reversePoints = target - already
		}
	}
	return plan, nil
}

// creditReturn puts every returned line back on its stock row.
func (s *SalesEngine) creditReturn(ctx context.Context, tx store.Tx, plan returnPlan, reference string, userID string) error {
	for _, item := range plan.items {
		if _, _, err := s.stock.Credit(ctx, tx, domain.CreditRequest{
			StockRowID:      item.StockRowID,
			Quantity:        item.Quantity,
			UnitCost:        item.UnitCost,
			Reason:          "RETURN",
			ReferenceNumber: reference,
			ActorUserID:     userID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// closeOriginal reverses points owed back and marks the original REFUNDED
// once nothing is left to return.
func (s *SalesEngine) closeOriginal(ctx context.Context, tx store.Tx, orig domain.SalesTransaction, plan returnPlan, returnTxnID string) error {
	if plan.reversePoints > 0 {
		if _, _, err := s.loyalty.Reverse(ctx, tx, orig.CustomerID, plan.reversePoints, returnTxnID); err != nil {
			return err
		}
	}
	if !plan.fullyReturned {
		return nil
	}
	orig.Status = domain.TxStatusRefunded
	return tx.UpdateSalesTransaction(ctx, orig)
}

// ProcessReturn credits returned lines back to stock and persists a RETURN
// transaction linked to the original, all in one unit of work.
func (s *SalesEngine) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.SalesTransaction, error) {
	if err := s.check(req); err != nil {
		return domain.SalesTransaction{}, err
	}
	userID := s.actorUserID(ctx, req.UserID)

	var result domain.SalesTransaction
	var rowIDs []string
	err := s.run(ctx, "process_return", func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockSalesTransactionByNumber(ctx, req.OriginalTransactionNumber)
		if err != nil {
			return err
		}
		orig := *locked
		if err := requireReturnable(orig); err != nil {
			return err
		}

		returnID := xid.New("txn")
		plan, err := s.planReturn(ctx, tx, orig, req.Items, returnID)
		if err != nil {
			return err
		}
		if _, err := tx.LockStockRows(ctx, plan.rowIDs); err != nil {
			return err
		}
		number, err := s.nextNumber(ctx, tx, "RTN", "")
		if err != nil {
			return err
		}
		if err := s.creditReturn(ctx, tx, plan, number, userID); err != nil {
			return err
		}

		refund := plan.refund()
		var payments []domain.Payment
		if refund.IsPositive() {
			p, err := s.refundPayment(req.RefundPayment, refund)
			if err != nil {
				return err
			}
			payments = append(payments, p)
		}

		now := s.now()
		txn := domain.SalesTransaction{
			ID:                    returnID,
			TransactionNumber:     number,
			BranchID:              orig.BranchID,
			CustomerID:            orig.CustomerID,
			UserID:                userID,
			Type:                  domain.TxTypeReturn,
			Status:                domain.TxStatusCompleted,
			OriginalTransactionID: orig.ID,
			Subtotal:              plan.gross.Neg(),
			DiscountAmount:        plan.discount.Neg(),
			TaxAmount:             plan.tax.Neg(),
			TotalAmount:           refund.Neg(),
			AmountPaid:            refund.Neg(),
			ChangeGiven:           decimal.Zero,
			TierDiscountPercent:   orig.TierDiscountPercent,
			LoyaltyPointsReversed: plan.reversePoints,
			Reason:                strings.TrimSpace(req.Reason),
			Items:                 plan.items,
			Payments:              payments,
			CreatedAt:             now,
			UpdatedAt:             now,
			CompletedAt:           &now,
		}
		if err := tx.CreateSalesTransaction(ctx, txn); err != nil {
			return err
		}
		if err := s.closeOriginal(ctx, tx, orig, plan, returnID); err != nil {
			return err
		}
		result = txn
		rowIDs = plan.rowIDs
		return nil
	})
	if err != nil {
		return domain.SalesTransaction{}, err
	}

	s.recordLoyalty(result)
	s.audit.Record(ctx, result.BranchID, "sale.return", "sales_transaction", result.ID,
		fmt.Sprintf("original=%s refund=%s reason=%s", req.OriginalTransactionNumber, result.TotalAmount.Neg().StringFixed(2), result.Reason))
	s.notify(ctx, rowIDs)
	return result, nil
}

// ProcessExchange returns lines from an original transaction and sells new
// ones as a single EXCHANGE transaction. The customer pays the difference or
// is refunded it.
func (s *SalesEngine) ProcessExchange(ctx context.Context, req domain.ExchangeRequest) (domain.SalesTransaction, error) {
	if err := s.check(req); err != nil {
		return domain.SalesTransaction{}, err
	}
	snapshot, err := s.repo.GetSalesTransactionByNumber(ctx, req.OriginalTransactionNumber)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	tierPct, err := s.tierPercent(ctx, snapshot.CustomerID)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	lines, err := s.priceLines(ctx, req.NewItems, tierPct)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	userID := s.actorUserID(ctx, req.UserID)

	var result domain.SalesTransaction
	var rowIDs []string
	err = s.run(ctx, "process_exchange", func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockSalesTransactionByNumber(ctx, req.OriginalTransactionNumber)
		if err != nil {
			return err
		}
		orig := *locked
		if err := requireReturnable(orig); err != nil {
			return err
		}

		exchangeID := xid.New("txn")
		plan, err := s.planReturn(ctx, tx, orig, req.ReturnItems, exchangeID)
		if err != nil {
			return err
		}
		newRowIDs, err := resolveRows(ctx, tx, orig.BranchID, lines)
		if err != nil {
			return err
		}
		ids := append(append([]string(nil), plan.rowIDs...), newRowIDs...)
		if _, err := tx.LockStockRows(ctx, ids); err != nil {
			return err
		}
		number, err := s.nextNumber(ctx, tx, "EXC", "")
		if err != nil {
			return err
		}

		if err := s.creditReturn(ctx, tx, plan, number, userID); err != nil {
			return err
		}
		newItems := make([]domain.SalesItem, len(lines))
		for i, line := range lines {
			newItems[i] = line.item
			newItems[i].TransactionID = exchangeID
			if _, _, err := s.stock.Debit(ctx, tx, domain.DebitRequest{
				StockRowID:      newItems[i].StockRowID,
				Quantity:        newItems[i].Quantity,
				Reason:          "EXCHANGE",
				ReferenceNumber: number,
				ActorUserID:     userID,
			}); err != nil {
				return err
			}
		}

		newTotal := sumItems(newItems).Total
		net := newTotal.Sub(plan.refund())
		var payments []domain.Payment
		paid, change := decimal.Zero, decimal.Zero
		switch {
		case net.GreaterThan(s.tolerance):
			payments, paid, change, err = s.buildPayments(req.Payments, decimal.Zero, 0, net)
			if err != nil {
				return err
			}
		case len(req.Payments) > 0:
			return store.Invalid("payments", "nothing is due on this exchange")
		case net.IsNegative():
			p, err := s.refundPayment(req.RefundPayment, net.Neg())
			if err != nil {
				return err
			}
			payments = append(payments, p)
			paid = net
		}

		items := append(append([]domain.SalesItem(nil), plan.items...), newItems...)
		sum := sumItems(items)
		now := s.now()
		txn := domain.SalesTransaction{
			ID:                    exchangeID,
			TransactionNumber:     number,
			BranchID:              orig.BranchID,
			CustomerID:            orig.CustomerID,
			UserID:                userID,
			Type:                  domain.TxTypeExchange,
			Status:                domain.TxStatusCompleted,
			OriginalTransactionID: orig.ID,
			Subtotal:              sum.Subtotal,
			DiscountAmount:        sum.Discount,
			TaxAmount:             sum.Tax,
			TotalAmount:           sum.Total,
			AmountPaid:            paid,
			ChangeGiven:           change,
			TierDiscountPercent:   tierPct,
			LoyaltyPointsReversed: plan.reversePoints,
			Reason:                strings.TrimSpace(req.Reason),
			Items:                 items,
			Payments:              payments,
			CreatedAt:             now,
			UpdatedAt:             now,
			CompletedAt:           &now,
		}
		if err := tx.CreateSalesTransaction(ctx, txn); err != nil {
			return err
		}
		if err := s.closeOriginal(ctx, tx, orig, plan, exchangeID); err != nil {
			return err
		}
		if err := s.earnOnExchange(ctx, tx, &txn, newTotal); err != nil {
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
	s.audit.Record(ctx, result.BranchID, "sale.exchange", "sales_transaction", result.ID,
		fmt.Sprintf("original=%s net=%s", req.OriginalTransactionNumber, result.TotalAmount.StringFixed(2)))
	s.notify(ctx, rowIDs)
	return result, nil
}

// earnOnExchange earns points on the new lines only; the returned lines were
// reversed by closeOriginal.
func (s *SalesEngine) earnOnExchange(ctx context.Context, tx store.Tx, txn *domain.SalesTransaction, newTotal decimal.Decimal) error {
	if txn.CustomerID == "" {
		return nil
	}
	account, err := tx.LockLoyaltyAccount(ctx, txn.CustomerID)
	if store.KindOf(err) == store.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !account.IsActive {
		return nil
	}
	points := s.loyalty.PointsFor(newTotal, account.Tier)
	if points == 0 {
		return nil
	}
	if _, _, err := s.loyalty.Earn(ctx, tx, txn.CustomerID, points, txn.ID, "EXCHANGE"); err != nil {
		return err
	}
	txn.LoyaltyPointsEarned = points
	return tx.UpdateSalesTransaction(ctx, *txn)
}
