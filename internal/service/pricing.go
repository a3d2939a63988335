package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

var hundred = decimal.NewFromInt(100)

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

type totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

func (t totals) add(item domain.SalesItem) totals {
	t.Subtotal = t.Subtotal.Add(item.TotalPrice)
	t.Discount = t.Discount.Add(item.DiscountAmount)
	t.Tax = t.Tax.Add(item.TaxAmount)
	t.Total = t.Subtotal.Add(t.Tax).Sub(t.Discount)
	return t
}

func sumItems(items []domain.SalesItem) totals {
	var t totals
	for _, item := range items {
		t = t.add(item)
	}
	return t
}

// pricedLine is a sale line resolved against the catalog but not yet bound to
// a stock row.
type pricedLine struct {
	req     domain.SaleItemRequest
	product domain.Product
	item    domain.SalesItem
}

// priceLines resolves each requested line and computes its amounts. The line
// gross is TotalPrice; the tier discount applies to what is left after the
// requested discount, and tax applies after both.
func (s *SalesEngine) priceLines(ctx context.Context, reqs []domain.SaleItemRequest, tierPercent decimal.Decimal) ([]pricedLine, error) {
	lines := make([]pricedLine, 0, len(reqs))
	for _, req := range reqs {
		if req.Quantity <= 0 {
			return nil, &store.InvalidQuantityError{Field: "items.quantity", Value: req.Quantity}
		}
		product, err := s.catalog.LookupProduct(ctx, req.ProductID, req.VariationID)
		if err != nil {
			return nil, err
		}
		unitPrice := req.UnitPrice
		if !unitPrice.IsPositive() {
			unitPrice = product.CurrentPrice
		}

		qty := decimal.NewFromInt(int64(req.Quantity))
		gross := round2(unitPrice.Mul(qty))
		if req.DiscountAmount.GreaterThan(gross) {
			return nil, store.Invalid("items.discount_amount", "exceeds line amount")
		}
		discount := req.DiscountAmount
		if tierPercent.IsPositive() {
			discount = discount.Add(round2(gross.Sub(req.DiscountAmount).Mul(tierPercent).Div(hundred)))
		}
		tax := round2(gross.Sub(discount).Mul(req.TaxRate).Div(hundred))

		lines = append(lines, pricedLine{
			req:     req,
			product: *product,
			item: domain.SalesItem{
				ID:             xid.New("item"),
				ProductID:      req.ProductID,
				VariationID:    req.VariationID,
				SKU:            product.SKU,
				Name:           product.Name,
				Quantity:       req.Quantity,
				UnitPrice:      unitPrice,
				DiscountAmount: discount,
				TaxRate:        req.TaxRate,
				TaxAmount:      tax,
				TotalPrice:     gross,
			},
		})
	}
	return lines, nil
}

// tierPercent snapshots the customer's tier discount at sale time. Unknown or
// inactive customers get none.
func (s *SalesEngine) tierPercent(ctx context.Context, customerID string) (decimal.Decimal, error) {
	if customerID == "" {
		return decimal.Zero, nil
	}
	account, err := s.repo.GetLoyaltyAccount(ctx, customerID)
	if err != nil {
		if store.KindOf(err) == store.KindNotFound {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	if !account.IsActive {
		return decimal.Zero, nil
	}
	return s.loyalty.DiscountPercent(account.Tier), nil
}

// resolveRows binds each line to the stock row it sells from. A line without
// a row at the branch is short by its whole quantity.
func resolveRows(ctx context.Context, tx store.Tx, branchID string, lines []pricedLine) ([]string, error) {
	ids := make([]string, 0, len(lines))
	for i := range lines {
		line := &lines[i]
		var row *domain.StockRow
		var err error
		if line.req.StockRowID != "" {
			row, err = tx.GetStockRow(ctx, line.req.StockRowID)
			if err != nil {
				return nil, err
			}
			if row.ProductID != line.req.ProductID || row.VariationID != line.req.VariationID {
				return nil, store.Invalid("items.stock_row_id", "stock row holds a different product")
			}
		} else {
			row, err = tx.FindStockRowByLocation(ctx, domain.StockLocation{
				ProductID:   line.req.ProductID,
				VariationID: line.req.VariationID,
				BranchID:    branchID,
			})
			if store.KindOf(err) == store.KindNotFound {
				return nil, &store.InsufficientStockError{ProductID: line.req.ProductID, Requested: line.req.Quantity}
			}
			if err != nil {
				return nil, err
			}
		}
		line.item.StockRowID = row.ID
		line.item.UnitCost = row.UnitCost
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// buildPayments turns tenders into payments and checks they cover due. Points
// redeemed become a LOYALTY payment. Change is only given from cash.
func (s *SalesEngine) buildPayments(reqs []domain.PaymentRequest, loyaltyValue decimal.Decimal, redeemPoints int, due decimal.Decimal) ([]domain.Payment, decimal.Decimal, decimal.Decimal, error) {
	now := s.now()
	payments := make([]domain.Payment, 0, len(reqs)+1)
	paid := decimal.Zero
	cash := decimal.Zero
	for _, req := range reqs {
		if !req.Amount.IsPositive() {
			return nil, decimal.Zero, decimal.Zero, store.Invalid("payments.amount", "must be positive")
		}
		if req.Method != domain.PaymentCash && strings.TrimSpace(req.ReferenceNumber) == "" {
			return nil, decimal.Zero, decimal.Zero, store.Invalid("payments.reference_number", "required for non-cash tender")
		}
		currency := req.Currency
		if currency == "" {
			currency = defaultCurrency
		}
		amount := round2(req.Amount)
		payments = append(payments, domain.Payment{
			ID:                xid.New("pay"),
			Method:            req.Method,
			Amount:            amount,
			Currency:          strings.ToUpper(currency),
			ReferenceNumber:   strings.TrimSpace(req.ReferenceNumber),
			AuthorizationCode: req.AuthorizationCode,
			CardLastFour:      req.CardLastFour,
			Approved:          req.Method == domain.PaymentCash || req.AuthorizationCode != "",
			CreatedAt:         now,
		})
		paid = paid.Add(amount)
		if req.Method == domain.PaymentCash {
			cash = cash.Add(amount)
		}
	}
	if redeemPoints > 0 {
		payments = append(payments, domain.Payment{
			ID:              xid.New("pay"),
			Method:          domain.PaymentLoyalty,
			Amount:          loyaltyValue,
			Currency:        defaultCurrency,
			ReferenceNumber: "POINTS",
			Approved:        true,
			CreatedAt:       now,
		})
		paid = paid.Add(loyaltyValue)
	}

	if paid.Add(s.tolerance).LessThan(due) {
		return nil, decimal.Zero, decimal.Zero, &store.PaymentShortfallError{Total: due, Paid: paid}
	}
	change := decimal.Zero
	if over := paid.Sub(due); over.IsPositive() {
		if over.GreaterThan(cash.Add(s.tolerance)) {
			return nil, decimal.Zero, decimal.Zero, store.Invalid("payments", "non-cash tenders exceed the amount due")
		}
		change = decimal.Min(over, cash)
	}
	return payments, paid, change, nil
}

// refundPayment is the negative payment recording money handed back.
func (s *SalesEngine) refundPayment(req *domain.PaymentRequest, amount decimal.Decimal) (domain.Payment, error) {
	method := domain.PaymentCash
	var reference, currency string
	if req != nil {
		if err := s.check(req); err != nil {
			return domain.Payment{}, err
		}
		method = req.Method
		reference = strings.TrimSpace(req.ReferenceNumber)
		currency = req.Currency
	}
	if method != domain.PaymentCash && reference == "" {
		return domain.Payment{}, store.Invalid("refund_payment.reference_number", "required for non-cash tender")
	}
	if currency == "" {
		currency = defaultCurrency
	}
	return domain.Payment{
		ID:              xid.New("pay"),
		Method:          method,
		Amount:          amount.Neg(),
		Currency:        strings.ToUpper(currency),
		ReferenceNumber: reference,
		Approved:        true,
		CreatedAt:       s.now(),
	}, nil
}
