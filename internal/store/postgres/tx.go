package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const stockRowColumns = `id, product_id, variation_id, branch_id, warehouse_id, quantity_on_hand, reserved_quantity,
	unit_cost, low_stock_threshold, status, created_at, updated_at`

const reservationColumns = `id, stock_row_id, transaction_id, quantity, status, expires_at, created_at, updated_at`

func scanStockRow(sc rowScanner) (domain.StockRow, error) {
	var row domain.StockRow
	var threshold sql.NullInt64
	err := sc.Scan(&row.ID, &row.ProductID, &row.VariationID, &row.BranchID, &row.WarehouseID, &row.QuantityOnHand,
		&row.ReservedQuantity, &row.UnitCost, &threshold, &row.Status, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return row, err
	}
	if threshold.Valid {
		v := int(threshold.Int64)
		row.LowStockThreshold = &v
	}
	return row, nil
}

func scanReservation(sc rowScanner) (domain.Reservation, error) {
	var r domain.Reservation
	err := sc.Scan(&r.ID, &r.StockRowID, &r.TransactionID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func getStockRow(ctx context.Context, q queryer, where string, args ...any) (*domain.StockRow, error) {
	row, err := scanStockRow(q.QueryRowContext(ctx, `SELECT `+stockRowColumns+` FROM stock_rows `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("stock_row", fmt.Sprint(args...))
		}
		return nil, err
	}
	return &row, nil
}

func findStockRow(ctx context.Context, q queryer, loc domain.StockLocation) (*domain.StockRow, error) {
	row, err := getStockRow(ctx, q, `WHERE product_id = $1 AND variation_id = $2 AND branch_id = $3 AND warehouse_id = $4`,
		loc.ProductID, loc.VariationID, loc.BranchID, loc.WarehouseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.NotFound("stock_row", loc.Key())
	}
	return row, err
}

func getLoyaltyAccount(ctx context.Context, q queryer, customerID string, forUpdate bool) (*domain.LoyaltyAccount, error) {
	query := `
		SELECT customer_id, COALESCE(loyalty_card_number, ''), points_balance, total_earned, total_redeemed,
			points_shortfall, tier, is_active, joined_at, last_activity_at, last_upgrade_at, updated_at
		FROM loyalty_accounts
		WHERE customer_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var a domain.LoyaltyAccount
	var upgraded sql.NullTime
	err := q.QueryRowContext(ctx, query, customerID).Scan(&a.CustomerID, &a.LoyaltyCardNumber, &a.PointsBalance, &a.TotalEarned,
		&a.TotalRedeemed, &a.PointsShortfall, &a.Tier, &a.IsActive, &a.JoinedAt, &a.LastActivityAt, &upgraded, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("loyalty_account", customerID)
		}
		return nil, err
	}
	a.LastUpgradeAt = timePtr(upgraded)
	return &a, nil
}

func loadTransaction(ctx context.Context, q queryer, where string, arg string, forUpdate bool) (*domain.SalesTransaction, error) {
	query := `
		SELECT id, transaction_number, branch_id, COALESCE(customer_id, ''), user_id, transaction_type, status,
			COALESCE(original_transaction_id, ''), subtotal, discount_amount, tax_amount, total_amount, amount_paid,
			change_given, tier_discount_percent, loyalty_points_earned, loyalty_points_redeemed, loyalty_points_reversed,
			reason, notes, created_at, updated_at, completed_at, cancelled_at
		FROM sales_transactions ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var tx domain.SalesTransaction
	var completed, cancelled sql.NullTime
	err := q.QueryRowContext(ctx, query, arg).Scan(&tx.ID, &tx.TransactionNumber, &tx.BranchID, &tx.CustomerID, &tx.UserID,
		&tx.Type, &tx.Status, &tx.OriginalTransactionID, &tx.Subtotal, &tx.DiscountAmount, &tx.TaxAmount, &tx.TotalAmount,
		&tx.AmountPaid, &tx.ChangeGiven, &tx.TierDiscountPercent, &tx.LoyaltyPointsEarned, &tx.LoyaltyPointsRedeemed,
		&tx.LoyaltyPointsReversed, &tx.Reason, &tx.Notes, &tx.CreatedAt, &tx.UpdatedAt, &completed, &cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("sales_transaction", arg)
		}
		return nil, err
	}
	tx.CompletedAt = timePtr(completed)
	tx.CancelledAt = timePtr(cancelled)

	items, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, variation_id, stock_row_id, COALESCE(original_item_id, ''),
			COALESCE(reservation_id, ''), sku, name, quantity, unit_price, unit_cost, discount_amount, tax_rate,
			tax_amount, total_price
		FROM sales_transaction_items
		WHERE transaction_id = $1
		ORDER BY line_no
	`, tx.ID)
	if err != nil {
		return nil, err
	}
	for items.Next() {
		var it domain.SalesItem
		if err := items.Scan(&it.ID, &it.TransactionID, &it.ProductID, &it.VariationID, &it.StockRowID, &it.OriginalItemID,
			&it.ReservationID, &it.SKU, &it.Name, &it.Quantity, &it.UnitPrice, &it.UnitCost, &it.DiscountAmount, &it.TaxRate,
			&it.TaxAmount, &it.TotalPrice); err != nil {
			items.Close()
			return nil, err
		}
		tx.Items = append(tx.Items, it)
	}
	items.Close()
	if err := items.Err(); err != nil {
		return nil, err
	}

	payments, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, method, amount, currency, reference_number, authorization_code, card_last_four,
			approved, created_at
		FROM sales_transaction_payments
		WHERE transaction_id = $1
		ORDER BY created_at, id
	`, tx.ID)
	if err != nil {
		return nil, err
	}
	for payments.Next() {
		var p domain.Payment
		if err := payments.Scan(&p.ID, &p.TransactionID, &p.Method, &p.Amount, &p.Currency, &p.ReferenceNumber,
			&p.AuthorizationCode, &p.CardLastFour, &p.Approved, &p.CreatedAt); err != nil {
			payments.Close()
			return nil, err
		}
		tx.Payments = append(tx.Payments, p)
	}
	payments.Close()
	if err := payments.Err(); err != nil {
		return nil, err
	}

	returns, err := q.QueryContext(ctx, `
		SELECT id FROM sales_transactions WHERE original_transaction_id = $1 ORDER BY created_at
	`, tx.ID)
	if err != nil {
		return nil, err
	}
	for returns.Next() {
		var id string
		if err := returns.Scan(&id); err != nil {
			returns.Close()
			return nil, err
		}
		tx.ReturnTransactionIDs = append(tx.ReturnTransactionIDs, id)
	}
	returns.Close()
	return &tx, returns.Err()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetStockRow(ctx context.Context, id string) (*domain.StockRow, error) {
	return getStockRow(ctx, t.tx, `WHERE id = $1`, id)
}

func (t *pgTx) FindStockRowByLocation(ctx context.Context, loc domain.StockLocation) (*domain.StockRow, error) {
	return findStockRow(ctx, t.tx, loc)
}

func (t *pgTx) LockStockRows(ctx context.Context, ids []string) (map[string]domain.StockRow, error) {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+stockRowColumns+`
		FROM stock_rows
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, sorted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.StockRow, len(sorted))
	for rows.Next() {
		row, err := scanStockRow(rows)
		if err != nil {
			return nil, err
		}
		result[row.ID] = row
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range sorted {
		if _, ok := result[id]; !ok {
			return nil, store.NotFound("stock_row", id)
		}
	}
	return result, nil
}

func (t *pgTx) CreateStockRow(ctx context.Context, row domain.StockRow) (*domain.StockRow, error) {
	if row.ID == "" {
		row.ID = xid.New("row")
	}
	if row.Status == "" {
		row.Status = domain.StockRowStatusActive
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	var threshold any
	if row.LowStockThreshold != nil {
		threshold = *row.LowStockThreshold
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_rows (
			id, product_id, variation_id, branch_id, warehouse_id, quantity_on_hand, reserved_quantity,
			unit_cost, low_stock_threshold, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, row.ID, row.ProductID, row.VariationID, row.BranchID, row.WarehouseID, row.QuantityOnHand, row.ReservedQuantity,
		row.UnitCost, threshold, row.Status, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("stock row at %s: %w", row.Location().Key(), store.ErrDuplicate)
		}
		return nil, err
	}
	return &row, nil
}

func (t *pgTx) UpdateStockRow(ctx context.Context, row domain.StockRow) error {
	if row.QuantityOnHand < 0 || row.ReservedQuantity < 0 || row.ReservedQuantity > row.QuantityOnHand {
		return fmt.Errorf("stock row %s on_hand=%d reserved=%d: %w", row.ID, row.QuantityOnHand, row.ReservedQuantity, store.ErrInvalidQuantity)
	}
	var threshold any
	if row.LowStockThreshold != nil {
		threshold = *row.LowStockThreshold
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_rows
		SET quantity_on_hand = $2, reserved_quantity = $3, unit_cost = $4, low_stock_threshold = $5,
			status = $6, updated_at = now()
		WHERE id = $1
	`, row.ID, row.QuantityOnHand, row.ReservedQuantity, row.UnitCost, threshold, row.Status)
	if err != nil {
		return err
	}
	return requireAffected(res, "stock_row", row.ID)
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	if e.ID == "" {
		e.ID = xid.New("led")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, stock_row_id, entry_type, quantity, quantity_before, quantity_after, unit_cost,
			reference_number, reason, counterparty_branch_id, counterparty_warehouse_id, actor_user_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.ID, e.StockRowID, e.Type, e.Quantity, e.QuantityBefore, e.QuantityAfter, e.UnitCost,
		e.ReferenceNumber, e.Reason, nullIfEmpty(e.CounterpartyBranchID), nullIfEmpty(e.CounterpartyWarehouseID),
		e.ActorUserID, e.CreatedAt)
	return err
}

func (t *pgTx) CreateReservation(ctx context.Context, r domain.Reservation) error {
	if r.ID == "" {
		r.ID = xid.New("res")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, stock_row_id, transaction_id, quantity, status, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.StockRowID, r.TransactionID, r.Quantity, r.Status, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("reservation %s: %w", r.ID, store.ErrDuplicate)
	}
	return err
}

func (t *pgTx) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("reservation", id)
		}
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) ListReservationsByTransaction(ctx context.Context, transactionID string) ([]domain.Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE transaction_id = $1 ORDER BY id
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Reservation, 0, 8)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (t *pgTx) UpdateReservation(ctx context.Context, r domain.Reservation) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations SET status = $2, quantity = $3, updated_at = now() WHERE id = $1
	`, r.ID, r.Status, r.Quantity)
	if err != nil {
		return err
	}
	return requireAffected(res, "reservation", r.ID)
}

func (t *pgTx) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO transaction_sequences (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = transaction_sequences.value + 1
		RETURNING value
	`, name).Scan(&value)
	return value, err
}

func (t *pgTx) TransactionNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales_transactions WHERE transaction_number = $1)`, number).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateSalesTransaction(ctx context.Context, tx domain.SalesTransaction) error {
	if tx.ID == "" {
		tx.ID = xid.New("txn")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales_transactions (
			id, transaction_number, branch_id, customer_id, user_id, transaction_type, status, original_transaction_id,
			subtotal, discount_amount, tax_amount, total_amount, amount_paid, change_given, tier_discount_percent,
			loyalty_points_earned, loyalty_points_redeemed, loyalty_points_reversed, reason, notes,
			created_at, updated_at, completed_at, cancelled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`, tx.ID, tx.TransactionNumber, tx.BranchID, nullIfEmpty(tx.CustomerID), tx.UserID, tx.Type, tx.Status,
		nullIfEmpty(tx.OriginalTransactionID), tx.Subtotal, tx.DiscountAmount, tx.TaxAmount, tx.TotalAmount, tx.AmountPaid,
		tx.ChangeGiven, tx.TierDiscountPercent, tx.LoyaltyPointsEarned, tx.LoyaltyPointsRedeemed, tx.LoyaltyPointsReversed,
		tx.Reason, tx.Notes, tx.CreatedAt, tx.UpdatedAt, nullTime(tx.CompletedAt), nullTime(tx.CancelledAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &store.DuplicateTransactionNumberError{Number: tx.TransactionNumber}
		}
		return err
	}

	for i, it := range tx.Items {
		if it.ID == "" {
			it.ID = xid.New("item")
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sales_transaction_items (
				id, transaction_id, line_no, product_id, variation_id, stock_row_id, original_item_id, reservation_id,
				sku, name, quantity, unit_price, unit_cost, discount_amount, tax_rate, tax_amount, total_price
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		`, it.ID, tx.ID, i+1, it.ProductID, it.VariationID, it.StockRowID, nullIfEmpty(it.OriginalItemID),
			nullIfEmpty(it.ReservationID), it.SKU, it.Name, it.Quantity, it.UnitPrice, it.UnitCost, it.DiscountAmount,
			it.TaxRate, it.TaxAmount, it.TotalPrice); err != nil {
			return err
		}
	}
	return t.AddPayments(ctx, tx.ID, tx.Payments)
}

func (t *pgTx) LockSalesTransaction(ctx context.Context, id string) (*domain.SalesTransaction, error) {
	return loadTransaction(ctx, t.tx, `WHERE id = $1`, id, true)
}

func (t *pgTx) LockSalesTransactionByNumber(ctx context.Context, number string) (*domain.SalesTransaction, error) {
	return loadTransaction(ctx, t.tx, `WHERE transaction_number = $1`, number, true)
}

func (t *pgTx) UpdateSalesTransaction(ctx context.Context, tx domain.SalesTransaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales_transactions
		SET status = $2, customer_id = $3, subtotal = $4, discount_amount = $5, tax_amount = $6, total_amount = $7,
			amount_paid = $8, change_given = $9, tier_discount_percent = $10, loyalty_points_earned = $11,
			loyalty_points_redeemed = $12, loyalty_points_reversed = $13, reason = $14, notes = $15,
			completed_at = $16, cancelled_at = $17, updated_at = now()
		WHERE id = $1
	`, tx.ID, tx.Status, nullIfEmpty(tx.CustomerID), tx.Subtotal, tx.DiscountAmount, tx.TaxAmount, tx.TotalAmount,
		tx.AmountPaid, tx.ChangeGiven, tx.TierDiscountPercent, tx.LoyaltyPointsEarned, tx.LoyaltyPointsRedeemed,
		tx.LoyaltyPointsReversed, tx.Reason, tx.Notes, nullTime(tx.CompletedAt), nullTime(tx.CancelledAt))
	if err != nil {
		return err
	}
	return requireAffected(res, "sales_transaction", tx.ID)
}

func (t *pgTx) AddPayments(ctx context.Context, transactionID string, payments []domain.Payment) error {
	now := time.Now().UTC()
	for _, p := range payments {
		if p.ID == "" {
			p.ID = xid.New("pay")
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sales_transaction_payments (
				id, transaction_id, method, amount, currency, reference_number, authorization_code, card_last_four,
				approved, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, p.ID, transactionID, p.Method, p.Amount, p.Currency, p.ReferenceNumber, p.AuthorizationCode, p.CardLastFour,
			p.Approved, p.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) ReturnedLines(ctx context.Context, originalTransactionID string) (map[string]domain.ReturnedLine, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT i.original_item_id, SUM(i.quantity), SUM(ABS(i.total_price)), SUM(ABS(i.discount_amount)), SUM(ABS(i.tax_amount))
		FROM sales_transaction_items i
		JOIN sales_transactions r ON r.id = i.transaction_id
		WHERE r.original_transaction_id = $1 AND r.status = 'COMPLETED' AND i.original_item_id IS NOT NULL
		GROUP BY i.original_item_id
	`, originalTransactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make(map[string]domain.ReturnedLine)
	for rows.Next() {
		var id string
		var line domain.ReturnedLine
		if err := rows.Scan(&id, &line.Quantity, &line.GrossAmount, &line.DiscountAmount, &line.TaxAmount); err != nil {
			return nil, err
		}
		lines[id] = line
	}
	return lines, rows.Err()
}

func (t *pgTx) ReturnedLoyaltyPoints(ctx context.Context, originalTransactionID string) (int, error) {
	var total int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(loyalty_points_reversed), 0)
		FROM sales_transactions
		WHERE original_transaction_id = $1 AND status = 'COMPLETED'
	`, originalTransactionID).Scan(&total)
	return total, err
}

func (t *pgTx) LockLoyaltyAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	return getLoyaltyAccount(ctx, t.tx, customerID, true)
}

func (t *pgTx) CreateLoyaltyAccount(ctx context.Context, a domain.LoyaltyAccount) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO loyalty_accounts (
			customer_id, loyalty_card_number, points_balance, total_earned, total_redeemed, points_shortfall, tier,
			is_active, joined_at, last_activity_at, last_upgrade_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
	`, a.CustomerID, nullIfEmpty(a.LoyaltyCardNumber), a.PointsBalance, a.TotalEarned, a.TotalRedeemed, a.PointsShortfall,
		a.Tier, a.IsActive, a.JoinedAt, a.LastActivityAt, nullTime(a.LastUpgradeAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("loyalty account %s: %w", a.CustomerID, store.ErrDuplicate)
	}
	return err
}

func (t *pgTx) UpdateLoyaltyAccount(ctx context.Context, a domain.LoyaltyAccount) error {
	if a.PointsBalance < 0 {
		return fmt.Errorf("loyalty account %s balance %d: %w", a.CustomerID, a.PointsBalance, store.ErrInsufficientPoints)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE loyalty_accounts
		SET points_balance = $2, total_earned = $3, total_redeemed = $4, points_shortfall = $5, tier = $6,
			is_active = $7, last_activity_at = $8, last_upgrade_at = $9, updated_at = now()
		WHERE customer_id = $1
	`, a.CustomerID, a.PointsBalance, a.TotalEarned, a.TotalRedeemed, a.PointsShortfall, a.Tier, a.IsActive,
		a.LastActivityAt, nullTime(a.LastUpgradeAt))
	if err != nil {
		return err
	}
	return requireAffected(res, "loyalty_account", a.CustomerID)
}

func (t *pgTx) AppendLoyaltyEntry(ctx context.Context, e domain.LoyaltyEntry) error {
	if e.ID == "" {
		e.ID = xid.New("lpe")
	}
	if e.TransactionDate.IsZero() {
		e.TransactionDate = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO loyalty_ledger_entries (
			id, customer_id, entry_type, points, balance_after, reason, sales_transaction_id, transaction_date, expiration_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.CustomerID, e.Type, e.Points, e.BalanceAfter, e.Reason, nullIfEmpty(e.SalesTransactionID),
		e.TransactionDate, nullTime(e.ExpirationDate))
	return err
}

func (t *pgTx) CreateAuditLog(ctx context.Context, l domain.AuditLog) error {
	if l.ID == "" {
		l.ID = xid.New("audit")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_user_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, l.ID, l.BranchID, l.ActorUserID, l.ActorRole, l.Action, l.EntityType, l.EntityID, l.Detail, l.CreatedAt)
	return err
}

func requireAffected(res sql.Result, entity string, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.NotFound(entity, id)
	}
	return nil
}
