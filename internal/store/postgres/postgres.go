package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const defaultLockTimeout = 2 * time.Second

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Rows are serialized with
// explicit FOR UPDATE locks; waits longer than the lock timeout, deadlocks and
// serialization failures surface as store.ErrConcurrencyConflict.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapError(err)
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// UpsertProduct writes a catalog entry. It backs seeding and integration tests.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (product_id, variation_id, sku, name, current_price, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		ON CONFLICT (product_id, variation_id)
		DO UPDATE SET sku = EXCLUDED.sku, name = EXCLUDED.name, current_price = EXCLUDED.current_price,
			active = EXCLUDED.active, updated_at = now()
	`, p.ProductID, p.VariationID, p.SKU, p.Name, p.CurrentPrice, p.Active)
	return err
}

func (s *Store) LookupProduct(ctx context.Context, productID string, variationID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, variation_id, sku, name, current_price, active
		FROM products
		WHERE product_id = $1 AND variation_id IN ($2, '') AND active = true
		ORDER BY variation_id DESC
		LIMIT 1
	`, productID, variationID).Scan(&p.ProductID, &p.VariationID, &p.SKU, &p.Name, &p.CurrentPrice, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("product", productID)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetStockRow(ctx context.Context, id string) (*domain.StockRow, error) {
	return getStockRow(ctx, s.db, `WHERE id = $1`, id)
}

func (s *Store) FindStockRow(ctx context.Context, loc domain.StockLocation) (*domain.StockRow, error) {
	return findStockRow(ctx, s.db, loc)
}

func (s *Store) ListStockRows(ctx context.Context, filter domain.StockRowFilter) ([]domain.StockRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockRowColumns+`
		FROM stock_rows
		WHERE ($1 = '' OR branch_id = $1)
		  AND ($2 = '' OR warehouse_id = $2)
		  AND ($3 = '' OR product_id = $3)
		  AND ($4 OR status <> 'RETIRED')
		ORDER BY id
	`, filter.BranchID, filter.WarehouseID, filter.ProductID, filter.IncludeRetired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StockRow, 0, 64)
	for rows.Next() {
		row, err := scanStockRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *Store) ListLedgerEntries(ctx context.Context, stockRowID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stock_row_id, entry_type, quantity, quantity_before, quantity_after, unit_cost,
			reference_number, reason, COALESCE(counterparty_branch_id, ''), COALESCE(counterparty_warehouse_id, ''),
			actor_user_id, created_at
		FROM ledger_entries
		WHERE ($1 = '' OR stock_row_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, stockRowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.StockRowID, &e.Type, &e.Quantity, &e.QuantityBefore, &e.QuantityAfter, &e.UnitCost,
			&e.ReferenceNumber, &e.Reason, &e.CounterpartyBranchID, &e.CounterpartyWarehouseID, &e.ActorUserID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// conditions accumulates an AND-ed WHERE clause with numbered placeholders.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(clause string, arg any) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(c.args))))
}

func (c *conditions) addIf(ok bool, clause string, arg any) {
	if ok {
		c.add(clause, arg)
	}
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(c.clauses, " AND ")
}

// page appends LIMIT and OFFSET placeholders after the filter arguments.
func (c *conditions) page(limit int, offset int) (string, []any) {
	n := len(c.args)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2), append(append([]any(nil), c.args...), limit, offset)
}

func (s *Store) SearchLedgerEntries(ctx context.Context, filter domain.LedgerEntryFilter) (domain.LedgerEntryPage, error) {
	limit, offset := domain.NormalizePage(filter.Limit, filter.Offset)
	var c conditions
	c.addIf(filter.StockRowID != "", "e.stock_row_id = ?", filter.StockRowID)
	c.addIf(filter.ProductID != "", "r.product_id = ?", filter.ProductID)
	c.addIf(filter.BranchID != "", "r.branch_id = ?", filter.BranchID)
	c.addIf(filter.WarehouseID != "", "r.warehouse_id = ?", filter.WarehouseID)
	c.addIf(filter.Type != "", "e.entry_type = ?", filter.Type)
	c.addIf(filter.ActorUserID != "", "e.actor_user_id = ?", filter.ActorUserID)
	c.addIf(!filter.From.IsZero(), "e.created_at >= ?", filter.From)
	c.addIf(!filter.To.IsZero(), "e.created_at < ?", filter.To)
	from := `FROM ledger_entries e JOIN stock_rows r ON r.id = e.stock_row_id ` + c.where()

	page := domain.LedgerEntryPage{Entries: make([]domain.LedgerEntry, 0, limit), Limit: limit, Offset: offset}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+from, c.args...).Scan(&page.Total); err != nil {
		return domain.LedgerEntryPage{}, err
	}
	suffix, args := c.page(limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.stock_row_id, e.entry_type, e.quantity, e.quantity_before, e.quantity_after, e.unit_cost,
			e.reference_number, e.reason, COALESCE(e.counterparty_branch_id, ''), COALESCE(e.counterparty_warehouse_id, ''),
			e.actor_user_id, e.created_at
		`+from+` ORDER BY e.created_at DESC, e.id DESC`+suffix, args...)
	if err != nil {
		return domain.LedgerEntryPage{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.StockRowID, &e.Type, &e.Quantity, &e.QuantityBefore, &e.QuantityAfter, &e.UnitCost,
			&e.ReferenceNumber, &e.Reason, &e.CounterpartyBranchID, &e.CounterpartyWarehouseID, &e.ActorUserID, &e.CreatedAt); err != nil {
			return domain.LedgerEntryPage{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'ACTIVE' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Reservation, 0, 16)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) GetSalesTransaction(ctx context.Context, id string) (*domain.SalesTransaction, error) {
	return loadTransaction(ctx, s.db, `WHERE id = $1`, id, false)
}

func (s *Store) GetSalesTransactionByNumber(ctx context.Context, number string) (*domain.SalesTransaction, error) {
	return loadTransaction(ctx, s.db, `WHERE transaction_number = $1`, number, false)
}

func (s *Store) ListReturnTransactions(ctx context.Context, originalTransactionID string) ([]domain.SalesTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sales_transactions WHERE original_transaction_id = $1 ORDER BY created_at
	`, originalTransactionID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]domain.SalesTransaction, 0, len(ids))
	for _, id := range ids {
		tx, err := s.GetSalesTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, *tx)
	}
	return result, nil
}

func (s *Store) SearchTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.TransactionPage, error) {
	limit, offset := domain.NormalizePage(filter.Limit, filter.Offset)
	var c conditions
	c.addIf(filter.BranchID != "", "branch_id = ?", filter.BranchID)
	c.addIf(filter.CustomerID != "", "customer_id = ?", filter.CustomerID)
	c.addIf(filter.UserID != "", "user_id = ?", filter.UserID)
	c.addIf(filter.Type != "", "transaction_type = ?", filter.Type)
	c.addIf(filter.Status != "", "status = ?", filter.Status)
	c.addIf(!filter.From.IsZero(), "created_at >= ?", filter.From)
	c.addIf(!filter.To.IsZero(), "created_at < ?", filter.To)

	page := domain.TransactionPage{Transactions: make([]domain.SalesTransaction, 0, limit), Limit: limit, Offset: offset}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales_transactions `+c.where(), c.args...).Scan(&page.Total); err != nil {
		return domain.TransactionPage{}, err
	}
	suffix, args := c.page(limit, offset)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sales_transactions `+c.where()+` ORDER BY created_at DESC, id DESC`+suffix, args...)
	if err != nil {
		return domain.TransactionPage{}, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.TransactionPage{}, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.TransactionPage{}, err
	}
	for _, id := range ids {
		txn, err := loadTransaction(ctx, s.db, `WHERE id = $1`, id, false)
		if err != nil {
			return domain.TransactionPage{}, err
		}
		page.Transactions = append(page.Transactions, *txn)
	}
	return page, nil
}

func (s *Store) GetLoyaltyAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	return getLoyaltyAccount(ctx, s.db, customerID, false)
}

func (s *Store) ListLoyaltyEntries(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, entry_type, points, balance_after, reason, COALESCE(sales_transaction_id, ''),
			transaction_date, expiration_date
		FROM loyalty_ledger_entries
		WHERE customer_id = $1
		ORDER BY transaction_date DESC, id DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LoyaltyEntry, 0, 16)
	for rows.Next() {
		var e domain.LoyaltyEntry
		var expires sql.NullTime
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Type, &e.Points, &e.BalanceAfter, &e.Reason, &e.SalesTransactionID,
			&e.TransactionDate, &expires); err != nil {
			return nil, err
		}
		e.ExpirationDate = timePtr(expires)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.LowStockAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stock_row_id, product_id, variation_id, branch_id, warehouse_id, sku, product_name,
			available_quantity, threshold, severity, status, raised_at, last_notified_at, resolved_at
		FROM low_stock_alerts
		WHERE ($1 = '' OR branch_id = $1)
		  AND ($2 = '' OR warehouse_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY raised_at
	`, filter.BranchID, filter.WarehouseID, filter.Status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.LowStockAlert, 0, 16)
	for rows.Next() {
		var a domain.LowStockAlert
		var notified, resolved sql.NullTime
		if err := rows.Scan(&a.ID, &a.StockRowID, &a.ProductID, &a.VariationID, &a.BranchID, &a.WarehouseID, &a.SKU, &a.ProductName,
			&a.AvailableQuantity, &a.Threshold, &a.Severity, &a.Status, &a.RaisedAt, &notified, &resolved); err != nil {
			return nil, err
		}
		a.LastNotifiedAt = timePtr(notified)
		a.ResolvedAt = timePtr(resolved)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *Store) SaveAlert(ctx context.Context, alert domain.LowStockAlert) error {
	if alert.ID == "" {
		alert.ID = xid.New("alert")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO low_stock_alerts (
			id, stock_row_id, product_id, variation_id, branch_id, warehouse_id, sku, product_name,
			available_quantity, threshold, severity, status, raised_at, last_notified_at, resolved_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			available_quantity = EXCLUDED.available_quantity,
			threshold = EXCLUDED.threshold,
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			last_notified_at = EXCLUDED.last_notified_at,
			resolved_at = EXCLUDED.resolved_at
	`, alert.ID, alert.StockRowID, alert.ProductID, alert.VariationID, alert.BranchID, alert.WarehouseID, alert.SKU, alert.ProductName,
		alert.AvailableQuantity, alert.Threshold, alert.Severity, alert.Status, alert.RaisedAt,
		nullTime(alert.LastNotifiedAt), nullTime(alert.ResolvedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open alert for row %s: %w", alert.StockRowID, store.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_user_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 32)
	for rows.Next() {
		var l domain.AuditLog
		if err := rows.Scan(&l.ID, &l.BranchID, &l.ActorUserID, &l.ActorRole, &l.Action, &l.EntityType, &l.EntityID, &l.Detail, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// mapError translates lock and serialization failures into
// store.ErrConcurrencyConflict so callers can retry.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%s (%s): %w", pgErr.Message, pgErr.Code, store.ErrConcurrencyConflict)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time
	return &t
}
