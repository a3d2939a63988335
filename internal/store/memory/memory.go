package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

const defaultLockTimeout = 2 * time.Second

type Store struct {
	mu          sync.RWMutex
	locks       *lockTable
	lockTimeout time.Duration

	products             map[string]domain.Product
	stockRows            map[string]domain.StockRow
	stockByLocation      map[string]string
	ledgerEntries        []domain.LedgerEntry
	reservations         map[string]domain.Reservation
	transactions         map[string]domain.SalesTransaction
	transactionsByNumber map[string]string
	sequences            map[string]int64
	loyalty              map[string]domain.LoyaltyAccount
	loyaltyByCard        map[string]string
	loyaltyEntries       []domain.LoyaltyEntry
	alerts               map[string]domain.LowStockAlert
	auditLogs            []domain.AuditLog
}

type Option func(*Store)

// WithLockTimeout bounds how long a unit of work waits for a contended row
// before failing with store.ErrConcurrencyConflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		locks:                newLockTable(),
		lockTimeout:          defaultLockTimeout,
		products:             make(map[string]domain.Product),
		stockRows:            make(map[string]domain.StockRow),
		stockByLocation:      make(map[string]string),
		reservations:         make(map[string]domain.Reservation),
		transactions:         make(map[string]domain.SalesTransaction),
		transactionsByNumber: make(map[string]string),
		sequences:            make(map[string]int64),
		loyalty:              make(map[string]domain.LoyaltyAccount),
		loyaltyByCard:        make(map[string]string),
		alerts:               make(map[string]domain.LowStockAlert),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSeeded returns a store with a small demo catalog stocked at two branches.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)

	products := []domain.Product{
		{ProductID: "prod-tshirt", VariationID: "var-tshirt-m", SKU: "TS-BASIC-M", Name: "Basic Tee M", CurrentPrice: decimal.RequireFromString("79000"), Active: true},
		{ProductID: "prod-tshirt", VariationID: "var-tshirt-l", SKU: "TS-BASIC-L", Name: "Basic Tee L", CurrentPrice: decimal.RequireFromString("79000"), Active: true},
		{ProductID: "prod-jeans", VariationID: "var-jeans-32", SKU: "JN-SLIM-32", Name: "Slim Jeans 32", CurrentPrice: decimal.RequireFromString("349000"), Active: true},
		{ProductID: "prod-jacket", SKU: "JK-DENIM", Name: "Denim Jacket", CurrentPrice: decimal.RequireFromString("599000"), Active: true},
		{ProductID: "prod-socks", SKU: "SK-ANKLE", Name: "Ankle Socks", CurrentPrice: decimal.RequireFromString("25000"), Active: true},
	}
	for _, p := range products {
		s.PutProduct(p)
	}

	now := time.Now().UTC()
	seed := []struct {
		productID   string
		variationID string
		branchID    string
		warehouseID string
		qty         int
		cost        string
	}{
		{"prod-tshirt", "var-tshirt-m", "branch-jkt", "", 40, "42000"},
		{"prod-tshirt", "var-tshirt-l", "branch-jkt", "", 25, "42000"},
		{"prod-jeans", "var-jeans-32", "branch-jkt", "", 12, "180000"},
		{"prod-jacket", "", "branch-jkt", "", 6, "310000"},
		{"prod-socks", "", "branch-jkt", "", 90, "9000"},
		{"prod-tshirt", "var-tshirt-m", "branch-jkt", "wh-jkt-central", 200, "42000"},
		{"prod-tshirt", "var-tshirt-m", "branch-bdg", "", 8, "42000"},
		{"prod-jeans", "var-jeans-32", "branch-bdg", "", 4, "180000"},
	}
	for _, r := range seed {
		row := domain.StockRow{
			ID:             xid.New("row"),
			ProductID:      r.productID,
			VariationID:    r.variationID,
			BranchID:       r.branchID,
			WarehouseID:    r.warehouseID,
			QuantityOnHand: r.qty,
			UnitCost:       decimal.RequireFromString(r.cost),
			Status:         domain.StockRowStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.PutStockRow(row)
	}
	return s
}

// PutProduct registers a catalog entry. It is meant for seeding and tests.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productKey(p.ProductID, p.VariationID)] = p
}

// PutStockRow writes a row directly, bypassing the ledger. It is meant for
// seeding and tests; an id is assigned when empty.
func (s *Store) PutStockRow(row domain.StockRow) domain.StockRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = xid.New("row")
	}
	if row.Status == "" {
		row.Status = domain.StockRowStatusActive
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
		row.UpdatedAt = row.CreatedAt
	}
	s.stockRows[row.ID] = row
	s.stockByLocation[row.Location().Key()] = row.ID
	return row
}

func (s *Store) LookupProduct(_ context.Context, productID string, variationID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productKey(productID, variationID)]
	if !ok {
		p, ok = s.products[productKey(productID, "")]
	}
	if !ok || !p.Active {
		return nil, store.NotFound("product", productID)
	}
	return &p, nil
}

func (s *Store) GetStockRow(_ context.Context, id string) (*domain.StockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.stockRows[id]
	if !ok {
		return nil, store.NotFound("stock_row", id)
	}
	return &row, nil
}

func (s *Store) FindStockRow(_ context.Context, loc domain.StockLocation) (*domain.StockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.stockByLocation[loc.Key()]
	if !ok {
		return nil, store.NotFound("stock_row", loc.Key())
	}
	row := s.stockRows[id]
	return &row, nil
}

func (s *Store) ListStockRows(_ context.Context, filter domain.StockRowFilter) ([]domain.StockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]domain.StockRow, 0, len(s.stockRows))
	for _, row := range s.stockRows {
		if filter.Matches(row) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, stockRowID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]domain.LedgerEntry, 0, 16)
	for i := len(s.ledgerEntries) - 1; i >= 0; i-- {
		entry := s.ledgerEntries[i]
		if stockRowID != "" && entry.StockRowID != stockRowID {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) SearchLedgerEntries(_ context.Context, filter domain.LedgerEntryFilter) (domain.LedgerEntryPage, error) {
	limit, offset := domain.NormalizePage(filter.Limit, filter.Offset)
	s.mu.RLock()
	defer s.mu.RUnlock()
	page := domain.LedgerEntryPage{Entries: make([]domain.LedgerEntry, 0, limit), Limit: limit, Offset: offset}
	for i := len(s.ledgerEntries) - 1; i >= 0; i-- {
		entry := s.ledgerEntries[i]
		if !filter.Matches(entry, s.stockRows[entry.StockRowID]) {
			continue
		}
		if page.Total >= offset && len(page.Entries) < limit {
			page.Entries = append(page.Entries, entry)
		}
		page.Total++
	}
	return page, nil
}

func (s *Store) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expired := make([]domain.Reservation, 0, 8)
	for _, r := range s.reservations {
		if r.Status == domain.ReservationStatusActive && !r.ExpiresAt.After(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *Store) GetSalesTransaction(_ context.Context, id string) (*domain.SalesTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, store.NotFound("sales_transaction", id)
	}
	clone := cloneTransaction(tx)
	clone.ReturnTransactionIDs = linkedReturnIDs(s.transactions, nil, id)
	return &clone, nil
}

// linkedReturnIDs lists every transaction naming originalID as its original,
// oldest first. Entries in staged shadow committed ones.
func linkedReturnIDs(committed map[string]domain.SalesTransaction, staged map[string]domain.SalesTransaction, originalID string) []string {
	byID := make(map[string]domain.SalesTransaction)
	for id, tx := range committed {
		if tx.OriginalTransactionID == originalID {
			byID[id] = tx
		}
	}
	for id, tx := range staged {
		if tx.OriginalTransactionID == originalID {
			byID[id] = tx
		}
	}
	if len(byID) == 0 {
		return nil
	}
	linked := make([]domain.SalesTransaction, 0, len(byID))
	for _, tx := range byID {
		linked = append(linked, tx)
	}
	sort.Slice(linked, func(i, j int) bool {
		if linked[i].CreatedAt.Equal(linked[j].CreatedAt) {
			return linked[i].ID < linked[j].ID
		}
		return linked[i].CreatedAt.Before(linked[j].CreatedAt)
	})
	ids := make([]string, 0, len(linked))
	for _, tx := range linked {
		ids = append(ids, tx.ID)
	}
	return ids
}

func (s *Store) GetSalesTransactionByNumber(ctx context.Context, number string) (*domain.SalesTransaction, error) {
	s.mu.RLock()
	id, ok := s.transactionsByNumber[number]
	s.mu.RUnlock()
	if !ok {
		return nil, store.NotFound("sales_transaction", number)
	}
	return s.GetSalesTransaction(ctx, id)
}

func (s *Store) ListReturnTransactions(_ context.Context, originalTransactionID string) ([]domain.SalesTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.SalesTransaction, 0, 2)
	for _, tx := range s.transactions {
		if tx.OriginalTransactionID == originalTransactionID {
			result = append(result, cloneTransaction(tx))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) SearchTransactions(_ context.Context, filter domain.TransactionFilter) (domain.TransactionPage, error) {
	limit, offset := domain.NormalizePage(filter.Limit, filter.Offset)
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]domain.SalesTransaction, 0, 16)
	for _, tx := range s.transactions {
		if filter.Matches(tx) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	page := domain.TransactionPage{Transactions: []domain.SalesTransaction{}, Total: len(matched), Limit: limit, Offset: offset}
	for i := offset; i < len(matched) && len(page.Transactions) < limit; i++ {
		clone := cloneTransaction(matched[i])
		clone.ReturnTransactionIDs = linkedReturnIDs(s.transactions, nil, clone.ID)
		page.Transactions = append(page.Transactions, clone)
	}
	return page, nil
}

func (s *Store) GetLoyaltyAccount(_ context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.loyalty[customerID]
	if !ok {
		return nil, store.NotFound("loyalty_account", customerID)
	}
	return &account, nil
}

func (s *Store) ListLoyaltyEntries(_ context.Context, customerID string, limit int) ([]domain.LoyaltyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]domain.LoyaltyEntry, 0, 8)
	for i := len(s.loyaltyEntries) - 1; i >= 0; i-- {
		if s.loyaltyEntries[i].CustomerID != customerID {
			continue
		}
		entries = append(entries, s.loyaltyEntries[i])
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) ListAlerts(_ context.Context, filter domain.AlertFilter) ([]domain.LowStockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alerts := make([]domain.LowStockAlert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if filter.Matches(alert) {
			alerts = append(alerts, alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].RaisedAt.Before(alerts[j].RaisedAt) })
	return alerts, nil
}

func (s *Store) SaveAlert(_ context.Context, alert domain.LowStockAlert) error {
	if alert.ID == "" {
		alert.ID = xid.New("alert")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.Status == domain.AlertStatusOpen {
		for id, existing := range s.alerts {
			if id != alert.ID && existing.StockRowID == alert.StockRowID && existing.Status == domain.AlertStatusOpen {
				return fmt.Errorf("open alert for row %s: %w", alert.StockRowID, store.ErrDuplicate)
			}
		}
	}
	s.alerts[alert.ID] = alert
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func productKey(productID string, variationID string) string {
	return productID + "|" + variationID
}

func cloneTransaction(tx domain.SalesTransaction) domain.SalesTransaction {
	clone := tx
	clone.Items = append([]domain.SalesItem(nil), tx.Items...)
	clone.Payments = append([]domain.Payment(nil), tx.Payments...)
	clone.ReturnTransactionIDs = append([]string(nil), tx.ReturnTransactionIDs...)
	if tx.CompletedAt != nil {
		at := *tx.CompletedAt
		clone.CompletedAt = &at
	}
	if tx.CancelledAt != nil {
		at := *tx.CancelledAt
		clone.CancelledAt = &at
	}
	return clone
}
