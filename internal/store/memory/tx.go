package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

// WithinTx runs fn against a staging area. Writes become visible only when fn
// returns nil and ctx is still live; every lock is released on the way out.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemTx(s)
	defer tx.releaseAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s     *Store
	held  map[string]bool
	order []string

	stockRows      map[string]domain.StockRow
	newLocations   map[string]string
	ledger         []domain.LedgerEntry
	reservations   map[string]domain.Reservation
	transactions   map[string]domain.SalesTransaction
	newNumbers     map[string]string
	payments       map[string][]domain.Payment
	sequences      map[string]int64
	loyalty        map[string]domain.LoyaltyAccount
	cards          map[string]string
	loyaltyEntries []domain.LoyaltyEntry
	auditLogs      []domain.AuditLog
}

func newMemTx(s *Store) *memTx {
	return &memTx{
		s:            s,
		held:         make(map[string]bool),
		stockRows:    make(map[string]domain.StockRow),
		newLocations: make(map[string]string),
		reservations: make(map[string]domain.Reservation),
		transactions: make(map[string]domain.SalesTransaction),
		newNumbers:   make(map[string]string),
		payments:     make(map[string][]domain.Payment),
		sequences:    make(map[string]int64),
		loyalty:      make(map[string]domain.LoyaltyAccount),
		cards:        make(map[string]string),
	}
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) requireHeld(key string) error {
	if !t.held[key] {
		return fmt.Errorf("write to %s without holding its lock", key)
	}
	return nil
}

func (t *memTx) releaseAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.locks.release(t.order[i])
	}
	t.order = nil
	t.held = map[string]bool{}
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, row := range t.stockRows {
		s.stockRows[id] = row
	}
	for key, id := range t.newLocations {
		s.stockByLocation[key] = id
	}
	s.ledgerEntries = append(s.ledgerEntries, t.ledger...)
	for id, r := range t.reservations {
		s.reservations[id] = r
	}
	for id, tx := range t.transactions {
		s.transactions[id] = tx
	}
	for number, id := range t.newNumbers {
		s.transactionsByNumber[number] = id
	}
	for id, payments := range t.payments {
		tx := s.transactions[id]
		tx.Payments = append(tx.Payments, payments...)
		s.transactions[id] = tx
	}
	for name, value := range t.sequences {
		s.sequences[name] = value
	}
	for id, account := range t.loyalty {
		s.loyalty[id] = account
	}
	for card, id := range t.cards {
		s.loyaltyByCard[card] = id
	}
	s.loyaltyEntries = append(s.loyaltyEntries, t.loyaltyEntries...)
	s.auditLogs = append(s.auditLogs, t.auditLogs...)
}

func (t *memTx) readStockRow(id string) (domain.StockRow, bool) {
	if row, ok := t.stockRows[id]; ok {
		return row, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	row, ok := t.s.stockRows[id]
	return row, ok
}

func (t *memTx) GetStockRow(_ context.Context, id string) (*domain.StockRow, error) {
	row, ok := t.readStockRow(id)
	if !ok {
		return nil, store.NotFound("stock_row", id)
	}
	return &row, nil
}

func (t *memTx) FindStockRowByLocation(ctx context.Context, loc domain.StockLocation) (*domain.StockRow, error) {
	key := loc.Key()
	id, ok := t.newLocations[key]
	if !ok {
		t.s.mu.RLock()
		id, ok = t.s.stockByLocation[key]
		t.s.mu.RUnlock()
	}
	if !ok {
		return nil, store.NotFound("stock_row", key)
	}
	return t.GetStockRow(ctx, id)
}

func (t *memTx) LockStockRows(ctx context.Context, ids []string) (map[string]domain.StockRow, error) {
	sorted := uniqueSorted(ids)
	rows := make(map[string]domain.StockRow, len(sorted))
	for _, id := range sorted {
		if err := t.lock(ctx, "stock:"+id); err != nil {
			return nil, err
		}
		row, ok := t.readStockRow(id)
		if !ok {
			return nil, store.NotFound("stock_row", id)
		}
		rows[id] = row
	}
	return rows, nil
}

func (t *memTx) CreateStockRow(ctx context.Context, row domain.StockRow) (*domain.StockRow, error) {
	key := row.Location().Key()
	if err := t.lock(ctx, "stockloc:"+key); err != nil {
		return nil, err
	}
	if _, err := t.FindStockRowByLocation(ctx, row.Location()); err == nil {
		return nil, fmt.Errorf("stock row at %s: %w", key, store.ErrDuplicate)
	}
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
	if err := t.lock(ctx, "stock:"+row.ID); err != nil {
		return nil, err
	}
	t.stockRows[row.ID] = row
	t.newLocations[key] = row.ID
	return &row, nil
}

func (t *memTx) UpdateStockRow(_ context.Context, row domain.StockRow) error {
	if err := t.requireHeld("stock:" + row.ID); err != nil {
		return err
	}
	if row.QuantityOnHand < 0 || row.ReservedQuantity < 0 || row.ReservedQuantity > row.QuantityOnHand {
		return fmt.Errorf("stock row %s on_hand=%d reserved=%d: %w", row.ID, row.QuantityOnHand, row.ReservedQuantity, store.ErrInvalidQuantity)
	}
	row.UpdatedAt = time.Now().UTC()
	t.stockRows[row.ID] = row
	return nil
}

func (t *memTx) AppendLedgerEntry(_ context.Context, entry domain.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.ledger = append(t.ledger, entry)
	return nil
}

func (t *memTx) readReservation(id string) (domain.Reservation, bool) {
	if r, ok := t.reservations[id]; ok {
		return r, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.reservations[id]
	return r, ok
}

func (t *memTx) CreateReservation(ctx context.Context, reservation domain.Reservation) error {
	if reservation.ID == "" {
		reservation.ID = xid.New("res")
	}
	if err := t.lock(ctx, "res:"+reservation.ID); err != nil {
		return err
	}
	if _, exists := t.readReservation(reservation.ID); exists {
		return fmt.Errorf("reservation %s: %w", reservation.ID, store.ErrDuplicate)
	}
	t.reservations[reservation.ID] = reservation
	return nil
}

func (t *memTx) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if err := t.lock(ctx, "res:"+id); err != nil {
		return nil, err
	}
	r, ok := t.readReservation(id)
	if !ok {
		return nil, store.NotFound("reservation", id)
	}
	return &r, nil
}

func (t *memTx) ListReservationsByTransaction(_ context.Context, transactionID string) ([]domain.Reservation, error) {
	byID := make(map[string]domain.Reservation)
	t.s.mu.RLock()
	for id, r := range t.s.reservations {
		if r.TransactionID == transactionID {
			byID[id] = r
		}
	}
	t.s.mu.RUnlock()
	for id, r := range t.reservations {
		if r.TransactionID == transactionID {
			byID[id] = r
		}
	}
	result := make([]domain.Reservation, 0, len(byID))
	for _, r := range byID {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (t *memTx) UpdateReservation(_ context.Context, reservation domain.Reservation) error {
	if err := t.requireHeld("res:" + reservation.ID); err != nil {
		return err
	}
	reservation.UpdatedAt = time.Now().UTC()
	t.reservations[reservation.ID] = reservation
	return nil
}

func (t *memTx) NextSequence(ctx context.Context, name string) (int64, error) {
	if err := t.lock(ctx, "seq:"+name); err != nil {
		return 0, err
	}
	current, ok := t.sequences[name]
	if !ok {
		t.s.mu.RLock()
		current = t.s.sequences[name]
		t.s.mu.RUnlock()
	}
	current++
	t.sequences[name] = current
	return current, nil
}

func (t *memTx) resolveNumber(number string) (string, bool) {
	if id, ok := t.newNumbers[number]; ok {
		return id, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.transactionsByNumber[number]
	return id, ok
}

func (t *memTx) TransactionNumberExists(_ context.Context, number string) (bool, error) {
	_, ok := t.resolveNumber(number)
	return ok, nil
}

func (t *memTx) readTransaction(id string) (domain.SalesTransaction, bool) {
	if tx, ok := t.transactions[id]; ok {
		return cloneTransaction(tx), true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tx, ok := t.s.transactions[id]
	if !ok {
		return domain.SalesTransaction{}, false
	}
	return cloneTransaction(tx), true
}

func (t *memTx) CreateSalesTransaction(ctx context.Context, tx domain.SalesTransaction) error {
	if err := t.lock(ctx, "txnum:"+tx.TransactionNumber); err != nil {
		return err
	}
	if _, exists := t.resolveNumber(tx.TransactionNumber); exists {
		return &store.DuplicateTransactionNumberError{Number: tx.TransactionNumber}
	}
	if tx.ID == "" {
		tx.ID = xid.New("txn")
	}
	if err := t.lock(ctx, "sales:"+tx.ID); err != nil {
		return err
	}
	t.transactions[tx.ID] = cloneTransaction(tx)
	t.newNumbers[tx.TransactionNumber] = tx.ID
	return nil
}

func (t *memTx) LockSalesTransaction(ctx context.Context, id string) (*domain.SalesTransaction, error) {
	if err := t.lock(ctx, "sales:"+id); err != nil {
		return nil, err
	}
	tx, ok := t.readTransaction(id)
	if !ok {
		return nil, store.NotFound("sales_transaction", id)
	}
	tx.Payments = append(tx.Payments, t.payments[id]...)
	t.s.mu.RLock()
	tx.ReturnTransactionIDs = linkedReturnIDs(t.s.transactions, t.transactions, id)
	t.s.mu.RUnlock()
	return &tx, nil
}

func (t *memTx) LockSalesTransactionByNumber(ctx context.Context, number string) (*domain.SalesTransaction, error) {
	id, ok := t.resolveNumber(number)
	if !ok {
		return nil, store.NotFound("sales_transaction", number)
	}
	return t.LockSalesTransaction(ctx, id)
}

// UpdateSalesTransaction rewrites header fields. Items are immutable once
// created and payments only grow through AddPayments.
func (t *memTx) UpdateSalesTransaction(_ context.Context, tx domain.SalesTransaction) error {
	if err := t.requireHeld("sales:" + tx.ID); err != nil {
		return err
	}
	current, ok := t.readTransaction(tx.ID)
	if !ok {
		return store.NotFound("sales_transaction", tx.ID)
	}
	tx.Items = current.Items
	tx.Payments = current.Payments
	tx.UpdatedAt = time.Now().UTC()
	t.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (t *memTx) AddPayments(_ context.Context, transactionID string, payments []domain.Payment) error {
	if err := t.requireHeld("sales:" + transactionID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range payments {
		if p.ID == "" {
			p.ID = xid.New("pay")
		}
		p.TransactionID = transactionID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		t.payments[transactionID] = append(t.payments[transactionID], p)
	}
	return nil
}

func (t *memTx) returnsOf(originalTransactionID string) []domain.SalesTransaction {
	byID := make(map[string]domain.SalesTransaction)
	t.s.mu.RLock()
	for id, tx := range t.s.transactions {
		if tx.OriginalTransactionID == originalTransactionID {
			byID[id] = tx
		}
	}
	t.s.mu.RUnlock()
	for id, tx := range t.transactions {
		if tx.OriginalTransactionID == originalTransactionID {
			byID[id] = tx
		}
	}
	result := make([]domain.SalesTransaction, 0, len(byID))
	for _, tx := range byID {
		if tx.Status == domain.TxStatusCompleted {
			result = append(result, tx)
		}
	}
	return result
}

func (t *memTx) ReturnedLines(_ context.Context, originalTransactionID string) (map[string]domain.ReturnedLine, error) {
	lines := make(map[string]domain.ReturnedLine)
	for _, tx := range t.returnsOf(originalTransactionID) {
		for _, item := range tx.Items {
			if item.OriginalItemID == "" {
				continue
			}
			line := lines[item.OriginalItemID]
			line.Quantity += item.Quantity
			line.GrossAmount = line.GrossAmount.Add(item.TotalPrice.Abs())
			line.DiscountAmount = line.DiscountAmount.Add(item.DiscountAmount.Abs())
			line.TaxAmount = line.TaxAmount.Add(item.TaxAmount.Abs())
			lines[item.OriginalItemID] = line
		}
	}
	return lines, nil
}

func (t *memTx) ReturnedLoyaltyPoints(_ context.Context, originalTransactionID string) (int, error) {
	total := 0
	for _, tx := range t.returnsOf(originalTransactionID) {
		total += tx.LoyaltyPointsReversed
	}
	return total, nil
}

func (t *memTx) readLoyalty(customerID string) (domain.LoyaltyAccount, bool) {
	if account, ok := t.loyalty[customerID]; ok {
		return account, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	account, ok := t.s.loyalty[customerID]
	return account, ok
}

func (t *memTx) LockLoyaltyAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	if err := t.lock(ctx, "loyalty:"+customerID); err != nil {
		return nil, err
	}
	account, ok := t.readLoyalty(customerID)
	if !ok {
		return nil, store.NotFound("loyalty_account", customerID)
	}
	return &account, nil
}

func (t *memTx) CreateLoyaltyAccount(ctx context.Context, account domain.LoyaltyAccount) error {
	if err := t.lock(ctx, "loyalty:"+account.CustomerID); err != nil {
		return err
	}
	if _, exists := t.readLoyalty(account.CustomerID); exists {
		return fmt.Errorf("loyalty account %s: %w", account.CustomerID, store.ErrDuplicate)
	}
	if account.LoyaltyCardNumber != "" {
		if err := t.lock(ctx, "card:"+account.LoyaltyCardNumber); err != nil {
			return err
		}
		_, staged := t.cards[account.LoyaltyCardNumber]
		t.s.mu.RLock()
		_, committed := t.s.loyaltyByCard[account.LoyaltyCardNumber]
		t.s.mu.RUnlock()
		if staged || committed {
			return fmt.Errorf("loyalty card %s: %w", account.LoyaltyCardNumber, store.ErrDuplicate)
		}
		t.cards[account.LoyaltyCardNumber] = account.CustomerID
	}
	t.loyalty[account.CustomerID] = account
	return nil
}

func (t *memTx) UpdateLoyaltyAccount(_ context.Context, account domain.LoyaltyAccount) error {
	if err := t.requireHeld("loyalty:" + account.CustomerID); err != nil {
		return err
	}
	if account.PointsBalance < 0 {
		return fmt.Errorf("loyalty account %s balance %d: %w", account.CustomerID, account.PointsBalance, store.ErrInsufficientPoints)
	}
	account.UpdatedAt = time.Now().UTC()
	t.loyalty[account.CustomerID] = account
	return nil
}

func (t *memTx) AppendLoyaltyEntry(_ context.Context, entry domain.LoyaltyEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("lpe")
	}
	if entry.TransactionDate.IsZero() {
		entry.TransactionDate = time.Now().UTC()
	}
	t.loyaltyEntries = append(t.loyaltyEntries, entry)
	return nil
}

func (t *memTx) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.auditLogs = append(t.auditLogs, entry)
	return nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
