package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/audit"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/metrics"
	"nationalpos/backend/internal/retry"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

const DefaultReservationTTL = 15 * time.Minute

type Config struct {
	ReservationTTL time.Duration
	Retry          retry.Policy
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Ledger owns every stock row mutation. The methods taking a store.Tx are the
// primitives the sales engine composes inside its own unit of work; the
// *Stock methods in operations.go wrap one primitive in a retried unit.
type Ledger struct {
	repo           store.Repository
	retry          retry.Policy
	audit          *audit.Recorder
	metrics        *metrics.Metrics
	log            *logrus.Entry
	reservationTTL time.Duration
	now            func() time.Time
}

func New(repo store.Repository, cfg Config) *Ledger {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	log := logging.Module(cfg.Logger, "ledger")
	return &Ledger{
		repo:           repo,
		retry:          cfg.Retry,
		audit:          audit.NewRecorder(repo, log),
		metrics:        cfg.Metrics,
		log:            log,
		reservationTTL: cfg.ReservationTTL,
		now:            cfg.Now,
	}
}

func (l *Ledger) lockRow(ctx context.Context, tx store.Tx, id string) (domain.StockRow, error) {
	rows, err := tx.LockStockRows(ctx, []string{id})
	if err != nil {
		return domain.StockRow{}, err
	}
	return rows[id], nil
}

func requireActive(row domain.StockRow, action string) error {
	if row.Status == domain.StockRowStatusRetired {
		return &store.StateTransitionError{Entity: "stock_row", ID: row.ID, From: row.Status, To: action}
	}
	return nil
}

func requirePositive(field string, qty int) error {
	if qty <= 0 {
		return &store.InvalidQuantityError{Field: field, Value: qty}
	}
	return nil
}

func insufficient(row domain.StockRow, requested int) error {
	return &store.InsufficientStockError{
		StockRowID: row.ID,
		ProductID:  row.ProductID,
		Requested:  requested,
		Available:  row.AvailableQuantity(),
	}
}

// Reserve holds qty of the row's available quantity until the reservation is
// consumed by Debit, released, or expires.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, req domain.ReserveRequest) (domain.Reservation, domain.StockRow, error) {
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return domain.Reservation{}, domain.StockRow{}, err
	}
	row, err := l.lockRow(ctx, tx, req.StockRowID)
	if err != nil {
		return domain.Reservation{}, domain.StockRow{}, err
	}
	if err := requireActive(row, "RESERVE"); err != nil {
		return domain.Reservation{}, domain.StockRow{}, err
	}
	if row.AvailableQuantity() < req.Quantity {
		return domain.Reservation{}, domain.StockRow{}, insufficient(row, req.Quantity)
	}

	row.ReservedQuantity += req.Quantity
	if err := tx.UpdateStockRow(ctx, row); err != nil {
		return domain.Reservation{}, domain.StockRow{}, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = l.reservationTTL
	}
	now := l.now()
	reservation := domain.Reservation{
		ID:            xid.New("res"),
		StockRowID:    row.ID,
		TransactionID: req.TransactionID,
		Quantity:      req.Quantity,
		Status:        domain.ReservationStatusActive,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.CreateReservation(ctx, reservation); err != nil {
		return domain.Reservation{}, domain.StockRow{}, err
	}
	return reservation, row, nil
}

// Release gives back reserved quantity without a reservation record. The
// reserved count never drops below zero.
func (l *Ledger) Release(ctx context.Context, tx store.Tx, stockRowID string, qty int) (domain.StockRow, error) {
	if err := requirePositive("quantity", qty); err != nil {
		return domain.StockRow{}, err
	}
	row, err := l.lockRow(ctx, tx, stockRowID)
	if err != nil {
		return domain.StockRow{}, err
	}
	row.ReservedQuantity -= qty
	if row.ReservedQuantity < 0 {
		row.ReservedQuantity = 0
	}
	if err := tx.UpdateStockRow(ctx, row); err != nil {
		return domain.StockRow{}, err
	}
	return row, nil
}

// ReleaseReservation moves an ACTIVE reservation to RELEASED or EXPIRED and
// returns its quantity to the row.
func (l *Ledger) ReleaseReservation(ctx context.Context, tx store.Tx, reservationID string, status string) (domain.Reservation, error) {
	reservation, err := tx.LockReservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !domain.CanTransitionReservation(reservation.Status, status) || status == domain.ReservationStatusConsumed {
		return domain.Reservation{}, &store.StateTransitionError{Entity: "reservation", ID: reservation.ID, From: reservation.Status, To: status}
	}
	if _, err := l.Release(ctx, tx, reservation.StockRowID, reservation.Quantity); err != nil {
		return domain.Reservation{}, err
	}
	reservation.Status = status
	reservation.UpdatedAt = l.now()
	if err := tx.UpdateReservation(ctx, *reservation); err != nil {
		return domain.Reservation{}, err
	}
	return *reservation, nil
}

// Debit removes qty from the row and writes an OUT entry. With a reservation
// the held quantity is consumed instead of the free quantity.
func (l *Ledger) Debit(ctx context.Context, tx store.Tx, req domain.DebitRequest) (domain.StockRow, domain.LedgerEntry, error) {
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}

	var reservation *domain.Reservation
	if req.ReservationID != "" {
		r, err := tx.LockReservation(ctx, req.ReservationID)
		if err != nil {
			return domain.StockRow{}, domain.LedgerEntry{}, err
		}
		if r.StockRowID != req.StockRowID {
			return domain.StockRow{}, domain.LedgerEntry{}, store.Invalid("reservation_id", "reservation belongs to another stock row")
		}
		if r.Status != domain.ReservationStatusActive {
			return domain.StockRow{}, domain.LedgerEntry{}, &store.StateTransitionError{Entity: "reservation", ID: r.ID, From: r.Status, To: domain.ReservationStatusConsumed}
		}
		if !r.ExpiresAt.After(l.now()) {
			return domain.StockRow{}, domain.LedgerEntry{}, fmt.Errorf("reservation %s expired at %s: %w", r.ID, r.ExpiresAt.Format(time.RFC3339), store.ErrReservationExpired)
		}
		reservation = r
	}

	row, err := l.lockRow(ctx, tx, req.StockRowID)
	if err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}

	if reservation != nil {
		if reservation.Quantity < req.Quantity && row.AvailableQuantity() < req.Quantity-reservation.Quantity {
			return domain.StockRow{}, domain.LedgerEntry{}, insufficient(row, req.Quantity-reservation.Quantity)
		}
		row.ReservedQuantity -= reservation.Quantity
		if row.ReservedQuantity < 0 {
			row.ReservedQuantity = 0
		}
		reservation.Status = domain.ReservationStatusConsumed
		reservation.UpdatedAt = l.now()
		if err := tx.UpdateReservation(ctx, *reservation); err != nil {
			return domain.StockRow{}, domain.LedgerEntry{}, err
		}
	} else {
		if err := requireActive(row, "DEBIT"); err != nil {
			return domain.StockRow{}, domain.LedgerEntry{}, err
		}
		if row.AvailableQuantity() < req.Quantity {
			return domain.StockRow{}, domain.LedgerEntry{}, insufficient(row, req.Quantity)
		}
	}

	return l.apply(ctx, tx, row, mutation{
		entryType: domain.EntryTypeOut,
		quantity:  req.Quantity,
		reason:    req.Reason,
		reference: req.ReferenceNumber,
		actor:     req.ActorUserID,
	})
}

// Credit adds qty to the row and writes an IN entry. A positive unit cost is
// folded into the row's weighted average cost.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, req domain.CreditRequest) (domain.StockRow, domain.LedgerEntry, error) {
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	if req.UnitCost.IsNegative() {
		return domain.StockRow{}, domain.LedgerEntry{}, store.Invalid("unit_cost", "must not be negative")
	}
	row, err := l.lockRow(ctx, tx, req.StockRowID)
	if err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	return l.apply(ctx, tx, row, mutation{
		entryType: domain.EntryTypeIn,
		quantity:  req.Quantity,
		unitCost:  req.UnitCost,
		reason:    req.Reason,
		reference: req.ReferenceNumber,
		actor:     req.ActorUserID,
	})
}

// Adjust sets the on-hand count and records the delta as an ADJUSTMENT. The
// new count may not drop below what is currently reserved.
func (l *Ledger) Adjust(ctx context.Context, tx store.Tx, stockRowID string, req domain.AdjustRequest, actorUserID string) (domain.StockRow, domain.LedgerEntry, error) {
	return l.adjust(ctx, tx, stockRowID, req, actorUserID, "ADJ-"+xid.Short())
}

func (l *Ledger) adjust(ctx context.Context, tx store.Tx, stockRowID string, req domain.AdjustRequest, actorUserID string, reference string) (domain.StockRow, domain.LedgerEntry, error) {
	if req.NewQuantity < 0 {
		return domain.StockRow{}, domain.LedgerEntry{}, &store.InvalidQuantityError{Field: "new_quantity", Value: req.NewQuantity}
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.StockRow{}, domain.LedgerEntry{}, store.Invalid("reason", "required")
	}
	row, err := l.lockRow(ctx, tx, stockRowID)
	if err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	if err := requireActive(row, "ADJUST"); err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	if req.NewQuantity < row.ReservedQuantity {
		return domain.StockRow{}, domain.LedgerEntry{}, insufficient(row, row.QuantityOnHand-req.NewQuantity)
	}
	return l.apply(ctx, tx, row, mutation{
		entryType:   domain.EntryTypeAdjustment,
		newQuantity: req.NewQuantity,
		reason:      req.Reason,
		reference:   reference,
		actor:       actorUserID,
	})
}

// Transfer moves qty from one row to the same product at another location,
// creating the destination row on first use. Both rows are locked in id order
// and both entries share one reference number.
func (l *Ledger) Transfer(ctx context.Context, tx store.Tx, req domain.TransferRequest, actorUserID string) (domain.TransferResult, error) {
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return domain.TransferResult{}, err
	}
	if req.UnitCost.IsNegative() {
		return domain.TransferResult{}, store.Invalid("unit_cost", "must not be negative")
	}

	src, err := tx.GetStockRow(ctx, req.FromStockRowID)
	if err != nil {
		return domain.TransferResult{}, err
	}
	destLoc := domain.StockLocation{
		ProductID:   src.ProductID,
		VariationID: src.VariationID,
		BranchID:    req.ToBranchID,
		WarehouseID: req.ToWarehouseID,
	}
	if destLoc == src.Location() {
		return domain.TransferResult{}, store.Invalid("to_branch_id", "destination equals source")
	}

	ids := []string{src.ID}
	dst, err := tx.FindStockRowByLocation(ctx, destLoc)
	switch {
	case err == nil:
		ids = append(ids, dst.ID)
	case store.KindOf(err) == store.KindNotFound:
		dst = nil
	default:
		return domain.TransferResult{}, err
	}

	locked, err := tx.LockStockRows(ctx, ids)
	if err != nil {
		return domain.TransferResult{}, err
	}
	source := locked[src.ID]
	if err := requireActive(source, "TRANSFER_OUT"); err != nil {
		return domain.TransferResult{}, err
	}
	if source.AvailableQuantity() < req.Quantity {
		return domain.TransferResult{}, insufficient(source, req.Quantity)
	}

	var dest domain.StockRow
	if dst != nil {
		dest = locked[dst.ID]
	} else {
		created, err := tx.CreateStockRow(ctx, domain.StockRow{
			ProductID:         destLoc.ProductID,
			VariationID:       destLoc.VariationID,
			BranchID:          destLoc.BranchID,
			WarehouseID:       destLoc.WarehouseID,
			UnitCost:          source.UnitCost,
			LowStockThreshold: source.LowStockThreshold,
			Status:            domain.StockRowStatusActive,
		})
		if err != nil {
			if store.KindOf(err) == store.KindDuplicate {
				return domain.TransferResult{}, fmt.Errorf("destination %s created concurrently: %w", destLoc.Key(), store.ErrConcurrencyConflict)
			}
			return domain.TransferResult{}, err
		}
		dest = *created
	}

	cost := req.UnitCost
	if !cost.IsPositive() {
		cost = source.UnitCost
	}
	reference := "TRF-" + xid.Short()
	reason := req.Reason
	if reason == "" {
		reason = "TRANSFER"
	}

	fromRow, outEntry, err := l.apply(ctx, tx, source, mutation{
		entryType:        domain.EntryTypeTransferOut,
		quantity:         req.Quantity,
		unitCost:         cost,
		reason:           reason,
		reference:        reference,
		actor:            actorUserID,
		counterBranch:    dest.BranchID,
		counterWarehouse: dest.WarehouseID,
	})
	if err != nil {
		return domain.TransferResult{}, err
	}
	toRow, inEntry, err := l.apply(ctx, tx, dest, mutation{
		entryType:        domain.EntryTypeTransferIn,
		quantity:         req.Quantity,
		unitCost:         cost,
		reason:           reason,
		reference:        reference,
		actor:            actorUserID,
		counterBranch:    source.BranchID,
		counterWarehouse: source.WarehouseID,
	})
	if err != nil {
		return domain.TransferResult{}, err
	}

	return domain.TransferResult{
		FromRow:         fromRow,
		ToRow:           toRow,
		Entries:         []domain.LedgerEntry{outEntry, inEntry},
		ReferenceNumber: reference,
	}, nil
}

// BulkAdjust sets every listed row to its counted quantity inside tx. All rows
// are locked in one ascending pass before the first write, and every entry
// shares one reference number. Any failing item fails the batch.
func (l *Ledger) BulkAdjust(ctx context.Context, tx store.Tx, req domain.BulkAdjustRequest, actorUserID string) (domain.BulkAdjustResult, error) {
	if err := requireBatch("items", len(req.Items), maxBulkAdjustItems); err != nil {
		return domain.BulkAdjustResult{}, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.BulkAdjustResult{}, store.Invalid("reason", "required")
	}
	ids := make([]string, 0, len(req.Items))
	seen := make(map[string]struct{}, len(req.Items))
	for _, item := range req.Items {
		if _, dup := seen[item.StockRowID]; dup {
			return domain.BulkAdjustResult{}, store.Invalid("items", "stock row "+item.StockRowID+" listed twice")
		}
		seen[item.StockRowID] = struct{}{}
		ids = append(ids, item.StockRowID)
	}
	if _, err := tx.LockStockRows(ctx, ids); err != nil {
		return domain.BulkAdjustResult{}, err
	}

	reference := "ADJ-" + xid.Short()
	result := domain.BulkAdjustResult{
		Rows:    make([]domain.StockRow, 0, len(req.Items)),
		Entries: make([]domain.LedgerEntry, 0, len(req.Items)),
	}
	for i, item := range req.Items {
		row, entry, err := l.adjust(ctx, tx, item.StockRowID, domain.AdjustRequest{NewQuantity: item.NewQuantity, Reason: req.Reason}, actorUserID, reference)
		if err != nil {
			return domain.BulkAdjustResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		result.Rows = append(result.Rows, row)
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

// BulkTransfer applies every transfer inside tx or none of them. Sources and
// destinations that already exist are locked together in ascending id order
// before the first move; destinations created along the way are private to tx.
func (l *Ledger) BulkTransfer(ctx context.Context, tx store.Tx, req domain.BulkTransferRequest, actorUserID string) (domain.BulkTransferResult, error) {
	if err := requireBatch("transfers", len(req.Transfers), maxBulkTransfers); err != nil {
		return domain.BulkTransferResult{}, err
	}
	ids := make([]string, 0, 2*len(req.Transfers))
	for i, t := range req.Transfers {
		src, err := tx.GetStockRow(ctx, t.FromStockRowID)
		if err != nil {
			return domain.BulkTransferResult{}, fmt.Errorf("transfer %d: %w", i, err)
		}
		ids = append(ids, src.ID)
		dst, err := tx.FindStockRowByLocation(ctx, domain.StockLocation{
			ProductID:   src.ProductID,
			VariationID: src.VariationID,
			BranchID:    t.ToBranchID,
			WarehouseID: t.ToWarehouseID,
		})
		switch {
		case err == nil:
			ids = append(ids, dst.ID)
		case store.KindOf(err) != store.KindNotFound:
			return domain.BulkTransferResult{}, fmt.Errorf("transfer %d: %w", i, err)
		}
	}
	if _, err := tx.LockStockRows(ctx, ids); err != nil {
		return domain.BulkTransferResult{}, err
	}

	result := domain.BulkTransferResult{Transfers: make([]domain.TransferResult, 0, len(req.Transfers))}
	for i, t := range req.Transfers {
		moved, err := l.Transfer(ctx, tx, t, actorUserID)
		if err != nil {
			return domain.BulkTransferResult{}, fmt.Errorf("transfer %d: %w", i, err)
		}
		result.Transfers = append(result.Transfers, moved)
	}
	return result, nil
}

const (
	maxBulkAdjustItems = 200
	maxBulkTransfers   = 100
)

func requireBatch(field string, n int, max int) error {
	if n == 0 {
		return store.Invalid(field, "required")
	}
	if n > max {
		return store.Invalid(field, fmt.Sprintf("at most %d per request", max))
	}
	return nil
}

// Receive credits incoming stock at a location, creating the row on first
// receipt.
func (l *Ledger) Receive(ctx context.Context, tx store.Tx, req domain.ReceiveStockRequest, actorUserID string) (domain.StockRow, domain.LedgerEntry, error) {
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	if req.UnitCost.IsNegative() {
		return domain.StockRow{}, domain.LedgerEntry{}, store.Invalid("unit_cost", "must not be negative")
	}
	loc := domain.StockLocation{
		ProductID:   req.ProductID,
		VariationID: req.VariationID,
		BranchID:    req.BranchID,
		WarehouseID: req.WarehouseID,
	}

	existing, err := tx.FindStockRowByLocation(ctx, loc)
	var row domain.StockRow
	switch {
	case err == nil:
		row, err = l.lockRow(ctx, tx, existing.ID)
		if err != nil {
			return domain.StockRow{}, domain.LedgerEntry{}, err
		}
	case store.KindOf(err) == store.KindNotFound:
		created, err := tx.CreateStockRow(ctx, domain.StockRow{
			ProductID:         loc.ProductID,
			VariationID:       loc.VariationID,
			BranchID:          loc.BranchID,
			WarehouseID:       loc.WarehouseID,
			UnitCost:          req.UnitCost,
			LowStockThreshold: req.LowStockThreshold,
			Status:            domain.StockRowStatusActive,
		})
		if err != nil {
			if store.KindOf(err) == store.KindDuplicate {
				return domain.StockRow{}, domain.LedgerEntry{}, fmt.Errorf("stock row %s created concurrently: %w", loc.Key(), store.ErrConcurrencyConflict)
			}
			return domain.StockRow{}, domain.LedgerEntry{}, err
		}
		row = *created
	default:
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}

	if req.LowStockThreshold != nil {
		threshold := *req.LowStockThreshold
		row.LowStockThreshold = &threshold
	}
	reference := req.ReferenceNumber
	if reference == "" {
		reference = "RCV-" + xid.Short()
	}
	reason := req.Reason
	if reason == "" {
		reason = "RECEIPT"
	}
	return l.apply(ctx, tx, row, mutation{
		entryType: domain.EntryTypeIn,
		quantity:  req.Quantity,
		unitCost:  req.UnitCost,
		reason:    reason,
		reference: reference,
		actor:     actorUserID,
	})
}

// Retire zeroes an unreserved row with an ADJUSTMENT entry and flags it
// RETIRED. The row stays referenced by history and is never deleted.
func (l *Ledger) Retire(ctx context.Context, tx store.Tx, stockRowID string, reason string, actorUserID string) (domain.StockRow, error) {
	row, err := l.lockRow(ctx, tx, stockRowID)
	if err != nil {
		return domain.StockRow{}, err
	}
	if !domain.CanTransitionStockRow(row.Status, domain.StockRowStatusRetired) {
		return domain.StockRow{}, &store.StateTransitionError{Entity: "stock_row", ID: row.ID, From: row.Status, To: domain.StockRowStatusRetired}
	}
	if row.ReservedQuantity > 0 {
		return domain.StockRow{}, &store.StateTransitionError{Entity: "stock_row", ID: row.ID, From: "RESERVED", To: domain.StockRowStatusRetired}
	}
	if reason == "" {
		reason = "RETIRE"
	}
	if row.QuantityOnHand > 0 {
		row, _, err = l.apply(ctx, tx, row, mutation{
			entryType:   domain.EntryTypeAdjustment,
			newQuantity: 0,
			reason:      reason,
			reference:   "RET-" + xid.Short(),
			actor:       actorUserID,
		})
		if err != nil {
			return domain.StockRow{}, err
		}
	}
	row.Status = domain.StockRowStatusRetired
	if err := tx.UpdateStockRow(ctx, row); err != nil {
		return domain.StockRow{}, err
	}
	return row, nil
}

type mutation struct {
	entryType        string
	quantity         int
	newQuantity      int
	unitCost         decimal.Decimal
	reason           string
	reference        string
	actor            string
	counterBranch    string
	counterWarehouse string
}

// apply writes the quantity change and its ledger entry through the same tx,
// so neither can exist without the other. Callers hold the row lock.
func (l *Ledger) apply(ctx context.Context, tx store.Tx, row domain.StockRow, m mutation) (domain.StockRow, domain.LedgerEntry, error) {
	before := row.QuantityOnHand
	var after, magnitude int
	switch m.entryType {
	case domain.EntryTypeIn, domain.EntryTypeTransferIn:
		after = before + m.quantity
		magnitude = m.quantity
		row.UnitCost = weightedCost(row.UnitCost, before, m.unitCost, m.quantity)
		if row.Status == domain.StockRowStatusRetired {
			row.Status = domain.StockRowStatusActive
		}
	case domain.EntryTypeOut, domain.EntryTypeTransferOut:
		after = before - m.quantity
		magnitude = m.quantity
	case domain.EntryTypeAdjustment:
		after = m.newQuantity
		magnitude = after - before
		if magnitude < 0 {
			magnitude = -magnitude
		}
	default:
		return domain.StockRow{}, domain.LedgerEntry{}, fmt.Errorf("unknown entry type %q", m.entryType)
	}
	if after < 0 {
		return domain.StockRow{}, domain.LedgerEntry{}, insufficient(row, before-after)
	}

	row.QuantityOnHand = after
	if err := tx.UpdateStockRow(ctx, row); err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}

	entryCost := m.unitCost
	if !entryCost.IsPositive() {
		entryCost = row.UnitCost
	}
	entry := domain.LedgerEntry{
		ID:                      xid.New("led"),
		StockRowID:              row.ID,
		Type:                    m.entryType,
		Quantity:                magnitude,
		QuantityBefore:          before,
		QuantityAfter:           after,
		UnitCost:                entryCost,
		ReferenceNumber:         m.reference,
		Reason:                  m.reason,
		CounterpartyBranchID:    m.counterBranch,
		CounterpartyWarehouseID: m.counterWarehouse,
		ActorUserID:             m.actor,
		CreatedAt:               l.now(),
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return domain.StockRow{}, domain.LedgerEntry{}, err
	}
	return row, entry, nil
}

func weightedCost(oldCost decimal.Decimal, oldQty int, incomingCost decimal.Decimal, incomingQty int) decimal.Decimal {
	if incomingQty <= 0 || !incomingCost.IsPositive() {
		return oldCost
	}
	if oldQty <= 0 || !oldCost.IsPositive() {
		return incomingCost
	}
	totalValue := oldCost.Mul(decimal.NewFromInt(int64(oldQty))).Add(incomingCost.Mul(decimal.NewFromInt(int64(incomingQty))))
	return totalValue.Div(decimal.NewFromInt(int64(oldQty + incomingQty))).Round(4)
}
