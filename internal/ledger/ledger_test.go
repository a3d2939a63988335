package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/retry"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/store/memory"
)

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	repo := memory.New(memory.WithLockTimeout(2 * time.Second))
	l := New(repo, Config{Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}})
	return l, repo
}

func seedRow(repo *memory.Store, productID string, branchID string, qty int) domain.StockRow {
	return repo.PutStockRow(domain.StockRow{
		ProductID:      productID,
		BranchID:       branchID,
		QuantityOnHand: qty,
		UnitCost:       decimal.NewFromInt(100),
	})
}

func TestReserveAndRelease(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 5)

	reservation, updated, err := l.ReserveStock(ctx, domain.ReserveRequest{StockRowID: row.ID, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.ReservedQuantity)
	assert.Equal(t, 2, updated.AvailableQuantity())
	assert.Equal(t, domain.ReservationStatusActive, reservation.Status)

	_, _, err = l.ReserveStock(ctx, domain.ReserveRequest{StockRowID: row.ID, Quantity: 3})
	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, 2, stockErr.Available)

	released, err := l.ReleaseStock(ctx, domain.ReleaseRequest{StockRowID: row.ID, Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, released.ReservedQuantity, "release floors at zero")
}

func TestRejectsNonPositiveQuantity(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 5)

	_, _, err := l.ReserveStock(ctx, domain.ReserveRequest{StockRowID: row.ID, Quantity: 0})
	assert.ErrorIs(t, err, store.ErrInvalidQuantity)

	_, _, err = l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: -1})
	assert.ErrorIs(t, err, store.ErrInvalidQuantity)

	_, err = l.TransferStock(ctx, domain.TransferRequest{FromStockRowID: row.ID, ToBranchID: "branch-b", Quantity: 0})
	assert.ErrorIs(t, err, store.ErrInvalidQuantity)
}

func TestDebitWritesOutEntry(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 5)

	updated, entry, err := l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 3, Reason: "SALE", ReferenceNumber: "TXN-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.QuantityOnHand)
	assert.Equal(t, domain.EntryTypeOut, entry.Type)
	assert.Equal(t, 3, entry.Quantity)
	assert.Equal(t, 5, entry.QuantityBefore)
	assert.Equal(t, 2, entry.QuantityAfter)

	_, _, err = l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 3})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	got, err := repo.GetStockRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.QuantityOnHand)
}

func TestDebitConsumesReservation(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 4)

	reservation, _, err := l.ReserveStock(ctx, domain.ReserveRequest{StockRowID: row.ID, Quantity: 4})
	require.NoError(t, err)

	_, _, err = l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 1})
	require.ErrorIs(t, err, store.ErrInsufficientStock, "reserved quantity is not free to sell")

	updated, _, err := l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 4, ReservationID: reservation.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, updated.QuantityOnHand)
	assert.Equal(t, 0, updated.ReservedQuantity)

	_, _, err = l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 4, ReservationID: reservation.ID})
	assert.ErrorIs(t, err, store.ErrInvalidStateTransition)
}

func TestExpiredReservationCannotBeConsumed(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 4)

	reservation, _, err := l.ReserveStock(ctx, domain.ReserveRequest{StockRowID: row.ID, Quantity: 2, TTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, _, err = l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 2, ReservationID: reservation.ID})
	require.ErrorIs(t, err, store.ErrReservationExpired)

	got, err := repo.GetStockRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.QuantityOnHand)
	assert.Equal(t, 2, got.ReservedQuantity)
}

func TestCreditAveragesUnitCost(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 10)

	updated, entry, err := l.CreditStock(ctx, domain.CreditRequest{StockRowID: row.ID, Quantity: 10, UnitCost: decimal.NewFromInt(200)})
	require.NoError(t, err)
	assert.Equal(t, 20, updated.QuantityOnHand)
	assert.True(t, updated.UnitCost.Equal(decimal.NewFromInt(150)), "got %s", updated.UnitCost)
	assert.Equal(t, domain.EntryTypeIn, entry.Type)
}

func TestAdjustRecordsSignedDelta(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 10)

	updated, entry, err := l.AdjustStock(ctx, row.ID, domain.AdjustRequest{NewQuantity: 7, Reason: "cycle count"})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.QuantityOnHand)
	assert.Equal(t, 3, entry.Quantity)
	assert.Equal(t, -3, entry.Delta())

	_, _, err = l.AdjustStock(ctx, row.ID, domain.AdjustRequest{NewQuantity: -1, Reason: "bad"})
	assert.ErrorIs(t, err, store.ErrInvalidQuantity)
}

func TestTransferCreatesDestinationRow(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	src := seedRow(repo, "prod-y", "branch-a", 4)

	result, err := l.TransferStock(ctx, domain.TransferRequest{FromStockRowID: src.ID, ToBranchID: "branch-b", Quantity: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, result.FromRow.QuantityOnHand)
	assert.Equal(t, 2, result.ToRow.QuantityOnHand)
	assert.Equal(t, "branch-b", result.ToRow.BranchID)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, domain.EntryTypeTransferOut, result.Entries[0].Type)
	assert.Equal(t, domain.EntryTypeTransferIn, result.Entries[1].Type)
	assert.Equal(t, result.Entries[0].ReferenceNumber, result.Entries[1].ReferenceNumber)
	assert.Equal(t, result.ReferenceNumber, result.Entries[0].ReferenceNumber)

	dest, err := repo.FindStockRow(ctx, domain.StockLocation{ProductID: "prod-y", BranchID: "branch-b"})
	require.NoError(t, err)
	assert.Equal(t, result.ToRow.ID, dest.ID)

	again, err := l.TransferStock(ctx, domain.TransferRequest{FromStockRowID: src.ID, ToBranchID: "branch-b", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, dest.ID, again.ToRow.ID, "second transfer reuses the destination row")
	assert.Equal(t, 4, again.ToRow.QuantityOnHand)
}

type failingRepo struct {
	store.Repository
}

func (r failingRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return r.Repository.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, failingTx{Tx: tx})
	})
}

type failingTx struct {
	store.Tx
}

func (t failingTx) AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.Type == domain.EntryTypeTransferIn {
		return errors.New("disk full")
	}
	return t.Tx.AppendLedgerEntry(ctx, entry)
}

func TestTransferFailureLeavesSourceUnchanged(t *testing.T) {
	repo := memory.New()
	src := seedRow(repo, "prod-y", "branch-a", 4)
	l := New(failingRepo{Repository: repo}, Config{})

	_, err := l.TransferStock(context.Background(), domain.TransferRequest{FromStockRowID: src.ID, ToBranchID: "branch-b", Quantity: 2})
	require.Error(t, err)

	got, err := repo.GetStockRow(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.QuantityOnHand)

	_, err = repo.FindStockRow(context.Background(), domain.StockLocation{ProductID: "prod-y", BranchID: "branch-b"})
	assert.ErrorIs(t, err, store.ErrNotFound, "destination row creation rolled back")

	entries, err := repo.ListLedgerEntries(context.Background(), src.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOppositeTransfersDoNotDeadlock(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	a := seedRow(repo, "prod-z", "branch-a", 100)
	b := seedRow(repo, "prod-z", "branch-b", 100)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.TransferStock(ctx, domain.TransferRequest{FromStockRowID: a.ID, ToBranchID: "branch-b", Quantity: 1})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := l.TransferStock(ctx, domain.TransferRequest{FromStockRowID: b.ID, ToBranchID: "branch-a", Quantity: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	gotA, _ := repo.GetStockRow(ctx, a.ID)
	gotB, _ := repo.GetStockRow(ctx, b.ID)
	assert.Equal(t, 200, gotA.QuantityOnHand+gotB.QuantityOnHand)
	assert.Equal(t, 100, gotA.QuantityOnHand)
}

func TestConcurrentDebitsNeverOversell(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	const n = 25
	row := seedRow(repo, "prod-x", "branch-a", n-1)

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 1})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok, short := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, n-1, ok)
	assert.Equal(t, 1, short)

	got, err := repo.GetStockRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.QuantityOnHand)
}

func TestLedgerReconstructsQuantity(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	const initial = 10
	row := seedRow(repo, "prod-x", "branch-a", initial)

	_, _, err := l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 3})
	require.NoError(t, err)
	_, _, err = l.CreditStock(ctx, domain.CreditRequest{StockRowID: row.ID, Quantity: 5})
	require.NoError(t, err)
	_, _, err = l.AdjustStock(ctx, row.ID, domain.AdjustRequest{NewQuantity: 9, Reason: "recount"})
	require.NoError(t, err)
	_, err = l.TransferStock(ctx, domain.TransferRequest{FromStockRowID: row.ID, ToBranchID: "branch-b", Quantity: 4})
	require.NoError(t, err)

	entries, err := l.ListLedgerEntries(ctx, row.ID, 0)
	require.NoError(t, err)
	sum := initial
	for _, e := range entries {
		sum += e.Delta()
	}
	got, err := repo.GetStockRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, got.QuantityOnHand, sum)
	assert.Equal(t, 5, got.QuantityOnHand)
}

func TestRetireAndReactivate(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 3)

	_, _, err := l.ReserveStock(ctx, domain.ReserveRequest{StockRowID: row.ID, Quantity: 1})
	require.NoError(t, err)
	_, err = l.RetireStockRow(ctx, row.ID, "discontinued")
	require.ErrorIs(t, err, store.ErrInvalidStateTransition, "reserved rows cannot retire")

	_, err = l.ReleaseStock(ctx, domain.ReleaseRequest{StockRowID: row.ID, Quantity: 1})
	require.NoError(t, err)
	retired, err := l.RetireStockRow(ctx, row.ID, "discontinued")
	require.NoError(t, err)
	assert.Equal(t, domain.StockRowStatusRetired, retired.Status)
	assert.Equal(t, 0, retired.QuantityOnHand)

	_, _, err = l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 1})
	assert.ErrorIs(t, err, store.ErrInvalidStateTransition)

	received, _, err := l.ReceiveStock(ctx, domain.ReceiveStockRequest{ProductID: "prod-x", BranchID: "branch-a", Quantity: 2, UnitCost: decimal.NewFromInt(90)})
	require.NoError(t, err)
	assert.Equal(t, row.ID, received.ID)
	assert.Equal(t, domain.StockRowStatusActive, received.Status)
	assert.Equal(t, 2, received.QuantityOnHand)
}

func TestCancelledContextCommitsNothing(t *testing.T) {
	l, repo := newTestLedger(t)
	row := seedRow(repo, "prod-x", "branch-a", 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := l.DebitStock(ctx, domain.DebitRequest{StockRowID: row.ID, Quantity: 1})
	require.ErrorIs(t, err, context.Canceled)

	got, err := repo.GetStockRow(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.QuantityOnHand)
}

func TestCancelReservationReleasesHeldStockOnce(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	row := seedRow(repo, "prod-x", "branch-a", 5)

	reservation, _, err := l.ReserveStock(ctx, domain.ReserveRequest{StockRowID: row.ID, Quantity: 4})
	require.NoError(t, err)

	cancelled, err := l.CancelReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusReleased, cancelled.Status)

	current, err := l.GetStockRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.ReservedQuantity)

	_, err = l.CancelReservation(ctx, reservation.ID)
	assert.ErrorIs(t, err, store.ErrInvalidStateTransition)
}

func TestBulkTransferIsAllOrNothing(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	a := seedRow(repo, "prod-bulk-a", "branch-a", 10)
	b := seedRow(repo, "prod-bulk-b", "branch-a", 1)

	_, err := l.BulkTransferStock(ctx, domain.BulkTransferRequest{Transfers: []domain.TransferRequest{
		{FromStockRowID: a.ID, ToBranchID: "branch-b", Quantity: 4},
		{FromStockRowID: b.ID, ToBranchID: "branch-b", Quantity: 5},
	}})
	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr), "got %v", err)
	assert.Equal(t, b.ID, stockErr.StockRowID)

	gotA, err := repo.GetStockRow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, gotA.QuantityOnHand, "first transfer rolled back with the batch")
	_, err = repo.FindStockRow(ctx, domain.StockLocation{ProductID: "prod-bulk-a", BranchID: "branch-b"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	page, err := repo.SearchLedgerEntries(ctx, domain.LedgerEntryFilter{BranchID: "branch-a"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestBulkTransferReusesDestinationCreatedEarlierInBatch(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	src := seedRow(repo, "prod-bulk", "branch-a", 10)

	result, err := l.BulkTransferStock(ctx, domain.BulkTransferRequest{Transfers: []domain.TransferRequest{
		{FromStockRowID: src.ID, ToBranchID: "branch-b", Quantity: 3},
		{FromStockRowID: src.ID, ToBranchID: "branch-b", Quantity: 2},
	}})
	require.NoError(t, err)
	require.Len(t, result.Transfers, 2)
	assert.Equal(t, result.Transfers[0].ToRow.ID, result.Transfers[1].ToRow.ID)
	assert.Equal(t, 5, result.Transfers[1].ToRow.QuantityOnHand)
	assert.Equal(t, 5, result.Transfers[1].FromRow.QuantityOnHand)
}

func TestOverlappingBulkTransfersDoNotDeadlock(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	a := seedRow(repo, "prod-bulk", "branch-a", 100)
	b := seedRow(repo, "prod-bulk", "branch-b", 100)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.BulkTransferStock(ctx, domain.BulkTransferRequest{Transfers: []domain.TransferRequest{
				{FromStockRowID: a.ID, ToBranchID: "branch-b", Quantity: 1},
				{FromStockRowID: b.ID, ToBranchID: "branch-a", Quantity: 2},
			}})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := l.BulkTransferStock(ctx, domain.BulkTransferRequest{Transfers: []domain.TransferRequest{
				{FromStockRowID: b.ID, ToBranchID: "branch-a", Quantity: 1},
				{FromStockRowID: a.ID, ToBranchID: "branch-b", Quantity: 1},
			}})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	gotA, _ := repo.GetStockRow(ctx, a.ID)
	gotB, _ := repo.GetStockRow(ctx, b.ID)
	assert.Equal(t, 200, gotA.QuantityOnHand+gotB.QuantityOnHand)
	assert.Equal(t, 110, gotA.QuantityOnHand)
}

func TestBulkAdjustSharesReferenceAndRollsBackOnBadItem(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	a := seedRow(repo, "prod-count-a", "branch-a", 10)
	b := seedRow(repo, "prod-count-b", "branch-a", 10)

	result, err := l.BulkAdjustStock(ctx, domain.BulkAdjustRequest{
		Reason: "cycle count",
		Items:  []domain.BulkAdjustItem{{StockRowID: b.ID, NewQuantity: 7}, {StockRowID: a.ID, NewQuantity: 12}},
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, result.Entries[0].ReferenceNumber, result.Entries[1].ReferenceNumber)
	assert.Equal(t, b.ID, result.Rows[0].ID, "results follow request order")
	assert.Equal(t, 7, result.Rows[0].QuantityOnHand)
	assert.Equal(t, 12, result.Rows[1].QuantityOnHand)

	_, err = l.BulkAdjustStock(ctx, domain.BulkAdjustRequest{
		Reason: "recount",
		Items:  []domain.BulkAdjustItem{{StockRowID: a.ID, NewQuantity: 1}, {StockRowID: b.ID, NewQuantity: -1}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidQuantity)
	gotA, err := repo.GetStockRow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, gotA.QuantityOnHand)

	_, err = l.BulkAdjustStock(ctx, domain.BulkAdjustRequest{
		Reason: "recount",
		Items:  []domain.BulkAdjustItem{{StockRowID: a.ID, NewQuantity: 1}, {StockRowID: a.ID, NewQuantity: 2}},
	})
	assert.Equal(t, store.KindValidation, store.KindOf(err))

	_, err = l.BulkAdjustStock(ctx, domain.BulkAdjustRequest{Reason: "recount"})
	assert.Equal(t, store.KindValidation, store.KindOf(err))
}

func TestSearchMovementsFiltersByBranchAndWindow(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	a := seedRow(repo, "prod-mv", "branch-a", 10)
	b := seedRow(repo, "prod-mv", "branch-b", 10)

	_, _, err := l.DebitStock(ctx, domain.DebitRequest{StockRowID: a.ID, Quantity: 1, Reason: "SALE"})
	require.NoError(t, err)
	_, _, err = l.DebitStock(ctx, domain.DebitRequest{StockRowID: a.ID, Quantity: 2, Reason: "SALE"})
	require.NoError(t, err)
	_, _, err = l.DebitStock(ctx, domain.DebitRequest{StockRowID: b.ID, Quantity: 3, Reason: "SALE"})
	require.NoError(t, err)

	page, err := l.SearchMovements(ctx, domain.LedgerEntryFilter{BranchID: "branch-a", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, 2, page.Entries[0].Quantity, "newest first")

	next, err := l.SearchMovements(ctx, domain.LedgerEntryFilter{BranchID: "branch-a", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, next.Entries, 1)
	assert.Equal(t, 1, next.Entries[0].Quantity)

	future, err := l.SearchMovements(ctx, domain.LedgerEntryFilter{ProductID: "prod-mv", From: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, future.Total)

	_, err = l.SearchMovements(ctx, domain.LedgerEntryFilter{From: time.Now(), To: time.Now().Add(-time.Hour)})
	assert.Equal(t, store.KindValidation, store.KindOf(err))
}
