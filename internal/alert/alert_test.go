package alert

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nationalpos/backend/internal/cache"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/store/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []domain.LowStockAlert
	fail   bool
}

func (p *recordingPublisher) Publish(_ context.Context, alert domain.LowStockAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("publisher down")
	}
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

func newTestEvaluator(t *testing.T) (*Evaluator, *memory.Store, *recordingPublisher) {
	t.Helper()
	repo := memory.New()
	repo.PutProduct(domain.Product{ProductID: "prod-a", SKU: "SKU-A", Name: "Product A", CurrentPrice: decimal.NewFromInt(1000), Active: true})
	pub := &recordingPublisher{}
	e := New(repo, cache.NewMemoryCooldown(), pub, repo, Config{Logger: logging.Discard()})
	return e, repo, pub
}

func putRow(repo *memory.Store, row domain.StockRow) domain.StockRow {
	if row.ProductID == "" {
		row.ProductID = "prod-a"
	}
	if row.BranchID == "" {
		row.BranchID = "branch-a"
	}
	return repo.PutStockRow(row)
}

func TestRaisesOnceAndNotifiesOnce(t *testing.T) {
	e, repo, pub := newTestEvaluator(t)
	ctx := context.Background()
	row := putRow(repo, domain.StockRow{QuantityOnHand: 5})

	result, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evaluated)
	assert.Equal(t, 1, result.Raised)
	assert.Equal(t, 1, result.Notified)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, "SKU-A", pub.alerts[0].SKU)
	assert.Equal(t, domain.AlertSeverityLow, pub.alerts[0].Severity)

	result, err = e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Zero(t, result.Raised)
	assert.Zero(t, result.Notified)
	assert.Equal(t, 1, pub.count())

	alerts, err := e.GetLowStockAlerts(ctx, "branch-a", "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, row.ID, alerts[0].StockRowID)
	assert.Equal(t, 10, alerts[0].Threshold)
	assert.NotNil(t, alerts[0].LastNotifiedAt)
}

func TestOutOfStockSeverity(t *testing.T) {
	e, repo, pub := newTestEvaluator(t)
	putRow(repo, domain.StockRow{QuantityOnHand: 4, ReservedQuantity: 4})

	_, err := e.Evaluate(context.Background(), domain.StockRowFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, domain.AlertSeverityOutOfStock, pub.alerts[0].Severity)
	assert.Zero(t, pub.alerts[0].AvailableQuantity)
}

func TestRowThresholdOverridesDefault(t *testing.T) {
	e, repo, pub := newTestEvaluator(t)
	two := 2
	putRow(repo, domain.StockRow{QuantityOnHand: 5, LowStockThreshold: &two})

	result, err := e.Evaluate(context.Background(), domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Zero(t, result.Raised)
	assert.Zero(t, pub.count())
}

func TestResolvesWhenStockRecovers(t *testing.T) {
	e, repo, _ := newTestEvaluator(t)
	ctx := context.Background()
	row := putRow(repo, domain.StockRow{QuantityOnHand: 3})

	_, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)

	row.QuantityOnHand = 11
	repo.PutStockRow(row)
	result, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Resolved)

	open, err := e.GetLowStockAlerts(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, open)

	resolved, err := repo.ListAlerts(ctx, domain.AlertFilter{Status: domain.AlertStatusResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.NotNil(t, resolved[0].ResolvedAt)
}

func TestThresholdBoundaryIsLow(t *testing.T) {
	e, repo, pub := newTestEvaluator(t)
	putRow(repo, domain.StockRow{QuantityOnHand: 10})

	result, err := e.Evaluate(context.Background(), domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Raised)
	assert.Equal(t, 1, pub.count())
}

func TestCooldownSuppressesFlappingRow(t *testing.T) {
	e, repo, pub := newTestEvaluator(t)
	ctx := context.Background()
	row := putRow(repo, domain.StockRow{QuantityOnHand: 3})

	_, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)

	row.QuantityOnHand = 20
	repo.PutStockRow(row)
	_, err = e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)

	row.QuantityOnHand = 1
	repo.PutStockRow(row)
	result, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Raised)
	assert.Equal(t, 1, result.Suppressed)
	assert.Zero(t, result.Notified)
	assert.Equal(t, 1, pub.count())
}

func TestFailedPublishIsRetriedNextRun(t *testing.T) {
	e, repo, pub := newTestEvaluator(t)
	ctx := context.Background()
	putRow(repo, domain.StockRow{QuantityOnHand: 2})

	pub.fail = true
	result, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Raised)
	assert.Zero(t, result.Notified)
	assert.Zero(t, result.Suppressed)

	pub.fail = false
	result, err = e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Zero(t, result.Raised)
	assert.Equal(t, 1, result.Notified)
	assert.Equal(t, 1, pub.count())
}

func TestStockChangedEvaluatesOnlyGivenRows(t *testing.T) {
	e, repo, pub := newTestEvaluator(t)
	low := putRow(repo, domain.StockRow{QuantityOnHand: 1})
	putRow(repo, domain.StockRow{BranchID: "branch-b", QuantityOnHand: 1})

	e.StockChanged(context.Background(), []string{low.ID, low.ID, "row-missing"})
	require.Equal(t, 1, pub.count())
	assert.Equal(t, low.ID, pub.alerts[0].StockRowID)
}

func TestRetiredRowAlertIsResolved(t *testing.T) {
	e, repo, _ := newTestEvaluator(t)
	ctx := context.Background()
	row := putRow(repo, domain.StockRow{QuantityOnHand: 1})
	_, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)

	row.QuantityOnHand = 0
	row.Status = domain.StockRowStatusRetired
	repo.PutStockRow(row)
	result, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Resolved)
}

func TestEvaluatorNeverMutatesStock(t *testing.T) {
	e, repo, _ := newTestEvaluator(t)
	ctx := context.Background()
	row := putRow(repo, domain.StockRow{QuantityOnHand: 2, ReservedQuantity: 1})

	_, err := e.Evaluate(ctx, domain.StockRowFilter{})
	require.NoError(t, err)
	after, err := repo.GetStockRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, row.QuantityOnHand, after.QuantityOnHand)
	assert.Equal(t, row.ReservedQuantity, after.ReservedQuantity)
	entries, err := repo.ListLedgerEntries(ctx, row.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSeparateEvaluatorsShareOneOpenAlert(t *testing.T) {
	repo := memory.New()
	repo.PutProduct(domain.Product{ProductID: "prod-a", SKU: "SKU-A", Name: "Product A", CurrentPrice: decimal.NewFromInt(1000), Active: true})
	cooldown := cache.NewMemoryCooldown()
	pub := &recordingPublisher{}
	row := putRow(repo, domain.StockRow{QuantityOnHand: 3})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		e := New(repo, cooldown, pub, repo, Config{Logger: logging.Discard()})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.EvaluateRows(context.Background(), []string{row.ID})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	open, err := repo.ListAlerts(context.Background(), domain.AlertFilter{Status: domain.AlertStatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, 1, pub.count())
}

func TestStoreRejectsSecondOpenAlertForRow(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	first := domain.LowStockAlert{ID: "alert-1", StockRowID: "row-1", Status: domain.AlertStatusOpen}
	require.NoError(t, repo.SaveAlert(ctx, first))

	err := repo.SaveAlert(ctx, domain.LowStockAlert{ID: "alert-2", StockRowID: "row-1", Status: domain.AlertStatusOpen})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	first.Status = domain.AlertStatusResolved
	require.NoError(t, repo.SaveAlert(ctx, first))
	assert.NoError(t, repo.SaveAlert(ctx, domain.LowStockAlert{ID: "alert-2", StockRowID: "row-1", Status: domain.AlertStatusOpen}))
}
