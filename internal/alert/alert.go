package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/cache"
	"nationalpos/backend/internal/catalog"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/metrics"
	"nationalpos/backend/internal/notify"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

const (
	DefaultThreshold = 10
	DefaultCooldown  = 24 * time.Hour
)

type delivery int

const (
	deliveryFailed delivery = iota
	deliveryNotified
	deliverySuppressed
)

type Config struct {
	DefaultThreshold int
	Cooldown         time.Duration
	Logger           *logrus.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Evaluator compares stock rows to their low stock threshold. It reads rows
// and writes only alert records; it never mutates stock.
type Evaluator struct {
	repo      store.Repository
	cooldown  cache.Cooldown
	publisher notify.Publisher
	catalog   catalog.Catalog
	threshold int
	window    time.Duration
	metrics   *metrics.Metrics
	log       *logrus.Entry
	now       func() time.Time

	// mu serializes evaluations in this process. Across processes the store
	// rejects a second OPEN alert for a row with store.ErrDuplicate.
	mu sync.Mutex
}

func New(repo store.Repository, cooldown cache.Cooldown, publisher notify.Publisher, cat catalog.Catalog, cfg Config) *Evaluator {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cooldown == nil {
		cooldown = cache.NewMemoryCooldown()
	}
	log := logging.Module(cfg.Logger, "alert")
	if publisher == nil {
		publisher = notify.NewLogPublisher(cfg.Logger)
	}
	return &Evaluator{
		repo:      repo,
		cooldown:  cooldown,
		publisher: publisher,
		catalog:   cat,
		threshold: cfg.DefaultThreshold,
		window:    cfg.Cooldown,
		metrics:   cfg.Metrics,
		log:       log,
		now:       cfg.Now,
	}
}

// Threshold is the row override when set, otherwise the global default.
func (e *Evaluator) Threshold(row domain.StockRow) int {
	if row.LowStockThreshold != nil {
		return *row.LowStockThreshold
	}
	return e.threshold
}

// Evaluate checks every row matching filter. OPEN alerts whose row is retired
// or gone are resolved as well.
func (e *Evaluator) Evaluate(ctx context.Context, filter domain.StockRowFilter) (domain.AlertEvaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rows, err := e.repo.ListStockRows(ctx, filter)
	if err != nil {
		return domain.AlertEvaluation{}, err
	}
	open, err := e.openAlerts(ctx, domain.AlertFilter{BranchID: filter.BranchID, WarehouseID: filter.WarehouseID})
	if err != nil {
		return domain.AlertEvaluation{}, err
	}

	var result domain.AlertEvaluation
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		seen[row.ID] = true
		if err := e.evaluateRow(ctx, row, open, &result); err != nil {
			return result, err
		}
	}

	for rowID, alert := range open {
		if seen[rowID] || (filter.ProductID != "" && alert.ProductID != filter.ProductID) {
			continue
		}
		row, err := e.repo.GetStockRow(ctx, rowID)
		if err != nil && store.KindOf(err) != store.KindNotFound {
			return result, err
		}
		if row == nil || row.Status == domain.StockRowStatusRetired {
			if err := e.resolve(ctx, alert, 0, &result); err != nil {
				return result, err
			}
		}
	}

	e.log.WithFields(logrus.Fields{
		"evaluated":  result.Evaluated,
		"raised":     result.Raised,
		"notified":   result.Notified,
		"suppressed": result.Suppressed,
		"resolved":   result.Resolved,
	}).Info("low stock evaluation finished")
	return result, nil
}

// EvaluateRows checks the given rows only. Unknown ids are skipped.
func (e *Evaluator) EvaluateRows(ctx context.Context, stockRowIDs []string) (domain.AlertEvaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result domain.AlertEvaluation
	if len(stockRowIDs) == 0 {
		return result, nil
	}
	open, err := e.openAlerts(ctx, domain.AlertFilter{})
	if err != nil {
		return result, err
	}
	done := make(map[string]bool, len(stockRowIDs))
	for _, id := range stockRowIDs {
		if done[id] {
			continue
		}
		done[id] = true
		row, err := e.repo.GetStockRow(ctx, id)
		if store.KindOf(err) == store.KindNotFound {
			continue
		}
		if err != nil {
			return result, err
		}
		if row.Status == domain.StockRowStatusRetired {
			if alert, ok := open[row.ID]; ok {
				if err := e.resolve(ctx, alert, row.AvailableQuantity(), &result); err != nil {
					return result, err
				}
			}
			continue
		}
		if err := e.evaluateRow(ctx, *row, open, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// StockChanged evaluates rows touched by a committed unit of work. Failures
// are logged; the stock change has already happened.
func (e *Evaluator) StockChanged(ctx context.Context, stockRowIDs []string) {
	if _, err := e.EvaluateRows(ctx, stockRowIDs); err != nil {
		e.log.WithError(err).WithField("stock_rows", len(stockRowIDs)).Warn("low stock evaluation after stock change failed")
	}
}

// GetLowStockAlerts lists OPEN alerts, optionally narrowed to a branch or
// warehouse.
func (e *Evaluator) GetLowStockAlerts(ctx context.Context, branchID string, warehouseID string) ([]domain.LowStockAlert, error) {
	return e.repo.ListAlerts(ctx, domain.AlertFilter{
		BranchID:    branchID,
		WarehouseID: warehouseID,
		Status:      domain.AlertStatusOpen,
	})
}

func (e *Evaluator) openAlerts(ctx context.Context, filter domain.AlertFilter) (map[string]domain.LowStockAlert, error) {
	filter.Status = domain.AlertStatusOpen
	alerts, err := e.repo.ListAlerts(ctx, filter)
	if err != nil {
		return nil, err
	}
	byRow := make(map[string]domain.LowStockAlert, len(alerts))
	for _, a := range alerts {
		byRow[a.StockRowID] = a
	}
	return byRow, nil
}

func (e *Evaluator) evaluateRow(ctx context.Context, row domain.StockRow, open map[string]domain.LowStockAlert, result *domain.AlertEvaluation) error {
	result.Evaluated++
	threshold := e.Threshold(row)
	available := row.AvailableQuantity()
	alert, isOpen := open[row.ID]

	if available > threshold {
		if isOpen {
			return e.resolve(ctx, alert, available, result)
		}
		return nil
	}

	if !isOpen {
		alert = e.newAlert(ctx, row)
		alert.AvailableQuantity = available
		alert.Threshold = threshold
		alert.Severity = severity(available)
		claimed, err := e.claim(ctx, row, alert)
		if err != nil {
			return err
		}
		if claimed.ID == alert.ID {
			result.Raised++
		}
		alert = claimed
	}
	alert.AvailableQuantity = available
	alert.Threshold = threshold
	alert.Severity = severity(available)

	if alert.LastNotifiedAt == nil {
		outcome, err := e.deliver(ctx, alert)
		if err != nil {
			return err
		}
		switch outcome {
		case deliveryNotified:
			now := e.now()
			alert.LastNotifiedAt = &now
			result.Notified++
		case deliverySuppressed:
			result.Suppressed++
		}
	}

	if err := e.repo.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("save alert for row %s: %w", row.ID, err)
	}
	open[row.ID] = alert
	return nil
}

// claim stores a new OPEN alert before anything is published. When another
// evaluator already holds the row's OPEN alert, that alert is returned instead.
func (e *Evaluator) claim(ctx context.Context, row domain.StockRow, alert domain.LowStockAlert) (domain.LowStockAlert, error) {
	err := e.repo.SaveAlert(ctx, alert)
	if err == nil {
		return alert, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return domain.LowStockAlert{}, fmt.Errorf("save alert for row %s: %w", row.ID, err)
	}
	open, listErr := e.openAlerts(ctx, domain.AlertFilter{BranchID: row.BranchID, WarehouseID: row.WarehouseID})
	if listErr != nil {
		return domain.LowStockAlert{}, listErr
	}
	existing, ok := open[row.ID]
	if !ok {
		return domain.LowStockAlert{}, fmt.Errorf("save alert for row %s: %w", row.ID, err)
	}
	return existing, nil
}

// deliver publishes alert when the row's cooldown gate is open. A failed
// publish reopens the gate so the next evaluation retries.
func (e *Evaluator) deliver(ctx context.Context, alert domain.LowStockAlert) (delivery, error) {
	key := "lowstock:" + alert.StockRowID
	acquired, err := e.cooldown.Acquire(ctx, key, e.window)
	if err != nil {
		return deliveryFailed, fmt.Errorf("acquire cooldown %s: %w", key, err)
	}
	if !acquired {
		e.metrics.RecordAlertSuppressed()
		return deliverySuppressed, nil
	}
	if err := e.publisher.Publish(ctx, alert); err != nil {
		if clearErr := e.cooldown.Clear(ctx, key); clearErr != nil {
			e.log.WithError(clearErr).WithField("key", key).Warn("clear cooldown after failed publish")
		}
		e.log.WithError(err).WithFields(logrus.Fields{
			"alert_id":     alert.ID,
			"stock_row_id": alert.StockRowID,
		}).Warn("low stock alert not delivered")
		return deliveryFailed, nil
	}
	e.metrics.RecordAlertEmitted(alert.Severity)
	return deliveryNotified, nil
}

func (e *Evaluator) resolve(ctx context.Context, alert domain.LowStockAlert, available int, result *domain.AlertEvaluation) error {
	now := e.now()
	alert.Status = domain.AlertStatusResolved
	alert.AvailableQuantity = available
	alert.ResolvedAt = &now
	if err := e.repo.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("resolve alert %s: %w", alert.ID, err)
	}
	result.Resolved++
	return nil
}

func (e *Evaluator) newAlert(ctx context.Context, row domain.StockRow) domain.LowStockAlert {
	alert := domain.LowStockAlert{
		ID:          xid.New("alert"),
		StockRowID:  row.ID,
		ProductID:   row.ProductID,
		VariationID: row.VariationID,
		BranchID:    row.BranchID,
		WarehouseID: row.WarehouseID,
		Status:      domain.AlertStatusOpen,
		RaisedAt:    e.now(),
	}
	if e.catalog != nil {
		product, err := e.catalog.LookupProduct(ctx, row.ProductID, row.VariationID)
		if err == nil {
			alert.SKU = product.SKU
			alert.ProductName = product.Name
		} else {
			e.log.WithError(err).WithField("product_id", row.ProductID).Debug("alert without catalog details")
		}
	}
	return alert
}

func severity(available int) string {
	if available <= 0 {
		return domain.AlertSeverityOutOfStock
	}
	return domain.AlertSeverityLow
}
