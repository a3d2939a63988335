package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/logging"
)

// Publisher delivers LowStockAlert events. Formatting and routing beyond the
// event payload belong to the consumer.
type Publisher interface {
	Publish(ctx context.Context, alert domain.LowStockAlert) error
}

type LogPublisher struct {
	log *logrus.Entry
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{log: logging.Module(logger, "notify")}
}

func (p *LogPublisher) Publish(_ context.Context, alert domain.LowStockAlert) error {
	p.log.WithFields(logrus.Fields{
		"alert_id":     alert.ID,
		"stock_row_id": alert.StockRowID,
		"branch_id":    alert.BranchID,
		"warehouse_id": alert.WarehouseID,
		"sku":          alert.SKU,
		"available":    alert.AvailableQuantity,
		"threshold":    alert.Threshold,
		"severity":     alert.Severity,
	}).Warn("low stock")
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, alert domain.LowStockAlert) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
