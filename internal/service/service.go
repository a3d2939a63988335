package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/audit"
	"nationalpos/backend/internal/catalog"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/ledger"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/loyalty"
	"nationalpos/backend/internal/metrics"
	"nationalpos/backend/internal/retry"
	"nationalpos/backend/internal/store"
)

const (
	defaultCurrency  = "IDR"
	maxNumberRetries = 5
)

// StockObserver is told which stock rows changed after a unit of work
// commits. The alert evaluator implements it.
type StockObserver interface {
	StockChanged(ctx context.Context, stockRowIDs []string)
}

type Config struct {
	PaymentTolerance decimal.Decimal
	ReservationTTL   time.Duration
	Retry            retry.Policy
	Observer         StockObserver
	Logger           *logrus.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// SalesEngine runs sales, checkouts, returns and exchanges. Each entry point is
// one all-or-nothing unit of work composed from the stock and loyalty ledger
// primitives.
type SalesEngine struct {
	repo           store.Repository
	stock          *ledger.Ledger
	loyalty        *loyalty.Ledger
	catalog        catalog.Catalog
	validate       *validator.Validate
	audit          *audit.Recorder
	observer       StockObserver
	metrics        *metrics.Metrics
	log            *logrus.Entry
	retry          retry.Policy
	tolerance      decimal.Decimal
	reservationTTL time.Duration
	now            func() time.Time
}

func New(repo store.Repository, stock *ledger.Ledger, loyal *loyalty.Ledger, cat catalog.Catalog, cfg Config) *SalesEngine {
	if cfg.PaymentTolerance.IsZero() {
		cfg.PaymentTolerance = decimal.RequireFromString("0.01")
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = ledger.DefaultReservationTTL
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	log := logging.Module(cfg.Logger, "sales")
	return &SalesEngine{
		repo:           repo,
		stock:          stock,
		loyalty:        loyal,
		catalog:        cat,
		validate:       newValidator(),
		audit:          audit.NewRecorder(repo, log),
		observer:       cfg.Observer,
		metrics:        cfg.Metrics,
		log:            log,
		retry:          cfg.Retry,
		tolerance:      cfg.PaymentTolerance,
		reservationTTL: cfg.ReservationTTL,
		now:            cfg.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// check runs struct validation and reports the first failing field.
func (s *SalesEngine) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		return store.Invalid(field, rule)
	}
	return fmt.Errorf("%w: %v", store.ErrInvalidRequest, err)
}

// run executes fn as one retried unit of work and records its outcome.
func (s *SalesEngine) run(ctx context.Context, operation string, fn func(ctx context.Context, tx store.Tx) error) error {
	start := time.Now()
	policy := s.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.metrics.RecordRetry(operation)
		s.log.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"wait":      wait.String(),
		}).WithError(err).Debug("retrying after concurrency conflict")
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, fn)
	})
	s.metrics.RecordOperation(operation, err, time.Since(start))
	if err != nil {
		s.logFailure(operation, err)
	}
	return err
}

func (s *SalesEngine) logFailure(operation string, err error) {
	kind := store.KindOf(err)
	entry := s.log.WithFields(logrus.Fields{"operation": operation, "kind": kind})
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		entry.WithError(err).Warn("operation aborted")
	case kind == store.KindInternal:
		logging.LogError(s.log, operation, "unit of work failed", store.DetailsOf(err), err)
	case kind == store.KindConcurrencyConflict:
		entry.WithError(err).Warn("operation rejected")
	default:
		entry.WithError(err).Info("operation rejected")
	}
}

func (s *SalesEngine) notify(ctx context.Context, rowIDs []string) {
	if s.observer == nil || len(rowIDs) == 0 {
		return
	}
	s.observer.StockChanged(ctx, rowIDs)
}

// nextNumber allocates "<prefix>-YYYYMMDD-NNNNNN" from a per-day sequence and
// skips numbers that already exist. A caller-supplied number is used as is
// and must be unused.
func (s *SalesEngine) nextNumber(ctx context.Context, tx store.Tx, prefix string, requested string) (string, error) {
	if requested != "" {
		exists, err := tx.TransactionNumberExists(ctx, requested)
		if err != nil {
			return "", err
		}
		if exists {
			return "", &store.DuplicateTransactionNumberError{Number: requested}
		}
		return requested, nil
	}

	day := s.now().Format("20060102")
	for i := 0; i < maxNumberRetries; i++ {
		seq, err := tx.NextSequence(ctx, prefix+"-"+day)
		if err != nil {
			return "", err
		}
		number := fmt.Sprintf("%s-%s-%06d", prefix, day, seq)
		exists, err := tx.TransactionNumberExists(ctx, number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
	}
	return "", fmt.Errorf("no free %s number for %s: %w", prefix, day, store.ErrDuplicateTransactionNumber)
}

func (s *SalesEngine) actorUserID(ctx context.Context, requested string) string {
	if requested != "" {
		return requested
	}
	return audit.Actor(ctx).UserID
}

// GetTransaction looks a transaction up by id, then by number, and returns it
// with its return transactions.
func (s *SalesEngine) GetTransaction(ctx context.Context, idOrNumber string) (domain.TransactionDetail, error) {
	if strings.TrimSpace(idOrNumber) == "" {
		return domain.TransactionDetail{}, store.Invalid("id", "required")
	}
	txn, err := s.repo.GetSalesTransaction(ctx, idOrNumber)
	if errors.Is(err, store.ErrNotFound) {
		txn, err = s.repo.GetSalesTransactionByNumber(ctx, idOrNumber)
	}
	if err != nil {
		return domain.TransactionDetail{}, err
	}
	returns, err := s.repo.ListReturnTransactions(ctx, txn.ID)
	if err != nil {
		return domain.TransactionDetail{}, err
	}
	return domain.TransactionDetail{Transaction: *txn, Returns: returns}, nil
}

// SearchTransactions pages transactions newest first.
func (s *SalesEngine) SearchTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.TransactionPage, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.From.After(filter.To) {
		return domain.TransactionPage{}, store.Invalid("from", "must not be after to")
	}
	switch filter.Type {
	case "", domain.TxTypeSale, domain.TxTypeReturn, domain.TxTypeExchange:
	default:
		return domain.TransactionPage{}, store.Invalid("type", "unknown transaction type")
	}
	return s.repo.SearchTransactions(ctx, filter)
}

func (s *SalesEngine) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if from.After(to) {
		return nil, store.Invalid("from", "must not be after to")
	}
	return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
}
