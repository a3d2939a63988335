package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
)

func (l *Ledger) run(ctx context.Context, operation string, fn func(ctx context.Context, tx store.Tx) error) error {
	start := time.Now()
	policy := l.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		l.metrics.RecordRetry(operation)
		l.log.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
		}).WithError(err).Debug("retrying after concurrency conflict")
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return l.repo.WithinTx(ctx, fn)
	})
	l.metrics.RecordOperation(operation, err, time.Since(start))
	return err
}

func (l *Ledger) EarnPoints(ctx context.Context, customerID string, points int, reason string) (domain.LoyaltyAccount, error) {
	var account domain.LoyaltyAccount
	err := l.run(ctx, "loyalty_earn", func(ctx context.Context, tx store.Tx) error {
		var err error
		account, _, err = l.Earn(ctx, tx, customerID, points, "", reason)
		return err
	})
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	l.metrics.RecordLoyaltyPoints(domain.LoyaltyEntryEarn, points)
	l.audit.Record(ctx, "", "loyalty.earn", "loyalty_account", customerID, fmt.Sprintf("points=%d reason=%s", points, reason))
	return account, nil
}

func (l *Ledger) RedeemPoints(ctx context.Context, customerID string, req domain.RedeemRequest) (domain.LoyaltyAccount, error) {
	var account domain.LoyaltyAccount
	err := l.run(ctx, "loyalty_redeem", func(ctx context.Context, tx store.Tx) error {
		var err error
		account, _, err = l.Redeem(ctx, tx, customerID, req.Points, req.Reason, "")
		return err
	})
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	l.metrics.RecordLoyaltyPoints(domain.LoyaltyEntryRedeem, req.Points)
	l.audit.Record(ctx, "", "loyalty.redeem", "loyalty_account", customerID, fmt.Sprintf("points=%d reason=%s", req.Points, req.Reason))
	return account, nil
}

func (l *Ledger) AdjustPoints(ctx context.Context, customerID string, req domain.LoyaltyAdjustRequest) (domain.LoyaltyAccount, error) {
	var account domain.LoyaltyAccount
	err := l.run(ctx, "loyalty_adjust", func(ctx context.Context, tx store.Tx) error {
		var err error
		account, _, err = l.Adjust(ctx, tx, customerID, req.Delta, req.Reason)
		return err
	})
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	l.metrics.RecordLoyaltyPoints(domain.LoyaltyEntryAdjustment, req.Delta)
	l.audit.Record(ctx, "", "loyalty.adjust", "loyalty_account", customerID, fmt.Sprintf("delta=%d reason=%s", req.Delta, req.Reason))
	return account, nil
}

func (l *Ledger) EnrollCustomer(ctx context.Context, req domain.EnrollRequest) (domain.LoyaltyAccount, error) {
	var account domain.LoyaltyAccount
	err := l.run(ctx, "loyalty_enroll", func(ctx context.Context, tx store.Tx) error {
		var err error
		account, err = l.Enroll(ctx, tx, req.CustomerID, req.CardNumber)
		return err
	})
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	l.audit.Record(ctx, "", "loyalty.enroll", "loyalty_account", account.CustomerID, "card="+account.LoyaltyCardNumber)
	return account, nil
}

func (l *Ledger) ChangeTier(ctx context.Context, customerID string, tierName string) (domain.LoyaltyAccount, error) {
	var account domain.LoyaltyAccount
	err := l.run(ctx, "loyalty_set_tier", func(ctx context.Context, tx store.Tx) error {
		var err error
		account, err = l.SetTier(ctx, tx, customerID, tierName)
		return err
	})
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	l.audit.Record(ctx, "", "loyalty.set_tier", "loyalty_account", customerID, "tier="+tierName)
	return account, nil
}

func (l *Ledger) ChangeActive(ctx context.Context, customerID string, active bool) (domain.LoyaltyAccount, error) {
	var account domain.LoyaltyAccount
	err := l.run(ctx, "loyalty_set_active", func(ctx context.Context, tx store.Tx) error {
		var err error
		account, err = l.SetActive(ctx, tx, customerID, active)
		return err
	})
	if err != nil {
		return domain.LoyaltyAccount{}, err
	}
	l.audit.Record(ctx, "", "loyalty.set_active", "loyalty_account", customerID, fmt.Sprintf("active=%t", active))
	return account, nil
}

func (l *Ledger) GetAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	return l.repo.GetLoyaltyAccount(ctx, customerID)
}

func (l *Ledger) ListEntries(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyEntry, error) {
	if _, err := l.repo.GetLoyaltyAccount(ctx, customerID); err != nil {
		return nil, err
	}
	return l.repo.ListLoyaltyEntries(ctx, customerID, limit)
}
