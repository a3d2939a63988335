package service

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
)

const sweepBatchSize = 500

// SweepExpiredReservations expires every ACTIVE reservation past its expiry
// at now. A PENDING transaction holding an expired reservation is cancelled
// with all of its reservations; standalone reservations are released on
// their own. Each item is its own unit of work, so one failure does not stop
// the sweep.
func (s *SalesEngine) SweepExpiredReservations(ctx context.Context, now time.Time) (domain.SweepResult, error) {
	if now.IsZero() {
		now = s.now()
	}
	expired, err := s.repo.ListExpiredReservations(ctx, now, sweepBatchSize)
	if err != nil {
		return domain.SweepResult{}, err
	}

	result := domain.SweepResult{CancelledTransactions: []string{}}
	byTransaction := make(map[string]bool)
	var standalone []domain.Reservation
	for _, r := range expired {
		if r.TransactionID == "" {
			standalone = append(standalone, r)
			continue
		}
		byTransaction[r.TransactionID] = true
	}
	txnIDs := make([]string, 0, len(byTransaction))
	for id := range byTransaction {
		txnIDs = append(txnIDs, id)
	}
	sort.Strings(txnIDs)

	var changed []string
	for _, txnID := range txnIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var rows []string
		var cancelled bool
		expiredHere := 0
		err := s.run(ctx, "sweep_transaction", func(ctx context.Context, tx store.Tx) error {
			rows, cancelled, expiredHere = nil, false, 0
			txn, err := tx.LockSalesTransaction(ctx, txnID)
			if err != nil {
				return err
			}
			if txn.Status == domain.TxStatusPending {
				_, ids, err := s.cancelLocked(ctx, tx, txnID, "RESERVATION_EXPIRED", domain.ReservationStatusExpired)
				if err != nil {
					return err
				}
				rows, cancelled, expiredHere = ids, true, len(ids)
				return nil
			}
			reservations, err := tx.ListReservationsByTransaction(ctx, txnID)
			if err != nil {
				return err
			}
			ids, err := s.releaseReservations(ctx, tx, reservations, domain.ReservationStatusExpired, func(r domain.Reservation) bool {
				return !r.ExpiresAt.After(now)
			})
			if err != nil {
				return err
			}
			rows, expiredHere = ids, len(ids)
			return nil
		})
		if err != nil {
			s.sweepFailed(&result, "transaction", txnID, err)
			continue
		}
		result.Expired += expiredHere
		if cancelled {
			result.CancelledTransactions = append(result.CancelledTransactions, txnID)
			s.audit.Record(ctx, "", "sale.expire", "sales_transaction", txnID, "reason=RESERVATION_EXPIRED")
		}
		for i := 0; i < expiredHere; i++ {
			s.metrics.RecordReservationSwept("expired")
		}
		changed = append(changed, rows...)
	}

	for _, r := range standalone {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var expiredNow bool
		err := s.run(ctx, "sweep_reservation", func(ctx context.Context, tx store.Tx) error {
			var err error
			expiredNow, err = s.expireLocked(ctx, tx, r.ID, now)
			return err
		})
		if err != nil {
			s.sweepFailed(&result, "reservation", r.ID, err)
			continue
		}
		if expiredNow {
			result.Expired++
			s.metrics.RecordReservationSwept("expired")
			changed = append(changed, r.StockRowID)
		}
	}

	s.log.WithFields(logrus.Fields{
		"expired":   result.Expired,
		"cancelled": len(result.CancelledTransactions),
		"failed":    result.Failed,
	}).Info("reservation sweep finished")
	s.notify(ctx, changed)
	return result, nil
}

// expireLocked expires one reservation if it is still ACTIVE and past due,
// reporting whether it did.
func (s *SalesEngine) expireLocked(ctx context.Context, tx store.Tx, reservationID string, now time.Time) (bool, error) {
	r, err := tx.LockReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if r.Status != domain.ReservationStatusActive || r.ExpiresAt.After(now) {
		return false, nil
	}
	if _, err := s.stock.ReleaseReservation(ctx, tx, r.ID, domain.ReservationStatusExpired); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SalesEngine) sweepFailed(result *domain.SweepResult, entity string, id string, err error) {
	result.Failed++
	s.metrics.RecordReservationSwept("failed")
	s.log.WithFields(logrus.Fields{"entity": entity, "id": id}).WithError(err).Warn("reservation sweep item failed")
}
