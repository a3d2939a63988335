package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionTransitions(t *testing.T) {
	legal := [][2]string{
		{TxStatusPending, TxStatusCompleted},
		{TxStatusPending, TxStatusCancelled},
		{TxStatusCompleted, TxStatusRefunded},
	}
	for _, tr := range legal {
		assert.Truef(t, CanTransitionTransaction(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]string{
		{TxStatusCompleted, TxStatusCancelled},
		{TxStatusCancelled, TxStatusCompleted},
		{TxStatusRefunded, TxStatusCompleted},
		{TxStatusPending, TxStatusRefunded},
		{TxStatusCompleted, TxStatusPending},
	}
	for _, tr := range illegal {
		assert.Falsef(t, CanTransitionTransaction(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestReservationTransitionsAreTerminal(t *testing.T) {
	assert.True(t, CanTransitionReservation(ReservationStatusActive, ReservationStatusExpired))
	for _, from := range []string{ReservationStatusConsumed, ReservationStatusReleased, ReservationStatusExpired} {
		assert.False(t, CanTransitionReservation(from, ReservationStatusActive))
	}
}

func TestStockRowRetireAndReactivate(t *testing.T) {
	assert.True(t, CanTransitionStockRow(StockRowStatusActive, StockRowStatusRetired))
	assert.True(t, CanTransitionStockRow(StockRowStatusRetired, StockRowStatusActive))
	assert.False(t, CanTransitionStockRow(StockRowStatusRetired, StockRowStatusRetired))
}

func TestAvailableQuantity(t *testing.T) {
	row := StockRow{QuantityOnHand: 7, ReservedQuantity: 3}
	assert.Equal(t, 4, row.AvailableQuantity())
}
