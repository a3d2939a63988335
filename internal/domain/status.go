package domain

// transactionTransitions lists every legal SalesTransaction status change.
var transactionTransitions = map[string][]string{
	TxStatusPending:   {TxStatusCompleted, TxStatusCancelled},
	TxStatusCompleted: {TxStatusRefunded},
}

var stockRowTransitions = map[string][]string{
	StockRowStatusActive:  {StockRowStatusRetired},
	StockRowStatusRetired: {StockRowStatusActive},
}

var reservationTransitions = map[string][]string{
	ReservationStatusActive: {ReservationStatusConsumed, ReservationStatusReleased, ReservationStatusExpired},
}

func CanTransitionTransaction(from string, to string) bool {
	return allowed(transactionTransitions, from, to)
}

func CanTransitionStockRow(from string, to string) bool {
	return allowed(stockRowTransitions, from, to)
}

func CanTransitionReservation(from string, to string) bool {
	return allowed(reservationTransitions, from, to)
}

func allowed(table map[string][]string, from string, to string) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}
