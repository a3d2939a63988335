package store

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound                   = errors.New("not found")
	ErrInsufficientStock          = errors.New("insufficient stock")
	ErrInsufficientPoints         = errors.New("insufficient loyalty points")
	ErrInvalidQuantity            = errors.New("invalid quantity")
	ErrInvalidStateTransition     = errors.New("invalid state transition")
	ErrOverReturn                 = errors.New("return exceeds returnable quantity")
	ErrPaymentShortfall           = errors.New("payment shortfall")
	ErrDuplicateTransactionNumber = errors.New("duplicate transaction number")
	ErrConcurrencyConflict        = errors.New("concurrency conflict")
	ErrInvalidRequest             = errors.New("invalid request")
	ErrReservationExpired         = errors.New("reservation expired")
	ErrDuplicate                  = errors.New("duplicate key")
)

const (
	KindNotFound                   = "NOT_FOUND"
	KindInsufficientStock          = "INSUFFICIENT_STOCK"
	KindInsufficientPoints         = "INSUFFICIENT_POINTS"
	KindInvalidQuantity            = "INVALID_QUANTITY"
	KindInvalidStateTransition     = "INVALID_STATE_TRANSITION"
	KindOverReturn                 = "OVER_RETURN"
	KindPaymentShortfall           = "PAYMENT_SHORTFALL"
	KindDuplicateTransactionNumber = "DUPLICATE_TRANSACTION_NUMBER"
	KindConcurrencyConflict        = "CONCURRENCY_CONFLICT"
	KindValidation                 = "VALIDATION"
	KindReservationExpired         = "RESERVATION_EXPIRED"
	KindDuplicate                  = "DUPLICATE"
	KindInternal                   = "INTERNAL"
)

var kinds = []struct {
	sentinel error
	kind     string
}{
	{ErrNotFound, KindNotFound},
	{ErrInsufficientStock, KindInsufficientStock},
	{ErrInsufficientPoints, KindInsufficientPoints},
	{ErrInvalidQuantity, KindInvalidQuantity},
	{ErrInvalidStateTransition, KindInvalidStateTransition},
	{ErrOverReturn, KindOverReturn},
	{ErrPaymentShortfall, KindPaymentShortfall},
	{ErrDuplicateTransactionNumber, KindDuplicateTransactionNumber},
	{ErrConcurrencyConflict, KindConcurrencyConflict},
	{ErrInvalidRequest, KindValidation},
	{ErrReservationExpired, KindReservationExpired},
	{ErrDuplicate, KindDuplicate},
}

// KindOf returns the stable kind string clients branch on.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// Detailer is implemented by errors that carry the offending identifiers.
type Detailer interface {
	Details() map[string]any
}

// DetailsOf returns the details of the first Detailer in err's chain.
func DetailsOf(err error) map[string]any {
	var d Detailer
	if errors.As(err, &d) {
		return d.Details()
	}
	return nil
}

type InsufficientStockError struct {
	StockRowID string
	ProductID  string
	Requested  int
	Available  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s on row %s: requested %d, available %d", e.ProductID, e.StockRowID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

func (e *InsufficientStockError) Details() map[string]any {
	return map[string]any{
		"stock_row_id": e.StockRowID,
		"product_id":   e.ProductID,
		"requested":    e.Requested,
		"available":    e.Available,
	}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func (e *NotFoundError) Details() map[string]any {
	return map[string]any{"entity": e.Entity, "id": e.ID}
}

func NotFound(entity string, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

type InvalidQuantityError struct {
	Field string
	Value int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for %s", e.Value, e.Field)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

func (e *InvalidQuantityError) Details() map[string]any {
	return map[string]any{"field": e.Field, "value": e.Value}
}

type StateTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

func (e *StateTransitionError) Details() map[string]any {
	return map[string]any{"entity": e.Entity, "id": e.ID, "from": e.From, "to": e.To}
}

type OverReturnError struct {
	OriginalItemID string
	Requested      int
	Returnable     int
}

func (e *OverReturnError) Error() string {
	return fmt.Sprintf("item %s: requested return of %d, only %d returnable", e.OriginalItemID, e.Requested, e.Returnable)
}

func (e *OverReturnError) Unwrap() error { return ErrOverReturn }

func (e *OverReturnError) Details() map[string]any {
	return map[string]any{
		"original_item_id": e.OriginalItemID,
		"requested":        e.Requested,
		"returnable":       e.Returnable,
	}
}

type PaymentShortfallError struct {
	Total decimal.Decimal
	Paid  decimal.Decimal
}

func (e *PaymentShortfallError) Error() string {
	return fmt.Sprintf("payments %s do not cover total %s", e.Paid.StringFixed(2), e.Total.StringFixed(2))
}

func (e *PaymentShortfallError) Unwrap() error { return ErrPaymentShortfall }

func (e *PaymentShortfallError) Details() map[string]any {
	return map[string]any{"total": e.Total.StringFixed(2), "paid": e.Paid.StringFixed(2)}
}

type InsufficientPointsError struct {
	CustomerID string
	Requested  int
	Balance    int
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("customer %s: requested %d points, balance %d", e.CustomerID, e.Requested, e.Balance)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

func (e *InsufficientPointsError) Details() map[string]any {
	return map[string]any{"customer_id": e.CustomerID, "requested": e.Requested, "balance": e.Balance}
}

type DuplicateTransactionNumberError struct {
	Number string
}

func (e *DuplicateTransactionNumberError) Error() string {
	return fmt.Sprintf("transaction number %s already exists", e.Number)
}

func (e *DuplicateTransactionNumberError) Unwrap() error { return ErrDuplicateTransactionNumber }

func (e *DuplicateTransactionNumberError) Details() map[string]any {
	return map[string]any{"transaction_number": e.Number}
}

type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Rule)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

func (e *ValidationError) Details() map[string]any {
	return map[string]any{"field": e.Field, "rule": e.Rule}
}

func Invalid(field string, rule string) error {
	return &ValidationError{Field: field, Rule: rule}
}
