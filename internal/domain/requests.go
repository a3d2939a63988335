package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleItemRequest struct {
	ProductID      string          `json:"product_id" validate:"required"`
	VariationID    string          `json:"variation_id,omitempty"`
	StockRowID     string          `json:"stock_row_id,omitempty"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price" validate:"gte=0"`
	DiscountAmount decimal.Decimal `json:"discount_amount" validate:"gte=0"`
	TaxRate        decimal.Decimal `json:"tax_rate" validate:"gte=0,lte=100"`
}

type PaymentRequest struct {
	Method            string          `json:"method" validate:"required,oneof=CASH CARD EWALLET GIFT_CARD"`
	Amount            decimal.Decimal `json:"amount" validate:"gte=0"`
	Currency          string          `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	ReferenceNumber   string          `json:"reference_number,omitempty"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	CardLastFour      string          `json:"card_last_four,omitempty" validate:"omitempty,len=4,numeric"`
}

// SaleRequest drives both the one-shot sale and the reserve-first checkout. A
// terminal may pre-assign TransactionNumber when it allocates numbers offline.
type SaleRequest struct {
	TransactionNumber string            `json:"transaction_number,omitempty" validate:"omitempty,max=40"`
	BranchID          string            `json:"branch_id" validate:"required"`
	UserID            string            `json:"user_id,omitempty"`
	CustomerID        string            `json:"customer_id,omitempty"`
	Items             []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
	Payments          []PaymentRequest  `json:"payments,omitempty" validate:"dive"`
	RedeemPoints      int               `json:"redeem_points,omitempty" validate:"gte=0"`
	Notes             string            `json:"notes,omitempty" validate:"max=500"`
}

type CompleteCheckoutRequest struct {
	Payments     []PaymentRequest `json:"payments" validate:"dive"`
	RedeemPoints int              `json:"redeem_points,omitempty" validate:"gte=0"`
}

type CancelTransactionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type ReturnItemRequest struct {
	OriginalItemID string `json:"original_item_id" validate:"required"`
	Quantity       int    `json:"quantity"`
	Reason         string `json:"reason,omitempty" validate:"max=200"`
}

type ReturnRequest struct {
	OriginalTransactionNumber string              `json:"original_transaction_number" validate:"required"`
	UserID                    string              `json:"user_id,omitempty"`
	Items                     []ReturnItemRequest `json:"items" validate:"required,min=1,dive"`
	RefundPayment             *PaymentRequest     `json:"refund_payment,omitempty"`
	Reason                    string              `json:"reason" validate:"max=500"`
}

type ExchangeRequest struct {
	OriginalTransactionNumber string              `json:"original_transaction_number" validate:"required"`
	UserID                    string              `json:"user_id,omitempty"`
	ReturnItems               []ReturnItemRequest `json:"return_items" validate:"required,min=1,dive"`
	NewItems                  []SaleItemRequest   `json:"new_items" validate:"required,min=1,dive"`
	Payments                  []PaymentRequest    `json:"payments,omitempty" validate:"dive"`
	RefundPayment             *PaymentRequest     `json:"refund_payment,omitempty"`
	Reason                    string              `json:"reason" validate:"max=500"`
}

type ReserveRequest struct {
	StockRowID    string        `json:"stock_row_id"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Quantity      int           `json:"quantity"`
	TTL           time.Duration `json:"-"`
}

type ReleaseRequest struct {
	StockRowID string `json:"stock_row_id"`
	Quantity   int    `json:"quantity"`
}

type DebitRequest struct {
	StockRowID      string
	Quantity        int
	ReservationID   string
	Reason          string
	ReferenceNumber string
	ActorUserID     string
}

type CreditRequest struct {
	StockRowID      string
	Quantity        int
	UnitCost        decimal.Decimal
	Reason          string
	ReferenceNumber string
	ActorUserID     string
}

type AdjustRequest struct {
	NewQuantity int    `json:"new_quantity"`
	Reason      string `json:"reason" validate:"required,max=200"`
}

type ReceiveStockRequest struct {
	ProductID         string          `json:"product_id" validate:"required"`
	VariationID       string          `json:"variation_id,omitempty"`
	BranchID          string          `json:"branch_id" validate:"required"`
	WarehouseID       string          `json:"warehouse_id,omitempty"`
	Quantity          int             `json:"quantity"`
	UnitCost          decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	LowStockThreshold *int            `json:"low_stock_threshold,omitempty" validate:"omitempty,gte=0"`
	ReferenceNumber   string          `json:"reference_number,omitempty" validate:"max=60"`
	Reason            string          `json:"reason,omitempty" validate:"max=200"`
}

type TransferRequest struct {
	FromStockRowID string          `json:"from_stock_row_id" validate:"required"`
	ToBranchID     string          `json:"to_branch_id" validate:"required"`
	ToWarehouseID  string          `json:"to_warehouse_id,omitempty"`
	Quantity       int             `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	Reason         string          `json:"reason,omitempty" validate:"max=200"`
}

type TransferResult struct {
	FromRow         StockRow      `json:"from_row"`
	ToRow           StockRow      `json:"to_row"`
	Entries         []LedgerEntry `json:"entries"`
	ReferenceNumber string        `json:"reference_number"`
}

type EnrollRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	CardNumber string `json:"card_number,omitempty" validate:"omitempty,max=50"`
}

type RedeemRequest struct {
	Points int    `json:"points"`
	Reason string `json:"reason" validate:"max=200"`
}

type LoyaltyAdjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason" validate:"required,max=200"`
}

type SweepResult struct {
	Expired               int      `json:"expired"`
	CancelledTransactions []string `json:"cancelled_transactions"`
	Failed                int      `json:"failed"`
}

type AlertEvaluation struct {
	Evaluated  int `json:"evaluated"`
	Raised     int `json:"raised"`
	Notified   int `json:"notified"`
	Suppressed int `json:"suppressed"`
	Resolved   int `json:"resolved"`
}

type TransactionDetail struct {
	Transaction SalesTransaction   `json:"transaction"`
	Returns     []SalesTransaction `json:"returns,omitempty"`
}

type BulkAdjustItem struct {
	StockRowID  string `json:"stock_row_id" validate:"required"`
	NewQuantity int    `json:"new_quantity"`
}

// BulkAdjustRequest sets several rows to counted quantities under one reason,
// all or nothing.
type BulkAdjustRequest struct {
	Items  []BulkAdjustItem `json:"items" validate:"required,min=1,max=200,dive"`
	Reason string           `json:"reason" validate:"required,max=200"`
}

type BulkAdjustResult struct {
	Rows    []StockRow    `json:"rows"`
	Entries []LedgerEntry `json:"entries"`
}

type BulkTransferRequest struct {
	Transfers []TransferRequest `json:"transfers" validate:"required,min=1,max=100,dive"`
}

type BulkTransferResult struct {
	Transfers []TransferResult `json:"transfers"`
}
