package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StockRowStatusActive  = "ACTIVE"
	StockRowStatusRetired = "RETIRED"

	EntryTypeIn          = "IN"
	EntryTypeOut         = "OUT"
	EntryTypeTransferOut = "TRANSFER_OUT"
	EntryTypeTransferIn  = "TRANSFER_IN"
	EntryTypeAdjustment  = "ADJUSTMENT"

	ReservationStatusActive   = "ACTIVE"
	ReservationStatusConsumed = "CONSUMED"
	ReservationStatusReleased = "RELEASED"
	ReservationStatusExpired  = "EXPIRED"

	TxTypeSale     = "SALE"
	TxTypeReturn   = "RETURN"
	TxTypeExchange = "EXCHANGE"

	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusCancelled = "CANCELLED"
	TxStatusRefunded  = "REFUNDED"

	PaymentCash     = "CASH"
	PaymentCard     = "CARD"
	PaymentEWallet  = "EWALLET"
	PaymentGiftCard = "GIFT_CARD"
	PaymentLoyalty  = "LOYALTY"

	LoyaltyEntryEarn       = "EARN"
	LoyaltyEntryRedeem     = "REDEEM"
	LoyaltyEntryReversal   = "REVERSAL"
	LoyaltyEntryAdjustment = "ADJUSTMENT"
	LoyaltyEntryShortfall  = "SHORTFALL"

	AlertStatusOpen     = "OPEN"
	AlertStatusResolved = "RESOLVED"

	AlertSeverityLow        = "LOW_STOCK"
	AlertSeverityOutOfStock = "OUT_OF_STOCK"
)

type Actor struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id,omitempty"`
}

// StockLocation is the natural key of a stock row. Empty VariationID and
// WarehouseID mean "no variation" and "branch floor" respectively.
type StockLocation struct {
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id,omitempty"`
	BranchID    string `json:"branch_id"`
	WarehouseID string `json:"warehouse_id,omitempty"`
}

func (l StockLocation) Key() string {
	return strings.Join([]string{l.ProductID, l.VariationID, l.BranchID, l.WarehouseID}, "|")
}

type StockRow struct {
	ID                string          `json:"id"`
	ProductID         string          `json:"product_id"`
	VariationID       string          `json:"variation_id,omitempty"`
	BranchID          string          `json:"branch_id"`
	WarehouseID       string          `json:"warehouse_id,omitempty"`
	QuantityOnHand    int             `json:"quantity_on_hand"`
	ReservedQuantity  int             `json:"reserved_quantity"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	LowStockThreshold *int            `json:"low_stock_threshold,omitempty"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (r StockRow) AvailableQuantity() int {
	return r.QuantityOnHand - r.ReservedQuantity
}

func (r StockRow) Location() StockLocation {
	return StockLocation{
		ProductID:   r.ProductID,
		VariationID: r.VariationID,
		BranchID:    r.BranchID,
		WarehouseID: r.WarehouseID,
	}
}

type StockRowFilter struct {
	BranchID       string
	WarehouseID    string
	ProductID      string
	IncludeRetired bool
}

func (f StockRowFilter) Matches(row StockRow) bool {
	if f.BranchID != "" && row.BranchID != f.BranchID {
		return false
	}
	if f.WarehouseID != "" && row.WarehouseID != f.WarehouseID {
		return false
	}
	if f.ProductID != "" && row.ProductID != f.ProductID {
		return false
	}
	if !f.IncludeRetired && row.Status == StockRowStatusRetired {
		return false
	}
	return true
}

// LedgerEntry is immutable once written. Quantity is a magnitude; the sign comes
// from Type, or for adjustments from QuantityAfter relative to QuantityBefore.
type LedgerEntry struct {
	ID                      string          `json:"id"`
	StockRowID              string          `json:"stock_row_id"`
	Type                    string          `json:"type"`
	Quantity                int             `json:"quantity"`
	QuantityBefore          int             `json:"quantity_before"`
	QuantityAfter           int             `json:"quantity_after"`
	UnitCost                decimal.Decimal `json:"unit_cost"`
	ReferenceNumber         string          `json:"reference_number"`
	Reason                  string          `json:"reason"`
	CounterpartyBranchID    string          `json:"counterparty_branch_id,omitempty"`
	CounterpartyWarehouseID string          `json:"counterparty_warehouse_id,omitempty"`
	ActorUserID             string          `json:"actor_user_id"`
	CreatedAt               time.Time       `json:"created_at"`
}

func (e LedgerEntry) Delta() int {
	switch e.Type {
	case EntryTypeIn, EntryTypeTransferIn:
		return e.Quantity
	case EntryTypeOut, EntryTypeTransferOut:
		return -e.Quantity
	case EntryTypeAdjustment:
		if e.QuantityAfter < e.QuantityBefore {
			return -e.Quantity
		}
		return e.Quantity
	default:
		return 0
	}
}

type Reservation struct {
	ID            string    `json:"id"`
	StockRowID    string    `json:"stock_row_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type SalesTransaction struct {
	ID                    string          `json:"id"`
	TransactionNumber     string          `json:"transaction_number"`
	BranchID              string          `json:"branch_id"`
	CustomerID            string          `json:"customer_id,omitempty"`
	UserID                string          `json:"user_id"`
	Type                  string          `json:"type"`
	Status                string          `json:"status"`
	OriginalTransactionID string          `json:"original_transaction_id,omitempty"`
	Subtotal              decimal.Decimal `json:"subtotal"`
	DiscountAmount        decimal.Decimal `json:"discount_amount"`
	TaxAmount             decimal.Decimal `json:"tax_amount"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	AmountPaid            decimal.Decimal `json:"amount_paid"`
	ChangeGiven           decimal.Decimal `json:"change_given"`
	TierDiscountPercent   decimal.Decimal `json:"tier_discount_percent"`
	LoyaltyPointsEarned   int             `json:"loyalty_points_earned"`
	LoyaltyPointsRedeemed int             `json:"loyalty_points_redeemed"`
	LoyaltyPointsReversed int             `json:"loyalty_points_reversed"`
	Reason                string          `json:"reason,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
	Items                 []SalesItem     `json:"items"`
	Payments              []Payment       `json:"payments"`
	ReturnTransactionIDs  []string        `json:"return_transaction_ids,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	CancelledAt           *time.Time      `json:"cancelled_at,omitempty"`
}

// SalesItem copies price and cost at sale time so later catalog changes do not
// rewrite history. Return lines carry OriginalItemID and negative amounts.
type SalesItem struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transaction_id"`
	ProductID      string          `json:"product_id"`
	VariationID    string          `json:"variation_id,omitempty"`
	StockRowID     string          `json:"stock_row_id"`
	OriginalItemID string          `json:"original_item_id,omitempty"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	SKU            string          `json:"sku,omitempty"`
	Name           string          `json:"name,omitempty"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalPrice     decimal.Decimal `json:"total_price"`
}

type Payment struct {
	ID                string          `json:"id"`
	TransactionID     string          `json:"transaction_id"`
	Method            string          `json:"method"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ReferenceNumber   string          `json:"reference_number,omitempty"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	CardLastFour      string          `json:"card_last_four,omitempty"`
	Approved          bool            `json:"approved"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ReturnedLine sums prior return lines that reference one original item.
// ReturnedLine sums what earlier returns already took back from one
// original sale line. Amounts are positive.
type ReturnedLine struct {
	Quantity       int
	GrossAmount    decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
}

type LoyaltyAccount struct {
	CustomerID        string     `json:"customer_id"`
	LoyaltyCardNumber string     `json:"loyalty_card_number"`
	PointsBalance     int        `json:"points_balance"`
	TotalEarned       int        `json:"total_earned"`
	TotalRedeemed     int        `json:"total_redeemed"`
	PointsShortfall   int        `json:"points_shortfall"`
	Tier              string     `json:"tier"`
	IsActive          bool       `json:"is_active"`
	JoinedAt          time.Time  `json:"joined_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	LastUpgradeAt     *time.Time `json:"last_upgrade_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type LoyaltyEntry struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customer_id"`
	Type               string     `json:"type"`
	Points             int        `json:"points"`
	BalanceAfter       int        `json:"balance_after"`
	Reason             string     `json:"reason"`
	SalesTransactionID string     `json:"sales_transaction_id,omitempty"`
	TransactionDate    time.Time  `json:"transaction_date"`
	ExpirationDate     *time.Time `json:"expiration_date,omitempty"`
}

type LowStockAlert struct {
	ID                string     `json:"id"`
	StockRowID        string     `json:"stock_row_id"`
	ProductID         string     `json:"product_id"`
	VariationID       string     `json:"variation_id,omitempty"`
	BranchID          string     `json:"branch_id"`
	WarehouseID       string     `json:"warehouse_id,omitempty"`
	SKU               string     `json:"sku,omitempty"`
	ProductName       string     `json:"product_name,omitempty"`
	AvailableQuantity int        `json:"available_quantity"`
	Threshold         int        `json:"threshold"`
	Severity          string     `json:"severity"`
	Status            string     `json:"status"`
	RaisedAt          time.Time  `json:"raised_at"`
	LastNotifiedAt    *time.Time `json:"last_notified_at,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

type AlertFilter struct {
	BranchID    string
	WarehouseID string
	Status      string
}

func (f AlertFilter) Matches(alert LowStockAlert) bool {
	if f.BranchID != "" && alert.BranchID != f.BranchID {
		return false
	}
	if f.WarehouseID != "" && alert.WarehouseID != f.WarehouseID {
		return false
	}
	if f.Status != "" && alert.Status != f.Status {
		return false
	}
	return true
}

type AuditLog struct {
	ID          string    `json:"id"`
	BranchID    string    `json:"branch_id"`
	ActorUserID string    `json:"actor_user_id"`
	ActorRole   string    `json:"actor_role"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"created_at"`
}

type Product struct {
	ProductID    string          `json:"product_id"`
	VariationID  string          `json:"variation_id,omitempty"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Active       bool            `json:"active"`
}
