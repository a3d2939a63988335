package domain

import "time"

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// LedgerEntryFilter selects movements across stock rows. Empty fields match
// everything. From is inclusive and To exclusive; a zero bound is open.
// Location fields are matched against the entry's stock row.
type LedgerEntryFilter struct {
	StockRowID  string
	ProductID   string
	BranchID    string
	WarehouseID string
	Type        string
	ActorUserID string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

func (f LedgerEntryFilter) Matches(entry LedgerEntry, row StockRow) bool {
	if f.StockRowID != "" && entry.StockRowID != f.StockRowID {
		return false
	}
	if f.Type != "" && entry.Type != f.Type {
		return false
	}
	if f.ActorUserID != "" && entry.ActorUserID != f.ActorUserID {
		return false
	}
	if !inWindow(entry.CreatedAt, f.From, f.To) {
		return false
	}
	if f.ProductID != "" && row.ProductID != f.ProductID {
		return false
	}
	if f.BranchID != "" && row.BranchID != f.BranchID {
		return false
	}
	if f.WarehouseID != "" && row.WarehouseID != f.WarehouseID {
		return false
	}
	return true
}

type LedgerEntryPage struct {
	Entries []LedgerEntry `json:"entries"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// TransactionFilter selects sales transactions by header fields. Bounds apply
// to CreatedAt.
type TransactionFilter struct {
	BranchID   string
	CustomerID string
	UserID     string
	Type       string
	Status     string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

func (f TransactionFilter) Matches(tx SalesTransaction) bool {
	if f.BranchID != "" && tx.BranchID != f.BranchID {
		return false
	}
	if f.CustomerID != "" && tx.CustomerID != f.CustomerID {
		return false
	}
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	return inWindow(tx.CreatedAt, f.From, f.To)
}

type TransactionPage struct {
	Transactions []SalesTransaction `json:"transactions"`
	Total        int                `json:"total"`
	Limit        int                `json:"limit"`
	Offset       int                `json:"offset"`
}

// NormalizePage clamps limit to [1, MaxPageSize] and offset to >= 0.
func NormalizePage(limit int, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func inWindow(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}
