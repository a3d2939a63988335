package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nationalpos/backend/internal/domain"
)

func (a *API) stockChanged(ctx context.Context, stockRowIDs ...string) {
	if a.alerts == nil {
		return
	}
	a.alerts.StockChanged(ctx, stockRowIDs)
}

func (a *API) handleSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branchID, err := branchFor(r.Context(), req.BranchID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	req.BranchID = branchID

	txn, err := a.engine.ProcessSale(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (a *API) handleBeginCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branchID, err := branchFor(r.Context(), req.BranchID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	req.BranchID = branchID

	txn, err := a.engine.BeginCheckout(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (a *API) handleCompleteCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CompleteCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txn, err := a.engine.CompleteCheckout(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (a *API) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txn, err := a.engine.CancelTransaction(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	detail, err := a.engine.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txn, err := a.engine.ProcessReturn(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (a *API) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req domain.ExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txn, err := a.engine.ProcessExchange(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (a *API) handleListStockRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branchID, err := branchFor(r.Context(), q.Get("branch_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	rows, err := a.stock.ListStockRows(r.Context(), domain.StockRowFilter{
		BranchID:       branchID,
		WarehouseID:    strings.TrimSpace(q.Get("warehouse_id")),
		ProductID:      strings.TrimSpace(q.Get("product_id")),
		IncludeRetired: q.Get("include_retired") == "true",
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock_rows": rows})
}

func (a *API) handleGetStockRow(w http.ResponseWriter, r *http.Request) {
	row, err := a.stock.GetStockRow(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (a *API) handleListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	entries, err := a.stock.ListLedgerEntries(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type reserveBody struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Quantity      int    `json:"quantity"`
	TTLSeconds    int    `json:"ttl_seconds,omitempty"`
}

func (a *API) handleReserve(w http.ResponseWriter, r *http.Request) {
	var body reserveBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, errors.New("ttl_seconds must not be negative"))
		return
	}
	reservation, row, err := a.stock.ReserveStock(r.Context(), domain.ReserveRequest{
		StockRowID:    r.PathValue("id"),
		TransactionID: body.TransactionID,
		Quantity:      body.Quantity,
		TTL:           time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.stockChanged(r.Context(), row.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"reservation": reservation, "stock_row": row})
}

type quantityBody struct {
	Quantity int `json:"quantity"`
}

func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body quantityBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	row, err := a.stock.ReleaseStock(r.Context(), domain.ReleaseRequest{StockRowID: r.PathValue("id"), Quantity: body.Quantity})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.stockChanged(r.Context(), row.ID)
	writeJSON(w, http.StatusOK, row)
}

func (a *API) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	reservation, err := a.stock.CancelReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.stockChanged(r.Context(), reservation.StockRowID)
	writeJSON(w, http.StatusOK, reservation)
}

func (a *API) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	row, entry, err := a.stock.AdjustStock(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.stockChanged(r.Context(), row.ID)
	writeJSON(w, http.StatusOK, map[string]any{"stock_row": row, "entry": entry})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (a *API) handleRetire(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	row, err := a.stock.RetireStockRow(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.stockChanged(r.Context(), row.ID)
	writeJSON(w, http.StatusOK, row)
}

func (a *API) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req domain.ReceiveStockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branchID, err := branchFor(r.Context(), req.BranchID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	req.BranchID = branchID

	row, entry, err := a.stock.ReceiveStock(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.stockChanged(r.Context(), row.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"stock_row": row, "entry": entry})
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.stock.TransferStock(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.stockChanged(r.Context(), result.FromRow.ID, result.ToRow.ID)
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleBulkAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.BulkAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.stock.BulkAdjustStock(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ids := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		ids = append(ids, row.ID)
	}
	a.stockChanged(r.Context(), ids...)
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleBulkTransfer(w http.ResponseWriter, r *http.Request) {
	var req domain.BulkTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.stock.BulkTransferStock(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ids := make([]string, 0, 2*len(result.Transfers))
	for _, moved := range result.Transfers {
		ids = append(ids, moved.FromRow.ID, moved.ToRow.ID)
	}
	a.stockChanged(r.Context(), ids...)
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSearchMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branchID, err := branchFor(r.Context(), q.Get("branch_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	from, to, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, offset := parsePage(q.Get("limit"), q.Get("offset"))
	page, err := a.stock.SearchMovements(r.Context(), domain.LedgerEntryFilter{
		StockRowID:  strings.TrimSpace(q.Get("stock_row_id")),
		ProductID:   strings.TrimSpace(q.Get("product_id")),
		BranchID:    branchID,
		WarehouseID: strings.TrimSpace(q.Get("warehouse_id")),
		Type:        strings.ToUpper(strings.TrimSpace(q.Get("type"))),
		ActorUserID: strings.TrimSpace(q.Get("user_id")),
		From:        from,
		To:          to,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleSearchTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branchID, err := branchFor(r.Context(), q.Get("branch_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	from, to, err := parseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, offset := parsePage(q.Get("limit"), q.Get("offset"))
	page, err := a.engine.SearchTransactions(r.Context(), domain.TransactionFilter{
		BranchID:   branchID,
		CustomerID: strings.TrimSpace(q.Get("customer_id")),
		UserID:     strings.TrimSpace(q.Get("user_id")),
		Type:       strings.ToUpper(strings.TrimSpace(q.Get("type"))),
		Status:     strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		From:       from,
		To:         to,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleListTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tiers": a.loyalty.Tiers()})
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req domain.EnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := a.loyalty.EnrollCustomer(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := a.loyalty.GetAccount(r.Context(), r.PathValue("customerID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) handleListLoyaltyEntries(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	entries, err := a.loyalty.ListEntries(r.Context(), r.PathValue("customerID"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req domain.RedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := a.loyalty.RedeemPoints(r.Context(), r.PathValue("customerID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) handleLoyaltyAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.LoyaltyAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := a.loyalty.AdjustPoints(r.Context(), r.PathValue("customerID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type tierBody struct {
	Tier string `json:"tier"`
}

func (a *API) handleSetTier(w http.ResponseWriter, r *http.Request) {
	var body tierBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := a.loyalty.ChangeTier(r.Context(), r.PathValue("customerID"), body.Tier)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type activeBody struct {
	Active *bool `json:"active"`
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var body activeBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Active == nil {
		writeError(w, http.StatusBadRequest, errors.New("active required"))
		return
	}
	account, err := a.loyalty.ChangeActive(r.Context(), r.PathValue("customerID"), *body.Active)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) handleLowStockAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branchID, err := branchFor(r.Context(), q.Get("branch_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	alerts, err := a.alerts.GetLowStockAlerts(r.Context(), branchID, strings.TrimSpace(q.Get("warehouse_id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

type evaluateBody struct {
	BranchID    string `json:"branch_id,omitempty"`
	WarehouseID string `json:"warehouse_id,omitempty"`
}

func (a *API) handleEvaluateAlerts(w http.ResponseWriter, r *http.Request) {
	var body evaluateBody
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branchID, err := branchFor(r.Context(), body.BranchID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	result, err := a.alerts.Evaluate(r.Context(), domain.StockRowFilter{BranchID: branchID, WarehouseID: body.WarehouseID})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("from: %w", err))
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("to: %w", err))
		return
	}
	limit := parsePositiveLimit(q.Get("limit"), 100, 500)
	logs, err := a.engine.ListAuditLogs(r.Context(), strings.TrimSpace(q.Get("branch_id")), from, to, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := a.engine.SweepExpiredReservations(r.Context(), time.Time{})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC3339 or YYYY-MM-DD")
	}
	return t.UTC(), nil
}

func parseWindow(rawFrom string, rawTo string) (time.Time, time.Time, error) {
	from, err := parseTimeParam(rawFrom)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	to, err := parseTimeParam(rawTo)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
	}
	return from, to, nil
}

func parsePage(rawLimit string, rawOffset string) (int, int) {
	limit := parsePositiveLimit(rawLimit, domain.DefaultPageSize, domain.MaxPageSize)
	offset, err := strconv.Atoi(strings.TrimSpace(rawOffset))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
