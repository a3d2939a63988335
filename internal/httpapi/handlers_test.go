package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	res := env.do(t, call{method: http.MethodGet, path: "/healthz"})

	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, true, decodeBody(t, res)["ok"])
}

func TestSaleCreatesCompletedTransaction(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: token, body: saleBody("prod-x", 3, 300)})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	body := decodeBody(t, res)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, "300", body["total_amount"])
	number, _ := body["transaction_number"].(string)
	require.NotEmpty(t, number)

	row, err := env.repo.GetStockRow(context.Background(), env.rowX.ID)
	require.NoError(t, err)
	assert.Equal(t, 17, row.QuantityOnHand)

	lookup := env.do(t, call{method: http.MethodGet, path: "/api/v1/transactions/" + number, token: token})
	require.Equal(t, http.StatusOK, lookup.Code)
	detail := decodeBody(t, lookup)["transaction"].(map[string]any)
	assert.Equal(t, body["id"], detail["id"])
}

func TestSaleInsufficientStockReturnsKindAndDetails(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: token, body: saleBody("prod-x", 25, 2500)})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, "INSUFFICIENT_STOCK", body["kind"])
	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 25, details["requested"])
	assert.EqualValues(t, 20, details["available"])

	row, err := env.repo.GetStockRow(context.Background(), env.rowX.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, row.QuantityOnHand)
}

func TestSaleRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: token, rawBody: `{"branch_id":"branch-a","surprise":true}`})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "VALIDATION", decodeBody(t, res)["kind"])
}

func TestSaleValidationMapsToBadRequest(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: token, body: map[string]any{"branch_id": "branch-a"}})
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "VALIDATION", decodeBody(t, res)["kind"])
}

func TestBranchScopedCashierCannotSellElsewhere(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-b")

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: token, body: saleBody("prod-x", 1, 100)})
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Equal(t, "FORBIDDEN", decodeBody(t, res)["kind"])
}

func TestMissingStockRowIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	res := env.do(t, call{method: http.MethodGet, path: "/api/v1/stock-rows/row-missing", token: token})
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, res)["kind"])
}

func TestReturnRequiresManagerPIN(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	sale := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: token, body: saleBody("prod-x", 2, 200)})
	require.Equal(t, http.StatusCreated, sale.Code, sale.Body.String())
	body := decodeBody(t, sale)
	items := body["items"].([]any)
	itemID := items[0].(map[string]any)["id"]

	returnBody := map[string]any{
		"original_transaction_number": body["transaction_number"],
		"items":                       []map[string]any{{"original_item_id": itemID, "quantity": 1}},
		"reason":                      "damaged",
	}

	denied := env.do(t, call{method: http.MethodPost, path: "/api/v1/returns", token: token, body: returnBody})
	assert.Equal(t, http.StatusForbidden, denied.Code)

	wrong := env.do(t, call{method: http.MethodPost, path: "/api/v1/returns", token: token, pin: "000000", body: returnBody})
	assert.Equal(t, http.StatusForbidden, wrong.Code)

	approved := env.do(t, call{method: http.MethodPost, path: "/api/v1/returns", token: token, pin: testPIN, body: returnBody})
	require.Equal(t, http.StatusCreated, approved.Code, approved.Body.String())
	assert.Equal(t, "RETURN", decodeBody(t, approved)["type"])

	row, err := env.repo.GetStockRow(context.Background(), env.rowX.ID)
	require.NoError(t, err)
	assert.Equal(t, 19, row.QuantityOnHand)
}

func TestRoleGuards(t *testing.T) {
	env := newTestEnv(t)

	unauth := env.do(t, call{method: http.MethodGet, path: "/api/v1/stock-rows"})
	assert.Equal(t, http.StatusUnauthorized, unauth.Code)

	garbage := env.do(t, call{method: http.MethodGet, path: "/api/v1/stock-rows", token: "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, garbage.Code)

	cashier := env.token(t, RoleCashier, "branch-a")
	forbidden := env.do(t, call{method: http.MethodGet, path: "/api/v1/audit-logs", token: cashier})
	assert.Equal(t, http.StatusForbidden, forbidden.Code)

	admin := env.token(t, RoleAdmin, "")
	allowed := env.do(t, call{method: http.MethodGet, path: "/api/v1/audit-logs", token: admin})
	assert.Equal(t, http.StatusOK, allowed.Code)
}

func TestSaleBelowThresholdRaisesLowStockAlert(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: token, body: saleBody("prod-x", 12, 1200)})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	alerts := env.do(t, call{method: http.MethodGet, path: "/api/v1/alerts/low-stock?branch_id=branch-a", token: token})
	require.Equal(t, http.StatusOK, alerts.Code)
	list := decodeBody(t, alerts)["alerts"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, env.rowX.ID, first["stock_row_id"])
	assert.EqualValues(t, 8, first["available_quantity"])
	assert.Equal(t, "LOW_STOCK", first["severity"])
}

func TestAdjustTriggersAlertAndReceiveResolvesIt(t *testing.T) {
	env := newTestEnv(t)
	supervisor := env.token(t, RoleSupervisor, "branch-a")

	adjust := env.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/stock-rows/" + env.rowY.ID + "/adjust",
		token:  supervisor,
		pin:    testPIN,
		body:   map[string]any{"new_quantity": 0, "reason": "count"},
	})
	require.Equal(t, http.StatusOK, adjust.Code, adjust.Body.String())

	alerts := env.do(t, call{method: http.MethodGet, path: "/api/v1/alerts/low-stock", token: supervisor})
	list := decodeBody(t, alerts)["alerts"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "OUT_OF_STOCK", list[0].(map[string]any)["severity"])

	receive := env.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/stock/receipts",
		token:  supervisor,
		body:   map[string]any{"product_id": "prod-y", "branch_id": "branch-a", "quantity": 40, "unit_cost": 150},
	})
	require.Equal(t, http.StatusCreated, receive.Code, receive.Body.String())

	after := env.do(t, call{method: http.MethodGet, path: "/api/v1/alerts/low-stock", token: supervisor})
	assert.Empty(t, decodeBody(t, after)["alerts"])
}

func TestCheckoutAndCancelOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	begin := env.do(t, call{method: http.MethodPost, path: "/api/v1/checkouts", token: token, body: map[string]any{
		"branch_id": "branch-a",
		"items":     []map[string]any{{"product_id": "prod-y", "quantity": 2, "tax_rate": 0}},
	}})
	require.Equal(t, http.StatusCreated, begin.Code, begin.Body.String())
	txn := decodeBody(t, begin)
	assert.Equal(t, "PENDING", txn["status"])
	id := txn["id"].(string)

	row, err := env.repo.GetStockRow(context.Background(), env.rowY.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, row.ReservedQuantity)

	cancel := env.do(t, call{method: http.MethodPost, path: "/api/v1/transactions/" + id + "/cancel", token: token, pin: testPIN, body: map[string]any{"reason": "customer left"}})
	require.Equal(t, http.StatusOK, cancel.Code, cancel.Body.String())
	assert.Equal(t, "CANCELLED", decodeBody(t, cancel)["status"])

	row, err = env.repo.GetStockRow(context.Background(), env.rowY.ID)
	require.NoError(t, err)
	assert.Zero(t, row.ReservedQuantity)
	assert.Equal(t, 30, row.QuantityOnHand)

	again := env.do(t, call{method: http.MethodPost, path: "/api/v1/checkouts/" + id + "/complete", token: token, body: map[string]any{
		"payments": []map[string]any{{"method": "CASH", "amount": 500}},
	}})
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", decodeBody(t, again)["kind"])
}

func TestLoyaltyEnrollAndRedeem(t *testing.T) {
	env := newTestEnv(t)
	cashier := env.token(t, RoleCashier, "branch-a")
	admin := env.token(t, RoleAdmin, "")

	enroll := env.do(t, call{method: http.MethodPost, path: "/api/v1/loyalty/accounts", token: cashier, body: map[string]any{"customer_id": "cust-1"}})
	require.Equal(t, http.StatusCreated, enroll.Code, enroll.Body.String())

	adjust := env.do(t, call{method: http.MethodPost, path: "/api/v1/loyalty/accounts/cust-1/adjust", token: admin, pin: testPIN, body: map[string]any{"delta": 300, "reason": "goodwill"}})
	require.Equal(t, http.StatusOK, adjust.Code, adjust.Body.String())

	short := env.do(t, call{method: http.MethodPost, path: "/api/v1/loyalty/accounts/cust-1/redeem", token: cashier, body: map[string]any{"points": 500}})
	assert.Equal(t, http.StatusUnprocessableEntity, short.Code)
	assert.Equal(t, "INSUFFICIENT_POINTS", decodeBody(t, short)["kind"])

	ok := env.do(t, call{method: http.MethodPost, path: "/api/v1/loyalty/accounts/cust-1/redeem", token: cashier, body: map[string]any{"points": 120}})
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.EqualValues(t, 180, decodeBody(t, ok)["points_balance"])
}

func TestAdminSweep(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, RoleAdmin, "")

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/admin/reservations/sweep", token: admin})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.EqualValues(t, 0, decodeBody(t, res)["expired"])
}

func TestBulkAdjustRequiresPINAndRaisesAlerts(t *testing.T) {
	env := newTestEnv(t)
	supervisor := env.token(t, RoleSupervisor, "branch-a")
	body := map[string]any{
		"reason": "cycle count",
		"items": []map[string]any{
			{"stock_row_id": env.rowX.ID, "new_quantity": 0},
			{"stock_row_id": env.rowY.ID, "new_quantity": 28},
		},
	}

	denied := env.do(t, call{method: http.MethodPost, path: "/api/v1/stock/bulk-adjustments", token: supervisor, body: body})
	assert.Equal(t, http.StatusForbidden, denied.Code)

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/stock/bulk-adjustments", token: supervisor, pin: testPIN, body: body})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Len(t, decodeBody(t, res)["entries"], 2)

	rowY, err := env.repo.GetStockRow(context.Background(), env.rowY.ID)
	require.NoError(t, err)
	assert.Equal(t, 28, rowY.QuantityOnHand)

	alerts := env.do(t, call{method: http.MethodGet, path: "/api/v1/alerts/low-stock", token: supervisor})
	list := decodeBody(t, alerts)["alerts"].([]any)
	require.NotEmpty(t, list)
	assert.Equal(t, env.rowX.ID, list[0].(map[string]any)["stock_row_id"])
}

func TestBulkTransferFailureMovesNothing(t *testing.T) {
	env := newTestEnv(t)
	supervisor := env.token(t, RoleSupervisor, "branch-a")

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/stock/bulk-transfers", token: supervisor, body: map[string]any{
		"transfers": []map[string]any{
			{"from_stock_row_id": env.rowX.ID, "to_branch_id": "branch-b", "quantity": 5},
			{"from_stock_row_id": env.rowY.ID, "to_branch_id": "branch-b", "quantity": 31},
		},
	}})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code, res.Body.String())
	assert.Equal(t, "INSUFFICIENT_STOCK", decodeBody(t, res)["kind"])

	rowX, err := env.repo.GetStockRow(context.Background(), env.rowX.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, rowX.QuantityOnHand)

	cashier := env.token(t, RoleCashier, "branch-a")
	forbidden := env.do(t, call{method: http.MethodPost, path: "/api/v1/stock/bulk-transfers", token: cashier, body: map[string]any{"transfers": []any{}}})
	assert.Equal(t, http.StatusForbidden, forbidden.Code)
}

func TestMovementAndTransactionListingsAreBranchScoped(t *testing.T) {
	env := newTestEnv(t)
	cashier := env.token(t, RoleCashier, "branch-a")

	sale := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: cashier, body: saleBody("prod-x", 2, 200)})
	require.Equal(t, http.StatusCreated, sale.Code, sale.Body.String())

	movements := env.do(t, call{method: http.MethodGet, path: "/api/v1/stock/movements?type=out&limit=10", token: cashier})
	require.Equal(t, http.StatusOK, movements.Code, movements.Body.String())
	page := decodeBody(t, movements)
	assert.EqualValues(t, 1, page["total"])
	entries := page["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, env.rowX.ID, entries[0].(map[string]any)["stock_row_id"])

	txns := env.do(t, call{method: http.MethodGet, path: "/api/v1/transactions?status=completed", token: cashier})
	require.Equal(t, http.StatusOK, txns.Code, txns.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, txns)["total"])

	elsewhere := env.do(t, call{method: http.MethodGet, path: "/api/v1/transactions?branch_id=branch-b", token: cashier})
	assert.Equal(t, http.StatusForbidden, elsewhere.Code)

	badWindow := env.do(t, call{method: http.MethodGet, path: "/api/v1/stock/movements?from=yesterday", token: cashier})
	assert.Equal(t, http.StatusBadRequest, badWindow.Code)

	admin := env.token(t, RoleAdmin, "")
	other := env.do(t, call{method: http.MethodGet, path: "/api/v1/stock/movements?branch_id=branch-b", token: admin})
	require.Equal(t, http.StatusOK, other.Code)
	assert.EqualValues(t, 0, decodeBody(t, other)["total"])
}
