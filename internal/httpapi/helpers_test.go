package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"nationalpos/backend/internal/alert"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/ledger"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/loyalty"
	"nationalpos/backend/internal/metrics"
	"nationalpos/backend/internal/retry"
	"nationalpos/backend/internal/service"
	"nationalpos/backend/internal/store/memory"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testPIN    = "739154"
)

type testEnv struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
	auth    *AuthManager
	rowX    domain.StockRow
	rowY    domain.StockRow
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := memory.New(memory.WithLockTimeout(2 * time.Second))
	repo.PutProduct(domain.Product{ProductID: "prod-x", SKU: "X", Name: "Item X", CurrentPrice: decimal.NewFromInt(100), Active: true})
	repo.PutProduct(domain.Product{ProductID: "prod-y", SKU: "Y", Name: "Item Y", CurrentPrice: decimal.NewFromInt(250), Active: true})
	rowX := repo.PutStockRow(domain.StockRow{ProductID: "prod-x", BranchID: "branch-a", QuantityOnHand: 20, UnitCost: decimal.NewFromInt(60)})
	rowY := repo.PutStockRow(domain.StockRow{ProductID: "prod-y", BranchID: "branch-a", QuantityOnHand: 30, UnitCost: decimal.NewFromInt(150)})

	logger := logging.Discard()
	m := metrics.New()
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	stock := ledger.New(repo, ledger.Config{Retry: policy, Logger: logger, Metrics: m})
	loyal := loyalty.New(repo, loyalty.Config{Retry: policy, Logger: logger, Metrics: m})
	alerts := alert.New(repo, nil, nil, repo, alert.Config{Logger: logger, Metrics: m})
	engine := service.New(repo, stock, loyal, repo, service.Config{Retry: policy, Observer: alerts, Logger: logger, Metrics: m})
	auth := NewAuthManager(testSecret, time.Hour, testPIN)
	api := New(engine, stock, loyal, alerts, auth, Config{AllowedOrigin: "http://localhost:5173", Logger: logger, Metrics: m})

	return &testEnv{api: api, handler: api.Handler(), repo: repo, auth: auth, rowX: rowX, rowY: rowY}
}

func (e *testEnv) token(t *testing.T, role string, branchID string) string {
	t.Helper()
	token, err := e.auth.IssueToken(domain.Actor{UserID: role + "-1", Role: role, BranchID: branchID}, time.Time{})
	require.NoError(t, err)
	return token
}

type call struct {
	method  string
	path    string
	body    any
	token   string
	pin     string
	remote  string
	rawBody string
}

func (e *testEnv) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	switch {
	case c.rawBody != "":
		reader = bytes.NewBufferString(c.rawBody)
	case c.body != nil:
		payload, err := json.Marshal(c.body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(c.method, c.path, reader)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.pin != "" {
		req.Header.Set(managerPINHeader, c.pin)
	}
	if c.remote != "" {
		req.RemoteAddr = c.remote
	}
	res := httptest.NewRecorder()
	e.handler.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func saleBody(productID string, qty int, cash int) map[string]any {
	return map[string]any{
		"branch_id": "branch-a",
		"items":     []map[string]any{{"product_id": productID, "quantity": qty, "tax_rate": 0}},
		"payments":  []map[string]any{{"method": "CASH", "amount": cash}},
	}
}
