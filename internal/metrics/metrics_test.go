package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nationalpos/backend/internal/store"
)

func TestRecordOperationLabelsErrorKind(t *testing.T) {
	m := New()
	m.RecordOperation("debit", nil, time.Millisecond)
	m.RecordOperation("debit", &store.InsufficientStockError{StockRowID: "row-1"}, time.Millisecond)
	m.RecordOperation("debit", &store.InsufficientStockError{StockRowID: "row-1"}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("debit", "OK")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("debit", store.KindInsufficientStock)))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordOperation("sale", nil, time.Second)
	m.RecordRetry("sale")
	m.RecordAlertEmitted("LOW_STOCK")
	m.RecordLoyaltyPoints("EARN", 10)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordRetry("transfer")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "nationalpos_concurrency_conflict_retries_total"))
}
