package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	res := env.do(t, call{method: http.MethodGet, path: "/healthz"})

	assert.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, res.Header().Get("Referrer-Policy"))
	assert.Equal(t, "http://localhost:5173", res.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header().Get("Access-Control-Allow-Headers"), managerPINHeader)
}

func TestPreflightShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	res := env.do(t, call{method: http.MethodOptions, path: "/api/v1/sales"})
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")
	body := fmt.Sprintf(`{"branch_id":"branch-a","notes":"%s"}`, strings.Repeat("a", maxBodyBytes+1024))

	res := env.do(t, call{method: http.MethodPost, path: "/api/v1/sales", token: token, rawBody: body})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, RoleCashier, "branch-a")

	for i := 0; i < 9; i++ {
		res := env.do(t, call{
			method: http.MethodPost,
			path:   "/api/v1/transactions/txn-unknown/cancel",
			token:  token,
			pin:    "000000",
			remote: "10.0.0.9:5000",
			body:   map[string]any{"reason": "test"},
		})
		if i < 8 {
			require.Equalf(t, http.StatusForbidden, res.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, res.Code)
		assert.Equal(t, "RATE_LIMITED", decodeBody(t, res)["kind"])
	}

	other := env.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/transactions/txn-unknown/cancel",
		token:  token,
		pin:    "000000",
		remote: "10.0.0.10:5000",
		body:   map[string]any{"reason": "test"},
	})
	assert.Equal(t, http.StatusForbidden, other.Code)
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	env.api.fail(rec, req, fmt.Errorf("dial tcp 10.0.0.1:5432: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
	assert.Contains(t, rec.Body.String(), `"kind":"INTERNAL"`)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, call{method: http.MethodGet, path: "/healthz"})

	res := env.do(t, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "nationalpos_http_requests_total")
	assert.Contains(t, res.Body.String(), `route="GET /healthz"`)
}

func TestAttemptLimiterSlidingWindow(t *testing.T) {
	limiter := newAttemptLimiter(2, time.Minute)
	assert.True(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("other"))
}
