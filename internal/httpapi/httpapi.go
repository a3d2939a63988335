package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/alert"
	"nationalpos/backend/internal/audit"
	"nationalpos/backend/internal/ledger"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/loyalty"
	"nationalpos/backend/internal/metrics"
	"nationalpos/backend/internal/service"
	"nationalpos/backend/internal/store"
)

const (
	managerPINHeader = "X-Manager-PIN"
	maxBodyBytes     = 1 << 20
)

type Config struct {
	AllowedOrigin string
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
}

type API struct {
	engine        *service.SalesEngine
	stock         *ledger.Ledger
	loyalty       *loyalty.Ledger
	alerts        *alert.Evaluator
	auth          *AuthManager
	metrics       *metrics.Metrics
	log           *logrus.Entry
	allowedOrigin string
	pinLimiter    *attemptLimiter
}

func New(engine *service.SalesEngine, stock *ledger.Ledger, loyal *loyalty.Ledger, alerts *alert.Evaluator, auth *AuthManager, cfg Config) *API {
	return &API{
		engine:        engine,
		stock:         stock,
		loyalty:       loyal,
		alerts:        alerts,
		auth:          auth,
		metrics:       cfg.Metrics,
		log:           logging.Module(cfg.Logger, "httpapi"),
		allowedOrigin: cfg.AllowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow reports whether key has attempts left in the sliding window and
// counts this attempt if so.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	staff := []string{RoleCashier, RoleSupervisor, RoleAdmin}
	managers := []string{RoleSupervisor, RoleAdmin}

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleSale, staff...))
	mux.HandleFunc("POST /api/v1/checkouts", a.requireAuth(a.handleBeginCheckout, staff...))
	mux.HandleFunc("POST /api/v1/checkouts/{id}/complete", a.requireAuth(a.handleCompleteCheckout, staff...))
	mux.HandleFunc("GET /api/v1/transactions", a.requireAuth(a.handleSearchTransactions, staff...))
	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleGetTransaction, staff...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/cancel", a.requireAuth(a.requirePIN(a.handleCancelTransaction, "cancel"), staff...))
	mux.HandleFunc("POST /api/v1/returns", a.requireAuth(a.requirePIN(a.handleReturn, "return"), staff...))
	mux.HandleFunc("POST /api/v1/exchanges", a.requireAuth(a.requirePIN(a.handleExchange, "exchange"), staff...))

	mux.HandleFunc("GET /api/v1/stock-rows", a.requireAuth(a.handleListStockRows, staff...))
	mux.HandleFunc("GET /api/v1/stock-rows/{id}", a.requireAuth(a.handleGetStockRow, staff...))
	mux.HandleFunc("GET /api/v1/stock-rows/{id}/entries", a.requireAuth(a.handleListLedgerEntries, staff...))
	mux.HandleFunc("POST /api/v1/stock-rows/{id}/reservations", a.requireAuth(a.handleReserve, staff...))
	mux.HandleFunc("POST /api/v1/stock-rows/{id}/release", a.requireAuth(a.handleRelease, staff...))
	mux.HandleFunc("POST /api/v1/stock-rows/{id}/adjust", a.requireAuth(a.requirePIN(a.handleAdjust, "adjust"), managers...))
	mux.HandleFunc("POST /api/v1/stock-rows/{id}/retire", a.requireAuth(a.requirePIN(a.handleRetire, "retire"), RoleAdmin))
	mux.HandleFunc("DELETE /api/v1/reservations/{id}", a.requireAuth(a.handleCancelReservation, staff...))
	mux.HandleFunc("POST /api/v1/stock/receipts", a.requireAuth(a.handleReceive, managers...))
	mux.HandleFunc("POST /api/v1/stock/transfers", a.requireAuth(a.handleTransfer, managers...))
	mux.HandleFunc("POST /api/v1/stock/bulk-adjustments", a.requireAuth(a.requirePIN(a.handleBulkAdjust, "adjust"), managers...))
	mux.HandleFunc("POST /api/v1/stock/bulk-transfers", a.requireAuth(a.handleBulkTransfer, managers...))
	mux.HandleFunc("GET /api/v1/stock/movements", a.requireAuth(a.handleSearchMovements, staff...))

	mux.HandleFunc("GET /api/v1/loyalty/tiers", a.requireAuth(a.handleListTiers, staff...))
	mux.HandleFunc("POST /api/v1/loyalty/accounts", a.requireAuth(a.handleEnroll, staff...))
	mux.HandleFunc("GET /api/v1/loyalty/accounts/{customerID}", a.requireAuth(a.handleGetAccount, staff...))
	mux.HandleFunc("GET /api/v1/loyalty/accounts/{customerID}/entries", a.requireAuth(a.handleListLoyaltyEntries, staff...))
	mux.HandleFunc("POST /api/v1/loyalty/accounts/{customerID}/redeem", a.requireAuth(a.handleRedeem, staff...))
	mux.HandleFunc("POST /api/v1/loyalty/accounts/{customerID}/adjust", a.requireAuth(a.requirePIN(a.handleLoyaltyAdjust, "loyalty-adjust"), RoleAdmin))
	mux.HandleFunc("PUT /api/v1/loyalty/accounts/{customerID}/tier", a.requireAuth(a.handleSetTier, RoleAdmin))
	mux.HandleFunc("PUT /api/v1/loyalty/accounts/{customerID}/active", a.requireAuth(a.handleSetActive, RoleAdmin))

	mux.HandleFunc("GET /api/v1/alerts/low-stock", a.requireAuth(a.handleLowStockAlerts, staff...))
	mux.HandleFunc("POST /api/v1/alerts/low-stock/evaluate", a.requireAuth(a.handleEvaluateAlerts, managers...))
	mux.HandleFunc("GET /api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, RoleAdmin))
	mux.HandleFunc("POST /api/v1/admin/reservations/sweep", a.requireAuth(a.handleSweep, RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	}
}

// requirePIN gates next behind the manager PIN carried in X-Manager-PIN.
// Attempts are limited per client and action.
func (a *API) requirePIN(next http.HandlerFunc, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.pinLimiter.Allow("pin:" + action + ":" + clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get(managerPINHeader)) {
			writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
		next(w, r)
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// branchFor resolves the branch a request acts on. Branch-scoped actors may
// only act on their own branch; admins act anywhere.
func branchFor(ctx context.Context, requested string) (string, error) {
	actor := audit.Actor(ctx)
	requested = strings.TrimSpace(requested)
	if actor.BranchID == "" || actor.Role == RoleAdmin {
		return requested, nil
	}
	if requested == "" {
		return actor.BranchID, nil
	}
	if requested != actor.BranchID {
		return "", errForbiddenBranch
	}
	return requested, nil
}

var errForbiddenBranch = errors.New("actor is not assigned to this branch")

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

// statusRecorder captures the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+managerPINHeader)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		a.metrics.RecordHTTPRequest(r.Method, route, rec.status, elapsed)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": elapsed.String(),
		}).Info("http request")
	})
}

type errorBody struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// statusForKind maps an error kind to the HTTP status clients see.
func statusForKind(kind string) int {
	switch kind {
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindValidation, store.KindInvalidQuantity:
		return http.StatusBadRequest
	case store.KindInsufficientStock, store.KindInsufficientPoints, store.KindPaymentShortfall, store.KindOverReturn:
		return http.StatusUnprocessableEntity
	case store.KindInvalidStateTransition, store.KindDuplicateTransactionNumber, store.KindDuplicate,
		store.KindReservationExpired, store.KindConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a kind-tagged error body. Internal failures are logged
// and answered with a generic message.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errForbiddenBranch) {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).WithError(err).Warn("request aborted")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "request timed out", Kind: "UNAVAILABLE"})
		return
	}
	kind := store.KindOf(err)
	status := statusForKind(kind)
	if status >= 500 {
		logging.LogError(a.log, r.Method+" "+r.URL.Path, "request failed", nil, err)
		writeJSON(w, status, errorBody{Error: "internal server error", Kind: store.KindInternal})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind, Details: store.DetailsOf(err)})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeError answers request-level failures (auth, malformed bodies) that
// never reached the domain.
func writeError(w http.ResponseWriter, status int, err error) {
	kind := store.KindValidation
	switch status {
	case http.StatusUnauthorized:
		kind = "UNAUTHENTICATED"
	case http.StatusForbidden:
		kind = "FORBIDDEN"
	case http.StatusTooManyRequests:
		kind = "RATE_LIMITED"
	}
	msg := err.Error()
	if status >= 500 {
		kind = store.KindInternal
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
