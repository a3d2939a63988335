package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nationalpos/backend/internal/store"
)

const namespace = "nationalpos"

// Metrics holds the engine collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ConflictRetries   *prometheus.CounterVec

	LoyaltyPoints      *prometheus.CounterVec
	AlertsEmitted      *prometheus.CounterVec
	AlertsSuppressed   prometheus.Counter
	ReservationsSwept  *prometheus.CounterVec
	PublishFailures    prometheus.Counter
	BreakerStateChange *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	m.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "route"})

	m.OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Ledger and sales operations by name and outcome kind.",
	}, []string{"operation", "outcome"})

	m.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Wall time of ledger and sales operations including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	m.ConflictRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "concurrency_conflict_retries_total",
		Help:      "Automatic retries after a concurrency conflict.",
	}, []string{"operation"})

	m.LoyaltyPoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loyalty_points_total",
		Help:      "Loyalty points moved, by entry type.",
	}, []string{"type"})

	m.AlertsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "low_stock_alerts_emitted_total",
		Help:      "Low stock alerts delivered to the notifier.",
	}, []string{"severity"})

	m.AlertsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "low_stock_alerts_suppressed_total",
		Help:      "Low stock alerts held back by the cooldown window.",
	})

	m.ReservationsSwept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_swept_total",
		Help:      "Expired reservations processed by the sweeper.",
	}, []string{"result"})

	m.PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notify_publish_failures_total",
		Help:      "Failed alert publications.",
	})

	m.BreakerStateChange = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state changes.",
	}, []string{"name", "to"})

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.OperationsTotal,
		m.OperationDuration,
		m.ConflictRetries,
		m.LoyaltyPoints,
		m.AlertsEmitted,
		m.AlertsSuppressed,
		m.ReservationsSwept,
		m.PublishFailures,
		m.BreakerStateChange,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordHTTPRequest(method string, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperation labels a finished operation with "OK" or its error kind.
func (m *Metrics) RecordOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "OK"
	if err != nil {
		outcome = store.KindOf(err)
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.ConflictRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordLoyaltyPoints(entryType string, points int) {
	if m == nil || points <= 0 {
		return
	}
	m.LoyaltyPoints.WithLabelValues(entryType).Add(float64(points))
}

func (m *Metrics) RecordAlertEmitted(severity string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(severity).Inc()
}

func (m *Metrics) RecordAlertSuppressed() {
	if m == nil {
		return
	}
	m.AlertsSuppressed.Inc()
}

func (m *Metrics) RecordReservationSwept(result string) {
	if m == nil {
		return
	}
	m.ReservationsSwept.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) RecordBreakerTransition(name string, to string) {
	if m == nil {
		return
	}
	m.BreakerStateChange.WithLabelValues(name, to).Inc()
}
