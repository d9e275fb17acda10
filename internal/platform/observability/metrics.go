package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/hanko-field/commerce/internal/domain"
)

const metricsNamespace = "commerce"

// Metrics holds the Prometheus collectors for HTTP traffic and checkout outcomes.
type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	latencyMS *prometheus.HistogramVec
	checkouts *prometheus.CounterVec
	reserved  prometheus.Counter
	released  prometheus.Counter
	verifies  *prometheus.CounterVec
}

// NewMetrics registers the collectors on a dedicated registry along with the Go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		latencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checkout_total",
			Help:      "Checkout attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		reserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stock_reserved_units_total",
			Help:      "Units reserved by committed checkouts.",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stock_released_units_total",
			Help:      "Units returned to stock by cancellation or deletion.",
		}),
		verifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_signature_verifications_total",
			Help:      "Gateway signature checks by kind and reason.",
		}, []string{"kind", "result", "reason"}),
	}
	registry.MustRegister(
		m.requests,
		m.latencyMS,
		m.checkouts,
		m.reserved,
		m.released,
		m.verifies,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCheckout counts one checkout attempt.
func (m *Metrics) ObserveCheckout(kind domain.CheckoutKind, outcome string) {
	m.checkouts.WithLabelValues(string(kind), outcome).Inc()
}

// AddReservedUnits records units taken from stock.
func (m *Metrics) AddReservedUnits(units int64) {
	if units > 0 {
		m.reserved.Add(float64(units))
	}
}

// AddReleasedUnits records units returned to stock.
func (m *Metrics) AddReleasedUnits(units int64) {
	if units > 0 {
		m.released.Add(float64(units))
	}
}

// RecordVerification counts one gateway signature check.
func (m *Metrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	result := "rejected"
	if success {
		result = "accepted"
	}
	if reason == "" {
		reason = "ok"
	}
	m.verifies.WithLabelValues(kind, result, reason).Inc()
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)

		// The pattern is only complete once routing has finished.
		route := routePattern(r)
		m.requests.WithLabelValues(route, strconv.Itoa(recorder.Status())).Inc()
		m.latencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}
