package vaultpki

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records Prometheus metrics for Vault operations.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authTotal       *prometheus.CounterVec
	retryTotal      *prometheus.CounterVec
	tokenTTL        prometheus.Gauge
	tokenExpiry     prometheus.Gauge
	breakerState    prometheus.Gauge
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

// NewMetrics creates a Metrics instance with the given namespace.
// The collectors are not registered; call Register to expose them.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_requests_total",
				Help:      "Total number of Vault requests",
			},
			[]string{"operation", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vault_request_duration_seconds",
				Help:      "Duration of Vault requests in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_authentications_total",
				Help:      "Total number of Vault authentication attempts",
			},
			[]string{"method", "status"},
		),
		retryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_retry_total",
				Help:      "Total number of Vault retry attempts",
			},
			[]string{"operation"},
		),
		tokenTTL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vault_token_ttl_seconds",
				Help:      "Remaining TTL of the Vault token in seconds",
			},
		),
		tokenExpiry: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vault_token_expiry_timestamp_seconds",
				Help:      "Unix timestamp when the Vault token expires",
			},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vault_circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
	}
}

// Register registers all collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.authTotal,
		m.retryTotal,
		m.tokenTTL,
		m.tokenExpiry,
		m.breakerState,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRequest records a Vault request metric.
func (m *Metrics) RecordRequest(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAuthentication records a Vault authentication attempt.
func (m *Metrics) RecordAuthentication(method string, success bool) {
	if m == nil {
		return
	}
	status := statusSuccess
	if !success {
		status = statusError
	}
	m.authTotal.WithLabelValues(method, status).Inc()
}

// RecordRetry records a retry attempt for an operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.retryTotal.WithLabelValues(operation).Inc()
}

// SetTokenTTL updates the token TTL gauge.
func (m *Metrics) SetTokenTTL(seconds float64) {
	if m == nil {
		return
	}
	m.tokenTTL.Set(seconds)
}

// SetTokenExpiry updates the token expiry timestamp gauge.
func (m *Metrics) SetTokenExpiry(expiry time.Time) {
	if m == nil {
		return
	}
	if expiry.IsZero() {
		m.tokenExpiry.Set(0)
		return
	}
	m.tokenExpiry.Set(float64(expiry.Unix()))
}

// SetBreakerState updates the circuit breaker state gauge.
func (m *Metrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state)
}
