// Package metrics provides Prometheus instrumentation for the service runtime
// and the exchange-connectivity services built on it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// knownStates enumerates the lifecycle states exported by the state gauge.
var knownStates = []string{"STOPPED", "STARTING", "RUNNING", "STOPPING", "ERROR", "PAUSED"}

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Runtime metrics
	ServiceState     *prometheus.GaugeVec
	ServiceUptime    *prometheus.GaugeVec
	OperationCount   *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	ServiceErrors    *prometheus.CounterVec
	RecoveryAttempts *prometheus.CounterVec
	CacheSize        *prometheus.GaugeVec

	// Exchange metrics
	StreamReconnects *prometheus.CounterVec
	OrdersSubmitted  *prometheus.CounterVec
	PollCycles       *prometheus.CounterVec

	// Admin HTTP metrics
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestInFlight *prometheus.GaugeVec
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{Namespace: "xconnect"}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		ServiceState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_state",
				Help:      "Current lifecycle state per service (1 for the active state).",
			},
			[]string{"service", "state"},
		),
		ServiceUptime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_uptime_seconds",
				Help:      "Seconds since the service entered RUNNING.",
			},
			[]string{"service"},
		),
		OperationCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "operations_total",
				Help:      "Wrapped operations by service, operation, and outcome.",
			},
			[]string{"service", "operation", "outcome"},
		),
		OperationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Wrapped operation latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		ServiceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_errors_total",
				Help:      "Runtime errors recorded per service.",
			},
			[]string{"service"},
		),
		RecoveryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "recovery_attempts_total",
				Help:      "Auto-recovery restart attempts per service.",
			},
			[]string{"service"},
		),
		CacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "cache_entries",
				Help:      "Live entries in the instance TTL cache.",
			},
			[]string{"service"},
		),

		StreamReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "stream_reconnects_total",
				Help:      "Market-data stream reconnect attempts per exchange.",
			},
			[]string{"exchange"},
		),
		OrdersSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "orders_submitted_total",
				Help:      "Orders submitted per exchange, side, and outcome.",
			},
			[]string{"exchange", "side", "outcome"},
		),
		PollCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "poll_cycles_total",
				Help:      "Account poll cycles per exchange and outcome.",
			},
			[]string{"exchange", "outcome"},
		),

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "http_requests_total",
				Help:      "Admin API requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Admin API request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Admin API requests currently being served.",
			},
			[]string{"handler"},
		),
	}

	return m
}

// SetServiceState marks state as the service's active lifecycle state.
func (m *Metrics) SetServiceState(service, state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ServiceState.WithLabelValues(service, s).Set(v)
	}
}

// SetUptime records seconds since the service entered RUNNING.
func (m *Metrics) SetUptime(service string, uptime time.Duration) {
	m.ServiceUptime.WithLabelValues(service).Set(uptime.Seconds())
}

// RecordOperation records one wrapped operation with its outcome.
func (m *Metrics) RecordOperation(service, operation, outcome string, elapsed time.Duration) {
	m.OperationCount.WithLabelValues(service, operation, outcome).Inc()
	m.OperationSeconds.WithLabelValues(service, operation).Observe(elapsed.Seconds())
}

// RecordServiceError counts one runtime error for the service.
func (m *Metrics) RecordServiceError(service string) {
	m.ServiceErrors.WithLabelValues(service).Inc()
}

// RecordRecoveryAttempt counts one auto-recovery attempt for the service.
func (m *Metrics) RecordRecoveryAttempt(service string) {
	m.RecoveryAttempts.WithLabelValues(service).Inc()
}

// SetCacheSize records the live entry count of the service's TTL cache.
func (m *Metrics) SetCacheSize(service string, size int) {
	m.CacheSize.WithLabelValues(service).Set(float64(size))
}

// RecordReconnect counts one market-data stream reconnect attempt.
func (m *Metrics) RecordReconnect(exchange string) {
	m.StreamReconnects.WithLabelValues(exchange).Inc()
}

// RecordOrder counts one submitted order.
func (m *Metrics) RecordOrder(exchange, side, outcome string) {
	m.OrdersSubmitted.WithLabelValues(exchange, side, outcome).Inc()
}

// RecordPollCycle counts one account poll cycle.
func (m *Metrics) RecordPollCycle(exchange, outcome string) {
	m.PollCycles.WithLabelValues(exchange, outcome).Inc()
}

// TrackInFlight marks one admin API request in flight and returns the
// function that releases it.
func (m *Metrics) TrackInFlight(handler string) func() {
	g := m.RequestInFlight.WithLabelValues(handler)
	g.Inc()
	return g.Dec
}

// RecordRequest records one admin API request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(method, path, statusLabel(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
