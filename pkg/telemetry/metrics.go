package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the fleet orchestrator.
// All Record methods are safe on a nil or disabled Metrics.
type Metrics struct {
	config MetricsConfig

	// Admission metrics
	admissions        *prometheus.CounterVec
	admissionDuration *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Reaper metrics
	reaperTicks    prometheus.Counter
	reaperDuration prometheus.Histogram
	reclaims       *prometheus.CounterVec

	// Heartbeat and auth metrics
	heartbeats   *prometheus.CounterVec
	authFailures *prometheus.CounterVec

	// Fleet gauge
	activeInstances prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Launch requests by provider and outcome code",
			},
			[]string{"provider", "outcome"},
		),
		admissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_duration_seconds",
				Help:      "Duration of the admission pipeline in seconds",
				Buckets:   buckets,
			},
			[]string{"provider"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of failed provider API calls",
			},
			[]string{"provider", "operation"},
		),

		reaperTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_ticks_total",
				Help:      "Total number of reconciliation ticks",
			},
		),
		reaperDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reaper_tick_duration_seconds",
				Help:      "Duration of reconciliation ticks in seconds",
				Buckets:   buckets,
			},
		),
		reclaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reclaims_total",
				Help:      "Instance reclamation attempts by reason and result",
			},
			[]string{"reason", "result"},
		),

		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Heartbeats received by result",
			},
			[]string{"result"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Rejected requests by guard",
			},
			[]string{"guard"},
		),

		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Active instances seen at the last reconciliation",
			},
		),
	}

	registry.MustRegister(
		m.admissions,
		m.admissionDuration,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.reaperTicks,
		m.reaperDuration,
		m.reclaims,
		m.heartbeats,
		m.authFailures,
		m.activeInstances,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordAdmission records the outcome of a launch request.
func (m *Metrics) RecordAdmission(provider, outcome string, duration time.Duration) {
	if m == nil || m.admissions == nil {
		return
	}
	m.admissions.WithLabelValues(provider, outcome).Inc()
	m.admissionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordReaperTick records a completed reconciliation tick.
func (m *Metrics) RecordReaperTick(duration time.Duration) {
	if m == nil || m.reaperTicks == nil {
		return
	}
	m.reaperTicks.Inc()
	m.reaperDuration.Observe(duration.Seconds())
}

// RecordReclaim records one reclamation attempt.
func (m *Metrics) RecordReclaim(reason, result string) {
	if m == nil || m.reclaims == nil {
		return
	}
	m.reclaims.WithLabelValues(reason, result).Inc()
}

// RecordHeartbeat records a heartbeat by result (accepted, unknown, inactive).
func (m *Metrics) RecordHeartbeat(result string) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

// RecordAuthFailure records a request rejected by a guard.
func (m *Metrics) RecordAuthFailure(guard string) {
	if m == nil || m.authFailures == nil {
		return
	}
	m.authFailures.WithLabelValues(guard).Inc()
}

// SetActiveInstances sets the active instance gauge.
func (m *Metrics) SetActiveInstances(count int) {
	if m == nil || m.activeInstances == nil {
		return
	}
	m.activeInstances.Set(float64(count))
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
