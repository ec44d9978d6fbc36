package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for fabprov. A nil *Metrics and a
// disabled one are both valid and record nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Resource metrics
	resourcesProcessed *prometheus.CounterVec
	resourceDuration   *prometheus.HistogramVec
	inFlightResources  prometheus.Gauge

	// Control plane metrics
	apiCalls    *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	apiRetries  *prometheus.CounterVec

	// Poll metrics
	pollTicks    *prometheus.CounterVec
	pollOutcomes *prometheus.CounterVec

	// Token metrics
	tokenRefreshes *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
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

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of provisioning runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of provisioning runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		resourcesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_processed_total",
				Help:      "Total number of resources that reached a final state",
			},
			[]string{"kind", "state"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_duration_seconds",
				Help:      "Time from dispatch to final state per resource",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		inFlightResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_in_flight",
				Help:      "Resources currently holding a worker slot",
			},
		),

		apiCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Control plane requests by method and response class",
			},
			[]string{"method", "class"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration of control plane requests in seconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
		apiRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_retries_total",
				Help:      "Control plane retries by reason",
			},
			[]string{"reason"},
		),

		pollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_ticks_total",
				Help:      "Poll ticks by observed result",
			},
			[]string{"result"},
		),
		pollOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_outcomes_total",
				Help:      "Terminal poll outcomes",
			},
			[]string{"state"},
		),

		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Token exchanges by result",
			},
			[]string{"result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.resourcesProcessed,
		m.resourceDuration,
		m.inFlightResources,
		m.apiCalls,
		m.apiDuration,
		m.apiRetries,
		m.pollTicks,
		m.pollOutcomes,
		m.tokenRefreshes,
		m.errorsByClass,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Resource Metrics

// RecordResource records a resource reaching its final state for the run.
func (m *Metrics) RecordResource(kind, state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.resourcesProcessed.WithLabelValues(kind, state).Inc()
	m.resourceDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddInFlight adjusts the number of resources holding a worker slot.
func (m *Metrics) AddInFlight(delta float64) {
	if !m.enabled() {
		return
	}
	m.inFlightResources.Add(delta)
}

// Control Plane Metrics

// RecordAPICall records one HTTP exchange with the control plane.
func (m *Metrics) RecordAPICall(method, class string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.apiCalls.WithLabelValues(method, class).Inc()
	m.apiDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRetry records a retried request.
func (m *Metrics) RecordRetry(reason string) {
	if !m.enabled() {
		return
	}
	m.apiRetries.WithLabelValues(reason).Inc()
}

// Poll Metrics

// RecordPollTick records the result of a single poll tick.
func (m *Metrics) RecordPollTick(result string) {
	if !m.enabled() {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

// RecordPollOutcome records how a poll loop ended.
func (m *Metrics) RecordPollOutcome(state string) {
	if !m.enabled() {
		return
	}
	m.pollOutcomes.WithLabelValues(state).Inc()
}

// RecordTokenRefresh records a token exchange.
func (m *Metrics) RecordTokenRefresh(result string) {
	if !m.enabled() {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() || errorClass == "" {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It is a no-op when
// metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
