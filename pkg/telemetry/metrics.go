package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the convergence agent.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Resource metrics
	resourcesApplied *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec

	// Catalog metrics
	catalogFetches     *prometheus.CounterVec
	cacheFallbacks     prometheus.Counter
	serverProbeFailed  *prometheus.CounterVec
	environmentSwitches prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of convergence runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of convergence runs completed",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of convergence runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		resourcesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_total",
				Help:      "Total number of resources processed by status",
			},
			[]string{"type", "status"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_duration_seconds",
				Help:      "Duration of resource apply operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		catalogFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_fetches_total",
				Help:      "Total number of catalog fetch attempts",
			},
			[]string{"result"},
		),
		cacheFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_fallbacks_total",
				Help:      "Total number of runs that fell back to the cached catalog",
			},
		),
		serverProbeFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_probe_failures_total",
				Help:      "Total number of failed server probes",
			},
			[]string{"server"},
		),
		environmentSwitches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "environment_switches_total",
				Help:      "Total number of server-directed environment switches",
			},
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
		m.resourcesApplied,
		m.resourceDuration,
		m.catalogFetches,
		m.cacheFallbacks,
		m.serverProbeFailed,
		m.environmentSwitches,
		m.errorsByClass,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its outcome and duration.
func (m *Metrics) RecordRunCompleted(outcome string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordResource records a processed resource with its final status.
func (m *Metrics) RecordResource(resourceType, status string, duration time.Duration) {
	if m.resourcesApplied == nil {
		return
	}
	m.resourcesApplied.WithLabelValues(resourceType, status).Inc()
	m.resourceDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// RecordCatalogFetch records a catalog fetch attempt.
func (m *Metrics) RecordCatalogFetch(result string) {
	if m.catalogFetches == nil {
		return
	}
	m.catalogFetches.WithLabelValues(result).Inc()
}

// RecordCacheFallback records a run that used the cached catalog.
func (m *Metrics) RecordCacheFallback() {
	if m.cacheFallbacks == nil {
		return
	}
	m.cacheFallbacks.Inc()
}

// RecordServerProbeFailure records a failed probe against a server.
func (m *Metrics) RecordServerProbeFailure(server string) {
	if m.serverProbeFailed == nil {
		return
	}
	m.serverProbeFailed.WithLabelValues(server).Inc()
}

// RecordEnvironmentSwitch records a server-directed environment switch.
func (m *Metrics) RecordEnvironmentSwitch() {
	if m.environmentSwitches == nil {
		return
	}
	m.environmentSwitches.Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Only the
// daemon runs one; single-shot runs do not serve metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the agent
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
