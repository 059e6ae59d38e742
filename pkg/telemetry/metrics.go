package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for assembly runs. All methods are safe
// to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Dispatch metrics
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	humanOutcomes    *prometheus.CounterVec

	// Verification metrics
	verifications *prometheus.CounterVec

	// Policy loading
	policyLoads *prometheus.CounterVec

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
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of assembly runs started",
			},
			[]string{"assembly"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of assembly runs finished, by final phase",
			},
			[]string{"phase"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of assembly runs in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),

		// Dispatch metrics
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of step dispatches",
			},
			[]string{"handler", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of step dispatches in seconds",
				Buckets:   buckets,
			},
			[]string{"handler"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
			[]string{"handler"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "human_escalations_total",
				Help:      "Total number of steps escalated to an operator",
			},
			[]string{"handler"},
		),
		humanOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "human_completions_total",
				Help:      "Total number of operator step completions",
			},
			[]string{"outcome"},
		),

		// Verification metrics
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_total",
				Help:      "Total number of step verifications",
			},
			[]string{"criteria", "outcome"},
		),

		// Policy loading
		policyLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_loads_total",
				Help:      "Total number of policy checkpoint lookups",
			},
			[]string{"result"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.dispatches,
		m.dispatchDuration,
		m.retries,
		m.escalations,
		m.humanOutcomes,
		m.verifications,
		m.policyLoads,
		m.errorsByClass,
	)

	return m, nil
}

// enabled reports whether m records anything.
func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Run metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(assemblyID string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(assemblyID).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its final phase and duration.
func (m *Metrics) RecordRunCompleted(phase string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(phase).Inc()
	m.runDuration.WithLabelValues(phase).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Dispatch metrics

// RecordDispatch records one dispatch attempt.
func (m *Metrics) RecordDispatch(handler string, success bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.dispatches.WithLabelValues(handler, outcome(success)).Inc()
	m.dispatchDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordRetry records a step being retried.
func (m *Metrics) RecordRetry(handler string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(handler).Inc()
}

// RecordEscalation records a step handed to an operator.
func (m *Metrics) RecordEscalation(handler string) {
	if !m.enabled() {
		return
	}
	m.escalations.WithLabelValues(handler).Inc()
}

// RecordHumanCompletion records an operator's verdict on an escalated step.
func (m *Metrics) RecordHumanCompletion(success bool) {
	if !m.enabled() {
		return
	}
	m.humanOutcomes.WithLabelValues(outcome(success)).Inc()
}

// Verification and policy metrics

// RecordVerification records a verifier verdict.
func (m *Metrics) RecordVerification(criteria string, passed bool) {
	if !m.enabled() {
		return
	}
	m.verifications.WithLabelValues(criteria, outcome(passed)).Inc()
}

// RecordPolicyLoad records a checkpoint lookup result (hit, miss, error).
func (m *Metrics) RecordPolicyLoad(result string) {
	if !m.enabled() {
		return
	}
	m.policyLoads.WithLabelValues(result).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry exposes the underlying registry; nil when metrics are disabled.
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

// Serve exposes the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Serve in the background, shut down when ctx is done
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		// Closed servers are not an error
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
