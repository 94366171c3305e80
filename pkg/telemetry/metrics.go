package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/labctl/pkg/engine"
)

// Metrics provides Prometheus metrics for labctl. It implements
// engine.Recorder and the store's operation observer.
type Metrics struct {
	config MetricsConfig

	// Event metrics
	eventsProcessed *prometheus.CounterVec

	// Workflow metrics
	workflowRuns     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	steps            *prometheus.CounterVec

	// Action metrics
	actionInvocations *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	retryAttempts     *prometheus.CounterVec

	// Store metrics
	storeDuration *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec

	// Lifecycle metrics
	dispatches    *prometheus.CounterVec
	expiredSwept  prometheus.Counter
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

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

		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total number of change events processed",
			},
			[]string{"event", "result"},
		),

		workflowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Total number of workflow runs by final status",
			},
			[]string{"workflow", "status"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of steps finished by status",
			},
			[]string{"step", "status"},
		),

		actionInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_invocations_total",
				Help:      "Total number of action invocations by result code",
			},
			[]string{"action", "code"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retried action attempts",
			},
			[]string{"action"},
		),

		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Duration of state store operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of failed state store operations",
			},
			[]string{"operation"},
		),

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of dispatch messages by result",
			},
			[]string{"result"},
		),
		expiredSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expired_swept_total",
				Help:      "Total number of expired deployments torn down and purged",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class and code",
			},
			[]string{"class", "code"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.eventsProcessed,
		m.workflowRuns,
		m.workflowDuration,
		m.steps,
		m.actionInvocations,
		m.actionDuration,
		m.retryAttempts,
		m.storeDuration,
		m.storeErrors,
		m.dispatches,
		m.expiredSwept,
		m.errorsByClass,
	)

	return m, nil
}

// Registry returns the registry holding all labctl collectors, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordEvent counts a processed change event.
func (m *Metrics) RecordEvent(eventName, result string) {
	if m.eventsProcessed == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(eventName, result).Inc()
}

// RecordWorkflow records a finished workflow run.
func (m *Metrics) RecordWorkflow(workflow engine.Workflow, status engine.WorkflowStatus, duration time.Duration) {
	if m.workflowRuns == nil {
		return
	}
	m.workflowRuns.WithLabelValues(string(workflow), string(status)).Inc()
	m.workflowDuration.WithLabelValues(string(workflow)).Observe(duration.Seconds())
}

// RecordStep counts a finished step.
func (m *Metrics) RecordStep(step string, status engine.StepStatus) {
	if m.steps == nil {
		return
	}
	m.steps.WithLabelValues(step, string(status)).Inc()
}

// RecordRetry counts one retried attempt.
func (m *Metrics) RecordRetry(action string) {
	if m.retryAttempts == nil {
		return
	}
	m.retryAttempts.WithLabelValues(action).Inc()
}

// RecordDispatch counts a dispatch message.
func (m *Metrics) RecordDispatch(result string) {
	if m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

// RecordExpired counts purged deployments.
func (m *Metrics) RecordExpired(count int) {
	if m.expiredSwept == nil || count <= 0 {
		return
	}
	m.expiredSwept.Add(float64(count))
}

// RecordAction records one action invocation. code is the result status
// code, or "error" when the action could not be reached.
func (m *Metrics) RecordAction(action string, result engine.ActionResult, err error, duration time.Duration) {
	if m.actionInvocations == nil {
		return
	}
	code := strconv.Itoa(result.StatusCode)
	if err != nil {
		code = "error"
	}
	m.actionInvocations.WithLabelValues(action, code).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
	if err != nil {
		m.RecordError(err)
	}
}

// ObserveStoreOperation records the duration of a store operation.
func (m *Metrics) ObserveStoreOperation(operation string, duration time.Duration, err error) {
	if m.storeDuration == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil && engine.IsStoreUnavailable(err) {
		m.storeErrors.WithLabelValues(operation).Inc()
	}
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(err error) {
	if m.errorsByClass == nil || err == nil {
		return
	}
	class, code := "unclassified", ""
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class, code = string(ee.Class), ee.Code
	}
	m.errorsByClass.WithLabelValues(class, code).Inc()
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

// StartMetricsServer serves metrics on the configured listen address until
// ctx is cancelled. It does nothing when no address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	return nil
}
