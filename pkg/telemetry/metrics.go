package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the director.
type Metrics struct {
	config MetricsConfig

	// Planning
	plansTotal         *prometheus.CounterVec
	planDuration       *prometheus.HistogramVec
	resolutionFailures *prometheus.CounterVec

	// Execution
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	phaseDuration     *prometheus.HistogramVec
	actionsTotal      *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	rollbacksTotal    *prometheus.CounterVec
	actionsUndone     prometheus.Counter
	commitsTotal      *prometheus.CounterVec
	activeExecutions  prometheus.Gauge

	// Policy and repositories
	policyDenials   *prometheus.CounterVec
	repositoryUnits *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled collector accepts every call and records nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_total",
				Help:      "Total number of plans computed",
			},
			[]string{"kind", "result"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of plan computation in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		resolutionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_failures_total",
				Help:      "Total number of failed resolutions by error code",
			},
			[]string{"code"},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of plan executions by outcome",
			},
			[]string{"result"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of plan execution in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of a single phase in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of touchpoint actions executed",
			},
			[]string{"phase", "result"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of touchpoint actions in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "action"},
		),
		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by result",
			},
			[]string{"result"},
		),
		actionsUndone: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_undone_total",
				Help:      "Total number of actions undone during rollback",
			},
		),
		commitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "profile_commits_total",
				Help:      "Total number of profile commits by result",
			},
			[]string{"result"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of executions in flight",
			},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of plans denied by policy",
			},
			[]string{"policy"},
		),
		repositoryUnits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "repository_units",
				Help:      "Number of installable units known per repository",
			},
			[]string{"repository"},
		),
	}

	registry.MustRegister(
		m.plansTotal,
		m.planDuration,
		m.resolutionFailures,
		m.executionsTotal,
		m.executionDuration,
		m.phaseDuration,
		m.actionsTotal,
		m.actionDuration,
		m.rollbacksTotal,
		m.actionsUndone,
		m.commitsTotal,
		m.activeExecutions,
		m.policyDenials,
		m.repositoryUnits,
	)

	return m, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordPlan records a computed plan. An empty code means success.
func (m *Metrics) RecordPlan(kind, failureCode string, duration time.Duration) {
	if m.plansTotal == nil {
		return
	}
	result := "success"
	if failureCode != "" {
		result = "failure"
		m.resolutionFailures.WithLabelValues(failureCode).Inc()
	}
	m.plansTotal.WithLabelValues(kind, result).Inc()
	m.planDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordExecutionStarted marks an execution as in flight.
func (m *Metrics) RecordExecutionStarted() {
	if m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records a finished execution.
func (m *Metrics) RecordExecutionCompleted(result string, duration time.Duration) {
	if m.executionsTotal == nil {
		return
	}
	m.executionsTotal.WithLabelValues(result).Inc()
	m.executionDuration.WithLabelValues(result).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordPhase records the duration of a phase.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	if m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordAction records a touchpoint action.
func (m *Metrics) RecordAction(phase, action string, duration time.Duration, err error) {
	if m.actionsTotal == nil {
		return
	}
	m.actionsTotal.WithLabelValues(phase, resultLabel(err)).Inc()
	m.actionDuration.WithLabelValues(phase, action).Observe(duration.Seconds())
}

// RecordRollback records a rollback and the number of actions it undid.
func (m *Metrics) RecordRollback(undone int, err error) {
	if m.rollbacksTotal == nil {
		return
	}
	m.rollbacksTotal.WithLabelValues(resultLabel(err)).Inc()
	m.actionsUndone.Add(float64(undone))
}

// RecordCommit records a profile commit.
func (m *Metrics) RecordCommit(err error) {
	if m.commitsTotal == nil {
		return
	}
	m.commitsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordPolicyDenial records a plan rejected by a policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// SetRepositoryUnits sets the unit count of a repository.
func (m *Metrics) SetRepositoryUnits(repository string, count int) {
	if m.repositoryUnits == nil {
		return
	}
	m.repositoryUnits.WithLabelValues(repository).Set(float64(count))
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// StartMetricsServer starts an HTTP server exposing metrics when a listen
// address is configured. Serve errors are reported through errc.
func (m *Metrics) StartMetricsServer(errc chan<- error) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errc != nil {
			errc <- err
		}
	}()
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
