package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// PipelineMetrics implements ports.PipelineObserver for the worker process.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	stageTotal         *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	stageInFlight      *prometheus.GaugeVec
	leaseReclaims      *prometheus.CounterVec
	versionsTotal      *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()

	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "pipeline",
			Name:      "stage_runs_total",
			Help:      "Stage runs by stage and outcome.",
		},
		[]string{"service", "stage", "outcome"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "stage"},
	)
	stageInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "pipeline",
			Name:      "stage_in_flight",
			Help:      "Stage runs currently holding a lease in this process.",
		},
		[]string{"service", "stage"},
	)
	leaseReclaims := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "pipeline",
			Name:      "lease_reclaims_total",
			Help:      "Expired leases taken over from another worker.",
		},
		[]string{"service", "stage"},
	)
	versionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "pipeline",
			Name:      "versions_finalized_total",
			Help:      "Versions that left PENDING, by result.",
		},
		[]string{"service", "result"},
	)
	breakerTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "resilience",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes by operation.",
		},
		[]string{"service", "operation", "to"},
	)

	registry.MustRegister(stageTotal, stageDuration, stageInFlight, leaseReclaims, versionsTotal, breakerTransitions)

	return &PipelineMetrics{
		registry:           registry,
		service:            service,
		stageTotal:         stageTotal,
		stageDuration:      stageDuration,
		stageInFlight:      stageInFlight,
		leaseReclaims:      leaseReclaims,
		versionsTotal:      versionsTotal,
		breakerTransitions: breakerTransitions,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) StageStarted(stage domain.Stage) {
	m.stageInFlight.WithLabelValues(m.service, string(stage)).Inc()
}

func (m *PipelineMetrics) StageFinished(stage domain.Stage, outcome string, elapsed time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.stageInFlight.WithLabelValues(m.service, string(stage)).Dec()
	m.stageTotal.WithLabelValues(m.service, string(stage), outcome).Inc()
	m.stageDuration.WithLabelValues(m.service, string(stage)).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) LeaseReclaimed(stage domain.Stage) {
	m.leaseReclaims.WithLabelValues(m.service, string(stage)).Inc()
}

func (m *PipelineMetrics) VersionFinalized(promoted bool) {
	m.versionsTotal.WithLabelValues(m.service, "ready_promoted="+strconv.FormatBool(promoted)).Inc()
}

func (m *PipelineMetrics) VersionFailed() {
	m.versionsTotal.WithLabelValues(m.service, "failed").Inc()
}

// BreakerStateChanged matches resilience.Config.OnStateChange.
func (m *PipelineMetrics) BreakerStateChanged(operation, _, to string) {
	m.breakerTransitions.WithLabelValues(m.service, operation, to).Inc()
}
