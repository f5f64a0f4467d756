package observability

import (
	"context"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by the engine hooks.
type Metrics struct {
	RunsStarted  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	RunsActive   *prometheus.GaugeVec
	Steps        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	RunDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepgraph_runs_started_total",
				Help: "Total number of runs started",
			},
			[]string{"graph"},
		),
		RunsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepgraph_runs_finished_total",
				Help: "Total number of runs that reached a terminal status",
			},
			[]string{"graph", "status"},
		),
		RunsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stepgraph_runs_active",
				Help: "Runs currently executing",
			},
			[]string{"graph"},
		),
		Steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepgraph_steps_total",
				Help: "Total number of completed steps",
			},
			[]string{"graph", "node"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepgraph_step_duration_seconds",
				Help:    "Duration of node executions, persistence included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"graph", "node"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepgraph_run_duration_seconds",
				Help:    "Wall time from run start to terminal status",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"graph", "status"},
		),
	}
	reg.MustRegister(m.RunsStarted, m.RunsFinished, m.RunsActive, m.Steps, m.StepDuration, m.RunDuration)
	return m
}

// Hooks returns lifecycle hooks recording into m.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnRunStart: func(ctx context.Context, e *domain.RunEvent) {
			m.RunsStarted.WithLabelValues(e.GraphID).Inc()
			m.RunsActive.WithLabelValues(e.GraphID).Inc()
		},
		OnStepComplete: func(ctx context.Context, e *domain.StepEvent) {
			m.Steps.WithLabelValues(e.GraphID, e.Node).Inc()
			m.StepDuration.WithLabelValues(e.GraphID, e.Node).Observe(e.Duration.Seconds())
		},
		OnRunFinish: func(ctx context.Context, e *domain.RunEvent) {
			status := string(e.Status)
			m.RunsFinished.WithLabelValues(e.GraphID, status).Inc()
			m.RunDuration.WithLabelValues(e.GraphID, status).Observe(e.Duration.Seconds())
			m.RunsActive.WithLabelValues(e.GraphID).Dec()
		},
	}
}
