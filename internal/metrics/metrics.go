package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"vinr.eu/rollout/internal/pipeline"
)

const (
	namespace = "rollout"
	subsystem = "pipeline"

	labelPipeline = "pipeline"
	labelStage    = "stage"
	labelStatus   = "status"
)

// Pipeline records run and stage outcomes. It is a pipeline.Observer.
type Pipeline struct {
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	inProgress     *prometheus.GaugeVec
	deployAttempts *prometheus.HistogramVec
}

func NewPipeline(reg prometheus.Registerer) *Pipeline {
	m := &Pipeline{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by outcome.",
		}, []string{labelPipeline, labelStatus}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Duration of whole pipeline runs, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 9), // top bucket ~= 21 minutes
		}, []string{labelPipeline, labelStatus}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.2, 3, 8),
		}, []string{labelPipeline, labelStage, labelStatus}),
		inProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_in_progress",
			Help:      "Pipeline runs currently executing.",
		}, []string{labelPipeline}),
		deployAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deploy_attempts",
			Help:      "Attempts the remote deployment needed.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{labelPipeline}),
	}
	reg.MustRegister(m.runs, m.runDuration, m.stageDuration, m.inProgress, m.deployAttempts)
	return m
}

func (m *Pipeline) RunStarted(_ context.Context, run pipeline.Run) {
	m.inProgress.WithLabelValues(run.Pipeline).Inc()
}

func (m *Pipeline) StageFinished(_ context.Context, run pipeline.Run, stage pipeline.StageRecord) {
	m.stageDuration.WithLabelValues(run.Pipeline, string(stage.Stage), string(stage.Status)).
		Observe(stage.Duration.Seconds())
}

func (m *Pipeline) RunFinished(_ context.Context, run pipeline.Run) {
	m.inProgress.WithLabelValues(run.Pipeline).Dec()
	m.runs.WithLabelValues(run.Pipeline, string(run.Status)).Inc()
	m.runDuration.WithLabelValues(run.Pipeline, string(run.Status)).Observe(run.Duration().Seconds())
	if run.Deploy != nil && run.Deploy.Attempts > 0 {
		m.deployAttempts.WithLabelValues(run.Pipeline).Observe(float64(run.Deploy.Attempts))
	}
}
