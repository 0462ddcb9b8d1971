// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/metrics-cli/internal/pipeline"
)

// Metrics records pipeline run and step outcomes.
type Metrics struct {
	// Runs by final status ("ok", "error", "aborted").
	Runs *prometheus.CounterVec

	// Step latency by step name.
	StepDuration *prometheus.HistogramVec

	// Step failures by step name.
	StepFailures *prometheus.CounterVec

	// Rows read and written by the most recent execution of each step.
	StepRows *prometheus.GaugeVec
}

// New creates a Metrics instance registered with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "metrics_pipeline_runs_total",
			Help: "Total pipeline runs by final status",
		}, []string{"status"}),

		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metrics_pipeline_step_duration_seconds",
			Help:    "Duration of pipeline steps",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),

		StepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "metrics_pipeline_step_failures_total",
			Help: "Total failed pipeline steps",
		}, []string{"step"}),

		StepRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metrics_pipeline_step_rows",
			Help: "Rows read (in) and written (out) by the last execution of a step",
		}, []string{"step", "direction"}),
	}
}

// StepFinished implements pipeline.Recorder.
func (m *Metrics) StepFinished(step string, status pipeline.Status, elapsed time.Duration, rowsIn, rowsOut int64) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
	if status == pipeline.StatusError {
		m.StepFailures.WithLabelValues(step).Inc()
	}
	m.StepRows.WithLabelValues(step, "in").Set(float64(rowsIn))
	m.StepRows.WithLabelValues(step, "out").Set(float64(rowsOut))
}

// RunFinished implements pipeline.Recorder.
func (m *Metrics) RunFinished(status pipeline.Status, state pipeline.State) {
	if m == nil {
		return
	}
	label := string(status)
	if state == pipeline.StateAborted {
		label = pipeline.StateAborted.String()
	}
	m.Runs.WithLabelValues(label).Inc()
}
