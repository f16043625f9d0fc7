package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry holds the prometheus instruments for the orchestration
// pipeline. A nil *Telemetry is valid and records nothing, so tests and the
// one-shot CLI can skip metrics entirely.
type Telemetry struct {
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec
}

// New registers the pipeline metrics on the given registerer.
func New(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arxivist_jobs_started_total",
			Help: "Jobs handed to the dispatcher.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arxivist_jobs_completed_total",
			Help: "Jobs that reached the completed state.",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arxivist_jobs_failed_total",
			Help: "Jobs that reached the failed state, by failure reason.",
		}, []string{"reason"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arxivist_stage_duration_seconds",
			Help:    "Wall-clock duration of stage executions.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arxivist_stage_retries_total",
			Help: "Retry events, by stage.",
		}, []string{"stage"}),
	}
	reg.MustRegister(t.jobsStarted, t.jobsCompleted, t.jobsFailed, t.stageDuration, t.stageRetries)
	return t
}

func (t *Telemetry) JobStarted() {
	if t != nil {
		t.jobsStarted.Inc()
	}
}

func (t *Telemetry) JobCompleted() {
	if t != nil {
		t.jobsCompleted.Inc()
	}
}

func (t *Telemetry) JobFailed(reason string) {
	if t != nil {
		t.jobsFailed.WithLabelValues(reason).Inc()
	}
}

func (t *Telemetry) ObserveStage(stage string, d time.Duration) {
	if t != nil {
		t.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (t *Telemetry) StageRetried(stage string) {
	if t != nil {
		t.stageRetries.WithLabelValues(stage).Inc()
	}
}
