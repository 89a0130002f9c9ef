package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	explainJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "explain_jobs_total",
			Help: "Total number of explanation jobs by status",
		},
		[]string{"status"},
	)

	explainJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "explain_jobs_active",
			Help: "Number of explanation jobs currently running",
		},
	)

	explainJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "explain_job_duration_seconds",
			Help:    "Explanation job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	predictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of classification requests by outcome",
		},
		[]string{"outcome"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	progressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "progress_subscribers",
			Help: "Number of open progress channels",
		},
	)
)

func RecordJobCreated() {
	explainJobsTotal.WithLabelValues("pending").Inc()
}

func RecordJobStarted() {
	explainJobsActive.Inc()
}

// RecordJobFinished records a terminal job status and its run time.
func RecordJobFinished(status string, duration time.Duration) {
	explainJobsActive.Dec()
	explainJobsTotal.WithLabelValues(status).Inc()
	explainJobDuration.Observe(duration.Seconds())
}

func RecordPrediction(outcome string) {
	predictionsTotal.WithLabelValues(outcome).Inc()
}

func SubscriberOpened() {
	progressSubscribers.Inc()
}

func SubscriberClosed() {
	progressSubscribers.Dec()
}

// SetCircuitState records a breaker state using gobreaker's numbering.
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}
