package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are registered once per process. Helpers are nil-safe so code paths
// exercised in tests before Init ran do not panic.
var (
	registerOnce sync.Once

	httpRequestDuration *prometheus.HistogramVec
	payoutTransitions   *prometheus.CounterVec
	submissionOutcomes  *prometheus.CounterVec
	workerRuns          *prometheus.CounterVec
	adminActions        *prometheus.CounterVec
)

// Init registers the engine's metrics with the given registerer. Passing nil
// uses the default registry.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payout_engine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"})

		payoutTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payout_engine",
			Name:      "payout_transitions_total",
			Help:      "Payout state transitions by from and to state.",
		}, []string{"from", "to"})

		submissionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payout_engine",
			Name:      "submission_outcomes_total",
			Help:      "Network submission outcomes by status.",
		}, []string{"status"})

		workerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payout_engine",
			Name:      "worker_runs_total",
			Help:      "Settlement worker batch runs by result.",
		}, []string{"result"})

		adminActions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payout_engine",
			Name:      "admin_actions_total",
			Help:      "Administrative actions by action and outcome.",
		}, []string{"action", "status"})

		reg.MustRegister(httpRequestDuration, payoutTransitions, submissionOutcomes, workerRuns, adminActions)
	})
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(route, method, status string, elapsed time.Duration) {
	if httpRequestDuration == nil {
		return
	}
	httpRequestDuration.WithLabelValues(route, method, status).Observe(elapsed.Seconds())
}

// RecordPayoutTransition counts one state transition.
func RecordPayoutTransition(from, to string) {
	if payoutTransitions == nil {
		return
	}
	payoutTransitions.WithLabelValues(from, to).Inc()
}

// RecordSubmissionOutcome counts one network submission outcome.
func RecordSubmissionOutcome(status string) {
	if submissionOutcomes == nil {
		return
	}
	submissionOutcomes.WithLabelValues(status).Inc()
}

// RecordWorkerRun counts one settlement worker batch run.
func RecordWorkerRun(result string) {
	if workerRuns == nil {
		return
	}
	workerRuns.WithLabelValues(result).Inc()
}

// RecordAdminAction counts one administrative action attempt.
func RecordAdminAction(action, status string) {
	if adminActions == nil {
		return
	}
	adminActions.WithLabelValues(action, status).Inc()
}
