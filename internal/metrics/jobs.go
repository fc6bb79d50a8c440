package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		jobsEnqueuedTotal,
		jobsFinishedTotal,
		jobRetriesTotal,
		jobsReapedTotal,
		waitOutcomesTotal,
	)
}

var (
	jobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_jobs_enqueued_total",
			Help: "Chat jobs accepted into the queue.",
		},
		[]string{"kind"},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_jobs_finished_total",
			Help: "Chat jobs that reached a terminal status.",
		},
		[]string{"kind", "status"},
	)

	jobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_job_retries_total",
			Help: "Failed attempts that were scheduled for retry.",
		},
		[]string{"kind"},
	)

	jobsReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_jobs_reaped_total",
			Help: "Jobs recovered by the reaper after a lease expired.",
		},
		[]string{"outcome"}, // requeued, failed, purged
	)

	waitOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_wait_outcomes_total",
			Help: "Results of synchronous waits on job completion.",
		},
		[]string{"outcome"}, // completed, failed, timeout
	)
)

func IncJobEnqueued(kind string) {
	jobsEnqueuedTotal.WithLabelValues(norm(kind)).Inc()
}

func IncJobFinished(kind, status string) {
	jobsFinishedTotal.WithLabelValues(norm(kind), norm(status)).Inc()
}

func IncJobRetry(kind string) {
	jobRetriesTotal.WithLabelValues(norm(kind)).Inc()
}

func AddJobsReaped(outcome string, n int64) {
	if n > 0 {
		jobsReapedTotal.WithLabelValues(norm(outcome)).Add(float64(n))
	}
}

func IncWaitOutcome(outcome string) {
	waitOutcomesTotal.WithLabelValues(norm(outcome)).Inc()
}
