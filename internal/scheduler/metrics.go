package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Completed job runs, labeled by job and result.",
	}, []string{"job", "result"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fitsync",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Duration of job runs.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})

	jobsReplaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "scheduler",
		Name:      "jobs_replaced_total",
		Help:      "Run-now requests that replaced a request not yet started.",
	}, []string{"job"})

	jobsDeferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "scheduler",
		Name:      "jobs_deferred_total",
		Help:      "Due jobs held back by unmet constraints.",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(jobRuns, jobDuration, jobsReplaced, jobsDeferred)
}
