package worker

import "github.com/prometheus/client_golang/prometheus"

// outcomeOK labels successful jobs in kiln_jobs_total.
const outcomeOK = "ok"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_jobs_total",
			Help: "Total number of handled requests by outcome (ok or error kind).",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_job_duration_seconds",
			Help:    "Duration from submission to completion for jobs that reached the engine, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)

	jobsTotal.WithLabelValues(outcomeOK)
	for _, k := range Kinds {
		jobsTotal.WithLabelValues(string(k))
	}
}
