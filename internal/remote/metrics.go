package remote

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "Remote calls issued, labeled by method and status class.",
	}, []string{"method", "code"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fitsync",
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "Latency of remote calls.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"method"})

	retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "remote",
		Name:      "retries_total",
		Help:      "Remote calls retried after a transient failure.",
	}, []string{"method"})

	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitsync",
		Subsystem: "remote",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})
)

func init() {
	prometheus.MustRegister(requestCounter, requestDuration, retryCounter, breakerState)
}
