package api

import "github.com/prometheus/client_golang/prometheus"

var requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncserver",
	Subsystem: "api",
	Name:      "requests_total",
	Help:      "Successful resource requests, labeled by resource, operation and status.",
}, []string{"resource", "operation", "status"})

func init() {
	prometheus.MustRegister(requestCounter)
}
