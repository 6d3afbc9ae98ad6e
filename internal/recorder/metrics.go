package recorder

import "github.com/prometheus/client_golang/prometheus"

var recordedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fitsync",
	Subsystem: "recorder",
	Name:      "mutations_recorded_total",
	Help:      "Number of local mutations appended to the sync queue, labeled by operation.",
}, []string{"operation"})

func init() {
	prometheus.MustRegister(recordedCounter)
}
