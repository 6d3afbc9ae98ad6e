// Package observability holds the watermark gauges shared by the sync agent
// and the reference backend.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	checkpointGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "checkpoint_timestamp_seconds",
		Help:      "Unix timestamp of the committed pull checkpoint.",
	})
	queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "queue_depth",
		Help:      "Entries waiting in the local sync queue.",
	})
	changePersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncserver",
		Subsystem: "persistence",
		Name:      "last_change_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent record change persisted by the backend.",
	})
)

func init() {
	prometheus.MustRegister(checkpointGauge, queueDepthGauge, changePersistGauge)
}

// RecordCheckpoint updates the checkpoint watermark gauge.
func RecordCheckpoint(ts time.Time) {
	if ts.IsZero() {
		return
	}
	checkpointGauge.Set(float64(ts.Unix()))
}

// RecordQueueDepth sets the queue depth gauge.
func RecordQueueDepth(depth int) {
	queueDepthGauge.Set(float64(depth))
}

// RecordChangePersisted updates the backend persistence watermark gauge.
func RecordChangePersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	changePersistGauge.Set(float64(ts.Unix()))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
