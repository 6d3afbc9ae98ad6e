package syncer

import "github.com/prometheus/client_golang/prometheus"

var (
	passCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Sync passes run, labeled by outcome.",
	}, []string{"outcome"})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Duration of sync passes.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	triggersCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "triggers_coalesced_total",
		Help:      "Sync triggers folded into an in-flight pass.",
	})

	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "state",
		Help:      "Engine state: 0 idle, 1 draining, 2 pulling, 3 committing, 4 failed.",
	})

	sentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "mutations_sent_total",
		Help:      "Mutations accepted by the remote service, labeled by operation.",
	}, []string{"operation"})

	coalescedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "entries_coalesced_total",
		Help:      "Queue entries folded into another entry's call.",
	})

	annihilatedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "entities_annihilated_total",
		Help:      "Entities created and deleted locally before ever reaching the remote.",
	})

	deferredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "mutations_deferred_total",
		Help:      "Mutations held back because a referenced parent is not yet synced.",
	})

	rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "mutations_rejected_total",
		Help:      "Mutations moved to the rejections table, labeled by kind.",
	}, []string{"kind"})

	retryableCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "mutations_retryable_total",
		Help:      "Mutations left queued after a retryable failure, labeled by failure class.",
	}, []string{"class"})

	pulledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "records_pulled_total",
		Help:      "Remote records processed by pull, labeled by resource and result.",
	}, []string{"resource", "result"})
)

func init() {
	prometheus.MustRegister(
		passCounter,
		passDuration,
		triggersCoalesced,
		stateGauge,
		sentCounter,
		coalescedCounter,
		annihilatedCounter,
		deferredCounter,
		rejectedCounter,
		retryableCounter,
		pulledCounter,
	)
}
