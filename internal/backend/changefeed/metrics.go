package changefeed

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncserver",
		Subsystem: "changefeed",
		Name:      "messages_processed_total",
		Help:      "Number of change-feed messages successfully handled.",
	}, []string{"topic", "event_type"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncserver",
		Subsystem: "changefeed",
		Name:      "handler_errors_total",
		Help:      "Number of handler errors grouped by topic and event type.",
	}, []string{"topic", "event_type"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncserver",
		Subsystem: "changefeed",
		Name:      "decode_errors_total",
		Help:      "Number of decode failures per topic.",
	}, []string{"topic"})

	lagGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncserver",
		Subsystem: "changefeed",
		Name:      "lag_seconds",
		Help:      "Seconds between a record write and its change event being handled.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, decodeErrorCounter, lagGauge)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	if !msg.Event.UpdatedAt.IsZero() {
		lagGauge.WithLabelValues(msg.Topic).Set(time.Since(msg.Event.UpdatedAt).Seconds())
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}
