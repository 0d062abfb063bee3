package telechat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telechat_messages_enqueued_total",
			Help: "Messages appended to a room queue",
		},
		[]string{"payload"}, // "text" or "voice"
	)

	messagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telechat_messages_delivered_total",
			Help: "Queued messages confirmed by the backend",
		},
	)

	messagesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telechat_messages_failed_total",
			Help: "Queued messages whose single delivery attempt failed",
		},
	)

	drainPasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telechat_drain_passes_total",
			Help: "Delivery worker drain passes started",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telechat_queue_depth",
			Help: "Messages waiting in a room queue",
		},
		[]string{"room_id"},
	)

	// Feed metrics
	feedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telechat_feed_events_total",
			Help: "Pushed rows received from the change feed",
		},
		[]string{"outcome"}, // "applied" or "duplicate"
	)

	persistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telechat_persistence_failures_total",
			Help: "Queue store reads or writes that failed and were swallowed",
		},
		[]string{"op"}, // "load" or "save"
	)
)

func payloadLabel(q QueuedMessage) string {
	if q.VoiceURL != "" {
		return "voice"
	}
	return "text"
}
