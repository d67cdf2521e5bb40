package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposed by the relay core. Registered on the default registry and
// served by the app's /metrics route.
var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "weeziq",
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Live websocket connections.",
	})

	metricRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "weeziq",
		Subsystem: "relay",
		Name:      "rooms",
		Help:      "Rooms with at least one member.",
	})

	metricVisitorSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "weeziq",
		Subsystem: "relay",
		Name:      "visitor_sessions",
		Help:      "Tracked (non-expired) visitor sessions across all domains.",
	})

	metricMessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weeziq",
		Subsystem: "relay",
		Name:      "messages_relayed_total",
		Help:      "Chat messages accepted and broadcast to a room.",
	})

	metricBroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weeziq",
		Subsystem: "relay",
		Name:      "broadcast_dropped_total",
		Help:      "Envelopes dropped because a member's send queue was full or closing.",
	})

	metricProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weeziq",
		Subsystem: "relay",
		Name:      "protocol_errors_total",
		Help:      "Malformed or invalid client events rejected with an error envelope.",
	})

	metricAIReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weeziq",
		Subsystem: "relay",
		Name:      "ai_replies_total",
		Help:      "AI bridge replies by outcome.",
	}, []string{"outcome"})

	metricStoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weeziq",
		Subsystem: "relay",
		Name:      "store_failures_total",
		Help:      "External persistence calls that failed after the broadcast.",
	})
)
