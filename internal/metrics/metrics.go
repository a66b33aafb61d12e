// Package metrics provides Prometheus instrumentation for the realtime
// service: connection and subscription gauges, counters for appended events
// and rejected moves, and latency histograms for the append path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SubscriptionsActive tracks live topic subscriptions across all connections.
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_subscriptions_active",
		Help: "Current number of live topic subscriptions",
	})

	// EventsAppended counts events accepted by the event log, labeled by kind.
	EventsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_appended_total",
		Help: "Total number of events appended to the log",
	}, []string{"kind"})

	// EventsDelivered counts events pushed to subscribers, labeled by source:
	// "backfill", "live" or "ephemeral".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_delivered_total",
		Help: "Total number of events delivered to subscribers",
	}, []string{"source"})

	// FanoutDrops counts subscriptions dropped because the consumer fell behind.
	FanoutDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_fanout_drops_total",
		Help: "Subscriptions dropped for slow consumers",
	})

	// BrokerSlowConsumers counts broker messages dropped before reaching
	// this instance's router.
	BrokerSlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_broker_slow_consumers_total",
		Help: "Broker subscriptions that dropped messages",
	})

	// MovesRejected counts rejected game moves, labeled by reason.
	MovesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_moves_rejected_total",
		Help: "Total number of rejected game moves",
	}, []string{"reason"})

	// MessagesBlocked counts messages refused by content moderation.
	MessagesBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_blocked_total",
		Help: "Messages refused by content moderation",
	})

	// AppendLatency records event log append latency in seconds.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_append_latency_seconds",
		Help:    "Event log append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveRooms tracks game rooms in waiting or playing state created by
	// this instance.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_rooms",
		Help: "Current number of non-finished game rooms",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SubscriptionsActive,
		EventsAppended,
		EventsDelivered,
		FanoutDrops,
		BrokerSlowConsumers,
		MovesRejected,
		MessagesBlocked,
		AppendLatency,
		ActiveRooms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
