// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection and presence counts, counters for event and
// delivery throughput, and a histogram for message pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one authenticated
	// connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of online users",
	})

	// EventsTotal counts inbound client events, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of inbound client events",
	}, []string{"type"})

	// RejectedTotal counts inbound events rejected before reaching a handler,
	// labeled by error code.
	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rejected_total",
		Help: "Total number of inbound events rejected",
	}, []string{"code"})

	// MessagesTotal counts chat messages, labeled by outcome:
	// "persisted", "failed", "pointer_stale".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// Deliveries counts outbound frame writes, labeled by result:
	// "ok", "failed", "skipped".
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Total number of outbound frame deliveries",
	}, []string{"result"})

	// PipelineLatency records the time from receiving send_message to the end
	// of the new_message fan-out.
	PipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_pipeline_latency_seconds",
		Help:    "Message pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TypingExpired counts typing indicators cleared by the server-side timeout.
	TypingExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_typing_expired_total",
		Help: "Total number of typing indicators expired by the server",
	})

	// RateLimited counts inbound events dropped by the rate limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total number of inbound events rate limited",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		RejectedTotal,
		MessagesTotal,
		Deliveries,
		PipelineLatency,
		TypingExpired,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
