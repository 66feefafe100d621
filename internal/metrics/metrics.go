// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabgate_connections_active",
		Help: "The current number of open WebSocket connections on this instance.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabgate_connections_total",
		Help: "The total number of WebSocket connections registered.",
	})
	RejectedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabgate_connections_rejected_total",
		Help: "Connections closed during the handshake, by reason.",
	}, []string{"reason"})
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabgate_heartbeat_timeouts_total",
		Help: "Connections force-closed by the heartbeat sweep.",
	})

	// Message metrics
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabgate_messages_received_total",
		Help: "Client envelopes received, by type.",
	}, []string{"type"})
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabgate_events_broadcast_total",
		Help: "Events sequenced and fanned out, by origin (local or relay).",
	}, []string{"origin"})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabgate_delivery_failures_total",
		Help: "Event writes that failed for a single recipient.",
	})

	// Admission metrics
	AdmissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabgate_admission_denials_total",
		Help: "Operations denied by the admission controller, by code.",
	}, []string{"code"})

	// Presence metrics
	PresenceSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabgate_presence_swept_total",
		Help: "Stale presence records removed by cleanup.",
	})

	// Store and broker metrics
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabgate_store_errors_total",
		Help: "Shared store operations that failed after retries, by operation.",
	}, []string{"operation"})
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabgate_broker_messages_published_total",
		Help: "Relay messages published to the broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabgate_broker_publish_retries_total",
		Help: "Retries when publishing to the broker.",
	}, []string{"broker_type"})

	// Auth metrics
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabgate_auth_failures_total",
		Help: "Token validation failures, by reason.",
	}, []string{"reason"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
