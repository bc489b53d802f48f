package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the distribution core. Registered once via
// promauto; exposed on /metrics by the hub server.
var (
	// Connection lifecycle
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgate_connections_current",
		Help: "Currently active WebSocket connections",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_connections_total",
		Help: "Total accepted WebSocket connections",
	})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgate_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason",
	}, []string{"reason"})
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_auth_failures_total",
		Help: "Handshakes closed with an authentication failure",
	})
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_heartbeat_timeouts_total",
		Help: "Connections closed after missed heartbeats",
	})

	// Subscriptions
	SubscriptionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgate_subscriptions_current",
		Help: "Currently active topic subscriptions across all connections",
	})

	// Message flow
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_messages_sent_total",
		Help: "Messages written to clients",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_messages_received_total",
		Help: "Messages read from clients",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_bytes_sent_total",
		Help: "Bytes written to clients",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_bytes_received_total",
		Help: "Bytes read from clients",
	})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgate_messages_dropped_total",
		Help: "Data messages shed per connection, by reason (backpressure, throttled)",
	}, []string{"reason"})
	MessagesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_messages_coalesced_total",
		Help: "Data messages merged into a newer update within a batch window",
	})

	// Broker bridge
	BrokerMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_broker_messages_total",
		Help: "Envelopes received from the shared broker",
	})
	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_broker_reconnects_total",
		Help: "Broker reconnect events",
	})
	BridgeTasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_bridge_tasks_dropped_total",
		Help: "Fan-out tasks dropped because a worker queue was full",
	})

	// Upstream feed guard
	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgate_circuit_state",
		Help: "Upstream circuit state (0=closed, 1=open, 2=half_open)",
	})
	QuotaDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_quota_denied_total",
		Help: "Upstream requests denied by the quota bucket",
	})
	CircuitRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_circuit_rejected_total",
		Help: "Upstream requests short-circuited while the circuit was open",
	})
	ProviderFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_provider_failures_total",
		Help: "Failed upstream provider requests",
	})
	Published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgate_published_total",
		Help: "Envelopes published to the shared broker, by type",
	}, []string{"type"})

	// System
	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgate_cpu_percent",
		Help: "Process CPU usage percent",
	})
	MemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgate_memory_bytes",
		Help: "Process resident memory in bytes",
	})
)

// Helper functions keep call sites terse and make the metric surface
// greppable from one file.

func IncrementConnections() {
	ConnectionsTotal.Inc()
	ConnectionsCurrent.Inc()
}

func DecrementConnections() {
	ConnectionsCurrent.Dec()
}

func IncrementConnectionRejected(reason string) {
	ConnectionsRejected.WithLabelValues(reason).Inc()
}

func IncrementAuthFailures() {
	AuthFailures.Inc()
}

func IncrementHeartbeatTimeouts() {
	HeartbeatTimeouts.Inc()
}

func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		MessagesSent.Add(float64(sent))
	}
	if received > 0 {
		MessagesReceived.Add(float64(received))
	}
}

func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		BytesSent.Add(float64(sent))
	}
	if received > 0 {
		BytesReceived.Add(float64(received))
	}
}

func IncrementDropped(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}

func IncrementCoalesced() {
	MessagesCoalesced.Inc()
}

func IncrementBrokerMessages() {
	BrokerMessages.Inc()
}

func IncrementBrokerReconnects() {
	BrokerReconnects.Inc()
}

func IncrementBridgeTasksDropped() {
	BridgeTasksDropped.Inc()
}

func SetCircuitState(state int) {
	CircuitState.Set(float64(state))
}

func IncrementQuotaDenied() {
	QuotaDenied.Inc()
}

func IncrementCircuitRejected() {
	CircuitRejected.Inc()
}

func IncrementProviderFailures() {
	ProviderFailures.Inc()
}

func IncrementPublished(msgType string) {
	Published.WithLabelValues(msgType).Inc()
}
