package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections",
		Help: "Number of connected worker instances.",
	})
	AuthenticatedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections_authenticated",
		Help: "Number of authenticated worker instances.",
	})
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_messages_routed_total",
		Help: "Total number of routed inbound messages by type.",
	}, []string{"type"})
	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_broadcast_failures_total",
		Help: "Total number of per-peer write failures during fan-out.",
	})
	CommandsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_commands_created_total",
		Help: "Total number of commands issued through the hub.",
	})
	CommandsAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_commands_acked_total",
		Help: "Total number of command acknowledgments matched to a pending entry.",
	})
	CommandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_commands_expired_total",
		Help: "Total number of pending commands expired without an acknowledgment.",
	})
	TelemetryPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_telemetry_persist_errors_total",
		Help: "Total number of failed telemetry persistence attempts.",
	})
)
