// Package metrics declares the Prometheus collectors shared by the SMTP and
// POP3 servers. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_connections_rejected_total",
			Help: "Connections refused by the connection limiter",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_commands_total",
			Help: "Protocol commands processed, by outcome",
		},
		[]string{"protocol", "command", "result"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Mail flow metrics
var (
	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_delivered_total",
			Help: "Messages accepted and written to every recipient mailbox",
		},
	)

	RecipientsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_recipients_delivered_total",
			Help: "Mailbox copies written by successful deliveries",
		},
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_failures_total",
			Help: "Transactions aborted at end of data",
		},
		[]string{"reason"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_message_size_bytes",
			Help:    "Size of delivered messages",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	MessagesRetrieved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_retrieved_total",
			Help: "Messages sent to POP3 clients with RETR",
		},
	)

	DeletionsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deletions_committed_total",
			Help: "Messages removed when a POP3 session ended with QUIT",
		},
		[]string{"result"},
	)
)
