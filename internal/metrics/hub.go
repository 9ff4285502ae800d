package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub-side collaboration metrics. The hub and sessions update these directly;
// gauges track live state, counters are cumulative since process start.
var (
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "active_connections",
			Help:      "Number of websocket connections currently open.",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "subscribers",
			Help:      "Number of active document subscriptions.",
		},
	)

	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "locks_held",
			Help:      "Number of cell locks currently held.",
		},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "messages_received_total",
			Help:      "Client messages received, by message type.",
		},
		[]string{"type"},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to subscribers, by message type.",
		},
		[]string{"type"},
	)

	DroppedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "dropped_sessions_total",
			Help:      "Sessions disconnected because their send queue overflowed.",
		},
	)

	LockRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "lock_rejections_total",
			Help:      "Lock requests rejected because another editor held the cell.",
		},
	)

	LocksExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "locks_expired_total",
			Help:      "Locks released by the idle sweeper.",
		},
	)

	CommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "commit_failures_total",
			Help:      "Cell updates that failed to persist.",
		},
	)
)
