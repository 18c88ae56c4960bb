package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collaboration metrics, exposed on /metrics via promhttp.
var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanopy_collab_active_sessions",
		Help: "Number of live collaboration sessions.",
	})

	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanopy_collab_connected_clients",
		Help: "Number of authenticated WebSocket connections.",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanopy_collab_messages_total",
		Help: "Inbound WebSocket messages processed, by type.",
	}, []string{"type"})

	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanopy_collab_broadcasts_total",
		Help: "Events fanned out to session participants.",
	})

	lockConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanopy_collab_lock_conflicts_total",
		Help: "Lock requests or updates denied because another participant held the lock.",
	})

	versionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanopy_collab_version_conflicts_total",
		Help: "Device updates rejected for claiming a stale base version.",
	})

	authFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanopy_collab_auth_failures_total",
		Help: "Connections closed for missing, invalid, or expired credentials.",
	})

	livenessEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanopy_collab_liveness_evictions_total",
		Help: "Connections evicted after failing a liveness probe.",
	})

	persistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanopy_collab_persist_failures_total",
		Help: "Accepted changes that could not be handed to the document store.",
	})
)
