package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Roles reported through InstanceRole.
var roles = []string{"unelected", "leader", "follower"}

// Metrics holds all Prometheus metrics for the bridge.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// InstanceRole is 1 for the role this process currently holds and 0 for the others.
	InstanceRole = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aibridge",
			Subsystem: "instance",
			Name:      "role",
			Help:      "Current role of this instance (1 = active)",
		},
		[]string{"role"},
	)

	// ElectionAttempts counts establish attempts by outcome (leader, follower, unreachable).
	ElectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "election",
			Name:      "attempts_total",
			Help:      "Total election attempts by outcome",
		},
		[]string{"outcome"},
	)

	// --- Hub Metrics ---

	// HubConnections tracks registered connections on the leader.
	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aibridge",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Number of connections registered with the leader",
		},
	)

	// MessagesRelayed counts payload messages fanned out by the leader.
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "hub",
			Name:      "messages_relayed_total",
			Help:      "Total payload messages relayed by type",
		},
		[]string{"type"},
	)

	// Deliveries counts individual frames handed to connections during relay.
	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Total frames delivered to connections",
		},
	)

	// StateUpdates counts replacements of the cached state slot.
	StateUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "hub",
			Name:      "state_updates_total",
			Help:      "Total state cache replacements by message type",
		},
		[]string{"type"},
	)

	// MalformedFrames counts frames that failed to parse.
	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "hub",
			Name:      "malformed_frames_total",
			Help:      "Total frames rejected as malformed",
		},
	)

	// ConnectionsDropped counts connections removed by the leader.
	ConnectionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "hub",
			Name:      "connections_dropped_total",
			Help:      "Total connections removed by reason",
		},
		[]string{"reason"},
	)

	// IdleReleases counts endpoint releases after the idle grace period.
	IdleReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "hub",
			Name:      "idle_releases_total",
			Help:      "Total endpoint releases triggered by an empty registry",
		},
	)

	// --- Follower Metrics ---

	// HeartbeatsSent counts heartbeats sent to the leader.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "follower",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent",
		},
	)

	// PongsReceived counts pongs received from the leader.
	PongsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "follower",
			Name:      "pongs_total",
			Help:      "Total pongs received",
		},
	)

	// HeartbeatTimeouts counts links declared dead for lack of pongs.
	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "follower",
			Name:      "heartbeat_timeouts_total",
			Help:      "Total heartbeat timeouts",
		},
	)

	// --- Bridge Metrics ---

	// SubscriberDrops counts messages a slow subscriber did not receive.
	SubscriberDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aibridge",
			Subsystem: "bridge",
			Name:      "subscriber_drops_total",
			Help:      "Total messages dropped because a subscriber buffer was full",
		},
	)
)

// SetRole marks role as the active one.
func SetRole(role string) {
	for _, r := range roles {
		v := 0.0
		if r == role {
			v = 1
		}
		InstanceRole.WithLabelValues(r).Set(v)
	}
}

// RecordRelay records one relayed payload and how many connections received it.
func RecordRelay(msgType string, delivered int) {
	MessagesRelayed.WithLabelValues(msgType).Inc()
	Deliveries.Add(float64(delivered))
}
