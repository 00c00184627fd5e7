// Package metrics defines all Prometheus metrics for hearthd and the
// snapshot counters flushed to the external sink.
// All metrics use the "hearthd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hearthd"

// --- DHCP Packet Metrics ---

var (
	// PacketsReceived counts DHCP packets received by message type.
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_received_total",
		Help:      "Total DHCP packets received, by message type.",
	}, []string{"msg_type"})

	// PacketsSent counts DHCP packets sent by message type.
	PacketsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_sent_total",
		Help:      "Total DHCP packets sent, by message type.",
	}, []string{"msg_type"})

	// PacketErrors counts packet processing errors.
	PacketErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packet_errors_total",
		Help:      "Total packet processing errors, by type.",
	}, []string{"type"})

	// TxCacheHits counts retransmission cache hits.
	TxCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "txcache_hits_total",
		Help:      "Total retransmission cache hits.",
	})
)

// --- Lease Metrics ---

var (
	// LeasesActive is a gauge of live leases holding an address.
	LeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leases_active",
		Help:      "Number of live leases currently holding an address.",
	})

	// LeasesStatic is a gauge of live static leases.
	LeasesStatic = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leases_static",
		Help:      "Number of live static leases.",
	})

	// LeasesBlocked is a gauge of blocked devices.
	LeasesBlocked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leases_blocked",
		Help:      "Number of blocked devices.",
	})

	// LeaseOperations counts lease state transitions.
	LeaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_operations_total",
		Help:      "Total lease operations, by type (create, renew, release, decline, expire, block, migrate).",
	}, []string{"operation"})

	// PoolExhausted counts pool exhaustion events during allocation.
	PoolExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_exhausted_total",
		Help:      "Total times the pool was exhausted during allocation.",
	})
)

// --- History Metrics ---

var (
	// HistoryEvents counts appended history events by action.
	HistoryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_events_total",
		Help:      "Total history events appended, by action.",
	}, []string{"action"})

	// HistoryPruned counts history rows removed by retention pruning.
	HistoryPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_pruned_total",
		Help:      "Total history events removed by retention pruning.",
	})
)

// --- API Metrics ---

var (
	// APIRequests counts HTTP API requests by method, path, and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total HTTP API requests.",
	}, []string{"method", "path", "status"})

	// APICacheHits counts read API response cache hits.
	APICacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_cache_hits_total",
		Help:      "Total read API response cache hits.",
	})
)

// --- Notification Metrics ---

var (
	// NotificationsSent counts delivered notifications by kind and result.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Total device notifications, by kind and result.",
	}, []string{"kind", "result"})

	// SinkFlushes counts counter snapshot flushes by result.
	SinkFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_flushes_total",
		Help:      "Total counter snapshot flushes to the metrics sink.",
	}, []string{"result"})
)

// --- Server Info ---

var (
	// ServerStartTime tracks server start time as a unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Server start time as Unix timestamp.",
	})
)
