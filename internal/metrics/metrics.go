// Package metrics defines all Prometheus metrics for invdhcpd.
// All metrics use the "invdhcpd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "invdhcpd"

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
		Help:      "Total packet processing errors, by type (decode, upstream, encode, send).",
	}, []string{"type"})

	// PacketProcessingDuration tracks DHCP packet handling latency.
	PacketProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "packet_processing_duration_seconds",
		Help:      "DHCP packet processing duration in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"msg_type"})
)

// --- Negotiation Metrics ---

var (
	// PolicyDrops counts discovers and requests dropped without a reply.
	PolicyDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_drops_total",
		Help:      "Total packets dropped by policy, by reason (no_host, conflict, dhcp_disabled, no_ip, no_network, no_offer).",
	}, []string{"reason"})

	// OffersPending is the size of the offer table.
	OffersPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "offers_pending",
		Help:      "Number of hardware addresses holding an offer.",
	})

	// ManagementAssociations counts management MAC association attempts by outcome.
	ManagementAssociations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "management_associations_total",
		Help:      "Management MAC association attempts, by outcome (written, skipped, failed).",
	}, []string{"outcome"})
)

// --- Inventory Metrics ---

var (
	// CacheLookups counts query cache lookups by cache and result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Inventory query cache lookups, by cache and result (hit, miss, error).",
	}, []string{"cache", "result"})

	// CacheEntries is the number of entries held by each query cache.
	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries currently held by the query cache, stale ones included.",
	}, []string{"cache"})

	// CacheInvalidations counts entries dropped by administrative cache clears.
	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_invalidations_total",
		Help:      "Total cache entries dropped by administrative clears.",
	})

	// InventoryQueryDuration tracks inventory gateway latency by operation.
	InventoryQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "inventory_query_duration_seconds",
		Help:      "Inventory gateway call duration in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"operation"})

	// InventoryRecords is the number of entities in the inventory store.
	InventoryRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inventory_records",
		Help:      "Number of entities in the inventory store.",
	})

	// SeedReloads counts inventory seed imports by result.
	SeedReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "seed_reloads_total",
		Help:      "Inventory seed file imports, by result.",
	}, []string{"result"})
)

// --- API Metrics ---

var (
	// APIRequests counts HTTP API requests by method, path, and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total HTTP API requests.",
	}, []string{"method", "path", "status"})

	// APIRequestDuration tracks API request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP API request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// --- Server Metrics ---

var (
	// ServerInfo is a constant gauge with server metadata.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build and version info.",
	}, []string{"version"})

	// ServerStartTime tracks server start time as a unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Server start time as Unix timestamp.",
	})
)
