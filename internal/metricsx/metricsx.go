// Package metricsx defines and registers the fabric's Prometheus metrics
// and exposes the /metrics handler for scraping.
package metricsx

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_nodes_total",
			Help: "Number of known nodes by role and status",
		},
		[]string{"role", "status"},
	)

	// Gossip metrics
	GossipRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_gossip_rounds_total",
			Help: "Total number of gossip tick cycles run",
		},
	)

	GossipSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_gossip_sends_total",
			Help: "Total gossip digests sent, by outcome",
		},
		[]string{"outcome"},
	)

	GossipFramesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_gossip_frames_received_total",
			Help: "Total inbound gossip frames accepted",
		},
	)

	GossipInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_gossip_interval_seconds",
			Help: "Current adaptive gossip tick interval in seconds",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_rpc_requests_total",
			Help: "Total JSON-RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_rpc_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RPCRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_rpc_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		},
	)

	// Certificate provisioning metrics
	CertIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_cert_issued_total",
			Help: "Total leaf certificates issued by the local CA",
		},
	)

	CertProvisionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_cert_provision_attempts_total",
			Help: "Total local cert provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	CertExpirySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_cert_expiry_seconds",
			Help: "Seconds until the local leaf certificate expires",
		},
	)

	// Connection pool metrics
	PooledPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_pooled_peers",
			Help: "Number of peer clients currently held by the connection pool",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(GossipRoundsTotal)
	prometheus.MustRegister(GossipSendsTotal)
	prometheus.MustRegister(GossipFramesReceived)
	prometheus.MustRegister(GossipInterval)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(RPCRateLimitedTotal)
	prometheus.MustRegister(CertIssuedTotal)
	prometheus.MustRegister(CertProvisionAttempts)
	prometheus.MustRegister(CertExpirySeconds)
	prometheus.MustRegister(PooledPeers)
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
