// Package metrics exposes the proxy's Prometheus surface on /metrics,
// following the promauto package-level vector pattern in
// internal/infrastructure/middleware/metrics.go, with a stable
// namespace/subsystem instead of that package's per-feature grouping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "discord_proxy"

var (
	// RequestsForwarded counts every request the proxy actually sent
	// upstream, labeled by the route template it classified to.
	RequestsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "forwarded_total",
			Help:      "Requests forwarded to the upstream API.",
		},
		[]string{"route"},
	)

	// RequestsRejected counts every locally-synthesized rejection,
	// labeled by the ErrorKind that produced it.
	RequestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "rejected_total",
			Help:      "Requests rejected locally without reaching the upstream API.",
		},
		[]string{"kind"},
	)

	// UpstreamStatus counts upstream response status classes by route.
	UpstreamStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "responses_total",
			Help:      "Upstream responses received, by route and status code.",
		},
		[]string{"route", "status"},
	)

	// Upstream429 counts every upstream 429 response, labeled by its
	// scope and global flag, whether or not it armed the abort gate.
	Upstream429 = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "ratelimited_total",
			Help:      "Upstream 429 responses observed, labeled by scope.",
		},
		[]string{"scope", "global"},
	)

	// StoreLatency observes the round-trip latency of each Scripted
	// State Store script call, feeding both the dashboard and a sanity
	// check against the Overload Guard's own internal sample.
	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "script_latency_seconds",
			Help:      "Round-trip latency of ratelimit coordination scripts.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// AbortGateOpen reports whether the abort gate is currently
	// blocking admissions (1) or not (0).
	AbortGateOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "abort_gate_open",
			Help:      "1 while the abort gate is blocking admissions after an upstream 429.",
		},
	)

	// StoreOverloaded reports whether the Overload Guard currently
	// considers the store overloaded (1) or not (0).
	StoreOverloaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "store_overloaded",
			Help:      "1 while the Overload Guard considers the shared store overloaded.",
		},
	)

	// DiscoveryWaits counts how often a request had to wait on the
	// Lock & Discovery Coordinator before retrying admission.
	DiscoveryWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "waits_total",
			Help:      "Requests that waited for a bucket under discovery.",
		},
		[]string{"bucket"},
	)
)
