// Package metrics defines eleel's Prometheus collectors and the HTTP
// handler that exposes them. Every metric is a package-level var created
// with promauto, the same pattern the rest of the dependency pack uses for
// wiring prometheus/client_golang into a service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NewPayloadTotal counts engine_newPayload* calls by role (controller,
	// follower) and outcome (forwarded, cache_hit, woken, synthesized_syncing,
	// echo_short_circuit).
	NewPayloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleel_new_payload_total",
		Help: "Total engine_newPayload* calls handled, by role and outcome.",
	}, []string{"role", "outcome"})

	// ForkchoiceUpdatedTotal counts engine_forkchoiceUpdated* calls by role
	// and outcome (forwarded, consistent, woken, synthesized_syncing,
	// registered_build).
	ForkchoiceUpdatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleel_forkchoice_updated_total",
		Help: "Total engine_forkchoiceUpdated* calls handled, by role and outcome.",
	}, []string{"role", "outcome"})

	// GetPayloadTotal counts engine_getPayload* calls by outcome (ok,
	// unknown_payload, error).
	GetPayloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleel_get_payload_total",
		Help: "Total engine_getPayload* calls handled, by outcome.",
	}, []string{"outcome"})

	// WaiterWakeTotal counts how waiter.Wait suspensions resolved: woken by
	// a publish, or timed out and fell back to a synthesized SYNCING.
	WaiterWakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleel_waiter_resolution_total",
		Help: "Follower suspensions in the waiter hub, by resolution (woken, timeout).",
	}, []string{"key_kind", "resolution"})

	// WaiterSuspendDuration records how long a follower request was
	// actually suspended before resolving, in seconds.
	WaiterSuspendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eleel_waiter_suspend_seconds",
		Help:    "Time a follower request spent suspended in the waiter hub.",
		Buckets: prometheus.DefBuckets,
	})

	// CacheSize reports the current entry count of a named bounded cache.
	CacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eleel_cache_size",
		Help: "Current number of entries held in a bounded cache, by cache name.",
	}, []string{"cache"})

	// BuilderRecords reports the current number of in-flight dummy
	// payload build records held by the builder.
	BuilderRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eleel_builder_records",
		Help: "Current number of build records tracked by the dummy payload builder.",
	})

	// UpstreamRequestDuration records round-trip latency to the
	// controller's execution engine, by method.
	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eleel_upstream_request_seconds",
		Help:    "Round-trip latency of requests forwarded to the controller's execution engine.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// UpstreamErrorsTotal counts forwarded requests that failed, split
	// between transport failures and JSON-RPC error responses.
	UpstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleel_upstream_errors_total",
		Help: "Requests forwarded to the controller's execution engine that failed, by kind.",
	}, []string{"kind"})

	// HeadBlockNumber tracks the highest block number eleel has observed
	// the controller accept as VALID, used as the newPayload wait
	// eligibility cutoff.
	HeadBlockNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eleel_head_block_number",
		Help: "Highest execution block number the controller has accepted as VALID.",
	})

	// AuthFailuresTotal counts rejected bearer tokens, by reason.
	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleel_auth_failures_total",
		Help: "Rejected bearer tokens on the HTTP API, by reason.",
	}, []string{"reason"})
)

// Handler returns the http.Handler that serves the process's registered
// collectors in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
