// Package metrics exposes canvasd's operation/room/session counters as
// Prometheus collectors, standardized on prometheus/client_golang rather
// than storj's monkit (see DESIGN.md: monkit's call-graph instrumentation
// is tuned for storj's RPC interceptor stack, which canvasd does not
// have).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors canvasd registers against a single
// prometheus.Registerer, mirroring storj services' pattern of a struct
// of named collectors constructed once and passed down by reference.
type Metrics struct {
	Registry *prometheus.Registry

	OperationsTotal    *prometheus.CounterVec
	OperationsRejected *prometheus.CounterVec
	OperationLatency   prometheus.Histogram

	ActiveRooms        prometheus.Gauge
	ActiveSessions     prometheus.Gauge
	ConnectedPeers     prometheus.Gauge
	SyncFullResyncs    prometheus.Counter
	DedupReplaysServed prometheus.Counter
}

// New constructs and registers all collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global default
// registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasd",
			Subsystem: "pipeline",
			Name:      "operations_total",
			Help:      "Operations accepted, partitioned by operation type.",
		}, []string{"type"}),
		OperationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasd",
			Subsystem: "pipeline",
			Name:      "operations_rejected_total",
			Help:      "Operations rejected, partitioned by rejection reason.",
		}, []string{"reason"}),
		OperationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canvasd",
			Subsystem: "pipeline",
			Name:      "operation_apply_seconds",
			Help:      "Time spent validating and applying one accepted operation inside the room lane.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvasd",
			Subsystem: "room",
			Name:      "active_rooms",
			Help:      "Number of projects with a live in-memory Room.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvasd",
			Subsystem: "session",
			Name:      "active_sessions",
			Help:      "Number of active (connection, project) tabs across all rooms.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvasd",
			Subsystem: "transport",
			Name:      "connected_peers",
			Help:      "Number of live websocket connections.",
		}),
		SyncFullResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canvasd",
			Subsystem: "sync",
			Name:      "full_resyncs_total",
			Help:      "Number of sync_check requests that required a full_state_sync instead of a delta.",
		}),
		DedupReplaysServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canvasd",
			Subsystem: "pipeline",
			Name:      "dedup_replays_total",
			Help:      "Number of execute_operation requests served from the idempotency cache instead of re-applied.",
		}),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OperationsRejected,
		m.OperationLatency,
		m.ActiveRooms,
		m.ActiveSessions,
		m.ConnectedPeers,
		m.SyncFullResyncs,
		m.DedupReplaysServed,
	)

	return m
}
