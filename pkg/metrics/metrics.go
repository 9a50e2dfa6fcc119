// Package metrics holds the Prometheus collectors shared by the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphsync_deltas_applied_total",
		Help: "Total number of remote deltas merged",
	})

	DeltasRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_deltas_rejected_total",
		Help: "Total number of remote deltas rejected as malformed",
	}, []string{"side"})

	ChangesIntegrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphsync_changes_integrated_total",
		Help: "Total number of remote changes integrated",
	})

	OversizedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphsync_oversized_frames_total",
		Help: "Connections dropped because a frame exceeded the read limit",
	})

	ChangesPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graphsync_changes_pending",
		Help: "Changes waiting for their dependencies, per room",
	}, []string{"room"})

	ConnectedPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graphsync_connected_peers",
		Help: "Currently connected peers, per room",
	}, []string{"room"})

	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_persistence_flushes_total",
		Help: "Document flushes to the persistence backend by result",
	}, []string{"result"})

	Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_proposals_total",
		Help: "Proposals handled by result",
	}, []string{"result"})

	HistoryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_history_operations_total",
		Help: "Undo and redo operations applied",
	}, []string{"op"})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphsync_delta_apply_duration_seconds",
		Help:    "Duration of merging one remote delta",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
