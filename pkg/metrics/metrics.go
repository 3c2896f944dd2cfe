// Copyright 2025 Certen Protocol
//
// Prometheus collectors for the block builder and validity prover.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the collectors registered for one process; both
// cmd/block-builder and cmd/validity-prover construct their own with
// the metrics relevant to that process, then register it once.
type Registry struct {
	QueueDepth        *prometheus.GaugeVec
	BatchSize         prometheus.Histogram
	ObserverLag       *prometheus.GaugeVec
	ProofLatency      prometheus.Histogram
	LeaderHeld        prometheus.Gauge
	FinalizedBlocks   *prometheus.CounterVec
	WithdrawalsByStatus *prometheus.GaugeVec
}

// New constructs a Registry with all collectors created but not yet
// registered, namespaced under "rollup".
func New() *Registry {
	return &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rollup",
			Name:      "queue_depth",
			Help:      "Current depth of a builder/poster queue, labeled by queue name.",
		}, []string{"queue"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rollup",
			Name:      "block_batch_size",
			Help:      "Number of real senders included in a finalized block.",
			Buckets:   prometheus.LinearBuckets(0, 8, 17),
		}),
		ObserverLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rollup",
			Name:      "observer_lag_blocks",
			Help:      "Blocks between the observer's last checkpoint and chain head, labeled by source.",
		}, []string{"source"}),
		ProofLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rollup",
			Name:      "transition_proof_seconds",
			Help:      "Wall-clock time to produce one block's transition proof.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		LeaderHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rollup",
			Name:      "leader_held",
			Help:      "1 if this replica currently holds the leader lease, 0 otherwise.",
		}),
		FinalizedBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollup",
			Name:      "finalized_blocks_total",
			Help:      "Total blocks finalized, labeled by builder kind.",
		}, []string{"kind"}),
		WithdrawalsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rollup",
			Name:      "withdrawals_by_status",
			Help:      "Count of withdrawal requests currently in each status.",
		}, []string{"status"}),
	}
}

// MustRegister registers every collector in r against reg, panicking
// on a duplicate registration (a programmer error at startup).
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.QueueDepth,
		r.BatchSize,
		r.ObserverLag,
		r.ProofLatency,
		r.LeaderHeld,
		r.FinalizedBlocks,
		r.WithdrawalsByStatus,
	)
}
