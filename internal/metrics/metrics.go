// Package metrics registers the engine's Prometheus counters and gauges at
// package init, grounded on chidi150c-coinbase's metrics.go
// (package-level var block + init()-time prometheus.MustRegister, served at
// /metrics by main.go's HTTP server in that repo).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LiquidationsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lickengine_liquidations_ingested_total",
			Help: "Liquidation events persisted from the forced-order stream.",
		},
		[]string{"symbol", "side"},
	)

	EntriesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lickengine_entries_submitted_total",
			Help: "Contrarian entry orders placed.",
		},
		[]string{"symbol", "position_side"},
	)

	EntriesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lickengine_entries_rejected_total",
			Help: "Candidate entries rejected, labeled by the gate that rejected them.",
		},
		[]string{"gate"},
	)

	TranchesOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lickengine_tranches_open",
			Help: "Currently open tranches per symbol/side.",
		},
		[]string{"symbol", "position_side"},
	)

	TrancheMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lickengine_tranche_merges_total",
			Help: "Tranche merge operations, labeled by trigger.",
		},
		[]string{"trigger"}, // max_tranches | opportunistic
	)

	ProtectionRebuildAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lickengine_protection_rebuild_attempts_total",
			Help: "TP/SL rebuild attempts issued by the protection manager.",
		},
	)

	ProtectionRebuildFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lickengine_protection_rebuild_failures_total",
			Help: "TP/SL rebuilds that exhausted retries and left a tranche unprotected.",
		},
	)

	FastPathTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lickengine_fastpath_triggers_total",
			Help: "Immediate market exits fired by the mark-price fast path.",
		},
		[]string{"symbol", "position_side"},
	)

	ReconciliationRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lickengine_reconciliation_runs_total",
			Help: "Reconciler sweeps performed, periodic and triggered combined.",
		},
	)

	ConsistencyViolationsFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lickengine_consistency_violations_total",
			Help: "Drift the reconciler found between venue truth and local bookkeeping, labeled by kind.",
		},
		[]string{"kind"}, // position_drift | missing_protection | orphaned_order | stale_entry
	)
)

func init() {
	prometheus.MustRegister(
		LiquidationsIngested,
		EntriesSubmitted,
		EntriesRejected,
		TranchesOpen,
		TrancheMerges,
		ProtectionRebuildAttempts,
		ProtectionRebuildFailures,
		FastPathTriggers,
		ReconciliationRuns,
		ConsistencyViolationsFound,
	)
}
