package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	LifecycleOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_lifecycle_ops_total",
			Help: "Lifecycle operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_snapshot_duration_seconds",
			Help:    "Wall time of snapshot operations including push",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	ProjectsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_projects_total",
			Help: "Projects by status",
		},
		[]string{"status"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_reconcile_cycles_total",
			Help: "Completed reconciliation cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_reconcile_duration_seconds",
			Help:    "Duration of reconciliation cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	StuckRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_stuck_projects_recovered_total",
			Help: "Projects moved from a stuck transitional status to error",
		},
	)

	AutoSnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_auto_snapshots_total",
			Help: "Idle auto-snapshots by outcome",
		},
		[]string{"outcome"},
	)

	// Terminal gateway metrics
	ActiveTerminalSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_terminal_sessions_active",
			Help: "Currently open terminal sessions",
		},
	)

	TerminalConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_terminal_connects_total",
			Help: "Terminal connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_api_requests_total",
			Help: "API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		LifecycleOpsTotal,
		SnapshotDuration,
		ProjectsByStatus,
		ReconcileCyclesTotal,
		ReconcileDuration,
		StuckRecoveredTotal,
		AutoSnapshotsTotal,
		ActiveTerminalSessions,
		TerminalConnectsTotal,
		APIRequestsTotal,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
