package reconciler

import (
	"context"
	"time"

	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/metrics"
	"github.com/pomodex/sandboxd/pkg/storage"
	"github.com/pomodex/sandboxd/pkg/types"
)

// Lifecycle is the slice of the lifecycle controller the reconciler
// drives: idle snapshots and stuck-state recovery.
type Lifecycle interface {
	AutoSnapshot(ctx context.Context, project *types.Project) error
	MarkStuck(ctx context.Context, project *types.Project) error
}

// Config holds the reconciler thresholds.
type Config struct {
	// CheckInterval is the pause between cycles.
	CheckInterval time.Duration
	// IdleThreshold is how long a running project may go without a
	// terminal connection before it is snapshotted and stopped.
	IdleThreshold time.Duration
	// StuckThreshold is how long a project may sit in a transitional
	// status before it is declared stuck and flipped to error.
	StuckThreshold time.Duration
}

// Reconciler periodically scans for idle running projects and projects
// stuck mid-transition. One failing project never aborts a cycle.
type Reconciler struct {
	store     storage.Store
	lifecycle Lifecycle
	config    Config
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a reconciler. Call Start to begin scanning.
func New(store storage.Store, lc Lifecycle, config Config) *Reconciler {
	return &Reconciler{
		store:     store,
		lifecycle: lc,
		config:    config,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the reconcile loop in a goroutine. The first cycle
// runs immediately so a restart picks up stuck projects without
// waiting out a full interval.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight cycle.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	logger := log.WithComponent("reconciler")
	logger.Info().
		Dur("interval", r.config.CheckInterval).
		Dur("idle_threshold", r.config.IdleThreshold).
		Dur("stuck_threshold", r.config.StuckThreshold).
		Msg("reconciler started")

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	r.reconcile(ctx)
	for {
		select {
		case <-ticker.C:
			r.reconcile(ctx)
		case <-r.stopCh:
			logger.Info().Msg("reconciler stopped")
			return
		case <-ctx.Done():
			logger.Info().Msg("reconciler context cancelled")
			return
		}
	}
}

// reconcile runs one full cycle: stuck recovery first, then idle
// snapshots. Recovery goes first so a project stuck in snapshotting
// does not also get picked up as idle.
func (r *Reconciler) reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	r.recoverStuck(ctx)
	r.snapshotIdle(ctx)
	r.publishFleetGauge(ctx)
	timer.ObserveDuration(metrics.ReconcileDuration)
	metrics.ReconcileCyclesTotal.Inc()
}

// publishFleetGauge refreshes the per-status project gauge. Statuses
// with no projects are reset to zero rather than left stale.
func (r *Reconciler) publishFleetGauge(ctx context.Context) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		logger := log.WithComponent("reconciler")
		logger.Error().Err(err).Msg("failed to count projects")
		return
	}
	for _, status := range []types.ProjectStatus{
		types.StatusCreating, types.StatusRunning, types.StatusSnapshotting,
		types.StatusStopped, types.StatusRestoring, types.StatusError,
	} {
		metrics.ProjectsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (r *Reconciler) recoverStuck(ctx context.Context) {
	logger := log.WithComponent("reconciler")
	cutoff := time.Now().UTC().Add(-r.config.StuckThreshold)

	stuck, err := r.store.ListStuckTransitional(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list stuck projects")
		return
	}
	for _, project := range stuck {
		if err := r.lifecycle.MarkStuck(ctx, project); err != nil {
			logger.Error().Err(err).
				Str("project_id", project.ID.String()).
				Msg("failed to recover stuck project")
			continue
		}
		metrics.StuckRecoveredTotal.Inc()
		logger.Warn().
			Str("project_id", project.ID.String()).
			Str("status", string(project.Status)).
			Msg("stuck project moved to error")
	}
}

func (r *Reconciler) snapshotIdle(ctx context.Context) {
	logger := log.WithComponent("reconciler")
	cutoff := time.Now().UTC().Add(-r.config.IdleThreshold)

	idle, err := r.store.ListIdleRunning(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list idle projects")
		return
	}
	for _, project := range idle {
		if err := r.lifecycle.AutoSnapshot(ctx, project); err != nil {
			metrics.AutoSnapshotsTotal.WithLabelValues("error").Inc()
			logger.Error().Err(err).
				Str("project_id", project.ID.String()).
				Msg("idle auto-snapshot failed")
			continue
		}
		metrics.AutoSnapshotsTotal.WithLabelValues("ok").Inc()
		logger.Info().
			Str("project_id", project.ID.String()).
			Msg("idle project snapshotted")
	}
}
