package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/config"
	"github.com/slipstream/dlsync/internal/reconcile"
	"github.com/slipstream/dlsync/internal/scheduler"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context) *reconcile.Summary
}

// WatchRefresher re-reads which folders should be watched.
type WatchRefresher interface {
	RefreshWatches(ctx context.Context) error
}

// ReconcileTask runs the periodic reconciliation pass.
type ReconcileTask struct {
	engine  Reconciler
	watches WatchRefresher
	logger  *zerolog.Logger
}

// NewReconcileTask creates the reconcile task. watches may be nil.
func NewReconcileTask(engine Reconciler, watches WatchRefresher, logger *zerolog.Logger) *ReconcileTask {
	subLogger := logger.With().Str("task", "download-reconcile").Logger()
	return &ReconcileTask{
		engine:  engine,
		watches: watches,
		logger:  &subLogger,
	}
}

// Run executes one pass. It never fails: problems with backends or single
// downloads are part of the summary and are retried by the next pass.
func (t *ReconcileTask) Run(ctx context.Context) error {
	if t.watches != nil {
		if err := t.watches.RefreshWatches(ctx); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to refresh folder watches")
		}
	}

	summary := t.engine.Run(ctx)
	if summary.Clients > 0 && len(summary.ClientErrors) == summary.Clients {
		t.logger.Warn().Int("clients", summary.Clients).Str("passId", summary.PassID).
			Msg("No download client reported during reconciliation")
	}
	return nil
}

// RegisterReconcileTask registers the reconciliation task with the scheduler.
func RegisterReconcileTask(
	sched *scheduler.Scheduler,
	engine Reconciler,
	watches WatchRefresher,
	cfg *config.ReconcileConfig,
	logger *zerolog.Logger,
) error {
	task := NewReconcileTask(engine, watches, logger)

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	return sched.RegisterTask(&scheduler.TaskConfig{
		ID:          "download-reconcile",
		Name:        "Download Reconciliation",
		Description: "Compares tracked downloads with what the download clients report",
		Interval:    interval,
		RunOnStart:  true,
		Func:        task.Run,
	})
}
