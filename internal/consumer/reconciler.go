package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/unpod-ai/voicecore/internal/metrics"
	"github.com/unpod-ai/voicecore/internal/tasks"
)

// ReconcilerStore extends the pool's store view with the scan queries.
type ReconcilerStore interface {
	TaskStore
	StuckTasks(ctx context.Context, cutoff time.Time) ([]tasks.Task, error)
	DueScheduled(ctx context.Context, now time.Time) ([]tasks.Task, error)
	DanglingPending(ctx context.Context, cutoff time.Time) ([]tasks.Task, error)
}

// Reconciler periodically returns stuck tasks to pending and promotes
// due scheduled tasks onto their tier queues.
type Reconciler struct {
	store   ReconcilerStore
	enqueue *Enqueuer
	window  time.Duration // how long a claim may run before it is stuck
	period  time.Duration
	logger  *zap.Logger
	cron    *cron.Cron
	now     func() time.Time
}

func NewReconciler(store ReconcilerStore, enqueue *Enqueuer, window, period time.Duration, logger *zap.Logger) *Reconciler {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if period <= 0 {
		period = time.Minute
	}
	return &Reconciler{
		store:   store,
		enqueue: enqueue,
		window:  window,
		period:  period,
		logger:  logger,
		now:     time.Now,
	}
}

// Start schedules the periodic sweep; Stop ends it.
func (r *Reconciler) Start() error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.period), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.period)
		defer cancel()
		r.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}
	r.cron.Start()
	return nil
}

func (r *Reconciler) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.recoverStuck(ctx)
	r.rescuePending(ctx)
	r.promoteScheduled(ctx)
}

// recoverStuck walks tasks claimed before the window that the
// execution log never saw finish, and returns them to pending. The
// graph has no in_progress→pending edge, so the path goes through
// failed.
func (r *Reconciler) recoverStuck(ctx context.Context) {
	stuck, err := r.store.StuckTasks(ctx, r.now().Add(-r.window))
	if err != nil {
		r.logger.Error("stuck task scan failed", zap.Error(err))
		return
	}
	for _, t := range stuck {
		if _, err := r.store.UpdateTask(ctx, t.ID, tasks.StatusFailed, nil); err != nil {
			r.logger.Warn("stuck task fail transition rejected",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if _, err := r.store.UpdateTask(ctx, t.ID, tasks.StatusPending, nil); err != nil {
			r.logger.Warn("stuck task retry transition rejected",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if err := r.store.AppendLog(ctx, tasks.LogEntry{
			TaskID: t.ID, RunID: t.RunID, Step: "reconciled", Status: "requeued",
		}); err != nil {
			r.logger.Warn("reconcile log write failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		if err := r.enqueue.Enqueue(ctx, t); err != nil {
			r.logger.Error("stuck task re-enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		metrics.TasksReconciled.Inc()
		r.logger.Info("stuck task returned to pending", zap.String("task_id", t.ID))
	}
}

// rescuePending re-enqueues pending tasks whose queue message went
// missing: delayed requeues ride a process-local timer, so a crash in
// the delay window strands the task pending with nothing on the wire.
// The reconcile entry is written first so the next sweep inside the
// window skips the task.
func (r *Reconciler) rescuePending(ctx context.Context) {
	lost, err := r.store.DanglingPending(ctx, r.now().Add(-r.window))
	if err != nil {
		r.logger.Error("pending task scan failed", zap.Error(err))
		return
	}
	for _, t := range lost {
		if err := r.store.AppendLog(ctx, tasks.LogEntry{
			TaskID: t.ID, RunID: t.RunID, Step: "reconciled", Status: "reenqueued",
		}); err != nil {
			r.logger.Warn("rescue log write failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		if err := r.enqueue.Enqueue(ctx, t); err != nil {
			r.logger.Error("pending task re-enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		metrics.TasksReconciled.Inc()
		r.logger.Info("lost pending task re-enqueued", zap.String("task_id", t.ID))
	}
}

// promoteScheduled enqueues scheduled tasks whose time has come; they
// stay scheduled until a consumer claims them into in_progress.
func (r *Reconciler) promoteScheduled(ctx context.Context) {
	due, err := r.store.DueScheduled(ctx, r.now())
	if err != nil {
		r.logger.Error("scheduled task scan failed", zap.Error(err))
		return
	}
	for _, t := range due {
		if err := r.store.AppendLog(ctx, tasks.LogEntry{
			TaskID: t.ID, RunID: t.RunID, Step: "promoted", Status: "ok",
		}); err != nil {
			r.logger.Warn("promote log write failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		if err := r.enqueue.Enqueue(ctx, t); err != nil {
			r.logger.Error("scheduled task enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}
