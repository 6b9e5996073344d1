package scheduler

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/renderflow/internal/observability"
	"github.com/example/renderflow/internal/state"
)

// DeadWorkers returns the ids of workers whose heartbeat is older than the
// staleness threshold. Terminated workers are excluded: their drain is
// deliberate and their tasks are expected to finish.
func (e *Engine) DeadWorkers(ctx context.Context) ([]string, error) {
	workers, err := e.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := e.now().Add(-e.staleAfter)
	out := make([]string, 0, 4)
	for _, w := range workers {
		if w.Lifecycle == state.LifecycleTerminated {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			out = append(out, w.ID)
		}
	}
	return out, nil
}

// ReapOrphans requeues Running tasks bound to confirmed-dead workers,
// bounded by the retry ceiling. A Running task already at the ceiling should
// be impossible (Fail terminates it first); when one shows up it is surfaced
// as an integrity alarm and left untouched rather than silently coerced.
func (e *Engine) ReapOrphans(ctx context.Context, deadWorkerIDs []string) (int, error) {
	if len(deadWorkerIDs) == 0 {
		return 0, nil
	}
	ctx, span := observability.StartSpan(ctx, "scheduler.reap_orphans",
		attribute.Int("dead_workers", len(deadWorkerIDs)),
	)
	defer span.End()

	orphans, err := e.store.ListRunningByWorkers(ctx, deadWorkerIDs)
	if err != nil {
		return 0, err
	}
	for _, t := range orphans {
		if t.Attempts >= RetryCeiling {
			log.Printf("integrity: task %s is Running with attempts=%d (ceiling %d), worker %s dead; leaving untouched",
				t.ID, t.Attempts, RetryCeiling, t.WorkerID)
			observability.Default.IncCounter("task_integrity_alarms_total", map[string]string{"kind": t.Kind}, 1)
		}
	}

	reaped, err := e.store.ResetOrphanedTasks(ctx, deadWorkerIDs, RetryCeiling, e.now())
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		// Original failure cause is preserved in logs only; the task returns
		// to the ready pool with attempts unchanged.
		log.Printf("requeued %d orphaned task(s) from %d dead worker(s)", reaped, len(deadWorkerIDs))
		observability.Default.IncCounter("orphans_requeued_total", nil, float64(reaped))
	}
	span.SetAttributes(attribute.Int("reaped", reaped))
	return reaped, nil
}

// StuckTasks lists Running tasks whose runtime exceeds the stuck threshold.
// Observational only: a stuck task is a dashboard signal, not grounds for
// cancellation, until its worker's heartbeat also goes stale.
func (e *Engine) StuckTasks(ctx context.Context) ([]state.TaskRecord, error) {
	cutoff := e.now().Add(-e.stuckAfter)
	return e.store.ListRunningStartedBefore(ctx, cutoff)
}

// SweepOrphans is one recovery pass: detect dead workers, requeue their
// orphans, refresh the stuck-task gauge.
func (e *Engine) SweepOrphans(ctx context.Context) (int, error) {
	dead, err := e.DeadWorkers(ctx)
	if err != nil {
		return 0, err
	}
	reaped, err := e.ReapOrphans(ctx, dead)
	if err != nil {
		return 0, err
	}
	stuck, err := e.StuckTasks(ctx)
	if err != nil {
		return 0, err
	}
	observability.Default.SetGauge("stuck_tasks", nil, float64(len(stuck)))
	return reaped, nil
}

// RunRecoveryLoop sweeps at the given interval until the context ends.
func (e *Engine) RunRecoveryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.SweepOrphans(ctx); err != nil {
				log.Printf("recovery sweep failed: %v", err)
			}
		}
	}
}
