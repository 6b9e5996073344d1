package scheduler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/renderflow/internal/observability"
	"github.com/example/renderflow/internal/state"
)

// ClaimScope selects between the cross-user mode and the single-user mode
// locally hosted workers use. A zero UserID means any eligible user.
type ClaimScope struct {
	UserID string
}

type ClaimOptions struct {
	RunClass string
	Trusted  bool
}

// Claim atomically hands the requesting worker the earliest ready task it is
// allowed to execute, or nil when there is none. "None" covers an empty
// queue, losing every race to other claimers, a draining worker, and a user
// that fails admission — all steady-state outcomes, never errors.
func (e *Engine) Claim(ctx context.Context, workerID string, scope ClaimScope, opts ClaimOptions) (*state.TaskRecord, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.claim",
		attribute.String("worker.id", workerID),
		attribute.String("scope.user_id", scope.UserID),
		attribute.String("run_class", opts.RunClass),
	)
	defer span.End()

	worker, ok, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	pool := state.PoolCloud
	if ok {
		if worker.Lifecycle == state.LifecycleTerminated {
			// Draining: no new work for a worker being decommissioned.
			observability.Default.IncCounter("claims_refused_total", map[string]string{"reason": "draining"}, 1)
			return nil, nil
		}
		if worker.Pool != "" {
			pool = worker.Pool
		}
	}

	capOpts := CapacityOptions{
		RunClass: opts.RunClass,
		Pool:     pool,
		Trusted:  opts.Trusted,
	}

	var userIDs []string
	if scope.UserID != "" {
		// The claim gate is always remaining-slot arithmetic: a user at
		// the concurrency cap gets nothing. IncludeActive exists only on
		// the advisory Capacity report.
		capacity, err := e.Capacity(ctx, scope.UserID, capOpts)
		if err != nil {
			return nil, err
		}
		if capacity <= 0 {
			observability.Default.IncCounter("claims_refused_total", map[string]string{"reason": "admission"}, 1)
			return nil, nil
		}
		userIDs = []string{scope.UserID}
	} else {
		userIDs, err = e.eligibleUsers(ctx, capOpts)
		if err != nil {
			return nil, err
		}
		if len(userIDs) == 0 {
			return nil, nil
		}
	}

	task, claimed, err := e.store.ClaimNextTask(ctx, state.ClaimQuery{
		WorkerID: workerID,
		Kinds:    e.claimableKinds(opts.RunClass, opts.Trusted),
		UserIDs:  userIDs,
		Now:      e.now(),
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("task.kind", task.Kind))
	observability.Default.IncCounter("claims_total", map[string]string{
		"worker_id": workerID,
		"kind":      task.Kind,
	}, 1)
	return &task, nil
}
