package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/renderflow/internal/observability"
	"github.com/example/renderflow/internal/state"
)

// Complete moves a Running task to Complete, stores the result, and debits
// the owner's ledger for billable kinds. Repeating a Complete on an already
// Complete task is a no-op; calling it against any other terminal state is a
// caller error.
func (e *Engine) Complete(ctx context.Context, taskID string, result string) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.complete",
		attribute.String("task.id", taskID),
	)
	defer span.End()

	task, ok, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch task.Status {
	case state.StatusComplete:
		return nil
	case state.StatusRunning:
	default:
		return fmt.Errorf("complete task %s in status %s: %w", taskID, task.Status, ErrInvalidTransition)
	}

	task.Status = state.StatusComplete
	task.Result = result
	task.WorkerID = ""
	task.FinishedAt = e.now()
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	observability.Default.IncCounter("tasks_completed_total", map[string]string{"kind": task.Kind}, 1)

	return e.debitForTask(ctx, task)
}

// Fail records a worker-reported failure. Below the retry ceiling the task
// becomes RetryPending with the worker binding cleared so any claimer may
// pick it up again; at the ceiling it is terminally Failed with the error
// preserved verbatim for the owner.
func (e *Engine) Fail(ctx context.Context, taskID, errorMessage string) error {
	ctx, span := observability.StartSpan(ctx, "scheduler.fail",
		attribute.String("task.id", taskID),
	)
	defer span.End()

	task, ok, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch task.Status {
	case state.StatusFailed:
		return nil
	case state.StatusRunning:
	default:
		return fmt.Errorf("fail task %s in status %s: %w", taskID, task.Status, ErrInvalidTransition)
	}

	task.Attempts++
	task.Error = errorMessage
	task.WorkerID = ""
	if task.Attempts >= RetryCeiling {
		task.Status = state.StatusFailed
		task.FinishedAt = e.now()
		observability.Default.IncCounter("tasks_failed_total", map[string]string{"kind": task.Kind}, 1)
	} else {
		task.Status = state.StatusRetryPending
		task.StartedAt = time.Time{}
		log.Printf("task %s attempt %d failed, retry pending: %s", task.ID, task.Attempts, errorMessage)
		observability.Default.IncCounter("tasks_retried_total", map[string]string{"kind": task.Kind}, 1)
	}
	return e.store.UpdateTask(ctx, task)
}

// debitForTask appends the spend entry for a billable completion. The ledger
// is the only writer of balances; this hook is the completion side of that
// contract.
func (e *Engine) debitForTask(ctx context.Context, task state.TaskRecord) error {
	tt, ok := e.types.Get(task.Kind)
	if !ok || tt.CreditCost <= 0 {
		return nil
	}
	project, ok, err := e.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("project %s: %w", task.ProjectID, state.ErrUnknownReference)
	}
	return e.store.AppendLedgerEntry(ctx, state.LedgerEntryRecord{
		UserID:    project.UserID,
		Amount:    -tt.CreditCost,
		Kind:      state.LedgerSpend,
		TaskID:    task.ID,
		CreatedAt: e.now(),
	})
}
