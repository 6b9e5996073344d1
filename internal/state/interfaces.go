package state

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownReference is returned for writes that point at identifiers the
// store has never seen (unknown project, unknown dependency task).
var ErrUnknownReference = errors.New("unknown reference")

// Store is the durable backing for tasks, users, projects, workers, and the
// credit ledger. Balances have no write path: they are derived from
// AppendLedgerEntry via LedgerBalance and nothing else.
type Store interface {
	CreateTask(ctx context.Context, task TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, bool, error)
	UpdateTask(ctx context.Context, task TaskRecord) error
	ListTasksByProject(ctx context.Context, projectID string) ([]TaskRecord, error)

	// ClaimNextTask atomically selects the earliest ready candidate matching
	// the query and flips it to Running, binding it to the worker and
	// stamping StartedAt. Returns ok=false when no candidate exists or every
	// candidate was lost to a concurrent claimer.
	ClaimNextTask(ctx context.Context, q ClaimQuery) (TaskRecord, bool, error)

	CountRunningTasks(ctx context.Context, userID string, kinds []string) (int, error)
	CountReadyTasks(ctx context.Context, userID string, kinds []string) (int, error)
	ListRunningByWorkers(ctx context.Context, workerIDs []string) ([]TaskRecord, error)
	ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]TaskRecord, error)

	// ResetOrphanedTasks requeues Running tasks assigned to the given workers
	// whose attempts are still below maxAttempts, clearing the worker binding
	// and StartedAt. Returns the number of tasks requeued.
	ResetOrphanedTasks(ctx context.Context, workerIDs []string, maxAttempts int, now time.Time) (int, error)

	UpsertUser(ctx context.Context, user UserRecord) error
	GetUser(ctx context.Context, id string) (UserRecord, bool, error)
	ListUsers(ctx context.Context) ([]UserRecord, error)
	UpsertProject(ctx context.Context, project ProjectRecord) error
	GetProject(ctx context.Context, id string) (ProjectRecord, bool, error)

	UpsertWorker(ctx context.Context, worker WorkerRecord) error
	GetWorker(ctx context.Context, id string) (WorkerRecord, bool, error)
	ListWorkers(ctx context.Context) ([]WorkerRecord, error)

	AppendLedgerEntry(ctx context.Context, entry LedgerEntryRecord) error
	LedgerBalance(ctx context.Context, userID string) (float64, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntryRecord, error)
}
