package state

import "time"

// Task status vocabulary. Status only moves forward: Queued -> Running ->
// {Complete, Failed}, with RetryPending as the claim-eligible interim state
// after a recoverable failure, and Cancelled reachable from the pre-running
// states. Recovery may move Running back to Queued while attempts are below
// the retry ceiling.
const (
	StatusQueued       = "Queued"
	StatusRunning      = "Running"
	StatusRetryPending = "RetryPending"
	StatusComplete     = "Complete"
	StatusFailed       = "Failed"
	StatusCancelled    = "Cancelled"
)

// Worker lifecycle states. Terminated workers are draining and are never
// handed new work.
const (
	LifecycleInactive   = "Inactive"
	LifecycleSpawning   = "Spawning"
	LifecycleActive     = "Active"
	LifecycleError      = "Error"
	LifecycleTerminated = "Terminated"
)

// Worker pools. A user's allows_local_workers / allows_cloud_workers flags
// gate which pool may serve their tasks.
const (
	PoolLocal = "local"
	PoolCloud = "cloud"
)

// Ledger entry kinds.
const (
	LedgerPurchase  = "purchase"
	LedgerManual    = "manual"
	LedgerSpend     = "spend"
	LedgerRefund    = "refund"
	LedgerAutoTopup = "auto_topup"
)

type TaskRecord struct {
	ID         string
	Kind       string
	Payload    string
	Status     string
	DependsOn  string
	ProjectID  string
	WorkerID   string
	Attempts   int
	Error      string
	Result     string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	UpdatedAt  time.Time
}

type ProjectRecord struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

type UserRecord struct {
	ID                 string
	AllowsLocalWorkers bool
	AllowsCloudWorkers bool
	CreatedAt          time.Time
}

type WorkerRecord struct {
	ID            string
	InstanceClass string
	Pool          string
	Lifecycle     string
	Capabilities  map[string]string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

type LedgerEntryRecord struct {
	ID        int64
	UserID    string
	Amount    float64
	Kind      string
	TaskID    string
	CreatedAt time.Time
}

// ClaimQuery describes one atomic claim attempt. Empty Kinds means any kind;
// empty UserIDs means any owner. The store must evaluate readiness
// (status, dependency completion) and perform the Queued/RetryPending ->
// Running transition as a single unit, skipping rows another claimer holds.
type ClaimQuery struct {
	WorkerID string
	Kinds    []string
	UserIDs  []string
	Now      time.Time
}
