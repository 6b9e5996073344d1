package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/renderflow/internal/state"
)

// Fixed clock so tests can reason about staleness windows exactly.
var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: testEpoch}
	e := NewInMemoryEngine()
	e.now = clock.Now
	return e, clock
}

// seedUser creates a user with a funded ledger, a project, and returns the
// project id tasks should be submitted under.
func seedUser(t *testing.T, e *Engine, userID string, credits float64) string {
	t.Helper()
	ctx := context.Background()
	err := e.UpsertUser(ctx, state.UserRecord{
		ID:                 userID,
		AllowsLocalWorkers: true,
		AllowsCloudWorkers: true,
		CreatedAt:          testEpoch,
	})
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	projectID := userID + "-project"
	err = e.UpsertProject(ctx, state.ProjectRecord{
		ID:        projectID,
		UserID:    userID,
		Name:      "test project",
		CreatedAt: testEpoch,
	})
	if err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	if credits != 0 {
		if err := e.AppendLedger(ctx, userID, credits, state.LedgerPurchase, ""); err != nil {
			t.Fatalf("fund ledger: %v", err)
		}
	}
	return projectID
}

func submit(t *testing.T, e *Engine, projectID, kind string) state.TaskRecord {
	t.Helper()
	task, err := e.SubmitTask(context.Background(), SubmitRequest{
		Kind:      kind,
		ProjectID: projectID,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", kind, err)
	}
	return task
}

func activeWorker(t *testing.T, e *Engine, id, pool string) {
	t.Helper()
	err := e.Store().UpsertWorker(context.Background(), state.WorkerRecord{
		ID:            id,
		InstanceClass: "gpu",
		Pool:          pool,
		Lifecycle:     state.LifecycleActive,
		LastHeartbeat: e.now(),
		CreatedAt:     e.now(),
	})
	if err != nil {
		t.Fatalf("upsert worker: %v", err)
	}
}

func TestSubmitTaskRejectsUnknownKind(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 10)

	_, err := e.SubmitTask(context.Background(), SubmitRequest{Kind: "hologram", ProjectID: projectID})
	if err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestSubmitTaskRejectsUnknownProject(t *testing.T) {
	e, _ := newTestEngine(t)
	seedUser(t, e, "alice", 10)

	_, err := e.SubmitTask(context.Background(), SubmitRequest{Kind: "image_generation", ProjectID: "nope"})
	if err == nil {
		t.Fatal("expected unknown project error")
	}
}

func TestSubmitTaskRejectsMissingDependency(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 10)

	_, err := e.SubmitTask(context.Background(), SubmitRequest{
		Kind:      "image_generation",
		ProjectID: projectID,
		DependsOn: "ghost",
	})
	if err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestSubmitTaskRejectsInvalidPayload(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 10)

	// A truncated document must be refused at submission; stored verbatim
	// it would corrupt the claim response handed to the winning worker.
	_, err := e.SubmitTask(context.Background(), SubmitRequest{
		Kind:      "image_generation",
		Payload:   `{"prompt":`,
		ProjectID: projectID,
	})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("submit err = %v, want ErrInvalidPayload", err)
	}

	task, err := e.SubmitTask(context.Background(), SubmitRequest{
		Kind:      "image_generation",
		Payload:   `{"prompt":"sunrise"}`,
		ProjectID: projectID,
	})
	if err != nil {
		t.Fatalf("submit valid payload: %v", err)
	}
	if task.Payload != `{"prompt":"sunrise"}` {
		t.Fatalf("payload = %q, stored verbatim expected", task.Payload)
	}
}

func TestCancelTask(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 10)
	ctx := context.Background()

	task := submit(t, e, projectID, "image_generation")
	if err := e.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	got, _, _ := e.GetTask(ctx, task.ID)
	if got.Status != state.StatusCancelled {
		t.Fatalf("status = %s, want Cancelled", got.Status)
	}
	// Second cancel is a no-op.
	if err := e.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}

func TestCancelRunningTaskRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 10)
	ctx := context.Background()

	task := submit(t, e, projectID, "image_generation")
	activeWorker(t, e, "w1", state.PoolCloud)
	claimed, err := e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	if claimed.ID != task.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, task.ID)
	}
	if err := e.CancelTask(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel running err = %v, want ErrInvalidTransition", err)
	}
}
