package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/renderflow/internal/state"
)

func TestClaimFIFOWithinUser(t *testing.T) {
	e, clock := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 100)
	activeWorker(t, e, "w1", state.PoolCloud)
	ctx := context.Background()

	first := submit(t, e, projectID, "image_generation")
	clock.Advance(time.Second)
	second := submit(t, e, projectID, "image_generation")

	got, err := e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil || got == nil {
		t.Fatalf("claim: task=%v err=%v", got, err)
	}
	if got.ID != first.ID {
		t.Fatalf("claimed %s first, want %s", got.ID, first.ID)
	}
	if got.Status != state.StatusRunning || got.WorkerID != "w1" || got.StartedAt.IsZero() {
		t.Fatalf("claimed task not marked running: %+v", got)
	}

	got, err = e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil || got == nil {
		t.Fatalf("second claim: task=%v err=%v", got, err)
	}
	if got.ID != second.ID {
		t.Fatalf("claimed %s second, want %s", got.ID, second.ID)
	}
}

func TestClaimRefusedAtConcurrencyCap(t *testing.T) {
	e, clock := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 1000)
	ctx := context.Background()

	for i := 0; i <= MaxConcurrency; i++ {
		submit(t, e, projectID, "image_generation")
		clock.Advance(time.Second)
	}
	for i := 0; i < MaxConcurrency; i++ {
		worker := fmt.Sprintf("w%d", i)
		activeWorker(t, e, worker, state.PoolCloud)
		got, err := e.Claim(ctx, worker, ClaimScope{UserID: "alice"}, ClaimOptions{})
		if err != nil || got == nil {
			t.Fatalf("claim %d: task=%v err=%v", i, got, err)
		}
	}

	// One task still queued, but the user is at the cap: nothing to hand out.
	activeWorker(t, e, "extra", state.PoolCloud)
	got, err := e.Claim(ctx, "extra", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %s past the concurrency cap", got.ID)
	}
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	e, _ := newTestEngine(t)
	seedUser(t, e, "alice", 100)
	activeWorker(t, e, "w1", state.PoolCloud)

	got, err := e.Claim(context.Background(), "w1", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %+v from empty queue", got)
	}
}

func TestClaimExactlyOnceUnderContention(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 100)
	ctx := context.Background()

	const tasks = 5
	const claimers = 32
	for i := 0; i < tasks; i++ {
		submit(t, e, projectID, "image_generation")
	}
	for i := 0; i < claimers; i++ {
		activeWorker(t, e, fmt.Sprintf("w%d", i), state.PoolCloud)
	}

	var mu sync.Mutex
	claimedBy := make(map[string]string)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			task, err := e.Claim(ctx, workerID, ClaimScope{UserID: "alice"}, ClaimOptions{})
			if err != nil {
				t.Errorf("claim on %s: %v", workerID, err)
				return
			}
			if task == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimedBy[task.ID]; dup {
				t.Errorf("task %s claimed by both %s and %s", task.ID, prev, workerID)
			}
			claimedBy[task.ID] = workerID
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()

	if len(claimedBy) != tasks {
		t.Fatalf("claimed %d distinct tasks, want %d", len(claimedBy), tasks)
	}
}

func TestClaimDependencyGating(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 100)
	activeWorker(t, e, "w1", state.PoolCloud)
	ctx := context.Background()

	parent := submit(t, e, projectID, "image_generation")
	child, err := e.SubmitTask(ctx, SubmitRequest{
		Kind:      "image_upscale",
		ProjectID: projectID,
		DependsOn: parent.ID,
	})
	if err != nil {
		t.Fatalf("submit child: %v", err)
	}

	got, err := e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil || got == nil || got.ID != parent.ID {
		t.Fatalf("claim = %v (err %v), want parent %s", got, err, parent.ID)
	}
	// Child stays gated until the parent is Complete.
	got, err = e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed gated child %s", got.ID)
	}
	if err := e.Complete(ctx, parent.ID, `{"ok":true}`); err != nil {
		t.Fatalf("complete parent: %v", err)
	}
	got, err = e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil || got == nil || got.ID != child.ID {
		t.Fatalf("claim = %v (err %v), want child %s", got, err, child.ID)
	}
}

func TestClaimRefusedForDrainingWorker(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 100)
	ctx := context.Background()

	submit(t, e, projectID, "image_generation")
	if err := e.Store().UpsertWorker(ctx, state.WorkerRecord{
		ID:            "drain",
		Pool:          state.PoolCloud,
		Lifecycle:     state.LifecycleTerminated,
		LastHeartbeat: e.now(),
	}); err != nil {
		t.Fatalf("upsert worker: %v", err)
	}

	got, err := e.Claim(ctx, "drain", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatalf("draining worker claimed %s", got.ID)
	}
}

func TestClaimRunClassFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 100)
	activeWorker(t, e, "w1", state.PoolCloud)
	ctx := context.Background()

	gpu := submit(t, e, projectID, "image_generation")
	api := submit(t, e, projectID, "api_generation")

	got, err := e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{RunClass: "api"})
	if err != nil || got == nil || got.ID != api.ID {
		t.Fatalf("api claim = %v (err %v), want %s", got, err, api.ID)
	}
	got, err = e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{RunClass: "gpu"})
	if err != nil || got == nil || got.ID != gpu.ID {
		t.Fatalf("gpu claim = %v (err %v), want %s", got, err, gpu.ID)
	}
}

func TestClaimCrossUserScope(t *testing.T) {
	e, _ := newTestEngine(t)
	p1 := seedUser(t, e, "alice", 100)
	p2 := seedUser(t, e, "bob", 0) // no credits: ineligible
	activeWorker(t, e, "w1", state.PoolCloud)
	ctx := context.Background()

	submit(t, e, p2, "image_generation")
	aliceTask := submit(t, e, p1, "image_generation")

	got, err := e.Claim(ctx, "w1", ClaimScope{}, ClaimOptions{})
	if err != nil || got == nil {
		t.Fatalf("claim: task=%v err=%v", got, err)
	}
	if got.ID != aliceTask.ID {
		t.Fatalf("claimed %s, want funded user's task %s", got.ID, aliceTask.ID)
	}
	// Only bob's unfunded task remains.
	got, err = e.Claim(ctx, "w1", ClaimScope{}, ClaimOptions{})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %s for unfunded user", got.ID)
	}
}

func TestClaimTrustedSkipsCreditGate(t *testing.T) {
	e, _ := newTestEngine(t)
	projectID := seedUser(t, e, "broke", 0)
	activeWorker(t, e, "w1", state.PoolCloud)
	ctx := context.Background()

	task := submit(t, e, projectID, "image_generation")
	got, err := e.Claim(ctx, "w1", ClaimScope{UserID: "broke"}, ClaimOptions{Trusted: true})
	if err != nil || got == nil || got.ID != task.ID {
		t.Fatalf("trusted claim = %v (err %v), want %s", got, err, task.ID)
	}
}
