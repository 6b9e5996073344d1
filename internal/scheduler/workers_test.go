package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/example/renderflow/internal/state"
	"github.com/example/renderflow/pkg/flowapi"
)

func heartbeatReq() flowapi.HeartbeatRequest {
	return flowapi.HeartbeatRequest{
		InstanceClass: "gpu",
		Pool:          state.PoolCloud,
		Lifecycle:     state.LifecycleActive,
	}
}

func TestHeartbeatAutoRegisters(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Heartbeat(ctx, "newcomer", flowapi.HeartbeatRequest{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	w, ok, err := e.Store().GetWorker(ctx, "newcomer")
	if err != nil || !ok {
		t.Fatalf("get worker: ok=%v err=%v", ok, err)
	}
	if w.Pool != state.PoolCloud || w.Lifecycle != state.LifecycleActive {
		t.Fatalf("auto-registered worker = %+v, want cloud/Active defaults", w)
	}
	if !w.LastHeartbeat.Equal(testEpoch) {
		t.Fatalf("last heartbeat = %v, want %v", w.LastHeartbeat, testEpoch)
	}
}

func TestHeartbeatPreservesKnownFields(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	if err := e.Heartbeat(ctx, "w1", flowapi.HeartbeatRequest{
		InstanceClass: "a100",
		Pool:          state.PoolLocal,
		Lifecycle:     state.LifecycleActive,
		Capabilities:  map[string]string{"vram": "80GB"},
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clock.Advance(time.Minute)
	// A bare keepalive must not wipe previously reported fields.
	if err := e.Heartbeat(ctx, "w1", flowapi.HeartbeatRequest{}); err != nil {
		t.Fatalf("keepalive: %v", err)
	}

	w, _, err := e.Store().GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.InstanceClass != "a100" || w.Pool != state.PoolLocal || w.Capabilities["vram"] != "80GB" {
		t.Fatalf("worker after keepalive = %+v", w)
	}
	if !w.LastHeartbeat.Equal(testEpoch.Add(time.Minute)) {
		t.Fatalf("heartbeat clock not refreshed: %v", w.LastHeartbeat)
	}
}

func TestWorkerHealthDerivation(t *testing.T) {
	e, clock := newTestEngine(t)
	projectID := seedUser(t, e, "alice", 100)
	activeWorker(t, e, "w1", state.PoolCloud)
	ctx := context.Background()

	submit(t, e, projectID, "video_generation")
	claimed, err := e.Claim(ctx, "w1", ClaimScope{UserID: "alice"}, ClaimOptions{})
	if err != nil || claimed == nil {
		t.Fatalf("claim = %v (err %v)", claimed, err)
	}

	w, _, _ := e.Store().GetWorker(ctx, "w1")
	running := []state.TaskRecord{*claimed}

	if h := e.WorkerHealth(w, running, clock.Now()); h != HealthHealthy {
		t.Fatalf("health = %s, want Healthy", h)
	}
	if h := e.WorkerHealth(w, running, clock.Now().Add(DefaultStuckRunningAfter+time.Second)); h != HealthStaleHeartbeat {
		t.Fatalf("health = %s, want StaleHeartbeat (heartbeat check wins)", h)
	}

	// Heartbeat fresh but the task has run past the stuck threshold.
	clock.Advance(DefaultStuckRunningAfter + time.Minute)
	if err := e.Heartbeat(ctx, "w1", heartbeatReq()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	w, _, _ = e.Store().GetWorker(ctx, "w1")
	if h := e.WorkerHealth(w, running, clock.Now()); h != HealthStuckTask {
		t.Fatalf("health = %s, want StuckTask", h)
	}

	if h := e.WorkerHealth(state.WorkerRecord{ID: "ghost"}, nil, clock.Now()); h != HealthNoHeartbeat {
		t.Fatalf("health = %s, want NoHeartbeat", h)
	}
}
