package scheduler

import (
	"context"
	"time"

	"github.com/example/renderflow/internal/state"
	"github.com/example/renderflow/pkg/flowapi"
)

// Derived worker health. Never stored; computed from heartbeat age and the
// runtime of any task the worker currently holds.
const (
	HealthHealthy        = "Healthy"
	HealthStaleHeartbeat = "StaleHeartbeat"
	HealthStuckTask      = "StuckTask"
	HealthNoHeartbeat    = "NoHeartbeat"
)

// Heartbeat upserts the worker, auto-registering unknown ids on first
// contact, and refreshes the staleness clock.
func (e *Engine) Heartbeat(ctx context.Context, workerID string, req flowapi.HeartbeatRequest) error {
	existing, ok, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	w := state.WorkerRecord{
		ID:            workerID,
		InstanceClass: req.InstanceClass,
		Pool:          req.Pool,
		Lifecycle:     req.Lifecycle,
		Capabilities:  req.Capabilities,
		LastHeartbeat: e.now(),
	}
	if ok {
		if w.InstanceClass == "" {
			w.InstanceClass = existing.InstanceClass
		}
		if w.Pool == "" {
			w.Pool = existing.Pool
		}
		if w.Lifecycle == "" {
			w.Lifecycle = existing.Lifecycle
		}
		if w.Capabilities == nil {
			w.Capabilities = existing.Capabilities
		}
	} else {
		if w.InstanceClass == "" {
			w.InstanceClass = "gpu"
		}
		if w.Pool == "" {
			w.Pool = state.PoolCloud
		}
		if w.Lifecycle == "" {
			w.Lifecycle = state.LifecycleActive
		}
	}
	return e.store.UpsertWorker(ctx, w)
}

func (e *Engine) ListWorkers(ctx context.Context) ([]state.WorkerRecord, error) {
	return e.store.ListWorkers(ctx)
}

// WorkerHealth derives a worker's health from its heartbeat age and its
// currently assigned Running tasks.
func (e *Engine) WorkerHealth(w state.WorkerRecord, running []state.TaskRecord, now time.Time) string {
	if w.LastHeartbeat.IsZero() {
		return HealthNoHeartbeat
	}
	if now.Sub(w.LastHeartbeat) > e.staleAfter {
		return HealthStaleHeartbeat
	}
	for _, t := range running {
		if t.WorkerID != w.ID || t.StartedAt.IsZero() {
			continue
		}
		if now.Sub(t.StartedAt) > e.stuckAfter {
			return HealthStuckTask
		}
	}
	return HealthHealthy
}
