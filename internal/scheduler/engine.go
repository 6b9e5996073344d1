// Package scheduler contains the task admission, claiming, and recovery
// engine that mediates access to GPU render nodes and external API adapters.
// All mutual exclusion lives in the store layer; the engine holds no
// correctness-relevant state of its own.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/renderflow/internal/state"
	"github.com/example/renderflow/internal/tasktype"
)

const (
	// MaxConcurrency is the per-user cap on concurrently claimed tasks.
	MaxConcurrency = 5
	// RetryCeiling is the number of failed attempts before a task becomes
	// terminally Failed.
	RetryCeiling = 3

	DefaultHeartbeatStaleAfter = 5 * time.Minute
	DefaultStuckRunningAfter   = 10 * time.Minute
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrUnknownKind       = errors.New("unknown task kind")
	ErrInvalidPayload    = errors.New("task payload is not valid JSON")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

type Options struct {
	Types               *tasktype.Registry
	HeartbeatStaleAfter time.Duration
	StuckRunningAfter   time.Duration
}

type Engine struct {
	store      state.Store
	types      *tasktype.Registry
	staleAfter time.Duration
	stuckAfter time.Duration
	now        func() time.Time
}

func NewEngine(store state.Store, opts Options) *Engine {
	types := opts.Types
	if types == nil {
		types = tasktype.NewDefaultRegistry()
	}
	staleAfter := opts.HeartbeatStaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultHeartbeatStaleAfter
	}
	stuckAfter := opts.StuckRunningAfter
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckRunningAfter
	}
	return &Engine{
		store:      store,
		types:      types,
		staleAfter: staleAfter,
		stuckAfter: stuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func NewInMemoryEngine() *Engine {
	return NewEngine(state.NewMemoryStore(), Options{})
}

func (e *Engine) Store() state.Store { return e.store }

func (e *Engine) Types() *tasktype.Registry { return e.types }

type SubmitRequest struct {
	ID        string
	Kind      string
	Payload   string
	DependsOn string
	ProjectID string
}

// SubmitTask creates a Queued task on behalf of the submission surface. The
// scheduler itself never creates work; this is the external collaborator's
// entry point. Unknown kinds, projects, and dependencies fail loudly.
func (e *Engine) SubmitTask(ctx context.Context, req SubmitRequest) (state.TaskRecord, error) {
	if _, ok := e.types.Get(req.Kind); !ok {
		return state.TaskRecord{}, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}
	if _, ok, err := e.store.GetProject(ctx, req.ProjectID); err != nil {
		return state.TaskRecord{}, err
	} else if !ok {
		return state.TaskRecord{}, fmt.Errorf("project %s: %w", req.ProjectID, state.ErrUnknownReference)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if req.DependsOn != "" {
		if req.DependsOn == id {
			return state.TaskRecord{}, fmt.Errorf("task %s cannot depend on itself", id)
		}
		// Acyclicity beyond self-reference is an assumed invariant of the
		// submission side; dependencies form chains in practice.
		if _, ok, err := e.store.GetTask(ctx, req.DependsOn); err != nil {
			return state.TaskRecord{}, err
		} else if !ok {
			return state.TaskRecord{}, fmt.Errorf("dependency %s: %w", req.DependsOn, state.ErrUnknownReference)
		}
	}
	payload := req.Payload
	if payload == "" {
		payload = "{}"
	}
	// The payload is stored verbatim and re-emitted on every claim; a
	// non-JSON payload would poison the claim response for whichever
	// worker wins the task.
	if !json.Valid([]byte(payload)) {
		return state.TaskRecord{}, fmt.Errorf("task payload %q: %w", payload, ErrInvalidPayload)
	}
	task := state.TaskRecord{
		ID:        id,
		Kind:      req.Kind,
		Payload:   payload,
		Status:    state.StatusQueued,
		DependsOn: req.DependsOn,
		ProjectID: req.ProjectID,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return state.TaskRecord{}, err
	}
	return task, nil
}

func (e *Engine) GetTask(ctx context.Context, id string) (state.TaskRecord, bool, error) {
	return e.store.GetTask(ctx, id)
}

func (e *Engine) ListProjectTasks(ctx context.Context, projectID string) ([]state.TaskRecord, error) {
	return e.store.ListTasksByProject(ctx, projectID)
}

// CancelTask cancels a task that has not started running. The engine never
// pre-empts Running work; cancelling a Running task is a caller error.
func (e *Engine) CancelTask(ctx context.Context, id string) error {
	task, ok, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	switch task.Status {
	case state.StatusCancelled:
		return nil
	case state.StatusQueued, state.StatusRetryPending:
		task.Status = state.StatusCancelled
		task.WorkerID = ""
		task.FinishedAt = e.now()
		return e.store.UpdateTask(ctx, task)
	default:
		return fmt.Errorf("cancel task %s in status %s: %w", id, task.Status, ErrInvalidTransition)
	}
}

func (e *Engine) UpsertUser(ctx context.Context, user state.UserRecord) error {
	return e.store.UpsertUser(ctx, user)
}

func (e *Engine) UpsertProject(ctx context.Context, project state.ProjectRecord) error {
	return e.store.UpsertProject(ctx, project)
}
