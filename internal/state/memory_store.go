package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything behind one mutex, which gives ClaimNextTask
// the same single-winner guarantee the Postgres backend gets from
// FOR UPDATE SKIP LOCKED.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]TaskRecord
	users    map[string]UserRecord
	projects map[string]ProjectRecord
	workers  map[string]WorkerRecord
	ledger   []LedgerEntryRecord
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]TaskRecord),
		users:    make(map[string]UserRecord),
		projects: make(map[string]ProjectRecord),
		workers:  make(map[string]WorkerRecord),
		ledger:   make([]LedgerEntryRecord, 0, 128),
		nextID:   1,
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if _, ok := m.projects[task.ProjectID]; !ok {
		return ErrUnknownReference
	}
	if task.DependsOn != "" {
		if _, ok := m.tasks[task.DependsOn]; !ok {
			return ErrUnknownReference
		}
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrUnknownReference
	}
	task.UpdatedAt = time.Now().UTC()
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryStore) ListTasksByProject(_ context.Context, projectID string) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0, 16)
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ClaimNextTask(_ context.Context, q ClaimQuery) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	kindSet := toSet(q.Kinds)
	userSet := toSet(q.UserIDs)

	candidates := make([]TaskRecord, 0, 8)
	for _, t := range m.tasks {
		if t.Status != StatusQueued && t.Status != StatusRetryPending {
			continue
		}
		if kindSet != nil {
			if _, ok := kindSet[t.Kind]; !ok {
				continue
			}
		}
		if userSet != nil {
			p, ok := m.projects[t.ProjectID]
			if !ok {
				continue
			}
			if _, ok := userSet[p.UserID]; !ok {
				continue
			}
		}
		if t.DependsOn != "" {
			dep, ok := m.tasks[t.DependsOn]
			if !ok || dep.Status != StatusComplete {
				continue
			}
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return TaskRecord{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	winner := candidates[0]
	winner.Status = StatusRunning
	winner.WorkerID = q.WorkerID
	winner.StartedAt = now
	winner.UpdatedAt = now
	m.tasks[winner.ID] = winner
	return winner, true, nil
}

func (m *MemoryStore) CountRunningTasks(_ context.Context, userID string, kinds []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kindSet := toSet(kinds)
	n := 0
	for _, t := range m.tasks {
		if t.Status != StatusRunning {
			continue
		}
		if !m.ownedBy(t, userID) {
			continue
		}
		if kindSet != nil {
			if _, ok := kindSet[t.Kind]; !ok {
				continue
			}
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) CountReadyTasks(_ context.Context, userID string, kinds []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kindSet := toSet(kinds)
	n := 0
	for _, t := range m.tasks {
		if t.Status != StatusQueued && t.Status != StatusRetryPending {
			continue
		}
		if !m.ownedBy(t, userID) {
			continue
		}
		if kindSet != nil {
			if _, ok := kindSet[t.Kind]; !ok {
				continue
			}
		}
		if t.DependsOn != "" {
			dep, ok := m.tasks[t.DependsOn]
			if !ok || dep.Status != StatusComplete {
				continue
			}
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) ListRunningByWorkers(_ context.Context, workerIDs []string) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idSet := toSet(workerIDs)
	out := make([]TaskRecord, 0, 8)
	for _, t := range m.tasks {
		if t.Status != StatusRunning {
			continue
		}
		if idSet != nil {
			if _, ok := idSet[t.WorkerID]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *MemoryStore) ListRunningStartedBefore(_ context.Context, cutoff time.Time) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRecord, 0, 8)
	for _, t := range m.tasks {
		if t.Status != StatusRunning || t.StartedAt.IsZero() {
			continue
		}
		if t.StartedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) ResetOrphanedTasks(_ context.Context, workerIDs []string, maxAttempts int, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	idSet := toSet(workerIDs)
	if idSet == nil {
		return 0, nil
	}
	reset := 0
	for id, t := range m.tasks {
		if t.Status != StatusRunning {
			continue
		}
		if _, ok := idSet[t.WorkerID]; !ok {
			continue
		}
		if t.Attempts >= maxAttempts {
			continue
		}
		t.Status = StatusQueued
		t.WorkerID = ""
		t.StartedAt = time.Time{}
		t.UpdatedAt = now
		m.tasks[id] = t
		reset++
	}
	return reset, nil
}

func (m *MemoryStore) UpsertUser(_ context.Context, user UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.users[user.ID] = user
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (UserRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UserRecord, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertProject(_ context.Context, project ProjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[project.UserID]; !ok {
		return ErrUnknownReference
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	m.projects[project.ID] = project
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (ProjectRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	return p, ok, nil
}

func (m *MemoryStore) UpsertWorker(_ context.Context, worker WorkerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if worker.LastHeartbeat.IsZero() {
		worker.LastHeartbeat = now
	}
	if existing, ok := m.workers[worker.ID]; ok {
		worker.CreatedAt = existing.CreatedAt
	} else if worker.CreatedAt.IsZero() {
		worker.CreatedAt = now
	}
	m.workers[worker.ID] = worker
	return nil
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (WorkerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok, nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]WorkerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AppendLedgerEntry(_ context.Context, entry LedgerEntryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[entry.UserID]; !ok {
		return ErrUnknownReference
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.ID = m.nextID
	m.nextID++
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *MemoryStore) LedgerBalance(_ context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0.0
	for _, e := range m.ledger {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListLedgerEntries(_ context.Context, userID string, limit int) ([]LedgerEntryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]LedgerEntryRecord, 0, limit)
	// Newest first for the operator-facing endpoint.
	for i := len(m.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger[i].UserID == userID {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) ownedBy(t TaskRecord, userID string) bool {
	if userID == "" {
		return true
	}
	p, ok := m.projects[t.ProjectID]
	return ok && p.UserID == userID
}

func toSet(vals []string) map[string]struct{} {
	if len(vals) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}
