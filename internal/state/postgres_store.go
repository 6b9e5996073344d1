package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/renderflow/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const taskColumns = `id, kind, payload, status, depends_on, project_id, worker_id, attempts, error_text, result, created_at, started_at, finished_at, updated_at`

func (p *PostgresStore) CreateTask(ctx context.Context, task TaskRecord) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, payload, status, depends_on, project_id, worker_id, attempts, error_text, result, created_at, started_at, finished_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		task.ID, task.Kind, task.Payload, task.Status, nullString(task.DependsOn), task.ProjectID, nullString(task.WorkerID),
		task.Attempts, task.Error, task.Result, task.CreatedAt, nullTime(task.StartedAt), nullTime(task.FinishedAt), task.UpdatedAt,
	)
	if isForeignKeyViolation(err) {
		return ErrUnknownReference
	}
	return err
}

func (p *PostgresStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) UpdateTask(ctx context.Context, task TaskRecord) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status=$2, worker_id=$3, attempts=$4, error_text=$5, result=$6, started_at=$7, finished_at=$8, updated_at=$9
		 WHERE id=$1`,
		task.ID, task.Status, nullString(task.WorkerID), task.Attempts, task.Error, task.Result,
		nullTime(task.StartedAt), nullTime(task.FinishedAt), task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUnknownReference
	}
	return nil
}

func (p *PostgresStore) ListTasksByProject(ctx context.Context, projectID string) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id=$1 ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimNextTask is the one cross-process atomic step of the scheduler: the
// earliest ready candidate is locked with SKIP LOCKED so concurrent claimers
// step past rows a peer is holding instead of queueing behind them, and the
// Queued/RetryPending -> Running flip happens inside the same statement.
func (p *PostgresStore) ClaimNextTask(ctx context.Context, q ClaimQuery) (TaskRecord, bool, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	where := []string{
		`t.status IN ('Queued','RetryPending')`,
		`(t.depends_on IS NULL OR dep.status = 'Complete')`,
	}
	args := []any{q.WorkerID, now}
	argi := 3
	if len(q.Kinds) > 0 {
		where = append(where, fmt.Sprintf("t.kind = ANY($%d)", argi))
		args = append(args, q.Kinds)
		argi++
	}
	if len(q.UserIDs) > 0 {
		where = append(where, fmt.Sprintf("p.user_id = ANY($%d)", argi))
		args = append(args, q.UserIDs)
		argi++
	}

	query := fmt.Sprintf(`
		WITH candidate AS (
			SELECT t.id
			FROM tasks t
			JOIN projects p ON p.id = t.project_id
			LEFT JOIN tasks dep ON dep.id = t.depends_on
			WHERE %s
			ORDER BY t.created_at, t.id
			FOR UPDATE OF t SKIP LOCKED
			LIMIT 1
		)
		UPDATE tasks SET status='Running', worker_id=$1, started_at=$2, updated_at=$2
		WHERE id = (SELECT id FROM candidate)
		RETURNING `+taskColumns, strings.Join(where, " AND "))

	row := p.db.QueryRowContext(ctx, query, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) CountRunningTasks(ctx context.Context, userID string, kinds []string) (int, error) {
	return p.countTasks(ctx, []string{StatusRunning}, userID, kinds, false)
}

func (p *PostgresStore) CountReadyTasks(ctx context.Context, userID string, kinds []string) (int, error) {
	return p.countTasks(ctx, []string{StatusQueued, StatusRetryPending}, userID, kinds, true)
}

func (p *PostgresStore) countTasks(ctx context.Context, statuses []string, userID string, kinds []string, requireDepsComplete bool) (int, error) {
	where := []string{"t.status = ANY($1)"}
	args := []any{statuses}
	argi := 2
	if userID != "" {
		where = append(where, fmt.Sprintf("p.user_id = $%d", argi))
		args = append(args, userID)
		argi++
	}
	if len(kinds) > 0 {
		where = append(where, fmt.Sprintf("t.kind = ANY($%d)", argi))
		args = append(args, kinds)
		argi++
	}
	if requireDepsComplete {
		where = append(where, "(t.depends_on IS NULL OR dep.status = 'Complete')")
	}
	query := fmt.Sprintf(`
		SELECT COUNT(1)
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		LEFT JOIN tasks dep ON dep.id = t.depends_on
		WHERE %s`, strings.Join(where, " AND "))
	var n int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListRunningByWorkers(ctx context.Context, workerIDs []string) ([]TaskRecord, error) {
	if len(workerIDs) == 0 {
		rows, err := p.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status='Running'`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collectTasks(rows)
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status='Running' AND worker_id = ANY($1)`, workerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (p *PostgresStore) ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status='Running' AND started_at IS NOT NULL AND started_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (p *PostgresStore) ResetOrphanedTasks(ctx context.Context, workerIDs []string, maxAttempts int, now time.Time) (int, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE tasks SET status='Queued', worker_id=NULL, started_at=NULL, updated_at=$3
		 WHERE status='Running' AND worker_id = ANY($1) AND attempts < $2`,
		workerIDs, maxAttempts, now,
	)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

func (p *PostgresStore) UpsertUser(ctx context.Context, user UserRecord) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, allows_local_workers, allows_cloud_workers, created_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET
		 allows_local_workers=EXCLUDED.allows_local_workers,
		 allows_cloud_workers=EXCLUDED.allows_cloud_workers`,
		user.ID, user.AllowsLocalWorkers, user.AllowsCloudWorkers, user.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (UserRecord, bool, error) {
	var u UserRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, allows_local_workers, allows_cloud_workers, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.AllowsLocalWorkers, &u.AllowsCloudWorkers, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	return u, true, nil
}

func (p *PostgresStore) ListUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, allows_local_workers, allows_cloud_workers, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]UserRecord, 0, 64)
	for rows.Next() {
		var u UserRecord
		if err := rows.Scan(&u.ID, &u.AllowsLocalWorkers, &u.AllowsCloudWorkers, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertProject(ctx context.Context, project ProjectRecord) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO projects (id, user_id, name, created_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET user_id=EXCLUDED.user_id, name=EXCLUDED.name`,
		project.ID, project.UserID, project.Name, project.CreatedAt,
	)
	if isForeignKeyViolation(err) {
		return ErrUnknownReference
	}
	return err
}

func (p *PostgresStore) GetProject(ctx context.Context, id string) (ProjectRecord, bool, error) {
	var pr ProjectRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM projects WHERE id=$1`, id,
	).Scan(&pr.ID, &pr.UserID, &pr.Name, &pr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectRecord{}, false, nil
	}
	if err != nil {
		return ProjectRecord{}, false, err
	}
	return pr, true, nil
}

func (p *PostgresStore) UpsertWorker(ctx context.Context, worker WorkerRecord) error {
	caps, err := json.Marshal(worker.Capabilities)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if worker.LastHeartbeat.IsZero() {
		worker.LastHeartbeat = now
	}
	if worker.CreatedAt.IsZero() {
		worker.CreatedAt = now
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO workers (id, instance_class, pool, lifecycle, capabilities_json, last_heartbeat, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
		 instance_class=EXCLUDED.instance_class,
		 pool=EXCLUDED.pool,
		 lifecycle=EXCLUDED.lifecycle,
		 capabilities_json=EXCLUDED.capabilities_json,
		 last_heartbeat=EXCLUDED.last_heartbeat`,
		worker.ID, worker.InstanceClass, worker.Pool, worker.Lifecycle, string(caps), worker.LastHeartbeat, worker.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (WorkerRecord, bool, error) {
	var w WorkerRecord
	var capsJSON string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, instance_class, pool, lifecycle, capabilities_json, last_heartbeat, created_at FROM workers WHERE id=$1`, id,
	).Scan(&w.ID, &w.InstanceClass, &w.Pool, &w.Lifecycle, &capsJSON, &w.LastHeartbeat, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerRecord{}, false, nil
	}
	if err != nil {
		return WorkerRecord{}, false, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &w.Capabilities); err != nil {
		return WorkerRecord{}, false, err
	}
	return w, true, nil
}

func (p *PostgresStore) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, instance_class, pool, lifecycle, capabilities_json, last_heartbeat, created_at FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WorkerRecord, 0, 64)
	for rows.Next() {
		var w WorkerRecord
		var capsJSON string
		if err := rows.Scan(&w.ID, &w.InstanceClass, &w.Pool, &w.Lifecycle, &capsJSON, &w.LastHeartbeat, &w.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(capsJSON), &w.Capabilities); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendLedgerEntry(ctx context.Context, entry LedgerEntryRecord) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (user_id, amount, kind, task_id, created_at)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		entry.UserID, entry.Amount, entry.Kind, nullString(entry.TaskID), entry.CreatedAt,
	).Scan(&entry.ID)
	if isForeignKeyViolation(err) {
		return ErrUnknownReference
	}
	return err
}

func (p *PostgresStore) LedgerBalance(ctx context.Context, userID string) (float64, error) {
	var sum float64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id=$1`, userID,
	).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, amount, kind, COALESCE(task_id, ''), created_at
		 FROM ledger_entries WHERE user_id=$1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]LedgerEntryRecord, 0, limit)
	for rows.Next() {
		var e LedgerEntryRecord
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.TaskID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (TaskRecord, error) {
	var t TaskRecord
	var dependsOn, workerID sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := s.Scan(&t.ID, &t.Kind, &t.Payload, &t.Status, &dependsOn, &t.ProjectID, &workerID,
		&t.Attempts, &t.Error, &t.Result, &t.CreatedAt, &startedAt, &finishedAt, &t.UpdatedAt); err != nil {
		return TaskRecord{}, err
	}
	t.DependsOn = dependsOn.String
	t.WorkerID = workerID.String
	if startedAt.Valid {
		t.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = finishedAt.Time
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]TaskRecord, error) {
	out := make([]TaskRecord, 0, 32)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isForeignKeyViolation(err error) bool {
	// 23503 is the Postgres foreign_key_violation SQLSTATE.
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
