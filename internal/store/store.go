// Package store implements the durable, transactional persistence layer
// for Task records. Postgres is the backing ACID store, and
// Transition is the sole mechanism by which a task's status changes —
// every higher layer (TaskQueue, WorkflowExecutor) goes through it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/errs"
	"github.com/taskforge/taskforge/internal/task"
)

// Store wraps a *sql.DB with the task-record CRUD and CAS-transition
// operations.
type Store struct {
	db *sql.DB
}

// Connect opens the Postgres connection, tunes the pool from
// env-configurable knobs, and applies any pending migrations.
func Connect(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "open store", err)
	}

	db.SetMaxOpenConns(envInt("TASKFORGE_DB_MAX_OPEN_CONNS", 25))
	db.SetMaxIdleConns(envInt("TASKFORGE_DB_MAX_IDLE_CONNS", 10))
	db.SetConnMaxLifetime(envDuration("TASKFORGE_DB_CONN_MAX_LIFETIME", 5*time.Minute))
	db.SetConnMaxIdleTime(envDuration("TASKFORGE_DB_CONN_MAX_IDLE_TIME", 2*time.Minute))

	if err := db.Ping(); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "ping store", err)
	}

	if err := applyMigrations(db); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "apply migrations", err)
	}

	log.Printf("store: connected, pool max_open=%d", db.Stats().MaxOpenConnections)
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the store is reachable (used by GET /health).
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Put inserts a new task. Returns a Conflict error if id collides.
func (s *Store) Put(ctx context.Context, t *task.Task) error {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return errs.Wrap(errs.KindInvalidInput, "marshal payload", err)
	}
	workflowJSON, err := json.Marshal(t.Workflow)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "marshal workflow state", err)
	}

	const q = `
		INSERT INTO tasks (id, kind, priority, status, payload, workflow_state, created_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	err = withRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, q, t.ID, t.Kind, t.Priority, t.Status,
			payloadJSON, workflowJSON, t.CreatedAt, t.Attempts)
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("task %s already exists", t.ID)
		}
		return errs.Wrap(errs.KindTransient, "insert task", err)
	}
	return nil
}

// Get loads one task by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	var t *task.Task
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id = $1`, id)
		scanned, scanErr := scanTask(row)
		if scanErr != nil {
			return scanErr
		}
		t = scanned
		return nil
	})
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("task %s", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "get task", err)
	}
	return t, nil
}

// Filter narrows List results.
type Filter struct {
	Status *task.Status
	Limit  int
}

// List returns tasks ordered by (priority desc, created_at asc), the
// same ordering the claim query uses, so a listing reflects claim
// order.
func (s *Store) List(ctx context.Context, f Filter) ([]*task.Task, error) {
	q := selectColumns + ` FROM tasks`
	args := []any{}
	if f.Status != nil {
		q += ` WHERE status = $1`
		args = append(args, *f.Status)
	}
	q += ` ORDER BY priority DESC, created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var out []*task.Task
	err := withRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, q, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			t, scanErr := scanTask(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list tasks", err)
	}
	return out, nil
}

// ClaimCandidates is the minimal projection needed to attempt a claim:
// the ids of up to limit QUEUED tasks, in claim order.
func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]uuid.UUID, error) {
	const q = `
		SELECT id FROM tasks
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $2`

	var ids []uuid.UUID
	err := withRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, q, task.StatusQueued, limit)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		ids = nil
		for rows.Next() {
			var id uuid.UUID
			if scanErr := rows.Scan(&id); scanErr != nil {
				return scanErr
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list claim candidates", err)
	}
	return ids, nil
}

// Mutator mutates an in-memory task under Transition's row lock. It
// must not change Status away from what Transition will persist
// afterward — Transition owns the final status write.
type Mutator func(t *task.Task)

// Transition is the sole mechanism for status changes: it
// loads the task under a row lock, checks status == expected, applies
// mutator, writes back, and reports whether the CAS succeeded. The
// whole attempt (begin/lock/mutate/write/commit) retries as a unit on
// a transient I/O error: the transaction never committed,
// so re-reading and re-applying mutate on the next attempt is safe.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, expected task.Status, newStatus task.Status, mutate Mutator) (bool, *task.Task, error) {
	var ok bool
	var result *task.Task

	err := withRetry(ctx, func() error {
		ok = false
		result = nil

		tx, beginErr := s.db.BeginTx(ctx, nil)
		if beginErr != nil {
			return beginErr
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
		t, scanErr := scanTask(row)
		if scanErr != nil {
			return scanErr
		}

		if t.Status != expected {
			result = t
			return nil
		}

		if mutate != nil {
			mutate(t)
		}
		t.Status = newStatus

		if err := writeBack(ctx, tx, t); err != nil {
			return err
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return commitErr
		}

		ok = true
		result = t
		return nil
	})

	if err == sql.ErrNoRows {
		return false, nil, errs.NotFound("task %s", id)
	}
	if err != nil {
		return false, nil, errs.Wrap(errs.KindTransient, "transition task", err)
	}
	return ok, result, nil
}

// UpdateWorkflow updates the embedded workflow-state fields without
// touching status; used mid-execution by WorkflowExecutor between
// phase invocations. This path may use a relaxed
// durability mode in principle, but a single UPDATE is already
// crash-consistent on Postgres, so no extra work is needed here.
func (s *Store) UpdateWorkflow(ctx context.Context, id uuid.UUID, ws task.WorkflowState) error {
	workflowJSON, err := json.Marshal(ws)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "marshal workflow state", err)
	}

	var notFound bool
	err = withRetry(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx,
			`UPDATE tasks SET workflow_state = $1 WHERE id = $2`, workflowJSON, id)
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		notFound = n == 0
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "update workflow state", err)
	}
	if notFound {
		return errs.NotFound("task %s", id)
	}
	return nil
}

// RequestCancel sets the cancellation flag an in-flight executor
// observes at the next phase boundary.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	var notFound bool
	err := withRetry(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, `UPDATE tasks SET cancel_requested = true WHERE id = $1`, id)
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		notFound = n == 0
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "request cancel", err)
	}
	if notFound {
		return errs.NotFound("task %s", id)
	}
	return nil
}

// Checkpoint persists a pre/post-invocation snapshot of one agent
// call, a forensic trail for crash investigations.
func (s *Store) Checkpoint(ctx context.Context, taskID uuid.UUID, phase string, checkpointType string, data any) error {
	var dataJSON []byte
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return errs.Wrap(errs.KindFatal, "marshal checkpoint", err)
		}
	}

	err := withRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO workflow_checkpoints (id, task_id, phase, checkpoint_type, data)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), taskID, phase, checkpointType, dataJSON)
		return execErr
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "insert checkpoint", err)
	}
	return nil
}

// WorkerInfo is a snapshot of one executor pool's registration row,
// surfaced at GET /api/metrics.
type WorkerInfo struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname"`
	ProcessID     int       `json:"process_id"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MaxConcurrent int       `json:"max_concurrent"`
	CurrentCount  int       `json:"current_count"`
}

// RegisterWorker upserts this pool's row and refreshes its heartbeat.
func (s *Store) RegisterWorker(ctx context.Context, id, hostname string, pid, maxConcurrent int) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO executor_workers (id, hostname, process_id, max_concurrent)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				hostname = EXCLUDED.hostname,
				process_id = EXCLUDED.process_id,
				max_concurrent = EXCLUDED.max_concurrent,
				last_heartbeat = now()`,
			id, hostname, pid, maxConcurrent)
		return execErr
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "register worker", err)
	}
	return nil
}

// Heartbeat refreshes a registered worker's liveness timestamp and its
// current in-flight count.
func (s *Store) Heartbeat(ctx context.Context, id string, currentCount int) error {
	err := withRetry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE executor_workers SET last_heartbeat = now(), current_count = $1 WHERE id = $2`,
			currentCount, id)
		return execErr
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "worker heartbeat", err)
	}
	return nil
}

// ActiveWorkers lists every registered worker row, most recent
// heartbeat first.
func (s *Store) ActiveWorkers(ctx context.Context) ([]WorkerInfo, error) {
	var out []WorkerInfo
	err := withRetry(ctx, func() error {
		rows, queryErr := s.db.QueryContext(ctx, `
			SELECT id, hostname, process_id, started_at, last_heartbeat, max_concurrent, current_count
			FROM executor_workers ORDER BY last_heartbeat DESC`)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var w WorkerInfo
			if scanErr := rows.Scan(&w.ID, &w.Hostname, &w.ProcessID, &w.StartedAt, &w.LastHeartbeat, &w.MaxConcurrent, &w.CurrentCount); scanErr != nil {
				return scanErr
			}
			out = append(out, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "list workers", err)
	}
	return out, nil
}

const selectColumns = `SELECT id, kind, priority, status, payload, workflow_state, result, error,
	created_at, claimed_at, completed_at, attempts, worker_id, cancel_requested`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var payloadJSON, workflowJSON, resultJSON []byte
	var workerID sql.NullString

	err := row.Scan(&t.ID, &t.Kind, &t.Priority, &t.Status, &payloadJSON, &workflowJSON, &resultJSON, &t.Error,
		&t.CreatedAt, &t.ClaimedAt, &t.CompletedAt, &t.Attempts, &workerID, &t.CancelRequested)
	if err != nil {
		return nil, err
	}

	if workerID.Valid {
		t.WorkerID = &workerID.String
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(workflowJSON) > 0 {
		if err := json.Unmarshal(workflowJSON, &t.Workflow); err != nil {
			return nil, fmt.Errorf("unmarshal workflow_state: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		t.Result = &task.Result{}
		if err := json.Unmarshal(resultJSON, t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &t, nil
}

func writeBack(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	workflowJSON, err := json.Marshal(t.Workflow)
	if err != nil {
		return errs.Wrap(errs.KindFatal, "marshal workflow state", err)
	}
	var resultJSON []byte
	if t.Result != nil {
		resultJSON, err = json.Marshal(t.Result)
		if err != nil {
			return errs.Wrap(errs.KindFatal, "marshal result", err)
		}
	}

	const q = `
		UPDATE tasks SET
			status = $1, workflow_state = $2, result = $3, error = $4,
			claimed_at = $5, completed_at = $6, attempts = $7, worker_id = $8,
			cancel_requested = $9
		WHERE id = $10`

	_, err = tx.ExecContext(ctx, q, t.Status, workflowJSON, resultJSON, t.Error,
		t.ClaimedAt, t.CompletedAt, t.Attempts, t.WorkerID, t.CancelRequested, t.ID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "write back task", err)
	}
	return nil
}

// unique_violation per https://www.postgresql.org/docs/current/errcodes-appendix.html
const pqCodeUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqCodeUniqueViolation
}

const (
	storeMaxRetries     = 3
	storeRetryBaseDelay = 50 * time.Millisecond
)

// withRetry retries fn up to storeMaxRetries times with exponential
// backoff for transient I/O errors. Semantic outcomes —
// no rows, a unique-violation, a wrapped non-transient *errs.Error, or
// ctx cancellation — are never retried since another attempt cannot
// change them.
func withRetry(ctx context.Context, fn func() error) error {
	delay := storeRetryBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isRetryable(err) || attempt >= storeMaxRetries {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if isUniqueViolation(err) {
		return false
	}
	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errs.KindNotFound, errs.KindInvalidInput, errs.KindConflict, errs.KindFatal:
			return false
		}
	}
	return true
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
