// Package queue exposes the task queue operations as a thin façade
// over store.Store's CAS Transition: enqueue, claim, complete, fail,
// release, and cancel, with single-task claims over the tasks table
// itself rather than a separate queue table.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/errs"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/workflow"
)

// TaskQueue is the narrow interface the executor, daemon and API layer use
// to move tasks through their lifecycle; store.Store supplies the
// durable backing.
type TaskQueue struct {
	store *store.Store
}

func New(s *store.Store) *TaskQueue {
	return &TaskQueue{store: s}
}

// Enqueue validates and persists a new task in QUEUED status.
func (q *TaskQueue) Enqueue(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "validate task spec", err)
	}

	kind := spec.Kind
	if kind == "" {
		kind = "five_phase_tdd"
	}

	t := &task.Task{
		ID:        uuid.New(),
		Kind:      kind,
		Priority:  spec.Priority,
		Payload:   spec.Payload,
		Status:    task.StatusQueued,
		CreatedAt: time.Now().UTC(),
		Workflow:  task.NewWorkflowState(),
	}
	if t.Priority == 0 {
		t.Priority = 5
	}

	if err := q.store.Put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Claim atomically moves the highest-priority QUEUED task to RUNNING
// and assigns it to workerID, or returns (nil, nil) if nothing is
// available. A claim lost to a concurrent worker falls through to the
// next candidate.
func (q *TaskQueue) Claim(ctx context.Context, workerID string) (*task.Task, error) {
	candidates, err := q.store.ClaimCandidates(ctx, 10)
	if err != nil {
		return nil, err
	}

	for _, id := range candidates {
		ok, t, err := q.store.Transition(ctx, id, task.StatusQueued, task.StatusRunning, func(t *task.Task) {
			now := time.Now().UTC()
			t.ClaimedAt = &now
			t.WorkerID = &workerID
			t.Attempts++
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
		// lost the race to another worker; try the next candidate
	}
	return nil, nil
}

// Complete marks a RUNNING task COMPLETED with its final result.
func (q *TaskQueue) Complete(ctx context.Context, id uuid.UUID, result task.Result) error {
	ok, _, err := q.store.Transition(ctx, id, task.StatusRunning, task.StatusCompleted, func(t *task.Task) {
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.Result = &result
	})
	if err != nil {
		return err
	}
	if !ok {
		return errs.Conflict("task %s is not RUNNING", id)
	}
	return nil
}

// Fail marks a RUNNING task FAILED with an error message.
func (q *TaskQueue) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	ok, _, err := q.store.Transition(ctx, id, task.StatusRunning, task.StatusFailed, func(t *task.Task) {
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.Error = reason
	})
	if err != nil {
		return err
	}
	if !ok {
		return errs.Conflict("task %s is not RUNNING", id)
	}
	return nil
}

// Release returns a RUNNING task to QUEUED without recording failure,
// used by the daemon's crash-recovery sweep and orphan recovery.
func (q *TaskQueue) Release(ctx context.Context, id uuid.UUID) error {
	ok, _, err := q.store.Transition(ctx, id, task.StatusRunning, task.StatusQueued, func(t *task.Task) {
		t.ClaimedAt = nil
		t.WorkerID = nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return errs.Conflict("task %s is not RUNNING", id)
	}
	return nil
}

// CancelOutcome reports which of the two cancel responses
// applied: a QUEUED task is cancelled outright, a RUNNING task is only
// flagged for cooperative cancellation at its next phase boundary.
type CancelOutcome string

const (
	CancelOutcomeCancelled  CancelOutcome = "cancelled"
	CancelOutcomeCancelling CancelOutcome = "cancelling"
)

// Cancel requests cancellation of a task: a QUEUED task is
// cancelled immediately, a RUNNING task is flagged and observed by its
// executor at the next phase boundary.
func (q *TaskQueue) Cancel(ctx context.Context, id uuid.UUID) (CancelOutcome, error) {
	t, err := q.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	switch t.Status {
	case task.StatusQueued:
		ok, _, err := q.store.Transition(ctx, id, task.StatusQueued, task.StatusCancelled, func(t *task.Task) {
			now := time.Now().UTC()
			t.CompletedAt = &now
		})
		if err != nil {
			return "", err
		}
		if !ok {
			// lost the race to a claim; fall through to cooperative path
			if err := q.store.RequestCancel(ctx, id); err != nil {
				return "", err
			}
			return CancelOutcomeCancelling, nil
		}
		return CancelOutcomeCancelled, nil
	case task.StatusRunning:
		if err := q.store.RequestCancel(ctx, id); err != nil {
			return "", err
		}
		return CancelOutcomeCancelling, nil
	default:
		return "", errs.Conflict("task %s is already %s", id, t.Status)
	}
}

// Get loads a task by id.
func (q *TaskQueue) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return q.store.Get(ctx, id)
}

// List returns tasks optionally filtered by status.
func (q *TaskQueue) List(ctx context.Context, status *task.Status) ([]*task.Task, error) {
	return q.store.List(ctx, store.Filter{Status: status})
}

// UpdateWorkflow persists a mid-execution workflow.State transition,
// used by the executor between agent invocations within one task.
func (q *TaskQueue) UpdateWorkflow(ctx context.Context, id uuid.UUID, state workflow.State) error {
	return q.store.UpdateWorkflow(ctx, id, task.FromMachineState(state))
}

// Checkpoint records a pre/post-invocation snapshot.
func (q *TaskQueue) Checkpoint(ctx context.Context, taskID uuid.UUID, phase workflow.Phase, checkpointType string, data any) error {
	return q.store.Checkpoint(ctx, taskID, string(phase), checkpointType, data)
}
