// Package executor drives one claimed Task through the workflow
// machine to a terminal state, invoking agents and persisting progress
// along the way.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/errs"
	"github.com/taskforge/taskforge/internal/queue"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/workflow"
)

// EventPublisher streams phase-transition events to subscribers as they
// are persisted (GET /api/tasks/{id}/events). The API's
// websocket EventHub satisfies this directly; it is optional so the
// executor can run headless (e.g. in tests) without one.
type EventPublisher interface {
	Publish(taskID uuid.UUID, message []byte)
}

// Executor runs one task to completion.
type Executor struct {
	queue     *queue.TaskQueue
	registry  *agent.Registry
	machine   workflow.Machine
	publisher EventPublisher
}

func New(q *queue.TaskQueue, registry *agent.Registry, maxRetries int) *Executor {
	return &Executor{queue: q, registry: registry, machine: workflow.NewMachine(maxRetries)}
}

// SetPublisher wires an EventPublisher (e.g. the API's websocket hub)
// the executor notifies on every persisted phase transition.
func (e *Executor) SetPublisher(p EventPublisher) { e.publisher = p }

type phaseEvent struct {
	TaskID string              `json:"task_id"`
	Phase  workflow.Phase      `json:"phase"`
	Action workflow.ActionKind `json:"action"`
	At     time.Time           `json:"at"`
}

func (e *Executor) publish(t *task.Task, state workflow.State, action workflow.Action) {
	if e.publisher == nil {
		return
	}
	b, err := json.Marshal(phaseEvent{
		TaskID: t.ID.String(),
		Phase:  state.CurrentPhase,
		Action: action.Kind,
		At:     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	e.publisher.Publish(t.ID, b)
}

// Run advances t until the workflow machine reaches a terminal action,
// checking for requested cancellation only at phase boundaries
// (cooperative cancellation; the agent is never force-killed mid-invocation).
// It returns the terminal status the task reached, or "" with a
// non-nil error when the executor aborted before reaching one (the
// task stays RUNNING for the daemon's recovery path).
func (e *Executor) Run(ctx context.Context, t *task.Task) (task.Status, error) {
	state := t.Workflow.ToMachineState()
	var lastResult *workflow.PhaseResult

	for {
		cancelled, err := e.cancelled(ctx, t.ID)
		if err != nil {
			return "", err
		}
		if cancelled {
			if err := e.queue.Fail(ctx, t.ID, "cancelled"); err != nil {
				return "", err
			}
			return task.StatusFailed, nil
		}

		var action workflow.Action
		state, action = e.machine.Next(state, lastResult)
		lastResult = nil

		if err := e.updateWorkflowWithRetry(ctx, t.ID, state); err != nil {
			return "", err
		}
		e.publish(t, state, action)

		switch action.Kind {
		case workflow.ActionInvoke:
			result, err := e.invoke(ctx, t, state, action)
			if err != nil {
				// Only invoke() itself returns a non-nil error here, and
				// only when the phase table names an agent the registry
				// never got: a configuration bug, not a workflow condition.
				// That must end the task, not strand it RUNNING forever
				// for the pool to merely log and forget.
				if failErr := e.queue.Fail(ctx, t.ID, err.Error()); failErr != nil {
					return "", failErr
				}
				return task.StatusFailed, nil
			}
			lastResult = &result

		case workflow.ActionTransition:
			log.Printf("executor: task %s transitioned to %s", t.ID, action.NextPhase)
			if action.RetryDelay > 0 {
				log.Printf("executor: task %s backing off %s before retrying %s", t.ID, action.RetryDelay, action.NextPhase)
				select {
				case <-time.After(action.RetryDelay):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			continue

		case workflow.ActionTerminate:
			return e.finish(ctx, t, state, action)

		default:
			return "", errs.New(errs.KindFatal, "unknown action kind: "+string(action.Kind))
		}
	}
}

func (e *Executor) invoke(ctx context.Context, t *task.Task, state workflow.State, action workflow.Action) (workflow.PhaseResult, error) {
	a, err := e.registry.Resolve(action.AgentName)
	if err != nil {
		return workflow.PhaseResult{}, err
	}

	input := workflow.AgentInput{
		TaskID:       t.ID.String(),
		Phase:        action.Phase,
		Payload:      t.Payload,
		PriorResults: state.PhaseResults,
	}

	if err := e.queue.Checkpoint(ctx, t.ID, action.Phase, "pre_invocation", nil); err != nil {
		log.Printf("executor: checkpoint (pre) failed for task %s phase %s: %v", t.ID, action.Phase, err)
	}

	invokeCtx, cancel := context.WithTimeout(ctx, withDefault(action.Timeout, 10*time.Minute))
	defer cancel()

	attempt := state.RetryCounts[workflow.PhaseCodeImpl] + 1
	result, err := a.Invoke(invokeCtx, input)
	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			errMsg = "timeout"
		}
		result = workflow.PhaseResult{
			Phase:   action.Phase,
			Status:  workflow.ResultFailure,
			Error:   errMsg,
			Attempt: attempt,
		}
	} else {
		result.Phase = action.Phase
		result.Attempt = attempt
	}
	result.CreatedAt = time.Now().UTC()

	if err := e.queue.Checkpoint(ctx, t.ID, action.Phase, "post_invocation", result); err != nil {
		log.Printf("executor: checkpoint (post) failed for task %s phase %s: %v", t.ID, action.Phase, err)
	}

	return result, nil
}

func (e *Executor) finish(ctx context.Context, t *task.Task, state workflow.State, action workflow.Action) (task.Status, error) {
	if action.Final == workflow.FinalCompleted {
		if err := e.queue.Complete(ctx, t.ID, task.Result{Data: collectData(state)}); err != nil {
			return "", err
		}
		return task.StatusCompleted, nil
	}
	if err := e.queue.Fail(ctx, t.ID, action.Error); err != nil {
		return "", err
	}
	return task.StatusFailed, nil
}

// updateWorkflowWithRetry persists a mid-execution workflow transition,
// retrying transient store errors with backoff before giving up. If
// every attempt fails the executor aborts and returns
// the error, leaving the task RUNNING for the daemon's orphan-sweep
// recovery path to release later rather than guessing at its outcome.
func (e *Executor) updateWorkflowWithRetry(ctx context.Context, id uuid.UUID, state workflow.State) error {
	const maxAttempts = 3
	delay := 100 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = e.queue.UpdateWorkflow(ctx, id, state); err == nil {
			return nil
		}
		if errs.Is(err, errs.KindNotFound) || errs.Is(err, errs.KindInvalidInput) || errs.Is(err, errs.KindFatal) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		log.Printf("executor: update workflow state for task %s failed (attempt %d/%d), retrying in %s: %v", id, attempt, maxAttempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func (e *Executor) cancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := e.queue.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.CancelRequested, nil
}

func collectData(state workflow.State) map[string]any {
	out := make(map[string]any, len(state.PhaseResults))
	for phase, result := range state.PhaseResults {
		out[string(phase)] = result.Data
	}
	return out
}

func withDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
