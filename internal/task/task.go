// Package task defines the Task entity shared by the
// store, queue, executor, pool, and API layers.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/internal/workflow"
)

// Status is one of the Task lifecycle states.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether this status can never transition further.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the final success summary recorded on a COMPLETED task —
// key artifacts like a PR id, deployment URL, or test report.
type Result struct {
	Data map[string]any `json:"data,omitempty"`
}

// Task is one submitted unit of work with a durable lifecycle.
type Task struct {
	ID       uuid.UUID      `json:"id" db:"id"`
	Kind     string         `json:"kind" db:"kind"`
	Priority int            `json:"priority" db:"priority"`
	Payload  map[string]any `json:"payload" db:"payload"`
	Status   Status         `json:"status" db:"status"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	Attempts int     `json:"attempts" db:"attempts"`
	WorkerID *string `json:"worker_id,omitempty" db:"worker_id"`

	Workflow WorkflowState `json:"workflow" db:"workflow_state"`

	Result *Result `json:"result,omitempty" db:"result"`
	Error  string  `json:"error,omitempty" db:"error"`

	// CancelRequested is set by TaskQueue.Cancel on a RUNNING task; the
	// owning executor observes it at the next phase boundary
	// (cooperative cancellation).
	CancelRequested bool `json:"cancel_requested" db:"cancel_requested"`
}

// WorkflowState is the embedded workflow-state record,
// stored as the database representation of a workflow.State.
type WorkflowState struct {
	CurrentPhase     workflow.Phase                          `json:"current_phase"`
	PhaseResults     map[workflow.Phase]workflow.PhaseResult `json:"phase_results"`
	RetryCounts      map[workflow.Phase]int                  `json:"retry_counts"`
	LastTransitionAt time.Time                               `json:"last_transition_at"`
}

// ToMachineState converts the persisted WorkflowState into the value
// the pure workflow.Machine operates on.
func (w WorkflowState) ToMachineState() workflow.State {
	return workflow.State{
		CurrentPhase:     w.CurrentPhase,
		PhaseResults:     w.PhaseResults,
		RetryCounts:      w.RetryCounts,
		LastTransitionAt: w.LastTransitionAt,
	}
}

// FromMachineState converts a workflow.Machine state back into the
// persisted representation.
func FromMachineState(s workflow.State) WorkflowState {
	return WorkflowState{
		CurrentPhase:     s.CurrentPhase,
		PhaseResults:     s.PhaseResults,
		RetryCounts:      s.RetryCounts,
		LastTransitionAt: s.LastTransitionAt,
	}
}

// NewWorkflowState returns the initial embedded workflow state for a
// freshly-enqueued task.
func NewWorkflowState() WorkflowState {
	return FromMachineState(workflow.NewState())
}

// Spec describes a task submission (the POST /api/tasks body).
type Spec struct {
	Kind     string         `json:"kind"`
	Priority int            `json:"priority"`
	Payload  map[string]any `json:"payload"`
}

// Validate checks the submission against the five_phase_tdd workflow's
// declared input schema.
func (s Spec) Validate() error {
	if s.Kind == "" {
		s.Kind = "five_phase_tdd"
	}
	if s.Kind != "five_phase_tdd" {
		return ErrUnknownKind
	}
	if _, ok := s.Payload["feature"].(string); !ok {
		return ErrMissingFeature
	}
	if _, ok := s.Payload["target_url"].(string); !ok {
		return ErrMissingTargetURL
	}
	return nil
}

var (
	ErrUnknownKind      = fieldError("unknown task kind")
	ErrMissingFeature   = fieldError("payload.feature is required")
	ErrMissingTargetURL = fieldError("payload.target_url is required")
)

type validationError string

func (e validationError) Error() string { return string(e) }

func fieldError(msg string) error { return validationError(msg) }
