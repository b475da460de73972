// Package workflow implements the five-phase TDD workflow as a pure,
// side-effect-free state machine: it never reads or writes
// storage, and every phase transition is an exhaustively-handled
// switch over the Phase sum type rather than a duck-typed record.
package workflow

import "time"

// ActionKind discriminates the next thing the executor should do.
type ActionKind string

const (
	ActionInvoke     ActionKind = "INVOKE"
	ActionTransition ActionKind = "TRANSITION"
	ActionTerminate  ActionKind = "TERMINATE"
)

// FinalStatus mirrors the terminal Task statuses the executor reports
// back to the TaskQueue once TERMINATE is reached.
type FinalStatus string

const (
	FinalCompleted FinalStatus = "COMPLETED"
	FinalFailed    FinalStatus = "FAILED"
)

// Action is the machine's sole output: exactly one of its fields is
// meaningful, selected by Kind.
type Action struct {
	Kind ActionKind

	// ActionInvoke. Input is left zero-valued by the machine — it has
	// no access to the task payload. The executor does not fill it in
	// either: it builds its own AgentInput (payload + state.PhaseResults)
	// immediately before dispatch.
	AgentName string
	Phase     Phase
	Timeout   time.Duration
	Input     AgentInput

	// ActionTransition
	NextPhase Phase

	// ActionTransition, set only when NextPhase re-enters CODE_IMPL after
	// a retryable failure: the executor must wait this long before
	// invoking again.
	RetryDelay time.Duration

	// ActionTerminate
	Final FinalStatus
	Error string
}

// AgentInput is what the executor hands to the resolved agent: the
// task payload plus every phase result accumulated so far, so a coder
// re-entered after a REVIEW failure can see the reviewer's feedback.
type AgentInput struct {
	TaskID       string
	Phase        Phase
	Payload      map[string]any
	PriorResults map[Phase]PhaseResult
}

// State is the workflow-state record embedded in a Task.
type State struct {
	CurrentPhase     Phase
	PhaseResults     map[Phase]PhaseResult
	RetryCounts      map[Phase]int
	LastTransitionAt time.Time
}

// NewState returns the initial workflow state a freshly-enqueued task
// starts in.
func NewState() State {
	return State{
		CurrentPhase: PhaseE2ETestGen,
		PhaseResults: make(map[Phase]PhaseResult),
		RetryCounts:  make(map[Phase]int),
	}
}

// Machine evaluates the phase table. MaxRetries bounds how many times a
// retryable failure may re-enter CODE_IMPL before the workflow fails —
// the bound is per-workflow rather than global, hence it lives on the
// Machine value rather than as a package constant.
//
// InitialDelay/BackoffMultiplier/MaxDelay give the retry backoff shape:
// exponential with a cap, so a flapping coder is not re-invoked
// instantly.
type Machine struct {
	MaxRetries        int // bound on RetryCounts[PhaseCodeImpl]; default 3
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

func NewMachine(maxRetries int) Machine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return Machine{
		MaxRetries:        maxRetries,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Minute,
	}
}

// retryDelay computes the backoff before retry number attempt
// (1-indexed: RetryCounts[PhaseCodeImpl] after incrementing).
func (m Machine) retryDelay(attempt int) time.Duration {
	delay := float64(m.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= m.BackoffMultiplier
	}
	if max := float64(m.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Next computes the next action given the current state and, if one
// was just produced, the latest phase result. Pass a nil result when
// entering a phase for the first time (the machine then emits INVOKE
// for that phase); pass the result of the just-completed invocation to
// get the post-phase transition.
func (m Machine) Next(state State, result *PhaseResult) (State, Action) {
	state = cloneState(state)

	if state.CurrentPhase.IsTerminal() {
		return state, terminate(state.CurrentPhase)
	}

	if result == nil {
		return state, invoke(state)
	}

	state.PhaseResults[result.Phase] = *result
	state.LastTransitionAt = time.Now()

	if result.Failed() {
		return m.onFailure(state, *result)
	}
	return m.onSuccess(state, *result)
}

func (m Machine) onSuccess(state State, result PhaseResult) (State, Action) {
	switch result.Phase {
	case PhaseE2ETestGen:
		return transitionTo(state, PhaseCodeImpl)
	case PhaseCodeImpl:
		return transitionTo(state, PhaseReview)
	case PhaseReview:
		return transitionTo(state, PhaseDeploy)
	case PhaseDeploy:
		return transitionTo(state, PhaseE2EValidate)
	case PhaseE2EValidate:
		return transitionTo(state, PhaseComplete)
	default:
		// Unreachable for a well-formed phase table, but fail closed
		// rather than loop.
		return transitionTo(state, PhaseFailed)
	}
}

func (m Machine) onFailure(state State, result PhaseResult) (State, Action) {
	if !result.Phase.Retryable() {
		state.CurrentPhase = PhaseFailed
		return state, Action{
			Kind:  ActionTerminate,
			Final: FinalFailed,
			Error: phaseFailureMessage(result),
		}
	}

	state.RetryCounts[PhaseCodeImpl]++
	if state.RetryCounts[PhaseCodeImpl] > m.MaxRetries {
		state.CurrentPhase = PhaseFailed
		return state, Action{
			Kind:  ActionTerminate,
			Final: FinalFailed,
			Error: "CODE_IMPL retry budget exhausted: " + phaseFailureMessage(result),
		}
	}

	nextState, action := transitionTo(state, PhaseCodeImpl)
	action.RetryDelay = m.retryDelay(state.RetryCounts[PhaseCodeImpl])
	return nextState, action
}

func transitionTo(state State, next Phase) (State, Action) {
	state.CurrentPhase = next
	if next.IsTerminal() {
		final := FinalCompleted
		if next == PhaseFailed {
			final = FinalFailed
		}
		return state, Action{Kind: ActionTerminate, Final: final}
	}
	return state, Action{Kind: ActionTransition, NextPhase: next}
}

func terminate(phase Phase) Action {
	final := FinalCompleted
	if phase == PhaseFailed {
		final = FinalFailed
	}
	return Action{Kind: ActionTerminate, Final: final}
}

func invoke(state State) Action {
	return Action{
		Kind:      ActionInvoke,
		AgentName: state.CurrentPhase.Agent(),
		Phase:     state.CurrentPhase,
		Timeout:   state.CurrentPhase.Timeout(),
	}
}

func phaseFailureMessage(result PhaseResult) string {
	if result.Error != "" {
		return string(result.Phase) + ": " + result.Error
	}
	return string(result.Phase) + ": agent reported failure"
}

func cloneState(s State) State {
	results := make(map[Phase]PhaseResult, len(s.PhaseResults))
	for k, v := range s.PhaseResults {
		results[k] = v
	}
	retries := make(map[Phase]int, len(s.RetryCounts))
	for k, v := range s.RetryCounts {
		retries[k] = v
	}
	s.PhaseResults = results
	s.RetryCounts = retries
	return s
}
