// Package agent defines the Agent interface and a Registry that
// resolves a phase's agent name to an implementation. Registry is
// always constructed explicitly and passed by reference — no global
// mutable state.
package agent

import (
	"context"

	"github.com/taskforge/taskforge/internal/errs"
	"github.com/taskforge/taskforge/internal/workflow"
)

// Agent executes one phase invocation and reports a PhaseResult.
// Implementations must return promptly when ctx is cancelled; the
// executor enforces the phase timeout via context, not by killing the
// agent mid-invocation (cooperative cancellation).
//
// Delivery is at-least-once: after a crash, a release, or a retry the
// executor may invoke an agent again with the same input, so every
// registered agent must be idempotent.
type Agent interface {
	Name() string
	Invoke(ctx context.Context, input workflow.AgentInput) (workflow.PhaseResult, error)
}

// Registry resolves phase agent names to Agent implementations.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry builds an empty registry; callers register agents
// explicitly rather than relying on init()-time side effects.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces the agent under its own Name().
func (r *Registry) Register(a Agent) {
	r.agents[a.Name()] = a
}

// Resolve looks up the agent for a given name.
func (r *Registry) Resolve(name string) (Agent, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, errs.New(errs.KindFatal, "no agent registered for: "+name)
	}
	return a, nil
}
