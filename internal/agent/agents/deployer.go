package agents

import (
	"context"

	"github.com/taskforge/taskforge/internal/workflow"
)

// Deployer implements the deployer agent for the DEPLOY phase. Real
// deployments are infrastructure-specific, so the built-in
// implementation stands in as a stub a production deployment replaces.
type Deployer struct{}

func NewDeployer() *Deployer { return &Deployer{} }

func (a *Deployer) Name() string { return "deployer" }

func (a *Deployer) Invoke(ctx context.Context, input workflow.AgentInput) (workflow.PhaseResult, error) {
	select {
	case <-ctx.Done():
		return workflow.PhaseResult{}, ctx.Err()
	default:
	}

	targetURL, _ := input.Payload["target_url"].(string)
	return workflow.PhaseResult{
		Phase:  input.Phase,
		Status: workflow.ResultSuccess,
		Data: map[string]any{
			"deployed_url": targetURL,
		},
	}, nil
}
