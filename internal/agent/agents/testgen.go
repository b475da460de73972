package agents

import (
	"context"
	"fmt"

	"github.com/taskforge/taskforge/internal/workflow"
)

// TestGenerator implements the test-generator agent used for both
// E2E_TEST_GEN and E2E_VALIDATE: it has no external dependency of its
// own, so it is left as a deterministic stub a real deployment swaps
// out.
type TestGenerator struct{}

func NewTestGenerator() *TestGenerator { return &TestGenerator{} }

func (a *TestGenerator) Name() string { return "test-generator" }

func (a *TestGenerator) Invoke(ctx context.Context, input workflow.AgentInput) (workflow.PhaseResult, error) {
	select {
	case <-ctx.Done():
		return workflow.PhaseResult{}, ctx.Err()
	default:
	}

	feature, _ := input.Payload["feature"].(string)
	targetURL, _ := input.Payload["target_url"].(string)

	switch input.Phase {
	case workflow.PhaseE2ETestGen:
		return workflow.PhaseResult{
			Phase:  input.Phase,
			Status: workflow.ResultSuccess,
			Data: map[string]any{
				"test_file": fmt.Sprintf("e2e/%s_test.go", slug(feature)),
				"scenario":  feature,
			},
		}, nil
	case workflow.PhaseE2EValidate:
		return workflow.PhaseResult{
			Phase:  input.Phase,
			Status: workflow.ResultSuccess,
			Data: map[string]any{
				"validated_url": targetURL,
				"scenario":      feature,
			},
		}, nil
	default:
		return workflow.PhaseResult{
			Phase:  input.Phase,
			Status: workflow.ResultFailure,
			Error:  "test-generator invoked for unsupported phase " + string(input.Phase),
		}, nil
	}
}

func slug(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == ' ', r == '-', r == '_':
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "feature"
	}
	return string(out)
}
