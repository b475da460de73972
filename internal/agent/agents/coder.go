package agents

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/taskforge/taskforge/internal/errs"
	"github.com/taskforge/taskforge/internal/workflow"
)

// Coder implements the coder agent for the CODE_IMPL phase by
// delegating to an OpenAI chat completion.
type Coder struct {
	client *openai.Client
	model  string
}

func NewCoder(apiKey, model string) *Coder {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Coder{client: openai.NewClient(apiKey), model: model}
}

func (a *Coder) Name() string { return "coder" }

func (a *Coder) Invoke(ctx context.Context, input workflow.AgentInput) (workflow.PhaseResult, error) {
	feature, _ := input.Payload["feature"].(string)

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: "You implement the minimal code change that makes the failing end-to-end test pass. Respond with a unified diff only.",
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("Feature: %s\n\n%s", feature, reviewFeedback(input)),
		},
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: messages,
	})
	if err != nil {
		return workflow.PhaseResult{}, errs.Wrap(errs.KindAgentFailure, "coder chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return workflow.PhaseResult{
			Phase:  input.Phase,
			Status: workflow.ResultFailure,
			Error:  "coder: empty completion response",
		}, nil
	}

	diff := resp.Choices[0].Message.Content
	return workflow.PhaseResult{
		Phase:  input.Phase,
		Status: workflow.ResultSuccess,
		Data: map[string]any{
			"diff":  diff,
			"model": a.model,
		},
	}, nil
}

// reviewFeedback renders the prior REVIEW failure, if any, back into
// the prompt so a rework attempt addresses the specific feedback
// rather than retrying blind.
func reviewFeedback(input workflow.AgentInput) string {
	prev, ok := input.PriorResults[workflow.PhaseReview]
	if !ok || !prev.Failed() {
		return "No prior review feedback."
	}
	b, err := json.Marshal(prev.Data)
	if err != nil {
		return "Review feedback: " + prev.Error
	}
	return fmt.Sprintf("Review feedback: %s\nDetails: %s", prev.Error, string(b))
}
