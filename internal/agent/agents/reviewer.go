package agents

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	openai "github.com/sashabaranov/go-openai"

	"github.com/taskforge/taskforge/internal/errs"
	"github.com/taskforge/taskforge/internal/workflow"
)

// Reviewer implements the reviewer agent for the REVIEW phase: an
// OpenAI chat completion produces the prose verdict, then any
// configured custom rules run in a sandboxed JavaScript VM (disabled
// require/eval/Function, executed off the calling goroutine so a
// runaway script can't block phase-boundary cancellation).
type Reviewer struct {
	client *openai.Client
	model  string
	rules  []CustomRule
}

// CustomRule is one named JavaScript snippet a deployment can register
// to enforce house review policy beyond the LLM's judgment. The script
// must define a global reviewDiff(diff) function returning {pass: bool,
// message: string}.
type CustomRule struct {
	Name   string
	Script string
}

func NewReviewer(apiKey, model string, rules []CustomRule) *Reviewer {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Reviewer{client: openai.NewClient(apiKey), model: model, rules: rules}
}

func (a *Reviewer) Name() string { return "reviewer" }

func (a *Reviewer) Invoke(ctx context.Context, input workflow.AgentInput) (workflow.PhaseResult, error) {
	diff, _ := codeImplDiff(input)

	verdictPass, verdictMsg, err := a.llmVerdict(ctx, diff)
	if err != nil {
		return workflow.PhaseResult{}, err
	}
	if !verdictPass {
		return workflow.PhaseResult{
			Phase:  input.Phase,
			Status: workflow.ResultFailure,
			Error:  verdictMsg,
			Data:   map[string]any{"source": "llm"},
		}, nil
	}

	for _, rule := range a.rules {
		pass, msg, err := runCustomRule(ctx, rule, diff)
		if err != nil {
			return workflow.PhaseResult{}, errs.Wrap(errs.KindAgentFailure, "custom review rule "+rule.Name, err)
		}
		if !pass {
			return workflow.PhaseResult{
				Phase:  input.Phase,
				Status: workflow.ResultFailure,
				Error:  fmt.Sprintf("rule %s: %s", rule.Name, msg),
				Data:   map[string]any{"source": "rule:" + rule.Name},
			}, nil
		}
	}

	return workflow.PhaseResult{
		Phase:  input.Phase,
		Status: workflow.ResultSuccess,
		Data:   map[string]any{"verdict": verdictMsg},
	}, nil
}

func (a *Reviewer) llmVerdict(ctx context.Context, diff string) (pass bool, message string, err error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You review a code diff for correctness and style. Reply PASS or FAIL followed by a one-line reason.",
			},
			{Role: openai.ChatMessageRoleUser, Content: diff},
		},
	})
	if err != nil {
		return false, "", errs.Wrap(errs.KindAgentFailure, "reviewer chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return false, "reviewer: empty completion response", nil
	}

	verdict := resp.Choices[0].Message.Content
	pass = len(verdict) >= 4 && verdict[:4] == "PASS"
	return pass, verdict, nil
}

// runCustomRule executes one JavaScript rule in a disposable, sandboxed
// VM. It runs on its own goroutine so ctx.Done() can return control to
// the caller at the phase boundary even if the script never returns
// (e.g. an infinite loop).
func runCustomRule(ctx context.Context, rule CustomRule, diff string) (bool, string, error) {
	type outcome struct {
		pass bool
		msg  string
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in rule %s: %v", rule.Name, r)}
			}
		}()

		vm := goja.New()
		vm.Set("require", goja.Undefined())
		vm.Set("eval", goja.Undefined())
		vm.Set("Function", goja.Undefined())
		vm.Set("diff", diff)

		if _, err := vm.RunString(rule.Script); err != nil {
			done <- outcome{err: fmt.Errorf("compile/run rule %s: %w", rule.Name, err)}
			return
		}

		reviewFn, ok := goja.AssertFunction(vm.Get("reviewDiff"))
		if !ok {
			done <- outcome{err: fmt.Errorf("rule %s: reviewDiff is not a function", rule.Name)}
			return
		}

		result, err := reviewFn(goja.Undefined(), vm.ToValue(diff))
		if err != nil {
			done <- outcome{err: fmt.Errorf("invoke rule %s: %w", rule.Name, err)}
			return
		}

		exported := result.Export()
		m, ok := exported.(map[string]interface{})
		if !ok {
			done <- outcome{err: fmt.Errorf("rule %s: expected {pass, message} object", rule.Name)}
			return
		}
		pass, _ := m["pass"].(bool)
		msg, _ := m["message"].(string)
		done <- outcome{pass: pass, msg: msg}
	}()

	select {
	case o := <-done:
		return o.pass, o.msg, o.err
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

func codeImplDiff(input workflow.AgentInput) (string, bool) {
	prev, ok := input.PriorResults[workflow.PhaseCodeImpl]
	if !ok {
		return "", false
	}
	diff, ok := prev.Data["diff"].(string)
	return diff, ok
}
