package executor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskforge/taskforge/internal/agent"
	"github.com/taskforge/taskforge/internal/queue"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/workflow"
)

func newTestQueue(t *testing.T) *queue.TaskQueue {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("taskforge"),
		tcpostgres.WithUsername("taskforge"),
		tcpostgres.WithPassword("taskforge"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := store.Connect(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return queue.New(s)
}

func TestExecutor_HappyPathCompletesTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, task.Spec{
		Kind:     "five_phase_tdd",
		Priority: 5,
		Payload:  map[string]any{"feature": "checkout flow", "target_url": "https://example.test"},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	registry := agent.NewRegistry()
	registry.Register(successAgent("test-generator"))
	registry.Register(successAgent("coder"))
	registry.Register(successAgent("reviewer"))
	registry.Register(successAgent("deployer"))

	ex := executorWith(q, registry, 3)
	status, err := ex.Run(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, status)

	final, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, workflow.PhaseComplete, final.Workflow.CurrentPhase)
}

func TestExecutor_ReviewFailureReworksThenCompletes(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, task.Spec{
		Kind:     "five_phase_tdd",
		Priority: 5,
		Payload:  map[string]any{"feature": "checkout flow", "target_url": "https://example.test"},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	reviewCalls := 0
	registry := agent.NewRegistry()
	registry.Register(successAgent("test-generator"))
	registry.Register(successAgent("coder"))
	registry.Register(&funcAgent{name: "reviewer", fn: func(input workflow.AgentInput) workflow.PhaseResult {
		reviewCalls++
		if reviewCalls == 1 {
			return workflow.PhaseResult{Status: workflow.ResultFailure, Error: "missing test coverage"}
		}
		return workflow.PhaseResult{Status: workflow.ResultSuccess}
	}})
	registry.Register(successAgent("deployer"))

	ex := executorWith(q, registry, 3)
	status, err := ex.Run(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, status)

	final, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, 1, final.Workflow.RetryCounts[workflow.PhaseCodeImpl])
	require.Equal(t, 2, reviewCalls)
}

func TestExecutor_DeployFailureFailsTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, task.Spec{
		Kind:     "five_phase_tdd",
		Priority: 5,
		Payload:  map[string]any{"feature": "checkout flow", "target_url": "https://example.test"},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	registry := agent.NewRegistry()
	registry.Register(successAgent("test-generator"))
	registry.Register(successAgent("coder"))
	registry.Register(successAgent("reviewer"))
	registry.Register(&funcAgent{name: "deployer", fn: func(input workflow.AgentInput) workflow.PhaseResult {
		return workflow.PhaseResult{Status: workflow.ResultFailure, Error: "deploy timed out"}
	}})

	ex := executorWith(q, registry, 3)
	status, err := ex.Run(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, status)

	final, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
	require.Contains(t, final.Error, "deploy timed out")
}

func TestExecutor_ObservesCancellationAtPhaseBoundary(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, task.Spec{
		Kind:     "five_phase_tdd",
		Priority: 5,
		Payload:  map[string]any{"feature": "checkout flow", "target_url": "https://example.test"},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	_, err = q.Cancel(ctx, claimed.ID)
	require.NoError(t, err)

	registry := agent.NewRegistry()
	registry.Register(successAgent("test-generator"))
	registry.Register(successAgent("coder"))
	registry.Register(successAgent("reviewer"))
	registry.Register(successAgent("deployer"))

	ex := executorWith(q, registry, 3)
	status, err := ex.Run(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, status)

	final, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
	require.Equal(t, "cancelled", final.Error)
}

func TestExecutor_PublishesPhaseEvents(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, task.Spec{
		Kind:     "five_phase_tdd",
		Priority: 5,
		Payload:  map[string]any{"feature": "checkout flow", "target_url": "https://example.test"},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	registry := agent.NewRegistry()
	registry.Register(successAgent("test-generator"))
	registry.Register(successAgent("coder"))
	registry.Register(successAgent("reviewer"))
	registry.Register(successAgent("deployer"))

	ex := executorWith(q, registry, 3)
	pub := &recordingPublisher{}
	ex.SetPublisher(pub)
	status, err := ex.Run(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, status)

	require.NotEmpty(t, pub.events)
	for _, e := range pub.events {
		require.Equal(t, enqueued.ID, e)
	}
}

func TestExecutor_UnknownAgentFailsTaskInsteadOfStranding(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, task.Spec{
		Kind:     "five_phase_tdd",
		Priority: 5,
		Payload:  map[string]any{"feature": "checkout flow", "target_url": "https://example.test"},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	// Empty registry: "test-generator", the E2E_TEST_GEN agent, was
	// never registered, simulating a configuration bug.
	registry := agent.NewRegistry()

	ex := executorWith(q, registry, 3)
	status, err := ex.Run(ctx, claimed)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, status)

	final, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, final.Status)
	require.Contains(t, final.Error, "no agent registered")
}

func TestExecutor_AgentTimeoutIsLabeledInResult(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, task.Spec{
		Kind:     "five_phase_tdd",
		Priority: 5,
		Payload:  map[string]any{"feature": "checkout flow", "target_url": "https://example.test"},
	})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	registry := agent.NewRegistry()
	ex := executorWith(q, registry, 3)

	// Bypass the machine's real phase timeouts (minutes) and exercise
	// invoke() directly with a short one, mirroring scenario S4.
	state := claimed.Workflow.ToMachineState()
	action := workflow.Action{
		Kind:      workflow.ActionInvoke,
		AgentName: "coder",
		Phase:     workflow.PhaseCodeImpl,
		Timeout:   10 * time.Millisecond,
	}
	registry.Register(&sleepyAgent{name: "coder", sleep: 200 * time.Millisecond})

	result, err := ex.invoke(ctx, claimed, state, action)
	require.NoError(t, err)
	assert.Equal(t, workflow.ResultFailure, result.Status)
	assert.Equal(t, "timeout", result.Error)
}

type sleepyAgent struct {
	name  string
	sleep time.Duration
}

func (a *sleepyAgent) Name() string { return a.name }
func (a *sleepyAgent) Invoke(ctx context.Context, input workflow.AgentInput) (workflow.PhaseResult, error) {
	select {
	case <-time.After(a.sleep):
		return workflow.PhaseResult{Status: workflow.ResultSuccess}, nil
	case <-ctx.Done():
		return workflow.PhaseResult{}, ctx.Err()
	}
}

type recordingPublisher struct {
	events []uuid.UUID
}

func (p *recordingPublisher) Publish(taskID uuid.UUID, message []byte) {
	p.events = append(p.events, taskID)
}

type funcAgent struct {
	name string
	fn   func(workflow.AgentInput) workflow.PhaseResult
}

func (a *funcAgent) Name() string { return a.name }
func (a *funcAgent) Invoke(ctx context.Context, input workflow.AgentInput) (workflow.PhaseResult, error) {
	return a.fn(input), nil
}

func successAgent(name string) *funcAgent {
	return &funcAgent{name: name, fn: func(workflow.AgentInput) workflow.PhaseResult {
		return workflow.PhaseResult{Status: workflow.ResultSuccess}
	}}
}

// executorWith zeroes the retry backoff delay so tests that exercise a
// CODE_IMPL retry don't actually sleep; the backoff shape itself is
// covered by workflow.TestMachine_RetryBackoffDoublesAndCaps.
func executorWith(q *queue.TaskQueue, registry *agent.Registry, maxRetries int) *Executor {
	ex := New(q, registry, maxRetries)
	ex.machine.InitialDelay = 0
	ex.machine.MaxDelay = 0
	return ex
}
