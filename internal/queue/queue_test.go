package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

func newTestQueue(t *testing.T) *TaskQueue {
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

	return New(s)
}

func validSpec() task.Spec {
	return task.Spec{
		Kind:     "five_phase_tdd",
		Priority: 5,
		Payload:  map[string]any{"feature": "login form", "target_url": "https://example.test"},
	}
}

func TestQueue_Enqueue_RejectsInvalidSpec(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), task.Spec{Kind: "nonsense"})
	require.Error(t, err)
}

func TestQueue_EnqueueClaimComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, validSpec())
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, enqueued.Status)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, enqueued.ID, claimed.ID)
	require.Equal(t, task.StatusRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)

	// nothing left to claim
	none, err := q.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, q.Complete(ctx, claimed.ID, task.Result{Data: map[string]any{"pr": "1"}}))

	got, err := q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
}

func TestQueue_Claim_PriorityOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low := validSpec()
	low.Priority = 1
	high := validSpec()
	high.Priority = 9

	_, err := q.Enqueue(ctx, low)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, high)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, 9, claimed.Priority)
}

func TestQueue_Claim_AtMostOneWinnerUnderContention(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, validSpec())
	require.NoError(t, err)

	const claimers = 10
	results := make(chan *task.Task, claimers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			claimed, err := q.Claim(ctx, fmt.Sprintf("worker-%d", n))
			require.NoError(t, err)
			results <- claimed
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for claimed := range results {
		if claimed != nil {
			winners++
			require.Equal(t, enqueued.ID, claimed.ID)
		}
	}
	require.Equal(t, 1, winners, "exactly one of %d concurrent claimers may win the task", claimers)

	got, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempts)
}

func TestQueue_Fail(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, validSpec())
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, claimed.ID, "deploy timed out"))

	got, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Equal(t, "deploy timed out", got.Error)
}

func TestQueue_Release_ReturnsToQueued(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, validSpec())
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, claimed.ID))

	got, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, got.Status)
	require.Nil(t, got.WorkerID)
}

func TestQueue_Cancel_Queued(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, validSpec())
	require.NoError(t, err)

	outcome, err := q.Cancel(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, CancelOutcomeCancelled, outcome)

	got, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, got.Status)
}

func TestQueue_Cancel_RunningSetsFlagNotStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, validSpec())
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)

	outcome, err := q.Cancel(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, CancelOutcomeCancelling, outcome)

	got, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, got.Status)
	require.True(t, got.CancelRequested)
}

func TestQueue_Cancel_TerminalIsConflict(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, validSpec())
	require.NoError(t, err)
	_, err = q.Cancel(ctx, enqueued.ID)
	require.NoError(t, err)

	_, err = q.Cancel(ctx, enqueued.ID)
	require.Error(t, err)
}
