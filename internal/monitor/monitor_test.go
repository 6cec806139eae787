package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubenmavarezb/ditloop/internal/eventbus"
	"github.com/rubenmavarezb/ditloop/internal/schema"
)

func newTestMonitor(t *testing.T, opts ...Option) (*eventbus.Bus, *Monitor) {
	t.Helper()
	bus := eventbus.NewBus()
	m := NewMonitor(bus, opts...)
	t.Cleanup(m.Close)
	return bus, m
}

func TestSubmitStartsWithinProviderBudget(t *testing.T) {
	bus, m := newTestMonitor(t)

	var started []string
	bus.On(schema.ExecutionStarted, func(evt eventbus.Event) {
		started = append(started, schema.GetString(evt.Payload, "taskId"))
	})

	id, err := m.SubmitExecution(context.Background(), SubmitOptions{
		TaskID:    "task-1",
		Workspace: "ws-a",
		Provider:  "claude",
	})
	require.NoError(t, err)

	ex, ok := m.GetExecution(id)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, ex.Status)
	assert.Equal(t, []string{"task-1"}, started)
	assert.Equal(t, 0, m.QueueLength())
}

func TestSubmitRequiresTaskAndWorkspace(t *testing.T) {
	_, m := newTestMonitor(t)

	_, err := m.SubmitExecution(context.Background(), SubmitOptions{Workspace: "ws-a"})
	require.Error(t, err)

	_, err = m.SubmitExecution(context.Background(), SubmitOptions{TaskID: "task-1"})
	require.Error(t, err)
}

func TestQueueBeyondProviderLimit(t *testing.T) {
	bus, m := newTestMonitor(t)

	var progress []string
	bus.On(schema.ExecutionProgress, func(evt eventbus.Event) {
		progress = append(progress, schema.GetString(evt.Payload, "message"))
	})

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Default provider budget is 2.
	third, _ := m.GetExecution(ids[2])
	assert.Equal(t, StatusQueued, third.Status)
	assert.Equal(t, 1, m.QueueLength())
	assert.Equal(t, []string{"Queued (position 1)"}, progress)
}

func TestCompletionAdmitsNextQueued(t *testing.T) {
	bus, m := newTestMonitor(t)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	bus.Emit(ctx, schema.ExecutionCompleted, map[string]any{"taskId": ids[0], "exitCode": 0})

	first, _ := m.GetExecution(ids[0])
	require.Equal(t, StatusCompleted, first.Status)
	require.NotNil(t, first.ExitCode)
	assert.Equal(t, 0, *first.ExitCode)
	require.NotNil(t, first.EndTime)

	third, _ := m.GetExecution(ids[2])
	assert.Equal(t, StatusRunning, third.Status)
	assert.Equal(t, 0, m.QueueLength())
}

func TestErrorEventMarksFailed(t *testing.T) {
	bus, m := newTestMonitor(t)

	ctx := context.Background()
	id, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task-9", Workspace: "ws"})
	require.NoError(t, err)

	// Lifecycle events may reference the task ID instead of the execution ID.
	bus.Emit(ctx, schema.ExecutionError, map[string]any{"taskId": "task-9", "error": "provider timeout"})

	ex, ok := m.GetExecution(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, ex.Status)
	assert.Equal(t, "provider timeout", ex.Error)
}

func TestOutputCapture(t *testing.T) {
	bus, m := newTestMonitor(t)

	ctx := context.Background()
	id, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws"})
	require.NoError(t, err)

	bus.Emit(ctx, schema.ExecutionOutput, map[string]any{"taskId": id, "stream": "stdout", "data": "line one\n"})
	bus.Emit(ctx, schema.ExecutionOutput, map[string]any{"taskId": id, "stream": "stderr", "data": "oops\n"})

	ex, _ := m.GetExecution(id)
	require.Len(t, ex.Output, 2)
	assert.Equal(t, "stdout", ex.Output[0].Stream)
	assert.Equal(t, "line one\n", ex.Output[0].Data)
	assert.Equal(t, "stderr", ex.Output[1].Stream)
}

func TestCancelQueued(t *testing.T) {
	_, m := newTestMonitor(t)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.True(t, m.CancelExecution(ctx, ids[2]))
	ex, _ := m.GetExecution(ids[2])
	assert.Equal(t, StatusCancelled, ex.Status)
	assert.Equal(t, 0, m.QueueLength())
}

func TestCancelRunningDrainsQueue(t *testing.T) {
	_, m := newTestMonitor(t)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.True(t, m.CancelExecution(ctx, ids[0]))

	cancelled, _ := m.GetExecution(ids[0])
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// The freed slot admits the queued execution.
	third, _ := m.GetExecution(ids[2])
	assert.Equal(t, StatusRunning, third.Status)
}

func TestCancelUnknownOrTerminal(t *testing.T) {
	bus, m := newTestMonitor(t)

	ctx := context.Background()
	assert.False(t, m.CancelExecution(ctx, "no-such-id"))

	id, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws"})
	require.NoError(t, err)
	bus.Emit(ctx, schema.ExecutionCompleted, map[string]any{"taskId": id})

	assert.False(t, m.CancelExecution(ctx, id))
}

func TestExecuteFuncCancellation(t *testing.T) {
	_, m := newTestMonitor(t)

	release := make(chan struct{})
	var mu sync.Mutex
	var sawCancel bool
	m.SetExecuteFunc(func(ctx context.Context, ex Execution) error {
		<-ctx.Done()
		mu.Lock()
		sawCancel = true
		mu.Unlock()
		close(release)
		return ctx.Err()
	})

	ctx := context.Background()
	id, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws"})
	require.NoError(t, err)

	require.True(t, m.CancelExecution(ctx, id))

	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("execute callback never observed cancellation")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawCancel)

	// The callback returned ctx.Err() but the execution is already
	// cancelled, so the error event must not flip it to failed.
	ex, _ := m.GetExecution(id)
	assert.Equal(t, StatusCancelled, ex.Status)
}

func TestExecuteFuncErrorBecomesFailed(t *testing.T) {
	_, m := newTestMonitor(t)
	m.SetExecuteFunc(func(ctx context.Context, ex Execution) error {
		return errors.New("spawn failed")
	})

	id, err := m.SubmitExecution(context.Background(), SubmitOptions{TaskID: "task", Workspace: "ws"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ex, ok := m.GetExecution(id)
		return ok && ex.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	ex, _ := m.GetExecution(id)
	assert.Equal(t, "spawn failed", ex.Error)
}

func TestProviderLimitsAreIndependent(t *testing.T) {
	_, m := newTestMonitor(t)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws", Provider: "claude"})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws", Provider: "openai"})
		require.NoError(t, err)
	}

	stats := m.GetStats()
	assert.Equal(t, 8, stats.Running)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 3, stats.ProviderUsage["claude"])
	assert.Equal(t, 5, stats.ProviderUsage["openai"])

	// One more of each tips both providers over their budget.
	_, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws", Provider: "claude"})
	require.NoError(t, err)
	_, err = m.SubmitExecution(ctx, SubmitOptions{TaskID: "task", Workspace: "ws", Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.QueueLength())
}

func TestStatsAverageDuration(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	bus, m := newTestMonitor(t, WithClock(clock))

	ctx := context.Background()
	id1, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "a", Workspace: "ws"})
	require.NoError(t, err)
	id2, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "b", Workspace: "ws"})
	require.NoError(t, err)

	now = now.Add(100 * time.Millisecond)
	bus.Emit(ctx, schema.ExecutionCompleted, map[string]any{"taskId": id1})
	now = now.Add(200 * time.Millisecond)
	bus.Emit(ctx, schema.ExecutionCompleted, map[string]any{"taskId": id2})

	stats := m.GetStats()
	assert.Equal(t, 2, stats.Completed)
	assert.InDelta(t, 200.0, stats.AverageDurationMS, 0.1)
}

func TestRetentionSweep(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	bus, m := newTestMonitor(t, WithClock(clock), WithRetention(time.Hour))

	ctx := context.Background()
	doneID, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "a", Workspace: "ws"})
	require.NoError(t, err)
	liveID, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "b", Workspace: "ws"})
	require.NoError(t, err)

	bus.Emit(ctx, schema.ExecutionCompleted, map[string]any{"taskId": doneID})

	now = now.Add(2 * time.Hour)
	m.sweep()

	_, ok := m.GetExecution(doneID)
	assert.False(t, ok, "terminal execution past retention should be purged")
	_, ok = m.GetExecution(liveID)
	assert.True(t, ok, "running execution is never purged")
}

func TestListExecutionsFilters(t *testing.T) {
	bus, m := newTestMonitor(t)

	ctx := context.Background()
	idA, err := m.SubmitExecution(ctx, SubmitOptions{TaskID: "a", Workspace: "ws-a"})
	require.NoError(t, err)
	_, err = m.SubmitExecution(ctx, SubmitOptions{TaskID: "b", Workspace: "ws-b"})
	require.NoError(t, err)

	bus.Emit(ctx, schema.ExecutionCompleted, map[string]any{"taskId": idA})

	assert.Len(t, m.ListExecutions(ListFilter{}), 2)
	assert.Len(t, m.ListExecutions(ListFilter{Workspace: "ws-a"}), 1)
	assert.Len(t, m.ListExecutions(ListFilter{Status: StatusCompleted}), 1)
	assert.Empty(t, m.ListExecutions(ListFilter{Workspace: "ws-a", Status: StatusRunning}))
}
