package orchestrator

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskforge/internal/store"
	"github.com/harrison/taskforge/internal/task"
)

type nullLogger struct{}

func (nullLogger) Write(id int64, path, line string) error    { return nil }
func (nullLogger) Finalize(id int64, path, line string) error { return nil }

// scriptedRunner drives each task directly to a scripted outcome via the
// Store, standing in for a real executor.Executor in these tests.
type scriptedRunner struct {
	store   *store.Store
	outcome map[string]task.Status // keyed by execution_prompt, which we use as a stand-in identifier
}

func (r *scriptedRunner) Run(ctx context.Context, taskID int64) {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	_ = r.store.UpdateTaskStatus(ctx, taskID, task.StatusRunning)
	outcome := r.outcome[t.ExecutionPrompt]
	if outcome == task.StatusFailed {
		_ = r.store.FinalizeTask(ctx, taskID, task.StatusFailed, "scripted failure")
		return
	}
	_ = r.store.FinalizeTask(ctx, taskID, task.StatusCompleted, "scripted success")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:", t.TempDir(), nullLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidateDetectsDuplicateIdentifier(t *testing.T) {
	err := Validate([]Node{{Identifier: "a"}, {Identifier: "a"}})
	require.Error(t, err)
	assert.True(t, task.IsDuplicateIdentifierError(err))
}

func TestValidateDetectsInvalidDependency(t *testing.T) {
	err := Validate([]Node{{Identifier: "a", DependsOn: []string{"ghost"}}})
	require.Error(t, err)
	assert.True(t, task.IsInvalidDependencyError(err))
}

func TestValidateDetectsSelfCycle(t *testing.T) {
	err := Validate([]Node{{Identifier: "a", DependsOn: []string{"a"}}})
	require.Error(t, err)
	assert.True(t, task.IsCycleDetectedError(err))
}

func TestValidateDetectsCycle(t *testing.T) {
	err := Validate([]Node{
		{Identifier: "x", DependsOn: []string{"y"}},
		{Identifier: "y", DependsOn: []string{"x"}},
	})
	require.Error(t, err)
	assert.True(t, task.IsCycleDetectedError(err))
}

func TestValidateAcceptsLinearDAG(t *testing.T) {
	err := Validate([]Node{
		{Identifier: "a"},
		{Identifier: "b", DependsOn: []string{"a"}, InitialDelay: 2},
		{Identifier: "c", DependsOn: []string{"b"}},
	})
	require.NoError(t, err)
}

func TestValidateRejectsOutOfRangeDelay(t *testing.T) {
	err := Validate([]Node{{Identifier: "a", InitialDelay: 3601}})
	require.Error(t, err)
}

func TestLinearDAGCompletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orch, err := s.CreateOrchestration(ctx, 3)
	require.NoError(t, err)

	specs := []store.TaskSpec{
		{WorkingDirectory: "/tmp", ExecutionPrompt: "task A do work", Identifier: "A", DependsOn: []string{}},
		{WorkingDirectory: "/tmp", ExecutionPrompt: "task B do work", Identifier: "B", DependsOn: []string{"A"}, InitialDelay: floatPtr(0.05)},
		{WorkingDirectory: "/tmp", ExecutionPrompt: "task C do work", Identifier: "C", DependsOn: []string{"B"}},
	}
	_, err = s.CreateOrchestrationTasks(ctx, orch.ID, specs)
	require.NoError(t, err)

	runner := &scriptedRunner{store: s, outcome: map[string]task.Status{
		"task A do work": task.StatusCompleted,
		"task B do work": task.StatusCompleted,
		"task C do work": task.StatusCompleted,
	}}
	o := New(Deps{Store: s, Runner: runner, Log: zerolog.Nop()})

	o.Start(ctx, orch.ID)

	final, err := s.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, task.OrchestrationCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedTasks)

	tasks, err := s.TasksInOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	byIdentifier := map[string]*task.Task{}
	for _, tk := range tasks {
		byIdentifier[*tk.Identifier] = tk
	}
	require.NotNil(t, byIdentifier["A"].EndedAt)
	require.NotNil(t, byIdentifier["B"].StartedAt)
	assert.True(t, byIdentifier["B"].StartedAt.After(*byIdentifier["A"].EndedAt) || byIdentifier["B"].StartedAt.Equal(*byIdentifier["A"].EndedAt))
}

func TestCascadeSkipOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orch, err := s.CreateOrchestration(ctx, 3)
	require.NoError(t, err)

	specs := []store.TaskSpec{
		{WorkingDirectory: "/tmp", ExecutionPrompt: "task A do work", Identifier: "A", DependsOn: []string{}},
		{WorkingDirectory: "/tmp", ExecutionPrompt: "task B do work", Identifier: "B", DependsOn: []string{"A"}},
		{WorkingDirectory: "/tmp", ExecutionPrompt: "task C do work", Identifier: "C", DependsOn: []string{"B"}},
	}
	_, err = s.CreateOrchestrationTasks(ctx, orch.ID, specs)
	require.NoError(t, err)

	runner := &scriptedRunner{store: s, outcome: map[string]task.Status{
		"task A do work": task.StatusFailed,
	}}
	o := New(Deps{Store: s, Runner: runner, Log: zerolog.Nop()})

	o.Start(ctx, orch.ID)

	final, err := s.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, task.OrchestrationFailed, final.Status)
	assert.Equal(t, 1, final.FailedTasks)
	assert.Equal(t, 2, final.SkippedTasks)

	tasks, err := s.TasksInOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	for _, tk := range tasks {
		switch *tk.Identifier {
		case "A":
			assert.Equal(t, task.StatusFailed, tk.Status)
		default:
			assert.Equal(t, task.StatusSkipped, tk.Status)
			assert.Equal(t, "Skipped due to dependency failure", tk.ErrorMessage)
		}
	}
}

func TestCancelSkipsWaitingTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orch, err := s.CreateOrchestration(ctx, 2)
	require.NoError(t, err)
	specs := []store.TaskSpec{
		{WorkingDirectory: "/tmp", ExecutionPrompt: "first", Identifier: "A"},
		{WorkingDirectory: "/tmp", ExecutionPrompt: "second", Identifier: "B", DependsOn: []string{"A"}},
	}
	_, err = s.CreateOrchestrationTasks(ctx, orch.ID, specs)
	require.NoError(t, err)

	running := task.OrchestrationRunning
	require.NoError(t, s.UpdateOrchestration(ctx, orch.ID, store.OrchestrationUpdate{Status: &running}))

	o := New(Deps{Store: s, Log: zerolog.Nop()})
	require.NoError(t, o.Cancel(ctx, orch.ID))

	final, err := s.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, task.OrchestrationCancelled, final.Status)

	tasks, err := s.TasksInOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	for _, tk := range tasks {
		assert.Equal(t, task.StatusSkipped, tk.Status)
		assert.Equal(t, "Cancelled by user", tk.ErrorMessage)
	}
}

func floatPtr(f float64) *float64 { return &f }
