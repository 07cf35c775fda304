package executor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskforge/internal/breaker"
	"github.com/harrison/taskforge/internal/broadcaster"
	"github.com/harrison/taskforge/internal/store"
	"github.com/harrison/taskforge/internal/task"
	"github.com/harrison/taskforge/internal/worker"
)

type nullLogger struct{ writes map[int64][]string }

func (n *nullLogger) Write(id int64, path, line string) error {
	if n.writes == nil {
		n.writes = make(map[int64][]string)
	}
	n.writes[id] = append(n.writes[id], line)
	return nil
}
func (n *nullLogger) Finalize(id int64, path, line string) error { return n.Write(id, path, line) }

func newTestExecutor(t *testing.T, adapter worker.Adapter) (*Executor, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:", t.TempDir(), &nullLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b, err := breaker.NewManager(t.TempDir(), 100, time.Minute)
	require.NoError(t, err)

	exec := New(Deps{
		Store:   s,
		Adapter: adapter,
		Breaker: b,
		Retry:   RetryPolicy{BaseDelay: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 3},
		Log:     zerolog.Nop(),
	})
	return exec, s
}

func TestHappyPath(t *testing.T) {
	fake := worker.NewFake(worker.ScriptedRun{Progress: []string{"step1", "step2"}, Summary: "done"})
	exec, s := newTestExecutor(t, fake)
	ctx := context.Background()

	tk, err := s.CreateTask(ctx, store.TaskSpec{WorkingDirectory: "/tmp/x", ExecutionPrompt: "analyze files in /tmp/x"})
	require.NoError(t, err)

	exec.Run(ctx, tk.ID)

	final, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, "done", final.FinalSummary)
	assert.Contains(t, []string{"step1", "step2"}, final.LastActionCache)
}

func TestRecordsOwnerPIDOnClaim(t *testing.T) {
	fake := worker.NewFake(worker.ScriptedRun{Summary: "done"})
	exec, s := newTestExecutor(t, fake)
	ctx := context.Background()

	tk, err := s.CreateTask(ctx, store.TaskSpec{WorkingDirectory: "/tmp", ExecutionPrompt: "do the thing please"})
	require.NoError(t, err)

	exec.Run(ctx, tk.ID)

	final, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, final.PID)
	assert.Equal(t, os.Getpid(), *final.PID)
}

func TestTransientRetryThenSuccess(t *testing.T) {
	fake := worker.NewFake(
		worker.ScriptedRun{Progress: []string{"step1"}, Err: worker.NewTransientError("rate limited", nil)},
		worker.ScriptedRun{Err: worker.NewTransientError("rate limited", nil)},
		worker.ScriptedRun{Summary: "ok"},
	)
	exec, s := newTestExecutor(t, fake)
	ctx := context.Background()

	tk, err := s.CreateTask(ctx, store.TaskSpec{WorkingDirectory: "/tmp", ExecutionPrompt: "do the thing please"})
	require.NoError(t, err)

	startedBefore, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	_ = startedBefore

	exec.Run(ctx, tk.ID)

	final, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, "ok", final.FinalSummary)
	assert.Equal(t, 3, fake.Calls())
}

func TestPermanentFailure(t *testing.T) {
	fake := worker.NewFake(worker.ScriptedRun{Err: worker.NewPermanentError("bad prompt", nil)})
	exec, s := newTestExecutor(t, fake)
	ctx := context.Background()

	tk, err := s.CreateTask(ctx, store.TaskSpec{WorkingDirectory: "/tmp", ExecutionPrompt: "do the thing please"})
	require.NoError(t, err)

	exec.Run(ctx, tk.ID)

	final, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.NotEmpty(t, final.ErrorMessage)
	assert.Equal(t, 1, fake.Calls())
}

func TestPublishesLifecycleEvents(t *testing.T) {
	fake := worker.NewFake(worker.ScriptedRun{Summary: "done"})
	s, err := store.New(":memory:", t.TempDir(), &nullLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b, err := breaker.NewManager(t.TempDir(), 100, time.Minute)
	require.NoError(t, err)

	hub := broadcaster.NewHub(time.Hour)
	t.Cleanup(hub.Close)
	events, unsubscribe := hub.Subscribe("watcher")
	t.Cleanup(unsubscribe)

	exec := New(Deps{Store: s, Adapter: fake, Breaker: b, Publisher: hub, Log: zerolog.Nop()})
	ctx := context.Background()

	tk, err := s.CreateTask(ctx, store.TaskSpec{WorkingDirectory: "/tmp", ExecutionPrompt: "do the thing please"})
	require.NoError(t, err)

	exec.Run(ctx, tk.ID)

	var kinds []broadcaster.Kind
	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Contains(t, kinds, broadcaster.TaskStarted)
	assert.Contains(t, kinds, broadcaster.TaskCompleted)
}
