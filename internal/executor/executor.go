package executor

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/harrison/taskforge/internal/breaker"
	"github.com/harrison/taskforge/internal/broadcaster"
	"github.com/harrison/taskforge/internal/store"
	"github.com/harrison/taskforge/internal/task"
	"github.com/harrison/taskforge/internal/worker"
)

// RetryPolicy controls the exponential backoff applied around Transient
// WorkerAdapter failures (§4.4, "recommended: base 1s, factor 2, cap 30s,
// max 3 attempts").
type RetryPolicy struct {
	BaseDelay   time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the spec's recommended defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		Factor:      2,
		Cap:         30 * time.Second,
		MaxAttempts: 3,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	capped := time.Duration(d)
	if capped > p.Cap {
		capped = p.Cap
	}
	jitter := time.Duration(rand.Int63n(int64(capped)/2 + 1))
	return capped/2 + jitter
}

// Publisher is the subset of broadcaster.Hub the Executor depends on.
type Publisher interface {
	Publish(evt broadcaster.Event)
}

// Deps are the Executor's collaborators, all injected so tests can observe
// behavior (§9, "module-level logging singletons" re-architecture note).
type Deps struct {
	Store     *store.Store
	Adapter   worker.Adapter
	Breaker   *breaker.Manager
	Publisher Publisher
	Retry     RetryPolicy
	Log       zerolog.Logger
}

// Executor drives a single Task to a terminal state.
type Executor struct {
	store     *store.Store
	adapter   worker.Adapter
	breaker   *breaker.Manager
	publisher Publisher
	retry     RetryPolicy
	log       zerolog.Logger
}

// New builds an Executor from its dependencies, defaulting an unset retry
// policy.
func New(deps Deps) *Executor {
	retry := deps.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Executor{
		store:     deps.Store,
		adapter:   deps.Adapter,
		breaker:   deps.Breaker,
		publisher: deps.Publisher,
		retry:     retry,
		log:       deps.Log,
	}
}

func (e *Executor) publish(kind broadcaster.Kind, taskID int64, payload interface{}) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(broadcaster.Event{Kind: kind, TaskID: &taskID, Payload: payload})
}

// Run drives taskID from its current (PENDING/WAITING) state to a terminal
// one. It is meant to be launched `go executor.Run(ctx, id)` by the API or
// Orchestrator and never returns an error — every failure mode, including a
// recovered panic, lands as a terminal Task row (§7).
func (e *Executor) Run(ctx context.Context, taskID int64) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Int64("task_id", taskID).Msg("executor crashed")
			_ = e.store.FinalizeTask(context.Background(), taskID, task.StatusFailed, (&CrashError{Detail: r}).Error())
			e.publish(broadcaster.TaskFailed, taskID, nil)
		}
	}()

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.log.Error().Err(err).Int64("task_id", taskID).Msg("executor could not load task")
		return
	}

	if err := e.store.UpdateTaskStatus(ctx, taskID, task.StatusRunning); err != nil {
		e.log.Error().Err(err).Int64("task_id", taskID).Msg("executor could not claim task")
		return
	}
	// Record the owning process so the contingency sweep's orphan check
	// (pid == nil) means "leftover from a crashed prior process," not
	// "any task this process is actively running" (§4.3, §4.4).
	if err := e.store.SetTaskPID(ctx, taskID, os.Getpid()); err != nil {
		e.log.Warn().Err(err).Int64("task_id", taskID).Msg("executor could not record pid")
	}
	e.publish(broadcaster.TaskStarted, taskID, nil)

	breakerKey := string(t.Model)

	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if e.breaker != nil && !e.breaker.Allow(breakerKey) {
			e.fail(ctx, taskID, "circuit breaker open for model "+breakerKey)
			return
		}

		summary, runErr := e.runOnce(ctx, taskID, t)
		if runErr == nil {
			if e.breaker != nil {
				_ = e.breaker.RecordSuccess(breakerKey)
			}
			if err := e.store.FinalizeTask(ctx, taskID, task.StatusCompleted, summary); err != nil {
				e.log.Error().Err(err).Int64("task_id", taskID).Msg("executor could not finalize completed task")
			}
			e.publish(broadcaster.TaskCompleted, taskID, nil)
			return
		}

		if e.breaker != nil {
			_ = e.breaker.RecordFailure(breakerKey)
		}

		if worker.IsTransient(runErr) && attempt < e.retry.MaxAttempts-1 {
			e.log.Warn().Err(runErr).Int64("task_id", taskID).Int("attempt", attempt+1).Msg("transient worker error, retrying")
			select {
			case <-time.After(e.retry.delay(attempt)):
			case <-ctx.Done():
				e.fail(ctx, taskID, "cancelled during retry backoff")
				return
			}
			continue
		}

		e.fail(ctx, taskID, runErr.Error())
		return
	}
}

func (e *Executor) fail(ctx context.Context, taskID int64, reason string) {
	if err := e.store.FinalizeTask(ctx, taskID, task.StatusFailed, reason); err != nil {
		e.log.Error().Err(err).Int64("task_id", taskID).Msg("executor could not finalize failed task")
	}
	e.publish(broadcaster.TaskFailed, taskID, nil)
}

// runOnce invokes the WorkerAdapter once and drains its stream, returning
// the completed summary or a classified error.
func (e *Executor) runOnce(ctx context.Context, taskID int64, t *task.Task) (string, error) {
	stream, err := e.adapter.Run(ctx, worker.Request{
		Prompt:           t.ExecutionPrompt,
		SystemPrompt:     t.SystemPrompt,
		WorkingDirectory: t.WorkingDirectory,
		Model:            worker.Model(t.Model),
	})
	if err != nil {
		return "", worker.NewCrashedError(err)
	}

	for msg := range stream.Progress {
		if err := e.store.AppendProgress(ctx, taskID, msg.Line); err != nil {
			e.log.Warn().Err(err).Int64("task_id", taskID).Msg("append_progress failed, continuing")
		}
		e.publish(broadcaster.TaskProgress, taskID, msg.Line)
	}

	result, ok := <-stream.Result
	if !ok {
		return "", worker.NewCrashedError(nil)
	}
	if result.Err != nil {
		return "", result.Err
	}
	return result.Summary, nil
}
