// Package orchestrator runs a validated DAG of Tasks as one Orchestration
// (§4.5): dependency-triggered wave scheduling that honors each task's
// initial_delay, cascade-skip failure propagation, and aggregate counters.
// Validation (V1–V3) lives in graph.go; this file is the runtime scheduler.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harrison/taskforge/internal/broadcaster"
	"github.com/harrison/taskforge/internal/store"
	"github.com/harrison/taskforge/internal/task"
)

// TaskRunner is the subset of executor.Executor the Orchestrator depends
// on: drive one task to a terminal state and return (it never itself
// returns an error — every outcome lands as a terminal Task row, §4.4).
type TaskRunner interface {
	Run(ctx context.Context, taskID int64)
}

// Publisher is the subset of broadcaster.Hub the Orchestrator depends on.
type Publisher interface {
	Publish(evt broadcaster.Event)
}

// Deps are the Orchestrator's collaborators.
type Deps struct {
	Store     *store.Store
	Runner    TaskRunner
	Publisher Publisher
	Log       zerolog.Logger
}

// Orchestrator drives one Orchestration's DAG of Tasks to completion.
type Orchestrator struct {
	store     *store.Store
	runner    TaskRunner
	publisher Publisher
	log       zerolog.Logger

	cancelMu  sync.Mutex
	cancelled map[int64]bool
}

// New builds an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		store:     deps.Store,
		runner:    deps.Runner,
		publisher: deps.Publisher,
		log:       deps.Log,
		cancelled: make(map[int64]bool),
	}
}

func (o *Orchestrator) publish(kind broadcaster.Kind, orchID int64, payload interface{}) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(broadcaster.Event{Kind: kind, OrchestrationID: &orchID, Payload: payload})
}

// nodeState tracks the terminal status each identifier resolved to, plus a
// channel every dependent can block on until that resolution happens.
type nodeState struct {
	done   chan struct{}
	status task.Status
}

// Start loads every task belonging to orchestrationID (expected WAITING),
// transitions the Orchestration to RUNNING, and schedules each task's
// goroutine: it blocks until its dependencies resolve, cascades SKIPPED on
// any failed/skipped dependency, otherwise waits out initial_delay and hands
// the task to the TaskRunner. It returns once every task has reached a
// terminal state and the Orchestration's own terminal status has been
// recorded. Meant to be launched `go orchestrator.Start(ctx, id)` by the API
// (§4.6, "never block on task completion").
func (o *Orchestrator) Start(ctx context.Context, orchestrationID int64) {
	tasks, err := o.store.TasksInOrchestration(ctx, orchestrationID)
	if err != nil {
		o.log.Error().Err(err).Int64("orchestration_id", orchestrationID).Msg("orchestrator could not load tasks")
		return
	}

	nodes := make([]Node, 0, len(tasks))
	byIdentifier := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if t.Identifier == nil {
			continue
		}
		delay := 0.0
		if t.InitialDelay != nil {
			delay = *t.InitialDelay
		}
		nodes = append(nodes, Node{Identifier: *t.Identifier, DependsOn: t.DependsOn, InitialDelay: delay})
		byIdentifier[*t.Identifier] = t
	}

	// Defense in depth: the API validates before any row is written, but a
	// corrupt or hand-inserted row set must not wedge the scheduler.
	if err := Validate(nodes); err != nil {
		o.log.Error().Err(err).Int64("orchestration_id", orchestrationID).Msg("orchestrator: invalid DAG at start, failing orchestration")
		failed := task.OrchestrationFailed
		_ = o.store.UpdateOrchestration(ctx, orchestrationID, store.OrchestrationUpdate{Status: &failed})
		o.publish(broadcaster.OrchestrationFailed, orchestrationID, nil)
		return
	}

	running := task.OrchestrationRunning
	if err := o.store.UpdateOrchestration(ctx, orchestrationID, store.OrchestrationUpdate{Status: &running}); err != nil {
		o.log.Error().Err(err).Int64("orchestration_id", orchestrationID).Msg("orchestrator could not mark running")
		return
	}
	o.publish(broadcaster.OrchestrationStarted, orchestrationID, nil)

	states := make(map[string]*nodeState, len(nodes))
	for _, n := range nodes {
		states[n.Identifier] = &nodeState{done: make(chan struct{})}
	}

	var wg sync.WaitGroup
	var statusMu sync.Mutex
	setStatus := func(identifier string, status task.Status) {
		statusMu.Lock()
		states[identifier].status = status
		statusMu.Unlock()
		close(states[identifier].done)
	}

	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runNode(ctx, orchestrationID, n, byIdentifier[n.Identifier], states, setStatus)
		}()
	}

	wg.Wait()

	o.finish(ctx, orchestrationID, states)
}

func (o *Orchestrator) runNode(ctx context.Context, orchID int64, n Node, t *task.Task, states map[string]*nodeState, setStatus func(string, task.Status)) {
	for _, dep := range n.DependsOn {
		<-states[dep].done
	}

	depsOK := true
	for _, dep := range n.DependsOn {
		if states[dep].status != task.StatusCompleted {
			depsOK = false
			break
		}
	}

	current, err := o.store.GetTask(ctx, t.ID)
	if err != nil {
		o.log.Error().Err(err).Int64("task_id", t.ID).Msg("orchestrator could not reload task")
		setStatus(n.Identifier, task.StatusFailed)
		return
	}
	if current.Status.Terminal() {
		// Resolved out-of-band (e.g. Cancel already SKIPped it and already
		// recorded the counter update itself); just adopt the status.
		setStatus(n.Identifier, current.Status)
		return
	}

	if !depsOK {
		o.skip(ctx, orchID, t.ID, "Skipped due to dependency failure")
		setStatus(n.Identifier, task.StatusSkipped)
		return
	}

	if o.isCancelled(orchID) {
		o.skip(ctx, orchID, t.ID, "Cancelled by user")
		setStatus(n.Identifier, task.StatusSkipped)
		return
	}

	if n.InitialDelay > 0 {
		select {
		case <-time.After(time.Duration(n.InitialDelay * float64(time.Second))):
		case <-ctx.Done():
			// Shutdown: leave the row WAITING for the next process to pick
			// up rather than recording an outcome the Store never saw.
			setStatus(n.Identifier, task.StatusWaiting)
			return
		}
	}

	if o.isCancelled(orchID) {
		o.skip(ctx, orchID, t.ID, "Cancelled by user")
		setStatus(n.Identifier, task.StatusSkipped)
		return
	}

	o.runner.Run(ctx, t.ID)

	// Unlike the branches above, the Executor did run and did finalize this
	// row (§4.4 guarantees every run ends terminal) — we just can't read it
	// back. Counting it as failed is the only outcome this goroutine will
	// ever record for this task, so it doesn't double count.
	final, err := o.store.GetTask(ctx, t.ID)
	if err != nil {
		o.log.Error().Err(err).Int64("task_id", t.ID).Msg("orchestrator could not reload task after run")
		setStatus(n.Identifier, task.StatusFailed)
		o.recordOutcome(ctx, orchID, task.StatusFailed)
		return
	}
	setStatus(n.Identifier, final.Status)
	o.recordOutcome(ctx, orchID, final.Status)
}

func (o *Orchestrator) skip(ctx context.Context, orchID, taskID int64, reason string) {
	if err := o.store.MarkTaskSkipped(ctx, taskID, reason); err != nil {
		// Already terminal (e.g. a concurrent Cancel beat us to it) — not
		// an operational error, just a race both paths tolerate.
		o.log.Debug().Err(err).Int64("task_id", taskID).Msg("orchestrator: skip no-op, already terminal")
		return
	}
	o.recordOutcome(ctx, orchID, task.StatusSkipped)
}

func (o *Orchestrator) recordOutcome(ctx context.Context, orchID int64, status task.Status) {
	update := store.OrchestrationUpdate{}
	switch status {
	case task.StatusCompleted:
		update.CompletedTasksDelta = 1
	case task.StatusFailed:
		update.FailedTasksDelta = 1
	case task.StatusSkipped:
		update.SkippedTasksDelta = 1
	default:
		return
	}
	if err := o.store.UpdateOrchestration(ctx, orchID, update); err != nil {
		o.log.Error().Err(err).Int64("orchestration_id", orchID).Msg("orchestrator could not update counters")
		return
	}
	o.publish(broadcaster.StatsUpdated, orchID, nil)
}

// finish computes the Orchestration's terminal status from the resolved
// node states and records it, unless Cancel already set a terminal status.
func (o *Orchestrator) finish(ctx context.Context, orchID int64, states map[string]*nodeState) {
	current, err := o.store.GetOrchestration(ctx, orchID)
	if err != nil {
		o.log.Error().Err(err).Int64("orchestration_id", orchID).Msg("orchestrator could not reload for finish")
		return
	}
	if current.Status.Terminal() {
		return
	}

	failedOrSkipped := 0
	for _, st := range states {
		if st.status == task.StatusFailed || st.status == task.StatusSkipped {
			failedOrSkipped++
		}
	}

	final := task.OrchestrationCompleted
	kind := broadcaster.OrchestrationCompleted
	if failedOrSkipped > 0 {
		final = task.OrchestrationFailed
		kind = broadcaster.OrchestrationFailed
	}

	if err := o.store.UpdateOrchestration(ctx, orchID, store.OrchestrationUpdate{Status: &final}); err != nil {
		o.log.Error().Err(err).Int64("orchestration_id", orchID).Msg("orchestrator could not record terminal status")
		return
	}
	o.publish(kind, orchID, nil)

	o.cancelMu.Lock()
	delete(o.cancelled, orchID)
	o.cancelMu.Unlock()
}

func (o *Orchestrator) isCancelled(orchID int64) bool {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	return o.cancelled[orchID]
}

// Cancel transitions orchestrationID to CANCELLED and SKIPs every task
// still WAITING (§5, "Cancellation"). RUNNING tasks are left alone — the
// backend does not support mid-flight cancellation — and will reach their
// own natural terminal state, at which point `finish` notices the
// Orchestration is already terminal and leaves it CANCELLED rather than
// overwriting it with COMPLETED/FAILED.
func (o *Orchestrator) Cancel(ctx context.Context, orchestrationID int64) error {
	current, err := o.store.GetOrchestration(ctx, orchestrationID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return task.NewValidationError("status", "orchestration is already in a terminal state")
	}

	o.cancelMu.Lock()
	o.cancelled[orchestrationID] = true
	o.cancelMu.Unlock()

	cancelled := task.OrchestrationCancelled
	if err := o.store.UpdateOrchestration(ctx, orchestrationID, store.OrchestrationUpdate{Status: &cancelled}); err != nil {
		return err
	}

	tasks, err := o.store.TasksInOrchestration(ctx, orchestrationID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == task.StatusWaiting || t.Status == task.StatusPending {
			if err := o.store.MarkTaskSkipped(ctx, t.ID, "Cancelled by user"); err != nil {
				o.log.Warn().Err(err).Int64("task_id", t.ID).Msg("cancel: could not skip waiting task")
				continue
			}
			o.recordOutcome(ctx, orchestrationID, task.StatusSkipped)
		}
	}

	o.publish(broadcaster.StatsUpdated, orchestrationID, nil)
	return nil
}
