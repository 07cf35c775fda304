package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/harrison/taskforge/internal/broadcaster"
	"github.com/harrison/taskforge/internal/orchestrator"
	"github.com/harrison/taskforge/internal/store"
	"github.com/harrison/taskforge/internal/task"
)

func (a *API) decodeAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return a.validate.Struct(v)
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// handleCreateTask is POST /api/v1/tasks.
func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := a.decodeAndValidate(r, &req); err != nil {
		a.writeValidationError(w, err)
		return
	}

	model := task.Model(req.Model)
	if model == "" {
		model = task.DefaultModel
	}

	t, err := a.store.CreateTask(r.Context(), store.TaskSpec{
		WorkingDirectory: req.WorkingDirectory,
		SystemPrompt:     req.SystemPrompt,
		ExecutionPrompt:  req.ExecutionPrompt,
		Model:            model,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.hub.Publish(broadcaster.Event{Kind: broadcaster.TaskCreated, TaskID: &t.ID})
	go a.executor.Run(context.Background(), t.ID)

	a.writeJSON(w, http.StatusOK, newTaskRead(t))
}

// handleGetTask is GET /api/v1/tasks/{id}.
func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		a.writeValidationError(w, err)
		return
	}
	t, err := a.store.GetTask(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, newTaskRead(t))
}

// handleListTasks is GET /api/v1/tasks.
func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter store.TaskFilter
	if v := r.URL.Query().Get("status"); v != "" {
		s := task.Status(v)
		filter.Status = &s
	}
	tasks, err := a.store.ListTasks(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, newTaskReads(tasks))
}

// handleDeleteTask is DELETE /api/v1/tasks/{id}.
func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		a.writeValidationError(w, err)
		return
	}
	if err := a.store.DeleteTask(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, deleteResponse{Success: true, Message: "task deleted"})
}

// handleClearTasks is POST /api/v1/tasks/clear.
func (a *API) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	n, err := a.store.ClearTerminal(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, clearResponse{Deleted: n, Message: "terminal tasks cleared"})
}

// handleCreateOrchestration is POST /api/v1/orchestrations. Validation
// (V1–V3) runs synchronously so a cycle/duplicate/invalid-dependency error
// surfaces as 400 before any row is written (§4.6).
func (a *API) handleCreateOrchestration(w http.ResponseWriter, r *http.Request) {
	var req orchestrationCreateRequest
	if err := a.decodeAndValidate(r, &req); err != nil {
		a.writeValidationError(w, err)
		return
	}

	nodes := make([]orchestrator.Node, 0, len(req.Tasks))
	specs := make([]store.TaskSpec, 0, len(req.Tasks))
	for _, item := range req.Tasks {
		delay := 0.0
		if item.InitialDelay != nil {
			delay = *item.InitialDelay
		}
		nodes = append(nodes, orchestrator.Node{
			Identifier:   item.Identifier,
			DependsOn:    item.DependsOn,
			InitialDelay: delay,
		})

		model := task.Model(item.Model)
		if model == "" {
			model = task.DefaultModel
		}
		specs = append(specs, store.TaskSpec{
			WorkingDirectory: item.WorkingDirectory,
			SystemPrompt:     item.SystemPrompt,
			ExecutionPrompt:  item.ExecutionPrompt,
			Model:            model,
			Identifier:       item.Identifier,
			DependsOn:        item.DependsOn,
			InitialDelay:     item.InitialDelay,
		})
	}

	if err := orchestrator.Validate(nodes); err != nil {
		a.writeError(w, err)
		return
	}

	orch, err := a.store.CreateOrchestration(r.Context(), len(specs))
	if err != nil {
		a.writeError(w, err)
		return
	}
	tasks, err := a.store.CreateOrchestrationTasks(r.Context(), orch.ID, specs)
	if err != nil {
		a.writeError(w, err)
		return
	}

	go a.orchestrator.Start(context.Background(), orch.ID)

	a.writeJSON(w, http.StatusOK, orchestrationCreateResponse{
		OrchestrationID: orch.ID,
		Status:          orch.Status,
		TotalTasks:      orch.TotalTasks,
		Tasks:           summarizeTasks(tasks),
	})
}

// handleGetOrchestration is GET /api/v1/orchestrations/{id}.
func (a *API) handleGetOrchestration(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		a.writeValidationError(w, err)
		return
	}
	orch, err := a.store.GetOrchestration(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	tasks, err := a.store.TasksInOrchestration(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, newOrchestrationRead(orch, tasks))
}

// handleListOrchestrations is GET /api/v1/orchestrations.
func (a *API) handleListOrchestrations(w http.ResponseWriter, r *http.Request) {
	var filter store.OrchestrationFilter
	if v := r.URL.Query().Get("status"); v != "" {
		s := task.OrchestrationStatus(v)
		filter.Status = &s
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	orchestrations, err := a.store.ListOrchestrations(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}

	out := make([]orchestrationRead, len(orchestrations))
	for i, o := range orchestrations {
		tasks, err := a.store.TasksInOrchestration(r.Context(), o.ID)
		if err != nil {
			a.writeError(w, err)
			return
		}
		out[i] = newOrchestrationRead(o, tasks)
	}
	a.writeJSON(w, http.StatusOK, out)
}

// handleCancelOrchestration is DELETE /api/v1/orchestrations/{id}/cancel.
func (a *API) handleCancelOrchestration(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		a.writeValidationError(w, err)
		return
	}
	if err := a.orchestrator.Cancel(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	orch, err := a.store.GetOrchestration(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	tasks, err := a.store.TasksInOrchestration(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, newOrchestrationRead(orch, tasks))
}

// handleHealth is GET /health: liveness plus store connectivity and
// circuit-breaker state, an additive enrichment beyond the bare
// {status,version} shape (SPEC_FULL §12).
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := true
	if _, err := a.store.ListTasks(r.Context(), store.TaskFilter{}); err != nil {
		storeOK = false
	}

	var snapshots []breakerSnapshot
	if a.breakerMgr != nil {
		for _, s := range a.breakerMgr.Snapshot() {
			snapshots = append(snapshots, breakerSnapshot{
				Key:                 s.Key,
				Tripped:             s.Tripped,
				ConsecutiveFailures: s.ConsecutiveFailures,
			})
		}
	}

	subs := 0
	if a.hub != nil {
		subs = a.hub.SubscriberCount()
	}

	a.writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		Version:        a.version,
		StoreOK:        storeOK,
		Subscribers:    subs,
		CircuitBreaker: snapshots,
	})
}
