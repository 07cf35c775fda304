package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskforge/internal/broadcaster"
	"github.com/harrison/taskforge/internal/store"
	"github.com/harrison/taskforge/internal/task"
)

type noopLogger struct{}

func (noopLogger) Write(id int64, path, line string) error    { return nil }
func (noopLogger) Finalize(id int64, path, line string) error { return nil }

// fakeExecutor finalizes every task it's handed to COMPLETED, standing in
// for internal/executor.Executor in handler tests.
type fakeExecutor struct {
	store *store.Store
}

func (f *fakeExecutor) Run(ctx context.Context, taskID int64) {
	_ = f.store.UpdateTaskStatus(ctx, taskID, task.StatusRunning)
	_ = f.store.FinalizeTask(ctx, taskID, task.StatusCompleted, "ok")
}

// fakeOrchestrator stands in for orchestrator.Orchestrator: Start only
// signals on startCalled when that channel is set and runs no tasks, and
// Cancel moves the orchestration row to CANCELLED without skipping its tasks.
type fakeOrchestrator struct {
	store       *store.Store
	startCalled chan int64
}

func (f *fakeOrchestrator) Start(ctx context.Context, orchestrationID int64) {
	if f.startCalled != nil {
		f.startCalled <- orchestrationID
	}
}

func (f *fakeOrchestrator) Cancel(ctx context.Context, orchestrationID int64) error {
	current, err := f.store.GetOrchestration(ctx, orchestrationID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return task.NewValidationError("status", "orchestration is already in a terminal state")
	}
	cancelled := task.OrchestrationCancelled
	return f.store.UpdateOrchestration(ctx, orchestrationID, store.OrchestrationUpdate{Status: &cancelled})
}

func newTestAPI(t *testing.T) (http.Handler, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:", t.TempDir(), noopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hub := broadcaster.NewHub(time.Hour)
	t.Cleanup(hub.Close)

	h := New(Deps{
		Store:          s,
		Executor:       &fakeExecutor{store: s},
		Orchestrator:   &fakeOrchestrator{store: s},
		Hub:            hub,
		AllowedOrigins: []string{"http://localhost:3000"},
		Version:        "test",
		Log:            zerolog.Nop(),
	})
	return h, s
}

func TestCreateTaskValidation(t *testing.T) {
	h, _ := newTestAPI(t)

	body := bytes.NewBufferString(`{"execution_prompt":"short","working_directory":"/tmp"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateAndGetTask(t *testing.T) {
	h, _ := newTestAPI(t)

	body := bytes.NewBufferString(`{"execution_prompt":"a sufficiently long execution prompt","working_directory":"/tmp"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created TaskRead
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, task.StatusPending, created.Status)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/1", nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	h, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/999", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteNonTerminalTaskRejected(t *testing.T) {
	h, s := newTestAPI(t)
	ctx := context.Background()
	created, err := s.CreateTask(ctx, store.TaskSpec{WorkingDirectory: "/tmp", ExecutionPrompt: "a sufficiently long execution prompt"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, task.StatusPending, created.Status)
}

func TestCreateOrchestrationRejectsCycle(t *testing.T) {
	h, _ := newTestAPI(t)

	body := bytes.NewBufferString(`{"tasks":[
		{"identifier":"a","execution_prompt":"a sufficiently long execution prompt","working_directory":"/tmp","depends_on":["b"]},
		{"identifier":"b","execution_prompt":"a sufficiently long execution prompt","working_directory":"/tmp","depends_on":["a"]}
	]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrations", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrchestrationSuccess(t *testing.T) {
	h, _ := newTestAPI(t)

	body := bytes.NewBufferString(`{"tasks":[
		{"identifier":"a","execution_prompt":"a sufficiently long execution prompt","working_directory":"/tmp"},
		{"identifier":"b","execution_prompt":"a sufficiently long execution prompt","working_directory":"/tmp","depends_on":["a"]}
	]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orchestrations", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp orchestrationCreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalTasks)
	assert.Len(t, resp.Tasks, 2)
}

func TestCancelOrchestration(t *testing.T) {
	h, s := newTestAPI(t)
	ctx := context.Background()
	orch, err := s.CreateOrchestration(ctx, 1)
	require.NoError(t, err)
	running := task.OrchestrationRunning
	require.NoError(t, s.UpdateOrchestration(ctx, orch.ID, store.OrchestrationUpdate{Status: &running}))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/orchestrations/1/cancel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	final, err := s.GetOrchestration(ctx, orch.ID)
	require.NoError(t, err)
	assert.Equal(t, task.OrchestrationCancelled, final.Status)
}

func TestHealth(t *testing.T) {
	h, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.StoreOK)
}
