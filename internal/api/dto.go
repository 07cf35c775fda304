package api

import (
	"time"

	"github.com/harrison/taskforge/internal/task"
)

// TaskRead is the wire shape of a Task row (§6, "Bit-exact for field names").
type TaskRead struct {
	ID               int64      `json:"id"`
	Status           task.Status `json:"status"`
	WorkingDirectory string     `json:"working_directory"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	LastActionCache  string     `json:"last_action_cache,omitempty"`
	FinalSummary     string     `json:"final_summary,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	OrchestrationID  *int64     `json:"orchestration_id,omitempty"`
	Identifier       *string    `json:"identifier,omitempty"`
	DependsOn        []string   `json:"depends_on,omitempty"`
	InitialDelay     *float64   `json:"initial_delay,omitempty"`
}

func newTaskRead(t *task.Task) TaskRead {
	return TaskRead{
		ID:               t.ID,
		Status:           t.Status,
		WorkingDirectory: t.WorkingDirectory,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		EndedAt:          t.EndedAt,
		LastActionCache:  t.LastActionCache,
		FinalSummary:     t.FinalSummary,
		ErrorMessage:     t.ErrorMessage,
		OrchestrationID:  t.OrchestrationID,
		Identifier:       t.Identifier,
		DependsOn:        t.DependsOn,
		InitialDelay:     t.InitialDelay,
	}
}

func newTaskReads(tasks []*task.Task) []TaskRead {
	out := make([]TaskRead, len(tasks))
	for i, t := range tasks {
		out[i] = newTaskRead(t)
	}
	return out
}

// taskCreateRequest is the body of POST /tasks.
type taskCreateRequest struct {
	ExecutionPrompt  string `json:"execution_prompt" validate:"required,min=10"`
	WorkingDirectory string `json:"working_directory" validate:"required"`
	SystemPrompt     string `json:"system_prompt" validate:"omitempty,max=1000"`
	Model            string `json:"model" validate:"omitempty,oneof=haiku sonnet opus"`
}

// orchestrationTaskItem is one entry of POST /orchestrations' `tasks` array.
type orchestrationTaskItem struct {
	Identifier       string   `json:"identifier" validate:"required,min=1,max=100"`
	ExecutionPrompt  string   `json:"execution_prompt" validate:"required,min=10"`
	WorkingDirectory string   `json:"working_directory" validate:"required"`
	SystemPrompt     string   `json:"system_prompt" validate:"omitempty,max=1000"`
	Model            string   `json:"model" validate:"omitempty,oneof=haiku sonnet opus"`
	DependsOn        []string `json:"depends_on"`
	InitialDelay     *float64 `json:"initial_delay" validate:"omitempty,gte=0,lte=3600"`
}

type orchestrationCreateRequest struct {
	Tasks []orchestrationTaskItem `json:"tasks" validate:"required,min=1,dive"`
}

// orchestrationTaskSummary is one entry of the POST /orchestrations response
// and of GET /orchestrations/{id}'s per-task summary.
type orchestrationTaskSummary struct {
	Identifier   string   `json:"identifier"`
	TaskID       int64    `json:"task_id"`
	Status       task.Status `json:"status"`
	DependsOn    []string `json:"depends_on,omitempty"`
	InitialDelay float64  `json:"initial_delay"`
}

type orchestrationCreateResponse struct {
	OrchestrationID int64                      `json:"orchestration_id"`
	Status          task.OrchestrationStatus   `json:"status"`
	TotalTasks      int                        `json:"total_tasks"`
	Tasks           []orchestrationTaskSummary `json:"tasks"`
}

type orchestrationRead struct {
	ID             int64                      `json:"id"`
	Status         task.OrchestrationStatus   `json:"status"`
	TotalTasks     int                        `json:"total_tasks"`
	CompletedTasks int                        `json:"completed_tasks"`
	FailedTasks    int                        `json:"failed_tasks"`
	SkippedTasks   int                        `json:"skipped_tasks"`
	CreatedAt      time.Time                  `json:"created_at"`
	StartedAt      *time.Time                 `json:"started_at,omitempty"`
	EndedAt        *time.Time                 `json:"ended_at,omitempty"`
	Tasks          []orchestrationTaskSummary `json:"tasks"`
}

func summarizeTasks(tasks []*task.Task) []orchestrationTaskSummary {
	summaries := make([]orchestrationTaskSummary, 0, len(tasks))
	for _, t := range tasks {
		identifier := ""
		if t.Identifier != nil {
			identifier = *t.Identifier
		}
		delay := 0.0
		if t.InitialDelay != nil {
			delay = *t.InitialDelay
		}
		summaries = append(summaries, orchestrationTaskSummary{
			Identifier:   identifier,
			TaskID:       t.ID,
			Status:       t.Status,
			DependsOn:    t.DependsOn,
			InitialDelay: delay,
		})
	}
	return summaries
}

func newOrchestrationRead(o *task.Orchestration, tasks []*task.Task) orchestrationRead {
	return orchestrationRead{
		ID:             o.ID,
		Status:         o.Status,
		TotalTasks:     o.TotalTasks,
		CompletedTasks: o.CompletedTasks,
		FailedTasks:    o.FailedTasks,
		SkippedTasks:   o.SkippedTasks,
		CreatedAt:      o.CreatedAt,
		StartedAt:      o.StartedAt,
		EndedAt:        o.EndedAt,
		Tasks:          summarizeTasks(tasks),
	}
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type clearResponse struct {
	Deleted int    `json:"deleted"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	StoreOK       bool               `json:"store_ok"`
	Subscribers   int                `json:"subscribers"`
	CircuitBreaker []breakerSnapshot `json:"circuit_breaker,omitempty"`
}

type breakerSnapshot struct {
	Key                 string `json:"key"`
	Tripped             bool   `json:"tripped"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

type errorResponse struct {
	Error string `json:"error"`
}
