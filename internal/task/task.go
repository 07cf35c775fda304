// Package task defines the domain types shared by the store, executor,
// orchestrator, and API layers: Task and Orchestration aggregates, their
// status enumerations, and the invariants that bind them together.
package task

import "time"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusWaiting   Status = "WAITING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Terminal reports whether s is one from which a Task never transitions
// further (I1).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Model selects which worker backend model executes a Task.
type Model string

const (
	ModelHaiku  Model = "haiku"
	ModelSonnet Model = "sonnet"
	ModelOpus   Model = "opus"
)

// ValidModel reports whether m is one of the enumerated models.
func ValidModel(m Model) bool {
	switch m {
	case ModelHaiku, ModelSonnet, ModelOpus:
		return true
	default:
		return false
	}
}

// DefaultModel is used when a caller omits the model field.
const DefaultModel = ModelSonnet

// Task is a single unit of AI-assistant work and its supervised lifecycle.
type Task struct {
	ID                int64
	Status            Status
	WorkingDirectory  string
	SystemPrompt      string
	ExecutionPrompt   string
	Model             Model
	LogFilePath       string
	LastActionCache   string
	FinalSummary      string
	ErrorMessage      string
	CreatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	PID               *int

	// Orchestration fields, nil unless Task belongs to a DAG.
	OrchestrationID    *int64
	Identifier         *string
	DependsOn          []string
	InitialDelay       *float64
	DependencyFailedAt *time.Time
}

// IsOrchestrated reports whether the Task belongs to an Orchestration.
func (t *Task) IsOrchestrated() bool {
	return t.OrchestrationID != nil
}

// OrchestrationStatus is the lifecycle state of an Orchestration.
type OrchestrationStatus string

const (
	OrchestrationPending   OrchestrationStatus = "PENDING"
	OrchestrationRunning   OrchestrationStatus = "RUNNING"
	OrchestrationCompleted OrchestrationStatus = "COMPLETED"
	OrchestrationFailed    OrchestrationStatus = "FAILED"
	OrchestrationCancelled OrchestrationStatus = "CANCELLED"
)

// Terminal reports whether s is a terminal Orchestration state.
func (s OrchestrationStatus) Terminal() bool {
	switch s {
	case OrchestrationCompleted, OrchestrationFailed, OrchestrationCancelled:
		return true
	default:
		return false
	}
}

// Orchestration is a DAG of Tasks executed together.
type Orchestration struct {
	ID             int64
	Status         OrchestrationStatus
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	SkippedTasks   int
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// Done reports whether every task accounted for in the counters has reached
// a terminal state (I4).
func (o *Orchestration) Done() bool {
	return o.CompletedTasks+o.FailedTasks+o.SkippedTasks >= o.TotalTasks
}
