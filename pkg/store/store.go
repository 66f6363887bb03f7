// Package store defines the durable persistence contract for workflows,
// steps, executions, step executions and logs, and a Postgres-backed
// implementation of it. The Orchestrator and Execution Service depend on
// the Store interface, never on *sql.DB directly, so both can be exercised
// against fakes in unit tests and against a real database in integration
// tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors translated at the service boundary per the engine's
// error taxonomy.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// WorkflowStatus is a Workflow's lifecycle status.
type WorkflowStatus string

const (
	WorkflowDraft      WorkflowStatus = "draft"
	WorkflowActive     WorkflowStatus = "active"
	WorkflowDeprecated WorkflowStatus = "deprecated"
	WorkflowArchived   WorkflowStatus = "archived"
)

// Workflow is a versioned, named definition template.
type Workflow struct {
	ID        uuid.UUID
	Name      string
	Version   int
	Status    WorkflowStatus
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowStep is one task in a workflow, ordered by StepOrder.
type WorkflowStep struct {
	ID             uuid.UUID
	WorkflowID     uuid.UUID
	Name           string
	TaskType       string
	StepOrder      int
	Config         map[string]any
	TimeoutSeconds int
	MaxRetries     int
}

// ExecutionStatus mirrors fsm.ExecutionStatus as a store-layer string type
// to avoid store depending on fsm for its struct fields.
type ExecutionStatus string

// WorkflowExecution is one durable attempt to run a workflow against an
// input, keyed by a client-chosen idempotency key.
type WorkflowExecution struct {
	ID               uuid.UUID
	WorkflowID       uuid.UUID
	IdempotencyKey   string
	Status           ExecutionStatus
	CurrentStepOrder int
	RetryCount       int
	MaxRetries       int
	InputData        map[string]any
	OutputData       map[string]any
	ErrorMessage     string
	ScheduledAt      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StepStatus mirrors fsm.StepStatus, see ExecutionStatus.
type StepStatus string

// StepExecution is one attempt of one step within one execution.
type StepExecution struct {
	ID            uuid.UUID
	ExecutionID   uuid.UUID
	StepID        uuid.UUID
	StepOrder     int
	AttemptNumber int
	Status        StepStatus
	Input         map[string]any
	Output        map[string]any
	ErrorMessage  string
	ErrorDetails  map[string]any
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// LogLevel is an Execution Log entry's severity.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// ExecutionLog is an append-only audit record.
type ExecutionLog struct {
	ID            int64
	ExecutionID   uuid.UUID
	StepExecID    *uuid.UUID
	Level         LogLevel
	Message       string
	Details       map[string]any
	Timestamp     time.Time
}

// Store is the narrow persistence contract the Orchestrator and Execution
// Service depend on.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)
	GetWorkflowByNameVersion(ctx context.Context, name string, version int) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	ActivateWorkflow(ctx context.Context, id uuid.UUID) error

	// Steps
	AddStep(ctx context.Context, s *WorkflowStep) error
	ListSteps(ctx context.Context, workflowID uuid.UUID) ([]*WorkflowStep, error)

	// Executions
	CreateExecution(ctx context.Context, e *WorkflowExecution) error
	GetExecutionByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*WorkflowExecution, error)
	GetExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error)
	// UpdateExecutionStatus performs a guarded single-statement transition:
	// UPDATE ... WHERE id = ? AND status IN (fromAny...). A zero-row result
	// surfaces as fsm.ErrInvalidTransition-equivalent ErrConflict to the
	// caller, who re-reads and decides.
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, from []ExecutionStatus, fields ExecutionUpdate) error
	ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*WorkflowExecution, error)
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*WorkflowExecution, error)

	// Step executions
	CreateStepExecution(ctx context.Context, se *StepExecution) error
	CountStepAttempts(ctx context.Context, executionID uuid.UUID, stepOrder int) (int, error)
	UpdateStepExecutionStatus(ctx context.Context, id uuid.UUID, from []StepStatus, fields StepExecutionUpdate) error

	// Logs
	AppendLog(ctx context.Context, l *ExecutionLog) error
	ListLogs(ctx context.Context, executionID uuid.UUID, levelFilter *LogLevel) ([]*ExecutionLog, error)

	Close() error
}

// ExecutionUpdate carries the field values written alongside a guarded
// execution status transition. Nil pointers are left untouched.
type ExecutionUpdate struct {
	Status           ExecutionStatus
	CurrentStepOrder *int
	RetryCount       *int
	OutputData       map[string]any
	ErrorMessage     *string
	ScheduledAt      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// StepExecutionUpdate carries the field values written alongside a guarded
// step-execution status transition.
type StepExecutionUpdate struct {
	Status       StepStatus
	Output       map[string]any
	ErrorMessage *string
	ErrorDetails map[string]any
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
