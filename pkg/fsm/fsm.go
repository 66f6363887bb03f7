// Package fsm validates the state transitions for workflow executions and
// step executions. It holds no I/O: callers persist the transition
// themselves, guarded by a status predicate derived from these tables.
package fsm

import "fmt"

// ExecutionStatus is a Workflow Execution's lifecycle state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionRetrying  ExecutionStatus = "retrying"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepStatus is a Step Execution's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ErrInvalidTransition is returned when a proposed transition is not in the
// allowed set for its state machine. The caller re-reads current state and
// decides, per §5's optimistic-concurrency policy.
type ErrInvalidTransition struct {
	From any
	To   any
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %v -> %v", e.From, e.To)
}

var executionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionPending: {
		ExecutionRunning:   true,
		ExecutionCancelled: true,
	},
	ExecutionRunning: {
		ExecutionCompleted: true,
		ExecutionFailed:    true,
		ExecutionRetrying:  true,
		ExecutionCancelled: true,
	},
	ExecutionFailed: {
		ExecutionRetrying:  true,
		ExecutionCancelled: true,
	},
	ExecutionRetrying: {
		ExecutionRunning:   true,
		ExecutionCancelled: true,
	},
	ExecutionCompleted: {},
	ExecutionCancelled: {},
}

// ValidateExecutionTransition reports whether an execution may move from one
// status to another. failed->retrying is only legal when retries remain;
// callers must check retry_count < max_retries themselves before calling
// this with ExecutionRetrying as the target — the table alone permits it
// unconditionally because retry budget is a row-value concern, not a pure
// state-machine concern.
func ValidateExecutionTransition(from, to ExecutionStatus) error {
	allowed, ok := executionTransitions[from]
	if !ok || !allowed[to] {
		return &ErrInvalidTransition{From: from, To: to}
	}
	return nil
}

// IsExecutionTerminal reports whether status has no further transitions.
func IsExecutionTerminal(status ExecutionStatus) bool {
	allowed, ok := executionTransitions[status]
	return ok && len(allowed) == 0
}

var stepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepRunning: true,
		StepSkipped: true,
	},
	StepRunning: {
		StepCompleted: true,
		StepFailed:    true,
		StepSkipped:   true,
	},
	StepCompleted: {},
	StepFailed:    {},
	StepSkipped:   {},
}

// ValidateStepTransition reports whether a step execution attempt may move
// from one status to another. A retried step is a brand new row at
// attempt_number+1, never a re-transition of a failed row — see
// Orchestrator.
func ValidateStepTransition(from, to StepStatus) error {
	allowed, ok := stepTransitions[from]
	if !ok || !allowed[to] {
		return &ErrInvalidTransition{From: from, To: to}
	}
	return nil
}

// IsStepTerminal reports whether a step-execution status is a final outcome
// for its attempt.
func IsStepTerminal(status StepStatus) bool {
	allowed, ok := stepTransitions[status]
	return ok && len(allowed) == 0
}
