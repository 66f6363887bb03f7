// Package orchestrator drives one execution end-to-end: loads the
// workflow's step list, invokes handlers in order, applies retry policy,
// and checkpoints progress after every step. It is the direct analogue of
// the teacher's DurableExecutionEngine, rewritten for a linear step list
// gated by the fsm package instead of a dependency graph.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kodeflow/wfengine/pkg/fsm"
	"github.com/kodeflow/wfengine/pkg/handler"
	"github.com/kodeflow/wfengine/pkg/queue"
	"github.com/kodeflow/wfengine/pkg/store"
)

// ErrDefinitionCorrupt is returned (and recorded as a terminal failure)
// when a workflow's steps do not form a dense zero-based step_order
// sequence — this should be impossible if the Execution Service enforces
// its invariants at write time, but the orchestrator checks defensively
// before driving execution.
var ErrDefinitionCorrupt = errors.New("orchestrator: workflow step_order sequence is not a dense 0-based prefix")

// Orchestrator drives executions to a settled state.
type Orchestrator struct {
	Store       store.Store
	Queue       queue.Queue
	Handlers    *handler.Registry
	StepBackoff BackoffConfig
	ExecBackoff BackoffConfig
}

// New constructs an Orchestrator with the spec's default backoff
// configuration; callers can override StepBackoff/ExecBackoff afterward.
func New(st store.Store, q queue.Queue, handlers *handler.Registry) *Orchestrator {
	return &Orchestrator{
		Store:       st,
		Queue:       q,
		Handlers:    handlers,
		StepBackoff: DefaultStepBackoff(),
		ExecBackoff: DefaultExecutionBackoff(),
	}
}

// Run drives execution id to completed, failed, retrying or cancelled.
// Preconditions: the row exists and is pending or retrying. Postcondition:
// the row's status is one of those four terminal-for-this-call states.
func (o *Orchestrator) Run(ctx context.Context, executionID uuid.UUID) error {
	exec, err := o.Store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := o.Store.UpdateExecutionStatus(ctx, executionID,
		[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionPending), store.ExecutionStatus(fsm.ExecutionRetrying)},
		store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionRunning), StartedAt: startedAtIfNil(exec, now)},
	); err != nil {
		return err
	}
	o.logInfo(ctx, executionID, nil, "execution started")

	steps, err := o.Store.ListSteps(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	if !isDensePrefix(steps) {
		o.failTerminal(ctx, exec, "workflow definition is corrupt: step_order is not a dense 0-based sequence")
		return ErrDefinitionCorrupt
	}

	data := exec.InputData
	if exec.OutputData != nil {
		data = exec.OutputData
	}

	for i := exec.CurrentStepOrder; i < len(steps); i++ {
		step := steps[i]

		cur, err := o.Store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if cur.Status == store.ExecutionStatus(fsm.ExecutionCancelled) {
			o.logInfo(ctx, executionID, nil, "cancellation observed at step boundary")
			return nil
		}

		if _, err := o.Handlers.Resolve(step.TaskType); err != nil {
			o.logError(ctx, executionID, nil, fmt.Sprintf("no handler for task_type %q", step.TaskType))
			o.failTerminal(ctx, exec, fmt.Sprintf("handler missing for task_type %q", step.TaskType))
			return err
		}

		output, outcome := o.runStepWithRetries(ctx, exec, step, data)
		switch outcome {
		case outcomeSuccess:
			nextOrder := i + 1
			if err := o.Store.UpdateExecutionStatus(ctx, executionID,
				[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionRunning)},
				store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionRunning), CurrentStepOrder: &nextOrder, OutputData: output},
			); err != nil {
				// A cancel that lands while the step is in flight makes the
				// guarded checkpoint miss; the step's output is discarded.
				if cur, gerr := o.Store.GetExecution(ctx, executionID); gerr == nil && cur.Status == store.ExecutionStatus(fsm.ExecutionCancelled) {
					o.logInfo(ctx, executionID, nil, "cancellation observed after step; its output is discarded")
					return nil
				}
				return err
			}
			data = output
		case outcomeCancelled:
			return nil
		case outcomeFailed:
			return o.settleExecutionFailure(ctx, exec, fmt.Sprintf("step %d (%s) failed", step.StepOrder, step.TaskType))
		}
	}

	completedAt := time.Now()
	if err := o.Store.UpdateExecutionStatus(ctx, executionID,
		[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionRunning)},
		store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionCompleted), OutputData: data, CompletedAt: &completedAt},
	); err != nil {
		return err
	}
	o.logInfo(ctx, executionID, nil, "execution completed")
	return nil
}

type stepOutcome int

const (
	outcomeSuccess stepOutcome = iota
	outcomeFailed
	outcomeCancelled
)

// runStepWithRetries executes one step_order's attempts until success,
// exhaustion of its retry budget, or cancellation, per §4.2 steps 4c-4e.
func (o *Orchestrator) runStepWithRetries(ctx context.Context, exec *store.WorkflowExecution, step *store.WorkflowStep, input map[string]any) (map[string]any, stepOutcome) {
	for {
		cur, err := o.Store.GetExecution(ctx, exec.ID)
		if err == nil && cur.Status == store.ExecutionStatus(fsm.ExecutionCancelled) {
			return nil, outcomeCancelled
		}

		priorAttempts, err := o.Store.CountStepAttempts(ctx, exec.ID, step.StepOrder)
		if err != nil {
			return nil, outcomeFailed
		}
		attempt := priorAttempts + 1

		se := &store.StepExecution{
			ExecutionID:   exec.ID,
			StepID:        step.ID,
			StepOrder:     step.StepOrder,
			AttemptNumber: attempt,
			Status:        store.StepStatus(fsm.StepPending),
			Input:         input,
		}
		if err := o.Store.CreateStepExecution(ctx, se); err != nil {
			return nil, outcomeFailed
		}

		startedAt := time.Now()
		_ = o.Store.UpdateStepExecutionStatus(ctx, se.ID,
			[]store.StepStatus{store.StepStatus(fsm.StepPending)},
			store.StepExecutionUpdate{Status: store.StepStatus(fsm.StepRunning), StartedAt: &startedAt})

		h, resolveErr := o.Handlers.Resolve(step.TaskType)
		if resolveErr != nil {
			o.finishStep(ctx, se.ID, false, nil, resolveErr.Error(), nil)
			return nil, outcomeFailed
		}

		timeout := time.Duration(step.TimeoutSeconds) * time.Second
		logCtx := handler.WithLogger(ctx, func(level, message string, details map[string]any) {
			o.appendLog(ctx, exec.ID, &se.ID, level, message, details)
		})
		output, err := handler.RunWithTimeout(logCtx, h, step.Config, input, timeout)

		if err == nil {
			o.finishStep(ctx, se.ID, true, output, "", nil)
			return output, outcomeSuccess
		}

		var fatal *handler.FatalError
		if errors.As(err, &fatal) {
			o.finishStep(ctx, se.ID, false, nil, fatal.Message, fatal.Details)
			o.logError(ctx, exec.ID, &se.ID, "fatal handler error: "+fatal.Message)
			return nil, outcomeFailed
		}

		// Retryable (or unrecognized, treated as retryable per the timeout
		// rule in §7) — consume a step-level attempt.
		var details map[string]any
		message := err.Error()
		var retryable *handler.RetryableError
		if errors.As(err, &retryable) {
			details = retryable.Details
		}
		o.finishStep(ctx, se.ID, false, nil, message, details)
		o.logWarn(ctx, exec.ID, &se.ID, "retryable handler error: "+message)

		if attempt > step.MaxRetries {
			return nil, outcomeFailed
		}
		time.Sleep(o.StepBackoff.Delay(attempt))
	}
}

func (o *Orchestrator) finishStep(ctx context.Context, id uuid.UUID, success bool, output map[string]any, errMsg string, details map[string]any) {
	completedAt := time.Now()
	status := store.StepStatus(fsm.StepFailed)
	update := store.StepExecutionUpdate{CompletedAt: &completedAt}
	if success {
		status = store.StepStatus(fsm.StepCompleted)
		update.Output = output
	} else {
		update.ErrorMessage = &errMsg
		update.ErrorDetails = details
	}
	update.Status = status
	_ = o.Store.UpdateStepExecutionStatus(ctx, id, []store.StepStatus{store.StepStatus(fsm.StepRunning)}, update)
}

// settleExecutionFailure implements §4.2 step 5: retry the execution if
// budget remains, otherwise terminal failure.
func (o *Orchestrator) settleExecutionFailure(ctx context.Context, exec *store.WorkflowExecution, reason string) error {
	cur, err := o.Store.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	if cur.RetryCount < cur.MaxRetries {
		nextRetry := cur.RetryCount + 1
		scheduledAt := time.Now().Add(o.ExecBackoff.Delay(nextRetry))
		if err := o.Store.UpdateExecutionStatus(ctx, exec.ID,
			[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionRunning)},
			store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionRetrying), RetryCount: &nextRetry, ScheduledAt: &scheduledAt, ErrorMessage: &reason},
		); err != nil {
			return err
		}
		o.logWarn(ctx, exec.ID, nil, "execution will retry: "+reason)
		if o.Queue != nil {
			return o.Queue.Enqueue(ctx, exec.ID, &scheduledAt)
		}
		return nil
	}

	o.failTerminal(ctx, cur, reason)
	return nil
}

func (o *Orchestrator) failTerminal(ctx context.Context, exec *store.WorkflowExecution, reason string) {
	completedAt := time.Now()
	_ = o.Store.UpdateExecutionStatus(ctx, exec.ID,
		[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionRunning), store.ExecutionStatus(fsm.ExecutionRetrying)},
		store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionFailed), ErrorMessage: &reason, CompletedAt: &completedAt},
	)
	o.logError(ctx, exec.ID, nil, reason)
}

func (o *Orchestrator) appendLog(ctx context.Context, executionID uuid.UUID, stepExecID *uuid.UUID, level, message string, details map[string]any) {
	lvl := store.LogLevel(level)
	if err := o.Store.AppendLog(ctx, &store.ExecutionLog{
		ExecutionID: executionID,
		StepExecID:  stepExecID,
		Level:       lvl,
		Message:     message,
		Details:     details,
	}); err != nil {
		log.Printf("orchestrator: failed to append log: %v", err)
	}
}

func (o *Orchestrator) logInfo(ctx context.Context, executionID uuid.UUID, stepExecID *uuid.UUID, message string) {
	o.appendLog(ctx, executionID, stepExecID, string(store.LogInfo), message, nil)
}

func (o *Orchestrator) logWarn(ctx context.Context, executionID uuid.UUID, stepExecID *uuid.UUID, message string) {
	o.appendLog(ctx, executionID, stepExecID, string(store.LogWarning), message, nil)
}

func (o *Orchestrator) logError(ctx context.Context, executionID uuid.UUID, stepExecID *uuid.UUID, message string) {
	o.appendLog(ctx, executionID, stepExecID, string(store.LogError), message, nil)
}

func isDensePrefix(steps []*store.WorkflowStep) bool {
	for i, s := range steps {
		if s.StepOrder != i {
			return false
		}
	}
	return true
}

func startedAtIfNil(exec *store.WorkflowExecution, now time.Time) *time.Time {
	if exec.StartedAt != nil {
		return exec.StartedAt
	}
	return &now
}
