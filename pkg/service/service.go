// Package service implements the Execution Service: the narrow boundary
// through which clients trigger, inspect, cancel and retry executions, and
// manage workflow definitions. It checks draft-only mutation, dense
// step_order and active-only triggering (§3) before anything reaches the
// store; (name, version) and idempotency-key uniqueness are left to the
// store's own unique constraints, surfaced as store.ErrConflict. Store-layer
// sentinels are translated into the engine's error taxonomy (§7).
package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kodeflow/wfengine/pkg/fsm"
	"github.com/kodeflow/wfengine/pkg/queue"
	"github.com/kodeflow/wfengine/pkg/store"
)

// Sentinel errors forming the engine's exported error taxonomy (§7).
var (
	ErrWorkflowNotActive = errors.New("service: workflow is not active")
	ErrNotDraft          = errors.New("service: workflow is not in draft status")
	ErrStepOrderGap      = errors.New("service: step_order must be dense and zero-based")
	ErrInvalidRetry      = errors.New("service: execution is not in a retryable state")
)

// Service is the Execution Service.
type Service struct {
	Store store.Store
	Queue queue.Queue
}

func New(st store.Store, q queue.Queue) *Service {
	return &Service{Store: st, Queue: q}
}

// CreateWorkflow creates a new draft workflow. (name, version) must be
// unique; the store enforces this with a unique-violation translated to
// store.ErrConflict.
func (s *Service) CreateWorkflow(ctx context.Context, name string, version int, metadata map[string]any) (*store.Workflow, error) {
	w := &store.Workflow{Name: name, Version: version, Status: store.WorkflowDraft, Metadata: metadata}
	if err := s.Store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// AddStep appends a step to a draft workflow at the next dense step_order.
// Mutating a non-draft workflow is rejected.
func (s *Service) AddStep(ctx context.Context, workflowID uuid.UUID, name, taskType string, config map[string]any, timeoutSeconds, maxRetries int) (*store.WorkflowStep, error) {
	wf, err := s.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != store.WorkflowDraft {
		return nil, ErrNotDraft
	}

	existing, err := s.Store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	nextOrder := len(existing)
	for i, st := range existing {
		if st.StepOrder != i {
			return nil, ErrStepOrderGap
		}
	}

	step := &store.WorkflowStep{
		WorkflowID:     workflowID,
		Name:           name,
		TaskType:       taskType,
		StepOrder:      nextOrder,
		Config:         config,
		TimeoutSeconds: timeoutSeconds,
		MaxRetries:     maxRetries,
	}
	if err := s.Store.AddStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// Activate transitions a draft workflow to active, making it eligible to
// be triggered.
func (s *Service) Activate(ctx context.Context, workflowID uuid.UUID) error {
	return s.Store.ActivateWorkflow(ctx, workflowID)
}

// ListWorkflows returns all known workflow definitions.
func (s *Service) ListWorkflows(ctx context.Context) ([]*store.Workflow, error) {
	return s.Store.ListWorkflows(ctx)
}

// Trigger creates (or returns the existing) execution for workflowID keyed
// by idempotencyKey (§8 Invariant 1): concurrent identical-key triggers
// against the same workflow settle on exactly one execution row. Only
// active workflows may be triggered.
func (s *Service) Trigger(ctx context.Context, workflowID uuid.UUID, idempotencyKey string, inputData map[string]any, maxRetries int) (*store.WorkflowExecution, error) {
	wf, err := s.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != store.WorkflowActive {
		return nil, ErrWorkflowNotActive
	}

	exec := &store.WorkflowExecution{
		WorkflowID:     workflowID,
		IdempotencyKey: idempotencyKey,
		Status:         store.ExecutionStatus(fsm.ExecutionPending),
		InputData:      inputData,
		MaxRetries:     maxRetries,
	}
	err = s.Store.CreateExecution(ctx, exec)
	if err == nil {
		if s.Queue != nil {
			if qerr := s.Queue.Enqueue(ctx, exec.ID, nil); qerr != nil {
				return nil, qerr
			}
		}
		return exec, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, err
	}

	// Lost the idempotency race: someone else inserted first. Re-read and
	// return their row rather than erroring, since the contract is "trigger
	// settles on exactly one execution", not "trigger is exclusive".
	return s.Store.GetExecutionByIdempotencyKey(ctx, workflowID, idempotencyKey)
}

// Get returns one execution's current state.
func (s *Service) Get(ctx context.Context, executionID uuid.UUID) (*store.WorkflowExecution, error) {
	return s.Store.GetExecution(ctx, executionID)
}

// Cancel requests cancellation of an in-flight execution. Valid from
// pending, running or retrying; the orchestrator observes the cancelled
// status at its next step boundary (§8 Invariant 8).
func (s *Service) Cancel(ctx context.Context, executionID uuid.UUID) error {
	from := []store.ExecutionStatus{
		store.ExecutionStatus(fsm.ExecutionPending),
		store.ExecutionStatus(fsm.ExecutionRunning),
		store.ExecutionStatus(fsm.ExecutionRetrying),
	}
	return s.Store.UpdateExecutionStatus(ctx, executionID, from, store.ExecutionUpdate{
		Status: store.ExecutionStatus(fsm.ExecutionCancelled),
	})
}

// Retry re-admits a failed execution for another pass. Valid only from
// failed. Per the engine's resolution of the spec's open question on retry
// semantics, this does NOT reset retry_count: the operator-triggered retry
// counts against the same budget as automatic retries, so a workflow that
// keeps failing cannot be retried forever by hand.
func (s *Service) Retry(ctx context.Context, executionID uuid.UUID) error {
	exec, err := s.Store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.ExecutionStatus(fsm.ExecutionFailed) {
		return ErrInvalidRetry
	}
	if err := fsm.ValidateExecutionTransition(fsm.ExecutionFailed, fsm.ExecutionRetrying); err != nil {
		return ErrInvalidRetry
	}
	if exec.RetryCount >= exec.MaxRetries {
		return ErrInvalidRetry
	}

	nextRetry := exec.RetryCount + 1
	if err := s.Store.UpdateExecutionStatus(ctx, executionID,
		[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionFailed)},
		store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionRetrying), RetryCount: &nextRetry},
	); err != nil {
		return err
	}
	if s.Queue != nil {
		return s.Queue.Enqueue(ctx, executionID, nil)
	}
	return nil
}

// ListLogs returns an execution's audit trail, optionally filtered by
// level, ordered by timestamp then id (§8 Invariant 6).
func (s *Service) ListLogs(ctx context.Context, executionID uuid.UUID, levelFilter *store.LogLevel) ([]*store.ExecutionLog, error) {
	return s.Store.ListLogs(ctx, executionID, levelFilter)
}
