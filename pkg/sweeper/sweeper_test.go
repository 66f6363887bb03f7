package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodeflow/wfengine/pkg/fsm"
	"github.com/kodeflow/wfengine/pkg/queue"
	"github.com/kodeflow/wfengine/pkg/store"
)

type stubStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*store.WorkflowExecution
	stuck []*store.WorkflowExecution
}

func (s *stubStore) CreateWorkflow(ctx context.Context, w *store.Workflow) error { return nil }
func (s *stubStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	return nil, nil
}
func (s *stubStore) GetWorkflowByNameVersion(ctx context.Context, name string, version int) (*store.Workflow, error) {
	return nil, nil
}
func (s *stubStore) ListWorkflows(ctx context.Context) ([]*store.Workflow, error) { return nil, nil }
func (s *stubStore) ActivateWorkflow(ctx context.Context, id uuid.UUID) error     { return nil }
func (s *stubStore) AddStep(ctx context.Context, st *store.WorkflowStep) error    { return nil }
func (s *stubStore) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]*store.WorkflowStep, error) {
	return nil, nil
}
func (s *stubStore) CreateExecution(ctx context.Context, e *store.WorkflowExecution) error {
	return nil
}
func (s *stubStore) GetExecutionByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*store.WorkflowExecution, error) {
	return nil, nil
}
func (s *stubStore) GetExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[id], nil
}
func (s *stubStore) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, from []store.ExecutionStatus, fields store.ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return store.ErrNotFound
	}
	match := false
	for _, f := range from {
		if e.Status == f {
			match = true
		}
	}
	if !match {
		return store.ErrConflict
	}
	e.Status = fields.Status
	if fields.RetryCount != nil {
		e.RetryCount = *fields.RetryCount
	}
	return nil
}
func (s *stubStore) ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*store.WorkflowExecution, error) {
	return s.stuck, nil
}
func (s *stubStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*store.WorkflowExecution, error) {
	return nil, nil
}
func (s *stubStore) CreateStepExecution(ctx context.Context, se *store.StepExecution) error {
	return nil
}
func (s *stubStore) CountStepAttempts(ctx context.Context, executionID uuid.UUID, stepOrder int) (int, error) {
	return 0, nil
}
func (s *stubStore) UpdateStepExecutionStatus(ctx context.Context, id uuid.UUID, from []store.StepStatus, fields store.StepExecutionUpdate) error {
	return nil
}
func (s *stubStore) AppendLog(ctx context.Context, l *store.ExecutionLog) error { return nil }
func (s *stubStore) ListLogs(ctx context.Context, executionID uuid.UUID, levelFilter *store.LogLevel) ([]*store.ExecutionLog, error) {
	return nil, nil
}
func (s *stubStore) Close() error { return nil }

type stubQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *stubQueue) Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt *time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, executionID)
	return nil
}
func (q *stubQueue) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*queue.Message, error) {
	return nil, queue.ErrEmpty
}
func (q *stubQueue) Ack(ctx context.Context, leaseToken uuid.UUID) error { return nil }
func (q *stubQueue) Extend(ctx context.Context, leaseToken uuid.UUID, extra time.Duration) error {
	return nil
}

func TestSweepReclaimsStuckExecutionWithBudget(t *testing.T) {
	id := uuid.New()
	exec := &store.WorkflowExecution{ID: id, Status: store.ExecutionStatus(fsm.ExecutionRunning), RetryCount: 0, MaxRetries: 2}
	st := &stubStore{execs: map[uuid.UUID]*store.WorkflowExecution{id: exec}, stuck: []*store.WorkflowExecution{exec}}
	q := &stubQueue{}

	sw := New(st, q, Config{StuckThreshold: time.Minute})
	sw.Sweep(context.Background())

	assert.Equal(t, store.ExecutionStatus(fsm.ExecutionRetrying), exec.Status)
	assert.Equal(t, 1, exec.RetryCount)
	require.Len(t, q.enqueued, 1)
}

func TestSweepFailsExecutionWithNoBudgetRemaining(t *testing.T) {
	id := uuid.New()
	exec := &store.WorkflowExecution{ID: id, Status: store.ExecutionStatus(fsm.ExecutionRunning), RetryCount: 2, MaxRetries: 2}
	st := &stubStore{execs: map[uuid.UUID]*store.WorkflowExecution{id: exec}, stuck: []*store.WorkflowExecution{exec}}
	q := &stubQueue{}

	sw := New(st, q, Config{StuckThreshold: time.Minute})
	sw.Sweep(context.Background())

	assert.Equal(t, store.ExecutionStatus(fsm.ExecutionFailed), exec.Status)
	assert.Empty(t, q.enqueued)
}
