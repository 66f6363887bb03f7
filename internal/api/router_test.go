package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodeflow/wfengine/pkg/api"
	"github.com/kodeflow/wfengine/pkg/handler"
	"github.com/kodeflow/wfengine/pkg/orchestrator"
	"github.com/kodeflow/wfengine/pkg/queue"
	"github.com/kodeflow/wfengine/pkg/service"
	"github.com/kodeflow/wfengine/pkg/store"
)

// memStore is a minimal in-memory store.Store double scoped to exercising
// the router's handlers end to end, in the same spirit as
// pkg/service's fakeStore.
type memStore struct {
	mu         sync.Mutex
	workflows  map[uuid.UUID]*store.Workflow
	steps      map[uuid.UUID][]*store.WorkflowStep
	executions map[uuid.UUID]*store.WorkflowExecution
}

func newMemStore() *memStore {
	return &memStore{
		workflows:  map[uuid.UUID]*store.Workflow{},
		steps:      map[uuid.UUID][]*store.WorkflowStep{},
		executions: map[uuid.UUID]*store.WorkflowExecution{},
	}
}

func (s *memStore) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	s.workflows[w.ID] = w
	return nil
}
func (s *memStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}
func (s *memStore) GetWorkflowByNameVersion(ctx context.Context, name string, version int) (*store.Workflow, error) {
	return nil, store.ErrNotFound
}
func (s *memStore) ListWorkflows(ctx context.Context) ([]*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Workflow
	for _, w := range s.workflows {
		out = append(out, w)
	}
	return out, nil
}
func (s *memStore) ActivateWorkflow(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = store.WorkflowActive
	return nil
}
func (s *memStore) AddStep(ctx context.Context, st *store.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	s.steps[st.WorkflowID] = append(s.steps[st.WorkflowID], st)
	return nil
}
func (s *memStore) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]*store.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[workflowID], nil
}
func (s *memStore) CreateExecution(ctx context.Context, e *store.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.executions[e.ID] = e
	return nil
}
func (s *memStore) GetExecutionByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*store.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.WorkflowID == workflowID && e.IdempotencyKey == key {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}
func (s *memStore) GetExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}
func (s *memStore) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, from []store.ExecutionStatus, fields store.ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = fields.Status
	return nil
}
func (s *memStore) ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*store.WorkflowExecution, error) {
	return nil, nil
}
func (s *memStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*store.WorkflowExecution, error) {
	return nil, nil
}
func (s *memStore) CreateStepExecution(ctx context.Context, se *store.StepExecution) error { return nil }
func (s *memStore) CountStepAttempts(ctx context.Context, executionID uuid.UUID, stepOrder int) (int, error) {
	return 0, nil
}
func (s *memStore) UpdateStepExecutionStatus(ctx context.Context, id uuid.UUID, from []store.StepStatus, fields store.StepExecutionUpdate) error {
	return nil
}
func (s *memStore) AppendLog(ctx context.Context, l *store.ExecutionLog) error { return nil }
func (s *memStore) ListLogs(ctx context.Context, executionID uuid.UUID, levelFilter *store.LogLevel) ([]*store.ExecutionLog, error) {
	return nil, nil
}
func (s *memStore) Close() error { return nil }

type noopQueue struct{}

func (noopQueue) Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt *time.Time) error {
	return nil
}
func (noopQueue) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*queue.Message, error) {
	return nil, nil
}
func (noopQueue) Ack(ctx context.Context, leaseToken uuid.UUID) error { return nil }
func (noopQueue) Extend(ctx context.Context, leaseToken uuid.UUID, extra time.Duration) error {
	return nil
}

func newTestRouter() http.Handler {
	svc := service.New(newMemStore(), noopQueue{})
	reg := handler.NewRegistry()
	reg.Register(describerStub{})
	return NewRouter(svc, reg, nil)
}

// fakeRemoteQueue hands out exactly one message, then reports empty,
// tracking which lease tokens were acked/extended so the /internal tests
// can assert on them without a real Postgres-backed queue.
type fakeRemoteQueue struct {
	mu       sync.Mutex
	pending  *queue.Message
	acked    []uuid.UUID
	extended []uuid.UUID
}

func (q *fakeRemoteQueue) Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt *time.Time) error {
	return nil
}
func (q *fakeRemoteQueue) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return nil, queue.ErrEmpty
	}
	msg := q.pending
	q.pending = nil
	return msg, nil
}
func (q *fakeRemoteQueue) Ack(ctx context.Context, leaseToken uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, leaseToken)
	return nil
}
func (q *fakeRemoteQueue) Extend(ctx context.Context, leaseToken uuid.UUID, extra time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended = append(q.extended, leaseToken)
	return nil
}

func newTestRemoteRouter(t *testing.T, q *fakeRemoteQueue) http.Handler {
	t.Helper()
	st := newMemStore()
	svc := service.New(st, q)
	reg := handler.NewRegistry()
	reg.Register(describerStub{})
	o := orchestrator.New(st, q, reg)
	return NewRouter(svc, reg, &RemoteConfig{
		Queue:        q,
		Orchestrator: o,
		AuthToken:    "secret-token",
	})
}

type describerStub struct{}

func (describerStub) TaskType() string { return "noop" }
func (describerStub) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	return input, nil
}
func (describerStub) Describe() api.NodeType {
	return api.NodeType{Type: "noop", Label: "Noop"}
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndTaskTypes(t *testing.T) {
	r := newTestRouter()

	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/task-types", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var types []api.NodeType
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &types))
	require.Len(t, types, 1)
	assert.Equal(t, "noop", types[0].Type)
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	r := newTestRouter()

	rec := doJSON(t, r, http.MethodPost, "/workflows", map[string]any{"name": "greet", "version": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	var wf store.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))

	rec = doJSON(t, r, http.MethodPost, "/workflows/"+wf.ID.String()+"/steps",
		map[string]any{"name": "say-hi", "task_type": "noop", "timeout_seconds": 5, "max_retries": 0})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/workflows/"+wf.ID.String()+"/activate", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/workflows/"+wf.ID.String()+"/executions",
		map[string]any{"idempotency_key": "req-1", "input_data": map[string]any{"x": 1}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var exec store.WorkflowExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))

	rec = doJSON(t, r, http.MethodGet, "/executions/"+exec.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/executions/"+exec.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTriggerRejectsUnknownWorkflow(t *testing.T) {
	r := newTestRouter()
	rec := doJSON(t, r, http.MethodPost, "/workflows/"+uuid.New().String()+"/executions",
		map[string]any{"idempotency_key": "k"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalSurfaceRequiresBearerToken(t *testing.T) {
	r := newTestRemoteRouter(t, &fakeRemoteQueue{})

	req := httptest.NewRequest(http.MethodPost, "/internal/claim", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/claim", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalClaimRunAckFlow(t *testing.T) {
	st := newMemStore()
	wf := &store.Workflow{Name: "remote", Version: 1, Status: store.WorkflowActive}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	require.NoError(t, st.AddStep(context.Background(), &store.WorkflowStep{
		WorkflowID: wf.ID, StepOrder: 0, Name: "noop-step", TaskType: "noop", TimeoutSeconds: 5,
	}))
	exec := &store.WorkflowExecution{WorkflowID: wf.ID, IdempotencyKey: "remote-1", Status: store.ExecutionStatus("pending")}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	leaseToken := uuid.New()
	q := &fakeRemoteQueue{pending: &queue.Message{ExecutionID: exec.ID, LeaseToken: leaseToken}}
	svc := service.New(st, q)
	reg := handler.NewRegistry()
	reg.Register(describerStub{})
	o := orchestrator.New(st, q, reg)
	r := NewRouter(svc, reg, &RemoteConfig{Queue: q, Orchestrator: o, AuthToken: "secret-token"})

	req := httptest.NewRequest(http.MethodPost, "/internal/claim", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	assert.Equal(t, exec.ID.String(), claimed["execution_id"])

	req = httptest.NewRequest(http.MethodPost, "/internal/claim", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/executions/"+exec.ID.String()+"/run", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var runResult map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runResult))
	assert.Equal(t, true, runResult["ok"])

	req = httptest.NewRequest(http.MethodPost, "/internal/ack",
		bytes.NewReader(mustJSON(t, map[string]string{"lease_token": leaseToken.String()})))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []uuid.UUID{leaseToken}, q.acked)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
