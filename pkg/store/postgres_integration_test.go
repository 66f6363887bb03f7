package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kodeflow/wfengine/internal/testutil"
	"github.com/kodeflow/wfengine/pkg/fsm"
	"github.com/kodeflow/wfengine/pkg/queue"
	"github.com/kodeflow/wfengine/pkg/store"
)

// setupPostgres starts a real Postgres container and applies the engine's
// own embedded migrations, mirroring the teacher's
// durable_execution_integration_test.go container setup.
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Ping())

	testutil.ApplyMigrations(t, db)
	return db
}

func TestPostgresStoreWorkflowLifecycle(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	st := store.NewPostgresStore(db)

	wf := &store.Workflow{Name: "greet", Version: 1, Status: store.WorkflowDraft}
	require.NoError(t, st.CreateWorkflow(ctx, wf))

	step := &store.WorkflowStep{
		WorkflowID:     wf.ID,
		StepOrder:      0,
		Name:           "say-hi",
		TaskType:       "log",
		Config:         map[string]any{"message": "hi"},
		TimeoutSeconds: 5,
		MaxRetries:     2,
	}
	require.NoError(t, st.AddStep(ctx, step))

	steps, err := st.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	require.NoError(t, st.ActivateWorkflow(ctx, wf.ID))
	got, err := st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkflowActive, got.Status)
}

func TestPostgresStoreTriggerIdempotency(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	st := store.NewPostgresStore(db)

	wf := &store.Workflow{Name: "idempotent", Version: 1, Status: store.WorkflowActive}
	require.NoError(t, st.CreateWorkflow(ctx, wf))

	exec1 := &store.WorkflowExecution{WorkflowID: wf.ID, IdempotencyKey: "key-1", Status: store.ExecutionStatus(fsm.ExecutionPending)}
	require.NoError(t, st.CreateExecution(ctx, exec1))

	exec2 := &store.WorkflowExecution{WorkflowID: wf.ID, IdempotencyKey: "key-1", Status: store.ExecutionStatus(fsm.ExecutionPending)}
	err := st.CreateExecution(ctx, exec2)
	require.ErrorIs(t, err, store.ErrConflict)

	found, err := st.GetExecutionByIdempotencyKey(ctx, wf.ID, "key-1")
	require.NoError(t, err)
	require.Equal(t, exec1.ID, found.ID)
}

func TestPostgresQueueEnqueueDequeueAck(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	st := store.NewPostgresStore(db)
	q := queue.NewPostgresQueue(db)

	wf := &store.Workflow{Name: "queued", Version: 1, Status: store.WorkflowActive}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	exec := &store.WorkflowExecution{WorkflowID: wf.ID, IdempotencyKey: "q-1", Status: store.ExecutionStatus(fsm.ExecutionPending)}
	require.NoError(t, st.CreateExecution(ctx, exec))

	require.NoError(t, q.Enqueue(ctx, exec.ID, nil))

	msg, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, exec.ID, msg.ExecutionID)

	_, err = q.Dequeue(ctx, 30*time.Second)
	require.ErrorIs(t, err, queue.ErrEmpty)

	require.NoError(t, q.Ack(ctx, msg.LeaseToken))
}

func TestPostgresStoreUpdateExecutionStatusIsGuarded(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	st := store.NewPostgresStore(db)

	wf := &store.Workflow{Name: "guarded", Version: 1, Status: store.WorkflowActive}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	exec := &store.WorkflowExecution{WorkflowID: wf.ID, IdempotencyKey: uuid.NewString(), Status: store.ExecutionStatus(fsm.ExecutionPending)}
	require.NoError(t, st.CreateExecution(ctx, exec))

	err := st.UpdateExecutionStatus(ctx, exec.ID,
		[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionRunning)},
		store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionCompleted)})
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, st.UpdateExecutionStatus(ctx, exec.ID,
		[]store.ExecutionStatus{store.ExecutionStatus(fsm.ExecutionPending)},
		store.ExecutionUpdate{Status: store.ExecutionStatus(fsm.ExecutionRunning)}))

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatus(fsm.ExecutionRunning), got.Status)
}
