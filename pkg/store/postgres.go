package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kodeflow/wfengine/pkg/fsm"
)

// PostgresStore is the Postgres-backed implementation of Store, grounded in
// the connection and transaction conventions of internal/db.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-connected, already-migrated *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func marshal(v map[string]any) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, _ := json.Marshal(v)
	return b
}

func unmarshal(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Status == "" {
		w.Status = WorkflowDraft
	}
	query := `
		INSERT INTO workflows (id, name, version, status, metadata)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, query, w.ID, w.Name, w.Version, w.Status, marshal(w.Metadata))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	query := `SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows WHERE id = $1`
	return s.scanWorkflow(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetWorkflowByNameVersion(ctx context.Context, name string, version int) (*Workflow, error) {
	query := `SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows WHERE name = $1 AND version = $2`
	return s.scanWorkflow(s.db.QueryRowContext(ctx, query, name, version))
}

func (s *PostgresStore) scanWorkflow(row *sql.Row) (*Workflow, error) {
	var w Workflow
	var metaJSON []byte
	err := row.Scan(&w.ID, &w.Name, &w.Version, &w.Status, &metaJSON, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Metadata = unmarshal(metaJSON)
	return &w, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	query := `SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows ORDER BY name, version`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		var w Workflow
		var metaJSON []byte
		if err := rows.Scan(&w.ID, &w.Name, &w.Version, &w.Status, &metaJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Metadata = unmarshal(metaJSON)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActivateWorkflow(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		WorkflowActive, id, WorkflowDraft)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// --- Steps ---

func (s *PostgresStore) AddStep(ctx context.Context, step *WorkflowStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	query := `
		INSERT INTO workflow_steps (id, workflow_id, name, task_type, step_order, config, timeout_seconds, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query, step.ID, step.WorkflowID, step.Name, step.TaskType,
		step.StepOrder, marshal(step.Config), step.TimeoutSeconds, step.MaxRetries)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]*WorkflowStep, error) {
	query := `
		SELECT id, workflow_id, name, task_type, step_order, config, timeout_seconds, max_retries
		FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order ASC`
	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowStep
	for rows.Next() {
		var st WorkflowStep
		var cfgJSON []byte
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.TaskType, &st.StepOrder,
			&cfgJSON, &st.TimeoutSeconds, &st.MaxRetries); err != nil {
			return nil, err
		}
		st.Config = unmarshal(cfgJSON)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// --- Executions ---

func (s *PostgresStore) CreateExecution(ctx context.Context, e *WorkflowExecution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = ExecutionStatus("pending")
	}
	query := `
		INSERT INTO workflow_executions
			(id, workflow_id, idempotency_key, status, current_step_order, retry_count, max_retries, input_data, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query, e.ID, e.WorkflowID, e.IdempotencyKey, e.Status,
		e.CurrentStepOrder, e.RetryCount, e.MaxRetries, marshal(e.InputData), e.ScheduledAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetExecutionByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*WorkflowExecution, error) {
	query := executionSelect + ` WHERE workflow_id = $1 AND idempotency_key = $2`
	return s.scanExecution(s.db.QueryRowContext(ctx, query, workflowID, key))
}

func (s *PostgresStore) GetExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error) {
	query := executionSelect + ` WHERE id = $1`
	return s.scanExecution(s.db.QueryRowContext(ctx, query, id))
}

const executionSelect = `
	SELECT id, workflow_id, idempotency_key, status, current_step_order, retry_count, max_retries,
	       input_data, output_data, error_message, scheduled_at, started_at, completed_at, created_at, updated_at
	FROM workflow_executions`

func (s *PostgresStore) scanExecution(row *sql.Row) (*WorkflowExecution, error) {
	var e WorkflowExecution
	var inputJSON, outputJSON []byte
	var errMsg sql.NullString
	err := row.Scan(&e.ID, &e.WorkflowID, &e.IdempotencyKey, &e.Status, &e.CurrentStepOrder,
		&e.RetryCount, &e.MaxRetries, &inputJSON, &outputJSON, &errMsg,
		&e.ScheduledAt, &e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.InputData = unmarshal(inputJSON)
	e.OutputData = unmarshal(outputJSON)
	e.ErrorMessage = errMsg.String
	return &e, nil
}

// validateExecutionFrom checks that at least one candidate source status is
// actually able to reach to, per pkg/fsm's transition table, before the
// guarded UPDATE is ever issued — so that table is the one source of truth
// for legal moves (§4.1), not the SQL WHERE IN clause alone. A candidate
// equal to to is always fine (a field-only update with no real status
// change, e.g. persisting current_step_order while staying running).
func validateExecutionFrom(from []ExecutionStatus, to ExecutionStatus) error {
	for _, f := range from {
		if f == to || fsm.ValidateExecutionTransition(fsm.ExecutionStatus(f), fsm.ExecutionStatus(to)) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no listed source status can reach %q", ErrConflict, to)
}

func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, from []ExecutionStatus, fields ExecutionUpdate) error {
	if err := validateExecutionFrom(from, fields.Status); err != nil {
		return err
	}

	set := []string{"status = $1", "updated_at = now()"}
	args := []any{fields.Status}
	n := 2

	addArg := func(clause string, v any) {
		set = append(set, fmt.Sprintf(clause, n+1))
		args = append(args, v)
		n++
	}
	if fields.CurrentStepOrder != nil {
		addArg("current_step_order = $%d", *fields.CurrentStepOrder)
	}
	if fields.RetryCount != nil {
		addArg("retry_count = $%d", *fields.RetryCount)
	}
	if fields.OutputData != nil {
		addArg("output_data = $%d", marshal(fields.OutputData))
	}
	if fields.ErrorMessage != nil {
		addArg("error_message = $%d", *fields.ErrorMessage)
	}
	if fields.ScheduledAt != nil {
		addArg("scheduled_at = $%d", *fields.ScheduledAt)
	}
	if fields.StartedAt != nil {
		addArg("started_at = $%d", *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		addArg("completed_at = $%d", *fields.CompletedAt)
	}

	args = append(args, id)
	idPos := len(args)
	fromPlaceholders := make([]string, len(from))
	for i, f := range from {
		args = append(args, f)
		fromPlaceholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := fmt.Sprintf(
		`UPDATE workflow_executions SET %s WHERE id = $%d AND status IN (%s)`,
		strings.Join(set, ", "), idPos, strings.Join(fromPlaceholders, ","))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *PostgresStore) ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*WorkflowExecution, error) {
	query := executionSelect + ` WHERE status = 'running' AND updated_at < $1`
	rows, err := s.db.QueryContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	return s.scanExecutionRows(rows)
}

func (s *PostgresStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*WorkflowExecution, error) {
	query := executionSelect + `
		WHERE status IN ('pending', 'retrying') AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY created_at ASC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	return s.scanExecutionRows(rows)
}

func (s *PostgresStore) scanExecutionRows(rows *sql.Rows) ([]*WorkflowExecution, error) {
	defer rows.Close()
	var out []*WorkflowExecution
	for rows.Next() {
		var e WorkflowExecution
		var inputJSON, outputJSON []byte
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.IdempotencyKey, &e.Status, &e.CurrentStepOrder,
			&e.RetryCount, &e.MaxRetries, &inputJSON, &outputJSON, &errMsg,
			&e.ScheduledAt, &e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.InputData = unmarshal(inputJSON)
		e.OutputData = unmarshal(outputJSON)
		e.ErrorMessage = errMsg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Step executions ---

func (s *PostgresStore) CreateStepExecution(ctx context.Context, se *StepExecution) error {
	if se.ID == uuid.Nil {
		se.ID = uuid.New()
	}
	query := `
		INSERT INTO step_executions
			(id, execution_id, step_id, step_order, attempt_number, status, input)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, se.ID, se.ExecutionID, se.StepID, se.StepOrder,
		se.AttemptNumber, se.Status, marshal(se.Input))
	return err
}

func (s *PostgresStore) CountStepAttempts(ctx context.Context, executionID uuid.UUID, stepOrder int) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM step_executions WHERE execution_id = $1 AND step_order = $2`
	err := s.db.QueryRowContext(ctx, query, executionID, stepOrder).Scan(&count)
	return count, err
}

// validateStepFrom is validateExecutionFrom's step-execution counterpart: at
// least one candidate source status must be able to reach to, per pkg/fsm's
// transition table. A candidate equal to to is always fine (a field-only
// update with no real status change).
func validateStepFrom(from []StepStatus, to StepStatus) error {
	for _, f := range from {
		if f == to || fsm.ValidateStepTransition(fsm.StepStatus(f), fsm.StepStatus(to)) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no listed source status can reach %q", ErrConflict, to)
}

func (s *PostgresStore) UpdateStepExecutionStatus(ctx context.Context, id uuid.UUID, from []StepStatus, fields StepExecutionUpdate) error {
	if err := validateStepFrom(from, fields.Status); err != nil {
		return err
	}

	set := []string{"status = $1"}
	args := []any{fields.Status}
	n := 2

	addArg := func(clause string, v any) {
		set = append(set, fmt.Sprintf(clause, n+1))
		args = append(args, v)
		n++
	}
	if fields.Output != nil {
		addArg("output = $%d", marshal(fields.Output))
	}
	if fields.ErrorMessage != nil {
		addArg("error_message = $%d", *fields.ErrorMessage)
	}
	if fields.ErrorDetails != nil {
		addArg("error_details = $%d", marshal(fields.ErrorDetails))
	}
	if fields.StartedAt != nil {
		addArg("started_at = $%d", *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		addArg("completed_at = $%d", *fields.CompletedAt)
	}

	args = append(args, id)
	idPos := len(args)
	fromPlaceholders := make([]string, len(from))
	for i, f := range from {
		args = append(args, f)
		fromPlaceholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := fmt.Sprintf(
		`UPDATE step_executions SET %s WHERE id = $%d AND status IN (%s)`,
		strings.Join(set, ", "), idPos, strings.Join(fromPlaceholders, ","))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// --- Logs ---

func (s *PostgresStore) AppendLog(ctx context.Context, l *ExecutionLog) error {
	query := `
		INSERT INTO execution_logs (execution_id, step_execution_id, level, message, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	return s.db.QueryRowContext(ctx, query, l.ExecutionID, l.StepExecID, l.Level, l.Message,
		marshal(l.Details), l.Timestamp).Scan(&l.ID)
}

func (s *PostgresStore) ListLogs(ctx context.Context, executionID uuid.UUID, levelFilter *LogLevel) ([]*ExecutionLog, error) {
	query := `
		SELECT id, execution_id, step_execution_id, level, message, details, timestamp
		FROM execution_logs WHERE execution_id = $1`
	args := []any{executionID}
	if levelFilter != nil {
		query += ` AND level = $2`
		args = append(args, *levelFilter)
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		var detailsJSON []byte
		var stepExecID uuid.NullUUID
		if err := rows.Scan(&l.ID, &l.ExecutionID, &stepExecID, &l.Level, &l.Message, &detailsJSON, &l.Timestamp); err != nil {
			return nil, err
		}
		if stepExecID.Valid {
			l.StepExecID = &stepExecID.UUID
		}
		l.Details = unmarshal(detailsJSON)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
