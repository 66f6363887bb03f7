// Package queue implements the Task Queue component as a Postgres-backed
// table rather than a separate broker, carrying forward the teacher's
// ClaimWork/CompleteWork "FOR UPDATE SKIP LOCKED" pattern. The Queue
// interface is implementation-agnostic so a future broker-backed queue
// could be swapped in without touching the Orchestrator or Worker Loop.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEmpty is returned by Dequeue when no message is currently visible.
var ErrEmpty = errors.New("queue: empty")

// Message is one delivery of an execution ID to a worker.
type Message struct {
	ExecutionID uuid.UUID
	LeaseToken  uuid.UUID
}

// Queue is the dispatch contract between the Execution Service/Orchestrator
// and workers: at-least-once delivery with deferred (deliverAt) visibility
// and a leased exclusivity window per message.
type Queue interface {
	Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt *time.Time) error
	Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*Message, error)
	Ack(ctx context.Context, leaseToken uuid.UUID) error
	Extend(ctx context.Context, leaseToken uuid.UUID, extra time.Duration) error
}

// PostgresQueue implements Queue over the execution_queue table.
type PostgresQueue struct {
	db *sql.DB
}

func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, executionID uuid.UUID, deliverAt *time.Time) error {
	at := time.Now()
	if deliverAt != nil {
		at = *deliverAt
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO execution_queue (execution_id, deliver_at) VALUES ($1, $2)`,
		executionID, at)
	return err
}

// Dequeue claims the oldest visible message and leases it for
// visibilityTimeout. Visibility is "deliver_at <= now() AND (never leased
// OR lease expired)",
// matching the teacher's unclaimed-OR-stale-claim predicate.
func (q *PostgresQueue) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id int64
	var executionID uuid.UUID
	row := tx.QueryRowContext(ctx, `
		SELECT id, execution_id FROM execution_queue
		WHERE deliver_at <= now() AND (lease_token IS NULL OR leased_until < now())
		ORDER BY deliver_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if err := row.Scan(&id, &executionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEmpty
		}
		return nil, err
	}

	lease := uuid.New()
	leasedUntil := time.Now().Add(visibilityTimeout)
	if _, err := tx.ExecContext(ctx,
		`UPDATE execution_queue SET lease_token = $1, leased_until = $2 WHERE id = $3`,
		lease, leasedUntil, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Message{ExecutionID: executionID, LeaseToken: lease}, nil
}

// Ack removes the leased message, completing the delivery.
func (q *PostgresQueue) Ack(ctx context.Context, leaseToken uuid.UUID) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM execution_queue WHERE lease_token = $1`, leaseToken)
	return err
}

// Extend pushes out a lease's expiry, used by long-running handler calls
// that would otherwise outlive the visibility timeout.
func (q *PostgresQueue) Extend(ctx context.Context, leaseToken uuid.UUID, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE execution_queue SET leased_until = leased_until + ($1 * interval '1 second') WHERE lease_token = $2`,
		extra.Seconds(), leaseToken)
	return err
}
