package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oriys/aurora/internal/domain"
)

// CreateTask inserts task. If task carries a non-empty idempotency key
// that collides with an existing row, domain.ErrReplay is returned and
// the caller should resolve the existing task id via TaskByIdempotencyKey
// rather than retry the insert.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("ledger: marshal task metadata: %w", err)
	}

	var idemKey any
	if task.IdempotencyKey != "" {
		idemKey = task.IdempotencyKey
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, type, payload, priority, status, trace_id, idempotency_key, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, task.ID, task.Type, []byte(task.Payload), string(task.Priority), string(task.Status),
		task.TraceID, idemKey, metadata, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger: %w", domain.ErrReplay)
		}
		return fmt.Errorf("ledger: create task: %w", err)
	}
	return nil
}

// TaskByIdempotencyKey resolves an existing task by its idempotency key,
// used to answer a submit request that collided on CreateTask.
func (s *Store) TaskByIdempotencyKey(ctx context.Context, key string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, payload, priority, status, trace_id, idempotency_key, metadata, created_at, updated_at
		FROM tasks WHERE idempotency_key = $1
	`, key)
	return scanTask(row)
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, payload, priority, status, trace_id, idempotency_key, metadata, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)
	return scanTask(row)
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	t := &domain.Task{}
	var (
		priority, status string
		traceID          *string
		idemKey          *string
		metadataRaw      []byte
		payloadRaw       []byte
	)
	if err := row.Scan(&t.ID, &t.Type, &payloadRaw, &priority, &status, &traceID, &idemKey, &metadataRaw, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("ledger: scan task: %w", err)
	}

	t.Payload = payloadRaw
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	if traceID != nil {
		t.TraceID = *traceID
	}
	if idemKey != nil {
		t.IdempotencyKey = *idemKey
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &t.Metadata); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal task metadata: %w", err)
		}
	}
	return t, nil
}

// UpdateTaskStatus moves task id forward to status. Callers are
// responsible for only ever advancing the lifecycle
// (QUEUED->RUNNING->{DONE|FAILED|CANCELED}); this call does not itself
// enforce the forward-only invariant beyond what the WHERE clause below
// guards against re-entering a terminal state.
func (s *Store) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = now()
		WHERE id = $2 AND status NOT IN ('DONE', 'FAILED', 'CANCELED')
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("ledger: update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: task %s not found or already terminal", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
