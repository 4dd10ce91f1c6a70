package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oriys/aurora/internal/domain"
)

// CreateRun inserts a new run row in STARTED status.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, task_id, attempt, status, started_at, ended_at, metrics, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, run.TaskID, run.Attempt, string(run.Status), run.StartedAt, run.EndedAt, []byte(run.Metrics), run.Error)
	if err != nil {
		return fmt.Errorf("ledger: create run: %w", err)
	}
	return nil
}

// FinishRun transitions run id to a terminal status, stamping ended_at
// and recording metrics/error. Invariant enforced here: ended_at is set
// iff status is terminal, so this is the only path that writes either.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status domain.RunStatus, metrics []byte, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("ledger: finish run with non-terminal status %s", status)
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $1, ended_at = $2, metrics = $3, error = $4
		WHERE id = $5 AND ended_at IS NULL
	`, string(status), now, metrics, errMsg, id)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: run %s not found or already finished", id)
	}
	return nil
}

// LatestRunForTask returns the most recent run row for taskID, used by
// the status endpoint.
func (s *Store) LatestRunForTask(ctx context.Context, taskID uuid.UUID) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, attempt, status, started_at, ended_at, metrics, error
		FROM runs WHERE task_id = $1
		ORDER BY attempt DESC LIMIT 1
	`, taskID)

	r := &domain.Run{}
	var status string
	var metricsRaw []byte
	if err := row.Scan(&r.ID, &r.TaskID, &r.Attempt, &status, &r.StartedAt, &r.EndedAt, &metricsRaw, &r.Error); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("ledger: latest run: %w", err)
	}
	r.Status = domain.RunStatus(status)
	r.Metrics = metricsRaw
	return r, nil
}

// NextAttempt returns the next attempt ordinal for taskID (1 if no prior
// run exists).
func (s *Store) NextAttempt(ctx context.Context, taskID uuid.UUID) (int, error) {
	var maxAttempt *int
	row := s.pool.QueryRow(ctx, `SELECT MAX(attempt) FROM runs WHERE task_id = $1`, taskID)
	if err := row.Scan(&maxAttempt); err != nil {
		return 0, fmt.Errorf("ledger: next attempt: %w", err)
	}
	if maxAttempt == nil {
		return 1, nil
	}
	return *maxAttempt + 1, nil
}
