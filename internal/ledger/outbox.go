package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OutboxStatus values for pending external effects.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// InsertOutboxTx writes an outbox entry within the given transaction, so
// it commits atomically with whatever state change authorized it. The
// separate dispatcher that drains pending entries lives outside this
// package's scope.
func InsertOutboxTx(ctx context.Context, tx pgx.Tx, target string, payload []byte) error {
	now := time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (status, target, payload, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
	`, string(OutboxPending), target, payload, now)
	if err != nil {
		return fmt.Errorf("ledger: insert outbox entry: %w", err)
	}
	return nil
}

// OutboxEntry is one row awaiting dispatch.
type OutboxEntry struct {
	ID       int64
	Status   OutboxStatus
	Target   string
	Payload  []byte
	Attempts int
}

// PendingOutbox returns up to limit pending outbox entries, oldest first,
// for an external dispatcher to drain.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, target, payload, attempts FROM outbox
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2
	`, string(OutboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: pending outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		var status string
		if err := rows.Scan(&e.ID, &status, &e.Target, &e.Payload, &e.Attempts); err != nil {
			return nil, fmt.Errorf("ledger: scan outbox entry: %w", err)
		}
		e.Status = OutboxStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxDelivered flags an entry as delivered.
func (s *Store) MarkOutboxDelivered(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = $1, updated_at = now() WHERE id = $2
	`, string(OutboxDelivered), id)
	if err != nil {
		return fmt.Errorf("ledger: mark outbox delivered: %w", err)
	}
	return nil
}

// MarkOutboxFailed increments the attempt counter and flags an entry as
// failed for this attempt; the dispatcher decides whether to retry.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = $1, attempts = attempts + 1, updated_at = now() WHERE id = $2
	`, string(OutboxFailed), id)
	if err != nil {
		return fmt.Errorf("ledger: mark outbox failed: %w", err)
	}
	return nil
}
