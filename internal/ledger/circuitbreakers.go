package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/aurora/internal/circuitbreaker"
)

// PersistBreakerSnapshot upserts service's current in-memory breaker
// state into the durable row, giving operators a queryable view that
// survives process restarts even though the authoritative ring buffer
// itself is never persisted (rebuilding it from scratch on restart is
// the accepted cold-start behavior; see the Design Notes this mirrors).
func (s *Store) PersistBreakerSnapshot(ctx context.Context, service string, snap circuitbreaker.Snapshot, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("ledger: marshal breaker metadata: %w", err)
	}

	var openedAt, nextRetryAt *time.Time
	if !snap.OpenedAt.IsZero() {
		openedAt = &snap.OpenedAt
	}
	if !snap.NextRetryAt.IsZero() {
		nextRetryAt = &snap.NextRetryAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO circuit_breakers (service, state, opened_at, next_retry_at, success_count, failure_count, error_rate, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (service) DO UPDATE SET
			state = EXCLUDED.state,
			opened_at = EXCLUDED.opened_at,
			next_retry_at = EXCLUDED.next_retry_at,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			error_rate = EXCLUDED.error_rate,
			metadata = EXCLUDED.metadata,
			last_success_at = CASE WHEN EXCLUDED.success_count > circuit_breakers.success_count THEN now() ELSE circuit_breakers.last_success_at END,
			last_failure_at = CASE WHEN EXCLUDED.failure_count > circuit_breakers.failure_count THEN now() ELSE circuit_breakers.last_failure_at END
	`, service, snap.State.String(), openedAt, nextRetryAt, snap.SuccessCount, snap.FailureCount, snap.ErrorRate, meta)
	if err != nil {
		return fmt.Errorf("ledger: persist breaker snapshot: %w", err)
	}
	return nil
}

// BreakerRow is the durable view of a circuit breaker's last known state.
type BreakerRow struct {
	Service       string
	State         string
	OpenedAt      *time.Time
	NextRetryAt   *time.Time
	SuccessCount  uint64
	FailureCount  uint64
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	ErrorRate     float64
}

// ListBreakerRows returns every persisted circuit breaker row, used by
// operator tooling to inspect resilience state across all services.
func (s *Store) ListBreakerRows(ctx context.Context) ([]*BreakerRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service, state, opened_at, next_retry_at, success_count, failure_count, last_success_at, last_failure_at, error_rate
		FROM circuit_breakers ORDER BY service
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list breaker rows: %w", err)
	}
	defer rows.Close()

	var out []*BreakerRow
	for rows.Next() {
		r := &BreakerRow{}
		if err := rows.Scan(&r.Service, &r.State, &r.OpenedAt, &r.NextRetryAt, &r.SuccessCount, &r.FailureCount, &r.LastSuccessAt, &r.LastFailureAt, &r.ErrorRate); err != nil {
			return nil, fmt.Errorf("ledger: scan breaker row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
