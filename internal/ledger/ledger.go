// Package ledger is the Durable Ledger: the Postgres-backed system of
// record for tasks, runs, the inbox/outbox transactional-effects tables,
// and the circuit-breaker state snapshot. API keys and budgets are also
// ledger tables: ensureSchema creates them here with the rest, while the
// queries against them live in internal/auth and internal/budget
// respectively, the sole callers that need them.
//
// Every accessor here opens and closes a short-lived transaction or a
// single round-trip query; nothing holds a cursor open across a
// suspension point.
package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable ledger's connection to Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against dsn, verifies connectivity, and ensures the
// ledger's schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("ledger: dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: create pool: %w", err)
	}

	s := &Store{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Pool exposes the underlying connection pool for sibling packages
// (internal/auth, internal/budget) that own their own tables in this
// same database.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("ledger: not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			trace_id TEXT,
			idempotency_key TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tasks_idempotency_key_idx
			ON tasks (idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			metrics JSONB,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS runs_task_id_idx ON runs (task_id)`,

		`CREATE TABLE IF NOT EXISTS inbox (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			external_id TEXT NOT NULL,
			signature_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			rejection_reason TEXT,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS inbox_source_external_id_idx
			ON inbox (source, external_id)`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			status TEXT NOT NULL,
			target TEXT NOT NULL,
			payload JSONB NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_status_idx ON outbox (status)`,

		`CREATE TABLE IF NOT EXISTS budgets (
			provider TEXT NOT NULL,
			budget_date DATE NOT NULL,
			budget_usd DOUBLE PRECISION NOT NULL,
			spent_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			token_count BIGINT NOT NULL DEFAULT 0,
			request_count BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (provider, budget_date)
		)`,

		`CREATE TABLE IF NOT EXISTS circuit_breakers (
			service TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			opened_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ,
			success_count BIGINT NOT NULL DEFAULT 0,
			failure_count BIGINT NOT NULL DEFAULT 0,
			last_success_at TIMESTAMPTZ,
			last_failure_at TIMESTAMPTZ,
			error_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			name TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			expires_at TIMESTAMPTZ,
			created_by TEXT,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: ensure schema: %w", err)
		}
	}
	return nil
}
