// Package budget implements the Resilience Layer's Budget Guard: a
// per-provider, per-day spending ceiling enforced against a Postgres
// ledger row, with a Redis sorted set tracking the sliding-window spend
// used for reporting and for the optional atomic reservation tightening.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/aurora/internal/domain"
	"github.com/oriys/aurora/internal/metrics"
)

// reservationScript atomically checks a provider's sliding-window spend
// against its ceiling and, if there is room, admits the estimated cost by
// appending a placeholder entry immediately rather than waiting for
// record_usage. This is the tightened variant described as optional: the
// plain check_budget/record_usage pair below is non-atomic and is the
// default path exercised by the Failover chain.
//
// Keys: KEYS[1] = sorted set key for the provider's spend window
// Args: ARGV[1] = ceiling_usd, ARGV[2] = estimated_cost, ARGV[3] = now (unix
// nanoseconds), ARGV[4] = window_start (unix nanoseconds)
var reservationScript = redis.NewScript(`
local key = KEYS[1]
local ceiling = tonumber(ARGV[1])
local estimated = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window_start = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", window_start)

local entries = redis.call("ZRANGEBYSCORE", key, window_start, "+inf")
local spent = 0.0
for _, e in ipairs(entries) do
    local _, _, cost = string.find(e, ":([%-%d%.]+)$")
    if cost ~= nil then
        spent = spent + tonumber(cost)
    end
end

if spent + estimated > ceiling then
    return {0, tostring(spent)}
end

redis.call("ZADD", key, now, tostring(now) .. ":" .. tostring(estimated))
redis.call("EXPIRE", key, 172800)
return {1, tostring(spent)}
`)

func windowKey(provider string) string { return "aurea:budget:window:" + provider }

// Guard enforces daily spend ceilings per provider against the ledger's
// budgets table, and answers sliding-window spend queries from a Redis
// sorted set maintained alongside it.
type Guard struct {
	pool   *pgxpool.Pool
	client *redis.Client
}

// New creates a Guard bound to the ledger pool and the Redis client used
// for sliding-window bookkeeping.
func New(pool *pgxpool.Pool, client *redis.Client) *Guard {
	return &Guard{pool: pool, client: client}
}

// EnsureProvider inserts today's budget row for provider if absent, using
// ceilingUSD as the daily ceiling. Safe to call repeatedly.
func (g *Guard) EnsureProvider(ctx context.Context, provider string, ceilingUSD float64) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO budgets (provider, budget_date, budget_usd, spent_usd, token_count, request_count)
		VALUES ($1, CURRENT_DATE, $2, 0, 0, 0)
		ON CONFLICT (provider, budget_date) DO NOTHING
	`, provider, ceilingUSD)
	if err != nil {
		return fmt.Errorf("budget: ensure provider row: %w", err)
	}
	return nil
}

// CheckBudget reads today's row for provider and returns
// domain.ErrBudgetExceeded if spent_usd + estimatedCost would exceed the
// ceiling. This read is not atomic with the caller's subsequent external
// call or RecordUsage, so concurrent callers can briefly overshoot the
// ceiling; TryReserve is the optional tighter variant.
func (g *Guard) CheckBudget(ctx context.Context, provider string, estimatedCost float64) error {
	var budgetUSD, spentUSD float64
	row := g.pool.QueryRow(ctx, `
		SELECT budget_usd, spent_usd FROM budgets
		WHERE provider = $1 AND budget_date = CURRENT_DATE
	`, provider)
	if err := row.Scan(&budgetUSD, &spentUSD); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No row yet means no spend has been recorded today; treat as
			// within budget rather than failing closed on a missing row.
			return nil
		}
		return fmt.Errorf("budget: check budget: %w", err)
	}

	if spentUSD+estimatedCost > budgetUSD {
		metrics.RecordBudgetRejected(provider)
		return fmt.Errorf("budget: provider %s: %w", provider, domain.ErrBudgetExceeded)
	}
	return nil
}

// RecordUsage atomically increments today's spent_usd, token_count, and
// request_count for provider, creating the row with defaultCeilingUSD if
// it does not yet exist, then appends a timestamped entry to the
// provider's sliding-window sorted set and evicts entries older than 24h.
func (g *Guard) RecordUsage(ctx context.Context, provider string, actualCost float64, tokens int, defaultCeilingUSD float64) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO budgets (provider, budget_date, budget_usd, spent_usd, token_count, request_count)
		VALUES ($1, CURRENT_DATE, $2, $3, $4, 1)
		ON CONFLICT (provider, budget_date) DO UPDATE SET
			spent_usd = budgets.spent_usd + EXCLUDED.spent_usd,
			token_count = budgets.token_count + EXCLUDED.token_count,
			request_count = budgets.request_count + 1
	`, provider, defaultCeilingUSD, actualCost, tokens)
	if err != nil {
		return fmt.Errorf("budget: record usage: %w", err)
	}

	now := time.Now()
	key := windowKey(provider)
	member := fmt.Sprintf("%d:%f", now.UnixNano(), actualCost)
	if err := g.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return fmt.Errorf("budget: append spend entry: %w", err)
	}

	cutoff := now.Add(-24 * time.Hour).UnixNano()
	if err := g.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return fmt.Errorf("budget: evict stale spend entries: %w", err)
	}

	g.reportSpent(ctx, provider)
	return nil
}

func (g *Guard) reportSpent(ctx context.Context, provider string) {
	var spentUSD float64
	row := g.pool.QueryRow(ctx, `
		SELECT spent_usd FROM budgets WHERE provider = $1 AND budget_date = CURRENT_DATE
	`, provider)
	if err := row.Scan(&spentUSD); err == nil {
		metrics.SetBudgetSpent(provider, spentUSD)
	}
}

// GetSlidingWindowSpend sums the costs recorded for provider within the
// trailing window of the given duration.
func (g *Guard) GetSlidingWindowSpend(ctx context.Context, provider string, window time.Duration) (float64, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	entries, err := g.client.ZRangeByScore(ctx, windowKey(provider), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("budget: sliding window spend: %w", err)
	}

	var total float64
	for _, entry := range entries {
		var ts int64
		var cost float64
		if _, err := fmt.Sscanf(entry, "%d:%f", &ts, &cost); err != nil {
			continue
		}
		total += cost
	}
	return total, nil
}

// GetRemainingBudget returns max(0, budget_usd - spent_usd) for provider's
// current day. A missing row reports the full defaultCeilingUSD as
// remaining, since nothing has been spent against it yet.
func (g *Guard) GetRemainingBudget(ctx context.Context, provider string, defaultCeilingUSD float64) (float64, error) {
	var budgetUSD, spentUSD float64
	row := g.pool.QueryRow(ctx, `
		SELECT budget_usd, spent_usd FROM budgets WHERE provider = $1 AND budget_date = CURRENT_DATE
	`, provider)
	if err := row.Scan(&budgetUSD, &spentUSD); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return defaultCeilingUSD, nil
		}
		return 0, fmt.Errorf("budget: remaining budget: %w", err)
	}

	remaining := budgetUSD - spentUSD
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TryReserve is the optional atomic-reservation tightening: it checks the
// Redis sliding window (not the Postgres row) against ceilingUSD and, if
// there is room, admits the estimate by recording a provisional entry in
// the same script invocation. This narrows but does not eliminate the
// check-then-record race, since the Postgres row remains the system of
// record and is only updated afterward by RecordUsage.
func (g *Guard) TryReserve(ctx context.Context, provider string, ceilingUSD, estimatedCost float64) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := time.Now().Add(-24 * time.Hour).UnixNano()

	result, err := reservationScript.Run(ctx, g.client, []string{windowKey(provider)},
		ceilingUSD, estimatedCost, now, windowStart,
	).Slice()
	if err != nil {
		return false, fmt.Errorf("budget: try reserve: %w", err)
	}
	if len(result) != 2 {
		return false, fmt.Errorf("budget: try reserve: unexpected script result shape")
	}

	admitted, _ := result[0].(int64)
	return admitted == 1, nil
}
