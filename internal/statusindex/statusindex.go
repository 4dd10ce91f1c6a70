// Package statusindex wraps internal/cache as the fast status index the
// Worker Runtime writes to on every task-status transition and the
// Ingress Surface reads from to answer Status lookups without a round
// trip to the ledger for tasks that are still in flight. The ledger
// remains the durable source of truth; this index only ever shortcuts
// reads and is safe to lose or go stale (callers fall back to the
// ledger on a miss).
package statusindex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/aurora/internal/cache"
)

// Entry is the fast-path view of a task's current status.
type Entry struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// Index reads and writes task-status entries against a cache.Cache,
// optionally publishing an invalidation signal after every write so
// other processes' local L1 layer drops its stale copy immediately
// instead of waiting out the TTL.
type Index struct {
	backend    cache.Cache
	ttl        time.Duration
	invalidate func(ctx context.Context, key string)
}

// New builds an Index. invalidate may be nil when the backend is not
// tiered across processes (e.g. tests using a bare InMemoryCache).
func New(backend cache.Cache, ttl time.Duration, invalidate func(ctx context.Context, key string)) *Index {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Index{backend: backend, ttl: ttl, invalidate: invalidate}
}

func key(taskID string) string { return "task_status:" + taskID }

// Put records taskID's current status. A nil Index (or nil backend) is a
// deliberate no-op, so callers that run without a status index wired
// (tests, mainly) don't need a guard at every call site.
func (idx *Index) Put(ctx context.Context, taskID, status string) {
	if idx == nil || idx.backend == nil {
		return
	}
	data, err := json.Marshal(Entry{Status: status, UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return
	}
	if err := idx.backend.Set(ctx, key(taskID), data, idx.ttl); err != nil {
		return
	}
	if idx.invalidate != nil {
		idx.invalidate(ctx, key(taskID))
	}
}

// Get returns taskID's cached status entry, if present and still fresh
// per the backend's own TTL semantics.
func (idx *Index) Get(ctx context.Context, taskID string) (Entry, bool) {
	if idx == nil || idx.backend == nil {
		return Entry{}, false
	}
	data, err := idx.backend.Get(ctx, key(taskID))
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}
