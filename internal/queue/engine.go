// Package queue implements the stream-backed Queue Engine: a durable,
// at-least-once append log of queue messages with consumer-group delivery,
// visibility-timeout leases, idempotent enqueue, bounded retries with
// back-off, and dead-letter quarantine. The companion notifier types in
// this package are a separate, optional wake-up channel for the ingress
// stream endpoint; they are not part of the engine's delivery guarantee.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/aurora/internal/domain"
	"github.com/oriys/aurora/internal/metrics"
)

// reclaimConsumer is the synthetic consumer name reclaim_expired claims an
// expired message to, so that only one of several concurrent reclaimers
// wins a given entry. The winner re-appends the message as a fresh stream
// entry, which the next dequeue by any live consumer observes through
// XREADGROUP as a fresh delivery under that consumer's own name.
const reclaimConsumer = "aurea-reclaimer"

// Config configures one Engine instance against a single Redis database.
type Config struct {
	StreamKey          string        // main stream key, e.g. "aurea:tasks"
	DLQKey             string        // dead-letter stream key, e.g. "aurea:dlq"
	ConsumerGroup      string        // shared consumer group name
	VisibilityTimeout  time.Duration // lease TTL, default 900s
	MaxRetries         int           // retries before DLQ, default 3
	BackoffBaseSeconds int           // exponential back-off base, default 2
	BackoffMaxSeconds  int           // back-off ceiling, default 60
	IdempotencyTTL     time.Duration // idempotency lock TTL, default 24h
}

func (c *Config) applyDefaults() {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 900 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 2
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 60
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
}

// Engine is the Queue Engine: a Redis Streams-backed append log plus the
// lease bookkeeping (itself just Redis keys with TTLs) that gives every
// in-flight message a single owning consumer at a time.
type Engine struct {
	client *redis.Client
	cfg    Config
}

// New creates a Queue Engine bound to client. The consumer group is
// created lazily on first use (via EnsureGroup), mirroring how a fresh
// deployment's stream key may not exist yet.
func New(client *redis.Client, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{client: client, cfg: cfg}
}

// EnsureGroup creates the consumer group on the main stream (and the DLQ
// stream, for symmetry) if it does not already exist. MKSTREAM creates the
// stream itself when the key is absent.
func (e *Engine) EnsureGroup(ctx context.Context) error {
	for _, key := range []string{e.cfg.StreamKey, e.cfg.DLQKey} {
		err := e.client.XGroupCreateMkStream(ctx, key, e.cfg.ConsumerGroup, "0").Err()
		if err != nil && !isBusyGroupErr(err) {
			return fmt.Errorf("queue: ensure group on %s: %w", key, err)
		}
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	// Redis replies with "BUSYGROUP Consumer Group name already exists"
	// when the group is already there; treat that as success.
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func leaseKey(messageID string) string { return "aurea:lease:" + messageID }
func idempotencyKey(key string) string { return "aurea:idem:" + key }
func taskLockKey(taskID string) string { return "aurea:tasklock:" + taskID }

// releaseTaskLockScript deletes a task lock only if it is still held by
// the caller, so a worker whose lock already expired and was re-acquired
// by another worker cannot delete that other worker's lock out from
// under it.
//
// Keys: KEYS[1] = lock key
// Args: ARGV[1] = owner
var releaseTaskLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireTaskLock implements the per-task advisory lock: a second,
// independent guard against two consumers both dispatching the same
// task after a reclamation race hands its lease to a new consumer while
// the original one is still mid-execution. ttl should match the lease's
// visibility timeout so the lock cannot outlive the lease that justified
// it. Callers must skip dispatch entirely (not ack, not nack) when this
// returns false, leaving the queue lease to expire on its own.
func (e *Engine) AcquireTaskLock(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	ok, err := e.client.SetNX(ctx, taskLockKey(taskID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("queue: acquire task lock: %w", err)
	}
	return ok, nil
}

// ReleaseTaskLock drops the lock early once a task finishes, so a
// subsequent legitimate attempt (retry, manual redrive) does not have to
// wait out the full TTL. Best effort: a failure here just means the lock
// expires naturally instead.
func (e *Engine) ReleaseTaskLock(ctx context.Context, taskID, owner string) error {
	if err := releaseTaskLockScript.Run(ctx, e.client, []string{taskLockKey(taskID)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("queue: release task lock: %w", err)
	}
	return nil
}

// priorityIndexKey is the legacy sorted-set secondary index, kept
// alongside the canonical stream per the source's own dual queue
// representations. It is never consulted by Dequeue.
func (e *Engine) priorityIndexKey() string { return e.cfg.StreamKey + ":priority_idx" }

// priorityScore gives each tier a fixed offset so ZRANGE ordering sorts
// CRITICAL first, LOW last; ties within a tier break by enqueue order via
// a small fractional time component.
func priorityScore(p domain.Priority, enqueuedAt time.Time) float64 {
	var base float64
	switch p {
	case domain.PriorityCritical:
		base = 0
	case domain.PriorityHigh:
		base = 1000
	case domain.PriorityNormal:
		base = 2000
	default:
		base = 3000
	}
	// Sub-second fraction of the enqueue time keeps entries within a tier
	// roughly FIFO without ever crossing into the next tier's offset.
	frac := float64(enqueuedAt.UnixNano()%1e9) / 1e9
	return base + frac
}

type leaseRecord struct {
	Consumer   string `json:"consumer"`
	AcquiredAt string `json:"acquired_at"`
}

// Enqueue appends task as a new queue message. If idempotencyKey is
// non-empty and a lock entry already exists for it, the previously
// recorded message ID is returned without appending a new entry.
func (e *Engine) Enqueue(ctx context.Context, task *domain.Task, idemKey string) (string, error) {
	msg := domain.QueueMessage{
		TaskID:     task.ID.String(),
		Type:       task.Type,
		Payload:    string(task.Payload),
		Priority:   string(task.Priority),
		Status:     string(task.Status),
		RetryCount: 0,
		CreatedAt:  task.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	if idemKey != "" {
		lockKey := idempotencyKey(idemKey)
		ok, err := e.client.SetNX(ctx, lockKey, "", e.cfg.IdempotencyTTL).Result()
		if err != nil {
			return "", fmt.Errorf("queue: idempotency lock: %w", err)
		}
		if !ok {
			existing, err := e.client.Get(ctx, lockKey+":msgid").Result()
			if err == nil && existing != "" {
				metrics.RecordEnqueue("idempotent_hit")
				return existing, nil
			}
			// Lock exists but the message-id companion key raced ahead of
			// us or expired independently; fall through and append fresh
			// rather than returning an empty message id.
		}
	}

	id, err := e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.cfg.StreamKey,
		Values: msg.ToFields(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: xadd: %w", err)
	}

	if idemKey != "" {
		e.client.Set(ctx, idempotencyKey(idemKey)+":msgid", id, e.cfg.IdempotencyTTL)
	}

	// Best-effort: the legacy priority index is advisory only, so a
	// failure here does not fail the enqueue itself.
	e.client.ZAdd(ctx, e.priorityIndexKey(), redis.Z{
		Score:  priorityScore(domain.Priority(msg.Priority), task.CreatedAt),
		Member: id,
	})

	metrics.RecordEnqueue("appended")
	return id, nil
}

// DequeuedMessage pairs a stream message ID with its decoded payload.
type DequeuedMessage struct {
	ID  string
	Msg domain.QueueMessage
}

// Dequeue reads up to count new messages for consumerName from the main
// stream's consumer group, installing a visibility-timeout lease for each
// one returned. block is the maximum time to wait for availability; zero
// or negative means return immediately with whatever is available, which
// is the opposite of go-redis's own zero-value convention (BLOCK 0 means
// block forever), so it is translated below.
func (e *Engine) Dequeue(ctx context.Context, consumerName string, count int64, block time.Duration) ([]DequeuedMessage, error) {
	redisBlock := block
	if block <= 0 {
		redisBlock = -1
	}

	streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    e.cfg.ConsumerGroup,
		Consumer: consumerName,
		Streams:  []string{e.cfg.StreamKey, ">"},
		Count:    count,
		Block:    redisBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: xreadgroup: %w", err)
	}

	var out []DequeuedMessage
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			msg := decodeMessage(xmsg.Values)

			rec := leaseRecord{Consumer: consumerName, AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano)}
			data, _ := json.Marshal(rec)
			if err := e.client.Set(ctx, leaseKey(xmsg.ID), data, e.cfg.VisibilityTimeout).Err(); err != nil {
				return out, fmt.Errorf("queue: install lease for %s: %w", xmsg.ID, err)
			}

			out = append(out, DequeuedMessage{ID: xmsg.ID, Msg: msg})
		}
	}

	if len(out) > 0 {
		metrics.RecordDequeue(consumerName)
	}
	return out, nil
}

func decodeMessage(values map[string]interface{}) domain.QueueMessage {
	get := func(k string) string {
		v, ok := values[k]
		if !ok {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	retryCount, _ := strconv.Atoi(get("retry_count"))
	return domain.QueueMessage{
		TaskID:           get("task_id"),
		Type:             get("type"),
		Payload:          get("payload"),
		Priority:         get("priority"),
		Status:           get("status"),
		RetryCount:       retryCount,
		CreatedAt:        get("created_at"),
		LastError:        get("last_error"),
		LastRetryAt:      get("last_retry_at"),
		FinalError:       get("final_error"),
		MovedToDLQAt:     get("moved_to_dlq_at"),
		DrainedFromDLQAt: get("drained_from_dlq_at"),
	}
}

// Ack marks the delivery acknowledged, then deletes the stream entry and
// its lease. Idempotent: acking an already-acked/deleted message is a
// harmless no-op.
func (e *Engine) Ack(ctx context.Context, messageID string) error {
	pipe := e.client.Pipeline()
	pipe.XAck(ctx, e.cfg.StreamKey, e.cfg.ConsumerGroup, messageID)
	pipe.XDel(ctx, e.cfg.StreamKey, messageID)
	pipe.Del(ctx, leaseKey(messageID))
	pipe.ZRem(ctx, e.priorityIndexKey(), messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s: %w", messageID, err)
	}
	metrics.RecordAck()
	return nil
}

// Nack records a failed delivery. If the message's retry count exceeds
// max_retries it is moved to the DLQ with a final error stamp; otherwise
// it is acked-and-deleted from the main stream, the process sleeps a
// clamped exponential back-off, and a fresh entry is re-appended with an
// incremented retry count. The sleep is cancellable via ctx so shutdown
// does not block on it.
func (e *Engine) Nack(ctx context.Context, messageID string, msg domain.QueueMessage, cause error) error {
	msg.RetryCount++
	msg.LastError = cause.Error()
	msg.LastRetryAt = time.Now().UTC().Format(time.RFC3339Nano)

	if msg.RetryCount > e.cfg.MaxRetries {
		msg.FinalError = cause.Error()
		msg.MovedToDLQAt = time.Now().UTC().Format(time.RFC3339Nano)

		if err := e.client.XAdd(ctx, &redis.XAddArgs{
			Stream: e.cfg.DLQKey,
			Values: msg.ToFields(),
		}).Err(); err != nil {
			return fmt.Errorf("queue: dlq xadd: %w", err)
		}
		if err := e.Ack(ctx, messageID); err != nil {
			return err
		}
		metrics.RecordNack("dlq")
		return nil
	}

	if err := e.Ack(ctx, messageID); err != nil {
		return err
	}

	sleep := backoffDuration(e.cfg.BackoffBaseSeconds, e.cfg.BackoffMaxSeconds, msg.RetryCount)
	select {
	case <-ctx.Done():
		// Shutting down: skip the sleep and re-append immediately so the
		// message is not lost, but do not block exit on the back-off.
	case <-time.After(sleep):
	}

	retryID, err := e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.cfg.StreamKey,
		Values: msg.ToFields(),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: retry xadd: %w", err)
	}
	e.client.ZAdd(ctx, e.priorityIndexKey(), redis.Z{
		Score:  priorityScore(domain.Priority(msg.Priority), time.Now()),
		Member: retryID,
	})
	metrics.RecordNack("retried")
	return nil
}

// backoffDuration computes min(maxSeconds, base^attempt) as a duration.
func backoffDuration(base, maxSeconds, attempt int) time.Duration {
	seconds := math.Pow(float64(base), float64(attempt))
	if seconds > float64(maxSeconds) {
		seconds = float64(maxSeconds)
	}
	return time.Duration(seconds * float64(time.Second))
}

// ExtendLease resets a message's lease TTL to the visibility timeout if
// the caller is the recorded owner. Returns false if no lease exists or
// the owner differs.
func (e *Engine) ExtendLease(ctx context.Context, messageID, consumerName string) (bool, error) {
	data, err := e.client.Get(ctx, leaseKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: read lease %s: %w", messageID, err)
	}

	var rec leaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, fmt.Errorf("queue: decode lease %s: %w", messageID, err)
	}
	if rec.Consumer != consumerName {
		return false, nil
	}

	if err := e.client.Expire(ctx, leaseKey(messageID), e.cfg.VisibilityTimeout).Err(); err != nil {
		return false, fmt.Errorf("queue: extend lease %s: %w", messageID, err)
	}
	return true, nil
}

// ReclaimExpired scans the consumer group's pending entries, reassigns
// ownership of any whose lease key has expired (or never existed) to a
// synthetic reclaimer consumer, then re-appends each claimed message and
// retires the stale entry, so the next Dequeue call by a live worker
// observes it as a fresh delivery. Returns the number reclaimed.
func (e *Engine) ReclaimExpired(ctx context.Context) (int, error) {
	pending, err := e.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: e.cfg.StreamKey,
		Group:  e.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: xpending: %w", err)
	}

	reclaimed := 0
	for _, p := range pending {
		if p.Idle < e.cfg.VisibilityTimeout {
			continue
		}

		exists, err := e.client.Exists(ctx, leaseKey(p.ID)).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("queue: check lease %s: %w", p.ID, err)
		}
		if exists > 0 {
			// A live lease still covers this entry even though its idle
			// time exceeds the timeout (e.g. it was extended after
			// XPending's snapshot was taken); leave it alone.
			continue
		}

		claimed, err := e.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   e.cfg.StreamKey,
			Group:    e.cfg.ConsumerGroup,
			Consumer: reclaimConsumer,
			MinIdle:  e.cfg.VisibilityTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("queue: xclaim %s: %w", p.ID, err)
		}
		// XREADGROUP ">" never hands out an entry that is already pending,
		// so the claimed message goes back on the stream as a new entry.
		for _, m := range claimed {
			if err := e.client.XAdd(ctx, &redis.XAddArgs{Stream: e.cfg.StreamKey, Values: m.Values}).Err(); err != nil {
				return reclaimed, fmt.Errorf("queue: re-append %s: %w", m.ID, err)
			}
			pipe := e.client.Pipeline()
			pipe.XAck(ctx, e.cfg.StreamKey, e.cfg.ConsumerGroup, m.ID)
			pipe.XDel(ctx, e.cfg.StreamKey, m.ID)
			pipe.ZRem(ctx, e.priorityIndexKey(), m.ID)
			if _, err := pipe.Exec(ctx); err != nil {
				return reclaimed, fmt.Errorf("queue: retire reclaimed %s: %w", m.ID, err)
			}
			reclaimed++
		}
	}

	metrics.RecordReclaimed(reclaimed)
	return reclaimed, nil
}

// DrainDLQ moves up to max messages from the DLQ back to the main stream,
// resetting retry_count and stamping drained_from_dlq_at. When
// lowerPriority is true, each message's priority is demoted one level
// (CRITICAL->HIGH->NORMAL->LOW; LOW stays).
func (e *Engine) DrainDLQ(ctx context.Context, max int64, lowerPriority bool) (int, error) {
	entries, err := e.client.XRange(ctx, e.cfg.DLQKey, "-", "+").Result()
	if err != nil {
		return 0, fmt.Errorf("queue: xrange dlq: %w", err)
	}

	drained := 0
	for _, entry := range entries {
		if int64(drained) >= max {
			break
		}

		msg := decodeMessage(entry.Values)
		msg.RetryCount = 0
		msg.FinalError = ""
		msg.MovedToDLQAt = ""
		msg.DrainedFromDLQAt = time.Now().UTC().Format(time.RFC3339Nano)
		if lowerPriority {
			msg.Priority = string(domain.Priority(msg.Priority).Demote())
		}

		if err := e.client.XAdd(ctx, &redis.XAddArgs{
			Stream: e.cfg.StreamKey,
			Values: msg.ToFields(),
		}).Err(); err != nil {
			return drained, fmt.Errorf("queue: drain xadd: %w", err)
		}
		if err := e.client.XDel(ctx, e.cfg.DLQKey, entry.ID).Err(); err != nil {
			return drained, fmt.Errorf("queue: drain xdel: %w", err)
		}
		drained++
	}

	return drained, nil
}

// DLQEntry pairs a DLQ stream entry's ID with its decoded message, for
// callers (archive export) that need to read the DLQ without draining it
// back to the main stream.
type DLQEntry struct {
	ID  string
	Msg domain.QueueMessage
}

// PeekDLQ returns up to max entries currently in the DLQ without
// removing them, for export tooling that archives before draining.
func (e *Engine) PeekDLQ(ctx context.Context, max int64) ([]DLQEntry, error) {
	entries, err := e.client.XRange(ctx, e.cfg.DLQKey, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("queue: xrange dlq: %w", err)
	}
	if int64(len(entries)) > max {
		entries = entries[:max]
	}
	out := make([]DLQEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, DLQEntry{ID: entry.ID, Msg: decodeMessage(entry.Values)})
	}
	return out, nil
}

// PeekByPriority is a read-only debug view into the legacy sorted-set
// priority index: it returns up to limit message IDs ordered by tier
// (CRITICAL first) and enqueue time within a tier. Dequeue never
// consults this index; delivery order is always the stream's own FIFO
// order per consumer group semantics.
func (e *Engine) PeekByPriority(ctx context.Context, limit int64) ([]string, error) {
	ids, err := e.client.ZRange(ctx, e.priorityIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: peek priority index: %w", err)
	}
	return ids, nil
}

// Metrics summarizes the engine's current depth and lease pressure.
type Metrics struct {
	QueueDepth   int64
	DLQDepth     int64
	PendingCount int64
	ActiveLeases int64
}

// Metrics reports the engine's current queue_depth, dlq_depth,
// pending_count, and active_leases, also pushing them to the process's
// Prometheus collectors.
func (e *Engine) Metrics(ctx context.Context) (Metrics, error) {
	queueDepth, err := e.client.XLen(ctx, e.cfg.StreamKey).Result()
	if err != nil {
		return Metrics{}, fmt.Errorf("queue: xlen main: %w", err)
	}
	dlqDepth, err := e.client.XLen(ctx, e.cfg.DLQKey).Result()
	if err != nil {
		return Metrics{}, fmt.Errorf("queue: xlen dlq: %w", err)
	}

	var pendingCount int64
	summary, err := e.client.XPending(ctx, e.cfg.StreamKey, e.cfg.ConsumerGroup).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Metrics{}, fmt.Errorf("queue: xpending summary: %w", err)
	}
	if summary != nil {
		pendingCount = summary.Count
	}

	leaseKeys, err := e.client.Keys(ctx, "aurea:lease:*").Result()
	if err != nil {
		return Metrics{}, fmt.Errorf("queue: scan lease keys: %w", err)
	}

	m := Metrics{
		QueueDepth:   queueDepth,
		DLQDepth:     dlqDepth,
		PendingCount: pendingCount,
		ActiveLeases: int64(len(leaseKeys)),
	}

	metrics.SetQueueDepth(m.QueueDepth)
	metrics.SetDLQDepth(m.DLQDepth)
	metrics.SetPendingCount(m.PendingCount)
	metrics.SetActiveLeases(m.ActiveLeases)

	return m, nil
}
